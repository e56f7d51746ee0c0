package main

import (
	"io"

	"github.com/matst80/fstunnel/internal/config"
)

const usage = `Replay sessions found in a shared directory onto an upstream TCP target.
  responder [flags] <dest-host> <port>`

func loadConfig(args []string, out io.Writer) (config.Config, error) {
	return config.Parse(config.Responder, args, usage, out)
}
