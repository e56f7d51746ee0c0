package main

import (
	"io"

	"github.com/matst80/fstunnel/internal/config"
)

const usage = `Accept TCP connections and tunnel each one through a shared directory.
  initiator [flags] <bind-host> <port>`

func loadConfig(args []string, out io.Writer) (config.Config, error) {
	return config.Parse(config.Initiator, args, usage, out)
}
