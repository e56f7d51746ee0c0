package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/fstunnel/internal/obs"
	"github.com/matst80/fstunnel/internal/tunnel"
)

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		obs.Error("responder.config", obs.Fields{"err": err.Error()})
		os.Exit(2)
	}
	obs.EnableDebug(cfg.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tunnel.RunResponder(ctx, cfg); err != nil {
		obs.Error("responder.fatal", obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}
