package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/openbuttnakedgang/holter/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var c cli.CLI
	kctx := kong.Parse(&c,
		kong.Name("holter"),
		kong.Description("Host tool for the Holter recorder: registers, recordings, telemetry and firmware."),
		kong.UsageOnError(),
	)
	c.WithContext(ctx)
	kctx.FatalIfErrorf(kctx.Run(&c))
}
