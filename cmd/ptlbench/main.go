package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/piwi3910/ptlbench/cmd/ptlbench/commands"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := commands.NewRootCmd(fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate))

	if err := root.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("ptlbench failed")
		stop()
		os.Exit(1)
	}
}
