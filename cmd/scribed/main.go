// SPDX-License-Identifier: MIT

// scribed is the transcription dispatcher daemon: it watches an inbox for
// audio files, transcribes them through an external binary, and survives
// crashes by reconciling disk state with its durable queue at boot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nbost130/transcription-palantir-sub001/internal/config"
	"github.com/nbost130/transcription-palantir-sub001/internal/daemon"
	"github.com/nbost130/transcription-palantir-sub001/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scribed %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scribed: %v\n", err)
		os.Exit(1)
	}

	log.Configure(log.Config{Level: cfg.LogLevel, Service: "scribed", Version: version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := daemon.New(cfg, version).Run(ctx); err != nil {
		logger := log.L()
		if errors.Is(err, daemon.ErrShutdownTimeout) {
			logger.Error().Err(err).Msg("exiting after forced shutdown")
		} else {
			logger.Error().Err(err).Msg("daemon failed")
		}
		os.Exit(1)
	}
}
