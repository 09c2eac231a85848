// Package main is the taskmesh entry point. One binary hosts three modes:
//
//	taskmesh server     run the central server
//	taskmesh governor   run a worker node against a server
//	taskmesh run        run both in one process (single-host convenience)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/logger"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	mode := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch mode {
	case "server":
		err = runServer(ctx, cfg, log)
	case "governor":
		err = runGovernor(ctx, cfg, log, cfg.Governor.ServerAddress)
	case "run":
		err = runBoth(ctx, cfg, log)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Error("exiting with failure")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: taskmesh <server|governor|run>")
	fmt.Fprintln(os.Stderr, "configuration: config.yaml or TASKMESH_* environment variables")
}
