package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/fsutil"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/governor/executors"
	"github.com/taskmesh/taskmesh/internal/governor/monitor"
	govstate "github.com/taskmesh/taskmesh/internal/governor/state"
	"github.com/taskmesh/taskmesh/internal/governor/tasks"
	v1 "github.com/taskmesh/taskmesh/pkg/api/v1"
)

// runGovernor assembles and runs one worker node.
func runGovernor(ctx context.Context, cfg *config.Config, log *logger.Logger, serverAddress string) error {
	if err := fsutil.EnsureLogDir(cfg.Governor.LogDir); err != nil {
		return fmt.Errorf("preparing log dir: %w", err)
	}
	cpus, err := config.ParseCPUs(cfg.Governor.CPUs)
	if err != nil {
		return err
	}
	workDir, err := fsutil.NewWorkDir(cfg.Governor.WorkDir)
	if err != nil {
		return err
	}

	// The fetch listener must be bound before registration: its address is
	// the governor's identity.
	listener, err := net.Listen("tcp", cfg.Governor.ListenAddress)
	if err != nil {
		return fmt.Errorf("binding governor fetch endpoint: %w", err)
	}
	listenAddress := listener.Addr().String()

	pool := executors.NewManager(cfg.Governor.Executors, workDir, log)
	st := govstate.New(govstate.Config{
		Resources:       v1.Resources{CPUs: cpus},
		WorkDir:         workDir,
		Runners:         tasks.Registry(),
		Pool:            pool,
		KeepFailedTasks: cfg.Governor.KeepFailedTasks,
	}, log)
	defer st.Close()

	if err := st.Connect(ctx, serverAddress, listenAddress); err != nil {
		_ = listener.Close()
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return st.ServeFetchListener(groupCtx, listener) })
	group.Go(func() error {
		st.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		monitor.NewSampler(log).Run(groupCtx, st.PushMonitoringSample)
		return nil
	})
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
			return nil
		case <-st.Done():
			return fmt.Errorf("server connection lost")
		}
	})

	if err := fsutil.TouchReadyFile(cfg.Governor.ReadyFile); err != nil {
		return fmt.Errorf("touching ready file: %w", err)
	}
	log.Info("governor ready: " + listenAddress)

	err = group.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// runBoth runs the server and one governor in a single process.
func runBoth(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return runServer(groupCtx, cfg, log) })
	group.Go(func() error {
		// Give the server a moment to bind its governor endpoint.
		select {
		case <-time.After(300 * time.Millisecond):
		case <-groupCtx.Done():
			return nil
		}
		return runGovernor(groupCtx, cfg, log, cfg.Governor.ServerAddress)
	})
	return group.Wait()
}
