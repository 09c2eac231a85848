package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/taskmesh/taskmesh/internal/common/config"
	"github.com/taskmesh/taskmesh/internal/common/fsutil"
	"github.com/taskmesh/taskmesh/internal/common/logger"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/events/bus"
	eventsqlite "github.com/taskmesh/taskmesh/internal/events/sqlite"
	"github.com/taskmesh/taskmesh/internal/server/gateway"
	"github.com/taskmesh/taskmesh/internal/server/govcomm"
	"github.com/taskmesh/taskmesh/internal/server/state"
)

// runServer assembles and runs the central server.
func runServer(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	if err := fsutil.EnsureLogDir(cfg.Server.LogDir); err != nil {
		return fmt.Errorf("preparing log dir: %w", err)
	}

	var eventLog events.Logger = events.Discard{}
	if cfg.Events.Path != "" {
		sqliteLog, err := eventsqlite.New(cfg.Events.Path)
		if err != nil {
			return err
		}
		eventLog = sqliteLog
		defer func() { _ = sqliteLog.Close() }()
	}

	notifier, err := bus.Provide(cfg.NATS.URL, cfg.NATS.MaxReconnects, log)
	if err != nil {
		return err
	}
	defer notifier.Close()

	st := state.New(state.Options{
		CheckConsistency: cfg.Debug.CheckConsistency,
	}, eventLog, notifier, log)

	govServer, err := govcomm.Listen(cfg.Server.ListenAddress, st, log)
	if err != nil {
		return err
	}
	log.Info("governor endpoint listening: " + govServer.Address())

	gw, err := gateway.New(st, notifier, log)
	if err != nil {
		return err
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	gw.SetupRoutes(router)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddress,
		Handler: router,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, groupCtx := errgroup.WithContext(runCtx)

	group.Go(func() error { return govServer.Run(groupCtx) })
	group.Go(func() error {
		gw.Hub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		st.Run(groupCtx, time.Duration(cfg.Events.FlushInterval)*time.Millisecond)
		cancel()
		return nil
	})
	group.Go(func() error {
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := fsutil.TouchReadyFile(cfg.Server.ReadyFile); err != nil {
		return fmt.Errorf("touching ready file: %w", err)
	}
	log.Info("server ready: ws " + cfg.Server.HTTPAddress + ", governors " + govServer.Address())

	err = group.Wait()
	_ = eventLog.Flush()
	if err == context.Canceled {
		return nil
	}
	return err
}
