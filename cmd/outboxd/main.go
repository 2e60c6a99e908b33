// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/outboxlabs/outbox"
	"github.com/outboxlabs/outbox/internal/adminhttp"
	"github.com/outboxlabs/outbox/internal/config"
	"github.com/outboxlabs/outbox/internal/maintenance"
	"github.com/outboxlabs/outbox/internal/obs"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ob, err := outbox.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to build outbox", obs.Err(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ob.Init(ctx); err != nil {
		logger.Fatal("failed to init outbox", obs.Err(err))
	}
	defer func() {
		if err := ob.Close(); err != nil {
			logger.Warn("error closing outbox", obs.Err(err))
		}
	}()

	readyCheck := func(c context.Context) error { return nil }
	metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = metricsSrv.Shutdown(context.Background()) }()

	obs.StartQueueDepthUpdater(ctx, ob.Store(), []string{""}, 2*time.Second, logger)

	var maint *maintenance.Job
	if cfg.Maintenance.Enabled {
		maint = maintenance.New(ob.Store(), cfg.Maintenance.RetentionForDone, logger)
		if err := maint.Start(cfg.Maintenance.Schedule); err != nil {
			logger.Fatal("failed to start maintenance job", obs.Err(err))
		}
		defer maint.Stop()
	}

	adminSrv := startAdminServer(cfg, ob, logger)
	defer func() { _ = adminSrv.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}

// outboxFacade adapts *outbox.Outbox to adminhttp.Facade. Outbox.Store
// returns the full store.Store contract (the maintenance job and tests need
// all of it); adminhttp only needs the narrow read-only StatCounter slice,
// which store.Store's method set already satisfies, so Store here is just a
// narrowing conversion rather than a different implementation.
type outboxFacade struct {
	ob *outbox.Outbox
}

func (f outboxFacade) Pause()                         { f.ob.Pause() }
func (f outboxFacade) Resume()                        { f.ob.Resume() }
func (f outboxFacade) Drain(ctx context.Context) error { return f.ob.Drain(ctx) }
func (f outboxFacade) Store() adminhttp.StatCounter    { return f.ob.Store() }
func (f outboxFacade) BreakerStateLabel() string       { return f.ob.BreakerStateLabel() }

func startAdminServer(cfg *config.Config, ob *outbox.Outbox, logger *zap.Logger) *http.Server {
	handlers := adminhttp.New(outboxFacade{ob: ob}, logger)
	router := mux.NewRouter()
	handlers.RegisterRoutes(router)
	srv := &http.Server{Addr: cfg.Admin.Addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", obs.Err(err))
		}
	}()
	return srv
}
