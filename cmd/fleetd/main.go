package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/printfarm/fleetd/internal/api"
	"github.com/printfarm/fleetd/internal/archive"
	"github.com/printfarm/fleetd/internal/config"
	"github.com/printfarm/fleetd/internal/jobstore"
	"github.com/printfarm/fleetd/internal/logger"
	"github.com/printfarm/fleetd/internal/printer"
	"github.com/printfarm/fleetd/internal/printer/bambu"
	"github.com/printfarm/fleetd/internal/scheduler"
	"github.com/printfarm/fleetd/internal/slicer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fleetd:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("starting fleetd", "printers", len(cfg.Fleet.Printers), "port", cfg.Server.Port)

	store, err := jobstore.Open(cfg.Storage.JobsDir, log)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}

	registry := printer.NewRegistry(cfg.Fleet, bambu.Factory, log)
	registry.StartAll(cfg.Fleet.ConnectOnStart)
	defer registry.StopAll()

	sched := scheduler.New(registry, store, cfg.Fleet.DispatchInterval, log)
	sched.Start()
	defer sched.Stop()

	var sl *slicer.Slicer
	if cfg.Slicer.Enabled {
		sl = slicer.New(cfg.Slicer, log)
		log.Info("slicer enabled", "paths", cfg.Slicer.Paths)
	}

	if cfg.Archive.Enabled {
		arch, err := archive.New(store, cfg.Archive, log)
		if err != nil {
			return fmt.Errorf("init archiver: %w", err)
		}
		arch.Start()
		defer arch.Stop()
	}

	router, err := api.NewRouter(api.Deps{
		Config:   cfg,
		Store:    store,
		Registry: registry,
		Sched:    sched,
		Slicer:   sl,
		Logger:   log,
	})
	if err != nil {
		return fmt.Errorf("init router: %w", err)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("http server listening", "addr", srv.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	log.Info("goodbye")
	return nil
}
