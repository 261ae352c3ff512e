// cmd/mnemos-worker runs the background side of the memory engine: the
// reconciler that moves fallback records into the primary store once it
// recovers, the salience decay worker, and the /healthz endpoint.
//
// Configuration comes from an optional .env file, an optional YAML file
// (--config or MNEMOS_CONFIG_FILE) and MNEMOS_* environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/scrypster/mnemos/internal/app"
	"github.com/scrypster/mnemos/internal/config"
	"github.com/scrypster/mnemos/internal/engine"
	"github.com/scrypster/mnemos/internal/logging"
	"github.com/scrypster/mnemos/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mnemos-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to a YAML config file (default: $MNEMOS_CONFIG_FILE)")
	envFile := flag.String("env-file", ".env", "Path to a .env file; a missing file is ignored")
	flag.Parse()

	_ = godotenv.Load(*envFile)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	var wg sync.WaitGroup
	if cfg.Worker.ReconcileEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.NewReconciler(stack.Service).Run(ctx, cfg.Worker.ReconcileInterval)
		}()
	}
	if cfg.Worker.DecayEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.NewDecayWorker(stack.Service).Run(ctx, cfg.Worker.DecayPollInterval)
		}()
	}

	addr, err := server.Start(ctx, cfg.Server.Addr(),
		server.NewHandler(stack.Service, engine.VectorStoreDependency), logger)
	if err != nil {
		stop()
		wg.Wait()
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}
	logger.Info().
		Str("addr", addr).
		Bool("reconcile", cfg.Worker.ReconcileEnabled).
		Bool("decay", cfg.Worker.DecayEnabled).
		Msg("mnemos worker running")

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	wg.Wait()
	return nil
}
