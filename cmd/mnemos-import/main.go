// cmd/mnemos-import loads an aspendos-memory-v1 export into the fallback
// store. The records are embedded later by mnemos-worker's reconciler, so
// the import works while the vector store is unavailable. Records already
// reconciled into the vector store are not imported again.
//
// Usage:
//
//	mnemos-import --file export.json --user <user-id>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/scrypster/mnemos/internal/app"
	"github.com/scrypster/mnemos/internal/config"
	"github.com/scrypster/mnemos/internal/importer"
	"github.com/scrypster/mnemos/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mnemos-import: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	file := flag.String("file", "", "Path to the aspendos-memory-v1 export (required)")
	userID := flag.String("user", "", "Owner of the imported memories (required)")
	configPath := flag.String("config", "", "Path to a YAML config file (default: $MNEMOS_CONFIG_FILE)")
	flag.Parse()

	if *file == "" || *userID == "" {
		flag.Usage()
		return errors.New("--file and --user are required")
	}

	_ = godotenv.Load()

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
	defer stack.Close()

	im := importer.New(stack.Relational,
		importer.WithMaxContentLength(cfg.Memory.MaxContentLength),
		importer.WithPrimaryIndex(stack.Service),
		importer.WithLogger(logger.With().Str("component", "importer").Logger()),
	)
	report, err := im.ImportFile(ctx, *userID, *file)
	if err != nil {
		return err
	}

	fmt.Printf("imported %d memories (%d chunks skipped, %d already stored)\n",
		report.Imported, report.Skipped, report.Existing)
	return nil
}
