package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/txexec/internal/api"
	"github.com/seantiz/txexec/internal/config"
	"github.com/seantiz/txexec/internal/engine"
	"github.com/seantiz/txexec/internal/janitor"
	"github.com/seantiz/txexec/internal/persistence"
	"github.com/seantiz/txexec/internal/store"
)

var revision = "unknown"

func main() {
	opts, err := config.Load(os.Args[1:])
	if err != nil {
		if config.IsHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}
	logger := config.NewLogger(opts.LogWriter(), opts.LogLevel())

	logger.Info("txexec: starting",
		"revision", revision,
		"listen_addr", opts.Listen,
		"db_path", opts.DB,
		"workers", opts.Workers,
		"delivery", opts.Delivery,
	)

	ctx := context.Background()

	db, err := persistence.OpenDB(opts.DB)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	retry := persistence.RetryConfig{
		Attempts: opts.Retry.Attempts,
		Duration: opts.Retry.Duration,
		Factor:   opts.Retry.Factor,
	}
	repeater := persistence.NewRepeater(retry)
	factory, err := persistence.NewFactory(ctx, db,
		persistence.WithRepeater(repeater),
		persistence.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("failed to prepare entity store: %v", err)
	}

	journal, err := store.NewSQLiteStore(ctx, db)
	if err != nil {
		log.Fatalf("failed to prepare task journal: %v", err)
	}

	container := engine.NewContainer(factory, engine.Config{
		Workers:      opts.Workers,
		Delivery:     opts.Delivery,
		Journal:      journal,
		JournalRetry: repeater,
		Logger:       logger,
	})

	var jan *janitor.Janitor
	if opts.Janitor.Schedule != "" {
		jan = janitor.New(container, container.Broker(), opts.Janitor.Retention, logger)
		if err := jan.Start(opts.Janitor.Schedule); err != nil {
			log.Fatalf("failed to start janitor: %v", err)
		}
	}

	srv := api.NewServer(opts.Listen, journal, container, logger,
		api.WithRateLimit(opts.Rate.Limit, opts.Rate.Burst))

	runErr := srv.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if jan != nil {
		jan.Stop(shutdownCtx)
	}
	if err := container.Close(shutdownCtx); err != nil {
		logger.Error("container shutdown", "error", err)
	}

	if runErr != nil {
		log.Fatalf("server error: %v", runErr)
	}
	logger.Info("txexec: stopped")
}
