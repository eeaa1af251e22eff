package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/lumenlabs/faucetbot/internal/api"
	"github.com/lumenlabs/faucetbot/internal/bot"
	"github.com/lumenlabs/faucetbot/internal/config"
	"github.com/lumenlabs/faucetbot/internal/db"
	"github.com/lumenlabs/faucetbot/internal/faucet"
	"github.com/lumenlabs/faucetbot/internal/ledger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := database.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Wallet daemon client and address rules
	ledgerClient := ledger.NewClient(cfg.LedgerRPCURL)
	matcher := ledger.NewAddressMatcher(cfg.AddressPrefix)

	// Dispense core
	f := faucet.New(faucet.Config{
		GrantAmount:       cfg.GrantAmount,
		Window:            cfg.Window,
		WindowCap:         cfg.WindowCap,
		MaxQueue:          cfg.MaxQueue,
		SubmitTimeout:     cfg.SubmitTimeout,
		RetryCeiling:      cfg.RetryCeiling,
		BackoffBase:       cfg.BackoffBase,
		BackoffMultiplier: cfg.BackoffMultiplier,
		ConfirmWait:       cfg.ConfirmWait,
	}, database, ledgerClient, matcher)

	// Initialize Discord bot
	discordBot, err := bot.New(cfg, f, matcher)
	if err != nil {
		log.Fatalf("Failed to create discord bot: %v", err)
	}

	// Initialize API server
	apiServer := api.New(cfg, database, f)

	// Start Discord bot first so recovered outcomes have somewhere to go
	if err := discordBot.Start(); err != nil {
		log.Fatalf("Failed to start discord bot: %v", err)
	}
	defer discordBot.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return discordBot.RunNotifier(ctx)
	})

	g.Go(func() error {
		// Requests left in flight by the previous process must be resolved
		// against the ledger before the worker touches the wallet again.
		if err := f.Recover(ctx); err != nil {
			return err
		}
		return f.Run(ctx)
	})

	g.Go(func() error {
		return apiServer.Start()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("faucetbot exited with error: %v", err)
	}

	log.Println("Shutting down...")
}
