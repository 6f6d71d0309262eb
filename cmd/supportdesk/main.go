package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"SupportChat/internal/config"
	"SupportChat/internal/desk"
	"SupportChat/internal/telemetry"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.Default()
	var (
		userID    int64
		userEmail string
		userName  string
	)
	flag.StringVar(&cfg.DeskAddr, "addr", cfg.DeskAddr, "Listen address")
	flag.StringVar(&cfg.DeskDB, "db", cfg.DeskDB, "SQLite database path")
	flag.Int64Var(&cfg.CounterpartID, "counterpart", cfg.CounterpartID, "Support agent participant id")
	flag.StringVar(&cfg.InboxTemplate, "inbox", cfg.InboxTemplate, "Inbox destination template ({id} is the participant id)")
	flag.StringVar(&cfg.Outbox, "outbox", cfg.Outbox, "Destination clients send chat messages to")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "Heartbeat interval offered to clients")
	flag.StringVar(&cfg.Token, "token", config.Env(config.EnvToken, "dev-token"), "Token of the seeded demo user")
	flag.Int64Var(&userID, "user-id", 42, "Id of the seeded demo user")
	flag.StringVar(&userEmail, "user-email", "jean.dupont@example.com", "Email of the seeded demo user")
	flag.StringVar(&userName, "user-name", "Jean", "First name of the seeded demo user")
	flag.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for logs")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(cfg, desk.User{ID: userID, Email: userEmail, FirstName: userName, Token: cfg.Token}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, demo desk.User) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := telemetry.InitLogger(cfg.LogDir, "supportdesk", cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := desk.OpenStore(cfg.DeskDB)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	if err := store.PutUser(ctx, desk.User{ID: cfg.CounterpartID, FirstName: "Support"}); err != nil {
		return err
	}
	if demo.Token != "" {
		if err := store.PutUser(ctx, demo); err != nil {
			return err
		}
	}

	hub, err := desk.NewHub(desk.HubOptions{
		CounterpartID: cfg.CounterpartID,
		InboxTemplate: cfg.InboxTemplate,
		Outbox:        cfg.Outbox,
		Heartbeat:     cfg.HeartbeatInterval,
	}, store, logger)
	if err != nil {
		return fmt.Errorf("failed to create hub: %w", err)
	}

	fmt.Printf("Support desk listening on %s (broker at %s)\n", cfg.DeskAddr, desk.PathBroker)
	fmt.Printf("Agent inbox: %s\n", cfg.Inbox(cfg.CounterpartID))
	return desk.NewServer(hub, store, logger).Start(ctx, cfg.DeskAddr)
}
