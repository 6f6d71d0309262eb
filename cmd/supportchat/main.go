package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"SupportChat/internal/api"
	"SupportChat/internal/broker"
	"SupportChat/internal/config"
	"SupportChat/internal/console"
	"SupportChat/internal/history"
	"SupportChat/internal/knowledge"
	"SupportChat/internal/support"
	"SupportChat/internal/telemetry"
)

func main() {
	_ = godotenv.Load(".env")

	cfg := config.Default()
	flag.StringVar(&cfg.APIURL, "api", cfg.APIURL, "REST API base URL")
	flag.StringVar(&cfg.BrokerURL, "broker", cfg.BrokerURL, "STOMP websocket URL")
	flag.StringVar(&cfg.Token, "token", cfg.Token, "Bearer token for the API and broker")
	flag.Int64Var(&cfg.CounterpartID, "counterpart", cfg.CounterpartID, "Support agent participant id")
	flag.StringVar(&cfg.InboxTemplate, "inbox", cfg.InboxTemplate, "Inbox destination template ({id} is the participant id)")
	flag.StringVar(&cfg.Outbox, "outbox", cfg.Outbox, "Destination for messages to the agent")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "Heartbeat interval")
	flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Silence before the connection is considered dead (0 = 3 heartbeats)")
	flag.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", cfg.ReconnectDelay, "Delay between connection attempts")
	flag.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Give up after this many failed connection attempts (0 = never)")
	flag.StringVar(&cfg.KnowledgeFile, "knowledge", cfg.KnowledgeFile, "YAML knowledge base (built-in table when empty)")
	flag.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Directory for logs, traces and metrics")
	flag.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := telemetry.InitLogger(cfg.LogDir, "supportchat", cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir, "supportchat")
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer cleanup()

	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	kb := knowledge.Default()
	if cfg.KnowledgeFile != "" {
		if kb, err = knowledge.Load(cfg.KnowledgeFile); err != nil {
			return fmt.Errorf("failed to load knowledge base: %w", err)
		}
	}

	client, err := api.NewClient(cfg.APIURL, cfg.Token, logger)
	if err != nil {
		return fmt.Errorf("failed to create API client: %w", err)
	}
	loader, err := history.NewLoader(client, logger)
	if err != nil {
		return fmt.Errorf("failed to create history loader: %w", err)
	}

	sess, err := support.New(support.Options{
		CounterpartID: cfg.CounterpartID,
		InboxTemplate: cfg.InboxTemplate,
		Outbox:        cfg.Outbox,
		Knowledge:     kb,
		History:       loader,
		Channels: support.BrokerChannel(broker.Options{
			URL:               cfg.BrokerURL,
			Token:             cfg.Token,
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			ReconnectDelay:    cfg.ReconnectDelay,
			MaxAttempts:       cfg.MaxAttempts,
		}, logger),
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer sess.Teardown()

	if err := sess.Initialize(ctx, client); err != nil {
		return fmt.Errorf("failed to start support session (are you logged in?): %w", err)
	}

	c, err := console.New(sess, os.Stdin, os.Stdout, logger)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}
