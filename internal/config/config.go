package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variables consulted for flag defaults
const (
	EnvAPIURL            = "SUPPORT_API_URL"
	EnvBrokerURL         = "SUPPORT_BROKER_URL"
	EnvToken             = "SUPPORT_TOKEN"
	EnvCounterpartID     = "SUPPORT_COUNTERPART_ID"
	EnvKnowledgeFile     = "SUPPORT_KNOWLEDGE_FILE"
	EnvLogDir            = "SUPPORT_LOG_DIR"
	EnvDeskAddr          = "SUPPORT_DESK_ADDR"
	EnvDeskDB            = "SUPPORT_DESK_DB"
	EnvHeartbeatInterval = "SUPPORT_HEARTBEAT_INTERVAL"
	EnvReconnectDelay    = "SUPPORT_RECONNECT_DELAY"
)

// Defaults
const (
	DefaultAPIURL        = "http://localhost:8081"
	DefaultBrokerURL     = "ws://localhost:8081/ws"
	DefaultCounterpartID = 1
	DefaultInbox         = "/queue/support.{id}"
	DefaultOutbox        = "/app/chat.send"
	DefaultLogDir        = "logs"
	DefaultDeskAddr      = ":8081"
	DefaultDeskDB        = "supportdesk.db"
)

// Config holds application configuration
type Config struct {
	APIURL    string // REST base URL (identity and history endpoints)
	BrokerURL string // STOMP-over-websocket endpoint
	Token     string // Bearer token for the REST API and the broker CONNECT frame

	CounterpartID int64  // Support agent participant id
	InboxTemplate string // Per-user inbox; "{id}" is replaced by the participant id
	Outbox        string // Counterpart address for human-mode traffic

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // 0 means three heartbeat intervals
	ReconnectDelay    time.Duration
	MaxAttempts       int // Consecutive failed connects before giving up; 0 retries forever

	KnowledgeFile string // Optional YAML knowledge base; built-in table when empty
	LogDir        string
	Debug         bool

	// Support desk dev server
	DeskAddr string
	DeskDB   string
}

// Default returns a Config populated from the environment, falling back to
// built-in defaults
func Default() Config {
	return Config{
		APIURL:            Env(EnvAPIURL, DefaultAPIURL),
		BrokerURL:         Env(EnvBrokerURL, DefaultBrokerURL),
		Token:             Env(EnvToken, ""),
		CounterpartID:     EnvInt(EnvCounterpartID, DefaultCounterpartID),
		InboxTemplate:     DefaultInbox,
		Outbox:            DefaultOutbox,
		HeartbeatInterval: EnvDuration(EnvHeartbeatInterval, 10*time.Second),
		ReconnectDelay:    EnvDuration(EnvReconnectDelay, 5*time.Second),
		KnowledgeFile:     Env(EnvKnowledgeFile, ""),
		LogDir:            Env(EnvLogDir, DefaultLogDir),
		DeskAddr:          Env(EnvDeskAddr, DefaultDeskAddr),
		DeskDB:            Env(EnvDeskDB, DefaultDeskDB),
	}
}

// Validate reports the first invalid field
func (c Config) Validate() error {
	switch {
	case c.CounterpartID <= 0:
		return fmt.Errorf("counterpart id must be positive, got %d", c.CounterpartID)
	case !strings.Contains(c.InboxTemplate, "{id}"):
		return fmt.Errorf("inbox template %q has no {id} placeholder", c.InboxTemplate)
	case c.Outbox == "":
		return fmt.Errorf("outbox destination is required")
	case c.HeartbeatInterval < 0 || c.HeartbeatTimeout < 0 || c.ReconnectDelay < 0:
		return fmt.Errorf("durations must not be negative")
	case c.MaxAttempts < 0:
		return fmt.Errorf("max attempts must not be negative")
	}
	return nil
}

// Inbox returns the inbox destination for participant id
func (c Config) Inbox(id int64) string {
	return InboxFor(c.InboxTemplate, id)
}

// InboxFor expands an inbox template for participant id
func InboxFor(template string, id int64) string {
	return strings.ReplaceAll(template, "{id}", strconv.FormatInt(id, 10))
}

// Env returns the environment value for key or def when unset
func Env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// EnvInt returns the integer environment value for key or def when unset
// or unparsable
func EnvInt(key string, def int64) int64 {
	if n, err := strconv.ParseInt(Env(key, ""), 10, 64); err == nil {
		return n
	}
	return def
}

// EnvDuration returns the duration environment value for key or def
func EnvDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(Env(key, "")); err == nil {
		return d
	}
	return def
}
