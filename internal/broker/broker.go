// Package broker maintains a STOMP-over-websocket connection to the
// support message broker with automatic reconnection.
package broker

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a Connection
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	// StatusFailed means the retry policy gave up
	StatusFailed Status = "failed"
)

var (
	// ErrNotConnected is returned by Publish while no transport is up
	ErrNotConnected = errors.New("broker not connected")

	// ErrQueueFull is returned when the outbound queue cannot take more frames
	ErrQueueFull = errors.New("outbound queue full")

	// ErrClosed is returned after Disconnect
	ErrClosed = errors.New("connection closed")

	// ErrAlreadyStarted is returned by a second Connect
	ErrAlreadyStarted = errors.New("connection already started")
)

// Delivery is an inbound MESSAGE frame routed to a subscription
type Delivery struct {
	Destination  string
	Subscription string
	MessageID    string
	Header       map[string]string
	Body         []byte
}

// Handler receives deliveries for one subscription. Handlers run on the
// connection's read goroutine and must not call Disconnect.
type Handler func(Delivery)

// Options configures a Connection
type Options struct {
	URL      string
	Host     string
	Login    string
	Passcode string
	// Token is sent as a bearer Authorization header on the upgrade request
	Token string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration

	// MaxAttempts bounds consecutive failed connection attempts;
	// zero retries forever.
	MaxAttempts int
	QueueSize   int

	OnConnect func()
	OnStatus  func(Status)
}

// Defaults
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReconnectDelay    = 5 * time.Second
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultQueueSize         = 64
)

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 3 * o.HeartbeatInterval
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
}
