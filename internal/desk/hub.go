// Package desk is a local stand-in for the support backend: a small
// STOMP broker over websocket plus the REST endpoints the client uses.
package desk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"SupportChat/internal/api"
	"SupportChat/internal/config"
	"SupportChat/internal/stomp"
)

// HubOptions configures message routing
type HubOptions struct {
	CounterpartID int64
	InboxTemplate string
	Outbox        string
	Heartbeat     time.Duration
	WriteTimeout  time.Duration
}

// Hub accepts STOMP clients and routes frames between their subscriptions
type Hub struct {
	opts     HubOptions
	store    *Store
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	nextMessage atomic.Int64
}

// NewHub creates a hub persisting routed chat messages in store
func NewHub(opts HubOptions, store *Store, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.CounterpartID <= 0 {
		return nil, fmt.Errorf("counterpart id must be positive")
	}
	if opts.InboxTemplate == "" {
		opts.InboxTemplate = config.DefaultInbox
	}
	if opts.Outbox == "" {
		opts.Outbox = config.DefaultOutbox
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	return &Hub{
		opts:   opts,
		store:  store,
		logger: logger.With("component", "hub"),
		upgrader: websocket.Upgrader{
			Subprotocols: []string{stomp.Subprotocol},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}, nil
}

// ServeHTTP upgrades the request and serves one STOMP client
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{hub: h, conn: conn, subs: make(map[string]string)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.serve()
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Reply stores an agent message for participant and delivers it to the
// participant's inbox
func (h *Hub) Reply(ctx context.Context, participant int64, text string) (StoredMessage, error) {
	msg, err := h.store.SaveMessage(ctx, StoredMessage{
		Origin:      h.opts.CounterpartID,
		Destination: participant,
		Text:        text,
		Timestamp:   time.Now(),
	})
	if err != nil {
		return StoredMessage{}, err
	}
	if err := h.deliverStored(msg); err != nil {
		return StoredMessage{}, err
	}
	return msg, nil
}

// route handles a client SEND. Chat traffic on the outbox is persisted
// and forwarded to the recipient's inbox; other destinations are plain
// pub-sub topics.
func (h *Hub) route(ctx context.Context, frame *stomp.Frame) error {
	dest := frame.Get(stomp.HeaderDestination)
	if dest == "" {
		return fmt.Errorf("SEND without destination")
	}
	if dest != h.opts.Outbox {
		h.deliver(dest, frame.Body)
		return nil
	}

	rec, err := api.DecodeRecord(frame.Body)
	if err != nil {
		return fmt.Errorf("invalid chat payload: %w", err)
	}
	var kind struct {
		Kind string `json:"kind"`
	}
	_ = json.Unmarshal(frame.Body, &kind)

	if rec.Destination == 0 {
		rec.Destination = h.opts.CounterpartID
	}
	msg, err := h.store.SaveMessage(ctx, StoredMessage{
		Origin:      rec.Origin,
		Destination: rec.Destination,
		Text:        rec.Text,
		Timestamp:   rec.Timestamp,
		Kind:        kind.Kind,
	})
	if err != nil {
		return err
	}

	if kind.Kind == api.KindEscalation {
		h.logger.Info("human support requested", "participant_id", rec.Origin)
	}
	return h.deliverStored(msg)
}

func (h *Hub) deliverStored(msg StoredMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	h.deliver(config.InboxFor(h.opts.InboxTemplate, msg.Destination), body)
	return nil
}

// deliver sends body to every subscription on destination
func (h *Hub) deliver(destination string, body []byte) {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range clients {
		for _, subID := range c.subscriptionsTo(destination) {
			frame := stomp.New(stomp.CommandMessage,
				stomp.HeaderDestination, destination,
				stomp.HeaderSubscription, subID,
				stomp.HeaderMessageID, strconv.FormatInt(h.nextMessage.Add(1), 10),
				stomp.HeaderContentType, "application/json",
			)
			frame.Body = body
			if err := c.write(frame.Encode()); err != nil {
				h.logger.Debug("failed to deliver", "destination", destination, "error", err)
				continue
			}
			delivered++
		}
	}
	h.logger.Debug("routed frame", "destination", destination, "subscribers", delivered)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// client is one websocket connection to the hub
type client struct {
	hub  *Hub
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]string // subscription id -> destination
}

func (c *client) subscriptionsTo(destination string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, dest := range c.subs {
		if dest == destination {
			ids = append(ids, id)
		}
	}
	return ids
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) fail(message string) {
	frame := stomp.New(stomp.CommandError, stomp.HeaderMessage, message)
	_ = c.write(frame.Encode())
}

func (c *client) serve() {
	logger := c.hub.logger.With("remote", c.conn.RemoteAddr().String())
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.hub.remove(c)
		c.conn.Close()
		logger.Debug("client disconnected")
	}()

	readTimeout, err := c.handshake(ctx)
	if err != nil {
		logger.Warn("handshake failed", "error", err)
		return
	}
	logger.Debug("client connected", "read_timeout", readTimeout)

	for {
		deadline := time.Time{}
		if readTimeout > 0 {
			deadline = time.Now().Add(readTimeout)
		}
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if stomp.IsHeartbeat(data) {
			continue
		}
		frame, err := stomp.Decode(data)
		if err != nil {
			c.fail("malformed frame")
			return
		}

		switch frame.Command {
		case stomp.CommandSubscribe:
			id, dest := frame.Get(stomp.HeaderID), frame.Get(stomp.HeaderDestination)
			if id == "" || dest == "" {
				c.fail("SUBSCRIBE requires id and destination")
				return
			}
			c.mu.Lock()
			c.subs[id] = dest
			c.mu.Unlock()
			logger.Debug("subscribed", "destination", dest, "subscription", id)

		case stomp.CommandUnsubscribe:
			c.mu.Lock()
			delete(c.subs, frame.Get(stomp.HeaderID))
			c.mu.Unlock()

		case stomp.CommandSend:
			if err := c.hub.route(ctx, frame); err != nil {
				logger.Warn("dropping SEND", "destination", frame.Get(stomp.HeaderDestination), "error", err)
			}

		case stomp.CommandDisconnect:
			c.receipt(frame)
			return

		default:
			c.fail("unsupported command " + frame.Command)
			return
		}

		c.receipt(frame)
	}
}

// handshake waits for CONNECT, replies CONNECTED and starts heartbeats.
// It returns the read timeout to enforce, zero when the client does not
// heartbeat.
func (c *client) handshake(ctx context.Context) (time.Duration, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return 0, err
	}
	var frame *stomp.Frame
	for frame == nil {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("failed to read CONNECT: %w", err)
		}
		if stomp.IsHeartbeat(data) {
			continue
		}
		if frame, err = stomp.Decode(data); err != nil {
			return 0, err
		}
	}
	if frame.Command != stomp.CommandConnect && frame.Command != stomp.CommandStomp {
		c.fail("expected CONNECT")
		return 0, fmt.Errorf("unexpected first frame %s", frame.Command)
	}

	clientSend, clientWant, err := stomp.ParseHeartBeat(frame.Get(stomp.HeaderHeartBeat))
	if err != nil {
		c.fail(err.Error())
		return 0, err
	}
	hb := c.hub.opts.Heartbeat
	sendEvery := stomp.Negotiate(hb, clientWant)
	expectEvery := stomp.Negotiate(clientSend, hb)

	reply := stomp.New(stomp.CommandConnected,
		stomp.HeaderVersion, stomp.Version,
		stomp.HeaderHeartBeat, stomp.FormatHeartBeat(hb, hb),
	)
	if err := c.write(reply.Encode()); err != nil {
		return 0, fmt.Errorf("failed to write CONNECTED: %w", err)
	}

	if sendEvery > 0 {
		go c.heartbeat(ctx, sendEvery)
	}
	if expectEvery > 0 {
		return 3 * expectEvery, nil
	}
	return 0, nil
}

func (c *client) heartbeat(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.write([]byte("\n")); err != nil {
				return
			}
		}
	}
}

func (c *client) receipt(frame *stomp.Frame) {
	id := frame.Get(stomp.HeaderReceipt)
	if id == "" {
		return
	}
	_ = c.write(stomp.New(stomp.CommandReceipt, stomp.HeaderReceiptID, id).Encode())
}
