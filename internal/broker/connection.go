package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"SupportChat/internal/stomp"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type subscription struct {
	id          string
	destination string
	handler     Handler
}

// Connection is a reconnecting STOMP client. It owns at most one
// websocket at a time and replays subscriptions after every reconnect.
type Connection struct {
	opts   Options
	logger *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	status  Status
	conn    *websocket.Conn
	out     chan []byte
	subs    []*subscription
	nextSub int
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	writeMu    sync.Mutex
	reconnects atomic.Int64
}

// NewConnection creates a connection; nothing is dialed until Connect
func NewConnection(opts Options, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.URL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid broker URL: %w", err)
	}
	if opts.Host == "" {
		opts.Host = u.Hostname()
	}
	opts.applyDefaults()

	return &Connection{
		opts:   opts,
		logger: logger.With("component", "broker", "url", opts.URL),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			Subprotocols:     []string{stomp.Subprotocol},
		},
		status: StatusDisconnected,
	}, nil
}

// Connect starts the connection supervisor and returns immediately.
// Progress is reported through OnStatus and OnConnect.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.setStatus(StatusConnecting)
	go c.run(runCtx)
	return nil
}

// Subscribe registers handler for destination. The subscription is sent
// immediately when connected and replayed after every reconnect.
func (c *Connection) Subscribe(destination string, handler Handler) (string, error) {
	if destination == "" {
		return "", fmt.Errorf("destination is required")
	}
	if handler == nil {
		return "", fmt.Errorf("handler cannot be nil")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.nextSub++
	sub := &subscription{
		id:          "sub-" + strconv.Itoa(c.nextSub),
		destination: destination,
		handler:     handler,
	}
	c.subs = append(c.subs, sub)
	out := c.out
	c.mu.Unlock()

	if out != nil {
		if err := c.enqueue(out, subscribeFrame(sub)); err != nil {
			// replayed on the next reconnect
			c.logger.Warn("failed to send subscription", "destination", destination, "error", err)
		}
	}

	c.logger.Info("subscribed", "destination", destination, "subscription", sub.id)
	return sub.id, nil
}

// Unsubscribe removes a subscription by id
func (c *Connection) Unsubscribe(id string) error {
	c.mu.Lock()
	idx := -1
	for i, s := range c.subs {
		if s.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("unknown subscription %q", id)
	}
	c.subs = append(c.subs[:idx], c.subs[idx+1:]...)
	out := c.out
	c.mu.Unlock()

	if out != nil {
		frame := stomp.New(stomp.CommandUnsubscribe, stomp.HeaderID, id)
		if err := c.enqueue(out, frame.Encode()); err != nil {
			return fmt.Errorf("failed to unsubscribe: %w", err)
		}
	}
	return nil
}

// Publish serializes payload as JSON and queues it for destination.
// It fails fast when the transport is down.
func (c *Connection) Publish(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	c.mu.Lock()
	closed, out := c.closed, c.out
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if out == nil {
		return ErrNotConnected
	}

	frame := stomp.New(stomp.CommandSend,
		stomp.HeaderDestination, destination,
		stomp.HeaderContentType, "application/json",
	)
	frame.Body = body
	return c.enqueue(out, frame.Encode())
}

// Disconnect tears the connection down. No handler or callback runs
// after it returns. Safe to call more than once.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel, done := c.conn, c.cancel, c.done
	c.subs = nil
	c.mu.Unlock()

	if conn != nil {
		receipt := uuid.NewString()
		frame := stomp.New(stomp.CommandDisconnect, stomp.HeaderReceipt, receipt)
		if err := c.write(conn, websocket.TextMessage, frame.Encode()); err != nil {
			c.logger.Debug("failed to send DISCONNECT", "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.status = StatusDisconnected
	c.mu.Unlock()

	c.logger.Info("broker connection closed")
	return nil
}

// Status returns the current lifecycle state
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connected reports whether frames can be published
func (c *Connection) Connected() bool {
	return c.Status() == StatusConnected
}

// Reconnects returns how many times an established transport was lost
// and re-dialed
func (c *Connection) Reconnects() int64 {
	return c.reconnects.Load()
}

func (c *Connection) setStatus(s Status) {
	c.mu.Lock()
	if c.closed || c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	cb := c.opts.OnStatus
	c.mu.Unlock()

	c.logger.Debug("broker status changed", "status", s)
	if cb != nil {
		cb(s)
	}
}

func (c *Connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) enqueue(out chan []byte, data []byte) error {
	select {
	case out <- data:
		return nil
	default:
		return ErrQueueFull
	}
}

func (c *Connection) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// run dials, serves and redials until ctx is canceled or the retry
// policy is exhausted
func (c *Connection) run(ctx context.Context) {
	defer close(c.done)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, readTimeout, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.logger.Warn("failed to connect to broker", "attempt", failures, "error", err)
			if c.opts.MaxAttempts > 0 && failures >= c.opts.MaxAttempts {
				c.logger.Error("giving up on broker connection", "attempts", failures)
				c.setStatus(StatusFailed)
				return
			}
			if !sleep(ctx, c.opts.ReconnectDelay) {
				return
			}
			continue
		}
		failures = 0

		err = c.serve(ctx, conn, readTimeout)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("broker connection lost", "error", err)
		c.reconnects.Add(1)
		c.setStatus(StatusConnecting)
		if !sleep(ctx, c.opts.ReconnectDelay) {
			return
		}
	}
}

// dial opens the websocket and performs the CONNECT handshake. It
// returns the read timeout to enforce, zero when the server does not
// heartbeat.
func (c *Connection) dial(ctx context.Context) (*websocket.Conn, time.Duration, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect to WebSocket: %w", err)
	}

	hb := c.opts.HeartbeatInterval
	connect := stomp.New(stomp.CommandConnect,
		stomp.HeaderAcceptVersion, stomp.Version,
		stomp.HeaderHost, c.opts.Host,
		stomp.HeaderHeartBeat, stomp.FormatHeartBeat(hb, hb),
	)
	if c.opts.Login != "" {
		connect.Set(stomp.HeaderLogin, c.opts.Login)
		connect.Set(stomp.HeaderPasscode, c.opts.Passcode)
	}
	if err := c.write(conn, websocket.TextMessage, connect.Encode()); err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("failed to write CONNECT: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout)); err != nil {
		conn.Close()
		return nil, 0, err
	}
	var reply *stomp.Frame
	for reply == nil {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, 0, fmt.Errorf("failed to read CONNECTED: %w", err)
		}
		if stomp.IsHeartbeat(data) {
			continue
		}
		if reply, err = stomp.Decode(data); err != nil {
			conn.Close()
			return nil, 0, fmt.Errorf("failed to decode handshake reply: %w", err)
		}
	}

	switch reply.Command {
	case stomp.CommandConnected:
	case stomp.CommandError:
		conn.Close()
		return nil, 0, fmt.Errorf("broker refused connection: %s", reply.Get(stomp.HeaderMessage))
	default:
		conn.Close()
		return nil, 0, fmt.Errorf("unexpected handshake reply %s", reply.Command)
	}

	serverSend, _, err := stomp.ParseHeartBeat(reply.Get(stomp.HeaderHeartBeat))
	if err != nil {
		c.logger.Warn("ignoring server heart-beat header", "error", err)
		serverSend = 0
	}
	readTimeout := time.Duration(0)
	if expect := stomp.Negotiate(serverSend, hb); expect > 0 {
		readTimeout = c.opts.HeartbeatTimeout
		if readTimeout < expect {
			readTimeout = 2 * expect
		}
	}

	c.logger.Info("broker handshake complete",
		"version", reply.Get(stomp.HeaderVersion),
		"read_timeout", readTimeout)
	return conn, readTimeout, nil
}

// serve runs one established transport until it fails or ctx ends
func (c *Connection) serve(ctx context.Context, conn *websocket.Conn, readTimeout time.Duration) error {
	connCtx, stop := context.WithCancel(ctx)
	defer stop()

	out := make(chan []byte, c.opts.QueueSize)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	// frames queued from here on are written after the replay below
	c.out = out
	subs := append([]*subscription(nil), c.subs...)
	onConnect := c.opts.OnConnect
	c.mu.Unlock()

	for _, s := range subs {
		if err := c.write(conn, websocket.TextMessage, subscribeFrame(s)); err != nil {
			c.detach()
			conn.Close()
			return fmt.Errorf("failed to replay subscription %s: %w", s.destination, err)
		}
	}

	c.setStatus(StatusConnected)
	if onConnect != nil && !c.isClosed() {
		onConnect()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(connCtx, conn, out)
	}()
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		conn.Close()
	}()

	err := c.readLoop(conn, readTimeout)

	c.detach()
	stop()
	wg.Wait()
	return err
}

func (c *Connection) detach() {
	c.mu.Lock()
	c.conn = nil
	c.out = nil
	c.mu.Unlock()
}

func (c *Connection) writeLoop(ctx context.Context, conn *websocket.Conn, out chan []byte) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			if err := c.write(conn, websocket.TextMessage, data); err != nil {
				c.logger.Warn("failed to write frame", "error", err)
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(conn, websocket.TextMessage, []byte("\n")); err != nil {
				c.logger.Warn("failed to write heartbeat", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Connection) readLoop(conn *websocket.Conn, readTimeout time.Duration) error {
	for {
		deadline := time.Time{}
		if readTimeout > 0 {
			deadline = time.Now().Add(readTimeout)
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}
		if stomp.IsHeartbeat(data) {
			continue
		}

		frame, err := stomp.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}

		switch frame.Command {
		case stomp.CommandMessage:
			c.dispatch(frame)
		case stomp.CommandError:
			return fmt.Errorf("broker error: %s", frame.Get(stomp.HeaderMessage))
		case stomp.CommandReceipt:
			c.logger.Debug("receipt", "receipt_id", frame.Get(stomp.HeaderReceiptID))
		default:
			c.logger.Debug("ignoring frame", "command", frame.Command)
		}
	}
}

func (c *Connection) dispatch(frame *stomp.Frame) {
	subID := frame.Get(stomp.HeaderSubscription)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var handler Handler
	for _, s := range c.subs {
		if s.id == subID {
			handler = s.handler
			break
		}
	}
	c.mu.Unlock()

	if handler == nil {
		c.logger.Debug("no handler for delivery", "subscription", subID)
		return
	}
	handler(Delivery{
		Destination:  frame.Get(stomp.HeaderDestination),
		Subscription: subID,
		MessageID:    frame.Get(stomp.HeaderMessageID),
		Header:       frame.Header,
		Body:         frame.Body,
	})
}

func subscribeFrame(s *subscription) []byte {
	return stomp.New(stomp.CommandSubscribe,
		stomp.HeaderID, s.id,
		stomp.HeaderDestination, s.destination,
		stomp.HeaderAck, "auto",
	).Encode()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
