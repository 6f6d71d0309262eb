// Package support implements the live support session: identity,
// history hydration, the assistant/human mode machine, and the broker
// channel that carries human-mode traffic.
package support

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"SupportChat/internal/api"
	"SupportChat/internal/broker"
	"SupportChat/internal/config"
	"SupportChat/internal/dedup"
	"SupportChat/internal/knowledge"
	"SupportChat/internal/session"
	"SupportChat/internal/telemetry"
)

// Canned local messages
const (
	DefaultWelcome = "Bonjour ! Je suis l'assistant virtuel. Posez votre question, ou demandez à parler à un conseiller."
	DefaultHandoff = "Vous allez être mis en relation avec un conseiller. Un membre de notre équipe vous répondra dans les plus brefs délais."
)

// IdentityResolver resolves the authenticated user
type IdentityResolver interface {
	Resolve(ctx context.Context) (session.Identity, error)
}

// HistoryLoader returns the prior conversation, oldest first
type HistoryLoader interface {
	Load(ctx context.Context, self, counterpart int64) ([]session.Message, error)
}

// Channel is the broker connection owned by a session
type Channel interface {
	Connect(ctx context.Context) error
	Subscribe(destination string, handler broker.Handler) (string, error)
	Unsubscribe(id string) error
	Publish(destination string, payload any) error
	Disconnect() error
	Connected() bool
}

// ChannelEvents are the lifecycle callbacks a channel must report through
type ChannelEvents struct {
	OnConnect func()
	OnStatus  func(broker.Status)
}

// ChannelFactory creates the channel for one Initialize call
type ChannelFactory func(events ChannelEvents) (Channel, error)

// BrokerChannel returns a factory producing reconnecting STOMP connections
func BrokerChannel(opts broker.Options, logger *slog.Logger) ChannelFactory {
	return func(events ChannelEvents) (Channel, error) {
		o := opts
		o.OnConnect = events.OnConnect
		o.OnStatus = events.OnStatus
		return broker.NewConnection(o, logger)
	}
}

// Options configures a Session
type Options struct {
	CounterpartID int64
	InboxTemplate string
	Outbox        string

	Welcome string
	Handoff string

	Knowledge *knowledge.Base
	History   HistoryLoader // optional
	Channels  ChannelFactory

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *telemetry.Metrics

	// Now stamps local messages; defaults to time.Now
	Now func() time.Time
}

// Session is one support conversation. All mutations are serialized by mu;
// channel callbacks carry the epoch they were created under and are
// ignored once it changes.
type Session struct {
	opts    Options
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics

	mu          sync.Mutex
	epoch       uint64
	initialized bool
	identity    session.Identity
	state       session.State
	seen        *dedup.Set
	channel     Channel
	subID       string
	pending     *api.EscalationNotice
	connects    int
	notifier    *notifier
}

// New creates an uninitialized session
func New(opts Options) (*Session, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if opts.Channels == nil {
		return nil, fmt.Errorf("channel factory is required")
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
	if opts.Welcome == "" {
		opts.Welcome = DefaultWelcome
	}
	if opts.Handoff == "" {
		opts.Handoff = DefaultHandoff
	}
	if opts.Knowledge == nil {
		opts.Knowledge = knowledge.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Session{
		opts:     opts,
		logger:   opts.Logger.With("component", "support", "counterpart", opts.CounterpartID),
		tracer:   opts.Tracer,
		metrics:  opts.Metrics,
		seen:     dedup.NewSet(),
		notifier: newNotifier(),
	}
	if s.tracer == nil {
		s.tracer = telemetry.NoopTracer()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NoopMetrics()
	}
	s.state = initialState()
	return s, nil
}

func initialState() session.State {
	return session.State{
		Mode:       session.ModeAssistant,
		Status:     session.StatusDisconnected,
		Transcript: []session.Message{},
	}
}

// State returns a copy of the current state
func (s *Session) State() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Subscribe registers fn for state changes. fn runs on a dedicated
// goroutine and may call State. Listeners are dropped by Teardown.
func (s *Session) Subscribe(fn func(session.State)) (cancel func()) {
	s.mu.Lock()
	n := s.notifier
	s.mu.Unlock()
	return n.subscribe(fn)
}

// Initialize resolves the participant, loads history and opens the
// channel. A resolution failure leaves the session in the error state.
func (s *Session) Initialize(ctx context.Context, resolver IdentityResolver) error {
	ctx, span := s.tracer.Start(ctx, "support.initialize")
	defer span.End()

	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.initialized = true
	s.epoch++
	epoch := s.epoch
	s.state = initialState()
	s.seen.Reset()
	s.pending = nil
	s.connects = 0
	s.mu.Unlock()

	identity, err := resolve(ctx, resolver)
	if err != nil {
		s.logger.Error("failed to resolve identity", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "identity unresolved")
		s.fail(epoch)
		return fmt.Errorf("%w: %w", ErrIdentityUnresolved, err)
	}
	span.SetAttributes(attribute.Int64("participant_id", identity.ID))

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return fmt.Errorf("torn down during initialize: %w", ErrNotInitialized)
	}
	s.identity = identity
	s.state.ParticipantID = identity.ID
	welcome := session.Message{
		ID:        uuid.NewString(),
		Content:   s.opts.Welcome,
		Sender:    session.SenderBot,
		Timestamp: s.opts.Now(),
	}
	s.seen.Add(welcome.ID)
	s.state.Transcript = append(s.state.Transcript, welcome)
	s.changed()
	s.mu.Unlock()

	s.logger.Info("participant resolved", "participant_id", identity.ID)

	s.hydrate(ctx, epoch, identity.ID)

	if err := s.open(ctx, epoch, identity.ID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "channel")
		return err
	}
	return nil
}

func resolve(ctx context.Context, resolver IdentityResolver) (session.Identity, error) {
	if resolver == nil {
		return session.Identity{}, errors.New("no identity resolver")
	}
	identity, err := resolver.Resolve(ctx)
	if err != nil {
		return session.Identity{}, err
	}
	if identity.ID <= 0 {
		return session.Identity{}, fmt.Errorf("invalid participant id %d", identity.ID)
	}
	return identity, nil
}

// fail moves the session to the error state and releases the
// initialization slot so the consumer may retry after re-authenticating
func (s *Session) fail(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	s.initialized = false
	s.state.Status = session.StatusError
	s.changed()
}

// hydrate merges prior messages into the transcript. Failure is logged.
func (s *Session) hydrate(ctx context.Context, epoch uint64, self int64) {
	if s.opts.History == nil {
		return
	}

	start := time.Now()
	messages, err := s.opts.History.Load(ctx, self, s.opts.CounterpartID)
	s.metrics.ObserveHistoryLoad(ctx, start, err == nil)
	if err != nil {
		s.logger.Warn("continuing without history", "participant_id", self,
			"error", fmt.Errorf("%w: %w", ErrHistoryLoadFailed, err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return
	}
	added := 0
	for _, msg := range messages {
		if msg.ID != "" && !s.seen.Add(msg.ID) {
			continue
		}
		s.state.Transcript = append(s.state.Transcript, msg)
		added++
	}
	if added == 0 {
		return
	}
	session.SortByTime(s.state.Transcript)
	s.changed()
}

// open creates, subscribes and connects the session's single channel
func (s *Session) open(ctx context.Context, epoch uint64, self int64) error {
	ch, err := s.opts.Channels(ChannelEvents{
		OnConnect: func() { s.onConnect(epoch) },
		OnStatus:  func(st broker.Status) { s.onStatus(epoch, st) },
	})
	if err != nil {
		s.logger.Error("failed to create channel", "error", err)
		s.fail(epoch)
		return fmt.Errorf("failed to create channel: %w", err)
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		ch.Disconnect()
		return fmt.Errorf("torn down during initialize: %w", ErrNotInitialized)
	}
	s.channel = ch
	s.mu.Unlock()

	inbox := config.InboxFor(s.opts.InboxTemplate, self)
	subID, err := ch.Subscribe(inbox, func(d broker.Delivery) { s.onInbound(epoch, d) })
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", inbox, err)
	}

	s.mu.Lock()
	if s.epoch == epoch {
		s.subID = subID
	}
	s.mu.Unlock()

	// The channel outlives the Initialize call; Teardown stops it.
	if err := ch.Connect(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to connect channel: %w", err)
	}
	s.logger.Info("support channel opened", "destination", inbox)
	return nil
}

// Send posts user text. In assistant mode the knowledge base answers
// locally; in human mode the text is published to the counterpart.
// Blank text is ignored.
func (s *Session) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "support.send")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.ParticipantID == 0 || !s.initialized {
		return ErrNotInitialized
	}
	span.SetAttributes(attribute.String("mode", string(s.state.Mode)))

	ts := s.stamp()
	user := session.Message{
		ID:        uuid.NewString(),
		Content:   text,
		Sender:    session.SenderUser,
		Timestamp: ts,
		SenderID:  s.state.ParticipantID,
	}

	if s.state.Mode == session.ModeAssistant {
		answer := s.opts.Knowledge.Answer(text)
		bot := session.Message{
			ID:        uuid.NewString(),
			Content:   answer,
			Sender:    session.SenderBot,
			Timestamp: ts,
		}
		s.append(user)
		s.append(bot)
		s.changed()
		return nil
	}

	user.ReceiverID = s.opts.CounterpartID
	flushed := s.flushPending(ctx)
	payload := api.NewOutbound(s.state.ParticipantID, s.opts.CounterpartID, text, ts)
	if err := s.publish(ctx, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish")
		if flushed {
			s.changed()
		}
		return err
	}

	s.append(user)
	s.state.AwaitingReply = true
	s.changed()
	return nil
}

// RequestHuman switches the session to human mode and notifies the
// counterpart. When the notice cannot be published it is held and sent on
// the next connect or before the next human-mode Send. Calling it again
// in human mode does nothing.
func (s *Session) RequestHuman(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "support.request_human")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.ParticipantID == 0 || !s.initialized {
		return ErrNotInitialized
	}
	if s.state.Mode == session.ModeHuman {
		return nil
	}

	ts := s.stamp()
	s.state.Mode = session.ModeHuman
	s.append(session.Message{
		ID:        uuid.NewString(),
		Content:   s.opts.Handoff,
		Sender:    session.SenderAdmin,
		Timestamp: ts,
	})
	s.state.AwaitingReply = true

	notice := api.NewEscalation(s.state.ParticipantID, s.opts.CounterpartID, s.identity.Name, s.identity.Email, ts)
	if err := s.publish(ctx, notice); err != nil {
		s.pending = &notice
		s.state.EscalationPending = true
		span.AddEvent("escalation deferred")
		s.logger.Info("escalation deferred until connected", "participant_id", s.state.ParticipantID, "error", err)
	} else {
		s.logger.Info("escalation sent", "participant_id", s.state.ParticipantID)
	}
	s.changed()
	return nil
}

// Teardown releases the channel and drops listeners. It is safe to call
// at any time and more than once; Initialize may be called again after.
func (s *Session) Teardown() {
	s.mu.Lock()
	s.epoch++
	ch, subID := s.channel, s.subID
	wasInitialized := s.initialized
	s.channel = nil
	s.subID = ""
	s.initialized = false
	s.pending = nil
	s.state.EscalationPending = false
	n := s.notifier
	s.notifier = newNotifier()
	if wasInitialized {
		s.state.Status = session.StatusDisconnected
		s.state.Version++
	}
	s.mu.Unlock()

	n.close()

	if ch == nil {
		return
	}
	if subID != "" {
		if err := ch.Unsubscribe(subID); err != nil {
			s.logger.Debug("failed to unsubscribe", "error", err)
		}
	}
	if err := ch.Disconnect(); err != nil {
		s.logger.Warn("failed to disconnect channel", "error", err)
	}
	s.logger.Info("support session torn down")
}

func (s *Session) onConnect(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.channel == nil {
		return
	}

	s.connects++
	if s.connects > 1 {
		s.metrics.Reconnects.Add(context.Background(), 1)
	}
	if s.flushPending(context.Background()) {
		s.changed()
	}
}

// flushPending publishes a held escalation notice and reports whether
// the state changed. Callers hold mu.
func (s *Session) flushPending(ctx context.Context) bool {
	if s.pending == nil {
		return false
	}
	if err := s.publish(ctx, *s.pending); err != nil {
		s.logger.Warn("failed to flush escalation", "error", err)
		return false
	}
	s.logger.Info("escalation sent", "participant_id", s.state.ParticipantID)
	s.pending = nil
	s.state.EscalationPending = false
	return true
}

func (s *Session) onStatus(epoch uint64, st broker.Status) {
	status := mapStatus(st)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch || s.channel == nil || s.state.Status == status {
		return
	}
	if status == session.StatusConnecting && s.state.Status == session.StatusConnected {
		s.logger.Warn("reconnecting", "error", ErrTransportDisconnected)
	}
	s.state.Status = status
	s.changed()
}

func mapStatus(st broker.Status) session.ConnectionStatus {
	switch st {
	case broker.StatusConnecting:
		return session.StatusConnecting
	case broker.StatusConnected:
		return session.StatusConnected
	case broker.StatusFailed:
		return session.StatusError
	default:
		return session.StatusDisconnected
	}
}

// publish sends payload to the counterpart address, failing fast when
// the channel is not connected. Callers hold mu.
func (s *Session) publish(ctx context.Context, payload any) error {
	err := broker.ErrNotConnected
	if s.channel != nil && s.channel.Connected() {
		err = s.channel.Publish(s.opts.Outbox, payload)
	}
	if err != nil {
		s.metrics.PublishFailed.Add(ctx, 1)
		return &PublishError{Destination: s.opts.Outbox, Err: err}
	}
	return nil
}

// stamp returns a timestamp for a local message that keeps the
// transcript non-decreasing. Callers hold mu.
func (s *Session) stamp() time.Time {
	ts := s.opts.Now()
	if last, ok := s.state.Last(); ok && last.Timestamp.After(ts) {
		ts = last.Timestamp
	}
	return ts
}

// append adds a local message at the tail. Callers hold mu.
func (s *Session) append(msg session.Message) {
	s.seen.Add(msg.ID)
	s.state.Transcript = append(s.state.Transcript, msg)
}

// changed bumps the version and schedules listener delivery. Callers hold mu.
func (s *Session) changed() {
	s.state.Version++
	s.notifier.publish(s.snapshot())
}

func (s *Session) snapshot() session.State {
	st := s.state
	st.Transcript = append([]session.Message(nil), s.state.Transcript...)
	return st
}
