package support

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"SupportChat/internal/broker"
	"SupportChat/internal/session"
)

// fakeChannel implements Channel for testing
type fakeChannel struct {
	mu sync.Mutex

	events    ChannelEvents
	connected bool

	handlers     map[string]broker.Handler
	destinations map[string]string
	nextSub      int
	nextMessage  int

	attempts     int
	published    []published
	unsubscribed []string
	connects     int
	disconnects  int
	publishErr   error
}

type published struct {
	Destination string
	Payload     json.RawMessage
}

func newFakeChannel(events ChannelEvents) *fakeChannel {
	return &fakeChannel{
		events:       events,
		handlers:     make(map[string]broker.Handler),
		destinations: make(map[string]string),
	}
}

func (f *fakeChannel) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	f.events.OnStatus(broker.StatusConnecting)
	return nil
}

func (f *fakeChannel) Subscribe(destination string, handler broker.Handler) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSub++
	id := "sub-" + strconv.Itoa(f.nextSub)
	f.handlers[id] = handler
	f.destinations[id] = destination
	return id, nil
}

func (f *fakeChannel) Unsubscribe(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[id]; !ok {
		return errors.New("unknown subscription")
	}
	delete(f.handlers, id)
	f.unsubscribed = append(f.unsubscribed, id)
	return nil
}

func (f *fakeChannel) Publish(destination string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if !f.connected {
		return broker.ErrNotConnected
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.published = append(f.published, published{Destination: destination, Payload: data})
	return nil
}

func (f *fakeChannel) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// up simulates an established transport
func (f *fakeChannel) up() {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	f.events.OnStatus(broker.StatusConnected)
	f.events.OnConnect()
}

// down simulates a lost transport
func (f *fakeChannel) down() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	f.events.OnStatus(broker.StatusConnecting)
}

// deliver pushes a raw payload to every subscription, bypassing
// unsubscribe so late frames can be simulated
func (f *fakeChannel) deliver(body string) {
	f.deliverTo(nil, body)
}

func (f *fakeChannel) deliverTo(handler broker.Handler, body string) {
	f.mu.Lock()
	f.nextMessage++
	messageID := "m-" + strconv.Itoa(f.nextMessage)
	var handlers []broker.Handler
	if handler != nil {
		handlers = []broker.Handler{handler}
	} else {
		for _, h := range f.handlers {
			handlers = append(handlers, h)
		}
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(broker.Delivery{Destination: "/queue/support.42", MessageID: messageID, Body: []byte(body)})
	}
}

func (f *fakeChannel) handler() broker.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.handlers {
		return h
	}
	return nil
}

func (f *fakeChannel) publishes() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func (f *fakeChannel) publishAttempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// fakeFactory records every channel it creates
type fakeFactory struct {
	mu       sync.Mutex
	channels []*fakeChannel
	err      error
}

func (f *fakeFactory) create(events ChannelEvents) (Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	ch := newFakeChannel(events)
	f.channels = append(f.channels, ch)
	return ch, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.channels)
}

func (f *fakeFactory) last() *fakeChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.channels) == 0 {
		return nil
	}
	return f.channels[len(f.channels)-1]
}

type staticResolver struct {
	identity session.Identity
	err      error
	calls    int
}

func (r *staticResolver) Resolve(ctx context.Context) (session.Identity, error) {
	r.calls++
	return r.identity, r.err
}

type stubHistory struct {
	messages []session.Message
	err      error
}

func (h *stubHistory) Load(ctx context.Context, self, counterpart int64) ([]session.Message, error) {
	return h.messages, h.err
}

// clock hands out strictly increasing timestamps
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const (
	testParticipant = 42
	testCounterpart = 1
)

type harness struct {
	session  *Session
	factory  *fakeFactory
	resolver *staticResolver
	history  *stubHistory
	clock    *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		factory: &fakeFactory{},
		resolver: &staticResolver{identity: session.Identity{
			ID:    testParticipant,
			Name:  "Jean Dupont",
			Email: "jean@example.com",
		}},
		history: &stubHistory{},
		clock:   newClock(),
	}

	s, err := New(Options{
		CounterpartID: testCounterpart,
		History:       h.history,
		Channels:      h.factory.create,
		Logger:        testLogger(),
		Now:           h.clock.Now,
	})
	require.NoError(t, err)
	h.session = s
	t.Cleanup(s.Teardown)
	return h
}

// initialized returns a harness whose session has completed Initialize
func initialized(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	require.NoError(t, h.session.Initialize(context.Background(), h.resolver))
	return h
}

// humanMode returns a connected session already escalated
func humanMode(t *testing.T) *harness {
	t.Helper()
	h := initialized(t)
	h.factory.last().up()
	require.NoError(t, h.session.RequestHuman(context.Background()))
	return h
}
