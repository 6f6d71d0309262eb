package support

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SupportChat/internal/api"
	"SupportChat/internal/broker"
	"SupportChat/internal/knowledge"
	"SupportChat/internal/session"
)

var later = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func adminFrame(id string, ts time.Time, text string) string {
	return fmt.Sprintf(`{"id":%q,"origin":%d,"destination":%d,"text":%q,"timestamp":%q}`,
		id, testCounterpart, testParticipant, text, ts.Format(time.RFC3339Nano))
}

func TestNewValidation(t *testing.T) {
	f := &fakeFactory{}

	_, err := New(Options{CounterpartID: 1, Channels: f.create})
	assert.Error(t, err, "nil logger")

	_, err = New(Options{CounterpartID: 1, Logger: testLogger()})
	assert.Error(t, err, "no channel factory")

	_, err = New(Options{Channels: f.create, Logger: testLogger()})
	assert.Error(t, err, "no counterpart")
}

func TestScenarioFreshSession(t *testing.T) {
	h := initialized(t)

	st := h.session.State()
	assert.Equal(t, session.ModeAssistant, st.Mode)
	assert.Equal(t, int64(testParticipant), st.ParticipantID)
	require.Len(t, st.Transcript, 1)
	assert.Equal(t, session.SenderBot, st.Transcript[0].Sender)
	assert.Equal(t, DefaultWelcome, st.Transcript[0].Content)
	assert.Equal(t, session.StatusConnecting, st.Status)

	require.Equal(t, 1, h.factory.count())
	ch := h.factory.last()
	assert.Equal(t, 1, ch.connects)
	assert.Equal(t, map[string]string{"sub-1": "/queue/support.42"}, ch.destinations)
}

func TestInitializeTwice(t *testing.T) {
	h := initialized(t)

	err := h.session.Initialize(context.Background(), h.resolver)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
	assert.Equal(t, 1, h.factory.count())
	assert.Equal(t, 1, h.resolver.calls)
}

func TestInitializeIdentityUnresolved(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = api.ErrUnauthorized

	err := h.session.Initialize(context.Background(), h.resolver)
	assert.ErrorIs(t, err, ErrIdentityUnresolved)
	assert.ErrorIs(t, err, api.ErrUnauthorized)

	st := h.session.State()
	assert.Equal(t, session.StatusError, st.Status)
	assert.Zero(t, st.ParticipantID)
	assert.Empty(t, st.Transcript)
	assert.Equal(t, 0, h.factory.count())

	err = h.session.Send(context.Background(), "bonjour")
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestInitializeWithoutResolverOrID(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.session.Initialize(context.Background(), nil), ErrIdentityUnresolved)

	h.resolver.identity = session.Identity{}
	assert.ErrorIs(t, h.session.Initialize(context.Background(), h.resolver), ErrIdentityUnresolved)
	assert.Equal(t, 0, h.factory.count())

	h.resolver.identity = session.Identity{ID: testParticipant}
	require.NoError(t, h.session.Initialize(context.Background(), h.resolver))
	assert.Equal(t, 1, h.factory.count())
}

func TestInitializeHistoryFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.history.err = errors.New("history endpoint down")

	require.NoError(t, h.session.Initialize(context.Background(), h.resolver))

	st := h.session.State()
	require.Len(t, st.Transcript, 1)
	assert.Equal(t, DefaultWelcome, st.Transcript[0].Content)
	assert.Equal(t, 1, h.factory.count())
}

func TestInitializeHydratesHistoryInOrder(t *testing.T) {
	h := newHarness(t)
	base := time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC)
	h.history.messages = []session.Message{
		{ID: "1", Content: "question", Sender: session.SenderUser, Timestamp: base, SenderID: testParticipant},
		{ID: "2", Content: "réponse", Sender: session.SenderAdmin, Timestamp: base.Add(time.Minute), SenderID: testCounterpart},
	}

	require.NoError(t, h.session.Initialize(context.Background(), h.resolver))

	st := h.session.State()
	require.Len(t, st.Transcript, 3)
	assert.Equal(t, "1", st.Transcript[0].ID)
	assert.Equal(t, "2", st.Transcript[1].ID)
	assert.Equal(t, DefaultWelcome, st.Transcript[2].Content)

	// a redelivered historical message is recognized
	ch := h.factory.last()
	ch.up()
	ch.deliver(adminFrame("2", base.Add(time.Minute), "réponse"))
	assert.Len(t, h.session.State().Transcript, 3)
}

func TestInitializeChannelFactoryFailure(t *testing.T) {
	h := newHarness(t)
	h.factory.err = errors.New("bad url")

	err := h.session.Initialize(context.Background(), h.resolver)
	assert.Error(t, err)
	assert.Equal(t, session.StatusError, h.session.State().Status)
}

func TestScenarioKnowledgeAnswer(t *testing.T) {
	h := initialized(t)
	before := len(h.session.State().Transcript)

	require.NoError(t, h.session.Send(context.Background(), "Comment acheter des stocks"))

	want, ok := knowledge.Default().Lookup("Comment acheter des stocks")
	require.True(t, ok)

	st := h.session.State()
	require.Len(t, st.Transcript, before+2)
	user, bot := st.Transcript[before], st.Transcript[before+1]
	assert.Equal(t, session.SenderUser, user.Sender)
	assert.Equal(t, "Comment acheter des stocks", user.Content)
	assert.Equal(t, int64(testParticipant), user.SenderID)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, session.SenderBot, bot.Sender)
	assert.Equal(t, want, bot.Content)
	assert.Zero(t, bot.SenderID)
	assert.NotEqual(t, user.ID, bot.ID)

	assert.Zero(t, h.factory.last().publishAttempts())
}

func TestScenarioFallback(t *testing.T) {
	h := initialized(t)
	before := len(h.session.State().Transcript)

	require.NoError(t, h.session.Send(context.Background(), "xyz123"))

	st := h.session.State()
	require.Len(t, st.Transcript, before+2)
	assert.Equal(t, knowledge.DefaultFallback, st.Transcript[before+1].Content)
	assert.Zero(t, h.factory.last().publishAttempts())
}

func TestScenarioRequestHuman(t *testing.T) {
	h := initialized(t)
	ch := h.factory.last()
	ch.up()
	before := len(h.session.State().Transcript)

	require.NoError(t, h.session.RequestHuman(context.Background()))

	st := h.session.State()
	assert.Equal(t, session.ModeHuman, st.Mode)
	require.Len(t, st.Transcript, before+1)
	handoff := st.Transcript[before]
	assert.Equal(t, session.SenderAdmin, handoff.Sender)
	assert.Equal(t, DefaultHandoff, handoff.Content)
	assert.True(t, st.AwaitingReply)
	assert.False(t, st.EscalationPending)

	pubs := ch.publishes()
	require.Len(t, pubs, 1)
	assert.Equal(t, "/app/chat.send", pubs[0].Destination)

	var notice api.EscalationNotice
	require.NoError(t, json.Unmarshal(pubs[0].Payload, &notice))
	assert.Equal(t, api.KindEscalation, notice.Kind)
	assert.Equal(t, int64(testParticipant), notice.ParticipantID)
	assert.Equal(t, int64(testCounterpart), notice.Destination)
	assert.Equal(t, "Jean Dupont", notice.Name)
	assert.Equal(t, "jean@example.com", notice.Email)
	assert.Contains(t, notice.Text, api.EscalationMarker)
}

func TestRequestHumanIsIdempotent(t *testing.T) {
	h := initialized(t)
	ch := h.factory.last()
	ch.up()
	before := len(h.session.State().Transcript)

	require.NoError(t, h.session.RequestHuman(context.Background()))
	v := h.session.State().Version
	require.NoError(t, h.session.RequestHuman(context.Background()))

	st := h.session.State()
	assert.Len(t, st.Transcript, before+1)
	assert.Equal(t, v, st.Version)
	assert.Equal(t, 1, ch.publishAttempts())
}

func TestRequestHumanDeferredUntilConnected(t *testing.T) {
	h := initialized(t)
	ch := h.factory.last()

	require.NoError(t, h.session.RequestHuman(context.Background()))
	require.NoError(t, h.session.RequestHuman(context.Background()))

	st := h.session.State()
	assert.Equal(t, session.ModeHuman, st.Mode)
	assert.True(t, st.EscalationPending)
	assert.Zero(t, ch.publishAttempts())
	assert.Empty(t, ch.publishes())

	ch.up()

	st = h.session.State()
	assert.False(t, st.EscalationPending)
	assert.Equal(t, session.StatusConnected, st.Status)
	require.Len(t, ch.publishes(), 1)

	// later reconnects do not resend
	ch.down()
	ch.up()
	assert.Len(t, ch.publishes(), 1)
}

func TestRequestHumanBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.session.RequestHuman(context.Background()), ErrNotInitialized)
	assert.Equal(t, session.ModeAssistant, h.session.State().Mode)
}

func TestHumanSend(t *testing.T) {
	h := humanMode(t)
	ch := h.factory.last()
	before := len(h.session.State().Transcript)

	require.NoError(t, h.session.Send(context.Background(), "  J'ai un problème de retrait  "))

	st := h.session.State()
	require.Len(t, st.Transcript, before+1)
	msg := st.Transcript[before]
	assert.Equal(t, "J'ai un problème de retrait", msg.Content)
	assert.Equal(t, session.SenderUser, msg.Sender)
	assert.Equal(t, int64(testCounterpart), msg.ReceiverID)
	assert.True(t, st.AwaitingReply)

	pubs := ch.publishes()
	require.Len(t, pubs, 2)
	var out api.OutboundMessage
	require.NoError(t, json.Unmarshal(pubs[1].Payload, &out))
	assert.Equal(t, api.OutboundMessage{
		Origin:      testParticipant,
		Destination: testCounterpart,
		Text:        "J'ai un problème de retrait",
		Timestamp:   msg.Timestamp.UTC().Format(time.RFC3339Nano),
	}, out)
}

func TestHumanSendWhileDisconnected(t *testing.T) {
	h := humanMode(t)
	ch := h.factory.last()
	ch.down()
	before := h.session.State()

	err := h.session.Send(context.Background(), "toujours là ?")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorIs(t, err, broker.ErrNotConnected)

	var perr *PublishError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "/app/chat.send", perr.Destination)

	// the disconnected channel is never handed the frame
	assert.Equal(t, 1, ch.publishAttempts())

	after := h.session.State()
	assert.Equal(t, before.Transcript, after.Transcript)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, session.StatusConnecting, after.Status)

	ch.up()
	require.NoError(t, h.session.Send(context.Background(), "toujours là ?"))
	assert.Len(t, h.session.State().Transcript, len(before.Transcript)+1)
}

func TestHumanSendQueueFull(t *testing.T) {
	h := humanMode(t)
	h.factory.last().publishErr = broker.ErrQueueFull

	err := h.session.Send(context.Background(), "message")
	assert.ErrorIs(t, err, ErrPublishFailed)
	assert.ErrorIs(t, err, broker.ErrQueueFull)
}

func TestEscalationRetriedBeforeNextSend(t *testing.T) {
	h := initialized(t)
	ch := h.factory.last()
	ch.up()
	ch.publishErr = broker.ErrQueueFull

	require.NoError(t, h.session.RequestHuman(context.Background()))
	assert.True(t, h.session.State().EscalationPending)
	assert.Empty(t, ch.publishes())

	ch.publishErr = nil
	require.NoError(t, h.session.Send(context.Background(), "vous êtes là ?"))

	st := h.session.State()
	assert.False(t, st.EscalationPending)
	pubs := ch.publishes()
	require.Len(t, pubs, 2)

	var notice api.EscalationNotice
	require.NoError(t, json.Unmarshal(pubs[0].Payload, &notice))
	assert.Equal(t, api.KindEscalation, notice.Kind)
	var out api.OutboundMessage
	require.NoError(t, json.Unmarshal(pubs[1].Payload, &out))
	assert.Equal(t, "vous êtes là ?", out.Text)

	// the next connect has nothing left to send
	ch.down()
	ch.up()
	assert.Len(t, ch.publishes(), 2)
}

func TestScenarioEmptySend(t *testing.T) {
	for _, human := range []bool{false, true} {
		t.Run(fmt.Sprintf("human=%v", human), func(t *testing.T) {
			var h *harness
			if human {
				h = humanMode(t)
			} else {
				h = initialized(t)
				h.factory.last().up()
			}
			ch := h.factory.last()
			before := h.session.State()
			attempts := ch.publishAttempts()

			for _, text := range []string{"", "   ", "\n\t"} {
				require.NoError(t, h.session.Send(context.Background(), text))
			}

			after := h.session.State()
			assert.Equal(t, before.Transcript, after.Transcript)
			assert.Equal(t, before.Version, after.Version)
			assert.Equal(t, attempts, ch.publishAttempts())
		})
	}
}

func TestEmptySendBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.session.Send(context.Background(), " "))
	assert.ErrorIs(t, h.session.Send(context.Background(), "bonjour"), ErrNotInitialized)
}

func TestModeMonotonic(t *testing.T) {
	h := humanMode(t)
	ch := h.factory.last()

	require.NoError(t, h.session.Send(context.Background(), "bonjour"))
	ch.deliver(adminFrame("10", later, "Bonjour, je suis Marie"))
	require.NoError(t, h.session.RequestHuman(context.Background()))
	ch.down()
	_ = h.session.Send(context.Background(), "allo")
	ch.up()
	ch.events.OnStatus(broker.StatusFailed)

	assert.Equal(t, session.ModeHuman, h.session.State().Mode)
}

func TestStatusMapping(t *testing.T) {
	h := initialized(t)
	ch := h.factory.last()

	ch.up()
	assert.Equal(t, session.StatusConnected, h.session.State().Status)
	ch.down()
	assert.Equal(t, session.StatusConnecting, h.session.State().Status)
	ch.events.OnStatus(broker.StatusFailed)
	assert.Equal(t, session.StatusError, h.session.State().Status)
}

func TestVersionIncreases(t *testing.T) {
	h := initialized(t)
	v0 := h.session.State().Version

	require.NoError(t, h.session.Send(context.Background(), "bonjour"))
	v1 := h.session.State().Version
	assert.Greater(t, v1, v0)

	h.factory.last().up()
	assert.Greater(t, h.session.State().Version, v1)
}

func TestTeardown(t *testing.T) {
	h := initialized(t)
	ch := h.factory.last()
	ch.up()
	handler := ch.handler()
	require.NotNil(t, handler)

	h.session.Teardown()
	h.session.Teardown()

	assert.Equal(t, []string{"sub-1"}, ch.unsubscribed)
	assert.Equal(t, 1, ch.disconnects)

	st := h.session.State()
	assert.Equal(t, session.StatusDisconnected, st.Status)

	// late frames and callbacks from the old channel are ignored
	ch.deliverTo(handler, adminFrame("99", later, "trop tard"))
	ch.events.OnStatus(broker.StatusConnected)
	ch.events.OnConnect()
	assert.Equal(t, st, h.session.State())

	assert.ErrorIs(t, h.session.Send(context.Background(), "bonjour"), ErrNotInitialized)
}

func TestTeardownBeforeInitialize(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, func() {
		h.session.Teardown()
		h.session.Teardown()
	})
	assert.Equal(t, 0, h.factory.count())
}

func TestInitializeAfterTeardown(t *testing.T) {
	h := initialized(t)
	require.NoError(t, h.session.Send(context.Background(), "bonjour"))
	h.session.Teardown()

	require.NoError(t, h.session.Initialize(context.Background(), h.resolver))
	assert.Equal(t, 2, h.factory.count())

	st := h.session.State()
	assert.Equal(t, session.ModeAssistant, st.Mode)
	assert.Len(t, st.Transcript, 1)
}

func TestTeardownDropsPendingEscalation(t *testing.T) {
	h := initialized(t)
	ch := h.factory.last()
	require.NoError(t, h.session.RequestHuman(context.Background()))
	h.session.Teardown()

	ch.events.OnConnect()
	assert.Empty(t, ch.publishes())
	assert.False(t, h.session.State().EscalationPending)
}

func TestSubscribeReceivesSnapshots(t *testing.T) {
	h := newHarness(t)

	var last atomic.Pointer[session.State]
	cancel := h.session.Subscribe(func(st session.State) {
		// listeners may read state without deadlocking
		_ = h.session.State()
		last.Store(&st)
	})
	defer cancel()

	require.NoError(t, h.session.Initialize(context.Background(), h.resolver))
	require.NoError(t, h.session.Send(context.Background(), "Comment acheter des stocks"))

	want := h.session.State().Version
	require.Eventually(t, func() bool {
		st := last.Load()
		return st != nil && st.Version == want
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, last.Load().Transcript, 3)
}

func TestSubscribeCancel(t *testing.T) {
	h := initialized(t)

	var calls atomic.Int32
	cancel := h.session.Subscribe(func(session.State) { calls.Add(1) })
	cancel()
	cancel()

	require.NoError(t, h.session.Send(context.Background(), "bonjour"))
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestConcurrentSendAndInbound(t *testing.T) {
	h := humanMode(t)
	ch := h.factory.last()
	before := len(h.session.State().Transcript)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			ch.deliver(adminFrame(fmt.Sprintf("in-%d", i), later.Add(time.Duration(i)*time.Second), "réponse"))
		}
	}()
	for i := 0; i < 50; i++ {
		require.NoError(t, h.session.Send(context.Background(), fmt.Sprintf("message %d", i)))
	}
	<-done

	st := h.session.State()
	assert.Len(t, st.Transcript, before+100)
	assertSorted(t, st.Transcript)
}

func TestOrderingAnyArrivalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for round := 0; round < 20; round++ {
		h := humanMode(t)
		ch := h.factory.last()

		frames := make([]string, 10)
		for i := range frames {
			frames[i] = adminFrame(fmt.Sprintf("%d", i), later.Add(time.Duration(i)*time.Minute), "msg")
		}
		rng.Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })
		for _, f := range frames {
			ch.deliver(f)
		}

		assertSorted(t, h.session.State().Transcript)
		h.session.Teardown()
	}
}

func assertSorted(t *testing.T, msgs []session.Message) {
	t.Helper()
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp),
			"message %d (%s) precedes message %d", i, msgs[i].Timestamp, i-1)
	}
}

func TestInboundFilters(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		kept  bool
	}{
		{
			name:  "agent reply",
			frame: adminFrame("70", later, "Bonjour, je regarde votre dossier"),
			kept:  true,
		},
		{
			name:  "empty text",
			frame: `{"id":"77","origin":1,"destination":42,"text":""}`,
		},
		{
			name:  "blank text",
			frame: `{"id":"77","origin":1,"destination":42,"text":"   "}`,
		},
		{
			name:  "missing text",
			frame: `{"id":"78","origin":1,"destination":42}`,
		},
		{
			name:  "own message echoed back",
			frame: `{"id":"79","origin":42,"destination":1,"text":"mon message"}`,
		},
		{
			name:  "foreign sender",
			frame: `{"id":"80","origin":7,"destination":42,"text":"spam"}`,
		},
		{
			name:  "no sender",
			frame: `{"id":"81","destination":42,"text":"qui parle ?"}`,
		},
		{
			name:  "not json",
			frame: `MESSAGE sans corps`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := humanMode(t)
			ch := h.factory.last()
			before := h.session.State()
			require.True(t, before.AwaitingReply)

			require.NotPanics(t, func() { ch.deliver(tt.frame) })

			after := h.session.State()
			if !tt.kept {
				assert.Equal(t, before.Transcript, after.Transcript)
				assert.Equal(t, before.Version, after.Version)
				assert.True(t, after.AwaitingReply)
				return
			}
			require.Len(t, after.Transcript, len(before.Transcript)+1)
			last, _ := after.Last()
			assert.Equal(t, session.SenderAdmin, last.Sender)
			assert.NotEmpty(t, last.Content)
			assert.False(t, after.AwaitingReply)
		})
	}
}

func TestInboundRedeliveryIsIgnored(t *testing.T) {
	h := humanMode(t)
	ch := h.factory.last()
	before := len(h.session.State().Transcript)

	frame := adminFrame("7", later, "Votre virement est parti")
	ch.deliver(frame)
	v := h.session.State().Version
	ch.deliver(frame)

	st := h.session.State()
	assert.Len(t, st.Transcript, before+1)
	assert.Equal(t, v, st.Version)

	// without an id, the same timestamped frame is recognized by content
	noID := fmt.Sprintf(`{"origin":1,"destination":42,"text":"encore","timestamp":%q}`,
		later.Add(time.Minute).Format(time.RFC3339Nano))
	ch.deliver(noID)
	ch.deliver(noID)
	assert.Len(t, h.session.State().Transcript, before+2)
}

func TestInboundRepeatedTextWithoutIDOrTimestamp(t *testing.T) {
	h := humanMode(t)
	ch := h.factory.last()
	before := len(h.session.State().Transcript)

	ch.deliver(`{"origin":1,"destination":42,"text":"ok"}`)
	ch.deliver(`{"origin":1,"destination":42,"text":"ok"}`)

	st := h.session.State()
	require.Len(t, st.Transcript, before+2)
	assert.Equal(t, "ok", st.Transcript[before].Content)
	assert.Equal(t, "ok", st.Transcript[before+1].Content)
	assert.NotEqual(t, st.Transcript[before].ID, st.Transcript[before+1].ID)
}

func TestScenarioOutOfOrderArrival(t *testing.T) {
	h := humanMode(t)
	ch := h.factory.last()
	before := len(h.session.State().Transcript)

	ch.deliver(adminFrame("5", later.Add(2*time.Minute), "deuxième"))
	ch.deliver(adminFrame("4", later.Add(time.Minute), "premier"))
	ch.deliver(adminFrame("4", later.Add(time.Minute), "premier"))

	st := h.session.State()
	require.Len(t, st.Transcript, before+2)
	assert.Equal(t, "4", st.Transcript[before].ID)
	assert.Equal(t, "5", st.Transcript[before+1].ID)
	assert.False(t, st.AwaitingReply)
	assertSorted(t, st.Transcript)
}
