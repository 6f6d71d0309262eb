package support

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"SupportChat/internal/api"
	"SupportChat/internal/broker"
	"SupportChat/internal/dedup"
	"SupportChat/internal/history"
	"SupportChat/internal/session"
	"SupportChat/internal/telemetry"
)

// onInbound handles one delivery on the participant's inbox. Only frames
// from the counterpart are kept; duplicates are dropped and the rest are
// inserted in timestamp order.
func (s *Session) onInbound(epoch uint64, d broker.Delivery) {
	ctx := context.Background()

	rec, err := api.DecodeRecord(d.Body)
	if err == nil && strings.TrimSpace(rec.Text) == "" {
		err = errors.New("empty text")
	}
	if err != nil {
		s.logger.Warn("dropping inbound frame", "destination", d.Destination,
			"error", fmt.Errorf("%w: %w", ErrMalformedInbound, err))
		s.metrics.Dropped(ctx, telemetry.DropMalformed)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reason := s.admit(epoch, &rec, d.MessageID)
	if reason != "" {
		s.logger.Debug("ignoring inbound frame", "reason", reason, "origin", rec.Origin, "message_id", rec.ID)
		s.metrics.Dropped(ctx, reason)
		return
	}

	msg := history.ToMessage(rec, s.opts.CounterpartID)
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.opts.Now()
	}
	s.state.Transcript = session.InsertByTime(s.state.Transcript, msg)
	if msg.Sender == session.SenderAdmin {
		s.state.AwaitingReply = false
	}
	s.changed()

	s.metrics.InboundAccepted.Add(ctx, 1)
	s.logger.Debug("inbound message appended", "message_id", msg.ID)
}

// admit returns the reason rec must be dropped, or "" to keep it. A kept
// record has its id filled and recorded as seen. A record with neither id
// nor timestamp is keyed on the broker message id, so identical texts
// sent apart are both kept. Callers hold mu.
func (s *Session) admit(epoch uint64, rec *api.Record, messageID string) string {
	switch {
	case s.epoch != epoch || s.channel == nil:
		return telemetry.DropStale
	case rec.Origin == s.state.ParticipantID:
		return telemetry.DropEcho
	case rec.Origin != s.opts.CounterpartID:
		return telemetry.DropForeign
	}

	switch {
	case rec.ID != "":
	case rec.Timestamp.IsZero() && messageID != "":
		rec.ID = dedup.DeliveryKey(rec.Origin, messageID, rec.Text)
	default:
		rec.ID = dedup.Fingerprint(rec.Origin, rec.Timestamp, rec.Text)
	}
	if !s.seen.Add(rec.ID) {
		return telemetry.DropDuplicate
	}
	return ""
}
