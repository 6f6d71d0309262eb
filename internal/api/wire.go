package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNoSender is returned when a payload carries no identifiable origin
var ErrNoSender = errors.New("payload has no identifiable sender")

// Record is a chat message as produced by the backend, normalized from
// whichever field names the producer used
type Record struct {
	ID          string
	Origin      int64
	Destination int64
	Text        string
	Timestamp   time.Time
}

// OutboundMessage is what the client publishes to the counterpart address
type OutboundMessage struct {
	Origin      int64  `json:"origin"`
	Destination int64  `json:"destination"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
	Kind        string `json:"kind,omitempty"`
}

// KindEscalation marks a human-support request
const KindEscalation = "escalation"

// EscalationMarker prefixes the text of every escalation notice so agents
// reading raw traffic can tell it apart from chat
const EscalationMarker = "[DEMANDE DE SUPPORT HUMAIN]"

// EscalationNotice asks the counterpart to take over a conversation
type EscalationNotice struct {
	OutboundMessage
	ParticipantID int64  `json:"participantId"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
}

// NewEscalation builds the escalation notice for a participant
func NewEscalation(origin, destination int64, name, email string, ts time.Time) EscalationNotice {
	who := name
	if who == "" {
		who = email
	}
	text := fmt.Sprintf("%s Nouvelle demande de support de l'utilisateur %d", EscalationMarker, origin)
	if who != "" {
		text = fmt.Sprintf("%s Nouvelle demande de support de %s (utilisateur %d)", EscalationMarker, who, origin)
	}
	if email != "" && email != who {
		text += " - " + email
	}

	out := NewOutbound(origin, destination, text, ts)
	out.Kind = KindEscalation
	return EscalationNotice{
		OutboundMessage: out,
		ParticipantID:   origin,
		Name:            name,
		Email:           email,
	}
}

// NewOutbound builds an outbound payload stamped with ts
func NewOutbound(origin, destination int64, text string, ts time.Time) OutboundMessage {
	return OutboundMessage{
		Origin:      origin,
		Destination: destination,
		Text:        text,
		Timestamp:   ts.UTC().Format(time.RFC3339Nano),
	}
}

var (
	idFields          = []string{"id", "messageId", "message_id"}
	originFields      = []string{"origin", "senderId", "sender_id", "from", "expediteurId", "expediteur", "sender"}
	destinationFields = []string{"destination", "receiverId", "receiver_id", "to", "destinataireId", "destinataire", "receiver"}
	textFields        = []string{"text", "content", "message", "contenu"}
	timestampFields   = []string{"timestamp", "createdAt", "created_at", "sentAt", "dateEnvoi", "date"}
)

// DecodeRecord normalizes a single JSON object into a Record. A missing
// timestamp is left zero; a missing origin is an error.
func DecodeRecord(data []byte) (Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Record{}, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return recordFromFields(fields)
}

// DecodeRecords normalizes a JSON array of message objects
func DecodeRecords(data []byte) ([]Record, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal records: %w", err)
	}
	records := make([]Record, 0, len(items))
	for i, fields := range items {
		rec, err := recordFromFields(fields)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func recordFromFields(fields map[string]json.RawMessage) (Record, error) {
	var rec Record

	origin, ok, err := pickID(fields, originFields)
	if err != nil {
		return Record{}, fmt.Errorf("invalid sender: %w", err)
	}
	if !ok || origin == 0 {
		return Record{}, ErrNoSender
	}
	rec.Origin = origin

	if rec.Destination, _, err = pickID(fields, destinationFields); err != nil {
		return Record{}, fmt.Errorf("invalid receiver: %w", err)
	}

	if raw, ok := pick(fields, idFields); ok {
		if rec.ID, err = idString(raw); err != nil {
			return Record{}, fmt.Errorf("invalid id: %w", err)
		}
	}

	if raw, ok := pick(fields, textFields); ok {
		if err := json.Unmarshal(raw, &rec.Text); err != nil {
			return Record{}, fmt.Errorf("invalid text: %w", err)
		}
	}

	if raw, ok := pick(fields, timestampFields); ok {
		if rec.Timestamp, err = parseTimestamp(raw); err != nil {
			return Record{}, fmt.Errorf("invalid timestamp: %w", err)
		}
	}

	return rec, nil
}

func pick(fields map[string]json.RawMessage, names []string) (json.RawMessage, bool) {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			continue
		}
		return raw, true
	}
	return nil, false
}

// pickID reads a participant id given as a number, a numeric string, or
// an object with an "id" field
func pickID(fields map[string]json.RawMessage, names []string) (int64, bool, error) {
	raw, ok := pick(fields, names)
	if !ok {
		return 0, false, nil
	}
	if len(raw) > 0 && raw[0] == '{' {
		var nested map[string]json.RawMessage
		if err := json.Unmarshal(raw, &nested); err != nil {
			return 0, false, err
		}
		inner, ok := pick(nested, []string{"id"})
		if !ok {
			return 0, false, nil
		}
		raw = inner
	}
	n, err := int64Value(raw)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func int64Value(raw json.RawMessage) (int64, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.Int64()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("not a number: %s", raw)
	}
	return strconv.ParseInt(strings.TrimSpace(s), 10, 64)
}

func idString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("not a string or number: %s", raw)
	}
	return n.String(), nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC 3339, zone-less ISO local times (read as
// UTC) and epoch milliseconds
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		ms, err := n.Int64()
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("not a string or number: %s", raw)
	}
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
