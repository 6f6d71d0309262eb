package session

import (
	"sort"
	"time"
)

// Sender identifies who authored a message
type Sender string

const (
	SenderUser  Sender = "user"
	SenderBot   Sender = "bot"
	SenderAdmin Sender = "admin"
)

// Mode is the conversation mode of a support session
type Mode string

const (
	ModeAssistant Mode = "assistant"
	ModeHuman     Mode = "human"
)

// ConnectionStatus mirrors the broker connection as seen by the UI
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
)

// Message represents a single chat message.
// SenderID and ReceiverID are zero when absent (bot messages).
type Message struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Sender     Sender    `json:"sender"`
	Timestamp  time.Time `json:"timestamp"`
	SenderID   int64     `json:"sender_id,omitempty"`
	ReceiverID int64     `json:"receiver_id,omitempty"`
}

// Identity is the authenticated user behind a session
type Identity struct {
	ID    int64  `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// State is a point-in-time copy of a support session
type State struct {
	Mode              Mode             `json:"mode"`
	Status            ConnectionStatus `json:"status"`
	ParticipantID     int64            `json:"participant_id,omitempty"`
	Transcript        []Message        `json:"transcript"`
	AwaitingReply     bool             `json:"awaiting_reply"`
	EscalationPending bool             `json:"escalation_pending"`
	Version           uint64           `json:"version"`
}

// Last returns the most recent message, if any.
func (s State) Last() (Message, bool) {
	if len(s.Transcript) == 0 {
		return Message{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}

// SortByTime orders messages ascending by timestamp, keeping the
// relative order of messages that share a timestamp.
func SortByTime(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
}

// InsertByTime inserts msg after every message whose timestamp is not
// later than msg's and returns the grown slice.
func InsertByTime(messages []Message, msg Message) []Message {
	i := sort.Search(len(messages), func(i int) bool {
		return messages[i].Timestamp.After(msg.Timestamp)
	})
	messages = append(messages, Message{})
	copy(messages[i+1:], messages[i:])
	messages[i] = msg
	return messages
}
