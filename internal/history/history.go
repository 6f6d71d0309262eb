// Package history loads the prior conversation between the user and the
// support counterpart.
package history

import (
	"context"
	"fmt"
	"log/slog"

	"SupportChat/internal/api"
	"SupportChat/internal/dedup"
	"SupportChat/internal/session"
)

// Source returns raw records exchanged between self and counterpart
type Source interface {
	History(ctx context.Context, self, counterpart int64) ([]api.Record, error)
}

// Loader converts backend records into transcript messages
type Loader struct {
	source Source
	logger *slog.Logger
}

// NewLoader creates a history loader over source
func NewLoader(source Source, logger *slog.Logger) (*Loader, error) {
	if source == nil {
		return nil, fmt.Errorf("history source is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Loader{source: source, logger: logger}, nil
}

// Load fetches the conversation and returns it sorted oldest first.
// Records authored by the counterpart become admin messages; everything
// else is attributed to the user.
func (l *Loader) Load(ctx context.Context, self, counterpart int64) ([]session.Message, error) {
	records, err := l.source.History(ctx, self, counterpart)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	messages := make([]session.Message, 0, len(records))
	for _, rec := range records {
		messages = append(messages, ToMessage(rec, counterpart))
	}
	session.SortByTime(messages)

	l.logger.Info("loaded history", "self", self, "counterpart", counterpart, "count", len(messages))
	return messages, nil
}

// ToMessage maps a backend record onto a transcript message
func ToMessage(rec api.Record, counterpart int64) session.Message {
	sender := session.SenderUser
	if rec.Origin == counterpart {
		sender = session.SenderAdmin
	}
	id := rec.ID
	if id == "" {
		id = dedup.Fingerprint(rec.Origin, rec.Timestamp, rec.Text)
	}
	return session.Message{
		ID:         id,
		Content:    rec.Text,
		Sender:     sender,
		Timestamp:  rec.Timestamp,
		SenderID:   rec.Origin,
		ReceiverID: rec.Destination,
	}
}
