package desk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// User is a platform account known to the desk
type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"prenom"`
	LastName  string `json:"nom"`
	Token     string `json:"-"`
}

// StoredMessage is a persisted chat message
type StoredMessage struct {
	ID          int64     `json:"id"`
	Origin      int64     `json:"origin"`
	Destination int64     `json:"destination"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"kind,omitempty"`
}

// Store persists users and messages in SQLite
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the SQLite database at path
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers anyway; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	createUsersTable := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY,
		email TEXT,
		first_name TEXT,
		last_name TEXT,
		token TEXT UNIQUE
	);`

	createMessagesTable := `
	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		origin INTEGER NOT NULL,
		destination INTEGER NOT NULL,
		text TEXT,
		sent_at INTEGER NOT NULL,
		kind TEXT
	);`

	createPairIndex := `
	CREATE INDEX IF NOT EXISTS messages_pair ON messages (origin, destination, sent_at);`

	for _, stmt := range []string{createUsersTable, createMessagesTable, createPairIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// PutUser inserts or replaces a user
func (s *Store) PutUser(ctx context.Context, u User) error {
	var token any
	if u.Token != "" {
		token = u.Token
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO users (id, email, first_name, last_name, token) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.FirstName, u.LastName, token)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// UserByToken returns the user owning token
func (s *Store) UserByToken(ctx context.Context, token string) (User, error) {
	var (
		u     User
		email sql.NullString
		first sql.NullString
		last  sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name FROM users WHERE token = ?`, token,
	).Scan(&u.ID, &email, &first, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to query user: %w", err)
	}
	u.Email, u.FirstName, u.LastName, u.Token = email.String, first.String, last.String, token
	return u, nil
}

// SaveMessage persists m and returns it with its assigned id
func (s *Store) SaveMessage(ctx context.Context, m StoredMessage) (StoredMessage, error) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	m.Timestamp = m.Timestamp.UTC().Truncate(time.Millisecond)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (origin, destination, text, sent_at, kind) VALUES (?, ?, ?, ?, ?)`,
		m.Origin, m.Destination, m.Text, m.Timestamp.UnixMilli(), m.Kind)
	if err != nil {
		return StoredMessage{}, fmt.Errorf("failed to save message: %w", err)
	}
	if m.ID, err = res.LastInsertId(); err != nil {
		return StoredMessage{}, fmt.Errorf("failed to read message id: %w", err)
	}
	return m, nil
}

// Conversation returns the messages exchanged between a and b, oldest first
func (s *Store) Conversation(ctx context.Context, a, b int64) ([]StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, origin, destination, text, sent_at, kind FROM messages
		WHERE (origin = ? AND destination = ?) OR (origin = ? AND destination = ?)
		ORDER BY sent_at, id`,
		a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []StoredMessage{}
	for rows.Next() {
		var (
			m    StoredMessage
			ms   int64
			text sql.NullString
			kind sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Origin, &m.Destination, &text, &ms, &kind); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Text, m.Kind = text.String, kind.String
		m.Timestamp = time.UnixMilli(ms).UTC()
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	return messages, nil
}
