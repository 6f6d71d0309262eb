// Package api talks to the platform's REST endpoints: the identity
// endpoint and the conversation history endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"SupportChat/internal/session"
)

// ErrUnauthorized is returned when the identity endpoint rejects the caller
var ErrUnauthorized = errors.New("not authenticated")

// Endpoint paths relative to the base URL
const (
	PathCurrentUser = "/api/users/me"
	PathHistory     = "/api/messages/%d/%d"
)

// User is the identity endpoint's response
type User struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"prenom"`
	LastName  string `json:"nom"`
	Username  string `json:"username"`
}

// DisplayName returns the best available human-readable name
func (u User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	if u.Username != "" {
		return u.Username
	}
	return u.Email
}

// Client calls the platform REST API
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a REST client. token, when set, is sent as a bearer
// credential.
func NewClient(baseURL, token string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if baseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

// CurrentUser fetches the authenticated user
func (c *Client) CurrentUser(ctx context.Context) (User, error) {
	body, err := c.get(ctx, PathCurrentUser)
	if err != nil {
		return User{}, err
	}

	var user User
	if err := json.Unmarshal(body, &user); err != nil {
		return User{}, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	if user.ID <= 0 {
		return User{}, fmt.Errorf("identity response has no user id")
	}
	return user, nil
}

// Resolve maps the current user onto a session identity
func (c *Client) Resolve(ctx context.Context) (session.Identity, error) {
	user, err := c.CurrentUser(ctx)
	if err != nil {
		return session.Identity{}, err
	}
	return session.Identity{ID: user.ID, Name: user.DisplayName(), Email: user.Email}, nil
}

// History fetches the messages exchanged between self and counterpart
func (c *Client) History(ctx context.Context, self, counterpart int64) ([]Record, error) {
	body, err := c.get(ctx, fmt.Sprintf(PathHistory, self, counterpart))
	if err != nil {
		return nil, err
	}
	records, err := DecodeRecords(body)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("fetched history", "self", self, "counterpart", counterpart, "count", len(records))
	return records, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%s: %w", path, ErrUnauthorized)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("API error: %s - %s", resp.Status, string(body))
	}
	return body, nil
}
