// Package console is an interactive terminal front end for a support session.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"SupportChat/internal/session"
	"SupportChat/internal/support"
)

// Session is the part of support.Session the console drives
type Session interface {
	Send(ctx context.Context, text string) error
	RequestHuman(ctx context.Context) error
	State() session.State
	Subscribe(fn func(session.State)) (cancel func())
}

// Console reads user input and renders transcript changes
type Console struct {
	session Session
	in      io.Reader
	logger  *slog.Logger

	outMu   sync.Mutex
	out     io.Writer
	printed map[string]bool
	status  session.ConnectionStatus

	// failed holds the last human-mode message the channel rejected
	failed string
}

// New creates a console over session
func New(s Session, in io.Reader, out io.Writer, logger *slog.Logger) (*Console, error) {
	if s == nil {
		return nil, fmt.Errorf("session cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Console{
		session: s,
		in:      in,
		out:     out,
		logger:  logger,
		printed: make(map[string]bool),
	}, nil
}

// Run processes input until EOF, /quit, or ctx is canceled
func (c *Console) Run(ctx context.Context) error {
	cancel := c.session.Subscribe(c.render)
	defer cancel()

	c.printf("=== Support ===\n")
	c.printf("Type /help for commands, /quit to exit\n\n")
	c.render(c.session.State())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var input string
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				c.printf("Au revoir !\n")
				return nil
			}
			input = strings.TrimSpace(line)
		}

		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			shouldQuit, err := c.handleCommand(ctx, input)
			if err != nil {
				c.printf("Error: %v\n", err)
				c.logger.Error("command error", "error", err)
			}
			if shouldQuit {
				c.printf("Au revoir !\n")
				return nil
			}
			continue
		}

		c.send(ctx, input)
	}
}

func (c *Console) send(ctx context.Context, text string) {
	err := c.session.Send(ctx, text)
	switch {
	case err == nil:
		c.failed = ""
		c.render(c.session.State())
	case errors.Is(err, support.ErrPublishFailed):
		c.failed = text
		c.printf("! Message non envoyé, connexion indisponible. Tapez /retry pour réessayer.\n")
		c.logger.Warn("send failed", "error", err)
	default:
		c.printf("Error: %v\n", err)
		c.logger.Error("failed to send message", "error", err)
	}
}

// handleCommand handles slash commands
func (c *Console) handleCommand(ctx context.Context, cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/human":
		if err := c.session.RequestHuman(ctx); err != nil {
			return false, fmt.Errorf("failed to request an agent: %w", err)
		}
		st := c.session.State()
		c.render(st)
		if st.EscalationPending {
			c.printf("(la demande sera transmise dès que la connexion sera rétablie)\n")
		}
		return false, nil

	case "/retry":
		if c.failed == "" {
			c.printf("Rien à renvoyer.\n")
			return false, nil
		}
		c.send(ctx, c.failed)
		return false, nil

	case "/status":
		st := c.session.State()
		c.printf("Mode: %s\n", st.Mode)
		c.printf("Connection: %s\n", st.Status)
		if st.ParticipantID != 0 {
			c.printf("Participant: %d\n", st.ParticipantID)
		}
		if st.AwaitingReply {
			c.printf("En attente d'une réponse du conseiller...\n")
		}
		if st.EscalationPending {
			c.printf("Demande de conseiller en attente d'envoi\n")
		}
		return false, nil

	case "/history":
		st := c.session.State()
		c.outMu.Lock()
		defer c.outMu.Unlock()
		fmt.Fprintln(c.out)
		for _, m := range st.Transcript {
			fmt.Fprintln(c.out, format(m))
		}
		fmt.Fprintln(c.out)
		return false, nil

	case "/help":
		c.printf("Available commands:\n")
		c.printf("  /human    - Talk to a human agent\n")
		c.printf("  /status   - Show mode and connection status\n")
		c.printf("  /history  - Print the whole conversation\n")
		c.printf("  /retry    - Resend the last message that failed\n")
		c.printf("  /quit     - Exit\n")
		c.printf("  /help     - Show this help message\n")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s", parts[0])
	}
}

// render prints messages not shown yet and status transitions
func (c *Console) render(st session.State) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	if st.Status != c.status {
		if c.status != "" || st.Status != session.StatusDisconnected {
			fmt.Fprintf(c.out, "[%s]\n", st.Status)
		}
		c.status = st.Status
	}
	for _, m := range st.Transcript {
		if c.printed[m.ID] {
			continue
		}
		c.printed[m.ID] = true
		fmt.Fprintln(c.out, format(m))
	}
}

func (c *Console) printf(layout string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, layout, args...)
}

func format(m session.Message) string {
	var who string
	switch m.Sender {
	case session.SenderUser:
		who = "Vous"
	case session.SenderAdmin:
		who = "Conseiller"
	default:
		who = "Assistant"
	}
	return fmt.Sprintf("%s %s: %s", m.Timestamp.Local().Format("15:04"), who, m.Content)
}
