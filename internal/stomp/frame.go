// Package stomp encodes and decodes STOMP 1.2 frames carried one per
// websocket message.
package stomp

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Subprotocol is the websocket subprotocol negotiated for STOMP 1.2
const Subprotocol = "v12.stomp"

// Version is the only protocol version spoken
const Version = "1.2"

// Client commands
const (
	CommandConnect     = "CONNECT"
	CommandStomp       = "STOMP"
	CommandSend        = "SEND"
	CommandSubscribe   = "SUBSCRIBE"
	CommandUnsubscribe = "UNSUBSCRIBE"
	CommandDisconnect  = "DISCONNECT"
)

// Server commands
const (
	CommandConnected = "CONNECTED"
	CommandMessage   = "MESSAGE"
	CommandReceipt   = "RECEIPT"
	CommandError     = "ERROR"
)

// Well-known headers
const (
	HeaderAcceptVersion = "accept-version"
	HeaderVersion       = "version"
	HeaderHost          = "host"
	HeaderHeartBeat     = "heart-beat"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderAck           = "ack"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderContentType   = "content-type"
	HeaderContentLength = "content-length"
	HeaderMessage       = "message"
	HeaderLogin         = "login"
	HeaderPasscode      = "passcode"
)

var (
	// ErrEmptyFrame is returned when decoding data that holds no frame
	ErrEmptyFrame = errors.New("empty frame")

	// ErrMissingNull is returned when a frame is not NUL terminated
	ErrMissingNull = errors.New("frame is not NUL terminated")
)

// Frame is a single STOMP frame. Repeated headers are not supported;
// the first occurrence wins when decoding.
type Frame struct {
	Command string
	Header  map[string]string
	Body    []byte
}

// New creates a frame with the given command and header pairs
func New(command string, kv ...string) *Frame {
	f := &Frame{Command: command, Header: make(map[string]string, len(kv)/2)}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Header[kv[i]] = kv[i+1]
	}
	return f
}

// Get returns a header value or ""
func (f *Frame) Get(key string) string {
	if f.Header == nil {
		return ""
	}
	return f.Header[key]
}

// Set sets a header value
func (f *Frame) Set(key, value string) {
	if f.Header == nil {
		f.Header = make(map[string]string)
	}
	f.Header[key] = value
}

// Encode renders the frame. Header order is deterministic.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	escape := f.Command != CommandConnect && f.Command != CommandConnected

	keys := make([]string, 0, len(f.Header))
	for k := range f.Header {
		if k == HeaderContentLength {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := f.Header[k]
		if escape {
			k, v = escapeHeader(k), escapeHeader(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if len(f.Body) > 0 {
		buf.WriteString(HeaderContentLength)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// IsHeartbeat reports whether data is only end-of-line keepalives
func IsHeartbeat(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	for _, b := range data {
		if b != '\n' && b != '\r' {
			return false
		}
	}
	return true
}

// Decode parses a single frame. Leading heartbeat EOLs are skipped.
func Decode(data []byte) (*Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}

	line, rest, ok := cutLine(data)
	if !ok {
		return nil, fmt.Errorf("failed to read command: %w", ErrMissingNull)
	}
	f := &Frame{Command: string(line), Header: make(map[string]string)}
	if f.Command == "" {
		return nil, fmt.Errorf("frame has no command")
	}
	unescape := f.Command != CommandConnect && f.Command != CommandConnected

	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return nil, fmt.Errorf("unterminated header block")
		}
		if len(line) == 0 {
			break
		}
		k, v, found := strings.Cut(string(line), ":")
		if !found {
			return nil, fmt.Errorf("malformed header %q", line)
		}
		if unescape {
			var err error
			if k, err = unescapeHeader(k); err != nil {
				return nil, err
			}
			if v, err = unescapeHeader(v); err != nil {
				return nil, err
			}
		}
		if _, exists := f.Header[k]; !exists {
			f.Header[k] = v
		}
	}

	if cl, ok := f.Header[HeaderContentLength]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid content-length %q", cl)
		}
		if len(rest) < n+1 || rest[n] != 0 {
			return nil, ErrMissingNull
		}
		f.Body = append([]byte(nil), rest[:n]...)
		return f, nil
	}

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return nil, ErrMissingNull
	}
	if end > 0 {
		f.Body = append([]byte(nil), rest[:end]...)
	}
	return f, nil
}

func cutLine(data []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, nil, false
	}
	line = data[:i]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, data[i+1:], true
}

var headerEscaper = strings.NewReplacer(
	"\\", "\\\\",
	"\r", "\\r",
	"\n", "\\n",
	":", "\\c",
)

func escapeHeader(s string) string {
	return headerEscaper.Replace(s)
}

func unescapeHeader(s string) (string, error) {
	if !strings.Contains(s, "\\") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+1 >= len(s) {
			return "", fmt.Errorf("dangling escape in header %q", s)
		}
		i++
		switch s[i] {
		case '\\':
			b.WriteByte('\\')
		case 'r':
			b.WriteByte('\r')
		case 'n':
			b.WriteByte('\n')
		case 'c':
			b.WriteByte(':')
		default:
			return "", fmt.Errorf("invalid escape \\%c in header", s[i])
		}
	}
	return b.String(), nil
}

// FormatHeartBeat renders a heart-beat header value
func FormatHeartBeat(send, receive time.Duration) string {
	return fmt.Sprintf("%d,%d", send.Milliseconds(), receive.Milliseconds())
}

// ParseHeartBeat parses a heart-beat header value. An empty value means
// no heartbeats in either direction.
func ParseHeartBeat(value string) (send, receive time.Duration, err error) {
	if value == "" {
		return 0, 0, nil
	}
	a, b, ok := strings.Cut(value, ",")
	if !ok {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", value)
	}
	x, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	if err != nil || x < 0 {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", value)
	}
	y, err := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err != nil || y < 0 {
		return 0, 0, fmt.Errorf("invalid heart-beat %q", value)
	}
	return time.Duration(x) * time.Millisecond, time.Duration(y) * time.Millisecond, nil
}

// Negotiate computes the interval at which one side must send heartbeats
// given what it offers to send and what the peer wants to receive.
// Zero on either side disables that direction.
func Negotiate(offer, want time.Duration) time.Duration {
	if offer == 0 || want == 0 {
		return 0
	}
	if offer > want {
		return offer
	}
	return want
}
