package dedup

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Fingerprint derives a stable id for a message that arrived without one.
// Redelivered copies of the same frame produce the same fingerprint. Two
// messages with the same origin, text and timestamp are indistinguishable,
// which makes a zero timestamp a poor key; see DeliveryKey.
func Fingerprint(origin int64, timestamp time.Time, text string) string {
	return "fp-" + digest(strconv.FormatInt(origin, 10), strconv.FormatInt(timestamp.UnixMilli(), 10), text)
}

// DeliveryKey derives an id from the broker's message-id header for a
// message that carries neither an id nor a timestamp.
func DeliveryKey(origin int64, messageID, text string) string {
	return "dk-" + digest(strconv.FormatInt(origin, 10), messageID, text)
}

func digest(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:16])
}

// Set records message ids that have already been appended
type Set struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// NewSet creates an empty set
func NewSet() *Set {
	return &Set{seen: make(map[string]time.Time)}
}

// Add records id and reports whether it was new.
func (s *Set) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = time.Now()
	return true
}

// Contains reports whether id has been recorded
func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Len returns the number of recorded ids
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Reset forgets every recorded id
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = make(map[string]time.Time)
}
