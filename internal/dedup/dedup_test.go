package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFingerprintIsStable(t *testing.T) {
	ts := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	a := Fingerprint(1, ts, "bonjour")
	b := Fingerprint(1, ts, "bonjour")
	assert.Equal(t, a, b)
	assert.Contains(t, a, "fp-")

	assert.NotEqual(t, a, Fingerprint(2, ts, "bonjour"))
	assert.NotEqual(t, a, Fingerprint(1, ts.Add(time.Millisecond), "bonjour"))
	assert.NotEqual(t, a, Fingerprint(1, ts, "bonjour!"))
}

func TestFingerprintSeparatesFields(t *testing.T) {
	ts := time.UnixMilli(0)
	// "1" + "23" must not collide with "12" + "3"
	assert.NotEqual(t, Fingerprint(1, ts, "23"), Fingerprint(12, ts, "3"))
}

func TestDeliveryKey(t *testing.T) {
	a := DeliveryKey(1, "m-1", "ok")
	assert.Equal(t, a, DeliveryKey(1, "m-1", "ok"))
	assert.Contains(t, a, "dk-")

	assert.NotEqual(t, a, DeliveryKey(1, "m-2", "ok"))
	assert.NotEqual(t, a, Fingerprint(1, time.Time{}, "ok"))
}

func TestSet(t *testing.T) {
	s := NewSet()

	assert.True(t, s.Add("4"))
	assert.False(t, s.Add("4"))
	assert.True(t, s.Contains("4"))
	assert.False(t, s.Contains("5"))
	assert.Equal(t, 1, s.Len())

	s.Reset()
	assert.Equal(t, 0, s.Len())
	assert.True(t, s.Add("4"))
}
