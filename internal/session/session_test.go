package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ids(messages []Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestInsertByTime(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		existing []Message
		insert   Message
		want     []string
	}{
		{
			name:   "empty transcript",
			insert: Message{ID: "a", Timestamp: base},
			want:   []string{"a"},
		},
		{
			name: "append at tail",
			existing: []Message{
				{ID: "a", Timestamp: base},
			},
			insert: Message{ID: "b", Timestamp: base.Add(time.Second)},
			want:   []string{"a", "b"},
		},
		{
			name: "insert before later message",
			existing: []Message{
				{ID: "a", Timestamp: base},
				{ID: "c", Timestamp: base.Add(2 * time.Second)},
			},
			insert: Message{ID: "b", Timestamp: base.Add(time.Second)},
			want:   []string{"a", "b", "c"},
		},
		{
			name: "insert at head",
			existing: []Message{
				{ID: "b", Timestamp: base.Add(time.Second)},
			},
			insert: Message{ID: "a", Timestamp: base},
			want:   []string{"a", "b"},
		},
		{
			name: "equal timestamp goes after existing",
			existing: []Message{
				{ID: "a", Timestamp: base},
				{ID: "c", Timestamp: base.Add(time.Second)},
			},
			insert: Message{ID: "b", Timestamp: base},
			want:   []string{"a", "b", "c"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InsertByTime(append([]Message(nil), tt.existing...), tt.insert)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func TestSortByTimeIsStable(t *testing.T) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	messages := []Message{
		{ID: "3", Timestamp: base.Add(2 * time.Minute)},
		{ID: "1", Timestamp: base},
		{ID: "2a", Timestamp: base.Add(time.Minute)},
		{ID: "2b", Timestamp: base.Add(time.Minute)},
	}

	SortByTime(messages)

	assert.Equal(t, []string{"1", "2a", "2b", "3"}, ids(messages))
}

func TestStateLast(t *testing.T) {
	var empty State
	_, ok := empty.Last()
	assert.False(t, ok)

	st := State{Transcript: []Message{{ID: "1"}, {ID: "2"}}}
	last, ok := st.Last()
	assert.True(t, ok)
	assert.Equal(t, "2", last.ID)
}
