package history

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func (m *memSink) Close() error { m.closed = true; return nil }

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("down")}
	m := Multi{a, b}
	err := m.Send(context.Background(), Event{Type: EventStarted})
	assert.Error(t, err)
	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
	assert.NoError(t, m.Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestRecordHelpers(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	r := Record{StartedAt: start, Tags: []string{"music", "late"}, Counts: Counts{Comments: 2, Likes: 5}}
	assert.Zero(t, r.Duration())
	r.StoppedAt = start.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, r.Duration())
	assert.Equal(t, "music,late", r.TagString())
	assert.Equal(t, int64(7), r.Counts.Total())
}
