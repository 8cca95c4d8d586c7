package tasks

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_OnePerKey(t *testing.T) {
	g := New(context.Background())
	defer g.Close()
	release := make(chan struct{})
	require.True(t, g.Go("start:a", func(ctx context.Context) { <-release }))
	assert.False(t, g.Go("start:a", func(ctx context.Context) {}))
	assert.True(t, g.Running("start:a"))
	close(release)
	require.NoError(t, g.Wait(context.Background()))
	assert.False(t, g.Running("start:a"))
	assert.True(t, g.Go("start:a", func(ctx context.Context) {}))
}

func TestCancel_FreesKeyImmediately(t *testing.T) {
	g := New(context.Background())
	defer g.Close()
	var cancelled atomic.Bool
	unwind := make(chan struct{})
	g.Go("disconnect:a", func(ctx context.Context) {
		<-ctx.Done()
		cancelled.Store(true)
		<-unwind
	})
	assert.True(t, g.Cancel("disconnect:a"))
	assert.False(t, g.Cancel("disconnect:a"))
	assert.False(t, g.Running("disconnect:a"))
	// a new task may take the key while the old one unwinds
	assert.True(t, g.Go("disconnect:a", func(ctx context.Context) {}))
	close(unwind)
	require.NoError(t, g.Wait(context.Background()))
	assert.True(t, cancelled.Load())
}

func TestCancelPrefixAndKeys(t *testing.T) {
	g := New(context.Background())
	defer g.Close()
	block := func(ctx context.Context) { <-ctx.Done() }
	g.Go("disconnect:b", block)
	g.Go("disconnect:a", block)
	g.Go("start:a", block)
	assert.Equal(t, []string{"disconnect:a", "disconnect:b"}, g.Keys("disconnect:"))
	assert.Equal(t, 2, g.CancelPrefix("disconnect:"))
	assert.Equal(t, []string{"start:a"}, g.Keys(""))
}

func TestWait_Timeout(t *testing.T) {
	g := New(context.Background())
	g.Go("x", func(ctx context.Context) { <-ctx.Done() })
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
	g.Close()
	assert.NoError(t, g.Wait(context.Background()))
	assert.False(t, g.Go("y", func(ctx context.Context) {}))
}

func TestParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	g := New(parent)
	g.Go("x", func(ctx context.Context) { <-ctx.Done() })
	cancel()
	assert.NoError(t, g.Wait(context.Background()))
}
