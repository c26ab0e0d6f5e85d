package orchestrator

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joss/litbatch/internal/session"
)

func TestMonitorStopsWhenSessionFinishes(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newTestStore(t)
	sess := prepareSession(t, store, 4, 2)

	var mu sync.Mutex
	var updates []Progress

	go func() {
		time.Sleep(40 * time.Millisecond)
		for i := range sess.Shards {
			sess.Shards[i].Status = session.ShardCompleted
		}
		sess.Finalize()
		_ = store.Save(sess)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := NewMonitor(store, sess.ID, 10*time.Millisecond).Run(ctx, func(s *session.Session, p Progress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.NoError(t, ctx.Err(), "monitor should stop on its own")

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(updates), 2)
	assert.Equal(t, session.StatusRunning, updates[0].Status)
	last := updates[len(updates)-1]
	assert.Equal(t, session.StatusCompleted, last.Status)
	assert.True(t, last.Finished())
}

func TestMonitorSkipsUnreadableCheckpoint(t *testing.T) {
	store := newTestStore(t)
	sess := prepareSession(t, store, 2, 1)
	require.NoError(t, os.WriteFile(store.Path(sess.ID), []byte(`{"session_id": "`), 0644))

	go func() {
		time.Sleep(40 * time.Millisecond)
		sess.Shards[0].Status = session.ShardCompleted
		sess.Finalize()
		_ = store.Save(sess)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := 0
	err := NewMonitor(store, sess.ID, 10*time.Millisecond).Run(ctx, func(s *session.Session, p Progress) {
		calls++
		assert.Equal(t, session.StatusCompleted, s.Status)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestMonitorStopsOnInterruptedSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := newTestStore(t)
	sess := prepareSession(t, store, 4, 2)
	sess.Status = session.StatusInterrupted
	require.NoError(t, store.Save(sess))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := 0
	err := NewMonitor(store, sess.ID, 10*time.Millisecond).Run(ctx, func(s *session.Session, p Progress) {
		calls++
		assert.Equal(t, session.StatusInterrupted, p.Status)
	})
	require.NoError(t, err)
	require.NoError(t, ctx.Err())
	assert.Equal(t, 1, calls)
}

func TestMonitorUnknownSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	store := newTestStore(t)
	err := NewMonitor(store, "missing", 10*time.Millisecond).Run(context.Background(), func(*session.Session, Progress) {
		t.Fatal("no update expected")
	})
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestMonitorFollowRunsUntilCancelled(t *testing.T) {
	store := newTestStore(t)
	sess := prepareSession(t, store, 2, 1)
	sess.Shards[0].Status = session.ShardCompleted
	sess.Finalize()
	require.NoError(t, store.Save(sess))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	calls := 0
	err := NewMonitor(store, sess.ID, 10*time.Millisecond).Follow(true).Run(ctx, func(*session.Session, Progress) {
		calls++
	})
	require.NoError(t, err)
	assert.Greater(t, calls, 1)
}
