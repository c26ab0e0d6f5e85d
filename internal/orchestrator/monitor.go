package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joss/litbatch/internal/logging"
	"github.com/joss/litbatch/internal/session"
)

// DefaultUpdateInterval is the monitor poll interval when none is set.
const DefaultUpdateInterval = 5 * time.Second

// Monitor follows a session from another process by re-reading its
// checkpoint. It polls at a fixed interval and also wakes when the
// checkpoint file is rewritten.
type Monitor struct {
	store    *session.Store
	id       string
	interval time.Duration
	follow   bool
	log      *logging.Logger
}

// NewMonitor creates a monitor for session id.
func NewMonitor(store *session.Store, id string, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultUpdateInterval
	}
	return &Monitor{
		store:    store,
		id:       id,
		interval: interval,
		log:      logging.New("monitor").WithSession(id),
	}
}

// Follow keeps the monitor running after the session has finished.
func (m *Monitor) Follow(follow bool) *Monitor {
	m.follow = follow
	return m
}

// Run calls onUpdate with each fresh snapshot until ctx is done or the
// session finishes. A checkpoint caught mid-write is skipped for that tick.
func (m *Monitor) Run(ctx context.Context, onUpdate func(*session.Session, Progress)) error {
	wake, stop := m.watch(ctx)
	defer stop()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	seen := false
	for {
		sess, err := m.store.Load(m.id)
		switch {
		case err == nil:
			seen = true
			onUpdate(sess, ComputeProgress(sess, time.Now()))
			if sess.Status != session.StatusRunning && !m.follow {
				return nil
			}
		case errors.Is(err, session.ErrCorrupt):
			m.log.Debug("checkpoint_unreadable", map[string]interface{}{"error": err.Error()})
		case errors.Is(err, session.ErrNotFound) && !seen:
			return err
		default:
			m.log.Warn("checkpoint_load_failed", nil, err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// watch returns a channel signalled when the checkpoint changes and a stop
// function that closes the watcher and waits for it. If the watcher cannot
// start the channel never fires and polling alone applies.
func (m *Monitor) watch(ctx context.Context) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.log.Warn("watcher_unavailable", nil, err)
		return wake, func() {}
	}
	if err := watcher.Add(m.store.Dir()); err != nil {
		watcher.Close()
		m.log.Warn("watcher_unavailable", map[string]interface{}{"dir": m.store.Dir()}, fmt.Errorf("watch: %w", err))
		return wake, func() {}
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	target := filepath.Base(m.store.Path(m.id))
	go func() {
		defer close(done)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target || ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.Debug("watcher_error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return wake, func() {
		cancel()
		<-done
	}
}
