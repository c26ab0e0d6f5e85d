package orchestrator

import (
	"sync"
	"time"

	"github.com/joss/litbatch/internal/logging"
	"github.com/joss/litbatch/internal/metrics"
	"github.com/joss/litbatch/internal/session"
)

// ledger owns the in-memory Session for one pool run. Every transition is
// applied and persisted under mu, so concurrent completions never interleave
// a read-modify-write.
type ledger struct {
	mu        sync.Mutex
	sess      *session.Session
	store     *session.Store
	log       *logging.Logger
	metrics   *metrics.Metrics
	events    *Broadcaster
	attempts  map[int]string
	abandoned map[int]bool
}

func newLedger(sess *session.Session, store *session.Store, log *logging.Logger, m *metrics.Metrics, events *Broadcaster) *ledger {
	return &ledger{
		sess:      sess,
		store:     store,
		log:       log,
		metrics:   m,
		events:    events,
		attempts:  make(map[int]string),
		abandoned: make(map[int]bool),
	}
}

// begin marks shard id running. It refuses shards that are unknown, already
// running or completed.
func (l *ledger) begin(id int, attempt string) (session.Shard, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sh := l.sess.Shard(id)
	if sh == nil || sh.Status == session.ShardRunning || sh.Status == session.ShardCompleted {
		return session.Shard{}, false
	}

	now := time.Now().UTC()
	sh.Status = session.ShardRunning
	sh.StartedAt = &now
	sh.EndedAt = nil
	sh.OutputRef = ""
	sh.ErrorMessage = ""
	sh.ProcessedCount = 0
	sh.Attempts++
	l.sess.Status = session.StatusRunning
	l.attempts[id] = attempt
	delete(l.abandoned, id)

	l.persistLocked()
	if l.metrics != nil {
		l.metrics.RecordShardStart()
	}
	l.publish(Event{Kind: EventShardStarted, ShardID: id, Status: sh.Status, AttemptID: attempt, At: now})
	return sh.Clone(), true
}

type transition struct {
	status    session.ShardStatus
	outputRef string
	errMsg    string
	processed int
}

// finish records the terminal outcome of shard id. Outcomes for shards that
// are no longer running, or were abandoned after a forced stop, are dropped.
func (l *ledger) finish(id int, t transition) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	sh := l.sess.Shard(id)
	if sh == nil || sh.Status != session.ShardRunning || l.abandoned[id] {
		return false
	}

	now := time.Now().UTC()
	sh.Status = t.status
	sh.EndedAt = &now
	sh.ErrorMessage = t.errMsg
	sh.ProcessedCount = t.processed
	if t.status == session.ShardCompleted {
		sh.OutputRef = t.outputRef
	}

	l.persistLocked()
	if l.metrics != nil {
		l.metrics.RecordShardEnd(string(t.status), sh.Duration().Milliseconds())
	}
	l.publish(Event{
		Kind:           EventShardFinished,
		ShardID:        id,
		Status:         sh.Status,
		AttemptID:      l.attempts[id],
		ProcessedCount: sh.ProcessedCount,
		Duration:       sh.Duration(),
		Err:            sh.ErrorMessage,
		At:             now,
	})
	return true
}

// abandonRunning resets every running shard to pending after a forced stop
// and returns their ids.
func (l *ledger) abandonRunning() []int {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []int
	now := time.Now().UTC()
	for i := range l.sess.Shards {
		sh := &l.sess.Shards[i]
		if sh.Status != session.ShardRunning {
			continue
		}
		var dur time.Duration
		if sh.StartedAt != nil {
			dur = now.Sub(*sh.StartedAt)
		}
		sh.Status = session.ShardPending
		sh.EndedAt = nil
		sh.OutputRef = ""
		sh.ErrorMessage = "interrupted"
		l.abandoned[sh.ID] = true
		ids = append(ids, sh.ID)

		if l.metrics != nil {
			l.metrics.RecordShardEnd(string(session.ShardPending), dur.Milliseconds())
		}
		l.publish(Event{
			Kind:      EventShardInterrupted,
			ShardID:   sh.ID,
			Status:    sh.Status,
			AttemptID: l.attempts[sh.ID],
			Duration:  dur,
			Err:       sh.ErrorMessage,
			At:        now,
		})
	}
	if len(ids) > 0 {
		l.persistLocked()
	}
	return ids
}

// finalize sets the session status once every shard is terminal.
func (l *ledger) finalize() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.sess.Finalize() {
		return false
	}
	l.persistLocked()
	l.publish(Event{Kind: EventSessionFinished, Status: session.ShardStatus(l.sess.Status), At: time.Now().UTC()})
	return true
}

// interrupt marks a session that stopped with unfinished shards.
func (l *ledger) interrupt() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sess.Status = session.StatusInterrupted
	l.persistLocked()
	l.publish(Event{Kind: EventSessionInterrupted, Status: session.ShardStatus(l.sess.Status), At: time.Now().UTC()})
}

func (l *ledger) snapshot() *session.Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess.Clone()
}

func (l *ledger) artifactPath(id int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess.ArtifactPath(id)
}

// persistLocked saves the session. Failures are logged and counted but never
// stop the run.
func (l *ledger) persistLocked() {
	l.sess.UpdatedAt = time.Now().UTC()
	err := l.store.Save(l.sess)
	if l.metrics != nil {
		l.metrics.RecordCheckpoint(err == nil)
	}
	if err != nil {
		l.log.Warn("checkpoint_save_failed", map[string]interface{}{
			"path": l.store.Path(l.sess.ID),
		}, err)
	}
}

func (l *ledger) publish(e Event) {
	if l.events == nil {
		return
	}
	e.SessionID = l.sess.ID
	if missed := l.events.Publish(e); missed > 0 {
		if l.metrics != nil {
			l.metrics.RecordEventsDropped(missed)
		}
		l.log.Debug("events_dropped", map[string]interface{}{
			"event":       string(e.Kind),
			"shard":       e.ShardID,
			"subscribers": missed,
		})
	}
}
