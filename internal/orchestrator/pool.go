package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/joss/litbatch/internal/artifact"
	"github.com/joss/litbatch/internal/logging"
	"github.com/joss/litbatch/internal/metrics"
	"github.com/joss/litbatch/internal/session"
)

// ErrInterrupted is returned by Run when the context is cancelled before
// every shard has finished.
var ErrInterrupted = errors.New("run interrupted")

// ShardTask is the input handed to a worker.
type ShardTask struct {
	Shard      session.Shard
	OutputPath string
}

// ShardOutcome is what a worker reports back. A worker signals a crash by
// returning an error (or panicking) instead.
type ShardOutcome struct {
	ShardID        int    `json:"shard_id"`
	Success        bool   `json:"success"`
	ProcessedCount int    `json:"processed_count"`
	Error          string `json:"error,omitempty"`
}

// ProcessShardFunc processes every item of one shard and writes the shard
// artifact to task.OutputPath.
type ProcessShardFunc func(ctx context.Context, task ShardTask) (ShardOutcome, error)

// Options tunes a Pool.
type Options struct {
	// Concurrency bounds in-flight workers. Zero means the session's worker count.
	Concurrency int
	// LaunchDelay is a fixed pause between consecutive launches.
	LaunchDelay time.Duration
	// GracePeriod is how long in-flight workers may keep running after the
	// run context is cancelled.
	GracePeriod time.Duration
}

// DefaultGracePeriod applies when Options.GracePeriod is zero.
const DefaultGracePeriod = 30 * time.Second

// Pool executes shards with bounded concurrency.
type Pool struct {
	store   *session.Store
	fn      ProcessShardFunc
	opts    Options
	log     *logging.Logger
	metrics *metrics.Metrics
	events  *Broadcaster
	current atomic.Pointer[ledger]
}

// NewPool creates a pool that checkpoints to store and runs fn per shard.
func NewPool(store *session.Store, fn ProcessShardFunc, opts Options) *Pool {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Pool{
		store:   store,
		fn:      fn,
		opts:    opts,
		log:     logging.New("pool"),
		metrics: metrics.Global(),
		events:  NewBroadcaster(),
	}
}

// WithMetrics replaces the metrics sink.
func (p *Pool) WithMetrics(m *metrics.Metrics) *Pool {
	p.metrics = m
	return p
}

// Events returns the broadcaster that receives every persisted transition.
func (p *Pool) Events() *Broadcaster {
	return p.events
}

// Snapshot returns a copy of the session being run, or nil when idle.
func (p *Pool) Snapshot() *session.Session {
	if l := p.current.Load(); l != nil {
		return l.snapshot()
	}
	return nil
}

// Run executes the given shards of sess, in shard_id order, and returns the
// final session state. Shards already completed or not part of sess are
// skipped. sess itself is not modified.
func (p *Pool) Run(ctx context.Context, sess *session.Session, pending []session.Shard) (*session.Session, error) {
	if sess == nil {
		return nil, fmt.Errorf("%w: nil session", ErrInvalidArgument)
	}
	if p.fn == nil {
		return nil, fmt.Errorf("%w: nil shard function", ErrInvalidArgument)
	}

	log := p.log.WithSession(sess.ID)
	led := newLedger(sess.Clone(), p.store, log, p.metrics, p.events)
	p.current.Store(led)
	defer p.current.Store(nil)

	ids := launchOrder(pending)
	concurrency := p.opts.Concurrency
	if concurrency <= 0 {
		concurrency = sess.WorkerCount
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	start := time.Now()
	log.Info("run_started", map[string]interface{}{
		"shards":      len(ids),
		"concurrency": concurrency,
	})

	// Workers get a context that survives ctx so in-flight shards can use
	// the grace period; kill ends it.
	workCtx, kill := context.WithCancel(context.WithoutCancel(ctx))
	defer kill()

	sem := semaphore.NewWeighted(int64(concurrency))
	var wg sync.WaitGroup
	interrupted := false

launch:
	for i, id := range ids {
		if i > 0 && p.opts.LaunchDelay > 0 {
			select {
			case <-ctx.Done():
				interrupted = true
				break launch
			case <-time.After(p.opts.LaunchDelay):
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			interrupted = true
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			interrupted = true
			break
		}

		attempt := logging.NewAttemptID()
		shard, ok := led.begin(id, attempt)
		if !ok {
			sem.Release(1)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			p.runShard(logging.WithAttemptID(workCtx, attempt), led, shard, log)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	if !interrupted {
		select {
		case <-done:
		case <-ctx.Done():
			interrupted = true
		}
	}

	if interrupted {
		log.Warn("run_interrupted", map[string]interface{}{
			"grace_period": p.opts.GracePeriod.String(),
		}, ctx.Err())

		grace := time.NewTimer(p.opts.GracePeriod)
		select {
		case <-done:
		case <-grace.C:
		}
		grace.Stop()

		// Abandon before killing so outcomes from killed workers are dropped.
		if ids := led.abandonRunning(); len(ids) > 0 {
			log.Warn("shards_abandoned", map[string]interface{}{"shards": ids}, nil)
		}
		kill()
	}

	finished := led.finalize()
	if interrupted && !finished {
		led.interrupt()
	}
	final := led.snapshot()
	counts := final.Counts()
	log.TimedEvent("run_finished", start, map[string]interface{}{
		"status":    string(final.Status),
		"completed": counts[session.ShardCompleted],
		"failed":    counts[session.ShardFailed],
		"error":     counts[session.ShardError],
		"pending":   counts[session.ShardPending],
	})

	if interrupted && !finished {
		return final, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())
	}
	return final, nil
}

// launchOrder returns the distinct shard ids of pending in ascending order.
func launchOrder(pending []session.Shard) []int {
	seen := make(map[int]bool, len(pending))
	ids := make([]int, 0, len(pending))
	for _, sh := range pending {
		if seen[sh.ID] {
			continue
		}
		seen[sh.ID] = true
		ids = append(ids, sh.ID)
	}
	sort.Ints(ids)
	return ids
}

func (p *Pool) runShard(ctx context.Context, led *ledger, shard session.Shard, log *logging.Logger) {
	log = log.WithShard(shard.ID).FromContext(ctx)
	task := ShardTask{Shard: shard, OutputPath: led.artifactPath(shard.ID)}

	reported := false
	defer func() {
		if !reported {
			led.finish(shard.ID, transition{
				status: session.ShardError,
				errMsg: "worker exited without reporting an outcome",
			})
		}
	}()

	log.Debug("shard_started", map[string]interface{}{
		"items":  shard.ItemCount,
		"output": task.OutputPath,
	})

	var outcome ShardOutcome
	err := logging.NewRecoveryHandler("worker").WithLogger(log).WrapError(func() error {
		var err error
		outcome, err = p.fn(ctx, task)
		return err
	})

	t := classify(task, outcome, err)
	if led.finish(shard.ID, t) {
		fields := map[string]interface{}{
			"status":    string(t.status),
			"processed": t.processed,
		}
		if t.status == session.ShardCompleted {
			log.Info("shard_finished", fields)
		} else {
			log.Warn("shard_finished", fields, errors.New(t.errMsg))
		}
	} else {
		log.Debug("late_outcome_ignored", map[string]interface{}{"status": string(t.status)})
	}
	reported = true
}

// classify maps a worker result onto a terminal shard transition.
func classify(task ShardTask, outcome ShardOutcome, err error) transition {
	var perr *logging.PanicError
	switch {
	case errors.As(err, &perr):
		return transition{status: session.ShardError, errMsg: fmt.Sprintf("worker crashed: %v", perr.Value)}
	case err != nil:
		return transition{status: session.ShardError, errMsg: err.Error()}
	case outcome.ShardID != 0 && outcome.ShardID != task.Shard.ID:
		return transition{
			status: session.ShardError,
			errMsg: fmt.Sprintf("worker reported outcome for shard %d", outcome.ShardID),
		}
	case !outcome.Success:
		msg := outcome.Error
		if msg == "" {
			msg = "worker reported failure"
		}
		return transition{status: session.ShardFailed, errMsg: msg, processed: outcome.ProcessedCount}
	case !artifact.Exists(task.OutputPath):
		return transition{
			status:    session.ShardFailed,
			errMsg:    "output artifact missing or empty",
			processed: outcome.ProcessedCount,
		}
	}
	return transition{
		status:    session.ShardCompleted,
		outputRef: task.OutputPath,
		processed: outcome.ProcessedCount,
	}
}
