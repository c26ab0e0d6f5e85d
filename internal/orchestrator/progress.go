package orchestrator

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/joss/litbatch/internal/session"
)

// Progress is a point-in-time summary of a session.
type Progress struct {
	SessionID   string
	Status      session.Status
	TotalShards int
	Completed   int
	Failed      int
	Errored     int
	Running     int
	Pending     int
	TotalItems  int
	ItemsDone   int

	// Percent counts every finished shard, successful or not.
	Percent          float64
	Elapsed          time.Duration
	AvgShardDuration time.Duration
	ETA              time.Duration
	ETAKnown         bool
	// Throughput is completed items per second since the session was created.
	Throughput float64
}

// Finished reports whether every shard has finished.
func (p Progress) Finished() bool {
	return p.TotalShards > 0 && p.Completed+p.Failed+p.Errored == p.TotalShards
}

// ComputeProgress derives a Progress from a session snapshot.
func ComputeProgress(sess *session.Session, now time.Time) Progress {
	p := Progress{
		SessionID:   sess.ID,
		Status:      sess.Status,
		TotalShards: len(sess.Shards),
		TotalItems:  sess.TotalItems,
	}

	var total time.Duration
	for _, sh := range sess.Shards {
		switch sh.Status {
		case session.ShardCompleted:
			p.Completed++
			p.ItemsDone += sh.ItemCount
			if d := sh.Duration(); d > 0 {
				total += d
			}
		case session.ShardFailed:
			p.Failed++
		case session.ShardError:
			p.Errored++
		case session.ShardRunning:
			p.Running++
		default:
			p.Pending++
		}
	}

	if p.TotalShards > 0 {
		p.Percent = float64(p.Completed+p.Failed+p.Errored) / float64(p.TotalShards) * 100
	}
	if !sess.CreatedAt.IsZero() && now.After(sess.CreatedAt) {
		p.Elapsed = now.Sub(sess.CreatedAt)
	}
	if p.Completed > 0 {
		p.AvgShardDuration = total / time.Duration(p.Completed)
		remaining := p.Running + p.Pending
		p.ETA = p.AvgShardDuration * time.Duration(remaining)
		p.ETAKnown = true
	}
	if secs := p.Elapsed.Seconds(); secs > 0 {
		p.Throughput = float64(p.ItemsDone) / secs
	}
	return p
}

// RenderFunc writes one progress update.
type RenderFunc func(w io.Writer, p Progress)

// PlainRender writes a single status line.
func PlainRender(w io.Writer, p Progress) {
	eta := "unknown"
	if p.ETAKnown {
		eta = p.ETA.Round(time.Second).String()
	}
	fmt.Fprintf(w, "[%5.1f%%] %d/%d shards done (%d failed, %d error, %d running) eta %s\n",
		p.Percent, p.Completed+p.Failed+p.Errored, p.TotalShards, p.Failed, p.Errored, p.Running, eta)
}

// Reporter renders progress for an in-process run on every pool event and on
// a fixed tick.
type Reporter struct {
	out      io.Writer
	interval time.Duration
	render   RenderFunc
	now      func() time.Time
}

// NewReporter creates a reporter. A nil render uses PlainRender.
func NewReporter(out io.Writer, interval time.Duration, render RenderFunc) *Reporter {
	if render == nil {
		render = PlainRender
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reporter{out: out, interval: interval, render: render, now: time.Now}
}

// Run renders until ctx is done, events is closed, or a session_finished
// event arrives. snapshot returns the current session or nil.
func (r *Reporter) Run(ctx context.Context, events <-chan Event, snapshot func() *session.Session) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	emit := func() {
		if sess := snapshot(); sess != nil {
			r.render(r.out, ComputeProgress(sess, r.now()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Kind == EventShardStarted {
				continue
			}
			emit()
			if e.Kind == EventSessionFinished || e.Kind == EventSessionInterrupted {
				return
			}
		case <-ticker.C:
			emit()
		}
	}
}
