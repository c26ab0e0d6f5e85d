package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/joss/litbatch/internal/artifact"
	"github.com/joss/litbatch/internal/logging"
	"github.com/joss/litbatch/internal/metrics"
	"github.com/joss/litbatch/internal/session"
)

// ResumeOptions adjusts how a session is reconciled before it is resumed.
type ResumeOptions struct {
	// CurrentDigest is the digest of the input list as discovered now. When
	// set and different from the checkpoint's, a drift warning is logged.
	// Shards always run on the item lists stored in the checkpoint.
	CurrentDigest string
}

// ResumePlan is the outcome of reconciling a checkpoint with the artifacts
// on disk.
type ResumePlan struct {
	Session    *session.Session
	Pending    []session.Shard
	Promoted   []int
	Reset      []int
	InputDrift bool
}

// Resumer continues interrupted sessions.
type Resumer struct {
	store   *session.Store
	pool    *Pool
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewResumer creates a resumer that runs remaining shards on pool.
func NewResumer(store *session.Store, pool *Pool) *Resumer {
	return &Resumer{
		store:   store,
		pool:    pool,
		log:     logging.New("resume"),
		metrics: metrics.Global(),
	}
}

// WithMetrics replaces the metrics sink.
func (r *Resumer) WithMetrics(m *metrics.Metrics) *Resumer {
	r.metrics = m
	return r
}

// Reconcile loads session id and brings every shard status in line with the
// artifacts on disk, then saves the result. A non-completed shard whose
// artifact holds exactly item_count records is promoted to completed; every
// other non-completed shard, and any completed shard whose artifact is gone,
// is reset to pending. A completed session is returned untouched.
func (r *Resumer) Reconcile(id string, opts ResumeOptions) (*ResumePlan, error) {
	sess, err := r.store.Load(id)
	if err != nil {
		return nil, err
	}
	plan := &ResumePlan{Session: sess}
	if sess.Status == session.StatusCompleted {
		return plan, nil
	}

	log := r.log.WithSession(sess.ID)
	if opts.CurrentDigest != "" && sess.InputDigest != "" && opts.CurrentDigest != sess.InputDigest {
		plan.InputDrift = true
		log.Warn("input_drift", map[string]interface{}{
			"checkpoint_digest": sess.InputDigest,
			"current_digest":    opts.CurrentDigest,
		}, nil)
	}

	now := time.Now().UTC()
	for i := range sess.Shards {
		sh := &sess.Shards[i]
		path := sess.ArtifactPath(sh.ID)

		if sh.Status == session.ShardCompleted {
			ref := sh.OutputRef
			if ref == "" {
				ref = path
			}
			if artifact.Exists(ref) {
				continue
			}
			log.WithShard(sh.ID).Warn("completed_output_missing", map[string]interface{}{"path": ref}, nil)
			resetShard(sh, "output artifact missing")
			plan.Reset = append(plan.Reset, sh.ID)
			plan.Pending = append(plan.Pending, sh.Clone())
			continue
		}

		if err := artifact.Verify(path, sh.ItemCount); err == nil {
			sh.Status = session.ShardCompleted
			sh.OutputRef = path
			sh.ErrorMessage = ""
			sh.ProcessedCount = sh.ItemCount
			if sh.EndedAt == nil {
				sh.EndedAt = &now
			}
			plan.Promoted = append(plan.Promoted, sh.ID)
			if r.metrics != nil {
				r.metrics.RecordPromotion()
			}
			log.WithShard(sh.ID).Info("shard_promoted", map[string]interface{}{"path": path})
			continue
		}

		if sh.Status != session.ShardPending {
			plan.Reset = append(plan.Reset, sh.ID)
		}
		resetShard(sh, sh.ErrorMessage)
		plan.Pending = append(plan.Pending, sh.Clone())
	}

	if len(plan.Pending) > 0 {
		sess.Status = session.StatusRunning
	} else {
		sess.Finalize()
	}
	sess.UpdatedAt = now
	if err := r.store.Save(sess); err != nil {
		if r.metrics != nil {
			r.metrics.RecordCheckpoint(false)
		}
		log.Warn("checkpoint_save_failed", nil, err)
	} else if r.metrics != nil {
		r.metrics.RecordCheckpoint(true)
	}

	log.Info("reconciled", map[string]interface{}{
		"pending":  len(plan.Pending),
		"promoted": len(plan.Promoted),
		"reset":    len(plan.Reset),
	})
	return plan, nil
}

// Run executes the pending shards of a reconciled plan.
func (r *Resumer) Run(ctx context.Context, plan *ResumePlan) (*session.Session, error) {
	if len(plan.Pending) == 0 {
		return plan.Session, nil
	}
	if r.pool == nil {
		return plan.Session, fmt.Errorf("%w: resumer has no pool", ErrInvalidArgument)
	}
	return r.pool.Run(ctx, plan.Session, plan.Pending)
}

// Resume reconciles session id and runs whatever is left. Resuming a
// completed session, or one whose every shard already finished, does no work.
func (r *Resumer) Resume(ctx context.Context, id string, opts ResumeOptions) (*session.Session, error) {
	plan, err := r.Reconcile(id, opts)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, plan)
}

func resetShard(sh *session.Shard, msg string) {
	sh.Status = session.ShardPending
	sh.StartedAt = nil
	sh.EndedAt = nil
	sh.OutputRef = ""
	sh.ErrorMessage = msg
	sh.ProcessedCount = 0
}
