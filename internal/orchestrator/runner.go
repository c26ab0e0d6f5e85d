package orchestrator

import (
	"context"
	"fmt"
	"os"

	"github.com/joss/litbatch/internal/logging"
	"github.com/joss/litbatch/internal/session"
)

// StartRequest describes a new session.
type StartRequest struct {
	Pipeline    string
	Items       []string
	WorkerCount int
	TempRoot    string
	// Input records how Items were discovered; optional.
	Input       session.InputSource
	InputDigest string
}

// Prepare plans a new session over req.Items, creates its working directory
// and writes the initial checkpoint. Nothing runs yet.
func Prepare(store *session.Store, req StartRequest) (*session.Session, error) {
	shards, err := Plan(len(req.Items), req.WorkerCount)
	if err != nil {
		return nil, err
	}
	if err := AssignItems(shards, req.Items); err != nil {
		return nil, err
	}

	sess := session.New(req.Pipeline, req.TempRoot, len(req.Items), req.WorkerCount, shards)
	if loc := req.Input.Location(); loc != "" {
		in := req.Input
		sess.Input = &in
		sess.InputRoot = loc
	}
	sess.InputDigest = req.InputDigest

	if err := os.MkdirAll(sess.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}
	if err := store.Save(sess); err != nil {
		return nil, fmt.Errorf("write initial checkpoint: %w", err)
	}

	logging.New("runner").WithSession(sess.ID).Info("session_created", map[string]interface{}{
		"items":    sess.TotalItems,
		"workers":  sess.WorkerCount,
		"shards":   len(sess.Shards),
		"temp_dir": sess.TempDir,
	})
	return sess, nil
}

// Start prepares a session and runs every shard on pool.
func Start(ctx context.Context, store *session.Store, pool *Pool, req StartRequest) (*session.Session, error) {
	sess, err := Prepare(store, req)
	if err != nil {
		return nil, err
	}
	return pool.Run(ctx, sess, sess.Shards)
}
