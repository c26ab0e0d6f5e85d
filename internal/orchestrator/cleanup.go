package orchestrator

import (
	"fmt"
	"os"

	"github.com/joss/litbatch/internal/logging"
	"github.com/joss/litbatch/internal/session"
)

// CleanupResult lists what Cleanup removed.
type CleanupResult struct {
	SessionID         string
	RemovedTempDir    string
	RemovedCheckpoint bool
}

// Cleanup deletes the working directory of session id. Unless keepResults is
// set the checkpoint is deleted too, after which the session can no longer be
// resumed, merged or monitored. Cleanup never prompts.
func Cleanup(store *session.Store, id string, keepResults bool) (*CleanupResult, error) {
	sess, err := store.Load(id)
	if err != nil {
		return nil, err
	}
	log := logging.New("cleanup").WithSession(sess.ID)
	res := &CleanupResult{SessionID: sess.ID}

	if sess.TempDir != "" {
		if err := os.RemoveAll(sess.TempDir); err != nil {
			return res, fmt.Errorf("remove working directory: %w", err)
		}
		res.RemovedTempDir = sess.TempDir
	}

	if !keepResults {
		if err := store.Delete(sess.ID); err != nil {
			return res, fmt.Errorf("delete checkpoint: %w", err)
		}
		res.RemovedCheckpoint = true
	}

	log.Info("cleaned_up", map[string]interface{}{
		"temp_dir":           res.RemovedTempDir,
		"checkpoint_removed": res.RemovedCheckpoint,
	})
	return res, nil
}
