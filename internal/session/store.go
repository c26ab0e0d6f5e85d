package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrNotFound is returned when no checkpoint exists for a session id.
	ErrNotFound = errors.New("session not found")

	// ErrCorrupt is returned when a checkpoint cannot be parsed.
	ErrCorrupt = errors.New("session checkpoint corrupt")
)

const checkpointExt = ".json"

// Store reads and writes session checkpoints as one JSON file per session.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory holding checkpoints.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the checkpoint path for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+checkpointExt)
}

// Save writes the session atomically: the JSON goes to a temp file in the same
// directory which is synced and then renamed over the checkpoint, so a crash
// mid-write leaves the previous checkpoint intact.
func (s *Store) Save(sess *Session) error {
	if sess.ID == "" {
		return fmt.Errorf("save session: empty id")
	}
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "."+sess.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.Path(sess.ID)); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint for id.
func (s *Store) Load(id string) (*Session, error) {
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, id, err)
	}
	if sess.ID == "" {
		return nil, fmt.Errorf("%w: %s: missing session_id", ErrCorrupt, id)
	}
	return &sess, nil
}

// Exists reports whether a checkpoint exists for id.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Delete removes the checkpoint for id.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.Path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	return nil
}

// List loads every readable checkpoint, oldest first. Corrupt checkpoints are
// skipped.
func (s *Store) List() ([]*Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var sessions []*Session
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != checkpointExt {
			continue
		}
		sess, err := s.Load(strings.TrimSuffix(name, checkpointExt))
		if err != nil {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Latest returns the most recently created session.
func (s *Store) Latest() (*Session, error) {
	sessions, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, fmt.Errorf("%w: no sessions in %s", ErrNotFound, s.dir)
	}
	return sessions[len(sessions)-1], nil
}

// Resolve maps "latest" (or "") to the newest session id.
func (s *Store) Resolve(id string) (string, error) {
	if id != "" && id != "latest" {
		return id, nil
	}
	sess, err := s.Latest()
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}
