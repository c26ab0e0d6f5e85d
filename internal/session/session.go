// Package session holds the persisted state of one orchestration run and the
// checkpoint store that reads and writes it.
package session

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

// FormatVersion is written into every checkpoint.
const FormatVersion = 1

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	// StatusInterrupted marks a run stopped before every shard finished.
	// Resume sets it back to running.
	StatusInterrupted Status = "interrupted"
)

// ShardStatus is the state of a single shard.
//
//	pending -> running -> completed | failed | error
//
// failed and error are retried on resume; completed is terminal.
type ShardStatus string

const (
	ShardPending   ShardStatus = "pending"
	ShardRunning   ShardStatus = "running"
	ShardCompleted ShardStatus = "completed"
	ShardFailed    ShardStatus = "failed"
	ShardError     ShardStatus = "error"
)

// Terminal reports whether the worker for this shard has finished in the
// current run.
func (s ShardStatus) Terminal() bool {
	return s == ShardCompleted || s == ShardFailed || s == ShardError
}

// Shard is a contiguous slice of the input set assigned to one worker.
type Shard struct {
	ID             int         `json:"shard_id"`
	StartIndex     int         `json:"start_index"`
	EndIndex       int         `json:"end_index"`
	ItemCount      int         `json:"item_count"`
	Items          []string    `json:"items,omitempty"`
	Status         ShardStatus `json:"status"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
	OutputRef      string      `json:"output_ref,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	Attempts       int         `json:"attempts,omitempty"`
	ProcessedCount int         `json:"processed_count,omitempty"`
}

// Duration returns ended_at - started_at, or zero if either is unset.
func (s *Shard) Duration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}

// Session is one orchestration run over a fixed input set and worker count.
type Session struct {
	Version     int          `json:"version"`
	ID          string       `json:"session_id"`
	Pipeline    string       `json:"pipeline,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	TotalItems  int          `json:"total_items"`
	WorkerCount int          `json:"worker_count"`
	InputRoot   string       `json:"input_root,omitempty"`
	InputDigest string       `json:"input_digest,omitempty"`
	Input       *InputSource `json:"input,omitempty"`
	TempDir     string       `json:"temp_dir"`
	Status      Status       `json:"status"`
	Shards      []Shard      `json:"shards"`
}

// InputSource records how the item list was discovered, so the same
// discovery can be repeated later to detect input drift.
type InputSource struct {
	Root       string   `json:"root,omitempty"`
	Patterns   []string `json:"patterns,omitempty"`
	IgnoreFile string   `json:"ignore_file,omitempty"`
	ListFile   string   `json:"list_file,omitempty"`
}

// Location is the list file when set, otherwise the root.
func (in InputSource) Location() string {
	if in.ListFile != "" {
		return in.ListFile
	}
	return in.Root
}

// NewID returns a new timestamp-derived session id.
func NewID() string {
	return ulid.Make().String()
}

// New creates a running session with a fresh id. The working directory is
// tempRoot/<id>.
func New(pipeline, tempRoot string, totalItems, workerCount int, shards []Shard) *Session {
	id := NewID()
	now := time.Now().UTC()
	return &Session{
		Version:     FormatVersion,
		ID:          id,
		Pipeline:    pipeline,
		CreatedAt:   now,
		UpdatedAt:   now,
		TotalItems:  totalItems,
		WorkerCount: workerCount,
		TempDir:     filepath.Join(tempRoot, id),
		Status:      StatusRunning,
		Shards:      shards,
	}
}

// ArtifactPath is where the output of shard id is written.
func (s *Session) ArtifactPath(id int) string {
	return filepath.Join(s.TempDir, fmt.Sprintf("shard_%03d.jsonl", id))
}

// Shard returns a pointer to the shard with the given id, or nil.
func (s *Session) Shard(id int) *Shard {
	for i := range s.Shards {
		if s.Shards[i].ID == id {
			return &s.Shards[i]
		}
	}
	return nil
}

// Counts tallies shards by status.
func (s *Session) Counts() map[ShardStatus]int {
	counts := make(map[ShardStatus]int, 5)
	for _, sh := range s.Shards {
		counts[sh.Status]++
	}
	return counts
}

// AllTerminal reports whether every shard has finished in this run.
func (s *Session) AllTerminal() bool {
	for _, sh := range s.Shards {
		if !sh.Status.Terminal() {
			return false
		}
	}
	return true
}

// Finalize sets the session status from the shard statuses once every shard
// is terminal. It returns false and leaves the status alone otherwise.
func (s *Session) Finalize() bool {
	if !s.AllTerminal() {
		return false
	}
	s.Status = StatusCompleted
	for _, sh := range s.Shards {
		if sh.Status != ShardCompleted {
			s.Status = StatusCompletedWithErrors
			break
		}
	}
	return true
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	if s.Input != nil {
		in := *s.Input
		in.Patterns = append([]string(nil), s.Input.Patterns...)
		c.Input = &in
	}
	c.Shards = make([]Shard, len(s.Shards))
	for i, sh := range s.Shards {
		c.Shards[i] = sh.Clone()
	}
	return &c
}

// Clone returns a deep copy of the shard.
func (s Shard) Clone() Shard {
	c := s
	if s.Items != nil {
		c.Items = append([]string(nil), s.Items...)
	}
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return c
}
