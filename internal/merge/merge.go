// Package merge concatenates per-shard artifacts into one result file and
// writes a manifest describing what went into it.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/joss/litbatch/internal/artifact"
	"github.com/joss/litbatch/internal/backup"
	"github.com/joss/litbatch/internal/logging"
	"github.com/joss/litbatch/internal/metrics"
	"github.com/joss/litbatch/internal/session"
)

// ErrNoCompletedWork is returned when not a single shard could be merged.
var ErrNoCompletedWork = errors.New("no completed work to merge")

// Options controls where merge output goes.
type Options struct {
	// OutputPath receives the merged JSON Lines file.
	OutputPath string
	// ManifestPath receives manifest.json; the Markdown report is written next
	// to it with a .md extension. Defaults to manifest.json beside OutputPath.
	ManifestPath string
	// Backup, when set, archives the checkpoint, shard artifacts and merged
	// output before the manifest is written.
	Backup *backup.Manager
	// CheckpointPath is included in the backup.
	CheckpointPath string
}

// ShardReport describes one shard's contribution.
type ShardReport struct {
	ShardID      int                 `json:"shard_id"`
	Status       session.ShardStatus `json:"status"`
	StartIndex   int                 `json:"start_index"`
	EndIndex     int                 `json:"end_index"`
	ItemCount    int                 `json:"item_count"`
	Records      int                 `json:"records"`
	ItemErrors   int                 `json:"item_errors"`
	Merged       bool                `json:"merged"`
	DurationSecs float64             `json:"duration_seconds,omitempty"`
	Attempts     int                 `json:"attempts,omitempty"`
	Note         string              `json:"note,omitempty"`
}

// Manifest summarizes a merge.
type Manifest struct {
	SessionID     string         `json:"session_id"`
	Pipeline      string         `json:"pipeline,omitempty"`
	Status        session.Status `json:"status"`
	GeneratedAt   time.Time      `json:"generated_at"`
	OutputPath    string         `json:"output_path"`
	ManifestPath  string         `json:"manifest_path"`
	ReportPath    string         `json:"report_path"`
	TotalItems    int            `json:"total_items"`
	MergedRecords int            `json:"merged_records"`
	ItemErrors    int            `json:"item_errors"`
	ShardsMerged  int            `json:"shards_merged"`
	ShardsSkipped int            `json:"shards_skipped"`
	Shards        []ShardReport  `json:"shards"`
	BackupPath    string         `json:"backup_path,omitempty"`
	BackupError   string         `json:"backup_error,omitempty"`
}

// Complete reports whether every shard made it into the output.
func (m *Manifest) Complete() bool {
	return m.Status == session.StatusCompleted
}

// Merger merges session results.
type Merger struct {
	log     *logging.Logger
	metrics *metrics.Metrics
}

// New creates a merger.
func New() *Merger {
	return &Merger{log: logging.New("merge"), metrics: metrics.Global()}
}

// WithMetrics replaces the metrics sink.
func (m *Merger) WithMetrics(mt *metrics.Metrics) *Merger {
	m.metrics = mt
	return m
}

// Merge appends the records of every completed shard, in ascending shard_id
// order, to opts.OutputPath. Shards that are not completed or whose artifact
// cannot be read are skipped. The output is written only if at least one
// shard was merged.
func (m *Merger) Merge(ctx context.Context, sess *session.Session, opts Options) (*Manifest, error) {
	if opts.OutputPath == "" {
		return nil, fmt.Errorf("merge: output path required")
	}
	start := time.Now()
	log := m.log.WithSession(sess.ID)

	manifestPath := opts.ManifestPath
	if manifestPath == "" {
		manifestPath = DefaultManifestPath(opts.OutputPath)
	}
	manifest := &Manifest{
		SessionID:    sess.ID,
		Pipeline:     sess.Pipeline,
		Status:       session.StatusCompleted,
		GeneratedAt:  time.Now().UTC(),
		OutputPath:   opts.OutputPath,
		ManifestPath: manifestPath,
		ReportPath:   strings.TrimSuffix(manifestPath, filepath.Ext(manifestPath)) + ".md",
		TotalItems:   sess.TotalItems,
	}

	shards := append([]session.Shard(nil), sess.Shards...)
	sort.Slice(shards, func(i, j int) bool { return shards[i].ID < shards[j].ID })

	w, err := artifact.Create(opts.OutputPath)
	if err != nil {
		return nil, err
	}

	for _, sh := range shards {
		if err := ctx.Err(); err != nil {
			w.Abort()
			return nil, err
		}

		report := ShardReport{
			ShardID:      sh.ID,
			Status:       sh.Status,
			StartIndex:   sh.StartIndex,
			EndIndex:     sh.EndIndex,
			ItemCount:    sh.ItemCount,
			DurationSecs: sh.Duration().Seconds(),
			Attempts:     sh.Attempts,
		}

		records, note := readShard(sh)
		if note != "" {
			report.Note = note
			manifest.ShardsSkipped++
			manifest.Shards = append(manifest.Shards, report)
			log.WithShard(sh.ID).Warn("shard_skipped", map[string]interface{}{
				"status": string(sh.Status),
				"reason": note,
			}, nil)
			continue
		}

		for _, rec := range records {
			if err := w.Write(rec); err != nil {
				w.Abort()
				return nil, err
			}
			if rec.Error != "" {
				report.ItemErrors++
			}
		}
		report.Records = len(records)
		report.Merged = true
		if len(records) != sh.ItemCount {
			report.Note = fmt.Sprintf("expected %d records", sh.ItemCount)
		}
		manifest.ShardsMerged++
		manifest.MergedRecords += len(records)
		manifest.ItemErrors += report.ItemErrors
		manifest.Shards = append(manifest.Shards, report)
	}

	if manifest.ShardsMerged == 0 {
		w.Abort()
		log.Error("merge_failed", map[string]interface{}{"shards": len(shards)}, ErrNoCompletedWork)
		return nil, ErrNoCompletedWork
	}
	if err := w.Commit(); err != nil {
		return nil, err
	}
	if manifest.ShardsSkipped > 0 {
		manifest.Status = session.StatusCompletedWithErrors
	}

	if opts.Backup != nil {
		archive, err := opts.Backup.Export(sess, opts.CheckpointPath, []string{opts.OutputPath}, "merge of "+sess.ID)
		if err != nil {
			manifest.BackupError = err.Error()
			log.Warn("backup_failed", nil, err)
		} else {
			manifest.BackupPath = archive.Path
		}
	}

	if err := writeManifest(manifest); err != nil {
		return manifest, err
	}

	if m.metrics != nil {
		m.metrics.RecordMerge(manifest.MergedRecords, time.Since(start).Milliseconds())
	}
	log.TimedEvent("merged", start, map[string]interface{}{
		"records": manifest.MergedRecords,
		"merged":  manifest.ShardsMerged,
		"skipped": manifest.ShardsSkipped,
		"status":  string(manifest.Status),
		"output":  opts.OutputPath,
	})
	return manifest, nil
}

// readShard returns the records of a completed shard, or a note saying why
// the shard is skipped.
func readShard(sh session.Shard) ([]artifact.Record, string) {
	if sh.Status != session.ShardCompleted {
		if sh.ErrorMessage != "" {
			return nil, fmt.Sprintf("not completed (%s): %s", sh.Status, sh.ErrorMessage)
		}
		return nil, fmt.Sprintf("not completed (%s)", sh.Status)
	}
	if sh.OutputRef == "" {
		return nil, "completed without output reference"
	}
	records, err := artifact.ReadAll(sh.OutputRef)
	if err != nil {
		return nil, fmt.Sprintf("unreadable output: %v", err)
	}
	return records, ""
}

func writeManifest(m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeFileAtomic(m.ManifestPath, append(data, '\n')); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := writeFileAtomic(m.ReportPath, []byte(Markdown(m))); err != nil {
		return fmt.Errorf("write manifest report: %w", err)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// DefaultManifestPath is manifest.json beside the merged output.
func DefaultManifestPath(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), "manifest.json")
}

// LoadManifest reads a manifest.json.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	return &m, nil
}
