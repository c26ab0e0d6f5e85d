// Package backup archives a session's checkpoint and shard artifacts.
package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/joss/litbatch/internal/session"
)

// FormatVersion is written into every archive's metadata.
const FormatVersion = "1.0"

// BackupMetadata contains backup information.
type BackupMetadata struct {
	Version     string            `json:"version"`
	CreatedAt   time.Time         `json:"created_at"`
	SessionID   string            `json:"session_id"`
	Pipeline    string            `json:"pipeline,omitempty"`
	Status      string            `json:"status"`
	Description string            `json:"description,omitempty"`
	Files       []string          `json:"files"`
	Counts      map[string]int    `json:"counts"`
	Checksums   map[string]string `json:"checksums"`
}

// Archive is a backup file on disk with its metadata.
type Archive struct {
	Path     string
	Size     int64
	Metadata *BackupMetadata
}

// Manager handles backup operations.
type Manager struct {
	dir string
}

// NewManager creates a backup manager writing archives under dir.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// Dir returns the archive directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Export writes <dir>/<session_id>-<ulid>.tar.gz holding the checkpoint,
// every completed shard artifact and any extra files (e.g. the merged output).
func (m *Manager) Export(sess *session.Session, checkpointPath string, extra []string, description string) (*Archive, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("creating backup dir: %w", err)
	}

	now := time.Now().UTC()
	outputPath := filepath.Join(m.dir, fmt.Sprintf("%s-%s.tar.gz", sess.ID, ulid.Make().String()))

	file, err := os.CreateTemp(m.dir, ".backup-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating backup file: %w", err)
	}
	tmp := file.Name()
	defer os.Remove(tmp)

	metadata := &BackupMetadata{
		Version:     FormatVersion,
		CreatedAt:   now,
		SessionID:   sess.ID,
		Pipeline:    sess.Pipeline,
		Status:      string(sess.Status),
		Description: description,
		Counts:      make(map[string]int),
		Checksums:   make(map[string]string),
	}

	if err := writeArchive(file, sess, checkpointPath, extra, metadata); err != nil {
		file.Close()
		return nil, err
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("closing backup: %w", err)
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		return nil, fmt.Errorf("finalizing backup: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, err
	}
	return &Archive{Path: outputPath, Size: info.Size(), Metadata: metadata}, nil
}

func writeArchive(w io.Writer, sess *session.Session, checkpointPath string, extra []string, metadata *BackupMetadata) error {
	gzw := gzip.NewWriter(w)
	tw := tar.NewWriter(gzw)

	add := func(name, path string) error {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		if err := addToTar(tw, name, data); err != nil {
			return fmt.Errorf("adding %s to tar: %w", name, err)
		}
		sum := sha256.Sum256(data)
		metadata.Files = append(metadata.Files, name)
		metadata.Checksums[name] = hex.EncodeToString(sum[:])
		if strings.HasSuffix(name, ".jsonl") {
			metadata.Counts[name] = bytes.Count(data, []byte{'\n'})
		}
		return nil
	}

	if checkpointPath != "" {
		if err := add("checkpoint.json", checkpointPath); err != nil {
			return err
		}
	}
	for _, sh := range sess.Shards {
		if sh.Status != session.ShardCompleted || sh.OutputRef == "" {
			continue
		}
		if err := add("shards/"+filepath.Base(sh.OutputRef), sh.OutputRef); err != nil {
			return err
		}
	}
	for _, path := range extra {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := add("output/"+filepath.Base(path), path); err != nil {
			return err
		}
	}

	metaJSON, _ := json.MarshalIndent(metadata, "", "  ")
	if err := addToTar(tw, "metadata.json", metaJSON); err != nil {
		return fmt.Errorf("adding metadata: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("closing gzip: %w", err)
	}
	return nil
}

// Restore extracts an archive into destDir and verifies file checksums.
func (m *Manager) Restore(inputPath, destDir string) (*BackupMetadata, error) {
	file, err := os.Open(inputPath)
	if err != nil {
		return nil, fmt.Errorf("opening backup: %w", err)
	}
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	var metadata *BackupMetadata
	sums := make(map[string]string)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", header.Name, err)
		}

		if header.Name == "metadata.json" {
			metadata = &BackupMetadata{}
			if err := json.Unmarshal(data, metadata); err != nil {
				return nil, fmt.Errorf("parsing metadata: %w", err)
			}
			continue
		}

		target := filepath.Join(destDir, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return nil, fmt.Errorf("backup entry %q escapes destination", header.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return nil, fmt.Errorf("restoring %s: %w", header.Name, err)
		}
		sum := sha256.Sum256(data)
		sums[header.Name] = hex.EncodeToString(sum[:])
	}

	if metadata == nil {
		return nil, fmt.Errorf("backup missing metadata")
	}
	for name, want := range metadata.Checksums {
		if got := sums[name]; got != want {
			return metadata, fmt.Errorf("checksum mismatch for %s", name)
		}
	}
	return metadata, nil
}

// Inspect reads the metadata of a backup without extracting it.
func (m *Manager) Inspect(inputPath string) (*BackupMetadata, error) {
	file, err := os.Open(inputPath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzr, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		if header.Name == "metadata.json" {
			data, _ := io.ReadAll(tr)
			var meta BackupMetadata
			if err := json.Unmarshal(data, &meta); err != nil {
				return nil, err
			}
			return &meta, nil
		}
	}

	return nil, fmt.Errorf("metadata not found")
}

// List returns every readable archive in the backup directory, newest first.
// sessionID filters to one session when non-empty.
func (m *Manager) List(sessionID string) ([]Archive, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var archives []Archive
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tar.gz") {
			continue
		}
		if sessionID != "" && !strings.HasPrefix(e.Name(), sessionID+"-") {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		meta, err := m.Inspect(path)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, Archive{Path: path, Size: info.Size(), Metadata: meta})
	}

	sort.Slice(archives, func(i, j int) bool {
		a, b := archives[i].Metadata.CreatedAt, archives[j].Metadata.CreatedAt
		if !a.Equal(b) {
			return a.After(b)
		}
		return archives[i].Path > archives[j].Path
	})
	return archives, nil
}

func addToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    name,
		Mode:    0644,
		Size:    int64(len(data)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
