package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/litbatch/internal/artifact"
	"github.com/joss/litbatch/internal/session"
)

func TestAddToTar(t *testing.T) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	data := []byte(`{"test": "data"}`)
	err := addToTar(tw, "test.json", data)
	require.NoError(t, err)

	tw.Close()

	tr := tar.NewReader(&buf)
	header, err := tr.Next()
	require.NoError(t, err)

	assert.Equal(t, "test.json", header.Name)
	assert.Equal(t, int64(len(data)), header.Size)
}

// sessionFixture builds a session with two completed shards and one failed,
// plus its checkpoint on disk.
func sessionFixture(t *testing.T) (*session.Session, string) {
	t.Helper()
	store, err := session.NewStore(t.TempDir())
	require.NoError(t, err)

	sess := session.New("screening", t.TempDir(), 5, 3, []session.Shard{
		{ID: 1, StartIndex: 1, EndIndex: 2, ItemCount: 2, Items: []string{"a", "b"}, Status: session.ShardCompleted},
		{ID: 2, StartIndex: 3, EndIndex: 4, ItemCount: 2, Items: []string{"c", "d"}, Status: session.ShardFailed},
		{ID: 3, StartIndex: 5, EndIndex: 5, ItemCount: 1, Items: []string{"e"}, Status: session.ShardCompleted},
	})
	for _, id := range []int{1, 3} {
		sh := sess.Shard(id)
		var records []artifact.Record
		for i, item := range sh.Items {
			records = append(records, artifact.Record{Index: sh.StartIndex + i, Item: item})
		}
		require.NoError(t, artifact.WriteAll(sess.ArtifactPath(id), records))
		sh.OutputRef = sess.ArtifactPath(id)
	}
	sess.Finalize()
	require.NoError(t, store.Save(sess))
	return sess, store.Path(sess.ID)
}

func TestExportRestoreRoundtrip(t *testing.T) {
	sess, checkpoint := sessionFixture(t)

	merged := filepath.Join(t.TempDir(), "results.jsonl")
	require.NoError(t, os.WriteFile(merged, []byte("{}\n{}\n{}\n"), 0644))

	mgr := NewManager(filepath.Join(t.TempDir(), "backups"))
	archive, err := mgr.Export(sess, checkpoint, []string{merged, "/does/not/exist.md"}, "before cleanup")
	require.NoError(t, err)
	require.NotNil(t, archive.Metadata)

	meta := archive.Metadata
	assert.Equal(t, FormatVersion, meta.Version)
	assert.Equal(t, sess.ID, meta.SessionID)
	assert.Equal(t, "completed_with_errors", meta.Status)
	assert.Equal(t, []string{
		"checkpoint.json",
		"shards/shard_001.jsonl",
		"shards/shard_003.jsonl",
		"output/results.jsonl",
	}, meta.Files)
	assert.Equal(t, 2, meta.Counts["shards/shard_001.jsonl"])
	assert.Equal(t, 1, meta.Counts["shards/shard_003.jsonl"])
	assert.Equal(t, 3, meta.Counts["output/results.jsonl"])
	assert.Positive(t, archive.Size)

	inspected, err := mgr.Inspect(archive.Path)
	require.NoError(t, err)
	assert.Equal(t, meta.Checksums, inspected.Checksums)

	dest := t.TempDir()
	restored, err := mgr.Restore(archive.Path, dest)
	require.NoError(t, err)
	assert.Equal(t, "before cleanup", restored.Description)

	records, err := artifact.ReadAll(filepath.Join(dest, "shards", "shard_001.jsonl"))
	require.NoError(t, err)
	assert.Len(t, records, 2)
	_, err = os.Stat(filepath.Join(dest, "checkpoint.json"))
	assert.NoError(t, err)
}

func TestListNewestFirst(t *testing.T) {
	sess, checkpoint := sessionFixture(t)
	mgr := NewManager(t.TempDir())

	first, err := mgr.Export(sess, checkpoint, nil, "first")
	require.NoError(t, err)
	second, err := mgr.Export(sess, checkpoint, nil, "second")
	require.NoError(t, err)
	require.NotEqual(t, first.Path, second.Path)

	require.NoError(t, os.WriteFile(filepath.Join(mgr.Dir(), "junk.tar.gz"), []byte("not gzip"), 0644))

	archives, err := mgr.List("")
	require.NoError(t, err)
	require.Len(t, archives, 2)
	assert.Equal(t, "second", archives[0].Metadata.Description)

	filtered, err := mgr.List("other-session")
	require.NoError(t, err)
	assert.Empty(t, filtered)

	missing, err := NewManager(filepath.Join(t.TempDir(), "nope")).List("")
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestInspectInvalidGzip(t *testing.T) {
	tmpDir := t.TempDir()
	invalidPath := filepath.Join(tmpDir, "invalid.tar.gz")

	err := os.WriteFile(invalidPath, []byte("not gzip data"), 0644)
	require.NoError(t, err)

	_, err = NewManager(tmpDir).Inspect(invalidPath)
	assert.Error(t, err)

	_, err = NewManager(tmpDir).Inspect("/nonexistent/file.tar.gz")
	assert.Error(t, err)
}

func writeRawArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	file, err := os.Create(path)
	require.NoError(t, err)

	gzw := gzip.NewWriter(file)
	tw := tar.NewWriter(gzw)
	for name, data := range files {
		require.NoError(t, addToTar(tw, name, []byte(data)))
	}
	tw.Close()
	gzw.Close()
	file.Close()
}

func TestRestoreMissingMetadata(t *testing.T) {
	tmpDir := t.TempDir()
	backupPath := filepath.Join(tmpDir, "no-meta.tar.gz")
	writeRawArchive(t, backupPath, map[string]string{"checkpoint.json": "{}"})

	_, err := NewManager(tmpDir).Restore(backupPath, t.TempDir())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "metadata")
}

func TestRestoreRejectsPathTraversal(t *testing.T) {
	tmpDir := t.TempDir()
	backupPath := filepath.Join(tmpDir, "evil.tar.gz")
	writeRawArchive(t, backupPath, map[string]string{"../escape.json": "{}"})

	_, err := NewManager(tmpDir).Restore(backupPath, filepath.Join(tmpDir, "dest"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
}

func TestRestoreChecksumMismatch(t *testing.T) {
	tmpDir := t.TempDir()
	backupPath := filepath.Join(tmpDir, "tampered.tar.gz")
	writeRawArchive(t, backupPath, map[string]string{
		"checkpoint.json": "{}",
		"metadata.json":   `{"version":"1.0","checksums":{"checkpoint.json":"deadbeef"}}`,
	})

	_, err := NewManager(tmpDir).Restore(backupPath, filepath.Join(tmpDir, "dest"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
}
