package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAllAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "shard_001.jsonl")
	records := []Record{
		{Index: 1, Item: "a.pdf", Result: json.RawMessage(`{"include":true}`)},
		{Index: 2, Item: "b.pdf", Error: "timeout"},
	}

	require.NoError(t, WriteAll(path, records))

	got, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a.pdf", got[0].Item)
	assert.JSONEq(t, `{"include":true}`, string(got[0].Result))
	assert.Equal(t, "timeout", got[1].Error)
	assert.NoError(t, Verify(path, 2))
}

func TestWriterInvisibleUntilCommit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jsonl")

	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Write(Record{Index: 1, Item: "x"}))
	assert.Equal(t, 1, w.Count())
	assert.False(t, Exists(path))

	w.Abort()
	assert.False(t, Exists(path))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.jsonl")
	assert.ErrorIs(t, Verify(missing, 1), ErrMalformed)

	empty := filepath.Join(dir, "empty.jsonl")
	require.NoError(t, os.WriteFile(empty, nil, 0644))
	assert.ErrorIs(t, Verify(empty, 0), ErrMalformed)

	truncated := filepath.Join(dir, "truncated.jsonl")
	require.NoError(t, os.WriteFile(truncated, []byte("{\"index\":1,\"item\":\"a\"}\n{\"index\":2,"), 0644))
	assert.ErrorIs(t, Verify(truncated, 2), ErrMalformed)

	short := filepath.Join(dir, "short.jsonl")
	require.NoError(t, WriteAll(short, []Record{{Index: 1, Item: "a"}}))
	assert.ErrorIs(t, Verify(short, 2), ErrMalformed)
	assert.NoError(t, Verify(short, -1))
}
