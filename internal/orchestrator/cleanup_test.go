package orchestrator

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/litbatch/internal/session"
)

func TestCleanupRemovesWorkingDirAndCheckpoint(t *testing.T) {
	store := newTestStore(t)
	sess := prepareSession(t, store, 4, 2)
	_, err := newTestPool(store, okWorker, Options{}).Run(context.Background(), sess, sess.Shards)
	require.NoError(t, err)

	res, err := Cleanup(store, sess.ID, false)
	require.NoError(t, err)
	assert.Equal(t, sess.TempDir, res.RemovedTempDir)
	assert.True(t, res.RemovedCheckpoint)

	_, err = os.Stat(sess.TempDir)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, store.Exists(sess.ID))
}

func TestCleanupKeepResults(t *testing.T) {
	store := newTestStore(t)
	sess := prepareSession(t, store, 4, 2)

	res, err := Cleanup(store, sess.ID, true)
	require.NoError(t, err)
	assert.False(t, res.RemovedCheckpoint)
	assert.True(t, store.Exists(sess.ID))

	_, err = os.Stat(sess.TempDir)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanupUnknownSession(t *testing.T) {
	_, err := Cleanup(newTestStore(t), "nope", false)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestPrepareWritesCheckpoint(t *testing.T) {
	store := newTestStore(t)
	sess := prepareSession(t, store, 23, 4)

	loaded, err := store.Load(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 23, loaded.TotalItems)
	assert.Equal(t, []int{6, 6, 6, 5}, sizes(loaded.Shards))
	assert.Equal(t, "/papers/paper_007.pdf", loaded.Shards[1].Items[0])

	info, err := os.Stat(sess.TempDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = Prepare(store, StartRequest{WorkerCount: 2, TempRoot: t.TempDir()})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPrepareRecordsInputSource(t *testing.T) {
	store := newTestStore(t)
	src := session.InputSource{Root: "/papers", Patterns: []string{"**/*.txt"}, IgnoreFile: "/papers/.skip"}
	sess, err := Prepare(store, StartRequest{
		Items:       testItems(3),
		WorkerCount: 2,
		TempRoot:    t.TempDir(),
		Input:       src,
		InputDigest: "abc",
	})
	require.NoError(t, err)

	loaded, err := store.Load(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Input)
	assert.Equal(t, src, *loaded.Input)
	assert.Equal(t, "/papers", loaded.InputRoot)
	assert.Equal(t, "abc", loaded.InputDigest)
}
