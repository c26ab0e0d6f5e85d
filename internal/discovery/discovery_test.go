package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/litbatch/internal/session"
)

func touch(t *testing.T, root string, rel ...string) {
	t.Helper()
	for _, r := range rel {
		path := filepath.Join(root, filepath.FromSlash(r))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	}
}

func TestDiscoverSortedAndFiltered(t *testing.T) {
	root := t.TempDir()
	touch(t, root,
		"b.pdf",
		"a.pdf",
		"nested/deeper/c.pdf",
		"nested/notes.txt",
		"drafts/old.pdf",
		".git/objects/x.pdf",
	)
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultIgnoreFile), []byte("drafts/\n"), 0644))

	items, err := Discover(Options{Root: root})
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(root, "a.pdf"),
		filepath.Join(root, "b.pdf"),
		filepath.Join(root, "nested", "deeper", "c.pdf"),
	}, items)
}

func TestDiscoverMultiplePatternsDeduplicates(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.pdf", "b.txt", "c.md")

	items, err := Discover(Options{
		Root:     root,
		Patterns: []string{"*.pdf", "*.{pdf,txt}"},
		Ignore:   []string{"c.md"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a.pdf"), filepath.Join(root, "b.txt")}, items)
}

func TestDiscoverErrors(t *testing.T) {
	root := t.TempDir()

	_, err := Discover(Options{Root: root})
	assert.ErrorIs(t, err, ErrNoItems)

	_, err = Discover(Options{Root: filepath.Join(root, "missing")})
	assert.Error(t, err)

	_, err = Discover(Options{Root: root, Patterns: []string{"[unclosed"}})
	assert.Error(t, err)

	_, err = Discover(Options{Root: root, IgnoreFile: "nope.ignore"})
	assert.Error(t, err)

	_, err = Discover(Options{})
	assert.Error(t, err)
}

func TestFromListFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.txt")
	require.NoError(t, os.WriteFile(path, []byte("# dois\n10.1/b\n\n  10.1/a  \n"), 0644))

	items, err := FromListFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1/b", "10.1/a"}, items)

	empty := filepath.Join(t.TempDir(), "empty.txt")
	require.NoError(t, os.WriteFile(empty, []byte("# nothing\n"), 0644))
	_, err = FromListFile(empty)
	assert.ErrorIs(t, err, ErrNoItems)
}

func TestDigest(t *testing.T) {
	a := Digest([]string{"a", "b"})
	assert.Len(t, a, 64)
	assert.Equal(t, a, Digest([]string{"a", "b"}))
	assert.NotEqual(t, a, Digest([]string{"b", "a"}))
	assert.NotEqual(t, a, Digest([]string{"ab"}))
}

func TestResolveRepeatsRecordedDiscovery(t *testing.T) {
	root := t.TempDir()
	touch(t, root, "a.txt", "b.pdf", "skip/c.txt")
	require.NoError(t, os.WriteFile(filepath.Join(root, "custom.ignore"), []byte("skip/\n"), 0644))

	items, src, err := Resolve(session.InputSource{
		Root:       root,
		Patterns:   []string{"**/*.txt"},
		IgnoreFile: "custom.ignore",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "a.txt")}, items)
	assert.Equal(t, root, src.Root)
	assert.Equal(t, []string{"**/*.txt"}, src.Patterns)
	assert.Equal(t, filepath.Join(root, "custom.ignore"), src.IgnoreFile)

	again, _, err := Resolve(src)
	require.NoError(t, err)
	assert.Equal(t, Digest(items), Digest(again))

	touch(t, root, "d.txt")
	changed, _, err := Resolve(src)
	require.NoError(t, err)
	assert.NotEqual(t, Digest(items), Digest(changed))
}

func TestResolveListFile(t *testing.T) {
	dir := t.TempDir()
	list := filepath.Join(dir, "items.txt")
	require.NoError(t, os.WriteFile(list, []byte("/p/2.pdf\n/p/1.pdf\n"), 0644))

	items, src, err := Resolve(session.InputSource{Root: "ignored", ListFile: list})
	require.NoError(t, err)
	assert.Equal(t, []string{"/p/2.pdf", "/p/1.pdf"}, items)
	assert.Equal(t, session.InputSource{ListFile: list}, src)
	assert.Equal(t, list, src.Location())
}
