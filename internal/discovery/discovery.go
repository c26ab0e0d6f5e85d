// Package discovery resolves the ordered list of work items for a session.
package discovery

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"

	"github.com/joss/litbatch/internal/session"
)

// ErrNoItems is returned when discovery matches nothing.
var ErrNoItems = errors.New("no input items found")

// DefaultIgnoreFile is read from the input root when present.
const DefaultIgnoreFile = ".litbatchignore"

var defaultPatterns = []string{"**/*.pdf"}

var defaultIgnores = []string{
	".git/",
	".litbatch/",
	".DS_Store",
	"*.tmp",
	"*.part",
}

// Options selects input files.
type Options struct {
	Root string
	// Patterns are doublestar globs relative to Root. Default "**/*.pdf".
	Patterns []string
	// IgnoreFile is a gitignore-style file. Relative paths resolve against
	// Root. Default .litbatchignore, skipped when absent.
	IgnoreFile string
	// Ignore adds gitignore-style lines.
	Ignore []string
}

// Discover returns the sorted, de-duplicated absolute paths of every regular
// file under Root matching a pattern and not ignored.
func Discover(opts Options) ([]string, error) {
	if opts.Root == "" {
		return nil, fmt.Errorf("discovery: input root required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve input root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("input root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input root %s is not a directory", root)
	}

	patterns := opts.Patterns
	if len(patterns) == 0 {
		patterns = defaultPatterns
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}

	matcher, err := compileIgnore(root, opts)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var items []string
	fsys := os.DirFS(root)
	for _, pattern := range patterns {
		err := doublestar.GlobWalk(fsys, pattern, func(path string, d fs.DirEntry) error {
			if !d.Type().IsRegular() {
				return nil
			}
			if matcher.MatchesPath(path) {
				return nil
			}
			abs := filepath.Join(root, filepath.FromSlash(path))
			if !seen[abs] {
				seen[abs] = true
				items = append(items, abs)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w under %s (patterns %s)", ErrNoItems, root, strings.Join(patterns, ", "))
	}
	sort.Strings(items)
	return items, nil
}

func compileIgnore(root string, opts Options) (*ignore.GitIgnore, error) {
	lines := append([]string(nil), defaultIgnores...)
	lines = append(lines, opts.Ignore...)

	path := opts.IgnoreFile
	explicit := path != ""
	if !explicit {
		path = DefaultIgnoreFile
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		lines = append(lines, strings.Split(string(data), "\n")...)
	case explicit || !os.IsNotExist(err):
		return nil, fmt.Errorf("read ignore file: %w", err)
	}
	return ignore.CompileIgnoreLines(lines...), nil
}

// FromListFile reads one item per line, skipping blanks and # comments.
// Order is preserved.
func FromListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open item list: %w", err)
	}
	defer f.Close()

	var items []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		items = append(items, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read item list: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoItems, path)
	}
	return items, nil
}

// Resolve runs the discovery src describes: the list file when set,
// otherwise a glob walk of src.Root. It also returns src with every path
// made absolute, which is what a checkpoint records so that resolving it
// again from any working directory repeats the same discovery.
func Resolve(src session.InputSource) ([]string, session.InputSource, error) {
	if src.ListFile != "" {
		abs, err := filepath.Abs(src.ListFile)
		if err != nil {
			return nil, src, fmt.Errorf("resolve item list: %w", err)
		}
		items, err := FromListFile(abs)
		return items, session.InputSource{ListFile: abs}, err
	}

	if src.Root == "" {
		return nil, src, fmt.Errorf("discovery: input root required")
	}
	root, err := filepath.Abs(src.Root)
	if err != nil {
		return nil, src, fmt.Errorf("resolve input root: %w", err)
	}
	norm := session.InputSource{
		Root:       root,
		Patterns:   append([]string(nil), src.Patterns...),
		IgnoreFile: src.IgnoreFile,
	}
	if norm.IgnoreFile != "" && !filepath.IsAbs(norm.IgnoreFile) {
		norm.IgnoreFile = filepath.Join(root, norm.IgnoreFile)
	}

	items, err := Discover(Options{
		Root:       norm.Root,
		Patterns:   norm.Patterns,
		IgnoreFile: norm.IgnoreFile,
	})
	return items, norm, err
}

// Digest fingerprints an ordered item list.
func Digest(items []string) string {
	h := sha256.New()
	for _, it := range items {
		h.Write([]byte(it))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
