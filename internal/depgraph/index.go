package depgraph

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

// Index maps a library file name to the first path it was found at.
type Index struct {
	paths map[string]string
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{paths: make(map[string]string)}
}

// Add records name at p unless name is already known.
func (idx *Index) Add(name, p string) bool {
	if _, ok := idx.paths[name]; ok {
		return false
	}
	idx.paths[name] = p
	return true
}

// Lookup returns the path for a library name.
func (idx *Index) Lookup(name string) (string, bool) {
	p, ok := idx.paths[name]
	return p, ok
}

// Len returns the number of indexed names.
func (idx *Index) Len() int {
	return len(idx.paths)
}

// SearchDirs lists, in priority order, the directories a build for t should
// resolve libraries from: the build output dir and its deps/ subdir, the
// toolchain library dirs, then the loader search path variable.
func SearchDirs(t target.Target, outputDir string, toolchainDirs []string) []string {
	dirs := []string{outputDir, filepath.Join(outputDir, "deps")}
	dirs = append(dirs, toolchainDirs...)
	for _, d := range filepath.SplitList(os.Getenv(t.SearchPathVar())) {
		if d != "" {
			dirs = append(dirs, d)
		}
	}
	return dirs
}

// BuildIndex lists every directory concurrently and merges the results in
// dirs order, so an earlier directory wins a name collision. Missing or
// unreadable directories contribute nothing.
func BuildIndex(ctx context.Context, dirs []string) (*Index, error) {
	listings := make([][]fs.DirEntry, len(dirs))

	g, ctx := errgroup.WithContext(ctx)
	for i, dir := range dirs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			// ReadDir returns whatever it managed to read alongside the error.
			entries, _ := os.ReadDir(dir)
			listings[i] = entries
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := NewIndex()
	for i, entries := range listings {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			idx.Add(e.Name(), filepath.Join(dirs[i], e.Name()))
		}
	}
	return idx, nil
}
