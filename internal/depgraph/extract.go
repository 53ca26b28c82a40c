package depgraph

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/logging"
)

// ImportReader returns the library names referenced by the binary at path.
type ImportReader func(path string) ([]string, error)

// Extractor walks the dependency graph of a set of built libraries.
type Extractor struct {
	readImports ImportReader
	log         *slog.Logger
}

// NewExtractor creates an extractor. A nil reader parses real binaries.
func NewExtractor(read ImportReader, log *slog.Logger) *Extractor {
	if read == nil {
		read = ReadImports
	}
	if log == nil {
		log = logging.Component("depgraph")
	}
	return &Extractor{readImports: read, log: log}
}

// Result is the outcome of one extraction.
type Result struct {
	// Records holds the given roots in order, then every located
	// dependency in discovery order.
	Records []artifact.Record
	// Unresolved lists referenced names that no indexed directory holds.
	Unresolved []string
}

type node struct {
	name string
	path string
	deps []string
}

// Extract resolves the transitive closure of roots against idx and hashes
// every artifact found. Each name is entered at most once, so cycles
// terminate. Unreadable imports leave that artifact with no dependencies
// rather than failing the build.
func (e *Extractor) Extract(roots []string, idx *Index) (Result, error) {
	var (
		order      []*node
		known      = make(map[string]*node)
		unresolved = make(map[string]bool)
		res        Result
	)

	var visit func(n *node)
	visit = func(n *node) {
		imports, err := e.readImports(n.path)
		if err != nil {
			e.log.Warn("failed to read imports", "path", n.path, "error", err)
			return
		}
		for _, name := range imports {
			if _, ok := known[name]; ok {
				n.deps = append(n.deps, name)
				continue
			}
			p, ok := idx.Lookup(name)
			if !ok {
				if !unresolved[name] {
					unresolved[name] = true
					res.Unresolved = append(res.Unresolved, name)
					e.log.Debug("dependency not found on search path", "library", name, "needed_by", n.name)
				}
				continue
			}
			child := &node{name: name, path: p}
			known[name] = child
			order = append(order, child)
			n.deps = append(n.deps, name)
			visit(child)
		}
	}

	for _, r := range roots {
		name := filepath.Base(r)
		if _, ok := known[name]; ok {
			continue
		}
		n := &node{name: name, path: r}
		known[name] = n
		order = append(order, n)
	}
	// Roots are all registered first so a root referencing another root
	// records the edge instead of resolving it from the index.
	rootNodes := append([]*node(nil), order...)
	for _, n := range rootNodes {
		visit(n)
	}

	rootCount := len(rootNodes)
	for i, n := range order {
		rec, err := artifact.NewRecord(n.name, n.path, n.name, n.deps)
		if err != nil {
			if i < rootCount {
				return Result{}, fmt.Errorf("hash artifact %s: %w", n.name, err)
			}
			e.log.Warn("dropping dependency that could not be hashed", "library", n.name, "error", err)
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}
