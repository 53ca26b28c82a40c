// Package watch shares one filesystem watch per directory among any number
// of subscribers.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/radovskyb/watcher"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/build"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/logging"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/metrics"
)

// ErrWatchSetup marks failures to establish or keep a directory watch.
var ErrWatchSetup = errors.New("watch setup failed")

// SetupError reports which directory could not be watched.
type SetupError struct {
	Dir string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("watch %s: %v", e.Dir, e.Err)
}

func (e *SetupError) Is(target error) bool { return target == ErrWatchSetup }

func (e *SetupError) Unwrap() error { return e.Err }

// Kind selects what a subscriber is told about changes.
type Kind int

const (
	// Code subscribers receive CodeChanged for every touched file.
	Code Kind = iota
	// Asset subscribers receive hashed AssetChanged records, including one
	// per existing file at subscription time.
	Asset
)

// Subscriber receives the messages for one directory.
type Subscriber struct {
	Kind Kind
	Send func(build.Incoming)
	// OnError, if set, is told when the watch fails after setup.
	OnError func(error)
}

// DefaultIgnore are directory names whose contents never trigger anything.
var DefaultIgnore = []string{"target", ".git", "node_modules"}

// Options configure a Registry.
type Options struct {
	Interval    time.Duration // poll interval
	IgnoreNames []string      // directory names to skip anywhere in the tree
	IgnorePaths []string      // absolute paths to skip, e.g. the scratch dir
}

// Registry owns the watches. Subscribing to an already watched directory
// attaches to the existing watch.
type Registry struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	watches map[string]*dirWatch
}

type dirWatch struct {
	dir string
	w   *watcher.Watcher

	mu     sync.RWMutex
	subs   map[int]Subscriber
	nextID int
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Interval < time.Millisecond {
		opts.Interval = 250 * time.Millisecond
	}
	if opts.IgnoreNames == nil {
		opts.IgnoreNames = DefaultIgnore
	}
	return &Registry{
		opts:    opts,
		log:     logging.Component("watch"),
		metrics: metrics.Get(),
		watches: make(map[string]*dirWatch),
	}
}

// Subscribe attaches sub to dir, starting a watch if none exists. For Asset
// subscribers every existing file is sent before Subscribe returns. The
// returned func detaches the subscriber.
func (r *Registry) Subscribe(dir string, sub Subscriber) (func(), error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, &SetupError{Dir: dir, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &SetupError{Dir: abs, Err: err}
	}
	if !info.IsDir() {
		return nil, &SetupError{Dir: abs, Err: errors.New("not a directory")}
	}

	r.mu.Lock()
	dw, ok := r.watches[abs]
	if !ok {
		dw, err = r.start(abs)
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		r.watches[abs] = dw
	}
	r.mu.Unlock()

	dw.mu.Lock()
	id := dw.nextID
	dw.nextID++
	dw.subs[id] = sub
	dw.mu.Unlock()

	if sub.Kind == Asset {
		if err := r.replay(abs, sub); err != nil {
			dw.remove(id)
			return nil, &SetupError{Dir: abs, Err: err}
		}
	}

	return func() { dw.remove(id) }, nil
}

// Watches returns the number of directories currently watched.
func (r *Registry) Watches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

// Close stops every watch.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for dir, dw := range r.watches {
		dw.w.Close()
		delete(r.watches, dir)
	}
}

func (r *Registry) start(dir string) (*dirWatch, error) {
	w := watcher.New()
	w.IgnoreHiddenFiles(true)
	w.FilterOps(watcher.Create, watcher.Write, watcher.Remove, watcher.Rename, watcher.Move)
	// Paths in r.opts.IgnorePaths may not exist yet; only existing ones can
	// be registered with the watcher, the rest are filtered per event.
	for _, p := range r.opts.IgnorePaths {
		if _, err := os.Stat(p); err == nil {
			if err := w.Ignore(p); err != nil {
				return nil, &SetupError{Dir: dir, Err: err}
			}
		}
	}
	if err := w.AddRecursive(dir); err != nil {
		return nil, &SetupError{Dir: dir, Err: err}
	}

	dw := &dirWatch{dir: dir, w: w, subs: make(map[int]Subscriber)}
	go r.loop(dw)
	// The file list is captured by AddRecursive, so changes made before the
	// first poll are still reported.
	go func() {
		if err := w.Start(r.opts.Interval); err != nil {
			w.Error <- err
		}
	}()
	// Close is a no-op on a watcher that is not running yet. Start only
	// fails on intervals below a nanosecond, which NewRegistry rules out.
	w.Wait()

	r.log.Info("watching directory", "dir", dir, "interval", r.opts.Interval)
	return dw, nil
}

func (r *Registry) loop(dw *dirWatch) {
	for {
		select {
		case ev := <-dw.w.Event:
			r.dispatch(dw, ev)

		case err := <-dw.w.Error:
			r.metrics.IncWatchErrors(dw.dir)
			werr := &SetupError{Dir: dw.dir, Err: err}
			r.log.Error("watch error", "dir", dw.dir, "error", err)
			if errors.Is(err, watcher.ErrWatchedFileDeleted) {
				r.drop(dw)
			}
			for _, sub := range dw.snapshot() {
				if sub.OnError != nil {
					sub.OnError(werr)
				}
			}

		case <-dw.w.Closed:
			return
		}
	}
}

// drop forgets a dead watch so the next Subscribe creates a new one.
func (r *Registry) drop(dw *dirWatch) {
	r.mu.Lock()
	if r.watches[dw.dir] == dw {
		delete(r.watches, dw.dir)
	}
	r.mu.Unlock()
	go dw.w.Close()
}

// ignored checks path against the ignore lists. Name matches only consider
// the part of path below root.
func (r *Registry) ignored(root, path string) bool {
	for _, p := range r.opts.IgnorePaths {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, name := range r.opts.IgnoreNames {
			if part == name {
				return true
			}
		}
	}
	return false
}

func (r *Registry) dispatch(dw *dirWatch, ev watcher.Event) {
	if ev.IsDir() || r.ignored(dw.dir, ev.Path) {
		return
	}

	subs := dw.snapshot()
	var rec *artifact.Record
	for _, sub := range subs {
		switch sub.Kind {
		case Code:
			sub.Send(build.CodeChanged{Path: ev.Path})

		case Asset:
			if ev.Op == watcher.Remove {
				r.log.Info("asset removed, keeping last published version", "path", ev.Path)
				continue
			}
			if rec == nil {
				rel, err := filepath.Rel(dw.dir, ev.Path)
				if err != nil {
					r.log.Warn("asset outside watched dir", "path", ev.Path, "error", err)
					return
				}
				got, err := artifact.NewRecord(filepath.ToSlash(rel), ev.Path, filepath.ToSlash(rel), nil)
				if err != nil {
					// The file vanished or is unreadable between poll and hash.
					r.log.Debug("skipping asset event", "path", ev.Path, "error", err)
					return
				}
				rec = &got
			}
			sub.Send(build.AssetChanged{Record: rec.Clone()})
		}
	}
}

// replay sends one AssetChanged per existing file under dir.
func (r *Registry) replay(dir string, sub Subscriber) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if p != dir && (r.ignored(dir, p) || strings.HasPrefix(d.Name(), ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		rec, err := artifact.NewRecord(rel, p, rel, nil)
		if err != nil {
			return err
		}
		sub.Send(build.AssetChanged{Record: rec})
		return nil
	})
}

func (dw *dirWatch) snapshot() []Subscriber {
	dw.mu.RLock()
	defer dw.mu.RUnlock()
	out := make([]Subscriber, 0, len(dw.subs))
	for _, s := range dw.subs {
		out = append(out, s)
	}
	return out
}

func (dw *dirWatch) remove(id int) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	delete(dw.subs, id)
}
