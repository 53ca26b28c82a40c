// Package manager wires one build executor and one state aggregator per
// target, connects them to the directory watches, and persists what the
// builds produce.
package manager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/artifact"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/build"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/checkpoint"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/config"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/journal"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/logging"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/metrics"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/state"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/storage"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/watch"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

var (
	// ErrUnknownTarget is returned for targets that were never configured.
	ErrUnknownTarget = errors.New("target not configured")
	// ErrArtifactNotFound is returned when no published record has the
	// requested relative path, or its bytes are gone.
	ErrArtifactNotFound = errors.New("artifact not found")
)

// Options carry dependencies that are normally built from the config.
type Options struct {
	Checkpoints   checkpoint.Manager
	Journal       journal.Journal
	Mirror        *storage.Mirror
	WatchInterval time.Duration
}

// Manager is the per-target registry of executors and aggregators.
type Manager struct {
	cfg         config.Config
	checkpoints checkpoint.Manager
	journal     journal.Journal
	mirror      *storage.Mirror
	ownsMirror  bool
	registry    *watch.Registry
	log         *slog.Logger
	metrics     *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	targets map[target.Target]*targetRun
	closed  bool
}

type targetRun struct {
	tc      config.TargetConfig
	exec    *build.Executor
	agg     *state.Aggregator
	persist *persistQueue
	unsubs  []func()
	log     *slog.Logger
}

// New creates a manager. Nothing is built until WatchTarget is called.
func New(cfg config.Config, opts Options) (*Manager, error) {
	log := logging.Component("manager")

	cp := opts.Checkpoints
	if cp == nil {
		var err error
		cp, err = checkpoint.NewManager(checkpoint.Config{
			Enabled: cfg.Checkpoint.Enabled,
			Dir:     cfg.Checkpoint.Dir,
		})
		if err != nil {
			log.Warn("failed to create checkpoint manager, ids restart at 1", "error", err)
			cp, _ = checkpoint.NewManager(checkpoint.Config{})
		}
	}

	j := opts.Journal
	if j == nil {
		var err error
		j, err = journal.New(cfg.Journal, journal.ProducerInfo{Name: "hotpatchd", Version: Version})
		if err != nil {
			return nil, fmt.Errorf("create journal: %w", err)
		}
	}

	mirror := opts.Mirror
	ownsMirror := false
	if mirror == nil && cfg.Storage.MirrorURL != "" {
		var err error
		mirror, err = storage.Open(context.Background(), cfg.Storage.MirrorURL, "")
		if err != nil {
			return nil, err
		}
		ownsMirror = true
	}

	scratch, err := filepath.Abs(cfg.Build.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch dir: %w", err)
	}
	cfg.Build.ScratchDir = scratch

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:         cfg,
		checkpoints: cp,
		journal:     j,
		mirror:      mirror,
		ownsMirror:  ownsMirror,
		registry: watch.NewRegistry(watch.Options{
			Interval:    opts.WatchInterval,
			IgnorePaths: []string{scratch},
		}),
		log:     log,
		metrics: metrics.Get(),
		ctx:     ctx,
		cancel:  cancel,
		targets: make(map[target.Target]*targetRun),
	}, nil
}

// Targets lists the configured targets.
func (m *Manager) Targets() []target.Target {
	out := make([]target.Target, 0, len(m.cfg.Targets))
	for _, tc := range m.cfg.Targets {
		out = append(out, tc.Target)
	}
	slices.Sort(out)
	return out
}

// WatchTarget starts t on first use, asks for a build and returns the
// current state together with a subscription that receives every update
// after it.
func (m *Manager) WatchTarget(t target.Target) (state.Snapshot, *state.Subscription, error) {
	run, err := m.ensure(t)
	if err != nil {
		return state.Snapshot{}, nil, err
	}
	snap, sub := run.agg.SnapshotAndSubscribe()
	run.exec.Send(build.RequestBuild{})
	return snap, sub, nil
}

// Snapshot returns the state of a started target.
func (m *Manager) Snapshot(t target.Target) (state.Snapshot, bool) {
	m.mu.Lock()
	run, ok := m.targets[t]
	m.mu.Unlock()
	if !ok {
		return state.Snapshot{}, false
	}
	return run.agg.Snapshot(), true
}

// Lookup finds a published record of a started target by relative path.
func (m *Manager) Lookup(t target.Target, relativePath string) (artifact.Record, bool) {
	m.mu.Lock()
	run, ok := m.targets[t]
	m.mu.Unlock()
	if !ok {
		return artifact.Record{}, false
	}
	return run.agg.Lookup(relativePath)
}

// Artifact is an open published file.
type Artifact struct {
	Record artifact.Record
	Body   io.ReadCloser
	Size   int64
	Source string // "local" or "mirror"
}

// Open returns the bytes of a published record. The local file is served
// while it still matches the record; otherwise the mirror is tried.
func (m *Manager) Open(ctx context.Context, t target.Target, relativePath string) (*Artifact, error) {
	rec, ok := m.Lookup(t, relativePath)
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", t, relativePath, ErrArtifactNotFound)
	}

	data, err := os.ReadFile(rec.LocalPath)
	if err == nil && artifact.Sum(data) == rec.Hash {
		return &Artifact{Record: rec, Body: io.NopCloser(bytes.NewReader(data)), Size: int64(len(data)), Source: "local"}, nil
	}
	if m.mirror == nil {
		return nil, fmt.Errorf("%s %s: local copy changed or missing: %w", t, relativePath, ErrArtifactNotFound)
	}

	body, size, err := m.mirror.Open(ctx, storage.Key{Target: t, Hash: rec.Hash, Name: rec.RelativePath})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%s %s: %w", t, relativePath, ErrArtifactNotFound)
		}
		m.metrics.IncMirrorErrors("open")
		return nil, err
	}
	return &Artifact{Record: rec, Body: body, Size: size, Source: "mirror"}, nil
}

// Close stops every executor, waits for in-flight builds to publish and
// be persisted, and ends all subscriptions.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	runs := make([]*targetRun, 0, len(m.targets))
	for _, run := range m.targets {
		runs = append(runs, run)
	}
	m.mu.Unlock()

	for _, run := range runs {
		for _, unsub := range run.unsubs {
			unsub()
		}
	}
	m.registry.Close()
	m.cancel()
	m.wg.Wait()
	for _, run := range runs {
		run.agg.Close()
	}
	err := m.journal.Close()
	if m.ownsMirror {
		err = errors.Join(err, m.mirror.Close())
	}
	return err
}

func (m *Manager) ensure(t target.Target) (*targetRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("manager closed")
	}
	if run, ok := m.targets[t]; ok {
		return run, nil
	}
	tc, ok := m.cfg.Target(t)
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, ErrUnknownTarget)
	}

	log := logging.TargetLogger(t.String())
	agg := state.New(t, m.cfg.Server.SubscriberBuffer)

	var lastID uint64
	cp, err := m.checkpoints.Load(m.ctx, t.String())
	switch {
	case err == nil:
		agg.Seed(cp.MostRecentStarted, cp.MostRecentCompleted)
		lastID = max(cp.MostRecentStarted, cp.MostRecentCompleted)
		log.Info("resuming build numbering from checkpoint", "last_id", lastID)
	case !errors.Is(err, checkpoint.ErrNoCheckpoint):
		log.Warn("failed to load checkpoint, ids restart at 1", "error", err)
	}

	exec := build.NewExecutor(build.Config{
		Target:           t,
		Package:          tc.Package,
		Example:          tc.Example,
		ProjectDir:       tc.ProjectDir,
		ScratchDir:       filepath.Join(m.cfg.Build.ScratchDir, t.String()),
		Driver:           m.cfg.Build.Driver,
		DriverArgs:       m.cfg.Build.DriverArgs,
		Debounce:         m.cfg.Build.Debounce,
		LinkerShim:       m.cfg.Build.LinkerShim,
		RealLinker:       m.cfg.Build.RealLinker,
		ToolchainLibDirs: m.cfg.Build.ToolchainLibDirs,
		LastID:           lastID,
	})

	run := &targetRun{tc: tc, exec: exec, agg: agg, persist: newPersistQueue(), log: log}

	// The executor must be consuming before asset replay feeds it.
	m.wg.Add(3)
	go func() {
		defer m.wg.Done()
		exec.Run(m.ctx)
	}()
	go func() {
		defer m.wg.Done()
		m.supervise(run)
	}()
	go func() {
		defer m.wg.Done()
		m.persistLoop(run)
	}()

	if err := m.subscribe(run); err != nil {
		for _, unsub := range run.unsubs {
			unsub()
		}
		// The pair stays registered without watches; setup is not retried.
		m.targets[t] = run
		return nil, err
	}

	m.targets[t] = run
	log.Info("target started", "package", tc.Package, "example", tc.Example, "code_dirs", tc.CodeDirs, "asset_dirs", tc.AssetDirs)
	return run, nil
}

// subscribe registers the code and asset directories of run.
func (m *Manager) subscribe(run *targetRun) error {
	onError := func(err error) {
		run.log.Error("directory watch failed", "error", err)
	}
	add := func(dirs []string, kind watch.Kind) error {
		for _, dir := range dirs {
			if !filepath.IsAbs(dir) {
				dir = filepath.Join(run.tc.ProjectDir, dir)
			}
			unsub, err := m.registry.Subscribe(dir, watch.Subscriber{Kind: kind, Send: run.exec.Send, OnError: onError})
			if err != nil {
				return err
			}
			run.unsubs = append(run.unsubs, unsub)
		}
		return nil
	}
	if err := add(run.tc.CodeDirs, watch.Code); err != nil {
		return err
	}
	return add(run.tc.AssetDirs, watch.Asset)
}

// supervise drains the executor's outputs into the aggregator and queues
// the slow persistence work. It runs until the executor closes its outputs.
func (m *Manager) supervise(run *targetRun) {
	defer run.persist.close()
	for out := range run.exec.Outputs() {
		run.agg.Update(out)

		switch out.(type) {
		case build.StartedBuild, build.FailedBuild:
			m.saveCheckpoint(run)
		case build.EndedBuild:
			m.saveCheckpoint(run)
			run.persist.push(out)
		case build.AssetUpdated:
			run.persist.push(out)
		}
	}
}

// persistLoop mirrors and journals queued outputs in order. A slow bucket
// or webhook only delays this loop, never the aggregator.
func (m *Manager) persistLoop(run *targetRun) {
	t := run.agg.Target()
	for {
		out, ok := run.persist.pop()
		if !ok {
			return
		}
		switch o := out.(type) {
		case build.EndedBuild:
			uris := m.mirrorLibraries(t, o.Libraries, run.log)
			m.appendJournal(t, o, uris, run.log)
		case build.AssetUpdated:
			m.mirrorLibraries(t, []artifact.Record{o.Record}, run.log)
		}
	}
}

func (m *Manager) saveCheckpoint(run *targetRun) {
	snap := run.agg.Snapshot()
	cp := &checkpoint.Checkpoint{
		Target:              run.agg.Target().String(),
		MostRecentStarted:   snap.MostRecentStarted,
		MostRecentCompleted: snap.MostRecentCompleted,
		RootLibrary:         snap.RootLibrary,
	}
	// Persistence outlives the manager context so the final build is kept.
	if err := m.checkpoints.Save(context.Background(), cp); err != nil {
		run.log.Warn("failed to save checkpoint", "error", err)
	}
}

func (m *Manager) mirrorLibraries(t target.Target, recs []artifact.Record, log *slog.Logger) map[string]string {
	if m.mirror == nil || len(recs) == 0 {
		return nil
	}
	uris := make(map[string]string, len(recs))
	for _, rec := range recs {
		if err := m.mirror.Put(context.Background(), t, rec); err != nil {
			m.metrics.IncMirrorErrors("put")
			log.Warn("failed to mirror artifact", "path", rec.RelativePath, "error", err)
			continue
		}
		uris[rec.RelativePath] = m.mirror.URI(storage.Key{Target: t, Hash: rec.Hash, Name: rec.RelativePath})
	}
	return uris
}

func (m *Manager) appendJournal(t target.Target, o build.EndedBuild, uris map[string]string, log *slog.Logger) {
	_, err := m.journal.Append(context.Background(), journal.Build{
		Target:      t.String(),
		ID:          o.ID,
		RootLibrary: o.RootLibrary,
		Libraries:   o.Libraries,
		MirrorURIs:  uris,
	})
	if err != nil {
		m.metrics.IncJournalErrors(t.String())
		log.Warn("failed to append build to journal", "build_id", o.ID, "error", err)
	}
}
