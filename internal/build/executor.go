package build

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/withObsrvr/obsrvr-hotpatch/internal/depgraph"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/linker"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/logging"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/metrics"
	"github.com/withObsrvr/obsrvr-hotpatch/internal/target"
)

// Config holds everything an Executor needs for one target.
type Config struct {
	Target     target.Target
	Package    string
	Example    string
	ProjectDir string
	// ScratchDir is private to this target.
	ScratchDir string

	Driver     string
	DriverArgs []string
	Debounce   time.Duration

	// LinkerShim, when set, is installed as the target's linker so patch
	// links replace full relinks.
	LinkerShim       string
	RealLinker       string
	ToolchainLibDirs []string

	// LastID seeds the id counter so numbering continues across restarts.
	LastID uint64
}

// Builder performs build id and returns its EndedBuild or FailedBuild.
type Builder func(ctx context.Context, id uint64) Output

// Executor owns one target's build state machine: idle, building, or
// building with one more build pending. Triggers that arrive while building
// collapse into the single pending flag.
type Executor struct {
	cfg     Config
	in      chan Incoming
	out     chan Output
	build   Builder
	layout  linker.Layout
	extract *depgraph.Extractor
	log     *slog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	activated bool
	active    bool
	pending   bool
	lastID    uint64
	lastRoot  string
	wg        sync.WaitGroup
}

// NewExecutor creates an executor that runs the compiler driver.
func NewExecutor(cfg Config) *Executor {
	e := newExecutor(cfg)
	e.build = e.runBuild
	return e
}

// NewExecutorWithBuilder creates an executor that delegates builds to b.
func NewExecutorWithBuilder(cfg Config, b Builder) *Executor {
	e := newExecutor(cfg)
	e.build = b
	return e
}

func newExecutor(cfg Config) *Executor {
	// The driver runs in ProjectDir, so every path handed to it is absolute.
	if abs, err := filepath.Abs(cfg.ScratchDir); err == nil {
		cfg.ScratchDir = abs
	}
	log := logging.TargetLogger(cfg.Target.String()).With("component", "executor")
	return &Executor{
		cfg:     cfg,
		in:      make(chan Incoming, 256),
		out:     make(chan Output, 256),
		layout:  linker.Layout{Dir: filepath.Join(cfg.ScratchDir, "link")},
		extract: depgraph.NewExtractor(nil, log),
		log:     log,
		metrics: metrics.Get(),
		lastID:  cfg.LastID,
	}
}

// Send queues a message for the executor.
func (e *Executor) Send(msg Incoming) {
	e.in <- msg
}

// Outputs is the only channel results leave the executor on. It is closed
// once Run has returned and every in-flight build has published.
func (e *Executor) Outputs() <-chan Output {
	return e.out
}

// Run processes incoming messages until ctx is done. CodeChanged messages are
// debounced; RequestBuild triggers immediately.
func (e *Executor) Run(ctx context.Context) {
	defer func() {
		e.wg.Wait()
		close(e.out)
	}()

	if e.cfg.LinkerShim != "" {
		// A fresh session starts from a full link.
		if err := e.layout.Reset(); err != nil {
			e.log.Warn("failed to reset link state", "error", err)
		}
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-e.in:
			switch m := msg.(type) {
			case RequestBuild:
				e.mu.Lock()
				e.activated = true
				e.mu.Unlock()
				e.trigger(ctx)

			case CodeChanged:
				e.mu.Lock()
				activated := e.activated
				e.mu.Unlock()
				if !activated {
					e.log.Debug("ignoring change before first build request", "path", m.Path)
					continue
				}
				debounce.Reset(e.cfg.Debounce)

			case AssetChanged:
				e.metrics.IncAssetUpdates(e.cfg.Target.String())
				e.emit(AssetUpdated{Record: m.Record})
			}

		case <-debounce.C:
			e.trigger(ctx)
		}
	}
}

func (e *Executor) emit(o Output) {
	e.out <- o
}

// trigger starts a build, or marks one pending if a build is running.
func (e *Executor) trigger(ctx context.Context) {
	e.mu.Lock()
	if e.active {
		e.pending = true
		e.mu.Unlock()
		e.metrics.IncCoalescedTriggers(e.cfg.Target.String())
		return
	}
	e.active = true
	e.lastID++
	id := e.lastID
	e.wg.Add(1)
	e.mu.Unlock()

	e.started(id)
	go e.loop(ctx, id)
}

// loop runs builds back to back while triggers keep arriving.
func (e *Executor) loop(ctx context.Context, id uint64) {
	defer e.wg.Done()
	for {
		e.emit(e.timed(ctx, id))

		e.mu.Lock()
		if !e.pending {
			e.active = false
			e.mu.Unlock()
			return
		}
		e.pending = false
		e.lastID++
		id = e.lastID
		e.mu.Unlock()

		e.started(id)
	}
}

func (e *Executor) started(id uint64) {
	e.metrics.IncBuildsStarted(e.cfg.Target.String())
	e.emit(StartedBuild{ID: id})
}

func (e *Executor) timed(ctx context.Context, id uint64) Output {
	start := time.Now()
	out := e.build(ctx, id)

	t := e.cfg.Target.String()
	switch o := out.(type) {
	case EndedBuild:
		if len(o.Libraries) == 0 {
			e.metrics.IncBuildsNoop(t)
		}
		e.metrics.ObserveBuildCompleted(t, id, time.Since(start).Seconds(), len(o.Libraries))
	case FailedBuild:
		e.metrics.IncBuildsFailed(t)
	}
	return out
}

// driverArgs appends target selection to the configured driver args.
func (e *Executor) driverArgs(targetDir string) []string {
	args := append([]string(nil), e.cfg.DriverArgs...)
	args = append(args, "--target", e.cfg.Target.Triple(), "--target-dir", targetDir)
	switch {
	case e.cfg.Example != "":
		args = append(args, "--example", e.cfg.Example)
	case e.cfg.Package != "":
		args = append(args, "-p", e.cfg.Package)
	}
	return args
}

func (e *Executor) driverEnv(ctx context.Context) []string {
	if e.cfg.LinkerShim == "" {
		return nil
	}
	env := []string{
		e.cfg.Target.LinkerEnvVar() + "=" + e.cfg.LinkerShim,
		linker.EnvLinkDir + "=" + e.layout.Dir,
		linker.EnvTriple + "=" + e.cfg.Target.Triple(),
		linker.EnvRealLinker + "=" + e.cfg.RealLinker,
	}
	if cid := logging.CorrelationID(ctx); cid != "" {
		env = append(env, linker.EnvCorrelationID+"="+cid)
	}
	if stem := e.libStem(); stem != "" {
		env = append(env, linker.EnvLibStem+"="+stem)
	}
	return env
}

// libStem is the file name prefix of the root library, e.g. "libgame".
func (e *Executor) libStem() string {
	name := e.cfg.Example
	if name == "" {
		name = e.cfg.Package
	}
	if name == "" {
		return ""
	}
	name = normalizeName(name)
	if e.cfg.Target.Family() == target.FamilyPE {
		return name
	}
	return "lib" + name
}

// runBuild is the default Builder: driver, root identification, link
// result, dependency extraction.
func (e *Executor) runBuild(ctx context.Context, id uint64) Output {
	cid := logging.GenerateCorrelationID()
	ctx = logging.WithCorrelationID(ctx, cid)
	log := logging.BuildLogger(e.cfg.Target.String(), id, cid)
	fail := func(err error) Output {
		log.Warn("build failed", "error", err)
		return FailedBuild{ID: id, Reason: err.Error()}
	}

	if err := e.layout.ClearNoop(); err != nil {
		return fail(fmt.Errorf("clear no-op marker: %w", err))
	}

	targetDir := filepath.Join(e.cfg.ScratchDir, "out")
	drv := &Driver{
		Program: e.cfg.Driver,
		Args:    e.driverArgs(targetDir),
		Dir:     e.cfg.ProjectDir,
		Env:     e.driverEnv(ctx),
	}
	log.Info("running compiler driver", "driver", drv.Program, "args", strings.Join(drv.Args, " "))

	res, err := drv.Run(ctx)
	if err != nil {
		return fail(err)
	}

	rootPath, others, err := RootArtifact(res.Artifacts, e.cfg.Target, e.cfg.Package, e.cfg.Example)
	if err != nil {
		return fail(&FailureError{Reason: fmt.Sprintf("package %q example %q", e.cfg.Package, e.cfg.Example), Err: err})
	}

	if e.layout.WasNoop() {
		e.mu.Lock()
		root := e.lastRoot
		e.mu.Unlock()
		log.Info("link found no changed objects", "root", root)
		return EndedBuild{ID: id, RootLibrary: root}
	}

	searchExtra := e.cfg.ToolchainLibDirs
	if e.cfg.LinkerShim != "" {
		st, err := linker.LoadState(e.layout.StatePath())
		if err != nil {
			return fail(err)
		}
		if latest := st.Latest(); latest != "" {
			rootPath = latest
		}
		searchExtra = append([]string{e.layout.VersionsDir()}, searchExtra...)
	}

	dirs := depgraph.SearchDirs(e.cfg.Target, filepath.Dir(rootPath), searchExtra)
	idx, err := depgraph.BuildIndex(ctx, dirs)
	if err != nil {
		return fail(fmt.Errorf("index search path: %w", err))
	}

	ex, err := e.extract.Extract(append([]string{rootPath}, others...), idx)
	if err != nil {
		return fail(err)
	}
	if len(ex.Unresolved) > 0 {
		log.Info("some dependencies were not found on the search path", "libraries", ex.Unresolved)
		e.metrics.AddUnresolvedDependencies(e.cfg.Target.String(), len(ex.Unresolved))
	}

	root := filepath.Base(rootPath)
	e.mu.Lock()
	e.lastRoot = root
	e.mu.Unlock()

	log.Info("build finished", "root", root, "libraries", len(ex.Records))
	return EndedBuild{ID: id, Libraries: ex.Records, RootLibrary: root}
}
