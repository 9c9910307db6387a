// Package engine provides the orchestration API behind the cairn commands.
//
// The engine sits between the CLI and the components. It loads the workspace
// and configuration, checks the lock file, and drives the selection engine,
// the build dispatcher, the test controllers and the publish pipeline.
//
// Key components:
//   - Engine: holds the injected collaborators and the logger
//   - Build/Test/Package/Publish: one method per command, Request in, Result out
package engine

import (
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/charmbracelet/log"

	"github.com/danieljhkim/cairn/internal/clock"
	"github.com/danieljhkim/cairn/internal/config"
	"github.com/danieljhkim/cairn/internal/dispatch"
	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/gitx"
	"github.com/danieljhkim/cairn/internal/hash"
	"github.com/danieljhkim/cairn/internal/jobs"
	"github.com/danieljhkim/cairn/internal/lockfile"
	"github.com/danieljhkim/cairn/internal/metrics"
	"github.com/danieljhkim/cairn/internal/registry"
	"github.com/danieljhkim/cairn/internal/selection"
	"github.com/danieljhkim/cairn/internal/testrun"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Dependencies are the collaborators of an Engine. Nil fields get their
// real implementation.
type Dependencies struct {
	FS      fsops.FS
	Git     gitx.GitRepo
	Hasher  hash.Hasher
	Clock   clock.Clock
	Paths   config.Paths
	Process testrun.ProcessRunner

	// Settings loads configuration for a workspace root.
	Settings func(root string) (*config.Settings, error)
	// Compiler builds the compiler for the configured binary.
	Compiler func(binary string) dispatch.Compiler
	// Registry connects to a publish target.
	Registry func(t registry.Target) registry.Client

	Getenv   func(string) string
	Cores    int
	Logger   *log.Logger
	Recorder metrics.Recorder
	Reporter Reporter
	Stdout   io.Writer
	Stderr   io.Writer
}

// Reporter receives progress events for the status lines.
type Reporter interface {
	Compiling(u unit.Unit)
	Running(e testrun.Executable)
	// Status reports a packaging or publishing step.
	Status(verb, msg string)
}

type nopReporter struct{}

func (nopReporter) Compiling(unit.Unit)        {}
func (nopReporter) Running(testrun.Executable) {}
func (nopReporter) Status(string, string)      {}

// Engine orchestrates all cairn operations.
// It is the main API surface called by the CLI.
type Engine struct {
	deps Dependencies
}

// New creates an Engine, filling unset dependencies with real implementations.
func New(deps Dependencies) *Engine {
	if deps.FS == nil {
		deps.FS = fsops.NewRealFS()
	}
	if deps.Git == nil {
		deps.Git = gitx.NewRealGitRepo()
	}
	if deps.Hasher == nil {
		deps.Hasher = hash.NewSHA256Hasher()
	}
	if deps.Clock == nil {
		deps.Clock = &clock.RealClock{}
	}
	if deps.Process == nil {
		deps.Process = testrun.NewExecRunner()
	}
	if deps.Settings == nil {
		paths := deps.Paths
		deps.Settings = func(root string) (*config.Settings, error) {
			return config.Load(config.LoadOptions{GlobalFile: paths.Config, WorkspaceRoot: root})
		}
	}
	if deps.Compiler == nil {
		deps.Compiler = func(binary string) dispatch.Compiler {
			return dispatch.NewProcessCompiler(binary)
		}
	}
	if deps.Registry == nil {
		deps.Registry = func(t registry.Target) registry.Client {
			return registry.NewHTTPClient(t.Index)
		}
	}
	if deps.Getenv == nil {
		deps.Getenv = os.Getenv
	}
	if deps.Cores <= 0 {
		deps.Cores = runtime.NumCPU()
	}
	if deps.Logger == nil {
		deps.Logger = log.New(io.Discard)
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NoopRecorder{}
	}
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}
	if deps.Stdout == nil {
		deps.Stdout = io.Discard
	}
	if deps.Stderr == nil {
		deps.Stderr = io.Discard
	}
	return &Engine{deps: deps}
}

// session is the loaded state shared by every command.
type session struct {
	ws       *workspace.Workspace
	settings *config.Settings
	policy   config.Policy
	jobs     int
	layout   unit.Layout
	// lock is the lock file to write once the command has passed its
	// configuration checks, nil when the file is current.
	lock     *lockfile.Lock
}

// load finds and loads the workspace, merges configuration, normalizes the
// policy, resolves the job count and checks the lock file. A stale lock
// fails here under --locked; otherwise the write waits for commitLock.
func (e *Engine) load(scope Scope) (*session, error) {
	manifest := scope.ManifestPath
	if manifest == "" {
		cwd := scope.CWD
		if cwd == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, err
			}
			cwd = wd
		}
		found, err := workspace.FindManifest(e.deps.FS, cwd)
		if err != nil {
			return nil, err
		}
		manifest = found
	}

	ws, err := workspace.Load(e.deps.FS, manifest)
	if err != nil {
		return nil, err
	}
	settings, err := e.deps.Settings(ws.Root)
	if err != nil {
		return nil, err
	}

	n, err := jobs.Resolve(scope.Jobs, settings.Build.Jobs, e.deps.Cores)
	if err != nil {
		return nil, err
	}

	policy := scope.Policy.WithSettings(settings)
	lock, err := lockfile.Plan(e.deps.FS, ws, policy)
	if err != nil {
		return nil, err
	}

	targetDir := settings.Build.TargetDir
	if targetDir == "" {
		targetDir = filepath.Join(ws.Root, "target")
	} else if !filepath.IsAbs(targetDir) {
		targetDir = filepath.Join(ws.Root, targetDir)
	}

	return &session{
		ws:       ws,
		settings: settings,
		policy:   policy,
		jobs:     n,
		layout:   unit.NewLayout(targetDir),
		lock:     lock,
	}, nil
}

// commitLock writes the lock file planned by load. Commands call it after
// selection and the other configuration checks have passed.
func (e *Engine) commitLock(s *session) error {
	if s.lock == nil {
		return nil
	}
	store := lockfile.NewStore(e.deps.FS, s.ws.Root)
	if err := store.Save(s.lock); err != nil {
		return err
	}
	s.lock = nil
	e.deps.Logger.Debug("updated lock file", "path", store.Path())
	return nil
}

// resolve runs the selection engine in mode, applying build.target when no
// --target was given.
func (e *Engine) resolve(s *session, opts selection.Options, mode unit.Mode) (*selection.Result, error) {
	opts.Mode = mode
	opts.Logger = e.deps.Logger
	if len(opts.Targets) == 0 && s.settings.Build.Target != "" {
		opts.Targets = []string{s.settings.Build.Target}
	}
	res, err := selection.Resolve(s.ws, opts)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings() {
		e.deps.Logger.Warn(w)
	}
	return res, nil
}

func (e *Engine) dispatcher(s *session, keepGoing bool) *dispatch.Dispatcher {
	return &dispatch.Dispatcher{
		Compiler:  e.deps.Compiler(s.settings.Build.Compiler),
		Jobs:      s.jobs,
		KeepGoing: keepGoing,
		Layout:    s.layout,
		Cwd:       s.ws.Root,
		Logger:    e.deps.Logger,
		Recorder:  e.deps.Recorder,
		Clock:     e.deps.Clock,
		OnStart:   e.deps.Reporter.Compiling,
	}
}
