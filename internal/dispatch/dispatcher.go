// Package dispatch compiles build units on a bounded worker pool.
//
// Units start once every unit they depend on has compiled. At most Jobs
// compiler invocations run at a time. By default the first failure cancels
// everything not yet finished; with KeepGoing, independent units continue and
// all failures are reported together.
package dispatch

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/danieljhkim/cairn/internal/clock"
	"github.com/danieljhkim/cairn/internal/dag"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/metrics"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Status is the final state of a unit in a run.
type Status int

const (
	StatusPending Status = iota
	StatusCompiled
	StatusFailed
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusCompiled:
		return "compiled"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	}
	return "pending"
}

// Failure is one unit that did not compile.
type Failure struct {
	Unit unit.Key
	Err  error
}

// Report is the outcome of a dispatcher run.
type Report struct {
	Artifacts map[unit.Key]Artifact
	Failures  []Failure
	Skipped   []unit.Key
}

// Artifact returns the artifact of key, if it compiled.
func (r *Report) Artifact(key unit.Key) (Artifact, bool) {
	a, ok := r.Artifacts[key]
	return a, ok
}

// Dispatcher schedules units onto the compiler.
type Dispatcher struct {
	Compiler  Compiler
	Jobs      int
	KeepGoing bool
	Layout    unit.Layout
	// Cwd is the directory compilers run in, the workspace root.
	Cwd      string
	Args     []string
	Logger   *log.Logger
	Recorder metrics.Recorder
	Clock    clock.Clock
	// OnStart is called before each compiler invocation.
	OnStart func(u unit.Unit)
}

type slot struct {
	unit     unit.Unit
	done     chan struct{}
	status   Status
	artifact Artifact
	err      error
}

// Run compiles units. The returned error is the first failure, an
// errs.Aggregate of every failure in keep-going mode, or the context error
// when ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, units []unit.Unit) (*Report, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	recorder := d.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	clk := d.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	jobs := d.Jobs
	if jobs < 1 {
		jobs = 1
	}
	recorder.SetJobs(jobs)

	slots := make(map[unit.Key]*slot, len(units))
	g := dag.New()
	for _, u := range units {
		key := u.Key()
		if _, dup := slots[key]; dup {
			continue
		}
		slots[key] = &slot{unit: u, done: make(chan struct{})}
		g.AddNode(string(key))
	}
	for _, u := range units {
		for _, dep := range u.Deps {
			if _, ok := slots[dep]; !ok {
				return nil, errs.New(errs.KindInternal, "unit %s depends on %s, which is not scheduled", u.Key(), dep)
			}
			g.AddEdge(string(dep), string(u.Key()))
		}
	}
	order, err := g.TopologicalSort()
	if err != nil {
		return nil, errs.Wrap(err, errs.KindConfiguration, "cannot order build units")
	}

	var mu sync.Mutex
	sem := semaphore.NewWeighted(int64(jobs))
	eg, gctx := errgroup.WithContext(ctx)

	for _, name := range order {
		s := slots[unit.Key(name)]
		eg.Go(func() error {
			defer close(s.done)

			for _, dep := range s.unit.Deps {
				ds := slots[dep]
				<-ds.done
				mu.Lock()
				ok := ds.status == StatusCompiled
				mu.Unlock()
				if !ok {
					d.finish(&mu, s, StatusSkipped, Artifact{}, nil)
					return nil
				}
			}

			if err := sem.Acquire(gctx, 1); err != nil {
				d.finish(&mu, s, StatusSkipped, Artifact{}, nil)
				return nil
			}
			defer sem.Release(1)
			if gctx.Err() != nil {
				d.finish(&mu, s, StatusSkipped, Artifact{}, nil)
				return nil
			}

			inv := d.invocation(&mu, s.unit, slots)
			if d.OnStart != nil {
				d.OnStart(s.unit)
			}
			logger.Debug("compiling", "unit", s.unit.Key(), "out", inv.OutPath)

			start := clk.Now()
			art, err := d.Compiler.Compile(gctx, inv)
			elapsed := clk.Since(start)
			kind, mode := s.unit.Target.Kind.String(), s.unit.Mode.String()

			if err != nil {
				if gctx.Err() != nil {
					// Cancelled because another unit failed first.
					recorder.ObserveUnit(kind, mode, metrics.ResultSkipped, elapsed)
					d.finish(&mu, s, StatusSkipped, Artifact{}, nil)
					return nil
				}
				recorder.ObserveUnit(kind, mode, metrics.ResultFailed, elapsed)
				ferr := errs.Wrap(err, errs.KindBuild, "could not compile %s", unit.Describe(s.unit)).
					With("unit", string(s.unit.Key()))
				logger.Error("compilation failed", "unit", s.unit.Key(), "err", err)
				d.finish(&mu, s, StatusFailed, Artifact{}, ferr)
				if d.KeepGoing {
					return nil
				}
				return ferr
			}

			recorder.ObserveUnit(kind, mode, metrics.ResultSuccess, elapsed)
			d.finish(&mu, s, StatusCompiled, art, nil)
			return nil
		})
	}
	firstErr := eg.Wait()

	report := &Report{Artifacts: map[unit.Key]Artifact{}}
	var failures []error
	for _, name := range order {
		s := slots[unit.Key(name)]
		switch s.status {
		case StatusCompiled:
			report.Artifacts[s.unit.Key()] = s.artifact
		case StatusFailed:
			report.Failures = append(report.Failures, Failure{Unit: s.unit.Key(), Err: s.err})
			failures = append(failures, s.err)
		default:
			report.Skipped = append(report.Skipped, s.unit.Key())
		}
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if !d.KeepGoing && firstErr != nil {
		return report, firstErr
	}
	return report, errs.Collect(errs.KindBuild, failures)
}

func (d *Dispatcher) finish(mu *sync.Mutex, s *slot, status Status, art Artifact, err error) {
	mu.Lock()
	defer mu.Unlock()
	s.status = status
	s.artifact = art
	s.err = err
}

// invocation builds the compiler call for u. Library dependencies become
// externs; binary dependencies are exposed through CAIRN_BIN_EXE_<name>.
func (d *Dispatcher) invocation(mu *sync.Mutex, u unit.Unit, slots map[unit.Key]*slot) Invocation {
	mu.Lock()
	defer mu.Unlock()

	externs := map[string]string{}
	env := PackageEnv(u.Package)
	for _, dep := range u.Deps {
		ds := slots[dep]
		switch ds.unit.Target.Kind {
		case workspace.KindLib:
			externs[ds.unit.Target.Name] = ds.artifact.Path
		case workspace.KindBin:
			env = append(env, BinExeEnv(ds.unit.Target.Name)+"="+ds.artifact.Path)
		}
	}
	return Invocation{
		Unit:    u,
		SrcPath: u.Target.SrcPath,
		OutPath: d.Layout.Executable(u),
		Cwd:     d.Cwd,
		Args:    append([]string(nil), d.Args...),
		Env:     env,
		Externs: externs,
	}
}

// PackageEnv returns the CAIRN_PKG_* variables describing pkg.
func PackageEnv(pkg *workspace.Package) []string {
	return []string{
		"CAIRN_PKG_NAME=" + pkg.Name,
		"CAIRN_PKG_VERSION=" + pkg.Version,
		"CAIRN_MANIFEST_DIR=" + pkg.Root,
	}
}

// BinExeEnv returns the variable name under which a binary's path is
// exposed to integration tests.
func BinExeEnv(bin string) string {
	return "CAIRN_BIN_EXE_" + strings.ReplaceAll(bin, "-", "_")
}

// IsCancelled reports whether err stems from a cancelled run.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
