// Package testrun runs built test and benchmark executables.
//
// Executables run one after another, each in its owning package's root. The
// harness inside an executable may run its cases on several threads; the
// controller never runs two executables at once. By default the first
// executable with a failing case stops the run; NoFailFast runs everything
// and reports every failure at the end.
package testrun

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/danieljhkim/cairn/internal/clock"
	"github.com/danieljhkim/cairn/internal/dispatch"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/metrics"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// State is the lifecycle state of one executable.
type State int

const (
	StateBuilt State = iota
	StateRunning
	StatePassed
	StateFailed
	StateSkipped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePassed:
		return "passed"
	case StateFailed:
		return "failed"
	case StateSkipped:
		return "skipped"
	}
	return "built"
}

// Executable is a compiled test or bench unit ready to run.
type Executable struct {
	Unit unit.Unit
	Path string
	// Bins maps the package's built binaries to their paths. They are
	// exposed as CAIRN_BIN_EXE_<name>.
	Bins map[string]string
}

// ArtifactResult is the outcome of one executable.
type ArtifactResult struct {
	Unit     unit.Key
	Package  string
	Target   string
	Kind     workspace.Kind
	Path     string
	State    State
	ExitCode int
	Cases    []string
	Duration time.Duration
}

// CaseFailure identifies one failing case. An empty Case means the
// executable failed as a whole.
type CaseFailure struct {
	Package string
	Target  string
	Kind    workspace.Kind
	Case    string
}

func (f CaseFailure) String() string {
	if f.Case == "" {
		return fmt.Sprintf("%s (%s %q)", f.Package, f.Kind, f.Target)
	}
	return fmt.Sprintf("%s (%s %q): %s", f.Package, f.Kind, f.Target, f.Case)
}

// Summary is the outcome of a controller run.
type Summary struct {
	Results  []ArtifactResult
	Failures []CaseFailure
}

// Failed reports whether any executable failed.
func (s *Summary) Failed() bool {
	return len(s.Failures) > 0
}

// Controller runs executables serially.
type Controller struct {
	Runner     ProcessRunner
	Logger     *log.Logger
	Recorder   metrics.Recorder
	Clock      clock.Clock
	NoFailFast bool
	NoRun      bool
	Bench      bool
	Filter     string
	// Args are passed through to every executable after the harness args.
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	// OnStart is called when an executable starts, or for each executable
	// with NoRun.
	OnStart func(e Executable)
}

// Order sorts executables into run order: per package in first-seen order,
// lib unit tests, bin unit tests, integration tests, examples, then
// benches, each by name.
func Order(exes []Executable) []Executable {
	out := append([]Executable(nil), exes...)
	pkgIndex := map[string]int{}
	for _, e := range out {
		if _, ok := pkgIndex[e.Unit.Package.Name]; !ok {
			pkgIndex[e.Unit.Package.Name] = len(pkgIndex)
		}
	}
	rank := map[workspace.Kind]int{}
	for i, k := range workspace.Kinds {
		rank[k] = i
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Unit, out[j].Unit
		if pa, pb := pkgIndex[a.Package.Name], pkgIndex[b.Package.Name]; pa != pb {
			return pa < pb
		}
		if ra, rb := rank[a.Target.Kind], rank[b.Target.Kind]; ra != rb {
			return ra < rb
		}
		if a.Target.Name != b.Target.Name {
			return a.Target.Name < b.Target.Name
		}
		return a.Triple < b.Triple
	})
	return out
}

// Run executes exes in Order. The error is nil when every executable
// passed; it carries errs.KindTest otherwise.
func (c *Controller) Run(ctx context.Context, exes []Executable) (*Summary, error) {
	logger := c.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	recorder := c.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	clk := c.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}

	ordered := Order(exes)
	summary := &Summary{Results: make([]ArtifactResult, len(ordered))}
	for i, e := range ordered {
		summary.Results[i] = ArtifactResult{
			Unit:    e.Unit.Key(),
			Package: e.Unit.Package.Name,
			Target:  e.Unit.Target.Name,
			Kind:    e.Unit.Target.Kind,
			Path:    e.Path,
			State:   StateBuilt,
		}
	}

	if c.NoRun {
		for i, e := range ordered {
			summary.Results[i].State = StateSkipped
			recorder.IncTestArtifact(e.Unit.Target.Kind.String(), metrics.ResultSkipped)
			if c.OnStart != nil {
				c.OnStart(e)
			}
		}
		return summary, nil
	}

	var failed []error
	for i, e := range ordered {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		res := &summary.Results[i]
		res.State = StateRunning
		if c.OnStart != nil {
			c.OnStart(e)
		}

		harness := HarnessFor(e.Unit.Target)
		cmd := Command{
			Path:   e.Path,
			Args:   harness.Args(HarnessOptions{Filter: c.Filter, Bench: c.Bench, Extra: c.Args}),
			Dir:    e.Unit.Package.Root,
			Env:    c.env(e),
			Stdout: c.Stdout,
			Stderr: c.Stderr,
		}
		logger.Debug("running", "unit", e.Unit.Key(), "path", e.Path, "dir", cmd.Dir)

		start := clk.Now()
		pr, err := c.Runner.Run(ctx, cmd)
		res.Duration = clk.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				res.State = StateBuilt
				return summary, ctx.Err()
			}
			pr = ProcessResult{ExitCode: -1}
			logger.Error("could not run test executable", "path", e.Path, "err", err)
		}
		res.ExitCode = pr.ExitCode

		cases := harness.Failures(pr)
		kind := e.Unit.Target.Kind
		if len(cases) == 0 {
			res.State = StatePassed
			recorder.IncTestArtifact(kind.String(), metrics.ResultSuccess)
			continue
		}

		res.State = StateFailed
		res.Cases = cases
		recorder.IncTestArtifact(kind.String(), metrics.ResultFailed)
		for _, name := range cases {
			summary.Failures = append(summary.Failures, CaseFailure{
				Package: e.Unit.Package.Name,
				Target:  e.Unit.Target.Name,
				Kind:    kind,
				Case:    name,
			})
		}
		ferr := errs.New(errs.KindTest, "test failed, to rerun pass `%s`", rerunHint(e.Unit)).
			With("unit", string(e.Unit.Key()))
		if err != nil {
			ferr.Err = err
		}
		failed = append(failed, ferr)
		if !c.NoFailFast {
			logger.Debug("stopping after first failed executable", "remaining", len(ordered)-i-1)
			return summary, ferr
		}
	}
	return summary, errs.Collect(errs.KindTest, failed)
}

// env is the environment of e: the package variables, the paths of the
// package's binaries and the controller's extra variables.
func (c *Controller) env(e Executable) []string {
	env := dispatch.PackageEnv(e.Unit.Package)
	names := make([]string, 0, len(e.Bins))
	for name := range e.Bins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		env = append(env, dispatch.BinExeEnv(name)+"="+e.Bins[name])
	}
	return append(env, c.Env...)
}

// rerunHint renders the flags that select u again.
func rerunHint(u unit.Unit) string {
	var flag string
	switch u.Target.Kind {
	case workspace.KindLib:
		flag = "--lib"
	case workspace.KindBin:
		flag = "--bin " + u.Target.Name
	case workspace.KindTest:
		flag = "--test " + u.Target.Name
	case workspace.KindExample:
		flag = "--example " + u.Target.Name
	case workspace.KindBench:
		flag = "--bench " + u.Target.Name
	}
	return strings.Join([]string{"-p", u.Package.Name, flag}, " ")
}
