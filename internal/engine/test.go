package engine

import (
	"context"
	"errors"

	"github.com/danieljhkim/cairn/internal/dispatch"
	"github.com/danieljhkim/cairn/internal/doctest"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/selection"
	"github.com/danieljhkim/cairn/internal/testrun"
	"github.com/danieljhkim/cairn/internal/unit"
)

// Test builds the selection in test (or bench) mode, runs the executables
// serially and then the doctests concurrently. A build failure stops before
// anything runs. Under fail-fast a failing executable also skips the doctests.
func (e *Engine) Test(ctx context.Context, req *TestRequest) (*TestResult, error) {
	s, err := e.load(req.Scope)
	if err != nil {
		return nil, err
	}
	mode := unit.ModeTest
	if req.Bench {
		mode = unit.ModeBench
	}
	res, err := e.resolve(s, req.Selection, mode)
	if err != nil {
		return nil, err
	}
	if err := e.commitLock(s); err != nil {
		return nil, err
	}

	build := &BuildResult{Selection: res, Jobs: s.jobs}
	result := &TestResult{Build: build}
	units := res.Units()
	report := &dispatch.Report{Artifacts: map[unit.Key]dispatch.Artifact{}}
	if len(units) > 0 {
		report, err = e.dispatcher(s, req.KeepGoing).Run(ctx, units)
		build.Report = report
		if err != nil {
			return result, err
		}
	}

	ctrl := &testrun.Controller{
		Runner:     e.deps.Process,
		Logger:     e.deps.Logger,
		Recorder:   e.deps.Recorder,
		Clock:      e.deps.Clock,
		NoFailFast: req.NoFailFast,
		NoRun:      req.NoRun,
		Bench:      req.Bench,
		Filter:     req.Filter,
		Args:       req.Args,
		Stdout:     e.deps.Stdout,
		Stderr:     e.deps.Stderr,
		OnStart:    e.deps.Reporter.Running,
	}
	summary, testErr := ctrl.Run(ctx, testrun.Executables(units, report))
	result.Tests = summary
	if testErr != nil && (!req.NoFailFast || !errors.Is(testErr, errs.ErrTest)) {
		return result, testErr
	}

	requests := res.Doctests()
	if req.NoRun || len(requests) == 0 {
		return result, testErr
	}
	suites, err := e.doctestSuites(requests, units, report)
	if err != nil {
		return result, err
	}
	runner := &doctest.Runner{
		Compiler:    e.deps.Compiler(s.settings.Build.Compiler),
		Process:     e.deps.Process,
		FS:          e.deps.FS,
		Layout:      s.layout,
		Root:        s.ws.Root,
		Parallelism: req.DoctestParallelism,
		Logger:      e.deps.Logger,
		Recorder:    e.deps.Recorder,
		Clock:       e.deps.Clock,
		Stdout:      e.deps.Stdout,
		Stderr:      e.deps.Stderr,
	}
	docs, docErr := runner.Run(ctx, suites)
	result.Doctests = docs

	var failed []error
	for _, err := range []error{testErr, docErr} {
		if err != nil {
			failed = append(failed, err)
		}
	}
	return result, errs.Collect(errs.KindTest, failed)
}

// doctestSuites extracts the blocks of every requested library and pairs
// them with the built library and its library dependencies.
func (e *Engine) doctestSuites(requests []selection.DoctestRequest, units []unit.Unit, report *dispatch.Report) ([]doctest.Suite, error) {
	byKey := make(map[unit.Key]unit.Unit, len(units))
	for _, u := range units {
		byKey[u.Key()] = u
	}

	var suites []doctest.Suite
	for _, d := range requests {
		blocks, err := doctest.Extract(e.deps.FS, d.Package, d.Target)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		externs := map[string]string{}
		for _, key := range append([]unit.Key{d.Lib}, d.Deps...) {
			u, ok := byKey[key]
			if !ok {
				continue
			}
			if art, ok := report.Artifact(key); ok {
				externs[u.Target.Name] = art.Path
			}
		}
		suites = append(suites, doctest.Suite{
			Package:  d.Package,
			Lib:      d.Target,
			Profile:  d.Profile,
			Features: d.Features,
			Triple:   d.Triple,
			Externs:  externs,
			Blocks:   blocks,
		})
	}
	return suites, nil
}
