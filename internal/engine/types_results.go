package engine

import (
	"github.com/danieljhkim/cairn/internal/dispatch"
	"github.com/danieljhkim/cairn/internal/doctest"
	"github.com/danieljhkim/cairn/internal/planner"
	"github.com/danieljhkim/cairn/internal/publish"
	"github.com/danieljhkim/cairn/internal/selection"
	"github.com/danieljhkim/cairn/internal/testrun"
)

// BuildResult represents the result of a build.
type BuildResult struct {
	// Selection is the resolved selection
	Selection *selection.Result

	// Report is the dispatcher report, nil when nothing was dispatched
	Report *dispatch.Report

	// Jobs is the job count the dispatcher ran with
	Jobs int
}

// TestResult represents the result of a test or bench run.
type TestResult struct {
	Build *BuildResult

	// Tests is the summary of the ordinary executables
	Tests *testrun.Summary

	// Doctests is nil when no doctests ran
	Doctests *doctest.Summary
}

// Failures returns every failed case, executables first.
func (r *TestResult) Failures() []testrun.CaseFailure {
	var out []testrun.CaseFailure
	if r.Tests != nil {
		out = append(out, r.Tests.Failures...)
	}
	if r.Doctests != nil {
		out = append(out, r.Doctests.Failures...)
	}
	return out
}

// PackageResult represents the result of packaging.
type PackageResult struct {
	// Plans is set for --list
	Plans []*planner.PackagePlan

	// Outcomes holds one pipeline outcome per package
	Outcomes []*publish.Outcome
}

// PublishResult represents the result of a publish.
type PublishResult struct {
	Batch *publish.BatchResult
}
