package doctest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/danieljhkim/cairn/internal/clock"
	"github.com/danieljhkim/cairn/internal/dispatch"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/metrics"
	"github.com/danieljhkim/cairn/internal/testrun"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Outcome is the result of one block.
type Outcome int

const (
	Passed Outcome = iota
	Failed
	Ignored
)

func (o Outcome) String() string {
	switch o {
	case Failed:
		return "FAILED"
	case Ignored:
		return "ignored"
	}
	return "ok"
}

// Suite is the doctests of one library together with what they link
// against.
type Suite struct {
	Package *workspace.Package
	Lib     *workspace.Target
	Profile unit.Profile
	// Features are the active features of the package.
	Features []string
	Triple   string
	// Externs maps library names to artifacts, the library itself included.
	Externs map[string]string
	Blocks  []Block
}

// CaseResult is the outcome of one block.
type CaseResult struct {
	Package  string
	Name     string
	Outcome  Outcome
	Message  string
	Duration time.Duration
}

// Summary is the outcome of a doctest run.
type Summary struct {
	Results  []CaseResult
	Failures []testrun.CaseFailure
}

// Runner compiles and runs doctest blocks. Each block is a single
// scheduling unit: it is compiled and, when it should run, executed before
// its slot is released. Parallelism is independent of the build job limit.
type Runner struct {
	Compiler dispatch.Compiler
	Process  testrun.ProcessRunner
	FS       fsops.FS
	Layout   unit.Layout
	// Root is the workspace root, the working directory of the compiler.
	Root        string
	Parallelism int
	// CompilerArgs are appended to every compiler call.
	CompilerArgs []string
	Logger       *log.Logger
	Recorder     metrics.Recorder
	Clock        clock.Clock
	Stdout       io.Writer
	Stderr       io.Writer
}

type job struct {
	suite *Suite
	block Block
	index int
}

// Run runs every block of suites. Results are in suite then block order.
// The error carries errs.KindTest when a block failed.
func (r *Runner) Run(ctx context.Context, suites []Suite) (*Summary, error) {
	logger := r.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	recorder := r.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	clk := r.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}
	limit := r.Parallelism
	if limit <= 0 {
		limit = runtime.NumCPU()
	}

	var jobs []job
	for i := range suites {
		for _, b := range suites[i].Blocks {
			jobs = append(jobs, job{suite: &suites[i], block: b, index: len(jobs)})
		}
	}
	results := make([]CaseResult, len(jobs))

	var mu sync.Mutex
	staged := map[string]bool{}
	stage := func(dir string) error {
		mu.Lock()
		defer mu.Unlock()
		if staged[dir] {
			return nil
		}
		if err := r.FS.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create doctest directory: %w", err)
		}
		staged[dir] = true
		return nil
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(limit)
	for _, j := range jobs {
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := clk.Now()
			res, err := r.runBlock(gctx, j, stage)
			if err != nil {
				return err
			}
			res.Duration = clk.Since(start)
			results[j.index] = res

			label := metrics.ResultSuccess
			switch res.Outcome {
			case Failed:
				label = metrics.ResultFailed
			case Ignored:
				label = metrics.ResultSkipped
			}
			recorder.IncDoctest(label)
			logger.Debug("doctest finished", "package", res.Package, "case", res.Name, "outcome", res.Outcome)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	summary := &Summary{Results: results}
	var failed []error
	for i, res := range results {
		if res.Outcome != Failed {
			continue
		}
		s := jobs[i].suite
		summary.Failures = append(summary.Failures, testrun.CaseFailure{
			Package: s.Package.Name,
			Target:  s.Lib.Name,
			Kind:    workspace.KindLib,
			Case:    res.Name,
		})
		failed = append(failed, errs.New(errs.KindTest, "doctest %s failed: %s", res.Name, res.Message).
			With("package", s.Package.Name))
	}
	if len(failed) > 0 {
		logger.Error("doctests failed", "count", len(failed))
		for _, f := range summary.Failures {
			logger.Debug("failed doctest", "case", f.String())
		}
		return summary, errs.Collect(errs.KindTest, failed)
	}
	return summary, nil
}

// runBlock compiles and runs one block. The error is reserved for
// cancellation and staging failures; block failures are in the result.
func (r *Runner) runBlock(ctx context.Context, j job, stage func(string) error) (CaseResult, error) {
	s, b := j.suite, j.block
	res := CaseResult{Package: s.Package.Name, Name: b.Name()}
	if b.Attrs.Ignore {
		res.Outcome = Ignored
		return res, nil
	}

	dir := r.Layout.DoctestDir(s.Package.Name, s.Profile, s.Triple)
	if err := stage(dir); err != nil {
		return res, err
	}
	name := caseIdent(b)
	src := filepath.Join(dir, name+workspace.SourceExt)
	if err := r.FS.AtomicWrite(src, []byte(b.Code), 0644); err != nil {
		return res, fmt.Errorf("failed to stage doctest %s: %w", b.Name(), err)
	}

	u := unit.Unit{
		Package:  s.Package,
		Target:   &workspace.Target{Kind: workspace.KindBin, Name: name, SrcPath: src, Harness: workspace.SelfManaged},
		Profile:  s.Profile,
		Mode:     unit.ModeDoctest,
		Features: s.Features,
		Triple:   s.Triple,
	}
	out := filepath.Join(dir, name)
	_, cerr := r.Compiler.Compile(ctx, dispatch.Invocation{
		Unit:    u,
		SrcPath: src,
		OutPath: out,
		Cwd:     r.Root,
		Args:    append([]string(nil), r.CompilerArgs...),
		Env:     dispatch.PackageEnv(s.Package),
		Externs: s.Externs,
	})
	if cerr != nil && ctx.Err() != nil {
		return res, ctx.Err()
	}

	switch {
	case b.Attrs.CompileFail && cerr == nil:
		return failed(res, "test compiled successfully, but it's marked `compile_fail`"), nil
	case b.Attrs.CompileFail:
		return res, nil
	case cerr != nil:
		return failed(res, cerr.Error()), nil
	case b.Attrs.NoRun:
		return res, nil
	}

	pr, err := r.Process.Run(ctx, testrun.Command{
		Path:   out,
		Dir:    s.Package.Root,
		Env:    dispatch.PackageEnv(s.Package),
		Stdout: r.Stdout,
		Stderr: r.Stderr,
	})
	if err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return failed(res, err.Error()), nil
	}
	switch {
	case b.Attrs.ShouldFail && pr.ExitCode == 0:
		return failed(res, "test executable succeeded, but it's marked `should_fail`"), nil
	case !b.Attrs.ShouldFail && pr.ExitCode != 0:
		return failed(res, fmt.Sprintf("test executable exited with status %d", pr.ExitCode)), nil
	}
	return res, nil
}

func failed(res CaseResult, msg string) CaseResult {
	res.Outcome = Failed
	res.Message = msg
	return res
}

// caseIdent turns a block location into a file and target name, for
// example "docs/guide.md" line 12 becomes "docs_guide_md_12".
func caseIdent(b Block) string {
	var sb strings.Builder
	for _, r := range b.File {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return fmt.Sprintf("%s_%d", sb.String(), b.Line)
}
