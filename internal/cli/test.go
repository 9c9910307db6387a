package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/cairn/internal/engine"
	"github.com/danieljhkim/cairn/internal/errs"
)

// testFlags holds the flags shared by test and bench.
type testFlags struct {
	selectionFlags
	noRun       bool
	noFailFast  bool
	doctestJobs int
}

var (
	testOpts  testFlags
	benchOpts testFlags
)

var testCmd = &cobra.Command{
	Use:     "test [TESTNAME] [-- ARGS...]",
	Aliases: []string{"t"},
	Short:   "Execute all unit and integration tests and build examples of a package",
	Long: `Compile and execute unit, integration and documentation tests.

TESTNAME filters the cases run by harness-managed executables. Arguments after
-- are passed to every test executable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTests(cmd, args, &testOpts, false)
	},
}

var benchCmd = &cobra.Command{
	Use:   "bench [BENCHNAME] [-- ARGS...]",
	Short: "Execute all benchmarks of a package",
	Long: `Compile and execute benchmarks with the bench profile.

BENCHNAME filters the benchmarks run by harness-managed executables. Arguments
after -- are passed to every benchmark executable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTests(cmd, args, &benchOpts, true)
	},
}

func init() {
	for _, c := range []struct {
		cmd  *cobra.Command
		opts *testFlags
		verb string
		doc  bool
	}{
		{testCmd, &testOpts, "test", true},
		{benchCmd, &benchOpts, "benchmark", false},
	} {
		fs := c.cmd.Flags()
		c.opts.addPackageFlags(fs, c.verb)
		c.opts.addTargetFlags(fs, c.doc)
		c.opts.addCompileFlags(fs)
		fs.BoolVar(&c.opts.noRun, "no-run", false, "Compile, but don't run "+c.verb+"s")
		fs.BoolVar(&c.opts.noFailFast, "no-fail-fast", false, "Run all "+c.verb+"s regardless of failure")
		if c.doc {
			fs.IntVar(&c.opts.doctestJobs, "doctest-jobs", 0, "Number of doctests compiled and run at once, defaults to # of CPUs")
		}
	}
}

// splitTestArgs separates the optional filter from the arguments after --.
func splitTestArgs(cmd *cobra.Command, args []string) (string, []string, error) {
	before, after := args, []string(nil)
	if dash := cmd.ArgsLenAtDash(); dash >= 0 {
		before, after = args[:dash], args[dash:]
	}
	switch len(before) {
	case 0:
		return "", after, nil
	case 1:
		return before[0], after, nil
	default:
		return "", nil, fmt.Errorf("unexpected argument `%s` found; pass executable arguments after --", before[1])
	}
}

func runTests(cmd *cobra.Command, args []string, opts *testFlags, bench bool) error {
	filter, extra, err := splitTestArgs(cmd, args)
	if err != nil {
		return err
	}
	eng, finish, err := newEngine(cmd, opts.metricsFile)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := eng.Test(cmd.Context(), &engine.TestRequest{
		Scope:              opts.scope(cmd),
		Bench:              bench,
		NoRun:              opts.noRun,
		NoFailFast:         opts.noFailFast,
		Filter:             filter,
		Args:               extra,
		DoctestParallelism: opts.doctestJobs,
	})
	if result != nil && result.Build.Report != nil && !errors.Is(err, errs.ErrBuild) {
		printFinished(result.Build.Selection.Profile(), time.Since(start))
	}
	if result != nil {
		printTestSummary(result)
	}
	return finishRun(finish, err)
}

// printTestSummary lists failed cases, or every result as JSON events.
func printTestSummary(result *engine.TestResult) {
	failures := result.Failures()
	if messageFormat == formatJSON {
		if result.Tests != nil {
			for _, r := range result.Tests.Results {
				emit(event{Reason: "test-artifact", Package: r.Package, Target: r.Target, Kind: r.Kind.String(), Path: r.Path, Result: r.State.String(), Cases: r.Cases})
			}
		}
		if result.Doctests != nil {
			for _, r := range result.Doctests.Results {
				emit(event{Reason: "doctest", Package: r.Package, Target: r.Name, Result: r.Outcome.String(), Message: r.Message})
			}
		}
		return
	}
	if len(failures) == 0 {
		return
	}

	lines := make([]string, len(failures))
	for i, f := range failures {
		lines[i] = f.String()
	}
	outMu.Lock()
	_, _ = labelColor.Fprintf(statusOut, "\n%s:\n", PrintCount(len(failures), "failure", "failures"))
	outMu.Unlock()
	PrintList(lines, 1)
}
