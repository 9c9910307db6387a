package testrun

import (
	"bufio"
	"bytes"
	"regexp"

	"github.com/danieljhkim/cairn/internal/workspace"
)

// HarnessOptions are the harness-level arguments of a run.
type HarnessOptions struct {
	// Filter selects cases by name; empty runs all.
	Filter string
	// Bench is set when running benchmarks.
	Bench bool
	// Extra holds the arguments after `--`, such as --test-threads.
	Extra []string
}

// Harness adapts the command line and result parsing to how a target runs
// its cases.
type Harness interface {
	Args(opts HarnessOptions) []string
	// Failures returns the failed case names of a finished process. An empty
	// name stands for the whole executable.
	Failures(res ProcessResult) []string
}

// HarnessFor returns the harness of t.
func HarnessFor(t *workspace.Target) Harness {
	if t.Harness == workspace.SelfManaged {
		return SelfManagedHarness{}
	}
	return ManagedHarness{}
}

// ManagedHarness drives executables built around the registration list of
// marked cases.
type ManagedHarness struct{}

var failedCase = regexp.MustCompile(`^test (\S+) \.\.\. FAILED\s*$`)

func (ManagedHarness) Args(opts HarnessOptions) []string {
	var args []string
	if opts.Filter != "" {
		args = append(args, opts.Filter)
	}
	if opts.Bench {
		args = append(args, "--bench")
	}
	return append(args, opts.Extra...)
}

func (ManagedHarness) Failures(res ProcessResult) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(res.Output))
	// A line can be as long as the whole output.
	sc.Buffer(make([]byte, 0, 64*1024), len(res.Output)+1)
	for sc.Scan() {
		if m := failedCase.FindStringSubmatch(sc.Text()); m != nil {
			out = append(out, m[1])
		}
	}
	if sc.Err() != nil && res.ExitCode != 0 {
		return append(out, "")
	}
	if len(out) == 0 && res.ExitCode != 0 {
		return []string{""}
	}
	return out
}

// SelfManagedHarness runs executables with their own entry point. They get
// the extra arguments unchanged and only the exit code counts.
type SelfManagedHarness struct{}

func (SelfManagedHarness) Args(opts HarnessOptions) []string {
	return append([]string(nil), opts.Extra...)
}

func (SelfManagedHarness) Failures(res ProcessResult) []string {
	if res.ExitCode != 0 {
		return []string{""}
	}
	return nil
}
