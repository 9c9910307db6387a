package testrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Command is one process to run.
type Command struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// ProcessResult is the outcome of a process that ran to completion.
type ProcessResult struct {
	ExitCode int
	// Output is the captured standard output.
	Output []byte
}

// ProcessRunner runs test executables. A non-zero exit is reported in the
// result; the error is reserved for processes that could not run at all.
type ProcessRunner interface {
	Run(ctx context.Context, cmd Command) (ProcessResult, error)
}

// ExecRunner runs processes with os/exec.
type ExecRunner struct{}

// NewExecRunner creates an ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run implements ProcessRunner.
func (r *ExecRunner) Run(ctx context.Context, c Command) (ProcessResult, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = &out
	if c.Stdout != nil {
		cmd.Stdout = io.MultiWriter(c.Stdout, &out)
	}
	cmd.Stderr = c.Stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return ProcessResult{Output: out.Bytes()}, nil
	case errors.As(err, &exitErr) && ctx.Err() == nil:
		return ProcessResult{ExitCode: exitErr.ExitCode(), Output: out.Bytes()}, nil
	case ctx.Err() != nil:
		return ProcessResult{}, ctx.Err()
	default:
		return ProcessResult{}, fmt.Errorf("could not execute process `%s`: %w", c.Path, err)
	}
}

// FakeProcessRunner is a ProcessRunner for tests. Results are keyed by
// executable path; unknown paths exit 0 with no output.
type FakeProcessRunner struct {
	mu       sync.Mutex
	results  map[string]ProcessResult
	errs     map[string]error
	commands []Command
}

// NewFakeProcessRunner creates an empty FakeProcessRunner.
func NewFakeProcessRunner() *FakeProcessRunner {
	return &FakeProcessRunner{results: map[string]ProcessResult{}, errs: map[string]error{}}
}

// SetResult sets the result returned for path.
func (r *FakeProcessRunner) SetResult(path string, res ProcessResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[path] = res
}

// SetError makes running path fail to start.
func (r *FakeProcessRunner) SetError(path string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs[path] = err
}

// Run implements ProcessRunner.
func (r *FakeProcessRunner) Run(ctx context.Context, c Command) (ProcessResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, c)
	if err := r.errs[c.Path]; err != nil {
		return ProcessResult{}, err
	}
	res := r.results[c.Path]
	if c.Stdout != nil && len(res.Output) > 0 {
		_, _ = c.Stdout.Write(res.Output)
	}
	return res, nil
}

// Commands returns every command run, in order.
func (r *FakeProcessRunner) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.commands...)
}
