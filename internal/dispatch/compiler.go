package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Invocation is one call of the compiler.
type Invocation struct {
	Unit    unit.Unit
	SrcPath string
	OutPath string
	Cwd     string
	Args    []string
	Env     []string
	// Externs maps library names to the artifacts they link against.
	Externs map[string]string
}

// Artifact is the output of a successful compilation.
type Artifact struct {
	Unit unit.Key
	Path string
}

// Compiler compiles one unit.
type Compiler interface {
	Compile(ctx context.Context, inv Invocation) (Artifact, error)
}

// ProcessCompiler runs an external compiler executable.
type ProcessCompiler struct {
	Binary string
	Stdout io.Writer
	Stderr io.Writer
}

// NewProcessCompiler creates a ProcessCompiler for binary, streaming its
// diagnostics to stderr.
func NewProcessCompiler(binary string) *ProcessCompiler {
	return &ProcessCompiler{Binary: binary, Stdout: os.Stderr, Stderr: os.Stderr}
}

// CommandLine returns the compiler arguments for inv:
//
//	--name N --kind K --mode M --profile P [--target T] [--cfg feature=F]...
//	[--extern name=path]... [args...] -o OUT SRC
func CommandLine(inv Invocation) []string {
	u := inv.Unit
	args := []string{
		"--name", u.Target.Name,
		"--kind", u.Target.Kind.String(),
		"--mode", u.Mode.String(),
		"--profile", u.Profile.Name,
		"--opt-level", u.Profile.OptLevel,
	}
	if u.Profile.Debug {
		args = append(args, "--debug")
	}
	if u.Triple != "" {
		args = append(args, "--target", u.Triple)
	}
	if u.Mode != unit.ModeBuild && u.Target.Harness == workspace.SelfManaged {
		args = append(args, "--no-harness")
	}
	features := append([]string(nil), u.Features...)
	sort.Strings(features)
	for _, f := range features {
		args = append(args, "--cfg", "feature="+f)
	}
	names := make([]string, 0, len(inv.Externs))
	for name := range inv.Externs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		args = append(args, "--extern", name+"="+inv.Externs[name])
	}
	args = append(args, inv.Args...)
	return append(args, "-o", inv.OutPath, inv.SrcPath)
}

// Compile implements Compiler.
func (c *ProcessCompiler) Compile(ctx context.Context, inv Invocation) (Artifact, error) {
	if err := os.MkdirAll(filepath.Dir(inv.OutPath), 0755); err != nil {
		return Artifact{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	var diag bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Binary, CommandLine(inv)...)
	cmd.Dir = inv.Cwd
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdout = writerOr(c.Stdout)
	cmd.Stderr = io.MultiWriter(writerOr(c.Stderr), &diag)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Artifact{}, ctx.Err()
		}
		msg := strings.TrimSpace(diag.String())
		if msg != "" {
			return Artifact{}, fmt.Errorf("%s exited: %w\n%s", c.Binary, err, msg)
		}
		return Artifact{}, fmt.Errorf("%s exited: %w", c.Binary, err)
	}
	return Artifact{Unit: inv.Unit.Key(), Path: inv.OutPath}, nil
}

func writerOr(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// FakeCompiler is a Compiler for tests. Units listed in Failures fail with
// the given error; every invocation is recorded.
type FakeCompiler struct {
	mu          sync.Mutex
	Failures    map[unit.Key]error
	invocations []Invocation
	running     int
	maxRunning  int
	// Hook runs inside Compile before the result is decided. It may block
	// to observe concurrency.
	Hook func(ctx context.Context, inv Invocation) error
}

// NewFakeCompiler creates a FakeCompiler that succeeds for every unit.
func NewFakeCompiler() *FakeCompiler {
	return &FakeCompiler{Failures: map[unit.Key]error{}}
}

// Fail makes compilation of key fail with err.
func (c *FakeCompiler) Fail(key unit.Key, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Failures[key] = err
}

// Compile implements Compiler.
func (c *FakeCompiler) Compile(ctx context.Context, inv Invocation) (Artifact, error) {
	c.mu.Lock()
	c.invocations = append(c.invocations, inv)
	c.running++
	if c.running > c.maxRunning {
		c.maxRunning = c.running
	}
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running--
		c.mu.Unlock()
	}()

	if c.Hook != nil {
		if err := c.Hook(ctx, inv); err != nil {
			return Artifact{}, err
		}
	}

	c.mu.Lock()
	err := c.Failures[inv.Unit.Key()]
	c.mu.Unlock()
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Unit: inv.Unit.Key(), Path: inv.OutPath}, nil
}

// Invocations returns every recorded invocation in call order.
func (c *FakeCompiler) Invocations() []Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Invocation(nil), c.invocations...)
}

// Compiled returns the keys of every recorded invocation.
func (c *FakeCompiler) Compiled() []unit.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]unit.Key, len(c.invocations))
	for i, inv := range c.invocations {
		keys[i] = inv.Unit.Key()
	}
	return keys
}

// MaxConcurrent returns the highest number of overlapping Compile calls.
func (c *FakeCompiler) MaxConcurrent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxRunning
}
