package doctest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/danieljhkim/cairn/internal/dispatch"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/testrun"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

const readme = "# core\n" +
	"\n" +
	"```cairn\n" +
	"print(add(1, 2))\n" +
	"```\n" +
	"\n" +
	"```rust\n" +
	"fn main() {}\n" +
	"```\n" +
	"\n" +
	"```\n" +
	"unlabelled()\n" +
	"```\n" +
	"\n" +
	"```cairn,no_run\n" +
	"loop_forever()\n" +
	"```\n" +
	"\n" +
	"```cairn, ignore\n" +
	"whatever\n" +
	"```\n" +
	"\n" +
	"```should_fail\n" +
	"panic()\n" +
	"```\n" +
	"\n" +
	"```cairn,compile_fail\n" +
	"compile_error\n" +
	"```\n"

const guide = "Guide\n\n```cairn\nguide()\n```\n"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func fixture(t *testing.T) (*workspace.Package, *workspace.Target) {
	t.Helper()
	root := t.TempDir()
	pkgRoot := filepath.Join(root, "core")
	writeFile(t, filepath.Join(pkgRoot, "README.md"), readme)
	writeFile(t, filepath.Join(pkgRoot, "docs", "guide.md"), guide)
	writeFile(t, filepath.Join(pkgRoot, "notes.md"), "```cairn\nnot_a_doc()\n```\n")
	pkg := &workspace.Package{Name: "core", Version: "0.1.0", Root: pkgRoot, ManifestPath: filepath.Join(pkgRoot, workspace.ManifestName)}
	lib := &workspace.Target{Kind: workspace.KindLib, Name: "core", Doctest: true, Docs: []string{"README.md", "docs/**/*.md"}}
	return pkg, lib
}

func TestExtract(t *testing.T) {
	pkg, lib := fixture(t)
	blocks, err := Extract(fsops.NewRealFS(), pkg, lib)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}

	var names []string
	for _, b := range blocks {
		names = append(names, b.Name())
	}
	want := []string{
		"README.md - line 3",
		"README.md - line 11",
		"README.md - line 15",
		"README.md - line 19",
		"README.md - line 23",
		"README.md - line 27",
		"docs/guide.md - line 3",
	}
	if !slices.Equal(names, want) {
		t.Fatalf("blocks = %v, want %v", names, want)
	}

	if blocks[0].Code != "print(add(1, 2))\n" {
		t.Errorf("code = %q", blocks[0].Code)
	}
	attrs := []Attrs{blocks[2].Attrs, blocks[3].Attrs, blocks[4].Attrs, blocks[5].Attrs}
	wantAttrs := []Attrs{{NoRun: true}, {Ignore: true}, {ShouldFail: true}, {CompileFail: true}}
	if !slices.Equal(attrs, wantAttrs) {
		t.Errorf("attrs = %+v, want %+v", attrs, wantAttrs)
	}
}

func TestExtract_OverlappingPatterns(t *testing.T) {
	pkg, lib := fixture(t)
	lib.Docs = []string{"docs/*.md", "docs/**/*.md"}
	blocks, err := Extract(fsops.NewRealFS(), pkg, lib)
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 1 {
		t.Errorf("got %d blocks, want the guide block once", len(blocks))
	}
}

func TestParseInfo(t *testing.T) {
	tests := []struct {
		info string
		want Attrs
		ok   bool
	}{
		{info: "", ok: true},
		{info: "cairn", ok: true},
		{info: "cairn,no_run", want: Attrs{NoRun: true}, ok: true},
		{info: "compile_fail", want: Attrs{CompileFail: true}, ok: true},
		{info: "cairn,should_fail,ignore", want: Attrs{ShouldFail: true, Ignore: true}, ok: true},
		{info: "text", ok: false},
		{info: "cairn,edition2021", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.info, func(t *testing.T) {
			got, ok := parseInfo(tt.info)
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseInfo(%q) = %+v, %v; want %+v, %v", tt.info, got, ok, tt.want, tt.ok)
			}
		})
	}
}

type harness struct {
	pkg      *workspace.Package
	runner   *Runner
	compiler *dispatch.FakeCompiler
	process  *testrun.FakeProcessRunner
	dir      string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pkg, _ := fixture(t)
	profile, err := unit.ResolveProfile("test", nil)
	if err != nil {
		t.Fatal(err)
	}
	layout := unit.NewLayout(filepath.Join(t.TempDir(), "target"))

	compiler := dispatch.NewFakeCompiler()
	compiler.Hook = func(_ context.Context, inv dispatch.Invocation) error {
		src, err := os.ReadFile(inv.SrcPath)
		if err != nil {
			return err
		}
		if strings.Contains(string(src), "compile_error") {
			return errors.New("error: unknown identifier")
		}
		return nil
	}
	process := testrun.NewFakeProcessRunner()
	return &harness{
		pkg:      pkg,
		compiler: compiler,
		process:  process,
		dir:      layout.DoctestDir("core", profile, ""),
		runner: &Runner{
			Compiler:    compiler,
			Process:     process,
			FS:          fsops.NewRealFS(),
			Layout:      layout,
			Root:        filepath.Dir(pkg.Root),
			Parallelism: 2,
		},
	}
}

func (h *harness) suite(blocks []Block) Suite {
	profile, _ := unit.ResolveProfile("test", nil)
	return Suite{
		Package: h.pkg,
		Lib:     &workspace.Target{Kind: workspace.KindLib, Name: "core"},
		Profile: profile,
		Externs: map[string]string{"core": "/target/debug/deps/core-abc"},
		Blocks:  blocks,
	}
}

func TestRunner_Outcomes(t *testing.T) {
	h := newHarness(t)
	blocks := Parse("README.md", []byte(readme))
	h.process.SetResult(filepath.Join(h.dir, "README_md_23"), testrun.ProcessResult{ExitCode: 101})

	summary, err := h.runner.Run(context.Background(), []Suite{h.suite(blocks)})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var outcomes []Outcome
	for _, r := range summary.Results {
		outcomes = append(outcomes, r.Outcome)
	}
	want := []Outcome{Passed, Passed, Passed, Ignored, Passed, Passed}
	if !slices.Equal(outcomes, want) {
		t.Errorf("outcomes = %v, want %v", outcomes, want)
	}

	if got := len(h.compiler.Invocations()); got != 5 {
		t.Errorf("compiled %d blocks, want 5 (ignored blocks are not compiled)", got)
	}
	for _, inv := range h.compiler.Invocations() {
		if inv.Cwd != h.runner.Root {
			t.Errorf("compile cwd = %s, want the workspace root", inv.Cwd)
		}
		if inv.Externs["core"] == "" {
			t.Error("doctests must link against the library")
		}
		if inv.Unit.Mode != unit.ModeDoctest {
			t.Errorf("mode = %v", inv.Unit.Mode)
		}
	}

	var ran []string
	for _, c := range h.process.Commands() {
		ran = append(ran, filepath.Base(c.Path))
		if c.Dir != h.pkg.Root {
			t.Errorf("run cwd = %s, want the package root", c.Dir)
		}
	}
	slices.Sort(ran)
	if !slices.Equal(ran, []string{"README_md_11", "README_md_23", "README_md_3"}) {
		t.Errorf("ran %v", ran)
	}
}

func TestRunner_Failures(t *testing.T) {
	h := newHarness(t)
	blocks := []Block{
		{File: "README.md", Line: 3, Code: "compile_error\n"},
		{File: "README.md", Line: 9, Code: "ok()\n", Attrs: Attrs{CompileFail: true}},
		{File: "README.md", Line: 15, Code: "ok()\n", Attrs: Attrs{ShouldFail: true}},
		{File: "README.md", Line: 21, Code: "exit(2)\n"},
		{File: "README.md", Line: 27, Code: "ok()\n"},
	}
	h.process.SetResult(filepath.Join(h.dir, "README_md_21"), testrun.ProcessResult{ExitCode: 2})

	summary, err := h.runner.Run(context.Background(), []Suite{h.suite(blocks)})
	if !errors.Is(err, errs.ErrTest) {
		t.Fatalf("error = %v, want ErrTest", err)
	}

	var cases []string
	for _, f := range summary.Failures {
		cases = append(cases, f.Case)
		if f.Package != "core" || f.Kind != workspace.KindLib {
			t.Errorf("failure = %+v", f)
		}
	}
	want := []string{"README.md - line 3", "README.md - line 9", "README.md - line 15", "README.md - line 21"}
	if !slices.Equal(cases, want) {
		t.Errorf("failures = %v, want %v", cases, want)
	}
	if !strings.Contains(summary.Results[1].Message, "compile_fail") {
		t.Errorf("message = %q", summary.Results[1].Message)
	}
	if summary.Results[4].Outcome != Passed {
		t.Errorf("last block = %v, want passed", summary.Results[4].Outcome)
	}
}

func TestRunner_ParallelismBound(t *testing.T) {
	h := newHarness(t)
	base := h.compiler.Hook
	h.compiler.Hook = func(ctx context.Context, inv dispatch.Invocation) error {
		time.Sleep(5 * time.Millisecond)
		return base(ctx, inv)
	}
	var blocks []Block
	for i := 1; i <= 8; i++ {
		blocks = append(blocks, Block{File: "README.md", Line: i * 4, Code: "ok()\n"})
	}

	if _, err := h.runner.Run(context.Background(), []Suite{h.suite(blocks)}); err != nil {
		t.Fatal(err)
	}
	if got := h.compiler.MaxConcurrent(); got > 2 {
		t.Errorf("max concurrent compiles = %d, want at most 2", got)
	}
}

func TestRunner_Cancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.runner.Run(ctx, []Suite{h.suite([]Block{{File: "README.md", Line: 3, Code: "ok()\n"}})})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestCaseIdent(t *testing.T) {
	if got := caseIdent(Block{File: "docs/guide-v2.md", Line: 12}); got != "docs_guide_v2_md_12" {
		t.Errorf("caseIdent = %q", got)
	}
}
