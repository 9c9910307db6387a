package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

var testPkg = &workspace.Package{Name: "core", Version: "0.1.0", Root: "/ws/core"}

var devProfile = unit.Profile{Name: "dev", OptLevel: "0", Debug: true, Base: "dev"}

func mkUnit(kind workspace.Kind, name string, mode unit.Mode, deps ...unit.Unit) unit.Unit {
	u := unit.Unit{
		Package: testPkg,
		Target:  &workspace.Target{Kind: kind, Name: name, SrcPath: "/ws/core/src/" + name + ".cairn"},
		Profile: devProfile,
		Mode:    mode,
	}
	for _, d := range deps {
		u.Deps = append(u.Deps, d.Key())
	}
	return u
}

func newDispatcher(c Compiler, jobs int, keepGoing bool) *Dispatcher {
	return &Dispatcher{
		Compiler:  c,
		Jobs:      jobs,
		KeepGoing: keepGoing,
		Layout:    unit.NewLayout("/ws/target"),
		Cwd:       "/ws",
	}
}

func TestDispatcher_DependencyOrderAndExterns(t *testing.T) {
	lib := mkUnit(workspace.KindLib, "core", unit.ModeBuild)
	bin := mkUnit(workspace.KindBin, "tool", unit.ModeBuild, lib)
	smoke := mkUnit(workspace.KindTest, "smoke", unit.ModeTest, lib, bin)

	fc := NewFakeCompiler()
	report, err := newDispatcher(fc, 4, false).Run(context.Background(), []unit.Unit{smoke, bin, lib})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	got := fc.Compiled()
	if want := []unit.Key{lib.Key(), bin.Key(), smoke.Key()}; !slices.Equal(got, want) {
		t.Errorf("compile order = %v, want %v", got, want)
	}
	if len(report.Artifacts) != 3 || len(report.Failures) != 0 || len(report.Skipped) != 0 {
		t.Errorf("report = %+v", report)
	}

	inv := fc.Invocations()[2]
	libArt, _ := report.Artifact(lib.Key())
	binArt, _ := report.Artifact(bin.Key())
	if inv.Externs["core"] != libArt.Path {
		t.Errorf("externs = %v, want core=%s", inv.Externs, libArt.Path)
	}
	if !slices.Contains(inv.Env, "CAIRN_BIN_EXE_tool="+binArt.Path) {
		t.Errorf("env = %v, want CAIRN_BIN_EXE_tool", inv.Env)
	}
	if !slices.Contains(inv.Env, "CAIRN_PKG_NAME=core") || inv.Cwd != "/ws" {
		t.Errorf("invocation = %+v", inv)
	}
	if inv.OutPath != unit.NewLayout("/ws/target").Executable(smoke) {
		t.Errorf("out path = %s", inv.OutPath)
	}
}

func TestDispatcher_JobsBound(t *testing.T) {
	var units []unit.Unit
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		units = append(units, mkUnit(workspace.KindBin, name, unit.ModeBuild))
	}
	fc := NewFakeCompiler()
	fc.Hook = func(ctx context.Context, inv Invocation) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	if _, err := newDispatcher(fc, 2, false).Run(context.Background(), units); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := fc.MaxConcurrent(); got > 2 {
		t.Errorf("max concurrent compilations = %d, want at most 2", got)
	}
	if len(fc.Compiled()) != 6 {
		t.Errorf("compiled %d units, want 6", len(fc.Compiled()))
	}
}

func TestDispatcher_FailFast(t *testing.T) {
	a := mkUnit(workspace.KindLib, "a", unit.ModeBuild)
	b := mkUnit(workspace.KindBin, "b", unit.ModeBuild, a)
	c := mkUnit(workspace.KindBin, "c", unit.ModeBuild)

	fc := NewFakeCompiler()
	fc.Fail(a.Key(), errors.New("syntax error"))
	fc.Hook = func(ctx context.Context, inv Invocation) error {
		if inv.Unit.Key() == c.Key() {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}

	report, err := newDispatcher(fc, 2, false).Run(context.Background(), []unit.Unit{a, b, c})
	if !errors.Is(err, errs.ErrBuild) {
		t.Fatalf("error = %v, want ErrBuild", err)
	}
	if !strings.Contains(err.Error(), "syntax error") {
		t.Errorf("error = %q, want the compiler message", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].Unit != a.Key() {
		t.Errorf("failures = %+v", report.Failures)
	}
	if want := []unit.Key{b.Key(), c.Key()}; !slices.Equal(report.Skipped, want) {
		t.Errorf("skipped = %v, want %v", report.Skipped, want)
	}
	if slices.Contains(fc.Compiled(), b.Key()) {
		t.Error("a unit depending on a failed unit must not be compiled")
	}
}

func TestDispatcher_KeepGoing(t *testing.T) {
	a := mkUnit(workspace.KindLib, "a", unit.ModeBuild)
	b := mkUnit(workspace.KindBin, "b", unit.ModeBuild, a)
	c := mkUnit(workspace.KindBin, "c", unit.ModeBuild)
	d := mkUnit(workspace.KindBin, "d", unit.ModeBuild)

	fc := NewFakeCompiler()
	fc.Fail(a.Key(), errors.New("a broke"))
	fc.Fail(d.Key(), errors.New("d broke"))

	report, err := newDispatcher(fc, 1, true).Run(context.Background(), []unit.Unit{a, b, c, d})
	var agg *errs.Aggregate
	if !errors.As(err, &agg) {
		t.Fatalf("error = %v, want an Aggregate", err)
	}
	if len(agg.Errors) != 2 || !errors.Is(err, errs.ErrBuild) {
		t.Errorf("aggregate = %v", agg)
	}
	if _, ok := report.Artifact(c.Key()); !ok {
		t.Error("independent unit c should compile in keep-going mode")
	}
	if want := []unit.Key{b.Key()}; !slices.Equal(report.Skipped, want) {
		t.Errorf("skipped = %v, want %v", report.Skipped, want)
	}
	var failed []unit.Key
	for _, f := range report.Failures {
		failed = append(failed, f.Unit)
	}
	if want := []unit.Key{a.Key(), d.Key()}; !slices.Equal(failed, want) {
		t.Errorf("failures = %v, want %v", failed, want)
	}
}

func TestDispatcher_GraphErrors(t *testing.T) {
	a := mkUnit(workspace.KindLib, "a", unit.ModeBuild)
	b := mkUnit(workspace.KindBin, "b", unit.ModeBuild, a)

	_, err := newDispatcher(NewFakeCompiler(), 1, false).Run(context.Background(), []unit.Unit{b})
	if errs.KindOf(err) != errs.KindInternal {
		t.Errorf("missing dependency: error = %v, want internal", err)
	}

	a.Deps = []unit.Key{b.Key()}
	_, err = newDispatcher(NewFakeCompiler(), 1, false).Run(context.Background(), []unit.Unit{a, b})
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("cycle: error = %v, want ErrConfiguration", err)
	}
}

func TestDispatcher_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	fc := NewFakeCompiler()
	a := mkUnit(workspace.KindLib, "a", unit.ModeBuild)
	report, err := newDispatcher(fc, 1, false).Run(ctx, []unit.Unit{a})
	if !IsCancelled(err) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if len(report.Skipped) != 1 || len(fc.Compiled()) != 0 {
		t.Errorf("report = %+v, compiled = %v", report, fc.Compiled())
	}
}

func TestDispatcher_OnStart(t *testing.T) {
	var mu sync.Mutex
	var started []string
	d := newDispatcher(NewFakeCompiler(), 2, false)
	d.OnStart = func(u unit.Unit) {
		mu.Lock()
		defer mu.Unlock()
		started = append(started, u.Target.Name)
	}
	lib := mkUnit(workspace.KindLib, "core", unit.ModeBuild)
	if _, err := d.Run(context.Background(), []unit.Unit{lib, mkUnit(workspace.KindBin, "tool", unit.ModeBuild, lib)}); err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(started, []string{"core", "tool"}) {
		t.Errorf("started = %v", started)
	}
}

func TestCommandLine(t *testing.T) {
	u := mkUnit(workspace.KindTest, "smoke", unit.ModeTest)
	u.Target.Harness = workspace.SelfManaged
	u.Features = []string{"tls", "std"}
	u.Triple = "aarch64-linux"

	got := strings.Join(CommandLine(Invocation{
		Unit:    u,
		SrcPath: "tests/smoke.cairn",
		OutPath: "/out/smoke",
		Args:    []string{"-W", "all"},
		Externs: map[string]string{"net": "/out/net", "core": "/out/core"},
	}), " ")
	want := "--name smoke --kind test --mode test --profile dev --opt-level 0 --debug --target aarch64-linux " +
		"--no-harness --cfg feature=std --cfg feature=tls --extern core=/out/core --extern net=/out/net " +
		"-W all -o /out/smoke tests/smoke.cairn"
	if got != want {
		t.Errorf("CommandLine =\n%s\nwant\n%s", got, want)
	}
}

func TestProcessCompiler(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses a shell script compiler")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "cairnc")
	body := "#!/bin/sh\n" +
		"case \"$*\" in *broken*) echo 'error: unexpected token' >&2; exit 1;; esac\n" +
		"while [ $# -gt 2 ]; do shift; done\n" +
		"cp \"$2\" \"$1\"\n"
	if err := os.WriteFile(script, []byte(body), 0755); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(dir, "lib.cairn")
	if err := os.WriteFile(src, []byte("fn main() {}"), 0644); err != nil {
		t.Fatal(err)
	}

	pc := &ProcessCompiler{Binary: script}
	u := mkUnit(workspace.KindLib, "core", unit.ModeBuild)
	out := filepath.Join(dir, "target", "debug", "deps", "core")

	art, err := pc.Compile(context.Background(), Invocation{Unit: u, SrcPath: src, OutPath: out, Cwd: dir})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if art.Path != out || art.Unit != u.Key() {
		t.Errorf("artifact = %+v", art)
	}
	if data, err := os.ReadFile(out); err != nil || string(data) != "fn main() {}" {
		t.Errorf("output = %q, %v", data, err)
	}

	u.Target.Name = "broken"
	_, err = pc.Compile(context.Background(), Invocation{Unit: u, SrcPath: src, OutPath: out, Cwd: dir})
	if err == nil || !strings.Contains(err.Error(), "unexpected token") {
		t.Errorf("error = %v, want the compiler diagnostics", err)
	}
}
