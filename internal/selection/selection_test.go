package selection

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// fixture is a three-member workspace: app (default member) depends on core,
// core optionally depends on net.
var fixture = map[string]string{
	"Cairn.toml": `
[workspace]
members = ["crates/*"]
default-members = ["crates/app"]

[profile.fast]
inherits = "release"
opt-level = 2
`,
	"crates/app/Cairn.toml": `
[package]
name = "app"
version = "1.0.0"

[dependencies]
core = { path = "../core", version = "0.1" }
`,
	"crates/app/src/lib.cairn":   "",
	"crates/app/src/main.cairn":  "",
	"crates/app/tests/cli.cairn": "",
	"crates/core/Cairn.toml":     `
[package]
name = "core"
version = "0.1.0"

[features]
default = ["std"]
std = []
slow = []
tls = ["net/tls"]

[dependencies]
net = { path = "../net", version = "0.1", optional = true }

[[bin]]
name = "tool"
path = "src/bin/tool.cairn"
required-features = ["slow"]
`,
	"crates/core/src/lib.cairn":       "",
	"crates/core/src/bin/tool.cairn":  "",
	"crates/core/tests/smoke.cairn":   "",
	"crates/core/examples/demo.cairn": "",
	"crates/core/benches/speed.cairn": "",
	"crates/net/Cairn.toml":           `
[package]
name = "net"
version = "0.1.0"

[features]
default = []
tls = []
`,
	"crates/net/src/lib.cairn": "",
}

func loadFixture(t testing.TB) *workspace.Workspace {
	t.Helper()
	root := t.TempDir()
	for rel, content := range fixture {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	ws, err := workspace.Load(fsops.NewRealFS(), filepath.Join(root, "Cairn.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return ws
}

func pkgNames(r *Result) []string {
	var out []string
	for _, p := range r.Packages() {
		out = append(out, p.Name)
	}
	return out
}

func unitKeys(r *Result) []string {
	var out []string
	for _, u := range r.Units() {
		out = append(out, string(u.Key()))
	}
	return out
}

func findUnit(t *testing.T, r *Result, key string) unit.Unit {
	t.Helper()
	for _, u := range r.Units() {
		if string(u.Key()) == key {
			return u
		}
	}
	t.Fatalf("unit %s not selected; have %v", key, unitKeys(r))
	return unit.Unit{}
}

func TestResolve_Packages(t *testing.T) {
	ws := loadFixture(t)

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{name: "defaults", opts: Options{}, want: []string{"app"}},
		{name: "workspace", opts: Options{Workspace: true}, want: []string{"app", "core", "net"}},
		{name: "workspace exclude", opts: Options{Workspace: true, Exclude: []string{"core"}}, want: []string{"app", "net"}},
		{name: "workspace exclude glob", opts: Options{Workspace: true, Exclude: []string{"*e*"}}, want: []string{"app"}},
		{name: "literal", opts: Options{Packages: []string{"net"}}, want: []string{"net"}},
		{name: "versioned literal", opts: Options{Packages: []string{"core@0.1"}}, want: []string{"core"}},
		{name: "glob", opts: Options{Packages: []string{"[cn]*"}}, want: []string{"core", "net"}},
		{name: "member order", opts: Options{Packages: []string{"net", "app"}}, want: []string{"app", "net"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Resolve(ws, tt.opts)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if got := pkgNames(res); !slices.Equal(got, tt.want) {
				t.Errorf("packages = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolve_PackageErrors(t *testing.T) {
	ws := loadFixture(t)

	tests := []struct {
		name string
		opts Options
	}{
		{name: "exclude without workspace", opts: Options{Exclude: []string{"core"}}},
		{name: "literal without match", opts: Options{Packages: []string{"missing"}}},
		{name: "version mismatch", opts: Options{Packages: []string{"core@2"}}},
		{name: "bad spec", opts: Options{Packages: []string{"core@^1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(ws, tt.opts)
			if !errors.Is(err, errs.ErrConfiguration) {
				t.Errorf("error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestResolve_GlobWithoutMatchIsEmpty(t *testing.T) {
	ws := loadFixture(t)
	res, err := Resolve(ws, Options{Packages: []string{"zzz-*"}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(res.Packages()) != 0 || len(res.Units()) != 0 {
		t.Errorf("expected an empty selection, got %v", unitKeys(res))
	}
	if len(res.Warnings()) != 1 {
		t.Errorf("warnings = %v, want one", res.Warnings())
	}
}

func TestResolve_ExcludeLiteralWithoutMatchWarns(t *testing.T) {
	ws := loadFixture(t)
	res, err := Resolve(ws, Options{Workspace: true, Exclude: []string{"gone"}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(res.Warnings()) != 1 || !strings.Contains(res.Warnings()[0], "gone") {
		t.Errorf("warnings = %v", res.Warnings())
	}
}

func TestResolve_Features(t *testing.T) {
	ws := loadFixture(t)

	tests := []struct {
		name    string
		opts    Options
		core    []string
		net     []string
		netUnit bool
	}{
		{name: "defaults", opts: Options{}, core: []string{"default", "std"}},
		{name: "no defaults", opts: Options{NoDefaultFeatures: true}},
		{
			name:    "feature enabling an optional member",
			opts:    Options{Features: []string{"tls"}},
			core:    []string{"default", "net", "std", "tls"},
			net:     []string{"default", "tls"},
			netUnit: true,
		},
		{
			name:    "comma and space separated",
			opts:    Options{Features: []string{"slow, tls"}},
			core:    []string{"default", "net", "slow", "std", "tls"},
			net:     []string{"default", "tls"},
			netUnit: true,
		},
		{
			name:    "package qualified",
			opts:    Options{Features: []string{"core/slow"}},
			core:    []string{"default", "slow", "std"},
			netUnit: false,
		},
		{
			name:    "dependency qualified",
			opts:    Options{Features: []string{"net/tls"}},
			core:    []string{"default", "net", "std"},
			net:     []string{"default", "tls"},
			netUnit: true,
		},
		{
			name:    "all features",
			opts:    Options{AllFeatures: true},
			core:    []string{"default", "net", "slow", "std", "tls"},
			net:     []string{"default", "tls"},
			netUnit: true,
		},
		{
			name:    "all features beats no defaults",
			opts:    Options{AllFeatures: true, NoDefaultFeatures: true},
			core:    []string{"default", "net", "slow", "std", "tls"},
			net:     []string{"default", "tls"},
			netUnit: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.Packages = []string{"core"}
			res, err := Resolve(ws, opts)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if got := res.Features("core"); !slices.Equal(got, tt.core) && !(len(got) == 0 && len(tt.core) == 0) {
				t.Errorf("core features = %v, want %v", got, tt.core)
			}
			if got := res.Features("net"); !slices.Equal(got, tt.net) && !(len(got) == 0 && len(tt.net) == 0) {
				t.Errorf("net features = %v, want %v", got, tt.net)
			}
			hasNet := slices.Contains(unitKeys(res), "net/lib/net/build/dev/host")
			if hasNet != tt.netUnit {
				t.Errorf("net lib unit present = %v, want %v (units %v)", hasNet, tt.netUnit, unitKeys(res))
			}
		})
	}
}

func TestResolve_FeatureErrors(t *testing.T) {
	ws := loadFixture(t)
	for _, features := range []string{"missing", "core/missing", "dep:net", "nope/tls"} {
		t.Run(features, func(t *testing.T) {
			_, err := Resolve(ws, Options{Packages: []string{"core"}, Features: []string{features}})
			if !errors.Is(err, errs.ErrConfiguration) {
				t.Errorf("error = %v, want ErrConfiguration", err)
			}
		})
	}
}

func TestResolve_BuildDefaults(t *testing.T) {
	ws := loadFixture(t)

	res, err := Resolve(ws, Options{Packages: []string{"core"}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got := unitKeys(res); !slices.Equal(got, []string{"core/lib/core/build/dev/host"}) {
		t.Errorf("units = %v, tool needs the slow feature and should be skipped", got)
	}

	res, err = Resolve(ws, Options{Packages: []string{"core"}, Features: []string{"slow"}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	tool := findUnit(t, res, "core/bin/tool/build/dev/host")
	if !slices.Equal(tool.Deps, []unit.Key{"core/lib/core/build/dev/host"}) {
		t.Errorf("tool deps = %v", tool.Deps)
	}
}

func TestResolve_TestDefaults(t *testing.T) {
	ws := loadFixture(t)

	res, err := Resolve(ws, Options{Mode: unit.ModeTest, Packages: []string{"core"}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{
		"core/lib/core/test/test/host",
		"core/example/demo/build/test/host",
		"core/lib/core/build/test/host",
		"core/test/smoke/test/test/host",
	}
	if got := unitKeys(res); !slices.Equal(got, want) {
		t.Errorf("units = %v, want %v", got, want)
	}
	roots := res.Roots()
	if slices.Contains(roots, unit.Key("core/lib/core/build/test/host")) {
		t.Error("the linked lib is implied, not a root")
	}

	docs := res.Doctests()
	if len(docs) != 1 || docs[0].Package.Name != "core" || docs[0].Lib != "core/lib/core/build/test/host" {
		t.Errorf("doctests = %+v", docs)
	}
	if res.Profile().Name != "test" || res.Profile().Dir() != "debug" {
		t.Errorf("profile = %+v", res.Profile())
	}
}

func TestResolve_IntegrationTestsLinkBins(t *testing.T) {
	ws := loadFixture(t)

	res, err := Resolve(ws, Options{Mode: unit.ModeTest})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	cli := findUnit(t, res, "app/test/cli/test/test/host")
	want := []unit.Key{
		"app/lib/app/build/test/host",
		"app/bin/app/build/test/host",
		"core/lib/core/build/test/host",
	}
	if !slices.Equal(cli.Deps, want) {
		t.Errorf("cli deps = %v, want %v", cli.Deps, want)
	}
	findUnit(t, res, "app/bin/app/test/test/host")
	findUnit(t, res, "app/lib/app/test/test/host")
}

func TestResolve_ExplicitTargets(t *testing.T) {
	ws := loadFixture(t)

	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{
			name: "lib only",
			opts: Options{Lib: true},
			want: []string{"core/lib/core/build/dev/host"},
		},
		{
			name: "bench by name in test mode ignores the bench opt-out",
			opts: Options{Mode: unit.ModeTest, BenchNames: []string{"speed"}},
			want: []string{"core/bench/speed/test/test/host", "core/lib/core/build/test/host"},
		},
		{
			name: "tests flag selects every test=true target",
			opts: Options{Mode: unit.ModeTest, Tests: true},
			want: []string{"core/lib/core/test/test/host", "core/test/smoke/test/test/host", "core/lib/core/build/test/host"},
		},
		{
			name: "examples glob",
			opts: Options{ExampleNames: []string{"d*"}},
			want: []string{"core/example/demo/build/dev/host", "core/lib/core/build/dev/host"},
		},
		{
			name: "benches in bench mode",
			opts: Options{Mode: unit.ModeBench, Benches: true},
			want: []string{"core/lib/core/bench/bench/host", "core/bench/speed/bench/bench/host", "core/lib/core/build/bench/host"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.Packages = []string{"core"}
			res, err := Resolve(ws, opts)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if got := unitKeys(res); !slices.Equal(got, tt.want) {
				t.Errorf("units = %v, want %v", got, tt.want)
			}
			if len(res.Doctests()) != 0 {
				t.Error("explicit target flags must not select doctests")
			}
		})
	}
}

func TestResolve_TargetErrors(t *testing.T) {
	ws := loadFixture(t)

	tests := []struct {
		name string
		opts Options
		want string
	}{
		{name: "unknown bin", opts: Options{BinNames: []string{"nope"}}, want: "Available bin targets:\n    tool"},
		{name: "required features", opts: Options{BinNames: []string{"tool"}}, want: "requires the features: `slow`"},
		{name: "doc with lib", opts: Options{Mode: unit.ModeTest, Doc: true, Lib: true}, want: "--doc"},
		{name: "doc when building", opts: Options{Doc: true}, want: "--doc"},
		{name: "release with profile", opts: Options{Release: true, Profile: "fast"}, want: "conflicting"},
		{name: "unknown profile", opts: Options{Profile: "nope"}, want: "not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := tt.opts
			opts.Packages = []string{"core"}
			_, err := Resolve(ws, opts)
			if !errors.Is(err, errs.ErrConfiguration) {
				t.Fatalf("error = %v, want ErrConfiguration", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestResolve_LibFlagWithoutAnyLib(t *testing.T) {
	root := t.TempDir()
	files := map[string]string{
		"Cairn.toml":     "[package]\nname = \"solo\"\nversion = \"0.1.0\"\n",
		"src/main.cairn": "",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	ws, err := workspace.Load(fsops.NewRealFS(), filepath.Join(root, "Cairn.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Resolve(ws, Options{Lib: true}); !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("error = %v, want ErrConfiguration", err)
	}
	res, err := Resolve(ws, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if got := pkgNames(res); !slices.Equal(got, []string{"solo"}) {
		t.Errorf("packages = %v, want the manifest's own package", got)
	}
}

func TestResolve_Profiles(t *testing.T) {
	ws := loadFixture(t)

	tests := []struct {
		opts Options
		want string
		dir  string
	}{
		{opts: Options{}, want: "dev", dir: "debug"},
		{opts: Options{Release: true}, want: "release", dir: "release"},
		{opts: Options{Profile: "release", Release: true}, want: "release", dir: "release"},
		{opts: Options{Profile: "fast"}, want: "fast", dir: "fast"},
		{opts: Options{Mode: unit.ModeBench}, want: "bench", dir: "release"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			res, err := Resolve(ws, tt.opts)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if res.Profile().Name != tt.want || res.Profile().Dir() != tt.dir {
				t.Errorf("profile = %+v", res.Profile())
			}
		})
	}
}

func TestResolve_Triples(t *testing.T) {
	ws := loadFixture(t)

	res, err := Resolve(ws, Options{Mode: unit.ModeTest, Packages: []string{"net"}, Targets: []string{"x86_64-linux", "aarch64-linux"}})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	want := []string{"net/lib/net/test/test/x86_64-linux", "net/lib/net/test/test/aarch64-linux"}
	if got := unitKeys(res); !slices.Equal(got, want) {
		t.Errorf("units = %v, want %v", got, want)
	}
	if len(res.Doctests()) != 0 || len(res.Warnings()) != 1 {
		t.Errorf("doctests = %d warnings = %v, want doctests skipped with a warning", len(res.Doctests()), res.Warnings())
	}
}

func TestResult_AccessorsCopy(t *testing.T) {
	ws := loadFixture(t)
	res, err := Resolve(ws, Options{Mode: unit.ModeTest, Packages: []string{"core"}})
	if err != nil {
		t.Fatal(err)
	}
	units := res.Units()
	units[0].Features = append(units[0].Features, "mutated")
	units[0].Deps = nil
	res.Features("core")[0] = "mutated"

	again := res.Units()
	if slices.Contains(again[0].Features, "mutated") || slices.Contains(res.Features("core"), "mutated") {
		t.Error("Result must not be mutable through its accessors")
	}
}

func TestResolve_DefaultMembersProperty(t *testing.T) {
	ws := loadFixture(t)
	defaults := ws.DefaultMembers()

	rapid.Check(t, func(t *rapid.T) {
		opts := Options{
			Mode:              rapid.SampledFrom([]unit.Mode{unit.ModeBuild, unit.ModeTest, unit.ModeBench}).Draw(t, "mode"),
			Lib:               rapid.Bool().Draw(t, "lib"),
			Bins:              rapid.Bool().Draw(t, "bins"),
			Examples:          rapid.Bool().Draw(t, "examples"),
			Tests:             rapid.Bool().Draw(t, "tests"),
			Benches:           rapid.Bool().Draw(t, "benches"),
			AllTargets:        rapid.Bool().Draw(t, "all-targets"),
			AllFeatures:       rapid.Bool().Draw(t, "all-features"),
			NoDefaultFeatures: rapid.Bool().Draw(t, "no-default-features"),
			Release:           rapid.Bool().Draw(t, "release"),
		}
		res, err := Resolve(ws, opts)
		if err != nil {
			t.Fatalf("Resolve(%+v) failed: %v", opts, err)
		}
		got := res.Packages()
		if len(got) != len(defaults) {
			t.Fatalf("packages = %v, want default members", pkgNames(res))
		}
		for i := range got {
			if got[i] != defaults[i] {
				t.Fatalf("packages = %v, want default members", pkgNames(res))
			}
		}
	})
}

func TestResolve_DocExclusiveProperty(t *testing.T) {
	ws := loadFixture(t)

	rapid.Check(t, func(t *rapid.T) {
		opts := Options{Mode: unit.ModeTest, Doc: true, Packages: []string{"core"}}
		switch rapid.IntRange(0, 10).Draw(t, "flag") {
		case 0:
			opts.Lib = true
		case 1:
			opts.Bins = true
		case 2:
			opts.BinNames = []string{"tool"}
		case 3:
			opts.Examples = true
		case 4:
			opts.ExampleNames = []string{"demo"}
		case 5:
			opts.Tests = true
		case 6:
			opts.TestNames = []string{"smoke"}
		case 7:
			opts.Benches = true
		case 8:
			opts.BenchNames = []string{"speed"}
		case 9:
			opts.AllTargets = true
		case 10:
			opts.TestNames = []string{"s*"}
		}
		if _, err := Resolve(ws, opts); !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("--doc with %+v: error = %v, want ErrConfiguration", opts, err)
		}
	})
}

func TestResolve_GlobVersusLiteralProperty(t *testing.T) {
	ws := loadFixture(t)

	rapid.Check(t, func(t *rapid.T) {
		name := "x-" + rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "name")

		if _, err := Resolve(ws, Options{Packages: []string{name}}); !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("literal package %q: error = %v, want ErrConfiguration", name, err)
		}
		if _, err := Resolve(ws, Options{Packages: []string{name + "*"}}); err != nil {
			t.Fatalf("glob package %q*: unexpected error %v", name, err)
		}
		if _, err := Resolve(ws, Options{Packages: []string{"core"}, TestNames: []string{name}}); !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("literal test %q: error = %v, want ErrConfiguration", name, err)
		}
		if _, err := Resolve(ws, Options{Packages: []string{"core"}, TestNames: []string{name + "?"}}); err != nil {
			t.Fatalf("glob test %q?: unexpected error %v", name, err)
		}
	})
}
