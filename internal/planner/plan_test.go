package planner

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/workspace"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// newPackage lays out a package with a lib, a bin, docs, build output, a
// nested package and a git directory.
func newPackage(t *testing.T) *workspace.Package {
	t.Helper()
	root := t.TempDir()
	for rel, content := range map[string]string{
		"Cairn.toml":           "[package]\nname = \"core\"\nversion = \"0.1.0\"\n",
		"README.md":            "# core\n",
		"src/lib.cairn":        "lib\n",
		"src/main.cairn":       "main\n",
		"docs/guide.md":        "guide\n",
		"scratch.log":          "log\n",
		"target/debug/core":    "binary\n",
		".git/HEAD":            "ref\n",
		"nested/Cairn.toml":    "[package]\nname = \"nested\"\n",
		"nested/src/lib.cairn": "nested\n",
	} {
		writeFile(t, filepath.Join(root, filepath.FromSlash(rel)), content)
	}
	return &workspace.Package{
		Name:         "core",
		Version:      "0.1.0",
		Root:         root,
		ManifestPath: filepath.Join(root, "Cairn.toml"),
		Targets: []*workspace.Target{
			{Kind: workspace.KindLib, Name: "core", SrcPath: filepath.Join(root, "src", "lib.cairn"), Test: true, Doctest: true},
			{Kind: workspace.KindBin, Name: "core", SrcPath: filepath.Join(root, "src", "main.cairn"), Test: true},
		},
		Metadata: workspace.Metadata{Readme: "README.md", License: "MIT"},
	}
}

func TestBuildPackagePlan_Defaults(t *testing.T) {
	pkg := newPackage(t)
	plan, err := BuildPackagePlan(fsops.NewRealFS(), pkg, Options{})
	if err != nil {
		t.Fatalf("BuildPackagePlan failed: %v", err)
	}
	if plan.HasConflicts() {
		t.Fatalf("unexpected conflicts: %+v", plan.Conflicts)
	}
	if plan.Package != "core-0.1.0" {
		t.Errorf("prefix = %q", plan.Package)
	}

	want := []string{
		"Cairn.toml",
		"Cairn.toml.orig",
		"README.md",
		"docs/guide.md",
		"scratch.log",
		"src/lib.cairn",
		"src/main.cairn",
	}
	if got := plan.Files(); !slices.Equal(got, want) {
		t.Errorf("files = %v, want %v", got, want)
	}

	manifest := plan.Entries[0]
	if manifest.Type != OpGenerate || !strings.Contains(string(manifest.Data), "autodiscover = false") {
		t.Errorf("manifest entry = %s %q, want the normalized manifest", manifest.Type, manifest.Data)
	}
	orig := plan.Entries[1]
	if orig.Type != OpCopy || orig.SourcePath != pkg.ManifestPath {
		t.Errorf("orig entry = %+v", orig)
	}
}

func TestBuildPackagePlan_IncludeExclude(t *testing.T) {
	tests := []struct {
		name    string
		include []string
		exclude []string
		want    []string
	}{
		{
			name:    "exclude by base name",
			exclude: []string{"*.log"},
			want:    []string{"Cairn.toml", "Cairn.toml.orig", "README.md", "docs/guide.md", "src/lib.cairn", "src/main.cairn"},
		},
		{
			name:    "exclude a directory",
			exclude: []string{"docs"},
			want:    []string{"Cairn.toml", "Cairn.toml.orig", "README.md", "scratch.log", "src/lib.cairn", "src/main.cairn"},
		},
		{
			name:    "include wins over exclude",
			include: []string{"src/**", "README.md"},
			exclude: []string{"src/**"},
			want:    []string{"Cairn.toml", "Cairn.toml.orig", "README.md", "src/lib.cairn", "src/main.cairn"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkg := newPackage(t)
			pkg.Include, pkg.Exclude = tt.include, tt.exclude
			plan, err := BuildPackagePlan(fsops.NewRealFS(), pkg, Options{})
			if err != nil {
				t.Fatal(err)
			}
			if plan.HasConflicts() {
				t.Fatalf("unexpected conflicts: %+v", plan.Conflicts)
			}
			if got := plan.Files(); !slices.Equal(got, tt.want) {
				t.Errorf("files = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildPackagePlan_Conflicts(t *testing.T) {
	t.Run("excluded target source", func(t *testing.T) {
		pkg := newPackage(t)
		pkg.Exclude = []string{"src/main.cairn"}
		plan, err := BuildPackagePlan(fsops.NewRealFS(), pkg, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if len(plan.Conflicts) != 1 || plan.Conflicts[0].Path != "src/main.cairn" {
			t.Errorf("conflicts = %+v", plan.Conflicts)
		}
	})

	t.Run("missing readme", func(t *testing.T) {
		pkg := newPackage(t)
		pkg.Metadata.Readme = "docs/README.md"
		plan, err := BuildPackagePlan(fsops.NewRealFS(), pkg, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if len(plan.Conflicts) != 1 || !strings.Contains(plan.Conflicts[0].Reason, "readme") {
			t.Errorf("conflicts = %+v", plan.Conflicts)
		}
	})

	t.Run("reserved name", func(t *testing.T) {
		pkg := newPackage(t)
		writeFile(t, filepath.Join(pkg.Root, OrigManifestName), "stale\n")
		plan, err := BuildPackagePlan(fsops.NewRealFS(), pkg, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if len(plan.Conflicts) != 1 || plan.Conflicts[0].Path != OrigManifestName {
			t.Errorf("conflicts = %+v", plan.Conflicts)
		}
	})

	t.Run("path dependency without version", func(t *testing.T) {
		pkg := newPackage(t)
		pkg.Dependencies = []workspace.Dependency{{Name: "util", Path: "/ws/util"}}
		if _, err := BuildPackagePlan(fsops.NewRealFS(), pkg, Options{}); err == nil {
			t.Error("expected an error for an unversioned path dependency")
		}
	})

	t.Run("invalid pattern", func(t *testing.T) {
		pkg := newPackage(t)
		pkg.Exclude = []string{"src/[a"}
		if _, err := BuildPackagePlan(fsops.NewRealFS(), pkg, Options{}); err == nil {
			t.Error("expected an error for an invalid pattern")
		}
	})
}

func TestBuildPackagePlan_VCSInfo(t *testing.T) {
	pkg := newPackage(t)
	plan, err := BuildPackagePlan(fsops.NewRealFS(), pkg, Options{Commit: "abc123", PathInVCS: "crates/core"})
	if err != nil {
		t.Fatal(err)
	}
	var info *Entry
	for i := range plan.Entries {
		if plan.Entries[i].ArchivePath == VCSInfoName {
			info = &plan.Entries[i]
		}
	}
	if info == nil {
		t.Fatal("VCS info entry missing")
	}
	for _, want := range []string{`"sha1": "abc123"`, `"path_in_vcs": "crates/core"`} {
		if !strings.Contains(string(info.Data), want) {
			t.Errorf("VCS info %s missing %s", info.Data, want)
		}
	}
}

func TestConflictChecker(t *testing.T) {
	c := NewConflictChecker(fsops.NewRealFS(), VCSInfoName)
	tests := []struct {
		path     string
		conflict bool
	}{
		{path: "src/lib.cairn"},
		{path: "src/Lib.cairn", conflict: true},
		{path: "README.md"},
		{path: VCSInfoName, conflict: true},
		{path: "../escape", conflict: true},
		{path: "/abs", conflict: true},
	}
	for _, tt := range tests {
		got := c.CheckPath(tt.path)
		if (got != nil) != tt.conflict {
			t.Errorf("CheckPath(%q) = %+v, want conflict %v", tt.path, got, tt.conflict)
		}
	}
}

func TestPackaged(t *testing.T) {
	pkg := newPackage(t)
	pkg.Exclude = []string{"*.log"}
	fs := fsops.NewRealFS()
	for rel, want := range map[string]bool{
		"Cairn.toml":           true,
		"src/lib.cairn":        true,
		"docs/guide.md":        true,
		"scratch.log":          false,
		"target/debug/core":    false,
		".git/HEAD":            false,
		"nested/src/lib.cairn": false,
		"../outside.cairn":     false,
	} {
		if got := Packaged(fs, pkg, rel); got != want {
			t.Errorf("Packaged(%q) = %v, want %v", rel, got, want)
		}
	}
}
