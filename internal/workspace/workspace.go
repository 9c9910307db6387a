// Package workspace loads the static package graph of a cairn workspace.
//
// A workspace is rooted at a Cairn.toml with a [workspace] table. Members are
// listed with doublestar globs; a manifest without a [workspace] table belongs
// to the nearest parent workspace whose members include it, or stands alone.
// Everything returned by Load is read-only for the rest of the invocation.
package workspace

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
)

// Kind is the kind of a compilable target.
type Kind int

const (
	KindLib Kind = iota
	KindBin
	KindExample
	KindTest
	KindBench
)

// Kinds lists every target kind in execution order.
var Kinds = []Kind{KindLib, KindBin, KindTest, KindExample, KindBench}

func (k Kind) String() string {
	switch k {
	case KindLib:
		return "lib"
	case KindBin:
		return "bin"
	case KindExample:
		return "example"
	case KindTest:
		return "test"
	case KindBench:
		return "bench"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// HarnessMode selects how a test executable discovers and runs its cases.
type HarnessMode int

const (
	// HarnessManaged executables are built around the registration list of
	// marked cases and accept the harness command line (filter, threads).
	HarnessManaged HarnessMode = iota

	// SelfManaged executables provide their own entry point; the exit code is
	// the only result.
	SelfManaged
)

func (h HarnessMode) String() string {
	if h == SelfManaged {
		return "self-managed"
	}
	return "harness"
}

// Target is one compilable unit of a package.
type Target struct {
	Kind             Kind
	Name             string
	SrcPath          string
	Harness          HarnessMode
	Test             bool
	Bench            bool
	Doctest          bool
	RequiredFeatures []string
	Docs             []string
}

// DepKind distinguishes dependency tables.
type DepKind int

const (
	DepNormal DepKind = iota
	DepDev
	DepBuild
)

// Dependency is one entry of a dependency table.
type Dependency struct {
	Name              string
	Package           string // renamed source package, empty when equal to Name
	Req               string
	Path              string // absolute, empty for registry dependencies
	Optional          bool
	Features          []string
	NoDefaultFeatures bool
	Kind              DepKind
}

// PackageName is the name of the package the dependency refers to.
func (d Dependency) PackageName() string {
	if d.Package != "" {
		return d.Package
	}
	return d.Name
}

// PublishPolicy is the publish restriction of a package. A restricted policy
// with no registries forbids publishing entirely.
type PublishPolicy struct {
	Restricted bool
	Registries []string
}

// Allows reports whether the package may be published to registry.
func (p PublishPolicy) Allows(registry string) bool {
	if !p.Restricted {
		return true
	}
	for _, r := range p.Registries {
		if r == registry {
			return true
		}
	}
	return false
}

// Metadata is descriptive package information shown by the registry.
type Metadata struct {
	Description string
	License     string
	Readme      string
	Repository  string
}

// Package is one workspace member.
type Package struct {
	Name         string
	Version      string
	Root         string
	ManifestPath string
	Targets      []*Target
	Features     map[string][]string
	Dependencies []Dependency
	Publish      PublishPolicy
	Include      []string
	Exclude      []string
	Metadata     Metadata
}

// TargetsOf returns the package's targets of kind, in manifest order.
func (p *Package) TargetsOf(kind Kind) []*Target {
	var out []*Target
	for _, t := range p.Targets {
		if t.Kind == kind {
			out = append(out, t)
		}
	}
	return out
}

// Lib returns the library target, or nil.
func (p *Package) Lib() *Target {
	if libs := p.TargetsOf(KindLib); len(libs) > 0 {
		return libs[0]
	}
	return nil
}

// RelPath returns path relative to the package root, slash-separated.
func (p *Package) RelPath(path string) (string, error) {
	rel, err := filepath.Rel(p.Root, path)
	if err != nil {
		return "", fmt.Errorf("failed to relativize %s: %w", path, err)
	}
	rel = filepath.ToSlash(rel)
	if err := fsops.ValidateRelPath(rel); err != nil {
		return "", fmt.Errorf("%s is outside package %s: %w", path, p.Name, err)
	}
	return rel, nil
}

// ProfileDef is a [profile.<name>] table of the root manifest.
type ProfileDef struct {
	Inherits string
	OptLevel string
	Debug    *bool
}

// Workspace is the loaded package graph.
type Workspace struct {
	Root         string
	RootManifest string
	Packages     []*Package
	Virtual      bool
	Current      *Package
	Profiles     map[string]ProfileDef

	defaults []*Package
	explicit bool
}

// Members returns every member in load order.
func (w *Workspace) Members() []*Package {
	return append([]*Package(nil), w.Packages...)
}

// Member returns the member named name.
func (w *Workspace) Member(name string) (*Package, bool) {
	for _, p := range w.Packages {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// DefaultMembers returns the packages selected when no package flag is
// given: the current member when invoked from a non-root member manifest,
// else default-members when declared, else every member of a virtual
// workspace, else the root package.
func (w *Workspace) DefaultMembers() []*Package {
	if w.Current != nil && w.Current.ManifestPath != w.RootManifest {
		return []*Package{w.Current}
	}
	if w.explicit {
		return append([]*Package(nil), w.defaults...)
	}
	if w.Virtual {
		return w.Members()
	}
	if root := w.rootPackage(); root != nil {
		return []*Package{root}
	}
	return nil
}

func (w *Workspace) rootPackage() *Package {
	for _, p := range w.Packages {
		if p.ManifestPath == w.RootManifest {
			return p
		}
	}
	return nil
}

// InWorkspaceDeps returns the members that pkg depends on through normal or
// build path dependencies, in member order.
func (w *Workspace) InWorkspaceDeps(pkg *Package) []*Package {
	return w.deps(pkg, false)
}

// DevDeps returns the members pkg reaches through dev-dependency paths.
func (w *Workspace) DevDeps(pkg *Package) []*Package {
	return w.deps(pkg, true)
}

func (w *Workspace) deps(pkg *Package, dev bool) []*Package {
	want := map[string]bool{}
	for _, d := range pkg.Dependencies {
		if d.Path == "" || (d.Kind == DepDev) != dev {
			continue
		}
		want[filepath.Clean(d.Path)] = true
	}
	var out []*Package
	for _, p := range w.Packages {
		if p != pkg && want[filepath.Clean(p.Root)] {
			out = append(out, p)
		}
	}
	return out
}

// FindManifest returns the nearest Cairn.toml at or above dir.
func FindManifest(fs fsops.FS, dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	for cur := abs; ; {
		candidate := filepath.Join(cur, ManifestName)
		if ok, _ := fs.Exists(candidate); ok {
			return candidate, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", errs.Configf("could not find `%s` in `%s` or any parent directory", ManifestName, abs)
		}
		cur = parent
	}
}

// Load reads the manifest at manifestPath and the workspace it belongs to.
func Load(fs fsops.FS, manifestPath string) (*Workspace, error) {
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path: %w", err)
	}
	m, err := readManifest(fs, abs)
	if err != nil {
		return nil, err
	}

	rootPath, rootM := abs, m
	if m.Workspace == nil {
		if m.Package == nil {
			return nil, errs.Configf("manifest %s has neither [package] nor [workspace]", abs)
		}
		if p, pm, err := findRoot(fs, abs); err != nil {
			return nil, err
		} else if p != "" {
			rootPath, rootM = p, pm
		}
	}

	ws, err := build(fs, rootPath, rootM)
	if err != nil {
		return nil, err
	}
	for _, p := range ws.Packages {
		if p.ManifestPath == abs {
			ws.Current = p
		}
	}
	return ws, nil
}

// LoadStandalone loads a single package without searching for a parent
// workspace. Unpacked archives are loaded this way.
func LoadStandalone(fs fsops.FS, manifestPath string) (*Workspace, error) {
	abs, err := filepath.Abs(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manifest path: %w", err)
	}
	m, err := readManifest(fs, abs)
	if err != nil {
		return nil, err
	}
	if m.Package == nil {
		return nil, errs.Configf("manifest %s has no [package] table", abs)
	}
	m.Workspace = nil
	ws, err := build(fs, abs, m)
	if err != nil {
		return nil, err
	}
	ws.Current = ws.Packages[0]
	return ws, nil
}

// findRoot walks up from a member manifest looking for a workspace whose
// members include it. It returns an empty path when there is none.
func findRoot(fs fsops.FS, memberManifest string) (string, *manifest, error) {
	memberDir := filepath.Dir(memberManifest)
	dir := filepath.Dir(memberDir)
	for {
		candidate := filepath.Join(dir, ManifestName)
		if ok, _ := fs.Exists(candidate); ok {
			m, err := readManifest(fs, candidate)
			if err != nil {
				return "", nil, err
			}
			if m.Workspace != nil {
				rel, _ := filepath.Rel(dir, memberDir)
				if excluded(filepath.ToSlash(rel), m.Workspace.Exclude) {
					return "", nil, nil
				}
				ws, err := build(fs, candidate, m)
				if err != nil {
					return "", nil, err
				}
				for _, p := range ws.Packages {
					if p.Root == memberDir {
						return candidate, m, nil
					}
				}
				return "", nil, errs.Configf(
					"current package believes it's in a workspace when it's not:\n"+
						"current:   %s\nworkspace: %s\n"+
						"add the package to the `workspace.members` array, or add it to `workspace.exclude`",
					memberManifest, candidate)
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil, nil
		}
		dir = parent
	}
}

// memberDirs expands workspace.members globs into absolute directories that
// contain a manifest, minus workspace.exclude.
func memberDirs(fs fsops.FS, root string, wt *workspaceTable) ([]string, error) {
	seen := map[string]bool{}
	var dirs []string
	for _, pattern := range wt.Members {
		pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
		matches, err := fs.Glob(root, pattern)
		if err != nil {
			return nil, errs.Wrap(err, errs.KindConfiguration, "invalid workspace member pattern %q", pattern)
		}
		if len(matches) == 0 && !doublestarMeta(pattern) {
			return nil, errs.Configf("workspace member %q does not exist in %s", pattern, root)
		}
		for _, rel := range matches {
			if excluded(rel, wt.Exclude) {
				continue
			}
			dir := filepath.Join(root, filepath.FromSlash(rel))
			if ok, _ := fs.Exists(filepath.Join(dir, ManifestName)); !ok {
				if !doublestarMeta(pattern) {
					return nil, errs.Configf("workspace member %s has no %s", dir, ManifestName)
				}
				continue
			}
			if !seen[dir] {
				seen[dir] = true
				dirs = append(dirs, dir)
			}
		}
	}
	return dirs, nil
}

func doublestarMeta(pattern string) bool {
	return strings.ContainsAny(pattern, "*?[{")
}

func excluded(rel string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.TrimSuffix(filepath.ToSlash(p), "/")
		if rel == p || strings.HasPrefix(rel, p+"/") {
			return true
		}
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// build assembles the workspace rooted at rootPath.
func build(fs fsops.FS, rootPath string, rootM *manifest) (*Workspace, error) {
	root := filepath.Dir(rootPath)
	ws := &Workspace{
		Root:         root,
		RootManifest: rootPath,
		Virtual:      rootM.Package == nil,
		Profiles:     map[string]ProfileDef{},
	}
	for name, p := range rootM.Profile {
		ws.Profiles[name] = ProfileDef{Inherits: p.Inherits, OptLevel: optLevel(p.OptLevel), Debug: p.Debug}
	}

	byDir := map[string]*Package{}
	byName := map[string]*Package{}
	add := func(path string, m *manifest) (*Package, error) {
		pkg, err := loadPackage(fs, path, m)
		if err != nil {
			return nil, err
		}
		if prev, dup := byName[pkg.Name]; dup {
			return nil, errs.Configf("two packages named %q in this workspace:\n- %s\n- %s",
				pkg.Name, prev.ManifestPath, pkg.ManifestPath)
		}
		byName[pkg.Name] = pkg
		byDir[pkg.Root] = pkg
		ws.Packages = append(ws.Packages, pkg)
		return pkg, nil
	}

	if rootM.Package != nil {
		if _, err := add(rootPath, rootM); err != nil {
			return nil, err
		}
	}

	var dirs []string
	if rootM.Workspace != nil {
		var err error
		if dirs, err = memberDirs(fs, root, rootM.Workspace); err != nil {
			return nil, err
		}
	}
	for _, dir := range dirs {
		if _, ok := byDir[dir]; ok {
			continue
		}
		path := filepath.Join(dir, ManifestName)
		m, err := readManifest(fs, path)
		if err != nil {
			return nil, err
		}
		if m.Workspace != nil {
			return nil, errs.Configf("package %s is a member of the workspace at %s but declares its own [workspace]", path, rootPath)
		}
		if m.Package == nil {
			return nil, errs.Configf("workspace member %s has no [package] table", path)
		}
		if _, err := add(path, m); err != nil {
			return nil, err
		}
	}

	// Path dependencies below the root join the workspace implicitly.
	if rootM.Workspace != nil {
		for i := 0; i < len(ws.Packages); i++ {
			for _, d := range ws.Packages[i].Dependencies {
				if d.Path == "" || byDir[d.Path] != nil || !within(root, d.Path) {
					continue
				}
				rel, _ := filepath.Rel(root, d.Path)
				if excluded(filepath.ToSlash(rel), rootM.Workspace.Exclude) {
					continue
				}
				path := filepath.Join(d.Path, ManifestName)
				m, err := readManifest(fs, path)
				if err != nil {
					return nil, err
				}
				if m.Package == nil {
					return nil, errs.Configf("path dependency %s has no [package] table", path)
				}
				if _, err := add(path, m); err != nil {
					return nil, err
				}
			}
		}
	}

	if len(ws.Packages) == 0 && !ws.Virtual {
		return nil, errs.Configf("workspace %s has no packages", rootPath)
	}

	if rootM.Workspace != nil && rootM.Workspace.DefaultMembers != nil {
		ws.explicit = true
		for _, pattern := range rootM.Workspace.DefaultMembers {
			pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
			matches, err := fs.Glob(root, pattern)
			if err != nil {
				return nil, errs.Wrap(err, errs.KindConfiguration, "invalid default-members pattern %q", pattern)
			}
			if pattern == "." {
				matches = []string{"."}
			}
			if len(matches) == 0 && !doublestarMeta(pattern) {
				return nil, errs.Configf("default-member %q does not exist in %s", pattern, root)
			}
			for _, rel := range matches {
				pkg := byDir[filepath.Clean(filepath.Join(root, filepath.FromSlash(rel)))]
				if pkg == nil {
					if doublestarMeta(pattern) {
						continue
					}
					return nil, errs.Configf("package %q is listed in default-members but is not a member", rel)
				}
				if !containsPackage(ws.defaults, pkg) {
					ws.defaults = append(ws.defaults, pkg)
				}
			}
		}
	}
	return ws, nil
}

func containsPackage(list []*Package, pkg *Package) bool {
	for _, p := range list {
		if p == pkg {
			return true
		}
	}
	return false
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func optLevel(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// loadPackage converts a decoded manifest into a Package.
func loadPackage(fs fsops.FS, manifestPath string, m *manifest) (*Package, error) {
	pt := m.Package
	if err := fs.ValidateIdentifier(pt.Name); err != nil {
		return nil, errs.Wrap(err, errs.KindConfiguration, "%s: invalid package name", manifestPath)
	}
	root := filepath.Dir(manifestPath)

	policy, err := pt.publishPolicy(manifestPath)
	if err != nil {
		return nil, err
	}

	pkg := &Package{
		Name:         pt.Name,
		Version:      pt.Version,
		Root:         root,
		ManifestPath: manifestPath,
		Features:     map[string][]string{},
		Publish:      policy,
		Include:      pt.Include,
		Exclude:      pt.Exclude,
		Metadata: Metadata{
			Description: pt.Description,
			License:     pt.License,
			Readme:      pt.Readme,
			Repository:  pt.Repository,
		},
	}
	for name, list := range m.Features {
		pkg.Features[name] = append([]string(nil), list...)
	}

	for _, table := range []struct {
		deps map[string]any
		kind DepKind
	}{
		{m.Dependencies, DepNormal},
		{m.DevDependencies, DepDev},
		{m.BuildDependencies, DepBuild},
	} {
		deps, err := parseDependencies(table.deps, table.kind, manifestPath)
		if err != nil {
			return nil, err
		}
		for i := range deps {
			if deps[i].Path != "" {
				deps[i].Path = filepath.Clean(filepath.Join(root, filepath.FromSlash(deps[i].Path)))
			}
		}
		pkg.Dependencies = append(pkg.Dependencies, deps...)
	}

	targets, err := discoverTargets(fs, pkg, m)
	if err != nil {
		return nil, err
	}
	pkg.Targets = targets
	sort.SliceStable(pkg.Targets, func(i, j int) bool { return pkg.Targets[i].Kind < pkg.Targets[j].Kind })
	return pkg, nil
}
