package workspace

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
)

// SourceExt is the extension of cairn source files.
const SourceExt = ".cairn"

// defaultDocs are the doctest sources of a library without a docs key.
var defaultDocs = []string{"README.md", "docs/**/*.md"}

// kindDefaults holds the per-kind defaults applied when a manifest does not
// set test, bench or doctest.
type kindDefaults struct {
	test, bench, doctest bool
}

var defaults = map[Kind]kindDefaults{
	KindLib:     {test: true, bench: true, doctest: true},
	KindBin:     {test: true, bench: true},
	KindExample: {},
	KindTest:    {test: true},
	KindBench:   {bench: true},
}

// autoDirs are the directories scanned for targets of each kind.
var autoDirs = map[Kind]string{
	KindBin:     "src/bin",
	KindExample: "examples",
	KindTest:    "tests",
	KindBench:   "benches",
}

// discoverTargets merges explicit target tables with targets found on disk.
// An explicit table claims its name and path; files not claimed become
// targets with the kind's defaults.
func discoverTargets(fs fsops.FS, pkg *Package, m *manifest) ([]*Target, error) {
	auto := true
	if m.Package.Autodiscover != nil {
		auto = *m.Package.Autodiscover
	}

	var out []*Target
	claimed := map[string]bool{}
	names := map[Kind]map[string]bool{}

	addTarget := func(t *Target) error {
		if err := fs.ValidateIdentifier(t.Name); err != nil {
			return errs.Wrap(err, errs.KindConfiguration, "%s: invalid %s target name", pkg.ManifestPath, t.Kind)
		}
		if names[t.Kind] == nil {
			names[t.Kind] = map[string]bool{}
		}
		if names[t.Kind][t.Name] {
			return errs.Configf("%s: found duplicate %s name %q", pkg.ManifestPath, t.Kind, t.Name)
		}
		names[t.Kind][t.Name] = true
		claimed[t.SrcPath] = true
		out = append(out, t)
		return nil
	}

	libName := strings.ReplaceAll(pkg.Name, "-", "_")

	// Library.
	if m.Lib != nil {
		t, err := explicitTarget(fs, pkg, KindLib, *m.Lib, libName)
		if err != nil {
			return nil, err
		}
		if err := addTarget(t); err != nil {
			return nil, err
		}
	} else if auto {
		src := filepath.Join(pkg.Root, "src", "lib"+SourceExt)
		if ok, _ := fs.Exists(src); ok {
			if err := addTarget(newTarget(KindLib, libName, src)); err != nil {
				return nil, err
			}
		}
	}

	for _, group := range []struct {
		kind   Kind
		tables []targetTable
	}{
		{KindBin, m.Bin},
		{KindExample, m.Example},
		{KindTest, m.Test},
		{KindBench, m.Bench},
	} {
		for _, tt := range group.tables {
			t, err := explicitTarget(fs, pkg, group.kind, tt, "")
			if err != nil {
				return nil, err
			}
			if err := addTarget(t); err != nil {
				return nil, err
			}
		}
		if !auto {
			continue
		}

		var found []*Target
		if group.kind == KindBin {
			main := filepath.Join(pkg.Root, "src", "main"+SourceExt)
			if ok, _ := fs.Exists(main); ok {
				found = append(found, newTarget(KindBin, pkg.Name, main))
			}
		}
		more, err := scanDir(fs, pkg.Root, group.kind)
		if err != nil {
			return nil, err
		}
		found = append(found, more...)

		for _, t := range found {
			if claimed[t.SrcPath] || names[t.Kind][t.Name] {
				continue
			}
			if err := addTarget(t); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// scanDir finds <dir>/*.cairn and <dir>/<name>/main.cairn targets.
func scanDir(fs fsops.FS, root string, kind Kind) ([]*Target, error) {
	dir := autoDirs[kind]
	var out []*Target

	files, err := fs.Glob(root, dir+"/*"+SourceExt)
	if err != nil {
		return nil, err
	}
	for _, rel := range files {
		name := strings.TrimSuffix(path.Base(rel), SourceExt)
		out = append(out, newTarget(kind, name, filepath.Join(root, filepath.FromSlash(rel))))
	}

	mains, err := fs.Glob(root, dir+"/*/main"+SourceExt)
	if err != nil {
		return nil, err
	}
	for _, rel := range mains {
		name := path.Base(path.Dir(rel))
		out = append(out, newTarget(kind, name, filepath.Join(root, filepath.FromSlash(rel))))
	}
	return out, nil
}

func newTarget(kind Kind, name, src string) *Target {
	d := defaults[kind]
	t := &Target{
		Kind:    kind,
		Name:    name,
		SrcPath: src,
		Harness: HarnessManaged,
		Test:    d.test,
		Bench:   d.bench,
		Doctest: d.doctest,
	}
	if kind == KindLib {
		t.Docs = append([]string(nil), defaultDocs...)
	}
	return t
}

// explicitTarget builds a target from a manifest table, inferring the name
// and path the same way discovery would.
func explicitTarget(fs fsops.FS, pkg *Package, kind Kind, tt targetTable, defaultName string) (*Target, error) {
	name := tt.Name
	if name == "" {
		name = defaultName
	}
	if name == "" {
		return nil, errs.Configf("%s: %s target needs a name", pkg.ManifestPath, kind)
	}

	src := tt.Path
	if src == "" {
		src = inferPath(fs, pkg, kind, name)
	}
	if err := fs.ValidateRelPath(filepath.ToSlash(src)); err != nil {
		return nil, errs.Wrap(err, errs.KindConfiguration, "%s: %s target %q", pkg.ManifestPath, kind, name)
	}
	abs := filepath.Join(pkg.Root, filepath.FromSlash(src))
	if ok, _ := fs.Exists(abs); !ok {
		return nil, errs.Configf("%s: can't find %s target %q at `%s`", pkg.ManifestPath, kind, name, src)
	}

	t := newTarget(kind, name, abs)
	if tt.Test != nil {
		t.Test = *tt.Test
	}
	if tt.Bench != nil {
		t.Bench = *tt.Bench
	}
	if tt.Doctest != nil {
		if kind != KindLib && *tt.Doctest {
			return nil, errs.Configf("%s: doctest is only supported for the lib target", pkg.ManifestPath)
		}
		t.Doctest = *tt.Doctest
	}
	if tt.Harness != nil && !*tt.Harness {
		t.Harness = SelfManaged
	}
	if kind == KindLib && len(tt.RequiredFeatures) > 0 {
		return nil, errs.Configf("%s: required-features is not supported on the lib target", pkg.ManifestPath)
	}
	t.RequiredFeatures = append([]string(nil), tt.RequiredFeatures...)
	if tt.Docs != nil {
		t.Docs = append([]string(nil), tt.Docs...)
	}
	return t, nil
}

func inferPath(fs fsops.FS, pkg *Package, kind Kind, name string) string {
	switch kind {
	case KindLib:
		return "src/lib" + SourceExt
	case KindBin:
		if name == pkg.Name {
			return "src/main" + SourceExt
		}
	}
	flat := autoDirs[kind] + "/" + name + SourceExt
	if ok, _ := fs.Exists(filepath.Join(pkg.Root, filepath.FromSlash(flat))); ok {
		return flat
	}
	return autoDirs[kind] + "/" + name + "/main" + SourceExt
}
