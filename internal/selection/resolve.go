package selection

import (
	"io"

	"github.com/charmbracelet/log"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Resolve computes the selection for ws.
func Resolve(ws *workspace.Workspace, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	if opts.Doc {
		if opts.Mode != unit.ModeTest {
			return nil, errs.Configf("--doc is only supported when testing")
		}
		if opts.explicitTargets() {
			return nil, errs.Configf("can't mix --doc with other target selecting options")
		}
	}

	profile, err := resolveProfile(ws, opts)
	if err != nil {
		return nil, err
	}

	pkgs, warnings, err := resolvePackages(ws, opts)
	if err != nil {
		return nil, err
	}

	if opts.AllFeatures && opts.NoDefaultFeatures {
		logger.Debug("--no-default-features has no effect with --all-features")
	}
	features := newFeatureResolver(ws, opts.Mode != unit.ModeBuild)
	if err := features.resolve(pkgs, opts); err != nil {
		return nil, err
	}

	var picks []pick
	if !opts.Doc {
		var targetWarnings []string
		picks, targetWarnings, err = selectTargets(pkgs, opts, features)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, targetWarnings...)
	}

	triples := opts.Targets
	if len(triples) == 0 {
		triples = []string{""}
	}

	b := &builder{
		features: features,
		profile:  profile,
		index:    map[unit.Key]int{},
	}
	res := &Result{
		packages: pkgs,
		profile:  profile,
		features: map[string][]string{},
	}

	for _, triple := range triples {
		for _, pk := range picks {
			key := b.add(pk.pkg, pk.target, pk.mode, triple)
			res.roots = appendKey(res.roots, key)
		}
	}

	if opts.Mode == unit.ModeTest && (opts.Doc || !opts.explicitTargets()) {
		if len(opts.Targets) > 0 {
			warnings = append(warnings, "doctests are skipped when cross-compiling with --target")
		} else {
			libs := 0
			for _, p := range pkgs {
				lib := p.Lib()
				if lib == nil {
					continue
				}
				libs++
				if !lib.Doctest {
					continue
				}
				libKey := b.lib(p, "")
				deps := []unit.Key{libKey}
				for _, m := range features.devLinks[p.Name] {
					if m.Lib() != nil {
						deps = appendKey(deps, b.lib(m, ""))
					}
				}
				res.doctests = append(res.doctests, DoctestRequest{
					Package:  p,
					Target:   lib,
					Profile:  profile,
					Features: features.Features(p.Name),
					Lib:      libKey,
					Deps:     deps,
				})
			}
			if opts.Doc && libs == 0 {
				return nil, errs.Configf("no library targets found in packages: %s", packageNames(pkgs))
			}
		}
	}

	res.units = b.units
	for name := range features.active {
		res.features[name] = features.Features(name)
	}
	res.warnings = warnings
	return res, nil
}

func resolveProfile(ws *workspace.Workspace, opts Options) (unit.Profile, error) {
	name := opts.Profile
	switch {
	case name != "" && opts.Release && name != "release":
		return unit.Profile{}, errs.Configf("conflicting usage of --profile=%s and --release", name)
	case name != "":
	case opts.Release:
		name = "release"
	case opts.Mode == unit.ModeTest:
		name = "test"
	case opts.Mode == unit.ModeBench:
		name = "bench"
	default:
		name = "dev"
	}
	return unit.ResolveProfile(name, ws.Profiles)
}

// builder collects units and their implied link dependencies, keeping one
// unit per key.
type builder struct {
	features *featureResolver
	profile  unit.Profile
	units    []unit.Unit
	index    map[unit.Key]int
}

func (b *builder) newUnit(p *workspace.Package, t *workspace.Target, mode unit.Mode, triple string) unit.Unit {
	return unit.Unit{
		Package:  p,
		Target:   t,
		Profile:  b.profile,
		Mode:     mode,
		Features: b.features.Features(p.Name),
		Triple:   triple,
	}
}

// insert adds u unless its key exists. It reports whether u was new.
func (b *builder) insert(u unit.Unit) (unit.Key, bool) {
	key := u.Key()
	if _, ok := b.index[key]; ok {
		return key, false
	}
	b.index[key] = len(b.units)
	b.units = append(b.units, u)
	return key, true
}

func (b *builder) setDeps(key unit.Key, deps []unit.Key) {
	b.units[b.index[key]].Deps = deps
}

// add inserts a selected unit with everything it links against: the
// package's own library, the package's binaries for integration tests and
// benches, and the libraries of the members it depends on.
func (b *builder) add(p *workspace.Package, t *workspace.Target, mode unit.Mode, triple string) unit.Key {
	key, fresh := b.insert(b.newUnit(p, t, mode, triple))
	if !fresh {
		return key
	}

	var deps []unit.Key
	if t.Kind != workspace.KindLib && p.Lib() != nil {
		deps = appendKey(deps, b.lib(p, triple))
	}
	if t.Kind == workspace.KindTest || t.Kind == workspace.KindBench {
		for _, bin := range p.TargetsOf(workspace.KindBin) {
			if len(b.features.Satisfied(p, bin.RequiredFeatures)) == 0 {
				deps = appendKey(deps, b.bin(p, bin, triple))
			}
		}
	}
	for _, m := range b.features.links[p.Name] {
		if m.Lib() != nil {
			deps = appendKey(deps, b.lib(m, triple))
		}
	}
	if usesDevDeps(t, mode) {
		for _, m := range b.features.devLinks[p.Name] {
			if m.Lib() != nil {
				deps = appendKey(deps, b.lib(m, triple))
			}
		}
	}
	b.setDeps(key, deps)
	return key
}

// lib inserts the library of p in build mode, the form other units link.
func (b *builder) lib(p *workspace.Package, triple string) unit.Key {
	key, fresh := b.insert(b.newUnit(p, p.Lib(), unit.ModeBuild, triple))
	if !fresh {
		return key
	}
	var deps []unit.Key
	for _, m := range b.features.links[p.Name] {
		if m.Lib() != nil {
			deps = appendKey(deps, b.lib(m, triple))
		}
	}
	b.setDeps(key, deps)
	return key
}

// bin inserts a binary in build mode, as needed by integration tests.
func (b *builder) bin(p *workspace.Package, t *workspace.Target, triple string) unit.Key {
	key, fresh := b.insert(b.newUnit(p, t, unit.ModeBuild, triple))
	if !fresh {
		return key
	}
	var deps []unit.Key
	if p.Lib() != nil {
		deps = appendKey(deps, b.lib(p, triple))
	}
	for _, m := range b.features.links[p.Name] {
		if m.Lib() != nil {
			deps = appendKey(deps, b.lib(m, triple))
		}
	}
	b.setDeps(key, deps)
	return key
}

func usesDevDeps(t *workspace.Target, mode unit.Mode) bool {
	if mode == unit.ModeTest || mode == unit.ModeBench {
		return true
	}
	return t.Kind == workspace.KindExample || t.Kind == workspace.KindTest || t.Kind == workspace.KindBench
}

func appendKey(keys []unit.Key, k unit.Key) []unit.Key {
	for _, x := range keys {
		if x == k {
			return keys
		}
	}
	return append(keys, k)
}
