package selection

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/pkgspec"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// pick is one selected target and the mode it compiles in.
type pick struct {
	pkg    *workspace.Package
	target *workspace.Target
	mode   unit.Mode
}

// group is a target-selection flag family. Its mode depends on the command.
type group int

const (
	groupLib group = iota
	groupBins
	groupExamples
	groupTests
	groupBenches
)

func groupMode(cmd unit.Mode, g group) unit.Mode {
	switch cmd {
	case unit.ModeTest:
		return unit.ModeTest
	case unit.ModeBench:
		return unit.ModeBench
	}
	switch g {
	case groupTests:
		return unit.ModeTest
	case groupBenches:
		return unit.ModeBench
	}
	return unit.ModeBuild
}

// nameFilter selects targets of one kind by literal name or glob.
type nameFilter struct {
	kind    workspace.Kind
	group   group
	names   []string
	matched map[string]bool
}

func (f *nameFilter) match(t *workspace.Target) (bool, bool, error) {
	if t.Kind != f.kind {
		return false, false, nil
	}
	for _, n := range f.names {
		if pkgspec.IsGlob(n) {
			ok, err := doublestar.Match(n, t.Name)
			if err != nil {
				return false, false, errs.Configf("invalid %s pattern `%s`", f.kind, n)
			}
			if ok {
				f.matched[n] = true
				return true, false, nil
			}
			continue
		}
		if n == t.Name {
			f.matched[n] = true
			return true, true, nil
		}
	}
	return false, false, nil
}

// selectTargets resolves target flags for every selected package.
func selectTargets(pkgs []*workspace.Package, opts Options, features *featureResolver) ([]pick, []string, error) {
	if !opts.explicitTargets() {
		return defaultTargets(pkgs, opts.Mode, features), nil, nil
	}

	if opts.AllTargets {
		opts.Lib, opts.Bins, opts.Examples, opts.Tests, opts.Benches = true, true, true, true, true
	}

	filters := []*nameFilter{
		{kind: workspace.KindBin, group: groupBins, names: opts.BinNames},
		{kind: workspace.KindExample, group: groupExamples, names: opts.ExampleNames},
		{kind: workspace.KindTest, group: groupTests, names: opts.TestNames},
		{kind: workspace.KindBench, group: groupBenches, names: opts.BenchNames},
	}
	for _, f := range filters {
		f.matched = map[string]bool{}
	}

	var out []pick
	var warnings []string
	seen := map[*workspace.Target]map[unit.Mode]bool{}
	add := func(p *workspace.Package, t *workspace.Target, g group, explicit bool) error {
		if missing := features.Satisfied(p, t.RequiredFeatures); len(missing) > 0 {
			if explicit {
				return errs.Configf("target `%s` in package `%s` requires the features: %s\n"+
					"Consider enabling them by passing, e.g., `--features=\"%s\"`",
					t.Name, p.Name, quoteAll(missing), strings.Join(missing, " "))
			}
			return nil
		}
		mode := groupMode(opts.Mode, g)
		if seen[t] == nil {
			seen[t] = map[unit.Mode]bool{}
		}
		if seen[t][mode] {
			return nil
		}
		seen[t][mode] = true
		out = append(out, pick{pkg: p, target: t, mode: mode})
		return nil
	}

	hasLib := false
	for _, p := range pkgs {
		for _, t := range p.Targets {
			var err error
			switch {
			case t.Kind == workspace.KindLib && opts.Lib:
				hasLib = true
				err = add(p, t, groupLib, false)
			case t.Kind == workspace.KindBin && opts.Bins:
				err = add(p, t, groupBins, false)
			case t.Kind == workspace.KindExample && opts.Examples:
				err = add(p, t, groupExamples, false)
			}
			if err != nil {
				return nil, nil, err
			}

			if opts.Tests && t.Test {
				if err := add(p, t, groupTests, false); err != nil {
					return nil, nil, err
				}
			}
			if opts.Benches && t.Bench {
				if err := add(p, t, groupBenches, false); err != nil {
					return nil, nil, err
				}
			}

			for _, f := range filters {
				ok, literal, err := f.match(t)
				if err != nil {
					return nil, nil, err
				}
				if ok {
					if err := add(p, t, f.group, literal); err != nil {
						return nil, nil, err
					}
				}
			}
		}
	}

	if opts.Lib && !hasLib && !opts.AllTargets {
		return nil, nil, errs.Configf("no library targets found in packages: %s", packageNames(pkgs))
	}
	for _, f := range filters {
		for _, n := range f.names {
			if f.matched[n] {
				continue
			}
			if pkgspec.IsGlob(n) {
				warnings = append(warnings, fmt.Sprintf("no %s target matches pattern `%s`", f.kind, n))
				continue
			}
			return nil, nil, errs.Configf("no %s target named `%s` in selected packages\n%s",
				f.kind, n, availableTargets(pkgs, f.kind))
		}
	}
	return out, warnings, nil
}

// defaultTargets is the selection when no target flag is given. Targets
// whose required features are not active are skipped.
func defaultTargets(pkgs []*workspace.Package, cmd unit.Mode, features *featureResolver) []pick {
	var out []pick
	for _, p := range pkgs {
		for _, t := range p.Targets {
			if len(features.Satisfied(p, t.RequiredFeatures)) > 0 {
				continue
			}
			mode, ok := defaultMode(cmd, t)
			if ok {
				out = append(out, pick{pkg: p, target: t, mode: mode})
			}
		}
	}
	return out
}

func defaultMode(cmd unit.Mode, t *workspace.Target) (unit.Mode, bool) {
	switch cmd {
	case unit.ModeTest:
		if t.Test {
			return unit.ModeTest, true
		}
		if t.Kind == workspace.KindExample {
			// Examples are compiled so they cannot rot, but not run.
			return unit.ModeBuild, true
		}
	case unit.ModeBench:
		if t.Bench {
			return unit.ModeBench, true
		}
	default:
		if t.Kind == workspace.KindLib || t.Kind == workspace.KindBin {
			return unit.ModeBuild, true
		}
	}
	return 0, false
}

func availableTargets(pkgs []*workspace.Package, kind workspace.Kind) string {
	var names []string
	for _, p := range pkgs {
		for _, t := range p.TargetsOf(kind) {
			names = append(names, "    "+t.Name)
		}
	}
	if len(names) == 0 {
		return fmt.Sprintf("No %s targets available.", kind)
	}
	return fmt.Sprintf("Available %s targets:\n%s", kind, strings.Join(names, "\n"))
}

func packageNames(pkgs []*workspace.Package) string {
	names := make([]string, len(pkgs))
	for i, p := range pkgs {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}

func quoteAll(list []string) string {
	q := make([]string, len(list))
	for i, s := range list {
		q[i] = "`" + s + "`"
	}
	return strings.Join(q, ", ")
}
