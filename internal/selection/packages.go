package selection

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/pkgspec"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// matcher tests a package spec against members. Globs match names only;
// literal specs go through pkgspec.
type matcher struct {
	spec  string
	glob  bool
	parse pkgspec.Spec
}

func newMatcher(spec string) (matcher, error) {
	if pkgspec.IsGlob(spec) {
		if !doublestar.ValidatePattern(spec) {
			return matcher{}, errs.Configf("invalid package pattern `%s`", spec)
		}
		return matcher{spec: spec, glob: true}, nil
	}
	parsed, err := pkgspec.Parse(spec)
	if err != nil {
		return matcher{}, errs.Wrap(err, errs.KindConfiguration, "invalid package ID specification `%s`", spec)
	}
	return matcher{spec: spec, parse: parsed}, nil
}

func (m matcher) match(p *workspace.Package) bool {
	if m.glob {
		ok, _ := doublestar.Match(m.spec, p.Name)
		return ok
	}
	return m.parse.Matches(p.Name, p.Version, p.Root)
}

// resolvePackages applies -p, --workspace and --exclude. Without any of
// them the workspace default members are selected.
func resolvePackages(ws *workspace.Workspace, opts Options) ([]*workspace.Package, []string, error) {
	if len(opts.Exclude) > 0 && !opts.Workspace {
		return nil, nil, errs.Configf("--exclude can only be used together with --workspace")
	}

	var warnings []string
	chosen := map[*workspace.Package]bool{}

	for _, spec := range opts.Packages {
		m, err := newMatcher(spec)
		if err != nil {
			return nil, nil, err
		}
		found := false
		for _, p := range ws.Packages {
			if m.match(p) {
				chosen[p] = true
				found = true
			}
		}
		if found {
			continue
		}
		if m.glob {
			warnings = append(warnings, fmt.Sprintf("package pattern `%s` did not match any packages", spec))
			continue
		}
		return nil, nil, errs.Configf("package ID specification `%s` did not match any packages in workspace %s (members: %s)",
			spec, ws.Root, memberNames(ws))
	}

	if opts.Workspace {
		var excludes []matcher
		for _, spec := range opts.Exclude {
			m, err := newMatcher(spec)
			if err != nil {
				return nil, nil, err
			}
			excludes = append(excludes, m)
		}
		hits := make([]bool, len(excludes))
		for _, p := range ws.Packages {
			skip := false
			for i, m := range excludes {
				if m.match(p) {
					hits[i] = true
					skip = true
				}
			}
			if !skip {
				chosen[p] = true
			}
		}
		for i, m := range excludes {
			if !hits[i] && !m.glob {
				warnings = append(warnings, fmt.Sprintf("excluded package(s) `%s` not found in workspace `%s`", m.spec, ws.Root))
			}
		}
	}

	if len(opts.Packages) == 0 && !opts.Workspace {
		defaults := ws.DefaultMembers()
		if len(defaults) == 0 {
			return nil, nil, errs.Configf("manifest %s is a virtual manifest with no members to select", ws.RootManifest)
		}
		return defaults, warnings, nil
	}

	var out []*workspace.Package
	for _, p := range ws.Packages {
		if chosen[p] {
			out = append(out, p)
		}
	}
	return out, warnings, nil
}

func memberNames(ws *workspace.Workspace) string {
	names := make([]string, len(ws.Packages))
	for i, p := range ws.Packages {
		names[i] = p.Name
	}
	return strings.Join(names, ", ")
}
