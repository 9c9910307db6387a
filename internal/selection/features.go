package selection

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// featureResolver activates features across the workspace. Features of a
// member are unified: every unit of a package sees the same feature set.
type featureResolver struct {
	ws  *workspace.Workspace
	dev bool

	active  map[string]map[string]bool
	enabled map[string]map[string]bool // optional deps switched on, per package
	visited map[string]bool
	weak    []weakRef

	// links and devLinks record the members each package links against.
	links    map[string][]*workspace.Package
	devLinks map[string][]*workspace.Package
}

type weakRef struct {
	pkg  *workspace.Package
	dep  workspace.Dependency
	feat string
}

func newFeatureResolver(ws *workspace.Workspace, dev bool) *featureResolver {
	return &featureResolver{
		ws:       ws,
		dev:      dev,
		active:   map[string]map[string]bool{},
		enabled:  map[string]map[string]bool{},
		visited:  map[string]bool{},
		links:    map[string][]*workspace.Package{},
		devLinks: map[string][]*workspace.Package{},
	}
}

// splitFeatures splits raw --features values on commas and spaces.
func splitFeatures(raw []string) []string {
	var out []string
	for _, r := range raw {
		out = append(out, strings.FieldsFunc(r, func(c rune) bool { return c == ',' || c == ' ' })...)
	}
	return out
}

// resolve activates the requested features for the selected packages and
// everything they reach.
func (r *featureResolver) resolve(selected []*workspace.Package, opts Options) error {
	requested := map[string][]string{}
	var unmatched []string
	for _, f := range splitFeatures(opts.Features) {
		if strings.HasPrefix(f, "dep:") {
			return errs.Configf("feature `%s` is not allowed on the command line", f)
		}
		matched := false
		if pkgName, feat, ok := strings.Cut(f, "/"); ok {
			for _, p := range selected {
				if p.Name == pkgName {
					requested[p.Name] = append(requested[p.Name], feat)
					matched = true
				} else if _, ok := dependency(p, strings.TrimSuffix(pkgName, "?"), true); ok {
					requested[p.Name] = append(requested[p.Name], f)
					matched = true
				}
			}
		} else {
			for _, p := range selected {
				if _, ok := p.Features[f]; ok || isOptionalDep(p, f) {
					requested[p.Name] = append(requested[p.Name], f)
					matched = true
				}
			}
		}
		if !matched {
			unmatched = append(unmatched, f)
		}
	}
	if len(unmatched) > 0 {
		names := make([]string, len(selected))
		for i, p := range selected {
			names[i] = p.Name
		}
		return errs.Configf("none of the selected packages contains these features: %s (selected: %s)",
			strings.Join(unmatched, ", "), strings.Join(names, ", "))
	}

	for _, p := range selected {
		r.ensure(p)
		if err := r.visit(p, true); err != nil {
			return err
		}
		if opts.AllFeatures {
			if err := r.activateAll(p); err != nil {
				return err
			}
		} else if !opts.NoDefaultFeatures {
			if err := r.activateDefault(p); err != nil {
				return err
			}
		}
		for _, f := range requested[p.Name] {
			if err := r.activateValue(p, f, "--features"); err != nil {
				return err
			}
		}
	}
	return r.settleWeak()
}

// Features returns the sorted active features of pkg.
func (r *featureResolver) Features(pkg string) []string {
	out := make([]string, 0, len(r.active[pkg]))
	for f := range r.active[pkg] {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Satisfied reports whether every required feature is active. A required
// feature may name a member's feature as member/feature.
func (r *featureResolver) Satisfied(pkg *workspace.Package, required []string) []string {
	var missing []string
	for _, f := range required {
		owner, feat := pkg.Name, f
		if p, ff, ok := strings.Cut(f, "/"); ok {
			owner, feat = p, ff
			if d, ok := dependency(pkg, p, true); ok {
				if m := r.member(d); m != nil {
					owner = m.Name
				}
			}
		}
		if !r.active[owner][feat] {
			missing = append(missing, f)
		}
	}
	return missing
}

func (r *featureResolver) ensure(p *workspace.Package) {
	if r.active[p.Name] == nil {
		r.active[p.Name] = map[string]bool{}
		r.enabled[p.Name] = map[string]bool{}
	}
}

// visit enters every non-optional in-workspace dependency of p once.
// Dev-dependencies are followed only for selected packages in test modes.
func (r *featureResolver) visit(p *workspace.Package, selected bool) error {
	key := p.Name
	if selected {
		key += "/selected"
	}
	if r.visited[key] {
		return nil
	}
	r.visited[key] = true
	for _, d := range p.Dependencies {
		if d.Optional {
			continue
		}
		if d.Kind == workspace.DepDev && !(selected && r.dev) {
			continue
		}
		if err := r.enterDep(p, d); err != nil {
			return err
		}
	}
	return nil
}

func (r *featureResolver) activateDefault(p *workspace.Package) error {
	if _, ok := p.Features["default"]; ok {
		return r.activate(p, "default")
	}
	return nil
}

func (r *featureResolver) activateAll(p *workspace.Package) error {
	names := make([]string, 0, len(p.Features))
	for f := range p.Features {
		names = append(names, f)
	}
	sort.Strings(names)
	for _, f := range names {
		if err := r.activate(p, f); err != nil {
			return err
		}
	}
	for _, d := range p.Dependencies {
		if !d.Optional {
			continue
		}
		if d.Kind == workspace.DepDev && !r.dev {
			continue
		}
		if !hasDepColonRef(p, d.Name) {
			r.active[p.Name][d.Name] = true
		}
		if err := r.enableDep(p, d); err != nil {
			return err
		}
	}
	return nil
}

// activate turns on a feature of p, or the optional dependency of the same
// name.
func (r *featureResolver) activate(p *workspace.Package, feature string) error {
	r.ensure(p)
	if r.active[p.Name][feature] {
		return nil
	}
	if list, ok := p.Features[feature]; ok {
		r.active[p.Name][feature] = true
		for _, v := range list {
			if err := r.activateValue(p, v, feature); err != nil {
				return err
			}
		}
		return nil
	}
	if d, ok := dependency(p, feature, r.dev); ok && d.Optional && !hasDepColonRef(p, feature) {
		r.active[p.Name][feature] = true
		return r.enableDep(p, d)
	}
	return errs.Configf("package `%s` does not have the feature `%s`", p.Name, feature)
}

// activateValue handles one entry of a feature list: a feature name,
// dep:name or name/feature (name?/feature for a weak reference).
func (r *featureResolver) activateValue(p *workspace.Package, v, owner string) error {
	if name, ok := strings.CutPrefix(v, "dep:"); ok {
		d, found := dependency(p, name, r.dev)
		if !found || !d.Optional {
			return errs.Configf("feature `%s` in package `%s` includes `%s`, but `%s` is not an optional dependency",
				owner, p.Name, v, name)
		}
		return r.enableDep(p, d)
	}

	depName, feat, ok := strings.Cut(v, "/")
	if !ok {
		return r.activate(p, v)
	}
	weak := strings.HasSuffix(depName, "?")
	depName = strings.TrimSuffix(depName, "?")
	d, found := dependency(p, depName, r.dev)
	if !found {
		return errs.Configf("feature `%s` in package `%s` includes `%s`, but `%s` is not a dependency",
			owner, p.Name, v, depName)
	}
	if weak && d.Optional && !r.enabled[p.Name][d.Name] {
		r.weak = append(r.weak, weakRef{pkg: p, dep: d, feat: feat})
		return nil
	}
	if d.Optional {
		if !hasDepColonRef(p, d.Name) {
			r.active[p.Name][d.Name] = true
		}
		if err := r.enableDep(p, d); err != nil {
			return err
		}
	}
	if m := r.member(d); m != nil {
		return r.activate(m, feat)
	}
	return nil
}

func (r *featureResolver) enableDep(p *workspace.Package, d workspace.Dependency) error {
	r.ensure(p)
	if r.enabled[p.Name][d.Name] {
		return nil
	}
	r.enabled[p.Name][d.Name] = true
	return r.enterDep(p, d)
}

// enterDep records the link and applies the dependency edge's features to
// the member it points at. Registry dependencies are outside the workspace
// and carry no units.
func (r *featureResolver) enterDep(p *workspace.Package, d workspace.Dependency) error {
	m := r.member(d)
	if m == nil {
		return nil
	}
	if d.Kind == workspace.DepDev {
		r.devLinks[p.Name] = appendUnique(r.devLinks[p.Name], m)
	} else {
		r.links[p.Name] = appendUnique(r.links[p.Name], m)
	}
	r.ensure(m)
	if !d.NoDefaultFeatures {
		if err := r.activateDefault(m); err != nil {
			return err
		}
	}
	for _, f := range d.Features {
		if err := r.activate(m, f); err != nil {
			return err
		}
	}
	return r.visit(m, false)
}

// settleWeak applies weak references whose dependency was enabled later.
func (r *featureResolver) settleWeak() error {
	for {
		progressed := false
		pending := r.weak
		r.weak = nil
		for _, w := range pending {
			if !r.enabled[w.pkg.Name][w.dep.Name] {
				r.weak = append(r.weak, w)
				continue
			}
			progressed = true
			if m := r.member(w.dep); m != nil {
				if err := r.activate(m, w.feat); err != nil {
					return err
				}
			}
		}
		if !progressed {
			return nil
		}
	}
}

func (r *featureResolver) member(d workspace.Dependency) *workspace.Package {
	if d.Path == "" {
		return nil
	}
	for _, p := range r.ws.Packages {
		if filepath.Clean(p.Root) == filepath.Clean(d.Path) {
			return p
		}
	}
	return nil
}

// dependency finds the dependency of p named name. Dev-dependencies count
// only when dev is set.
func dependency(p *workspace.Package, name string, dev bool) (workspace.Dependency, bool) {
	for _, d := range p.Dependencies {
		if d.Name == name && (dev || d.Kind != workspace.DepDev) {
			return d, true
		}
	}
	return workspace.Dependency{}, false
}

func isOptionalDep(p *workspace.Package, name string) bool {
	d, ok := dependency(p, name, true)
	return ok && d.Optional && !hasDepColonRef(p, name)
}

// hasDepColonRef reports whether some feature refers to name as dep:name,
// which hides the implicit feature of the same name.
func hasDepColonRef(p *workspace.Package, name string) bool {
	for _, list := range p.Features {
		for _, v := range list {
			if v == "dep:"+name {
				return true
			}
		}
	}
	return false
}

func appendUnique(list []*workspace.Package, p *workspace.Package) []*workspace.Package {
	for _, q := range list {
		if q == p {
			return list
		}
	}
	return append(list, p)
}
