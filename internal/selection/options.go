// Package selection resolves which units an invocation builds and runs.
//
// Resolve turns command-line selection flags and manifest defaults into the
// cross product of packages, targets, features, profile and target triples.
// The Result is computed once per invocation and never changes afterwards.
package selection

import (
	"github.com/charmbracelet/log"

	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Options are the selection flags of one invocation.
type Options struct {
	// Mode is the command: unit.ModeBuild, unit.ModeTest or unit.ModeBench.
	Mode unit.Mode

	Packages  []string
	Workspace bool
	Exclude   []string

	Lib          bool
	Bins         bool
	BinNames     []string
	Examples     bool
	ExampleNames []string
	Tests        bool
	TestNames    []string
	Benches      bool
	BenchNames   []string
	AllTargets   bool
	Doc          bool

	// Features holds raw --features values; each may list several features
	// separated by commas or spaces.
	Features          []string
	AllFeatures       bool
	NoDefaultFeatures bool

	Profile string
	Release bool
	Targets []string

	Logger *log.Logger
}

// explicitTargets reports whether any flag other than --doc selects targets.
func (o Options) explicitTargets() bool {
	return o.Lib || o.Bins || len(o.BinNames) > 0 ||
		o.Examples || len(o.ExampleNames) > 0 ||
		o.Tests || len(o.TestNames) > 0 ||
		o.Benches || len(o.BenchNames) > 0 ||
		o.AllTargets
}

// DoctestRequest asks the test controller to extract and run the doctests of
// one library. Lib is the key of the library unit the doctests link against.
type DoctestRequest struct {
	Package  *workspace.Package
	Target   *workspace.Target
	Profile  unit.Profile
	Features []string
	Triple   string
	Lib      unit.Key
	Deps     []unit.Key
}

// Result is the resolved selection.
type Result struct {
	packages []*workspace.Package
	units    []unit.Unit
	roots    []unit.Key
	doctests []DoctestRequest
	features map[string][]string
	profile  unit.Profile
	warnings []string
}

// Packages returns the selected packages in member order.
func (r *Result) Packages() []*workspace.Package {
	return append([]*workspace.Package(nil), r.packages...)
}

// Units returns every unit to compile, requested and implied.
func (r *Result) Units() []unit.Unit {
	out := make([]unit.Unit, len(r.units))
	for i, u := range r.units {
		u.Features = append([]string(nil), u.Features...)
		u.Deps = append([]unit.Key(nil), u.Deps...)
		out[i] = u
	}
	return out
}

// Roots returns the keys of the units that were selected directly, as
// opposed to units only needed for linking.
func (r *Result) Roots() []unit.Key {
	return append([]unit.Key(nil), r.roots...)
}

// Doctests returns the libraries whose doctests run in this invocation.
func (r *Result) Doctests() []DoctestRequest {
	out := make([]DoctestRequest, len(r.doctests))
	for i, d := range r.doctests {
		d.Features = append([]string(nil), d.Features...)
		d.Deps = append([]unit.Key(nil), d.Deps...)
		out[i] = d
	}
	return out
}

// Features returns the active features of a package, sorted.
func (r *Result) Features(pkg string) []string {
	return append([]string(nil), r.features[pkg]...)
}

// Profile returns the resolved profile.
func (r *Result) Profile() unit.Profile {
	return r.profile
}

// Warnings returns non-fatal notes produced while resolving, such as an
// --exclude spec that matched nothing.
func (r *Result) Warnings() []string {
	return append([]string(nil), r.warnings...)
}
