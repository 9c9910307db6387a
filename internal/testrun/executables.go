package testrun

import (
	"github.com/danieljhkim/cairn/internal/dispatch"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Executables pairs every runnable unit with its artifact. Units that did
// not compile are left out. Each executable sees the binaries built for its
// package and triple.
func Executables(units []unit.Unit, report *dispatch.Report) []Executable {
	type pkgTriple struct{ pkg, triple string }
	bins := map[pkgTriple]map[string]string{}
	for _, u := range units {
		if u.Target.Kind != workspace.KindBin || u.Mode != unit.ModeBuild {
			continue
		}
		art, ok := report.Artifact(u.Key())
		if !ok {
			continue
		}
		k := pkgTriple{u.Package.Name, u.Triple}
		if bins[k] == nil {
			bins[k] = map[string]string{}
		}
		bins[k][u.Target.Name] = art.Path
	}

	var out []Executable
	for _, u := range units {
		if !u.Runnable() {
			continue
		}
		art, ok := report.Artifact(u.Key())
		if !ok {
			continue
		}
		out = append(out, Executable{Unit: u, Path: art.Path, Bins: bins[pkgTriple{u.Package.Name, u.Triple}]})
	}
	return out
}
