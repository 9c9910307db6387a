package unit

import (
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Profile is a resolved build profile.
type Profile struct {
	Name     string
	OptLevel string
	Debug    bool
	// Base is dev or release, the built-in profile this one derives from.
	Base string
}

// Dir is the directory under the target dir that holds the profile's output.
func (p Profile) Dir() string {
	switch p.Name {
	case "dev", "test":
		return "debug"
	case "release", "bench":
		return "release"
	}
	return p.Name
}

var builtin = map[string]workspace.ProfileDef{
	"test":  {Inherits: "dev"},
	"bench": {Inherits: "release"},
}

// ResolveProfile resolves name against the built-in profiles and the
// [profile.*] tables of the root manifest.
func ResolveProfile(name string, defs map[string]workspace.ProfileDef) (Profile, error) {
	seen := map[string]bool{}
	var chain []workspace.ProfileDef
	cur := name
	for {
		if seen[cur] {
			return Profile{}, errs.Configf("profile inheritance loop detected with profile %q", name)
		}
		seen[cur] = true

		def, declared := defs[cur]
		if cur == "dev" || cur == "release" {
			if declared && def.Inherits != "" {
				return Profile{}, errs.Configf("profile %q cannot inherit from another profile", cur)
			}
			if declared {
				chain = append(chain, def)
			}
			p := base(cur)
			for i := len(chain) - 1; i >= 0; i-- {
				apply(&p, chain[i])
			}
			p.Name = name
			return p, nil
		}

		if b, ok := builtin[cur]; ok && (!declared || def.Inherits == "") {
			def.Inherits = b.Inherits
			declared = true
		}
		if !declared {
			if cur == name {
				return Profile{}, errs.Configf("profile `%s` is not defined", name)
			}
			return Profile{}, errs.Configf("profile %q inherits from undefined profile %q", name, cur)
		}
		if def.Inherits == "" {
			return Profile{}, errs.Configf("profile %q is missing an `inherits` directive", cur)
		}
		chain = append(chain, def)
		cur = def.Inherits
	}
}

func base(name string) Profile {
	if name == "release" {
		return Profile{OptLevel: "3", Debug: false, Base: "release"}
	}
	return Profile{OptLevel: "0", Debug: true, Base: "dev"}
}

func apply(p *Profile, def workspace.ProfileDef) {
	if def.OptLevel != "" {
		p.OptLevel = def.OptLevel
	}
	if def.Debug != nil {
		p.Debug = *def.Debug
	}
}
