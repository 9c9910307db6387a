package workspace

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
)

// ManifestName is the file name of every package and workspace manifest.
const ManifestName = "Cairn.toml"

// manifest mirrors the TOML layout of Cairn.toml.
type manifest struct {
	Workspace         *workspaceTable         `toml:"workspace"`
	Package           *packageTable           `toml:"package"`
	Features          map[string][]string     `toml:"features"`
	Dependencies      map[string]any          `toml:"dependencies"`
	DevDependencies   map[string]any          `toml:"dev-dependencies"`
	BuildDependencies map[string]any          `toml:"build-dependencies"`
	Lib               *targetTable            `toml:"lib"`
	Bin               []targetTable           `toml:"bin"`
	Example           []targetTable           `toml:"example"`
	Test              []targetTable           `toml:"test"`
	Bench             []targetTable           `toml:"bench"`
	Profile           map[string]profileTable `toml:"profile"`
}

type workspaceTable struct {
	Members        []string `toml:"members"`
	Exclude        []string `toml:"exclude"`
	DefaultMembers []string `toml:"default-members"`
}

type packageTable struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Publish      any      `toml:"publish"`
	Include      []string `toml:"include"`
	Exclude      []string `toml:"exclude"`
	Description  string   `toml:"description"`
	License      string   `toml:"license"`
	Readme       string   `toml:"readme"`
	Repository   string   `toml:"repository"`
	Autodiscover *bool    `toml:"autodiscover"`
}

type targetTable struct {
	Name             string   `toml:"name"`
	Path             string   `toml:"path"`
	Test             *bool    `toml:"test"`
	Bench            *bool    `toml:"bench"`
	Doctest          *bool    `toml:"doctest"`
	Harness          *bool    `toml:"harness"`
	RequiredFeatures []string `toml:"required-features"`
	Docs             []string `toml:"docs"`
}

type profileTable struct {
	Inherits string `toml:"inherits"`
	OptLevel any    `toml:"opt-level"`
	Debug    *bool  `toml:"debug"`
}

// readManifest loads and decodes one manifest file.
func readManifest(fs fsops.FS, path string) (*manifest, error) {
	data, err := fs.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindConfiguration, "failed to read manifest %s", path)
	}

	var m manifest
	if err := toml.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return nil, errs.Configf("failed to parse manifest at %s:%d:%d: %s", path, row, col, derr.Error())
		}
		return nil, errs.Wrap(err, errs.KindConfiguration, "failed to parse manifest at %s", path)
	}
	return &m, nil
}

// publishPolicy interprets the publish key: absent or true is unrestricted,
// false allows no registry, a list is an allowlist.
func (p *packageTable) publishPolicy(path string) (PublishPolicy, error) {
	switch v := p.Publish.(type) {
	case nil:
		return PublishPolicy{}, nil
	case bool:
		if v {
			return PublishPolicy{}, nil
		}
		return PublishPolicy{Restricted: true}, nil
	case []any:
		regs := make([]string, 0, len(v))
		for _, r := range v {
			s, ok := r.(string)
			if !ok {
				return PublishPolicy{}, errs.Configf("%s: publish entries must be registry names, got %v", path, r)
			}
			regs = append(regs, s)
		}
		return PublishPolicy{Restricted: true, Registries: regs}, nil
	default:
		return PublishPolicy{}, errs.Configf("%s: publish must be a boolean or a list of registries", path)
	}
}

// parseDependencies reads a dependency table. Entries are either a version
// requirement string or an inline table.
func parseDependencies(table map[string]any, kind DepKind, manifestPath string) ([]Dependency, error) {
	names := make([]string, 0, len(table))
	for name := range table {
		names = append(names, name)
	}
	sort.Strings(names)

	deps := make([]Dependency, 0, len(names))
	for _, name := range names {
		d := Dependency{Name: name, Kind: kind}
		switch v := table[name].(type) {
		case string:
			d.Req = v
		case map[string]any:
			if s, ok := v["version"].(string); ok {
				d.Req = s
			}
			if s, ok := v["path"].(string); ok {
				d.Path = s
			}
			if s, ok := v["package"].(string); ok {
				d.Package = s
			}
			if b, ok := v["optional"].(bool); ok {
				d.Optional = b
			}
			if fs, ok := v["features"].([]any); ok {
				for _, f := range fs {
					if s, ok := f.(string); ok {
						d.Features = append(d.Features, s)
					}
				}
			}
			if b, ok := v["default-features"].(bool); ok && !b {
				d.NoDefaultFeatures = true
			}
		default:
			return nil, errs.Configf("%s: dependency %q must be a version string or a table", manifestPath, name)
		}
		if d.Req == "" && d.Path == "" {
			return nil, errs.Configf("%s: dependency %q needs a version or a path", manifestPath, name)
		}
		deps = append(deps, d)
	}
	return deps, nil
}

// publishedManifest is the manifest written into archives: path dependencies
// are reduced to their version requirement.
type publishedManifest struct {
	Package           publishedPackage               `toml:"package"`
	Features          map[string][]string            `toml:"features,omitempty"`
	Dependencies      map[string]publishedDependency `toml:"dependencies,omitempty"`
	DevDependencies   map[string]publishedDependency `toml:"dev-dependencies,omitempty"`
	BuildDependencies map[string]publishedDependency `toml:"build-dependencies,omitempty"`
	Lib               *publishedTarget               `toml:"lib,omitempty"`
	Bin               []publishedTarget              `toml:"bin,omitempty"`
	Example           []publishedTarget              `toml:"example,omitempty"`
	Test              []publishedTarget              `toml:"test,omitempty"`
	Bench             []publishedTarget              `toml:"bench,omitempty"`
}

type publishedPackage struct {
	Name         string `toml:"name"`
	Version      string `toml:"version"`
	Description  string `toml:"description,omitempty"`
	License      string `toml:"license,omitempty"`
	Readme       string `toml:"readme,omitempty"`
	Repository   string `toml:"repository,omitempty"`
	Autodiscover bool   `toml:"autodiscover"`
}

type publishedDependency struct {
	Version         string   `toml:"version"`
	Package         string   `toml:"package,omitempty"`
	Optional        bool     `toml:"optional,omitempty"`
	Features        []string `toml:"features,omitempty"`
	DefaultFeatures *bool    `toml:"default-features,omitempty"`
}

type publishedTarget struct {
	Name             string   `toml:"name"`
	Path             string   `toml:"path"`
	Test             bool     `toml:"test"`
	Bench            bool     `toml:"bench"`
	Doctest          bool     `toml:"doctest"`
	Harness          bool     `toml:"harness"`
	RequiredFeatures []string `toml:"required-features,omitempty"`
}

// PublishedManifest renders the manifest that goes into the package archive.
// Targets are listed explicitly with package-relative paths and
// autodiscovery is turned off, so the unpacked package builds exactly the
// targets that were packaged. Path dependencies without a version are an error.
func PublishedManifest(pkg *Package) ([]byte, error) {
	out := publishedManifest{
		Package: publishedPackage{
			Name:        pkg.Name,
			Version:     pkg.Version,
			Description: pkg.Metadata.Description,
			License:     pkg.Metadata.License,
			Readme:      pkg.Metadata.Readme,
			Repository:  pkg.Metadata.Repository,
		},
	}
	if len(pkg.Features) > 0 {
		out.Features = pkg.Features
	}

	for _, d := range pkg.Dependencies {
		if d.Req == "" {
			if d.Kind == DepDev {
				// Path-only dev-dependencies are dropped from the published manifest.
				continue
			}
			return nil, errs.New(errs.KindPublishRejected,
				"all dependencies must have a version requirement specified when publishing; dependency %q does not", d.Name)
		}
		pd := publishedDependency{Version: d.Req, Package: d.Package, Optional: d.Optional, Features: d.Features}
		if d.NoDefaultFeatures {
			f := false
			pd.DefaultFeatures = &f
		}
		var table *map[string]publishedDependency
		switch d.Kind {
		case DepDev:
			table = &out.DevDependencies
		case DepBuild:
			table = &out.BuildDependencies
		default:
			table = &out.Dependencies
		}
		if *table == nil {
			*table = map[string]publishedDependency{}
		}
		(*table)[d.Name] = pd
	}

	for _, t := range pkg.Targets {
		rel, err := pkg.RelPath(t.SrcPath)
		if err != nil {
			return nil, err
		}
		pt := publishedTarget{
			Name: t.Name, Path: rel, Test: t.Test, Bench: t.Bench, Doctest: t.Doctest,
			Harness: t.Harness == HarnessManaged, RequiredFeatures: t.RequiredFeatures,
		}
		switch t.Kind {
		case KindLib:
			lib := pt
			out.Lib = &lib
		case KindBin:
			out.Bin = append(out.Bin, pt)
		case KindExample:
			out.Example = append(out.Example, pt)
		case KindTest:
			out.Test = append(out.Test, pt)
		case KindBench:
			out.Bench = append(out.Bench, pt)
		}
	}

	data, err := toml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("failed to render manifest for %s: %w", pkg.Name, err)
	}
	return data, nil
}
