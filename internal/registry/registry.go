// Package registry talks to package registries: it uploads archives and
// looks versions up in the sparse index.
package registry

import (
	"context"
	"sort"

	"github.com/danieljhkim/cairn/internal/config"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Client is one registry.
type Client interface {
	// Published reports whether name@version is visible in the index.
	Published(ctx context.Context, name, version string) (bool, error)

	// Upload sends an archive with its metadata. It is attempted once.
	Upload(ctx context.Context, meta Metadata, archive []byte, token string) error
}

// Metadata is the JSON document sent ahead of an archive.
type Metadata struct {
	Name        string              `json:"name"`
	Vers        string              `json:"vers"`
	Deps        []Dependency        `json:"deps"`
	Features    map[string][]string `json:"features"`
	Description string              `json:"description,omitempty"`
	License     string              `json:"license,omitempty"`
	Readme      string              `json:"readme,omitempty"`
	ReadmeFile  string              `json:"readme_file,omitempty"`
	Repository  string              `json:"repository,omitempty"`
	Checksum    string              `json:"cksum,omitempty"`
}

// Scope indicates when a dependency is required.
type Scope string

const (
	Runtime     Scope = "normal"
	Development Scope = "dev"
	Build       Scope = "build"
)

// Dependency is one dependency in upload metadata.
type Dependency struct {
	Name            string   `json:"name"`
	VersionReq      string   `json:"version_req"`
	Features        []string `json:"features"`
	Optional        bool     `json:"optional"`
	DefaultFeatures bool     `json:"default_features"`
	Kind            Scope    `json:"kind"`
	// ExplicitName is the local name of a renamed dependency.
	ExplicitName string `json:"explicit_name_in_toml,omitempty"`
}

// NewMetadata describes pkg for upload. Dependencies without a version
// requirement are left out; preflight rejects them before this point.
func NewMetadata(pkg *workspace.Package, readme, checksum string) Metadata {
	m := Metadata{
		Name:        pkg.Name,
		Vers:        pkg.Version,
		Deps:        []Dependency{},
		Features:    map[string][]string{},
		Description: pkg.Metadata.Description,
		License:     pkg.Metadata.License,
		Readme:      readme,
		ReadmeFile:  pkg.Metadata.Readme,
		Repository:  pkg.Metadata.Repository,
		Checksum:    checksum,
	}
	for name, values := range pkg.Features {
		m.Features[name] = append([]string{}, values...)
	}
	for _, d := range pkg.Dependencies {
		if d.Req == "" {
			continue
		}
		dep := Dependency{
			Name:            d.PackageName(),
			VersionReq:      d.Req,
			Features:        append([]string{}, d.Features...),
			Optional:        d.Optional,
			DefaultFeatures: !d.NoDefaultFeatures,
			Kind:            scopeOf(d.Kind),
		}
		if d.Package != "" {
			dep.ExplicitName = d.Name
		}
		m.Deps = append(m.Deps, dep)
	}
	sort.Slice(m.Deps, func(i, j int) bool {
		if m.Deps[i].Kind != m.Deps[j].Kind {
			return m.Deps[i].Kind < m.Deps[j].Kind
		}
		return m.Deps[i].Name < m.Deps[j].Name
	})
	return m
}

func scopeOf(k workspace.DepKind) Scope {
	switch k {
	case workspace.DepDev:
		return Development
	case workspace.DepBuild:
		return Build
	}
	return Runtime
}

// Target is the registry a package is published to. Name is empty when
// the index was given by URL.
type Target struct {
	Name  string
	Index string
}

// SelectOptions are the registry flags of a publish invocation.
type SelectOptions struct {
	Index    string
	Registry string
}

// Select picks the registry for pkg: --index, then --registry, then the
// only registry of a single-entry publish allowlist, then registry.default.
func Select(opts SelectOptions, pkg *workspace.Package, settings *config.Settings) (Target, error) {
	if opts.Index != "" && opts.Registry != "" {
		return Target{}, errs.Configf("cannot specify both --index and --registry")
	}
	if opts.Index != "" {
		return Target{Index: opts.Index}, nil
	}

	name := opts.Registry
	if name == "" && pkg.Publish.Restricted && len(pkg.Publish.Registries) == 1 {
		name = pkg.Publish.Registries[0]
	}
	if name == "" {
		name = settings.Registry.Default
	}
	index, ok := settings.RegistryIndex(name)
	if !ok {
		return Target{}, errs.Configf("registry %q is not configured, add [registries.%s] index = \"...\" to the config", name, name)
	}
	return Target{Name: name, Index: index}, nil
}
