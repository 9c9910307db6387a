package engine

import (
	"github.com/danieljhkim/cairn/internal/config"
	"github.com/danieljhkim/cairn/internal/selection"
)

// Scope is the part of every request that locates the workspace and picks
// what to work on.
type Scope struct {
	// CWD is the directory the manifest search starts from
	CWD string

	// ManifestPath overrides the manifest search (--manifest-path)
	ManifestPath string

	// Selection holds the package, target, feature and profile flags
	Selection selection.Options

	// Policy holds --locked, --offline and --frozen
	Policy config.Policy

	// Jobs is the -j value, nil when not given
	Jobs *int

	// KeepGoing continues past independent failures
	KeepGoing bool
}

// BuildRequest represents a request to compile the selected targets.
type BuildRequest struct {
	Scope
}

// TestRequest represents a request to build and run tests or benchmarks.
type TestRequest struct {
	Scope

	// Bench runs benchmarks instead of tests
	Bench bool

	// NoRun compiles without running
	NoRun bool

	// NoFailFast runs every executable regardless of failures
	NoFailFast bool

	// Filter is the TESTNAME / BENCHNAME argument
	Filter string

	// Args are passed to every executable after --
	Args []string

	// DoctestParallelism bounds concurrent doctest processes; 0 means the core count
	DoctestParallelism int
}

// PackageRequest represents a request to assemble (and verify) archives.
type PackageRequest struct {
	Scope

	// List prints the files that would be packaged and stops
	List bool

	NoVerify   bool
	AllowDirty bool
}

// PublishRequest represents a request to publish packages to a registry.
type PublishRequest struct {
	Scope

	// DryRun performs every step except the upload
	DryRun bool

	NoVerify   bool
	AllowDirty bool

	// Token overrides every configured token
	Token string

	// Index is an index URL to publish to
	Index string

	// Registry is a registry name from configuration
	Registry string
}
