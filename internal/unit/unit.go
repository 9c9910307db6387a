// Package unit defines build units: one compilation of one target under one
// configuration.
//
// Two units with the same package and target are distinct when any part of
// their configuration differs. A library compiled as a unit test and the same
// library compiled for linking are two units with two artifacts.
package unit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/danieljhkim/cairn/internal/hash"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Mode is the compile mode of a unit.
type Mode int

const (
	// ModeBuild produces a library for linking or a plain executable.
	ModeBuild Mode = iota
	// ModeTest produces a test executable.
	ModeTest
	// ModeBench produces a benchmark executable.
	ModeBench
	// ModeDoctest compiles and runs one documentation block. Doctest units are
	// never scheduled by the dispatcher.
	ModeDoctest
)

func (m Mode) String() string {
	switch m {
	case ModeBuild:
		return "build"
	case ModeTest:
		return "test"
	case ModeBench:
		return "bench"
	case ModeDoctest:
		return "doctest"
	}
	return "mode(" + strconv.Itoa(int(m)) + ")"
}

// Key identifies a unit within one invocation.
type Key string

// HostTriple is the triple label used in keys for host builds.
const HostTriple = "host"

// Unit is one compilation.
type Unit struct {
	Package  *workspace.Package
	Target   *workspace.Target
	Profile  Profile
	Mode     Mode
	Features []string
	Triple   string
	Deps     []Key
}

// Key returns pkg/kind/name/mode/profile/triple.
func (u Unit) Key() Key {
	triple := u.Triple
	if triple == "" {
		triple = HostTriple
	}
	return Key(strings.Join([]string{
		u.Package.Name, u.Target.Kind.String(), u.Target.Name, u.Mode.String(), u.Profile.Name, triple,
	}, "/"))
}

// Runnable reports whether the unit's artifact is executed by the test
// controller.
func (u Unit) Runnable() bool {
	return u.Mode == ModeTest || u.Mode == ModeBench
}

func (u Unit) String() string {
	return string(u.Key())
}

// Fingerprint hashes everything that changes the compiled output of u.
func Fingerprint(u Unit) string {
	features := append([]string(nil), u.Features...)
	sort.Strings(features)
	return hash.Fingerprint(
		u.Package.Name,
		u.Package.Version,
		u.Target.Kind.String(),
		u.Target.Name,
		u.Target.SrcPath,
		u.Mode.String(),
		u.Profile.Name,
		u.Profile.OptLevel,
		strconv.FormatBool(u.Profile.Debug),
		u.Triple,
		strings.Join(features, ","),
	)
}

// SortKeys sorts keys in place and returns them.
func SortKeys(keys []Key) []Key {
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Describe renders a unit for status lines, e.g. "core (lib test)".
func Describe(u Unit) string {
	s := fmt.Sprintf("%s v%s (%s %q", u.Package.Name, u.Package.Version, u.Target.Kind, u.Target.Name)
	if u.Mode != ModeBuild {
		s += " " + u.Mode.String()
	}
	if u.Triple != "" {
		s += " " + u.Triple
	}
	return s + ")"
}
