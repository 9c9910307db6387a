// Package pkgspec parses package ID specifications, the strings accepted by
// -p/--package and --exclude to name a package.
//
// Accepted forms:
//
//	name
//	name@1.2.3            (name:1.2.3 is accepted and rendered with @)
//	https://host/path/name
//	https://host/path/name#1.2
//	https://host/path#other@1.2
//	git+ssh://host/repo.git?branch=dev#name@1.2.3
//	registry+https://host/index#name@1.2
//	sparse+https://host/index#name@1.2
//	path+file:///abs/dir#1.0.0
//
// Versions may be partial (1, 1.2, 1.2.3, 1.2.3-pre). Ranges and wildcards
// are rejected.
package pkgspec

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/mod/semver"
)

// SourceKind is the source protocol prefix of a URL spec.
type SourceKind int

const (
	SourceNone SourceKind = iota
	SourceGit
	SourceRegistry
	SourceSparse
	SourcePath
)

// protocol returns the prefix printed before the URL, if any. Sparse URLs
// keep their prefix inside the URL itself.
func (k SourceKind) protocol() string {
	switch k {
	case SourceGit:
		return "git"
	case SourceRegistry:
		return "registry"
	case SourcePath:
		return "path"
	}
	return ""
}

// Spec identifies one package, possibly ambiguously.
type Spec struct {
	Name    string
	Version string // partial version, empty when absent
	URL     *url.URL
	Kind    SourceKind
	GitRef  string // "branch=dev", "tag=v1" or "rev=abc" for git sources
}

// Parse parses a package ID spec.
func Parse(spec string) (Spec, error) {
	if strings.Contains(spec, "://") {
		if u, err := url.Parse(spec); err == nil {
			return fromURL(u)
		}
	} else if strings.ContainsAny(spec, `/\`) {
		if abs, err := filepath.Abs(spec); err == nil {
			if _, err := os.Stat(abs); err == nil {
				return Spec{}, fmt.Errorf("package ID specification %q looks like a file path, maybe try file://%s",
					spec, filepath.ToSlash(abs))
			}
		}
	}

	name, version, hasVersion := cut(spec)
	s := Spec{Name: name}
	if hasVersion {
		v, err := parseVersion(version)
		if err != nil {
			return Spec{}, err
		}
		s.Version = v
	}
	if err := validateName(name); err != nil {
		return Spec{}, err
	}
	return s, nil
}

// MustParse is Parse for literals known to be valid.
func MustParse(spec string) Spec {
	s, err := Parse(spec)
	if err != nil {
		panic(err)
	}
	return s
}

func fromURL(u *url.URL) (Spec, error) {
	var s Spec
	if prefix, scheme, ok := strings.Cut(u.Scheme, "+"); ok {
		switch prefix {
		case "git":
			s.Kind = SourceGit
			s.GitRef = gitRef(u.Query())
			u.RawQuery = ""
			u.ForceQuery = false
			u.Scheme = scheme
		case "registry":
			if u.RawQuery != "" {
				return Spec{}, fmt.Errorf("cannot have a query string in a pkgid: %s", u)
			}
			s.Kind = SourceRegistry
			u.Scheme = scheme
		case "sparse":
			if u.RawQuery != "" {
				return Spec{}, fmt.Errorf("cannot have a query string in a pkgid: %s", u)
			}
			s.Kind = SourceSparse
		case "path":
			if u.RawQuery != "" {
				return Spec{}, fmt.Errorf("cannot have a query string in a pkgid: %s", u)
			}
			if scheme != "file" {
				return Spec{}, fmt.Errorf("`path+%s` is unsupported; `path+file` and `file` schemes are supported", scheme)
			}
			s.Kind = SourcePath
			u.Scheme = scheme
		default:
			return Spec{}, fmt.Errorf("unsupported source protocol: %s", prefix)
		}
	} else if u.RawQuery != "" {
		return Spec{}, fmt.Errorf("cannot have a query string in a pkgid: %s", u)
	}

	frag := u.Fragment
	u.Fragment = ""
	u.RawFragment = ""

	if u.Host == "" && u.Scheme != "file" {
		return Spec{}, fmt.Errorf("pkgid urls must have a host: %s", u)
	}
	if u.Path == "" || u.Path == "/" {
		return Spec{}, fmt.Errorf("pkgid urls must have a path: %s", u)
	}
	pathName := lastSegment(u)

	switch {
	case frag == "":
		s.Name = pathName
	case strings.ContainsAny(frag, ":@"):
		name, version, _ := cut(frag)
		v, err := parseVersion(version)
		if err != nil {
			return Spec{}, err
		}
		s.Name, s.Version = name, v
	case unicode.IsLetter([]rune(frag)[0]):
		s.Name = frag
	default:
		v, err := parseVersion(frag)
		if err != nil {
			return Spec{}, err
		}
		s.Name, s.Version = pathName, v
	}

	s.URL = u
	return s, nil
}

func gitRef(q url.Values) string {
	for _, key := range []string{"branch", "tag", "rev"} {
		if v := q.Get(key); v != "" {
			return key + "=" + v
		}
	}
	return ""
}

func lastSegment(u *url.URL) string {
	p := u.Path
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}

// cut splits at the first ':' or '@'.
func cut(s string) (name, version string, ok bool) {
	i := strings.IndexAny(s, ":@")
	if i < 0 {
		return s, "", false
	}
	return s[:i], s[i+1:], true
}

// ErrInvalidVersion is wrapped by every version parse failure.
var ErrInvalidVersion = errors.New("invalid version")

// parseVersion validates a partial version: 1, 1.2, 1.2.3 or a full version
// with pre-release or build metadata.
func parseVersion(v string) (string, error) {
	if v == "" {
		return "", fmt.Errorf("%w: empty version requirement", ErrInvalidVersion)
	}
	if strings.ContainsAny(v, "*^~<>=, ") {
		return "", fmt.Errorf("%w %q: expected a version like \"1.32\", not a requirement", ErrInvalidVersion, v)
	}
	if !semver.IsValid("v" + v) {
		return "", fmt.Errorf("%w %q", ErrInvalidVersion, v)
	}
	return v, nil
}

// validateName checks package name characters. The empty name is allowed so
// that "@1.2.3" parses; it matches no package.
func validateName(name string) error {
	for i, r := range name {
		if i == 0 && unicode.IsDigit(r) {
			return fmt.Errorf("invalid character %q in pkgid %q: the name cannot start with a digit", r, name)
		}
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_') {
			return fmt.Errorf("invalid character %q in pkgid %q: characters must be letters, numbers, `-` or `_`", r, name)
		}
	}
	return nil
}

// String renders the canonical form of the spec.
func (s Spec) String() string {
	var b strings.Builder
	printedName := false
	if s.URL != nil {
		if p := s.Kind.protocol(); p != "" {
			b.WriteString(p)
			b.WriteByte('+')
		}
		b.WriteString(s.URL.String())
		if s.Kind == SourceGit && s.GitRef != "" {
			b.WriteByte('?')
			b.WriteString(s.GitRef)
		}
		if lastSegment(s.URL) != s.Name {
			printedName = true
			b.WriteByte('#')
			b.WriteString(s.Name)
		}
	} else {
		printedName = true
		b.WriteString(s.Name)
	}
	if s.Version != "" {
		if printedName {
			b.WriteByte('@')
		} else {
			b.WriteByte('#')
		}
		b.WriteString(s.Version)
	}
	return b.String()
}

// Matches reports whether a package with the given name, full version and
// root directory satisfies the spec. Workspace members are path sources, so
// a URL spec only matches through a file URL naming the package root.
func (s Spec) Matches(name, version, root string) bool {
	if s.Name != name {
		return false
	}
	if s.Version != "" && !versionMatches(s.Version, version) {
		return false
	}
	if s.URL != nil {
		if s.URL.Scheme != "file" {
			return false
		}
		return filepath.Clean(filepath.FromSlash(s.URL.Path)) == filepath.Clean(root)
	}
	return true
}

// versionMatches compares a partial version against a full one component by
// component; omitted components match anything.
func versionMatches(partial, full string) bool {
	pCore, pPre := splitPre(partial)
	fCore, fPre := splitPre(full)
	pParts := strings.Split(pCore, ".")
	fParts := strings.Split(fCore, ".")
	if len(pParts) > len(fParts) {
		return false
	}
	for i, p := range pParts {
		if p != fParts[i] {
			return false
		}
	}
	if len(pParts) == 3 && pPre != fPre {
		return false
	}
	return true
}

func splitPre(v string) (core, pre string) {
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	core, pre, _ = strings.Cut(v, "-")
	return core, pre
}

// IsGlob reports whether spec is a glob pattern rather than a literal.
func IsGlob(spec string) bool {
	return strings.ContainsAny(spec, "*?[")
}
