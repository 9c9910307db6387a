package unit

import (
	"path/filepath"
)

// Layout places artifacts below the target directory. Every unit writes to
// its own path, so concurrent compilations never share an output file.
type Layout struct {
	TargetDir string
}

// NewLayout creates a Layout rooted at targetDir.
func NewLayout(targetDir string) Layout {
	return Layout{TargetDir: targetDir}
}

// ProfileDir returns <target-dir>/[<triple>/]<profile-dir>.
func (l Layout) ProfileDir(p Profile, triple string) string {
	if triple == "" {
		return filepath.Join(l.TargetDir, p.Dir())
	}
	return filepath.Join(l.TargetDir, triple, p.Dir())
}

// Executable returns the artifact path of u.
func (l Layout) Executable(u Unit) string {
	return filepath.Join(l.ProfileDir(u.Profile, u.Triple), "deps", u.Target.Name+"-"+Fingerprint(u)[:16])
}

// DoctestDir returns the scratch directory for the doctests of a package.
func (l Layout) DoctestDir(pkgName string, p Profile, triple string) string {
	return filepath.Join(l.ProfileDir(p, triple), "doctest", pkgName)
}

// PackageDir returns the directory that receives archives and unpacked
// verification trees.
func (l Layout) PackageDir() string {
	return filepath.Join(l.TargetDir, "package")
}
