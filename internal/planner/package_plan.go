package planner

import (
	"encoding/json"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Generated archive files.
const (
	OrigManifestName = workspace.ManifestName + ".orig"
	VCSInfoName      = ".cairn_vcs_info.json"
)

// Options tune plan construction.
type Options struct {
	// Commit is the VCS commit of the package sources. When set, a VCS info
	// file is added to the archive.
	Commit string

	// PathInVCS is the package root relative to the repository root.
	PathInVCS string
}

type vcsInfo struct {
	Git struct {
		SHA1 string `json:"sha1"`
	} `json:"git"`
	PathInVCS string `json:"path_in_vcs"`
}

// BuildPackagePlan generates a deterministic plan for the archive of pkg.
func BuildPackagePlan(fs fsops.FS, pkg *workspace.Package, opts Options) (*PackagePlan, error) {
	plan := NewPackagePlan(fmt.Sprintf("%s-%s", pkg.Name, pkg.Version))
	checker := NewConflictChecker(fs, OrigManifestName, VCSInfoName)

	for _, pattern := range append(append([]string(nil), pkg.Include...), pkg.Exclude...) {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("%s: invalid include/exclude pattern %q", pkg.ManifestPath, pattern)
		}
	}

	files, err := fs.Walk(pkg.Root, func(rel string) bool {
		return skipPath(fs, pkg.Root, rel)
	})
	if err != nil {
		return nil, err
	}

	checker.CheckPath(workspace.ManifestName)
	included := make(map[string]bool)
	for _, rel := range files {
		if rel == workspace.ManifestName || !selected(pkg, rel) {
			continue
		}
		if conflict := checker.CheckPath(rel); conflict != nil {
			plan.AddConflict(*conflict)
			continue
		}
		plan.AddEntry(Entry{
			Type:        OpCopy,
			SourcePath:  filepath.Join(pkg.Root, filepath.FromSlash(rel)),
			ArchivePath: rel,
		})
		included[rel] = true
	}

	// The manifest is always packaged, normalized, with the original kept
	// alongside.
	normalized, err := workspace.PublishedManifest(pkg)
	if err != nil {
		return nil, err
	}
	plan.AddEntry(Entry{Type: OpGenerate, ArchivePath: workspace.ManifestName, Data: normalized})
	plan.AddEntry(Entry{Type: OpCopy, SourcePath: pkg.ManifestPath, ArchivePath: OrigManifestName})

	if opts.Commit != "" {
		var info vcsInfo
		info.Git.SHA1 = opts.Commit
		info.PathInVCS = opts.PathInVCS
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to render VCS info: %w", err)
		}
		plan.AddEntry(Entry{Type: OpGenerate, ArchivePath: VCSInfoName, Data: append(data, '\n')})
	}

	for _, t := range pkg.Targets {
		rel, err := pkg.RelPath(t.SrcPath)
		if err != nil {
			plan.AddConflict(Conflict{Path: t.SrcPath, Reason: fmt.Sprintf("%s target %q is outside the package", t.Kind, t.Name)})
			continue
		}
		if !included[rel] {
			plan.AddConflict(Conflict{Path: rel, Reason: fmt.Sprintf("source of %s target %q is not included in the package", t.Kind, t.Name)})
		}
	}

	if readme := pkg.Metadata.Readme; readme != "" {
		rel := path.Clean(filepath.ToSlash(readme))
		if !included[rel] {
			plan.AddConflict(Conflict{Path: rel, Reason: "readme does not exist or is not included in the package"})
		}
	}

	sort.Slice(plan.Entries, func(i, j int) bool {
		return plan.Entries[i].ArchivePath < plan.Entries[j].ArchivePath
	})
	return plan, nil
}

// skipPath reports whether rel is never packaged: build output, VCS
// metadata and directories holding another package.
func skipPath(fs fsops.FS, root, rel string) bool {
	base := path.Base(rel)
	if rel == "target" || base == ".git" {
		return true
	}
	if ok, _ := fs.Exists(filepath.Join(root, filepath.FromSlash(rel), workspace.ManifestName)); ok {
		return true
	}
	return false
}

// Packaged reports whether the package-relative file rel would go into the
// archive of pkg.
func Packaged(fs fsops.FS, pkg *workspace.Package, rel string) bool {
	rel = path.Clean(filepath.ToSlash(rel))
	if rel == "." || strings.HasPrefix(rel, "../") {
		return false
	}
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		if skipPath(fs, pkg.Root, strings.Join(parts[:i], "/")) {
			return false
		}
	}
	return rel == workspace.ManifestName || selected(pkg, rel)
}

// selected applies the include globs, or when there are none, the exclude
// globs. A pattern without a slash matches at any depth.
func selected(pkg *workspace.Package, rel string) bool {
	if len(pkg.Include) > 0 {
		return matchAny(pkg.Include, rel)
	}
	return !matchAny(pkg.Exclude, rel)
}

func matchAny(patterns []string, rel string) bool {
	for _, p := range patterns {
		p = strings.TrimPrefix(p, "/")
		if !strings.Contains(p, "/") {
			p = "**/" + p
		}
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
		// A directory pattern selects everything below it.
		if ok, _ := doublestar.Match(strings.TrimSuffix(p, "/")+"/**", rel); ok {
			return true
		}
	}
	return false
}
