package planner

import (
	"fmt"
	"strings"

	"github.com/danieljhkim/cairn/internal/fsops"
)

// ConflictChecker checks archive paths as they are added to a plan.
type ConflictChecker struct {
	fs       fsops.FS
	reserved map[string]bool
	folded   map[string]string
}

// NewConflictChecker creates a new ConflictChecker. Reserved paths are
// generated by the packager and may not come from the package directory.
func NewConflictChecker(fs fsops.FS, reserved ...string) *ConflictChecker {
	c := &ConflictChecker{
		fs:       fs,
		reserved: make(map[string]bool),
		folded:   make(map[string]string),
	}
	for _, r := range reserved {
		c.reserved[r] = true
	}
	return c
}

// CheckPath checks a package file against the paths seen so far.
// Returns a Conflict if one is detected, or nil if the path is safe to use.
func (c *ConflictChecker) CheckPath(rel string) *Conflict {
	if err := c.fs.ValidateRelPath(rel); err != nil {
		return &Conflict{Path: rel, Reason: fmt.Sprintf("invalid archive path: %v", err)}
	}

	if c.reserved[rel] {
		return &Conflict{Path: rel, Reason: "file name is reserved for a generated file"}
	}

	// Archives unpack on case-insensitive filesystems too.
	key := strings.ToLower(rel)
	if prev, ok := c.folded[key]; ok {
		return &Conflict{
			Path:   rel,
			Reason: fmt.Sprintf("path differs from %s only by case", prev),
		}
	}
	c.folded[key] = rel
	return nil
}
