package planner

// PackagePlan is the content plan of one package archive.
type PackagePlan struct {
	// Package is the "<name>-<version>" prefix of every archive path.
	Package string

	// Entries is the archive content, sorted by ArchivePath.
	Entries []Entry

	// Conflicts is a list of detected conflicts (empty if no conflicts)
	Conflicts []Conflict
}

// Entry is one file of the archive.
type Entry struct {
	// Type is the entry type: "copy" or "generate"
	Type string

	// SourcePath is the file on disk for copy entries (absolute)
	SourcePath string

	// ArchivePath is the path below the package prefix (slash-separated)
	ArchivePath string

	// Data is the content of generate entries
	Data []byte
}

// Conflict represents a conflict detected during planning.
type Conflict struct {
	// Path is the package-relative path where the conflict was detected
	Path string

	// Reason is a human-readable explanation of the conflict
	Reason string
}

// Entry type constants
const (
	OpCopy     = "copy"
	OpGenerate = "generate"
)

// NewPackagePlan creates a new empty PackagePlan.
func NewPackagePlan(prefix string) *PackagePlan {
	return &PackagePlan{
		Package:   prefix,
		Entries:   []Entry{},
		Conflicts: []Conflict{},
	}
}

// HasConflicts returns true if the plan has any conflicts.
func (p *PackagePlan) HasConflicts() bool {
	return len(p.Conflicts) > 0
}

// AddEntry adds an entry to the plan.
func (p *PackagePlan) AddEntry(e Entry) {
	p.Entries = append(p.Entries, e)
}

// AddConflict adds a conflict to the plan.
func (p *PackagePlan) AddConflict(conflict Conflict) {
	p.Conflicts = append(p.Conflicts, conflict)
}

// Files returns the archive paths in plan order.
func (p *PackagePlan) Files() []string {
	out := make([]string, len(p.Entries))
	for i, e := range p.Entries {
		out[i] = e.ArchivePath
	}
	return out
}
