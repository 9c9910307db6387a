// Package lockfile maintains Cairn.lock, the record of workspace members and
// the in-workspace dependencies between them.
package lockfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"github.com/pelletier/go-toml/v2"

	"github.com/danieljhkim/cairn/internal/config"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// FileName is the lock file name at the workspace root.
const FileName = "Cairn.lock"

// FormatVersion is written to every lock file.
const FormatVersion = 1

const header = "# This file is automatically generated by cairn.\n# It is not intended for manual editing.\n"

// Lock is the decoded lock file.
type Lock struct {
	Version  int     `toml:"version"`
	Packages []Entry `toml:"package"`
}

// Entry is one locked package.
type Entry struct {
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	Dependencies []string `toml:"dependencies,omitempty"`
}

// Compute returns the lock expected for ws. Packages and dependencies are
// sorted by name.
func Compute(ws *workspace.Workspace) *Lock {
	l := &Lock{Version: FormatVersion}
	for _, p := range ws.Packages {
		e := Entry{Name: p.Name, Version: p.Version}
		for _, d := range ws.InWorkspaceDeps(p) {
			e.Dependencies = append(e.Dependencies, d.Name)
		}
		for _, d := range ws.DevDeps(p) {
			if !slices.Contains(e.Dependencies, d.Name) {
				e.Dependencies = append(e.Dependencies, d.Name)
			}
		}
		sort.Strings(e.Dependencies)
		l.Packages = append(l.Packages, e)
	}
	sort.Slice(l.Packages, func(i, j int) bool { return l.Packages[i].Name < l.Packages[j].Name })
	return l
}

// Equal reports whether two locks record the same packages.
func (l *Lock) Equal(o *Lock) bool {
	if l == nil || o == nil {
		return l == o
	}
	return l.Version == o.Version && slices.EqualFunc(l.Packages, o.Packages, func(a, b Entry) bool {
		return a.Name == b.Name && a.Version == b.Version && slices.Equal(a.Dependencies, b.Dependencies)
	})
}

// Encode renders the lock file contents.
func (l *Lock) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(header)
	buf.WriteByte('\n')
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	if err := enc.Encode(l); err != nil {
		return nil, fmt.Errorf("failed to encode lock file: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses lock file contents.
func Decode(data []byte) (*Lock, error) {
	var l Lock
	if err := toml.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Store reads and writes one lock file.
type Store struct {
	fs   fsops.FS
	path string
}

// NewStore creates a Store for the lock file of the workspace at root.
func NewStore(fs fsops.FS, root string) *Store {
	return &Store{fs: fs, path: filepath.Join(root, FileName)}
}

// Path returns the lock file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the lock file. Returns os.ErrNotExist if there is none.
func (s *Store) Load() (*Lock, error) {
	data, err := s.fs.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	l, err := Decode(data)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindConfiguration, "failed to parse lock file %s", s.path)
	}
	return l, nil
}

// Save writes the lock file atomically.
func (s *Store) Save(l *Lock) error {
	data, err := l.Encode()
	if err != nil {
		return err
	}
	if err := s.fs.AtomicWrite(s.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return nil
}

// Plan decides whether the lock file of ws needs writing and returns the
// lock to write, or nil when the file is current. Under a locked policy a
// missing or stale lock file is a LockMismatch error. Nothing is written.
func Plan(fs fsops.FS, ws *workspace.Workspace, policy config.Policy) (*Lock, error) {
	policy = policy.Normalize()
	store := NewStore(fs, ws.Root)
	want := Compute(ws)

	have, err := store.Load()
	switch {
	case errors.Is(err, os.ErrNotExist):
		if policy.Locked {
			return nil, errs.New(errs.KindLockMismatch,
				"the lock file %s needs to be created but --locked was passed to prevent this", store.Path())
		}
	case err != nil && errs.KindOf(err) == errs.KindConfiguration && !policy.Locked:
		// An unreadable lock file is regenerated.
	case err != nil:
		return nil, err
	case have.Equal(want):
		return nil, nil
	case policy.Locked:
		return nil, errs.New(errs.KindLockMismatch,
			"the lock file %s needs to be updated but --locked was passed to prevent this", store.Path())
	}
	return want, nil
}
