// Package archive writes and reads package archives.
//
// An archive is a gzip-compressed tar stream. Every entry sits below a
// "<name>-<version>/" directory. Archives are reproducible: entries are
// sorted, timestamps and owners are zeroed and file modes are normalized,
// so the same plan always yields the same bytes.
package archive

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/hash"
	"github.com/danieljhkim/cairn/internal/planner"
)

// Ext is the archive file extension.
const Ext = ".cairn"

// maxEntrySize bounds a single unpacked file.
const maxEntrySize = 256 << 20

// Archive is a written package archive.
type Archive struct {
	Path string
	// Files are the archive paths below the package prefix, sorted.
	Files []string
	// Checksum is the hex SHA-256 of the archive file.
	Checksum string
	Size     int64
}

// Packager writes the archive of a plan.
type Packager interface {
	Package(plan *planner.PackagePlan, dest string) (*Archive, error)
}

// TarPackager writes tar.gz archives.
type TarPackager struct {
	FS     fsops.FS
	Hasher hash.Hasher
}

// NewTarPackager creates a TarPackager on the real filesystem.
func NewTarPackager() *TarPackager {
	return &TarPackager{FS: fsops.NewRealFS(), Hasher: hash.NewSHA256Hasher()}
}

// FileName is the archive file name of a plan.
func FileName(plan *planner.PackagePlan) string {
	return plan.Package + Ext
}

// Package implements Packager. A plan with conflicts is refused.
func (p *TarPackager) Package(plan *planner.PackagePlan, dest string) (*Archive, error) {
	if plan.HasConflicts() {
		c := plan.Conflicts[0]
		return nil, fmt.Errorf("cannot package %s: %s: %s", plan.Package, c.Path, c.Reason)
	}

	entries := append([]planner.Entry(nil), plan.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].ArchivePath < entries[j].ArchivePath })

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return nil, err
	}
	tw := tar.NewWriter(gz)

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		data, mode, err := p.content(e)
		if err != nil {
			return nil, err
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     plan.Package + "/" + e.ArchivePath,
			Mode:     mode,
			Size:     int64(len(data)),
			ModTime:  time.Unix(0, 0),
			Format:   tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", e.ArchivePath, err)
		}
		if _, err := tw.Write(data); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", e.ArchivePath, err)
		}
		files = append(files, e.ArchivePath)
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	if err := p.FS.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
	}
	if err := p.FS.AtomicWrite(dest, buf.Bytes(), 0644); err != nil {
		return nil, fmt.Errorf("failed to write archive: %w", err)
	}
	return &Archive{
		Path:     dest,
		Files:    files,
		Checksum: p.Hasher.HashBytes(buf.Bytes()),
		Size:     int64(buf.Len()),
	}, nil
}

func (p *TarPackager) content(e planner.Entry) ([]byte, int64, error) {
	if e.Type == planner.OpGenerate {
		return e.Data, 0644, nil
	}
	info, err := p.FS.Stat(e.SourcePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to stat %s: %w", e.SourcePath, err)
	}
	data, err := p.FS.ReadFile(e.SourcePath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read %s: %w", e.SourcePath, err)
	}
	if info.Mode()&0111 != 0 {
		return data, 0755, nil
	}
	return data, 0644, nil
}

// Unpack extracts the archive at src into dir and returns the unpacked
// package root, dir/<name>-<version>. An existing root is replaced.
func Unpack(src, dir string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("failed to read archive %s: %w", src, err)
	}
	defer func() {
		_ = gz.Close()
	}()

	prefix := strings.TrimSuffix(filepath.Base(src), Ext)
	root := filepath.Join(dir, prefix)
	if err := os.RemoveAll(root); err != nil {
		return "", fmt.Errorf("failed to clear %s: %w", root, err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to read archive %s: %w", src, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			return "", fmt.Errorf("archive %s: unsupported entry %s", src, hdr.Name)
		}
		rel, ok := strings.CutPrefix(path.Clean(hdr.Name), prefix+"/")
		if !ok {
			return "", fmt.Errorf("archive %s: entry %s is outside %s/", src, hdr.Name, prefix)
		}
		if err := fsops.ValidateRelPath(rel); err != nil {
			return "", fmt.Errorf("archive %s: %w", src, err)
		}
		if hdr.Size > maxEntrySize {
			return "", fmt.Errorf("archive %s: entry %s is too large", src, hdr.Name)
		}

		target := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return "", err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode)&0755)
		if err != nil {
			return "", err
		}
		_, cerr := io.Copy(out, io.LimitReader(tr, hdr.Size))
		if err := out.Close(); cerr == nil {
			cerr = err
		}
		if cerr != nil {
			return "", fmt.Errorf("failed to unpack %s: %w", rel, cerr)
		}
	}
	return root, nil
}

// HashTree hashes every file below root. Keys are slash-separated relative
// paths. Build output is not part of the tree.
func HashTree(fs fsops.FS, hasher hash.Hasher, root string) (map[string]string, error) {
	files, err := fs.Walk(root, func(rel string) bool { return rel == "target" })
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(files))
	for _, rel := range files {
		h, err := hasher.HashFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		out[rel] = h
	}
	return out, nil
}

// ChangedFiles compares two HashTree results and returns the paths that
// were added, removed or modified, sorted.
func ChangedFiles(before, after map[string]string) []string {
	var changed []string
	for rel, h := range before {
		if after[rel] != h {
			changed = append(changed, rel)
		}
	}
	for rel := range after {
		if _, ok := before[rel]; !ok {
			changed = append(changed, rel)
		}
	}
	sort.Strings(changed)
	return changed
}

// FakePackager is a Packager for tests. It records plans and writes nothing.
type FakePackager struct {
	mu    sync.Mutex
	Err   error
	plans []*planner.PackagePlan
}

// Package implements Packager.
func (p *FakePackager) Package(plan *planner.PackagePlan, dest string) (*Archive, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plans = append(p.plans, plan)
	if p.Err != nil {
		return nil, p.Err
	}
	return &Archive{Path: dest, Files: plan.Files(), Checksum: "fake-" + plan.Package}, nil
}

// Plans returns every packaged plan in call order.
func (p *FakePackager) Plans() []*planner.PackagePlan {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*planner.PackagePlan(nil), p.plans...)
}
