package publish

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/danieljhkim/cairn/internal/archive"
	"github.com/danieljhkim/cairn/internal/dispatch"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/hash"
	"github.com/danieljhkim/cairn/internal/selection"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// DispatchVerifier unpacks an archive next to it and builds the unpacked
// package's library and binaries with the regular dispatcher.
type DispatchVerifier struct {
	FS     fsops.FS
	Hasher hash.Hasher
	// Dispatcher is copied for every verification; its Layout and Cwd are
	// replaced by the unpacked tree.
	Dispatcher dispatch.Dispatcher
}

// Verify implements Verifier.
func (v *DispatchVerifier) Verify(ctx context.Context, pkg *workspace.Package, a *archive.Archive) error {
	root, err := archive.Unpack(a.Path, filepath.Dir(a.Path))
	if err != nil {
		return err
	}

	ws, err := workspace.LoadStandalone(v.FS, filepath.Join(root, workspace.ManifestName))
	if err != nil {
		return errs.Wrap(err, errs.KindBuild, "failed to load the unpacked manifest of `%s`", pkg.Name)
	}
	res, err := selection.Resolve(ws, selection.Options{Mode: unit.ModeBuild, Logger: v.Dispatcher.Logger})
	if err != nil {
		return errs.Wrap(err, errs.KindBuild, "failed to select targets of the unpacked `%s`", pkg.Name)
	}

	before, err := archive.HashTree(v.FS, v.Hasher, root)
	if err != nil {
		return err
	}

	d := v.Dispatcher
	d.Layout = unit.NewLayout(filepath.Join(root, "target"))
	d.Cwd = root
	d.KeepGoing = false
	if _, err := d.Run(ctx, res.Units()); err != nil {
		return errs.Wrap(err, errs.KindBuild, "failed to verify package tarball")
	}

	after, err := archive.HashTree(v.FS, v.Hasher, root)
	if err != nil {
		return err
	}
	if changed := archive.ChangedFiles(before, after); len(changed) > 0 {
		return errs.New(errs.KindBuild,
			"source directory was modified by the build; build output must go to the target directory.\nchanged files:\n%s",
			indent(changed))
	}
	return nil
}

func indent(lines []string) string {
	var sb strings.Builder
	for i, l := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "  %s", l)
	}
	return sb.String()
}

// FakeVerifier is a Verifier for tests.
type FakeVerifier struct {
	Err      error
	Verified []string
}

// Verify implements Verifier.
func (v *FakeVerifier) Verify(_ context.Context, pkg *workspace.Package, _ *archive.Archive) error {
	v.Verified = append(v.Verified, pkg.Name)
	return v.Err
}
