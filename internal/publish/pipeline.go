package publish

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/danieljhkim/cairn/internal/archive"
	"github.com/danieljhkim/cairn/internal/clock"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
	"github.com/danieljhkim/cairn/internal/gitx"
	"github.com/danieljhkim/cairn/internal/metrics"
	"github.com/danieljhkim/cairn/internal/planner"
	"github.com/danieljhkim/cairn/internal/registry"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Verifier checks that a written archive builds on its own.
type Verifier interface {
	Verify(ctx context.Context, pkg *workspace.Package, a *archive.Archive) error
}

// Pipeline publishes one package at a time.
type Pipeline struct {
	FS       fsops.FS
	Git      gitx.GitRepo
	Packager archive.Packager
	Verifier Verifier
	Registry registry.Client
	// Token resolves the registry token. It is called during preflight,
	// before anything is written, unless the run is a dry run.
	Token    func() (string, error)
	Layout   unit.Layout
	Clock    clock.Clock
	Logger   *log.Logger
	Recorder metrics.Recorder
	// Status receives user-facing progress lines such as
	// ("Packaging", "core v0.1.0"). It may be nil.
	Status  func(verb, msg string)
	Options Options
}

// status reports progress on pkg and logs it at debug level.
func (p *Pipeline) status(verb string, pkg *workspace.Package, detail string) {
	msg := fmt.Sprintf("%s v%s", pkg.Name, pkg.Version)
	if detail != "" {
		msg += " " + detail
	}
	p.logger().Debug(verb, "package", pkg.Name, "version", pkg.Version)
	if p.Status != nil {
		p.Status(verb, msg)
	}
}

func (p *Pipeline) logger() *log.Logger {
	if p.Logger == nil {
		return log.New(io.Discard)
	}
	return p.Logger
}

func (p *Pipeline) recorder() metrics.Recorder {
	if p.Recorder == nil {
		return metrics.NoopRecorder{}
	}
	return p.Recorder
}

func (p *Pipeline) clock() clock.Clock {
	if p.Clock == nil {
		return &clock.RealClock{}
	}
	return p.Clock
}

// Run takes pkg through the pipeline. The Outcome is always returned; its
// Err equals the returned error. A propagation timeout is a warning, not an
// error.
func (p *Pipeline) Run(ctx context.Context, pkg *workspace.Package) (*Outcome, error) {
	out := &Outcome{Package: pkg.Name, Version: pkg.Version, DryRun: p.Options.DryRun}
	fail := func(err error) (*Outcome, error) {
		out.Err = err
		return out, err
	}

	var token string
	if err := p.stage(out, StagePreflight, func() error {
		var err error
		token, err = p.preflight(ctx, pkg, out)
		return err
	}); err != nil {
		return fail(err)
	}

	if err := p.stage(out, StagePackage, func() error {
		a, err := p.pack(pkg)
		out.Archive = a
		return err
	}); err != nil {
		return fail(err)
	}

	if p.Options.NoVerify {
		p.logger().Debug("skipping verification", "package", pkg.Name)
	} else if err := p.stage(out, StageVerify, func() error {
		p.status("Verifying", pkg, "")
		if err := p.Verifier.Verify(ctx, pkg, out.Archive); err != nil {
			if errs.KindOf(err) == errs.KindInternal {
				return errs.Wrap(err, errs.KindBuild, "failed to verify package tarball")
			}
			return err
		}
		return nil
	}); err != nil {
		return fail(err)
	}
	if p.Options.PackageOnly {
		return out, nil
	}

	if p.Options.DryRun {
		out.Stage = StageUpload
		out.warn("aborting upload due to dry run")
		p.logger().Warn("aborting upload due to dry run", "package", pkg.Name)
		p.recorder().ObservePublishStage(StageUpload.String(), metrics.ResultSkipped, 0)
		return out, nil
	}

	if err := p.stage(out, StageUpload, func() error {
		return p.upload(ctx, pkg, out.Archive, token)
	}); err != nil {
		return fail(err)
	}
	out.Uploaded = true
	p.status("Uploaded", pkg, "to registry `"+p.registryName()+"`")

	if p.Options.Timeout <= 0 {
		p.logger().Debug("not waiting for the registry index", "package", pkg.Name)
		out.Stage = StageDone
		return out, nil
	}

	out.Polled = true
	err := p.stage(out, StagePoll, func() error {
		p.status("Waiting", pkg, fmt.Sprintf("to be available at registry `%s` (timeout %s)", p.registryName(), p.Options.Timeout))
		notify := func(err error, next time.Duration) {
			p.logger().Debug("index lookup", "package", pkg.Name, "err", err, "retry_in", next)
		}
		return waitVisible(ctx, p.Registry, pkg.Name, pkg.Version, p.pollInterval(), p.Options.Timeout, p.clock(), notify)
	})
	switch {
	case errors.Is(err, errs.ErrPropagationTimeout):
		out.warn("%s; the upload succeeded and may still become visible", err)
		p.logger().Warn("publish propagation timed out", "package", pkg.Name, "err", err)
		return out, nil
	case err != nil:
		return fail(err)
	}
	out.Visible = true
	out.Stage = StageDone
	p.status("Published", pkg, "at registry `"+p.registryName()+"`")
	return out, nil
}

// stage records entry into s and its duration and result.
func (p *Pipeline) stage(out *Outcome, s Stage, fn func() error) error {
	out.Stage = s
	start := p.clock().Now()
	err := fn()
	result := metrics.ResultSuccess
	switch {
	case errors.Is(err, errs.ErrPropagationTimeout):
		result = metrics.ResultWarning
	case err != nil:
		result = metrics.ResultFailed
	}
	p.recorder().ObservePublishStage(s.String(), result, p.clock().Since(start))
	return err
}

func (p *Pipeline) registryName() string {
	if p.Options.Target.Name != "" {
		return p.Options.Target.Name
	}
	return p.Options.Target.Index
}

func (p *Pipeline) pollInterval() time.Duration {
	if p.Options.PollInterval > 0 {
		return p.Options.PollInterval
	}
	return time.Second
}

// preflight runs the checks that refuse a publish before anything is
// written. It returns the registry token, or "" on a dry run.
func (p *Pipeline) preflight(ctx context.Context, pkg *workspace.Package, out *Outcome) (string, error) {
	target := p.Options.Target
	if pkg.Publish.Restricted && !p.Options.PackageOnly {
		if len(pkg.Publish.Registries) == 0 {
			return "", errs.New(errs.KindPublishRejected,
				"`%s` cannot be published.\n`package.publish` is set to `false` or an empty list in %s and prevents publishing.",
				pkg.Name, workspace.ManifestName)
		}
		if target.Name == "" || !pkg.Publish.Allows(target.Name) {
			return "", errs.New(errs.KindPublishRejected,
				"`%s` cannot be published.\nThe registry `%s` is not listed in the `package.publish` value in %s.",
				pkg.Name, p.registryName(), workspace.ManifestName)
		}
	}

	if pkg.Version == "" {
		return "", errs.New(errs.KindPublishRejected, "`%s` has no version and cannot be published", pkg.Name)
	}
	var missing []string
	if pkg.Metadata.Description == "" {
		missing = append(missing, "description")
	}
	if pkg.Metadata.License == "" {
		missing = append(missing, "license")
	}
	if len(missing) > 0 {
		out.warn("manifest has no %s; see the package metadata reference for more info", strings.Join(missing, ", "))
	}

	for _, d := range pkg.Dependencies {
		if d.Path != "" && d.Req == "" && d.Kind != workspace.DepDev {
			return "", errs.New(errs.KindPublishRejected,
				"all dependencies must have a version requirement specified when publishing.\ndependency `%s` does not specify a version", d.Name)
		}
	}

	if !p.Options.AllowDirty {
		if err := p.checkClean(pkg); err != nil {
			return "", err
		}
	}

	if p.Options.Offline && !p.Options.DryRun {
		return "", errs.New(errs.KindNetwork, "cannot publish `%s` while offline", pkg.Name)
	}

	var token string
	if !p.Options.DryRun {
		t, err := p.Token()
		if err != nil {
			return "", err
		}
		token = t
	}

	switch {
	case p.Options.DryRun:
		return token, nil
	case p.Options.Offline:
		out.warn("offline: skipped checking whether %s v%s is already published", pkg.Name, pkg.Version)
		return token, nil
	}
	published, err := p.Registry.Published(ctx, pkg.Name, pkg.Version)
	if err != nil {
		return "", err
	}
	if published {
		return "", errs.New(errs.KindPublishRejected, "package `%s@%s` already exists on registry `%s`",
			pkg.Name, pkg.Version, p.registryName())
	}
	return token, nil
}

// checkClean refuses uncommitted changes to files that would be packaged.
// Packages outside a repository have nothing to check.
func (p *Pipeline) checkClean(pkg *workspace.Package) error {
	if p.Git == nil {
		return nil
	}
	root, err := p.Git.Discover(pkg.Root)
	if err != nil {
		if errors.Is(err, gitx.ErrNotRepository) {
			return nil
		}
		return err
	}
	changed, err := p.Git.DirtyFiles(pkg.Root)
	if err != nil {
		return err
	}
	var dirty []string
	for _, f := range changed {
		rel, err := filepath.Rel(pkg.Root, filepath.Join(root, filepath.FromSlash(f)))
		if err != nil || !planner.Packaged(p.FS, pkg, rel) {
			continue
		}
		dirty = append(dirty, f)
	}
	if len(dirty) == 0 {
		return nil
	}
	return errs.New(errs.KindPublishRejected,
		"%d files in the working directory contain changes that were not yet committed into git:\n\n%s\n\nto proceed despite this and include the uncommitted changes, pass the `--allow-dirty` flag",
		len(dirty), strings.Join(dirty, "\n"))
}

// pack plans and writes the archive.
func (p *Pipeline) pack(pkg *workspace.Package) (*archive.Archive, error) {
	p.status("Packaging", pkg, "("+pkg.Root+")")
	plan, err := Plan(p.FS, p.Git, pkg)
	if err != nil {
		return nil, err
	}
	if plan.HasConflicts() {
		lines := make([]string, len(plan.Conflicts))
		for i, c := range plan.Conflicts {
			lines[i] = fmt.Sprintf("  %s: %s", c.Path, c.Reason)
		}
		return nil, errs.New(errs.KindPublishRejected, "cannot package `%s`:\n%s", pkg.Name, strings.Join(lines, "\n"))
	}
	dest := filepath.Join(p.Layout.PackageDir(), archive.FileName(plan))
	a, err := p.Packager.Package(plan, dest)
	if err != nil {
		return nil, err
	}
	p.status("Packaged", pkg, fmt.Sprintf("(%d files)", len(a.Files)))
	return a, nil
}

// Plan computes the archive plan of pkg, recording the VCS commit when the
// package lives in a git repository.
func Plan(fs fsops.FS, git gitx.GitRepo, pkg *workspace.Package) (*planner.PackagePlan, error) {
	var opts planner.Options
	if git != nil {
		if root, err := git.Discover(pkg.Root); err == nil {
			if commit, err := git.HeadCommit(pkg.Root); err == nil {
				opts.Commit = commit
				if rel, err := git.RelPath(root, pkg.Root); err == nil && rel != "." {
					opts.PathInVCS = filepath.ToSlash(rel)
				}
			}
		}
	}
	plan, err := planner.BuildPackagePlan(fs, pkg, opts)
	if err != nil {
		if errs.KindOf(err) == errs.KindInternal {
			return nil, errs.Wrap(err, errs.KindConfiguration, "failed to plan package `%s`", pkg.Name)
		}
		return nil, err
	}
	return plan, nil
}

func (p *Pipeline) upload(ctx context.Context, pkg *workspace.Package, a *archive.Archive, token string) error {
	p.status("Uploading", pkg, "")
	data, err := p.FS.ReadFile(a.Path)
	if err != nil {
		return fmt.Errorf("failed to read archive %s: %w", a.Path, err)
	}
	var readme string
	if pkg.Metadata.Readme != "" {
		b, err := p.FS.ReadFile(filepath.Join(pkg.Root, filepath.FromSlash(pkg.Metadata.Readme)))
		if err != nil {
			return fmt.Errorf("failed to read readme: %w", err)
		}
		readme = string(b)
	}
	return p.Registry.Upload(ctx, registry.NewMetadata(pkg, readme, a.Checksum), data, token)
}
