package engine

import (
	"context"

	"github.com/danieljhkim/cairn/internal/archive"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/publish"
	"github.com/danieljhkim/cairn/internal/registry"
	"github.com/danieljhkim/cairn/internal/unit"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Publish publishes the selected packages in dependency order.
func (e *Engine) Publish(ctx context.Context, req *PublishRequest) (*PublishResult, error) {
	if req.Index != "" && req.Registry != "" {
		return nil, errs.Configf("cannot specify both --index and --registry")
	}
	s, err := e.load(req.Scope)
	if err != nil {
		return nil, err
	}
	res, err := e.resolve(s, req.Selection, unit.ModeBuild)
	if err != nil {
		return nil, err
	}
	targets, err := e.publishTargets(s, req, res.Packages())
	if err != nil {
		return nil, err
	}
	if err := e.commitLock(s); err != nil {
		return nil, err
	}

	sched := &publish.Scheduler{
		Pipeline:  &pipelineRunner{engine: e, session: s, req: req, targets: targets},
		Workspace: s.ws,
		KeepGoing: req.KeepGoing,
	}
	batch, err := sched.Run(ctx, res.Packages())
	return &PublishResult{Batch: batch}, err
}

// publishTargets selects the registry of every package and, outside dry and
// offline runs, resolves its token. Registry and token errors surface here,
// before the workspace is touched. Packages whose publish key refuses the
// registry are left for the pipeline to reject.
func (e *Engine) publishTargets(s *session, req *PublishRequest, pkgs []*workspace.Package) (map[string]registry.Target, error) {
	sources := e.tokenSources(s)
	targets := make(map[string]registry.Target, len(pkgs))
	for _, pkg := range pkgs {
		target, err := registry.Select(registry.SelectOptions{Index: req.Index, Registry: req.Registry}, pkg, s.settings)
		if err != nil {
			return nil, err
		}
		targets[pkg.Name] = target

		refused := pkg.Publish.Restricted && (target.Name == "" || !pkg.Publish.Allows(target.Name))
		if req.DryRun || s.policy.Offline || refused {
			continue
		}
		if _, err := registry.ResolveToken(req.Token, target, sources); err != nil {
			return nil, err
		}
	}
	return targets, nil
}

func (e *Engine) tokenSources(s *session) registry.TokenSources {
	return registry.TokenSources{
		Settings: s.settings,
		Store:    registry.NewCredentialStore(e.deps.FS, e.deps.Paths.Credentials),
		Getenv:   e.deps.Getenv,
	}
}

// pipelineRunner builds a pipeline per package, since the registry can
// differ between packages of one batch.
type pipelineRunner struct {
	engine  *Engine
	session *session
	req     *PublishRequest
	targets map[string]registry.Target
}

func (r *pipelineRunner) Run(ctx context.Context, pkg *workspace.Package) (*publish.Outcome, error) {
	e, s := r.engine, r.session
	target := r.targets[pkg.Name]
	sources := e.tokenSources(s)
	p := e.pipeline(s, publish.Options{
		Target:       target,
		DryRun:       r.req.DryRun,
		NoVerify:     r.req.NoVerify,
		AllowDirty:   r.req.AllowDirty,
		Offline:      s.policy.Offline,
		Timeout:      s.settings.Publish.Timeout,
		PollInterval: s.settings.Publish.PollInterval,
	})
	p.Registry = e.deps.Registry(target)
	p.Token = func() (string, error) {
		return registry.ResolveToken(r.req.Token, target, sources)
	}
	return p.Run(ctx, pkg)
}

// pipeline returns a publish pipeline without a registry; packaging never
// talks to one.
func (e *Engine) pipeline(s *session, opts publish.Options) *publish.Pipeline {
	verifier := &publish.DispatchVerifier{
		FS:         e.deps.FS,
		Hasher:     e.deps.Hasher,
		Dispatcher: *e.dispatcher(s, false),
	}
	return &publish.Pipeline{
		FS:       e.deps.FS,
		Git:      e.deps.Git,
		Packager: archive.NewTarPackager(),
		Verifier: verifier,
		Layout:   s.layout,
		Clock:    e.deps.Clock,
		Logger:   e.deps.Logger,
		Recorder: e.deps.Recorder,
		Status:   e.deps.Reporter.Status,
		Options:  opts,
	}
}
