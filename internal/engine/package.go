package engine

import (
	"context"

	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/publish"
	"github.com/danieljhkim/cairn/internal/unit"
)

// Package assembles and verifies an archive for each selected package.
// Nothing is sent to a registry.
func (e *Engine) Package(ctx context.Context, req *PackageRequest) (*PackageResult, error) {
	s, err := e.load(req.Scope)
	if err != nil {
		return nil, err
	}
	res, err := e.resolve(s, req.Selection, unit.ModeBuild)
	if err != nil {
		return nil, err
	}
	if err := e.commitLock(s); err != nil {
		return nil, err
	}

	result := &PackageResult{}
	if req.List {
		for _, pkg := range res.Packages() {
			plan, err := publish.Plan(e.deps.FS, e.deps.Git, pkg)
			if err != nil {
				return result, err
			}
			result.Plans = append(result.Plans, plan)
		}
		return result, nil
	}

	p := e.pipeline(s, publish.Options{
		DryRun:      true,
		PackageOnly: true,
		NoVerify:    req.NoVerify,
		AllowDirty:  req.AllowDirty,
		Offline:     s.policy.Offline,
	})
	var failed []error
	for _, pkg := range res.Packages() {
		out, err := p.Run(ctx, pkg)
		result.Outcomes = append(result.Outcomes, out)
		if err != nil {
			failed = append(failed, err)
			if !req.KeepGoing {
				return result, err
			}
		}
	}
	return result, errs.Collect(errs.KindPublishRejected, failed)
}
