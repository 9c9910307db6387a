package engine

import (
	"context"

	"github.com/danieljhkim/cairn/internal/unit"
)

// Build resolves the selection in build mode and compiles it.
func (e *Engine) Build(ctx context.Context, req *BuildRequest) (*BuildResult, error) {
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

	result := &BuildResult{Selection: res, Jobs: s.jobs}
	units := res.Units()
	if len(units) == 0 {
		e.deps.Logger.Warn("nothing to build")
		return result, nil
	}
	e.deps.Logger.Debug("dispatching", "units", len(units), "jobs", s.jobs, "profile", res.Profile().Name)
	report, err := e.dispatcher(s, req.KeepGoing).Run(ctx, units)
	result.Report = report
	return result, err
}
