package publish

import (
	"context"

	"github.com/danieljhkim/cairn/internal/dag"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// Runner runs the pipeline for one package.
type Runner interface {
	Run(ctx context.Context, pkg *workspace.Package) (*Outcome, error)
}

// Scheduler publishes a batch of packages in dependency order. A package
// is only started once every in-batch dependency is Ready.
type Scheduler struct {
	Pipeline  Runner
	Workspace *workspace.Workspace
	KeepGoing bool
}

// BatchResult is the outcome of a batch, in publish order.
type BatchResult struct {
	Outcomes []*Outcome
	Failures []error
}

// Warnings returns every warning of the batch.
func (b *BatchResult) Warnings() []string {
	var out []string
	for _, o := range b.Outcomes {
		out = append(out, o.Warnings...)
	}
	return out
}

// Order returns pkgs sorted so that in-batch dependencies come first.
// Packages without an ordering constraint keep their given order.
func Order(ws *workspace.Workspace, pkgs []*workspace.Package) ([]*workspace.Package, *dag.Graph, error) {
	byName := make(map[string]*workspace.Package, len(pkgs))
	g := dag.New()
	for _, p := range pkgs {
		byName[p.Name] = p
		g.AddNode(p.Name)
	}
	for _, p := range pkgs {
		for _, dep := range ws.InWorkspaceDeps(p) {
			if _, ok := byName[dep.Name]; ok {
				g.AddEdge(dep.Name, p.Name)
			}
		}
	}
	names, err := g.TopologicalSort()
	if err != nil {
		return nil, nil, errs.Wrap(err, errs.KindConfiguration, "cannot order packages for publishing")
	}
	out := make([]*workspace.Package, len(names))
	for i, n := range names {
		out[i] = byName[n]
	}
	return out, g, nil
}

// Run publishes pkgs. Without KeepGoing the first failure stops the batch;
// with it, only packages depending on a failed package are given up. The
// error aggregates every failure.
func (s *Scheduler) Run(ctx context.Context, pkgs []*workspace.Package) (*BatchResult, error) {
	ordered, g, err := Order(s.Workspace, pkgs)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	ready := map[string]bool{}
	for _, pkg := range ordered {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var blocked []string
		for _, dep := range g.Prerequisites(pkg.Name) {
			if !ready[dep] {
				blocked = append(blocked, dep)
			}
		}
		if len(blocked) > 0 {
			err := errs.New(errs.KindPublishRejected,
				"`%s` not published: dependency not published: %s", pkg.Name, quoted(blocked))
			result.Outcomes = append(result.Outcomes, &Outcome{Package: pkg.Name, Version: pkg.Version, Err: err})
			result.Failures = append(result.Failures, err)
			continue
		}

		out, err := s.Pipeline.Run(ctx, pkg)
		if out == nil {
			out = &Outcome{Package: pkg.Name, Version: pkg.Version, Err: err}
		}
		result.Outcomes = append(result.Outcomes, out)
		if err != nil {
			result.Failures = append(result.Failures, err)
			if !s.KeepGoing || ctx.Err() != nil {
				return result, err
			}
			continue
		}
		ready[pkg.Name] = out.Ready()
	}
	return result, errs.Collect(errs.KindPublishRejected, result.Failures)
}

func quoted(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += "`" + n + "`"
	}
	return out
}
