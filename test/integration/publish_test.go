package integration

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/danieljhkim/cairn/internal/engine"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/gitx"
	"github.com/danieljhkim/cairn/internal/planner"
	"github.com/danieljhkim/cairn/internal/registry"
)

func uploaded(e *testEnv) []string {
	var names []string
	for _, u := range e.client.Uploads() {
		names = append(names, u.Meta.Name)
	}
	return names
}

func TestPublish_DependencyOrder(t *testing.T) {
	e := setupTestEngine(t, libraryWorkspace(), envOptions{})
	e.env[registry.TokenEnv] = "secret"
	e.client.VisibleAfter = 2

	res, err := e.engine.Publish(context.Background(), &engine.PublishRequest{Scope: e.scope()})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	got := uploaded(e)
	if len(got) != 4 {
		t.Fatalf("uploads = %v, want all four packages", got)
	}
	pos := func(name string) int { return slices.Index(got, name) }
	if !(pos("core") < pos("util") && pos("util") < pos("app")) {
		t.Errorf("uploads = %v, want core before util before app", got)
	}
	for _, o := range res.Batch.Outcomes {
		if !o.Visible {
			t.Errorf("%s: not visible after publishing", o.Package)
		}
	}
}

func TestPublish_KeepGoingSkipsDependents(t *testing.T) {
	files := libraryWorkspace()
	files["util/Cairn.toml"] = manifest("util", "0.1.0",
		"publish = false\n\n[dependencies]\ncore = { version = \"0.1.0\", path = \"../core\" }\n")
	e := setupTestEngine(t, files, envOptions{})
	e.env[registry.TokenEnv] = "secret"

	req := &engine.PublishRequest{Scope: e.scope()}
	req.KeepGoing = true
	res, err := e.engine.Publish(context.Background(), req)
	if !errors.Is(err, errs.ErrPublishRejected) {
		t.Fatalf("error = %v, want a publish rejection", err)
	}

	got := uploaded(e)
	slices.Sort(got)
	if !slices.Equal(got, []string{"core", "tools"}) {
		t.Errorf("uploads = %v, want core and tools", got)
	}
	var app error
	for _, o := range res.Batch.Outcomes {
		if o.Package == "app" {
			app = o.Err
		}
	}
	if app == nil || !strings.Contains(app.Error(), "dependency not published") {
		t.Errorf("app outcome error = %v", app)
	}
}

func TestPublish_PropagationTimeoutWarns(t *testing.T) {
	e := setupTestEngine(t, map[string]string{
		"Cairn.toml":    manifest("solo", "1.0.0", ""),
		"src/lib.cairn": "solo\n",
	}, envOptions{timeout: 20 * time.Millisecond})
	e.env[registry.TokenEnv] = "secret"
	e.client.Never = true

	res, err := e.engine.Publish(context.Background(), &engine.PublishRequest{Scope: e.scope()})
	if err != nil {
		t.Fatalf("a propagation timeout must not fail the publish: %v", err)
	}
	if w := strings.Join(res.Batch.Warnings(), "\n"); !strings.Contains(w, "may still become visible") {
		t.Errorf("warnings = %q, want a propagation warning", w)
	}
	if len(e.client.Uploads()) != 1 {
		t.Errorf("uploads = %d", len(e.client.Uploads()))
	}
}

// commitAll initializes a repository at dir and commits every file.
func commitAll(t *testing.T, dir string) {
	t.Helper()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("failed to initialize git repo: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		t.Fatalf("failed to stage files: %v", err)
	}
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Unix(0, 0)},
	})
	if err != nil {
		t.Fatalf("failed to commit: %v", err)
	}
}

func TestPublish_DirtyRepository(t *testing.T) {
	e := setupTestEngine(t, libraryWorkspace(), envOptions{git: gitx.NewRealGitRepo()})
	commitAll(t, e.root)
	e.write(t, "core/src/lib.cairn", "changed\n")

	scope := e.scope()
	scope.Selection.Packages = []string{"core"}

	_, err := e.engine.Publish(context.Background(), &engine.PublishRequest{Scope: scope, DryRun: true})
	if !errors.Is(err, errs.ErrPublishRejected) {
		t.Fatalf("error = %v, want a dirty-tree rejection", err)
	}
	if !strings.Contains(err.Error(), "core/src/lib.cairn") {
		t.Errorf("error does not name the dirty file: %v", err)
	}

	res, err := e.engine.Publish(context.Background(), &engine.PublishRequest{Scope: scope, DryRun: true, AllowDirty: true})
	if err != nil {
		t.Fatalf("--allow-dirty dry run failed: %v", err)
	}
	out := res.Batch.Outcomes[0]
	if out.Archive == nil || !slices.Contains(out.Archive.Files, planner.VCSInfoName) {
		t.Errorf("archive of a git package lacks the VCS info file: %+v", out.Archive)
	}
	if len(e.client.Uploads()) != 0 {
		t.Error("dry run uploaded")
	}
}

func TestPublish_IgnoresChangesOutsidePackagedFiles(t *testing.T) {
	e := setupTestEngine(t, libraryWorkspace(), envOptions{git: gitx.NewRealGitRepo()})
	commitAll(t, e.root)
	// Build output inside the package is never packaged.
	e.write(t, "core/target/debug/core", "artifact\n")

	scope := e.scope()
	scope.Selection.Packages = []string{"core"}
	if _, err := e.engine.Publish(context.Background(), &engine.PublishRequest{Scope: scope, DryRun: true}); err != nil {
		t.Fatalf("dry run failed on build output: %v", err)
	}
}
