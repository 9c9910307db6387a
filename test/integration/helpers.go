package integration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danieljhkim/cairn/internal/config"
	"github.com/danieljhkim/cairn/internal/dispatch"
	"github.com/danieljhkim/cairn/internal/engine"
	"github.com/danieljhkim/cairn/internal/gitx"
	"github.com/danieljhkim/cairn/internal/registry"
	"github.com/danieljhkim/cairn/internal/testrun"
	"github.com/danieljhkim/cairn/internal/workspace"
)

// testEnv is a workspace on disk driven by an engine with a fake compiler,
// fake test processes and an in-memory registry.
type testEnv struct {
	root     string
	engine   *engine.Engine
	compiler *dispatch.FakeCompiler
	process  *testrun.FakeProcessRunner
	client   *registry.FakeClient
	env      map[string]string
}

type envOptions struct {
	// git replaces the fake repository that reports "not a repository"
	git gitx.GitRepo
	// timeout is publish.timeout, one minute when zero
	timeout time.Duration
}

func setupTestEngine(t *testing.T, files map[string]string, opts envOptions) *testEnv {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		writeFile(t, filepath.Join(root, filepath.FromSlash(rel)), content)
	}

	e := &testEnv{
		root:     root,
		compiler: dispatch.NewFakeCompiler(),
		process:  testrun.NewFakeProcessRunner(),
		client:   registry.NewFakeClient(),
		env:      map[string]string{},
	}
	git := opts.git
	if git == nil {
		fake := gitx.NewFakeGitRepo(root)
		fake.SetError(gitx.ErrNotRepository)
		git = fake
	}
	timeout := opts.timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	e.engine = engine.New(engine.Dependencies{
		Git:     git,
		Paths:   *config.PathsAt(filepath.Join(t.TempDir(), "home")),
		Process: e.process,
		Settings: func(string) (*config.Settings, error) {
			return &config.Settings{
				Build:      config.BuildSettings{Compiler: config.DefaultCompiler},
				Registry:   config.RegistrySettings{Default: config.DefaultRegistry},
				Registries: map[string]config.RegistryEntry{},
				Publish:    config.PublishSettings{Timeout: timeout, PollInterval: time.Millisecond},
				Term:       config.TermSettings{Color: "never"},
			}, nil
		},
		Compiler: func(string) dispatch.Compiler { return e.compiler },
		Registry: func(registry.Target) registry.Client { return e.client },
		Getenv:   func(k string) string { return e.env[k] },
		Cores:    2,
	})
	return e
}

func (e *testEnv) scope() engine.Scope {
	return engine.Scope{ManifestPath: filepath.Join(e.root, workspace.ManifestName)}
}

func (e *testEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	writeFile(t, filepath.Join(e.root, filepath.FromSlash(rel)), content)
}

func (e *testEnv) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func manifest(name, version string, extra string) string {
	return "[package]\nname = \"" + name + "\"\nversion = \"" + version + "\"\n" +
		"description = \"" + name + " package\"\nlicense = \"MIT\"\n" + extra
}

// libraryWorkspace has core, util (depends on core) and app (depends on
// util), all libraries, plus an independent tools package.
func libraryWorkspace() map[string]string {
	return map[string]string{
		"Cairn.toml":          "[workspace]\nmembers = [\"core\", \"util\", \"app\", \"tools\"]\n",
		"core/Cairn.toml":     manifest("core", "0.1.0", ""),
		"core/src/lib.cairn":  "core\n",
		"util/Cairn.toml":     manifest("util", "0.1.0", "\n[dependencies]\ncore = { version = \"0.1.0\", path = \"../core\" }\n"),
		"util/src/lib.cairn":  "util\n",
		"app/Cairn.toml":      manifest("app", "0.1.0", "\n[dependencies]\nutil = { version = \"0.1.0\", path = \"../util\" }\n"),
		"app/src/lib.cairn":   "app\n",
		"tools/Cairn.toml":    manifest("tools", "0.1.0", ""),
		"tools/src/lib.cairn": "tools\n",
	}
}
