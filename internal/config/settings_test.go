package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CAIRN_BUILD_JOBS", "CAIRN_TARGET_DIR", "CAIRN_BUILD_TARGET_DIR", "CAIRN_COMPILER",
		"CAIRN_BUILD_COMPILER", "CAIRN_NET_OFFLINE", "CAIRN_REGISTRY_TOKEN", "CAIRN_TERM_COLOR",
		"CAIRN_PUBLISH_TIMEOUT",
	} {
		t.Setenv(k, "")
		_ = os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	s, err := Load(LoadOptions{GlobalFile: filepath.Join(t.TempDir(), "missing.toml")})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Build.Compiler != DefaultCompiler {
		t.Errorf("compiler = %q", s.Build.Compiler)
	}
	if s.Registry.Default != DefaultRegistry {
		t.Errorf("registry.default = %q", s.Registry.Default)
	}
	if s.Publish.Timeout != DefaultTimeout || s.Publish.PollInterval != DefaultPollInterval {
		t.Errorf("publish = %+v", s.Publish)
	}
	if s.Term.Color != "auto" {
		t.Errorf("term.color = %q", s.Term.Color)
	}
}

func TestLoad_Precedence(t *testing.T) {
	clearEnv(t)
	home := t.TempDir()
	root := t.TempDir()

	writeConfig(t, filepath.Join(home, "config.toml"), `
[build]
jobs = 2
compiler = "global-cc"

[publish]
timeout = "5s"

[registries.internal]
index = "https://registry.example.com/index"
token = "from-file"
`)
	writeConfig(t, WorkspaceConfig(root), `
[build]
jobs = 6
`)

	s, err := Load(LoadOptions{GlobalFile: filepath.Join(home, "config.toml"), WorkspaceRoot: root})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Build.Jobs != 6 {
		t.Errorf("workspace file should override global: jobs = %d", s.Build.Jobs)
	}
	if s.Build.Compiler != "global-cc" {
		t.Errorf("compiler = %q", s.Build.Compiler)
	}
	if s.Publish.Timeout != 5*time.Second {
		t.Errorf("timeout = %v", s.Publish.Timeout)
	}
	if idx, ok := s.RegistryIndex("internal"); !ok || idx != "https://registry.example.com/index" {
		t.Errorf("RegistryIndex = %q, %v", idx, ok)
	}

	t.Setenv("CAIRN_BUILD_JOBS", "3")
	t.Setenv("CAIRN_TARGET_DIR", "/tmp/out")
	s, err = Load(LoadOptions{GlobalFile: filepath.Join(home, "config.toml"), WorkspaceRoot: root})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Build.Jobs != 3 {
		t.Errorf("env should override files: jobs = %d", s.Build.Jobs)
	}
	if s.Build.TargetDir != "/tmp/out" {
		t.Errorf("target-dir = %q", s.Build.TargetDir)
	}

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("target-dir", "", "")
	flags.Bool("offline", false, "")
	if err := flags.Parse([]string{"--target-dir", "/flag/out", "--offline"}); err != nil {
		t.Fatal(err)
	}
	s, err = Load(LoadOptions{GlobalFile: filepath.Join(home, "config.toml"), Flags: flags})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Build.TargetDir != "/flag/out" {
		t.Errorf("flag should override env: target-dir = %q", s.Build.TargetDir)
	}
	if !s.Net.Offline {
		t.Error("--offline not applied")
	}
}

func TestLoad_InvalidColor(t *testing.T) {
	clearEnv(t)
	t.Setenv("CAIRN_TERM_COLOR", "sometimes")

	if _, err := Load(LoadOptions{}); err == nil {
		t.Error("expected error for invalid term.color")
	}
}

func TestSettings_RegistryToken(t *testing.T) {
	s := &Settings{
		Registry:   RegistrySettings{Token: "global"},
		Registries: map[string]RegistryEntry{"my-reg": {Token: "scoped"}},
	}
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	if got := s.RegistryToken("other", getenv); got != "global" {
		t.Errorf("fallback token = %q", got)
	}
	if got := s.RegistryToken("my-reg", getenv); got != "scoped" {
		t.Errorf("scoped token = %q", got)
	}
	env["CAIRN_REGISTRIES_MY_REG_TOKEN"] = "from-env"
	if got := s.RegistryToken("my-reg", getenv); got != "from-env" {
		t.Errorf("env token = %q", got)
	}
}

func TestRegistryTokenEnv(t *testing.T) {
	if got := RegistryTokenEnv("my-reg.io"); got != "CAIRN_REGISTRIES_MY_REG_IO_TOKEN" {
		t.Errorf("RegistryTokenEnv = %q", got)
	}
}
