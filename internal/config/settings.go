package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Settings is the merged configuration for one invocation.
type Settings struct {
	Build      BuildSettings            `mapstructure:"build"`
	Net        NetSettings              `mapstructure:"net"`
	Registry   RegistrySettings         `mapstructure:"registry"`
	Registries map[string]RegistryEntry `mapstructure:"registries"`
	Publish    PublishSettings          `mapstructure:"publish"`
	Term       TermSettings             `mapstructure:"term"`
}

// BuildSettings configures the compiler dispatch.
type BuildSettings struct {
	Jobs      int    `mapstructure:"jobs"`
	TargetDir string `mapstructure:"target-dir"`
	Compiler  string `mapstructure:"compiler"`
	Target    string `mapstructure:"target"`
}

type NetSettings struct {
	Offline bool `mapstructure:"offline"`
}

// RegistrySettings names the default registry and its token.
type RegistrySettings struct {
	Default string `mapstructure:"default"`
	Token   string `mapstructure:"token"`
}

// RegistryEntry is one [registries.<name>] table.
type RegistryEntry struct {
	Index string `mapstructure:"index"`
	Token string `mapstructure:"token"`
}

// PublishSettings bounds the propagation poll.
type PublishSettings struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	PollInterval time.Duration `mapstructure:"poll-interval"`
}

type TermSettings struct {
	Color string `mapstructure:"color"`
}

const (
	DefaultCompiler     = "cairnc"
	DefaultRegistry     = "cairn-io"
	DefaultRegistryURL  = "https://index.cairn.dev"
	DefaultTimeout      = 60 * time.Second
	DefaultPollInterval = time.Second
)

// LoadOptions selects the files and flags merged into Settings.
type LoadOptions struct {
	// GlobalFile is $CAIRN_HOME/config.toml. Missing files are skipped.
	GlobalFile string

	// WorkspaceRoot enables <root>/.cairn/config.toml when non-empty.
	WorkspaceRoot string

	// Flags, when set, overrides keys for flags the user changed.
	Flags *pflag.FlagSet
}

// flagKeys maps command-line flags onto settings keys.
var flagKeys = map[string]string{
	"target-dir": "build.target-dir",
	"offline":    "net.offline",
	"color":      "term.color",
	"registry":   "registry.default",
}

// Load merges defaults, the global file, the workspace file, CAIRN_ environment
// variables and changed flags, in increasing precedence.
func Load(opts LoadOptions) (*Settings, error) {
	v := viper.New()
	v.SetConfigType("toml")

	v.SetDefault("build.jobs", 0)
	v.SetDefault("build.target-dir", "")
	v.SetDefault("build.compiler", DefaultCompiler)
	v.SetDefault("build.target", "")
	v.SetDefault("net.offline", false)
	v.SetDefault("registry.default", DefaultRegistry)
	v.SetDefault("registry.token", "")
	v.SetDefault("publish.timeout", DefaultTimeout)
	v.SetDefault("publish.poll-interval", DefaultPollInterval)
	v.SetDefault("term.color", "auto")

	files := []string{opts.GlobalFile}
	if opts.WorkspaceRoot != "" {
		files = append(files, WorkspaceConfig(opts.WorkspaceRoot))
	}
	for _, f := range files {
		if err := mergeFile(v, f); err != nil {
			return nil, err
		}
	}

	v.SetEnvPrefix("CAIRN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// Short names kept for compatibility with common tooling conventions.
	if err := v.BindEnv("build.target-dir", "CAIRN_TARGET_DIR", "CAIRN_BUILD_TARGET_DIR"); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}
	if err := v.BindEnv("build.compiler", "CAIRN_COMPILER", "CAIRN_BUILD_COMPILER"); err != nil {
		return nil, fmt.Errorf("failed to bind env: %w", err)
	}

	if opts.Flags != nil {
		for name, key := range flagKeys {
			if f := opts.Flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag --%s: %w", name, err)
				}
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if s.Registries == nil {
		s.Registries = map[string]RegistryEntry{}
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func mergeFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

func (s *Settings) validate() error {
	switch s.Term.Color {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("term.color must be auto, always or never, got %q", s.Term.Color)
	}
	if s.Publish.Timeout < 0 {
		return fmt.Errorf("publish.timeout must not be negative")
	}
	if s.Publish.PollInterval <= 0 {
		return fmt.Errorf("publish.poll-interval must be positive")
	}
	return nil
}

// RegistryIndex returns the index URL configured for the named registry.
func (s *Settings) RegistryIndex(name string) (string, bool) {
	if e, ok := s.Registries[name]; ok && e.Index != "" {
		return e.Index, true
	}
	if name == DefaultRegistry {
		return DefaultRegistryURL, true
	}
	return "", false
}

// RegistryToken returns the token from configuration or environment for the
// named registry. Per-registry values win over registry.token.
func (s *Settings) RegistryToken(name string, getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	if t := getenv(RegistryTokenEnv(name)); t != "" {
		return t
	}
	if e, ok := s.Registries[name]; ok && e.Token != "" {
		return e.Token
	}
	return s.Registry.Token
}

// RegistryTokenEnv is the per-registry token variable, e.g.
// CAIRN_REGISTRIES_MY_REG_TOKEN for "my-reg".
func RegistryTokenEnv(name string) string {
	upper := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(name))
	return "CAIRN_REGISTRIES_" + upper + "_TOKEN"
}
