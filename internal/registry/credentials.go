package registry

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/danieljhkim/cairn/internal/config"
	"github.com/danieljhkim/cairn/internal/errs"
	"github.com/danieljhkim/cairn/internal/fsops"
)

// TokenEnv is the token variable for the default registry.
const TokenEnv = "CAIRN_REGISTRY_TOKEN"

type credentialsFile struct {
	Registry   *credentialEntry           `toml:"registry,omitempty"`
	Registries map[string]credentialEntry `toml:"registries,omitempty"`
}

type credentialEntry struct {
	Token string `toml:"token"`
}

// CredentialStore reads and writes credentials.toml:
//
//	[registry]
//	token = "..."          # default registry
//
//	[registries.my-reg]
//	token = "..."
type CredentialStore struct {
	fs   fsops.FS
	path string
}

// NewCredentialStore creates a store for the file at path.
func NewCredentialStore(fs fsops.FS, path string) *CredentialStore {
	return &CredentialStore{fs: fs, path: path}
}

func (s *CredentialStore) load() (*credentialsFile, error) {
	var f credentialsFile
	data, err := s.fs.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	if err := toml.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, errs.Wrap(err, errs.KindConfiguration, "failed to parse %s", s.path)
	}
	return &f, nil
}

// Token returns the stored token for registry, or "". isDefault selects the
// [registry] table when no per-registry entry exists.
func (s *CredentialStore) Token(registry string, isDefault bool) (string, error) {
	f, err := s.load()
	if err != nil {
		return "", err
	}
	if e, ok := f.Registries[registry]; ok && e.Token != "" {
		return e.Token, nil
	}
	if isDefault && f.Registry != nil {
		return f.Registry.Token, nil
	}
	return "", nil
}

// SetToken stores a token for registry. The file is written with owner-only
// permissions.
func (s *CredentialStore) SetToken(registry string, isDefault bool, token string) error {
	f, err := s.load()
	if err != nil {
		return err
	}
	if isDefault {
		f.Registry = &credentialEntry{Token: token}
	} else {
		if f.Registries == nil {
			f.Registries = map[string]credentialEntry{}
		}
		f.Registries[registry] = credentialEntry{Token: token}
	}
	data, err := toml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	return s.fs.AtomicWrite(s.path, data, 0600)
}

// TokenSources are consulted by ResolveToken in order after the flag.
type TokenSources struct {
	Settings *config.Settings
	Store    *CredentialStore
	Getenv   func(string) string
}

// ResolveToken returns the token for target: --token, then the environment
// (CAIRN_REGISTRY_TOKEN for the default registry, CAIRN_REGISTRIES_<NAME>_TOKEN
// otherwise) and configuration, then credentials.toml. A missing token is an
// auth error.
func ResolveToken(flag string, target Target, src TokenSources) (string, error) {
	if flag != "" {
		return flag, nil
	}
	getenv := src.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	isDefault := src.Settings != nil && target.Name == src.Settings.Registry.Default
	if target.Name != "" {
		if isDefault {
			if t := getenv(TokenEnv); t != "" {
				return t, nil
			}
		}
		if src.Settings != nil {
			if t := src.Settings.RegistryToken(target.Name, getenv); t != "" && (isDefault || t != src.Settings.Registry.Token) {
				return t, nil
			}
		}
		if src.Store != nil {
			t, err := src.Store.Token(target.Name, isDefault)
			if err != nil {
				return "", err
			}
			if t != "" {
				return t, nil
			}
		}
	}

	where := target.Name
	if where == "" {
		where = target.Index
	}
	return "", errs.New(errs.KindAuth, "no token found for registry `%s`, pass `--token` or add it to credentials.toml", where)
}
