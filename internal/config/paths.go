// Package config manages cairn configuration and filesystem paths.
//
// User-level data lives under CAIRN_HOME (default ~/.cairn): the global
// config.toml, the credentials.toml token store and the registry cache.
// Settings are layered with viper; see Load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths contains all the filesystem paths used by cairn outside a workspace.
type Paths struct {
	// Home is the base directory for all cairn data (default: ~/.cairn)
	Home string

	// Config is the path to the global config file
	Config string

	// Credentials is the path to the stored registry tokens
	Credentials string

	// Cache is the directory holding cached registry index entries
	Cache string
}

// DefaultPaths returns the default paths for cairn.
// The home directory can be overridden with CAIRN_HOME.
func DefaultPaths() (*Paths, error) {
	home := os.Getenv("CAIRN_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		home = filepath.Join(userHome, ".cairn")
	}
	return PathsAt(home), nil
}

// PathsAt returns the paths rooted at home.
func PathsAt(home string) *Paths {
	return &Paths{
		Home:        home,
		Config:      filepath.Join(home, "config.toml"),
		Credentials: filepath.Join(home, "credentials.toml"),
		Cache:       filepath.Join(home, "registry", "cache"),
	}
}

// EnsureDirectories creates all necessary directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.Home, p.Cache} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// WorkspaceConfig returns the workspace-local config file under root.
func WorkspaceConfig(root string) string {
	return filepath.Join(root, ".cairn", "config.toml")
}
