package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.mistnote/config.toml shared by the client
// CLI and the server daemon.
type Config struct {
	// ServerURL is the base URL of the chat server, e.g. "http://localhost:5000".
	ServerURL string `toml:"server_url"`
	// DefaultIdentity is the login ID used when none is given on the command line.
	DefaultIdentity string `toml:"default_identity"`

	Server ServerConfig `toml:"server"`
}

// ServerConfig holds daemon-side settings.
type ServerConfig struct {
	// ListenAddr is the address the delivery server binds, e.g. ":5000".
	ListenAddr string `toml:"listen_addr"`
	// DBPath is the server message store location.
	DBPath string `toml:"db_path"`
	// TokenSecret signs and verifies identity tokens.
	TokenSecret string `toml:"token_secret"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ServerURL: "http://localhost:5000",
		Server: ServerConfig{
			ListenAddr: ":5000",
			DBPath:     "mistnote-server.db",
		},
	}
}

// Load reads config from the given path. Returns an error if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
