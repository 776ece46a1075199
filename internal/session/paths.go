package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.mistnote.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".mistnote")
}

// Dir returns the data directory for a signed-in identity.
func Dir(loginID string) string {
	return filepath.Join(BaseDir(), "identities", loginID)
}

// CacheDBPath returns the local cache database path for an identity.
func CacheDBPath(loginID string) string {
	return filepath.Join(Dir(loginID), "cache.db")
}

// AvatarDir returns the avatar file cache directory for an identity.
func AvatarDir(loginID string) string {
	return filepath.Join(Dir(loginID), "avatars")
}

// LockPath returns the lock file path for an identity.
func LockPath(loginID string) string {
	return filepath.Join(Dir(loginID), "LOCK")
}

// LogDir returns the log directory for an identity.
func LogDir(loginID string) string {
	return filepath.Join(Dir(loginID), "logs")
}

// LogPath returns the client log file path for an identity.
func LogPath(loginID string) string {
	return filepath.Join(LogDir(loginID), "mistnote.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the identity directory tree with proper permissions.
func EnsureDir(loginID string) error {
	dirs := []string{
		Dir(loginID),
		AvatarDir(loginID),
		LogDir(loginID),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
