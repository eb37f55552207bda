// Package profile names and locates the per-profile state directories.
package profile

import (
	"os"
	"path/filepath"
)

// BaseDir returns $FINLINK_HOME, or ~/.finlink when unset.
func BaseDir() string {
	if dir := os.Getenv("FINLINK_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".finlink")
}

func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the control socket of the profile's daemon.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the SQLite file holding credentials and the snapshot.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "finlink.db")
}

// VaultKeyPath returns the key file sealing the stored credentials.
func VaultKeyPath(name string) string {
	return filepath.Join(Dir(name), "vault.key")
}

func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

func LogPath(name string) string {
	return filepath.Join(LogDir(name), "finlinkd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnvPath returns the optional .env file next to the config.
func EnvPath() string {
	return filepath.Join(BaseDir(), ".env")
}

// EnsureDir creates the profile directory tree, owner-only.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
