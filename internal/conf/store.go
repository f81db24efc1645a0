package conf

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Store persists pool definitions as one XML file per pool and tracks
// autostart markers as symlinks into an autostart directory, mirroring the
// libvirt on-disk layout.
type Store struct {
	configDir    string
	autostartDir string
}

// NewStore returns a Store rooted at configDir. The autostart directory is
// <configDir>/autostart. Directories are created lazily on first write.
func NewStore(configDir string) *Store {
	return &Store{
		configDir:    configDir,
		autostartDir: filepath.Join(configDir, "autostart"),
	}
}

// ConfigPath returns the config file path for a pool name.
func (s *Store) ConfigPath(name string) string {
	return filepath.Join(s.configDir, name+".xml")
}

// AutostartPath returns the autostart link path for a pool name.
func (s *Store) AutostartPath(name string) string {
	return filepath.Join(s.autostartDir, name+".xml")
}

// LoadedPool is one persisted definition found by LoadAll.
type LoadedPool struct {
	Def           *PoolDefinition
	ConfigFile    string
	AutostartLink string
	Autostart     bool
}

// LoadAll reads every persisted pool definition from the config directory.
// A missing config directory yields an empty result, not an error. Files
// that fail to parse are skipped and reported through the returned slice of
// errors so one corrupt definition cannot prevent startup.
func (s *Store) LoadAll() ([]LoadedPool, []error) {
	entries, err := os.ReadDir(s.configDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, []error{fmt.Errorf("failed to read config dir %s: %w", s.configDir, err)}
	}

	var pools []LoadedPool
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".xml") {
			continue
		}

		path := filepath.Join(s.configDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read %s: %w", path, err))
			continue
		}

		def, err := ParsePoolDefinition(string(data))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to parse %s: %w", path, err))
			continue
		}

		// The file name is authoritative for lookup; a definition whose name
		// does not match its file is treated as corrupt.
		if expected := def.Name + ".xml"; entry.Name() != expected {
			errs = append(errs, fmt.Errorf("config %s contains pool named %q", path, def.Name))
			continue
		}

		link := s.AutostartPath(def.Name)
		autostart := false
		if _, err := os.Stat(link); err == nil {
			autostart = true
		}

		pools = append(pools, LoadedPool{
			Def:           def,
			ConfigFile:    path,
			AutostartLink: link,
			Autostart:     autostart,
		})
	}

	return pools, errs
}

// Save writes the definition to its config file, creating the config
// directory if needed. Returns the config file path.
func (s *Store) Save(def *PoolDefinition) (string, error) {
	if err := os.MkdirAll(s.configDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create config dir %s: %w", s.configDir, err)
	}

	xml, err := def.XML()
	if err != nil {
		return "", fmt.Errorf("failed to serialize pool %s: %w", def.Name, err)
	}

	path := s.ConfigPath(def.Name)
	if err := os.WriteFile(path, []byte(xml+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}

	return path, nil
}

// Delete removes the persisted definition for a pool name. A definition
// that is already gone is not an error.
func (s *Store) Delete(name string) error {
	if err := os.Remove(s.ConfigPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete config for pool %s: %w", name, err)
	}
	return nil
}

// SetAutostart creates or removes the autostart link for a pool,
// idempotently. Removing a link that does not exist succeeds.
func (s *Store) SetAutostart(name string, autostart bool) error {
	link := s.AutostartPath(name)

	if !autostart {
		if err := os.Remove(link); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete autostart link %s: %w", link, err)
		}
		return nil
	}

	if err := os.MkdirAll(s.autostartDir, 0o755); err != nil {
		return fmt.Errorf("failed to create autostart dir %s: %w", s.autostartDir, err)
	}
	if err := os.Symlink(s.ConfigPath(name), link); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("failed to create autostart link %s: %w", link, err)
	}
	return nil
}
