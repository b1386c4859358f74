package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nosleep-drive/nosleep/internal/log"
)

// ManifestFile is the manifest name looked for in each plugin directory.
const ManifestFile = "plugin.json"

var (
	// ErrPluginNotFound is returned when a requested plugin cannot be found.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrInvalidManifest is returned for a manifest that cannot be used.
	ErrInvalidManifest = errors.New("invalid plugin manifest")
)

// Manager discovers alert plugins under one directory and keeps them by name.
type Manager struct {
	pluginDir string
	plugins   map[string]*Plugin
	mu        sync.RWMutex
}

// NewManager creates a Manager for pluginDir. Nothing is loaded until Discover.
func NewManager(pluginDir string) *Manager {
	return &Manager{
		pluginDir: pluginDir,
		plugins:   make(map[string]*Plugin),
	}
}

// Discover replaces the loaded plugins with the subdirectories of the plugin
// directory that carry a usable manifest. A missing plugin directory is not an
// error: the device then runs without alert plugins.
func (m *Manager) Discover() error {
	entries, err := os.ReadDir(m.pluginDir)
	if errors.Is(err, os.ErrNotExist) {
		m.replace(nil)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read plugin dir: %w", err)
	}

	logger := log.WithComponent("plugin")
	found := make(map[string]*Plugin)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(m.pluginDir, entry.Name())
		p, err := loadPlugin(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			logger.WithError(err).WithField("dir", dir).Warn("skipping plugin")
			continue
		}
		if prev, ok := found[p.Manifest.Name]; ok {
			logger.WithFields(log.Fields{"name": p.Manifest.Name, "kept": prev.Path}).Warn("duplicate plugin name")
			continue
		}
		found[p.Manifest.Name] = p
	}

	m.replace(found)
	logger.WithField("count", len(found)).Info("plugins discovered")
	return nil
}

func (m *Manager) replace(plugins map[string]*Plugin) {
	if plugins == nil {
		plugins = make(map[string]*Plugin)
	}
	m.mu.Lock()
	m.plugins = plugins
	m.mu.Unlock()
}

// loadPlugin reads and validates the manifest in dir. It returns an
// os.ErrNotExist error when dir has no manifest.
func loadPlugin(dir string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, err
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if manifest.Name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidManifest)
	}
	if len(manifest.Actions) == 0 && len(manifest.Events) == 0 {
		return nil, fmt.Errorf("%w: %s declares no actions or events", ErrInvalidManifest, manifest.Name)
	}

	exe := filepath.Clean(manifest.Executable)
	if manifest.Executable == "" || filepath.IsAbs(exe) || exe == ".." || strings.HasPrefix(exe, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("%w: %s executable must be a path inside the plugin directory", ErrInvalidManifest, manifest.Name)
	}

	return &Plugin{
		Manifest:   manifest,
		Path:       dir,
		Executable: filepath.Join(dir, exe),
	}, nil
}

// Get returns a plugin by name.
// Returns ErrPluginNotFound if the plugin does not exist.
func (m *Manager) Get(name string) (*Plugin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.plugins[name]
	if !ok {
		return nil, ErrPluginNotFound
	}
	return p, nil
}

// List returns all discovered plugins sorted by name.
func (m *Manager) List() []*Plugin {
	m.mu.RLock()
	plugins := make([]*Plugin, 0, len(m.plugins))
	for _, p := range m.plugins {
		plugins = append(plugins, p)
	}
	m.mu.RUnlock()

	sort.Slice(plugins, func(i, j int) bool {
		return plugins[i].Manifest.Name < plugins[j].Manifest.Name
	})
	return plugins
}

// Subscribers returns the plugins subscribed to event kind, sorted by name.
func (m *Manager) Subscribers(kind string) []*Plugin {
	return m.filter(func(mf Manifest) bool { return mf.Subscribes(kind) })
}

// Supporting returns the plugins that declare action, sorted by name.
func (m *Manager) Supporting(action string) []*Plugin {
	return m.filter(func(mf Manifest) bool { return mf.Supports(action) })
}

func (m *Manager) filter(keep func(Manifest) bool) []*Plugin {
	var out []*Plugin
	for _, p := range m.List() {
		if keep(p.Manifest) {
			out = append(out, p)
		}
	}
	return out
}

// PluginDir returns the plugin directory path.
func (m *Manager) PluginDir() string {
	return m.pluginDir
}
