package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	supportedProtocol = 1
	manifestFilename  = "manifest.yaml"
)

var (
	// A plugin name becomes the last segment of its worker key.
	validName   = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	validAction = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
)

// Registry holds discovered plugins indexed by name.
type Registry struct {
	plugins map[string]*Plugin
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

func (r *Registry) Get(name string) (*Plugin, bool) {
	p, ok := r.plugins[name]
	return p, ok
}

func (r *Registry) All() map[string]*Plugin {
	return r.plugins
}

// Names returns plugin names in sorted order.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Add registers a plugin. Names are unique because each one becomes a
// worker key.
func (r *Registry) Add(p *Plugin) error {
	if _, exists := r.plugins[p.Name]; exists {
		return fmt.Errorf("plugin %q already registered", p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// Skipped is a plugin directory that could not be loaded.
type Skipped struct {
	Dir string
	Err error
}

func (s Skipped) String() string { return fmt.Sprintf("%s: %v", s.Dir, s.Err) }

// Discover loads every plugin directly under root. Each subdirectory holding
// a manifest.yaml is one plugin and must be named after it. Directories that
// fail to load are reported in skipped; only an unreadable root is an error.
func Discover(root string) (reg *Registry, skipped []Skipped, err error) {
	root, err = filepath.Abs(strings.TrimSpace(root))
	if err != nil {
		return nil, nil, fmt.Errorf("resolve plugins dir: %w", err)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read plugins dir: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve plugins dir: %w", err)
	}

	reg = NewRegistry()
	for _, e := range entries {
		if !e.IsDir() && e.Type()&fs.ModeSymlink == 0 {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if _, err := os.Stat(filepath.Join(dir, manifestFilename)); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				skipped = append(skipped, Skipped{Dir: dir, Err: err})
			}
			continue
		}
		p, err := loadPlugin(dir, resolvedRoot)
		if err != nil {
			skipped = append(skipped, Skipped{Dir: dir, Err: err})
			continue
		}
		if err := reg.Add(p); err != nil {
			skipped = append(skipped, Skipped{Dir: dir, Err: err})
		}
	}
	return reg, skipped, nil
}

// loadPlugin reads, validates and trust-checks the plugin in dir.
func loadPlugin(dir, resolvedRoot string) (*Plugin, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFilename))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if base := filepath.Base(dir); base != m.Name {
		return nil, fmt.Errorf("manifest name %q does not match directory %q", m.Name, base)
	}

	entrypoint := filepath.Join(dir, m.Entrypoint)
	if err := checkTrust(entrypoint, dir, resolvedRoot); err != nil {
		return nil, err
	}

	return &Plugin{
		Name:        m.Name,
		Path:        dir,
		Entrypoint:  entrypoint,
		Protocol:    m.Protocol,
		Version:     m.Version,
		Description: m.Description,
		Actions:     m.Actions,
		Bindable:    m.Bindable,
		ConfigKeys:  m.ConfigKeys,
	}, nil
}

func validateManifest(m *Manifest) error {
	if !validName.MatchString(m.Name) {
		return fmt.Errorf("name %q must be lowercase letters, digits, '.', '_' or '-'", m.Name)
	}
	if m.Protocol != supportedProtocol {
		return fmt.Errorf("unsupported protocol %d (supported: %d)", m.Protocol, supportedProtocol)
	}
	if m.Entrypoint == "" {
		return errors.New("entrypoint is required")
	}
	if filepath.IsAbs(m.Entrypoint) || strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint %q must be a path inside the plugin directory", m.Entrypoint)
	}

	// Actions are matched exactly against the action of each request, and a
	// bind carries its request's action too.
	seen := make(map[string]struct{}, len(m.Actions))
	for _, a := range m.Actions {
		if !validAction.MatchString(a.Name) {
			return fmt.Errorf("invalid action name %q", a.Name)
		}
		if _, dup := seen[a.Name]; dup {
			return fmt.Errorf("duplicate action %q", a.Name)
		}
		seen[a.Name] = struct{}{}
	}

	if m.ConfigKeys != nil {
		for _, k := range m.ConfigKeys.Required {
			for _, o := range m.ConfigKeys.Optional {
				if k == o {
					return fmt.Errorf("config key %q is both required and optional", k)
				}
			}
		}
	}
	return nil
}

// checkTrust refuses plugins whose code could be swapped by someone other
// than the owner of the plugins dir: the plugin dir must resolve inside the
// root, the entrypoint inside the plugin dir, and neither may be writable by
// others.
func checkTrust(entrypoint, dir, resolvedRoot string) error {
	resolvedDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolve plugin dir: %w", err)
	}
	if !within(resolvedDir, resolvedRoot) {
		return fmt.Errorf("plugin dir resolves outside the plugins dir: %s", resolvedDir)
	}
	resolvedEntry, err := filepath.EvalSymlinks(entrypoint)
	if err != nil {
		return fmt.Errorf("resolve entrypoint: %w", err)
	}
	if !within(resolvedEntry, resolvedDir) {
		return fmt.Errorf("entrypoint resolves outside the plugin dir: %s", resolvedEntry)
	}

	info, err := os.Stat(resolvedEntry)
	if err != nil {
		return fmt.Errorf("entrypoint: %w", err)
	}
	switch mode := info.Mode(); {
	case !mode.IsRegular():
		return fmt.Errorf("entrypoint is not a regular file: %s", resolvedEntry)
	case mode&0o111 == 0:
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntry)
	case mode.Perm()&0o002 != 0:
		return fmt.Errorf("entrypoint is world-writable: %s", resolvedEntry)
	}

	dirInfo, err := os.Stat(resolvedDir)
	if err != nil {
		return fmt.Errorf("plugin dir: %w", err)
	}
	if dirInfo.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("plugin dir is world-writable: %s", resolvedDir)
	}
	return nil
}

func within(path, dir string) bool {
	return strings.HasPrefix(path, dir+string(os.PathSeparator))
}
