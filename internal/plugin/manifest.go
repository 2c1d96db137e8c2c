package plugin

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action declares a request action the plugin understands.
type Action struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// Actions is a list of supported actions.
//
// Accepted formats:
//   - string array: actions: [sync, refresh]
//   - object array: actions: [{name: sync, description: "..."}]
type Actions []Action

func (a *Actions) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*a = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("actions must be a sequence")
	}

	out := make([]Action, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Action{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp Action
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid action object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid action entry (must be string or object)")
		}
	}

	*a = out
	return nil
}

// Manifest defines the structure of a plugin's manifest.yaml file.
type Manifest struct {
	Name        string      `yaml:"name"`
	Version     string      `yaml:"version"`
	Protocol    int         `yaml:"protocol"`
	Entrypoint  string      `yaml:"entrypoint"`
	Description string      `yaml:"description,omitempty"`
	Actions     Actions     `yaml:"actions,omitempty"`
	Bindable    bool        `yaml:"bindable,omitempty"`
	ConfigKeys  *ConfigKeys `yaml:"config_keys,omitempty"`
}

// ConfigKeys defines required and optional configuration keys for a plugin.
type ConfigKeys struct {
	Required []string `yaml:"required,omitempty"`
	Optional []string `yaml:"optional,omitempty"`
}

// Plugin represents a discovered and validated plugin.
type Plugin struct {
	Name        string // Plugin name from manifest
	Path        string // Absolute path to plugin directory
	Entrypoint  string // Absolute path to entrypoint executable
	Protocol    int
	Version     string
	Description string
	Actions     Actions // Empty means any action is accepted
	Bindable    bool
	ConfigKeys  *ConfigKeys
}

// SupportsAction reports whether the plugin accepts action. A plugin that
// declares no actions accepts all of them.
func (p *Plugin) SupportsAction(action string) bool {
	if len(p.Actions) == 0 {
		return true
	}
	for _, a := range p.Actions {
		if a.Name == action {
			return true
		}
	}
	return false
}

// ActionNames returns declared action names in manifest order.
func (p *Plugin) ActionNames() []string {
	out := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		out = append(out, a.Name)
	}
	return out
}

// MissingConfig returns required config keys absent from cfg.
func (p *Plugin) MissingConfig(cfg map[string]any) []string {
	if p.ConfigKeys == nil {
		return nil
	}
	var missing []string
	for _, k := range p.ConfigKeys.Required {
		if _, ok := cfg[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}
