package config

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/snapsvc/internal/auth"
	"github.com/mattjoyce/snapsvc/internal/log"
)

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	if _, ok := log.ParseLevel(cfg.Service.LogLevel); !ok && cfg.Service.LogLevel != "disabled" {
		return fmt.Errorf("service.log_level must be one of: verbose, debug, info, warn, error, disabled (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if strings.TrimSpace(cfg.Service.ProcessSuffix) == "" {
		return fmt.Errorf("service.process_suffix is required")
	}

	if cfg.Foreground.Slots < 1 {
		return fmt.Errorf("foreground.slots must be at least 1 (got %d)", cfg.Foreground.Slots)
	}

	if cfg.Delivery.Path == "" {
		return fmt.Errorf("delivery.path is required")
	}
	if cfg.Delivery.PollInterval <= 0 {
		return fmt.Errorf("delivery.poll_interval must be positive")
	}
	if cfg.Delivery.ForwardDelay < 0 {
		return fmt.Errorf("delivery.forward_delay must not be negative")
	}

	if cfg.PluginsDir == "" {
		return fmt.Errorf("plugins_dir is required")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when the API is enabled")
		}
		if err := checkUnresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			field := fmt.Sprintf("api.auth.tokens[%d]", i)
			if tok.Token == "" {
				return fmt.Errorf("%s.token is required", field)
			}
			if err := checkUnresolved(field+".token", tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("%s.scopes must be non-empty", field)
			}
			if _, err := auth.ParseScopes(tok.Scopes); err != nil {
				return fmt.Errorf("%s: %w", field, err)
			}
		}
	}

	for name, plugin := range cfg.Plugins {
		if !plugin.Enabled {
			continue
		}
		if plugin.Timeout < 0 {
			return fmt.Errorf("plugin %q: timeout must not be negative", name)
		}
		if plugin.Config != nil {
			if err := checkUnresolvedEnvVars(plugin.Config, name); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkUnresolved(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
}

// checkUnresolvedEnvVars recursively checks for ${VAR} placeholders in config values.
func checkUnresolvedEnvVars(data map[string]interface{}, pluginName string) error {
	for key, value := range data {
		switch v := value.(type) {
		case string:
			if envVarPattern.MatchString(v) {
				matches := envVarPattern.FindStringSubmatch(v)
				return fmt.Errorf("plugin %q: environment variable ${%s} is not set (config.%s)", pluginName, matches[1], key)
			}
		case map[string]interface{}:
			if err := checkUnresolvedEnvVars(v, pluginName); err != nil {
				return err
			}
		}
	}
	return nil
}
