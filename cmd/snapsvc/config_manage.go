package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mattjoyce/snapsvc/internal/config"
	"github.com/mattjoyce/snapsvc/internal/plugin"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	switch args[0] {
	case "check":
		return runConfigCheck(args[1:])
	case "lock":
		return runConfigLock(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

// checkResult is the outcome of `config check`.
type checkResult struct {
	Valid    bool     `json:"valid"`
	Config   string   `json:"config,omitempty"`
	Plugins  []string `json:"plugins,omitempty"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func runConfigCheck(args []string) int {
	var configPath string
	var strict, jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&strict, "strict", false, "Treat warnings as errors")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	result := checkConfig(configPath)

	if jsonOut {
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
	} else {
		printCheckResult(result)
	}

	if !result.Valid {
		return 1
	}
	if strict && len(result.Warnings) > 0 {
		return 2
	}
	return 0
}

// checkConfig loads the config (syntax, validation, integrity) and checks
// every enabled plugin against what discovery found.
func checkConfig(configPath string) checkResult {
	var result checkResult

	cfg, err := loadConfig(configPath)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}
	result.Config = cfg.SourcePath

	registry, skipped, err := plugin.Discover(cfg.PluginsDir)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("plugin discovery: %v", err))
		return result
	}
	for _, sk := range skipped {
		result.Warnings = append(result.Warnings, "plugin skipped: "+sk.String())
	}

	enabled := cfg.EnabledPlugins()
	names := make([]string, 0, len(enabled))
	for name := range enabled {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, ok := registry.Get(name)
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("plugin %q is enabled but was not found in %s", name, cfg.PluginsDir))
			continue
		}
		if missing := p.MissingConfig(enabled[name].Config); len(missing) > 0 {
			result.Errors = append(result.Errors, fmt.Sprintf("plugin %q is missing config keys: %v", name, missing))
			continue
		}
		result.Plugins = append(result.Plugins, name)
	}
	for name := range registry.All() {
		if _, ok := enabled[name]; !ok {
			result.Warnings = append(result.Warnings, fmt.Sprintf("plugin %q was discovered but is not enabled", name))
		}
	}
	sort.Strings(result.Warnings)

	result.Valid = len(result.Errors) == 0
	return result
}

func printCheckResult(r checkResult) {
	if r.Config != "" {
		fmt.Printf("Config: %s\n", r.Config)
	}
	for _, p := range r.Plugins {
		fmt.Printf("  OK    plugin %s\n", p)
	}
	for _, w := range r.Warnings {
		fmt.Printf("  WARN  %s\n", w)
	}
	for _, e := range r.Errors {
		fmt.Printf("  ERROR %s\n", e)
	}
	if r.Valid {
		fmt.Println("Status: Configuration check PASSED.")
	} else {
		fmt.Println("Status: Configuration check FAILED.")
	}
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	if configPath == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		configPath = discovered
	}

	report, err := config.Lock(configPath, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	dirs := make([]string, 0, len(report.Manifests))
	for dir := range report.Manifests {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)

	if verbose {
		for _, dir := range dirs {
			fmt.Printf("Processing directory: %s\n", dir)
			files := make([]string, 0, len(report.Manifests[dir].Hashes))
			for f := range report.Manifests[dir].Hashes {
				files = append(files, f)
			}
			sort.Strings(files)
			for _, f := range files {
				fmt.Printf("  HASH %s: %s\n", f, report.Manifests[dir].Hashes[f])
			}
			if dryRun {
				fmt.Printf("  DRY-RUN .checksums: %s (not written)\n", filepath.Join(dir, ".checksums"))
			} else {
				fmt.Printf("  WROTE .checksums: %s\n", filepath.Join(dir, ".checksums"))
			}
		}
	}

	if dryRun {
		fmt.Printf("Dry run completed for %d directory/ies (no files written):\n", len(dirs))
	} else {
		fmt.Printf("Successfully locked configuration in %d directory/ies:\n", len(dirs))
	}
	for _, dir := range dirs {
		fmt.Printf("  - %s\n", dir)
	}
	return 0
}
