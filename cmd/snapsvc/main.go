package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/mattjoyce/snapsvc"
)

var (
	gitCommit = "unknown"
	buildDate = "unknown"
)

// EnvAPIKey supplies the bearer token for client commands.
const EnvAPIKey = "SNAPSVC_API_KEY"

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) < 1 {
		printUsage(os.Stderr)
		return 1
	}

	cmd := cliArgs[0]
	args := cliArgs[1:]

	switch cmd {
	case "start":
		if hasHelpFlag(args) {
			printStartHelp()
			return 0
		}
		return runStart(args)
	case "submit":
		if hasHelpFlag(args) {
			printSubmitHelp()
			return 0
		}
		return runSubmit(args)
	case "status":
		if hasHelpFlag(args) {
			printStatusHelp()
			return 0
		}
		return runStatus(args)
	case "monitor":
		if hasHelpFlag(args) {
			printMonitorHelp()
			return 0
		}
		return runMonitor(args)
	case "config":
		return runConfigNoun(args)
	case "version", "--version":
		return runVersion(args)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage(os.Stderr)
		return 1
	}
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: snapsvc version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	fmt.Printf("snapsvc %s\n", info.Version)
	fmt.Printf("commit: %s\n", info.Commit)
	fmt.Printf("built_at: %s\n", info.BuildTime)
	return 0
}

func currentVersionInfo() versionInfo {
	info := versionInfo{Version: snapsvc.Version(), Commit: "unknown", BuildTime: "unknown"}

	commit := strings.TrimSpace(gitCommit)
	if commit == "" || commit == "unknown" {
		commit = strings.TrimSpace(readBuildSetting("vcs.revision"))
	}
	if commit != "" {
		info.Commit = shortenCommit(commit)
	}

	built := strings.TrimSpace(buildDate)
	if built == "" || built == "unknown" {
		built = strings.TrimSpace(readBuildSetting("vcs.time"))
	}
	if normalized, ok := normalizeBuildTimeUTC(built); ok {
		info.BuildTime = normalized
	}
	return info
}

func shortenCommit(commit string) string {
	if len(commit) <= 12 {
		return commit
	}
	return commit[:12]
}

func normalizeBuildTimeUTC(raw string) (string, bool) {
	if raw == "" || raw == "unknown" {
		return "", false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}

func readBuildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, setting := range info.Settings {
		if setting.Key == key {
			return setting.Value
		}
	}
	return ""
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `snapsvc - two-domain worker dispatcher

Usage:
  snapsvc <command> [flags]

Service:
  start             Run the dispatcher for this process's domain
  status            Show live workers and slot usage
  monitor           Real-time TUI dashboard

Work:
  submit <key> <action>
                    Submit a request to a worker over the API

Config:
  config check      Validate syntax, integrity and plugin requirements
  config lock       Write .checksums manifests for the config and its includes

General:
  version           Show version information
  help              Show this help message
`)
}

func printStartHelp() {
	fmt.Println("Usage: snapsvc start [--config PATH] [--domain primary|secondary]")
	fmt.Println("Run the dispatcher in the foreground. --domain overrides the domain derived")
	fmt.Println("from the process identity.")
}

func printSubmitHelp() {
	fmt.Println("Usage: snapsvc submit <key> <action> [--payload JSON] [--secondary] [--api-url URL] [--api-key KEY]")
	fmt.Println("Queue a request for a worker. Keys for plugins are plugin/<name>.")
}

func printStatusHelp() {
	fmt.Println("Usage: snapsvc status [--api-url URL] [--api-key KEY] [--json]")
	fmt.Println("Show live workers, their queues, and foreground slot usage.")
}

func printMonitorHelp() {
	fmt.Println("Usage: snapsvc monitor [--api-url URL] [--api-key KEY]")
	fmt.Println("Launch the real-time TUI dashboard.")
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: snapsvc config <check|lock> [--config PATH]")
}
