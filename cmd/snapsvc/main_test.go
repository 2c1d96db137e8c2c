package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/snapsvc/internal/api"
	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/config"
	"github.com/mattjoyce/snapsvc/internal/dispatch"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)
	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCaptured(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

// writeWorkspace lays out a config file and a plugins dir holding one plugin.
func writeWorkspace(t *testing.T, pluginsYAML string) string {
	t.Helper()
	dir := t.TempDir()

	pluginDir := filepath.Join(dir, "plugins", "notes")
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `name: notes
version: 0.1.0
protocol: 1
entrypoint: run.sh
config_keys:
  required: [token]
`
	if err := os.WriteFile(filepath.Join(pluginDir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pluginDir, "run.sh"), []byte("#!/bin/sh\necho '{\"status\":\"ok\"}'\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	cfg := "plugins_dir: " + filepath.Join(dir, "plugins") + "\n" +
		"delivery:\n  path: " + filepath.Join(dir, "data", "delivery.db") + "\n" +
		pluginsYAML
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, _, stderr := runCaptured(t, "frobnicate")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Fatalf("stderr = %q", stderr)
	}
}

func TestRunVersionJSON(t *testing.T) {
	code, stdout, _ := runCaptured(t, "version", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
		t.Fatalf("incomplete version info: %+v", info)
	}
}

func TestNormalizeBuildTimeUTC(t *testing.T) {
	got, ok := normalizeBuildTimeUTC("2026-03-01T10:00:00+02:00")
	if !ok || got != "2026-03-01T08:00:00Z" {
		t.Fatalf("got %q, %v", got, ok)
	}
	if _, ok := normalizeBuildTimeUTC("yesterday"); ok {
		t.Fatal("expected parse failure")
	}
	if shortenCommit("0123456789abcdef") != "0123456789ab" {
		t.Fatal("commit not shortened")
	}
}

func TestConfigCheck(t *testing.T) {
	tests := []struct {
		name     string
		plugins  string
		wantCode int
		wantOut  string
	}{
		{
			name:     "enabled plugin with config",
			plugins:  "plugins:\n  notes:\n    enabled: true\n    config:\n      token: abc\n",
			wantCode: 0,
			wantOut:  "OK    plugin notes",
		},
		{
			name:     "missing required key",
			plugins:  "plugins:\n  notes:\n    enabled: true\n",
			wantCode: 1,
			wantOut:  "missing config keys: [token]",
		},
		{
			name:     "enabled plugin not on disk",
			plugins:  "plugins:\n  ghost:\n    enabled: true\n",
			wantCode: 1,
			wantOut:  `plugin "ghost" is enabled but was not found`,
		},
		{
			name:     "discovered but disabled warns",
			plugins:  "",
			wantCode: 0,
			wantOut:  `plugin "notes" was discovered but is not enabled`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeWorkspace(t, tt.plugins)
			code, stdout, stderr := runCaptured(t, "config", "check", "--config", path)
			if code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d\nstdout: %s\nstderr: %s", code, tt.wantCode, stdout, stderr)
			}
			if !strings.Contains(stdout, tt.wantOut) {
				t.Fatalf("stdout missing %q:\n%s", tt.wantOut, stdout)
			}
		})
	}
}

func TestConfigCheckStrictFailsOnWarnings(t *testing.T) {
	path := writeWorkspace(t, "")
	code, _, _ := runCaptured(t, "config", "check", "--config", path, "--strict")
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}

func TestConfigLockThenTamper(t *testing.T) {
	path := writeWorkspace(t, "")
	checksums := filepath.Join(filepath.Dir(path), ".checksums")

	code, stdout, _ := runCaptured(t, "config", "lock", "--config", path, "--dry-run", "-v")
	if code != 0 || !strings.Contains(stdout, "DRY-RUN .checksums") {
		t.Fatalf("dry run: code=%d stdout=%s", code, stdout)
	}
	if _, err := os.Stat(checksums); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote %s", checksums)
	}

	code, stdout, _ = runCaptured(t, "config", "lock", "--config", path)
	if code != 0 || !strings.Contains(stdout, "Successfully locked configuration in 1 directory/ies") {
		t.Fatalf("lock: code=%d stdout=%s", code, stdout)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("locked config should load: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("# tampered\n")
	_ = f.Close()

	code, stdout, _ = runCaptured(t, "config", "check", "--config", path)
	if code != 1 || !strings.Contains(stdout, "hash mismatch") {
		t.Fatalf("tampered check: code=%d stdout=%s", code, stdout)
	}
}

func TestSubmit(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody api.SubmitRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.SubmitResponse{Status: "accepted", Worker: "plugin/notes", Action: "sync", Domain: component.Secondary})
	}))
	defer srv.Close()

	code, stdout, stderr := runCaptured(t, "submit", "plugin/notes", "sync",
		"--payload", `{"n":1}`, "--secondary", "--api-url", srv.URL, "--api-key", "k")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	if gotPath != "/submit/plugin/notes" || gotAuth != "Bearer k" {
		t.Fatalf("request = %s auth=%q", gotPath, gotAuth)
	}
	if gotBody.Action != "sync" || gotBody.Domain != "secondary" || string(gotBody.Payload) != `{"n":1}` {
		t.Fatalf("body = %+v", gotBody)
	}
	if !strings.Contains(stdout, "domain=secondary") {
		t.Fatalf("stdout = %q", stdout)
	}
}

func TestSubmitErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "insufficient scope"})
	}))
	defer srv.Close()

	code, _, stderr := runCaptured(t, "submit", "svc/x", "--api-url", srv.URL)
	if code != 1 || !strings.Contains(stderr, "insufficient scope") {
		t.Fatalf("code=%d stderr=%s", code, stderr)
	}

	code, _, stderr = runCaptured(t, "submit", "svc/x", "go", "--payload", "[1]")
	if code != 1 || !strings.Contains(stderr, "must be a JSON object") {
		t.Fatalf("code=%d stderr=%s", code, stderr)
	}

	code, _, _ = runCaptured(t, "submit")
	if code != 1 {
		t.Fatalf("code=%d for missing key", code)
	}
}

func TestStatus(t *testing.T) {
	slot := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/workers" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(dispatch.Status{
			Domain:    component.Primary,
			Slots:     4,
			FreeSlots: 3,
			Workers: []dispatch.WorkerStatus{
				{Key: "plugin/notes", State: component.StateIdle, Processed: 7, Slot: &slot},
			},
		})
	}))
	defer srv.Close()

	code, stdout, stderr := runCaptured(t, "status", "--api-url", srv.URL)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr: %s", code, stderr)
	}
	for _, want := range []string{"Domain: primary", "3/4 free", "plugin/notes", "idle"} {
		if !strings.Contains(stdout, want) {
			t.Fatalf("stdout missing %q:\n%s", want, stdout)
		}
	}
}

func TestNewClassifier(t *testing.T) {
	cfg := config.Defaults()

	c, err := newClassifier(cfg, "secondary")
	if err != nil {
		t.Fatal(err)
	}
	if c.Current() != component.Secondary {
		t.Fatalf("domain = %s, want secondary", c.Current())
	}

	c, err = newClassifier(cfg, "primary")
	if err != nil {
		t.Fatal(err)
	}
	if c.Current() != component.Primary {
		t.Fatalf("domain = %s, want primary", c.Current())
	}

	if _, err := newClassifier(cfg, "tertiary"); err == nil {
		t.Fatal("expected error for unknown domain")
	}
}

func TestPluginDomains(t *testing.T) {
	cfg := config.Defaults()
	cfg.Plugins["notes"] = config.PluginConf{Enabled: true, Domain: component.Secondary}
	cfg.Plugins["off"] = config.PluginConf{Enabled: false, Domain: component.Secondary}

	resolve := pluginDomains(cfg)
	if d, ok := resolve("plugin/notes"); !ok || d != component.Secondary {
		t.Fatalf("plugin/notes -> %s, %v", d, ok)
	}
	if _, ok := resolve("plugin/off"); ok {
		t.Fatal("disabled plugin should not resolve")
	}
}
