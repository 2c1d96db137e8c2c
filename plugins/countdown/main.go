// Command countdown is an example snapsvc plugin. Build it next to its
// manifest:
//
//	go build -o plugins/countdown/countdown ./plugins/countdown
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/mattjoyce/snapsvc/internal/protocol"
)

const (
	defaultFrom  = 10
	defaultTitle = "Countdown"
	// foregroundID identifies the countdown's presentation across ticks.
	foregroundID = 1
)

type pluginConfig struct {
	Title string
	Max   int
}

func main() {
	resp := handle()
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle() protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err))
	}
	return handleRequest(req)
}

func handleRequest(req protocol.Request) protocol.Response {
	if req.Protocol != protocol.Version {
		return errResp(fmt.Sprintf("unsupported protocol %d", req.Protocol))
	}
	cfg := parseConfig(req.Config)

	switch strings.TrimSpace(req.Action) {
	case "start":
		from := asInt(req.Payload["from"], defaultFrom)
		if from < 0 {
			return errResp("from must not be negative")
		}
		if cfg.Max > 0 && from > cfg.Max {
			return errResp(fmt.Sprintf("from %d exceeds max %d", from, cfg.Max))
		}
		return step(req.Worker, cfg, from)
	case "tick":
		return step(req.Worker, cfg, asInt(req.Payload["remaining"], 0))
	case "cancel":
		return protocol.Response{
			Status:     "ok",
			Foreground: &protocol.Foreground{Action: "stop"},
			Logs:       []protocol.LogEntry{{Level: "info", Message: "countdown cancelled"}},
		}
	default:
		return errResp(fmt.Sprintf("unknown action %q", req.Action))
	}
}

// step shows the remaining count and queues the next tick, or hides the
// presentation once the count reaches zero.
func step(worker string, cfg pluginConfig, remaining int) protocol.Response {
	if remaining <= 0 {
		return protocol.Response{
			Status:     "ok",
			Foreground: &protocol.Foreground{Action: "stop"},
			Logs:       []protocol.LogEntry{{Level: "info", Message: "countdown finished"}},
		}
	}
	return protocol.Response{
		Status: "ok",
		Foreground: &protocol.Foreground{
			Action: "start",
			ID:     foregroundID,
			Title:  cfg.Title,
			Text:   fmt.Sprintf("%d remaining", remaining),
		},
		Submit: []protocol.Submission{{
			Worker:  worker,
			Action:  "tick",
			Payload: map[string]any{"remaining": remaining - 1},
		}},
		Logs: []protocol.LogEntry{{Level: "debug", Message: fmt.Sprintf("tick %d", remaining)}},
	}
}

func parseConfig(cfg map[string]any) pluginConfig {
	out := pluginConfig{Title: defaultTitle}
	if cfg == nil {
		return out
	}
	if v := asString(cfg["title"]); v != "" {
		out.Title = v
	}
	out.Max = asInt(cfg["max"], 0)
	return out
}

func errResp(message string) protocol.Response {
	return protocol.Response{
		Status: "error",
		Error:  message,
		Logs:   []protocol.LogEntry{{Level: "error", Message: message}},
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// asInt accepts the number shapes JSON and YAML decoding produce.
func asInt(v any, fallback int) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return int(n)
		}
	}
	return fallback
}
