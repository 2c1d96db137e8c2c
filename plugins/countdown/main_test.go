package main

import (
	"testing"

	"github.com/mattjoyce/snapsvc/internal/protocol"
)

func request(action string, payload, cfg map[string]any) protocol.Request {
	return protocol.Request{
		Protocol: protocol.Version,
		Worker:   "plugin/countdown",
		Action:   action,
		Payload:  payload,
		Config:   cfg,
	}
}

func TestStartShowsCountAndQueuesTick(t *testing.T) {
	resp := handleRequest(request("start", map[string]any{"from": float64(3)}, map[string]any{"title": "Brew"}))
	if resp.Status != "ok" {
		t.Fatalf("status = %q (error=%s)", resp.Status, resp.Error)
	}
	if resp.Foreground == nil || resp.Foreground.Action != "start" {
		t.Fatalf("foreground = %+v, want start", resp.Foreground)
	}
	if resp.Foreground.Title != "Brew" || resp.Foreground.Text != "3 remaining" || resp.Foreground.ID != foregroundID {
		t.Fatalf("foreground = %+v", resp.Foreground)
	}
	if len(resp.Submit) != 1 {
		t.Fatalf("submit len = %d, want 1", len(resp.Submit))
	}
	next := resp.Submit[0]
	if next.Worker != "plugin/countdown" || next.Action != "tick" || next.Payload["remaining"] != 2 {
		t.Fatalf("submit = %+v", next)
	}
}

func TestTickToZeroStops(t *testing.T) {
	resp := handleRequest(request("tick", map[string]any{"remaining": float64(0)}, nil))
	if resp.Status != "ok" || resp.Foreground == nil || resp.Foreground.Action != "stop" {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Submit) != 0 {
		t.Fatalf("unexpected follow-up: %+v", resp.Submit)
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name string
		req  protocol.Request
	}{
		{name: "unknown action", req: request("explode", nil, nil)},
		{name: "negative start", req: request("start", map[string]any{"from": float64(-1)}, nil)},
		{name: "over max", req: request("start", map[string]any{"from": float64(50)}, map[string]any{"max": float64(10)})},
		{name: "wrong protocol", req: protocol.Request{Protocol: 9, Action: "start"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := handleRequest(tt.req)
			if resp.Status != "error" || resp.Error == "" {
				t.Fatalf("resp = %+v, want error", resp)
			}
		})
	}
}

func TestCancel(t *testing.T) {
	resp := handleRequest(request("cancel", nil, nil))
	if resp.Foreground == nil || resp.Foreground.Action != "stop" {
		t.Fatalf("resp = %+v", resp)
	}
}
