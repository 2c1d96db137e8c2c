package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/snapsvc/internal/api"
	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/dispatch"
	"github.com/mattjoyce/snapsvc/internal/tui"
)

const defaultAPIURL = "http://127.0.0.1:8080"

type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, e.Error, resp.Status)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// clientFlags registers the flags shared by every API client command.
func clientFlags(fs *flag.FlagSet) (apiURL, apiKey *string) {
	apiURL = fs.String("api-url", defaultAPIURL, "snapsvc API URL")
	apiKey = fs.String("api-key", os.Getenv(EnvAPIKey), "API bearer token")
	return apiURL, apiKey
}

// parseInterleaved lets flags follow positional arguments.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

func runSubmit(args []string) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	apiURL, apiKey := clientFlags(fs)
	payloadJSON := fs.String("payload", "", "Request payload as a JSON object")
	secondary := fs.Bool("secondary", false, "Deliver in the secondary domain")

	positional, err := parseInterleaved(fs, args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positional) < 1 || len(positional) > 2 {
		fmt.Fprintln(os.Stderr, "Usage: snapsvc submit <key> <action> [--payload JSON] [--secondary]")
		return 1
	}

	body := api.SubmitRequest{}
	if len(positional) == 2 {
		body.Action = positional[1]
	}
	if *payloadJSON != "" {
		var obj map[string]any
		if err := json.Unmarshal([]byte(*payloadJSON), &obj); err != nil {
			fmt.Fprintf(os.Stderr, "--payload must be a JSON object: %v\n", err)
			return 1
		}
		body.Payload = json.RawMessage(*payloadJSON)
	}
	if *secondary {
		body.Domain = component.Secondary.String()
	}

	key := strings.Trim(positional[0], "/")
	var resp api.SubmitResponse
	if err := newAPIClient(*apiURL, *apiKey).do(http.MethodPost, "/submit/"+key, body, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Submit failed: %v\n", err)
		return 1
	}
	fmt.Printf("accepted: worker=%s action=%s domain=%s\n", resp.Worker, resp.Action, resp.Domain)
	return 0
}

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	apiURL, apiKey := clientFlags(fs)
	jsonOut := fs.Bool("json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	var st dispatch.Status
	if err := newAPIClient(*apiURL, *apiKey).do(http.MethodGet, "/workers", nil, &st); err != nil {
		fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
		return 1
	}

	if *jsonOut {
		out, err := json.MarshalIndent(st, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}
	printStatus(os.Stdout, st)
	return 0
}

func printStatus(w io.Writer, st dispatch.Status) {
	fmt.Fprintf(w, "Domain: %s\n", st.Domain)
	fmt.Fprintf(w, "Slots:  %d/%d free\n", st.FreeSlots, st.Slots)
	fmt.Fprintf(w, "Registered: %d\n\n", len(st.Registered))
	if len(st.Workers) == 0 {
		fmt.Fprintln(w, "No live workers.")
		return
	}
	fmt.Fprintf(w, "%-32s %-10s %6s %6s %6s %6s %5s\n", "WORKER", "STATE", "QUEUE", "DONE", "FAIL", "CONNS", "SLOT")
	for _, wk := range st.Workers {
		slot := "-"
		if wk.Slot != nil {
			slot = fmt.Sprintf("%d", *wk.Slot)
		}
		fmt.Fprintf(w, "%-32s %-10s %6d %6d %6d %6d %5s\n",
			wk.Key, wk.State, wk.Pending, wk.Processed, wk.Failed, len(wk.Connections), slot)
	}
}

func runMonitor(args []string) int {
	fs := flag.NewFlagSet("monitor", flag.ContinueOnError)
	apiURL, apiKey := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if *apiKey == "" {
		fmt.Fprintf(os.Stderr, "Error: API key required. Use --api-key or %s env var.\n", EnvAPIKey)
		return 1
	}
	if err := tui.Run(*apiURL, *apiKey); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
