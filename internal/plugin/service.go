package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/snapsvc/internal/component"
	"github.com/mattjoyce/snapsvc/internal/foreground"
	"github.com/mattjoyce/snapsvc/internal/forward"
	"github.com/mattjoyce/snapsvc/internal/log"
	"github.com/mattjoyce/snapsvc/internal/protocol"
	"github.com/mattjoyce/snapsvc/internal/worker"
)

const (
	// KeyPrefix namespaces plugin-backed worker keys.
	KeyPrefix = "plugin/"

	DefaultTimeout         = 60 * time.Second
	terminationGracePeriod = 5 * time.Second
	maxStderrBytes         = 64 * 1024
)

var ErrTimeout = errors.New("plugin timed out")

// Key returns the worker key a plugin is registered under.
func Key(name string) component.Key {
	return component.Key(KeyPrefix + name)
}

// Settings is the per-plugin runtime configuration.
type Settings struct {
	Timeout time.Duration
	Config  map[string]any
}

// Info is the capability handed to bound connections.
type Info struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Actions     []string `json:"actions,omitempty"`
}

// Service runs one plugin process per work item.
type Service struct {
	plugin   *Plugin
	key      component.Key
	host     worker.Host
	settings Settings
	logger   *slog.Logger
}

var _ worker.Binder = (*Service)(nil)

func NewService(p *Plugin, key component.Key, host worker.Host, s Settings) *Service {
	if s.Timeout <= 0 {
		s.Timeout = DefaultTimeout
	}
	return &Service{
		plugin:   p,
		key:      key,
		host:     host,
		settings: s,
		logger:   log.WithPlugin(p.Name),
	}
}

func (s *Service) OnCreate(ctx context.Context) error {
	if missing := s.plugin.MissingConfig(s.settings.Config); len(missing) > 0 {
		return fmt.Errorf("plugin %s missing required config: %s", s.plugin.Name, strings.Join(missing, ", "))
	}
	if _, err := os.Stat(s.plugin.Entrypoint); err != nil {
		return fmt.Errorf("plugin %s entrypoint: %w", s.plugin.Name, err)
	}
	s.logger.Debug("plugin worker created", "key", s.key)
	return nil
}

func (s *Service) OnDestroy(ctx context.Context) {
	s.logger.Debug("plugin worker destroyed", "key", s.key)
}

func (s *Service) OnBind(ctx context.Context, req component.Request) (any, error) {
	if !s.plugin.Bindable {
		return nil, fmt.Errorf("plugin %s is not bindable", s.plugin.Name)
	}
	return Info{
		Name:        s.plugin.Name,
		Version:     s.plugin.Version,
		Description: s.plugin.Description,
		Actions:     s.plugin.ActionNames(),
	}, nil
}

func (s *Service) Handle(ctx context.Context, req component.Request) error {
	if !s.plugin.SupportsAction(req.Action) {
		return fmt.Errorf("plugin %s does not support action %q", s.plugin.Name, req.Action)
	}

	preq := &protocol.Request{
		Protocol:   protocol.Version,
		RequestID:  uuid.NewString(),
		Worker:     string(s.key),
		Action:     req.Action,
		Payload:    req.Payload,
		Config:     s.settings.Config,
		Domain:     req.Domain.String(),
		DeadlineAt: time.Now().Add(s.settings.Timeout),
	}

	resp, err := spawn(ctx, s.plugin.Entrypoint, preq, s.settings.Timeout, s.logger)
	if err != nil {
		return err
	}

	for _, entry := range resp.Logs {
		s.logger.Log(ctx, pluginLevel(entry.Level), entry.Message, "request_id", preq.RequestID)
	}
	if resp.Status == "error" {
		return fmt.Errorf("plugin %s: %s", s.plugin.Name, resp.Error)
	}

	for _, sub := range resp.Submit {
		next, err := s.followUp(sub, req)
		if err != nil {
			s.logger.Warn("ignoring submit", "worker", sub.Worker, "error", err)
			continue
		}
		s.host.Submit(next)
	}

	for _, a := range resp.Alarms {
		if err := s.applyAlarm(ctx, a, req); err != nil {
			s.logger.Warn("alarm request failed", "request_code", a.RequestCode, "error", err)
		}
	}

	if fg := resp.Foreground; fg != nil {
		switch foreground.Action(fg.Action) {
		case foreground.ActionStart:
			s.host.StartForeground(fg.ID, s.descriptor(fg, req))
		case foreground.ActionStop:
			s.host.StopForeground()
		}
	}
	return nil
}

// followUp turns a plugin submission into a request. An empty worker means
// this plugin; an empty domain means the domain of the originating request.
func (s *Service) followUp(sub protocol.Submission, origin component.Request) (component.Request, error) {
	next := component.Request{
		Target:  component.Key(sub.Worker),
		Action:  sub.Action,
		Payload: sub.Payload,
		Domain:  origin.Domain,
	}
	if next.Target.Empty() {
		next.Target = s.key
	}
	if sub.Domain != "" {
		d, err := component.ParseDomain(sub.Domain)
		if err != nil {
			return component.Request{}, err
		}
		next.Domain = d
	}
	return next, nil
}

func (s *Service) applyAlarm(ctx context.Context, a protocol.Alarm, origin component.Request) error {
	req, err := s.followUp(a.Submission, origin)
	if err != nil {
		return err
	}
	if a.Cancel {
		return s.host.CancelAlarm(ctx, req, a.RequestCode)
	}
	delay, err := time.ParseDuration(a.Delay)
	if err != nil {
		return err
	}
	return s.host.ScheduleAlarm(ctx, req, a.RequestCode, delay)
}

// descriptor builds the presentation for fg. Interactions become deferred
// handles; one that cannot be built is left out.
func (s *Service) descriptor(fg *protocol.Foreground, origin component.Request) foreground.Descriptor {
	d := foreground.Descriptor{Title: fg.Title, Text: fg.Text, Info: fg.Info}
	d.Content = s.handle(fg.Content, origin)
	d.Delete = s.handle(fg.Delete, origin)
	for _, a := range fg.Actions {
		sub := a.Submission
		if h := s.handle(&sub, origin); h != nil {
			d.Actions = append(d.Actions, foreground.ActionButton{Label: a.Label, Handle: h})
		}
	}
	return d
}

func (s *Service) handle(sub *protocol.Submission, origin component.Request) *forward.Handle {
	if sub == nil {
		return nil
	}
	req, err := s.followUp(*sub, origin)
	if err != nil {
		s.logger.Warn("ignoring foreground interaction", "action", sub.Action, "error", err)
		return nil
	}
	h, err := s.host.DeferredHandle(req)
	if err != nil {
		s.logger.Warn("ignoring foreground interaction", "action", sub.Action, "error", err)
		return nil
	}
	return h
}

// spawn runs the entrypoint once, feeding req on stdin. The process gets
// SIGTERM on timeout or cancellation and SIGKILL after a grace period.
func spawn(ctx context.Context, entrypoint string, req *protocol.Request, timeout time.Duration, logger *slog.Logger) (*protocol.Response, error) {
	cmd := exec.Command(entrypoint)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start plugin: %w", err)
	}

	go func() {
		defer stdin.Close()
		if err := protocol.EncodeRequest(stdin, req); err != nil {
			logger.Warn("failed to write plugin request", "error", err)
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var runErr error
	timedOut := false
	select {
	case runErr = <-waitErr:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		timedOut = true
	}
	if timedOut {
		logger.Warn("plugin deadline reached, sending SIGTERM", "timeout", timeout)
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-waitErr:
		case <-time.After(terminationGracePeriod):
			logger.Warn("plugin ignored SIGTERM, sending SIGKILL")
			_ = cmd.Process.Kill()
			<-waitErr
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("plugin cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}

	if stderr.Len() > 0 {
		logger.Debug("plugin stderr", "stderr", truncateStderr(stderr.String()))
	}

	resp, raw, decodeErr := protocol.DecodeResponseLenient(&stdout)
	if runErr != nil {
		if decodeErr == nil && resp.Status == "error" {
			return resp, nil
		}
		return nil, fmt.Errorf("plugin exited: %w (stderr: %s)", runErr, truncateStderr(stderr.String()))
	}
	if decodeErr != nil {
		logger.Debug("undecodable plugin output", "raw", truncateStderr(string(raw)))
		return nil, decodeErr
	}
	return resp, nil
}

func truncateStderr(s string) string {
	if len(s) <= maxStderrBytes {
		return s
	}
	return s[:maxStderrBytes] + "...[truncated]"
}

func pluginLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Register adds a worker factory for every plugin in reg. Settings are
// looked up by plugin name; missing entries get defaults.
func Register(workers *worker.Registry, reg *Registry, settings map[string]Settings) error {
	names := make([]string, 0, len(reg.All()))
	for name := range reg.All() {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p, _ := reg.Get(name)
		cfg := settings[name]
		if err := workers.Register(Key(name), func(key component.Key, host worker.Host) (worker.Service, error) {
			return NewService(p, key, host, cfg), nil
		}); err != nil {
			return err
		}
	}
	return nil
}
