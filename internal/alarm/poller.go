package alarm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/snapsvc/internal/component"
)

// Source yields due alarms for one domain.
type Source interface {
	ClaimDue(ctx context.Context, domain component.Domain, now time.Time) ([]Alarm, error)
}

// Poller claims due alarms for the local domain on a fixed tick and hands
// each one to the handler.
type Poller struct {
	src      Source
	domain   component.Domain
	interval time.Duration
	handle   Handler
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewPoller(src Source, domain component.Domain, interval time.Duration, handle Handler, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	return &Poller{
		src:      src,
		domain:   domain,
		interval: interval,
		handle:   handle,
		logger:   logger.With("component", "alarm-poller", "domain", domain.String()),
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the tick loop.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("Starting alarm poller", "interval", p.interval)
	p.wg.Add(1)
	go p.tickLoop(ctx)
}

// Stop halts the tick loop and waits for the in-flight tick.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.logger.Info("Alarm poller stopped")
}

func (p *Poller) tickLoop(ctx context.Context) {
	defer p.wg.Done()

	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.tick(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	due, err := p.src.ClaimDue(ctx, p.domain, p.now())
	if err != nil {
		p.logger.Error("Failed to claim due alarms", "error", err)
		return
	}
	for _, a := range due {
		if err := p.handle(ctx, a); err != nil {
			p.logger.Error("Alarm handler failed", "type", a.Type, "request_code", a.RequestCode, "error", err)
		}
	}
}
