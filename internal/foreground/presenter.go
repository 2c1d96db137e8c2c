package foreground

import (
	"context"
	"log/slog"
)

// LogPresenter writes presentation commands to a logger. Starts with a zero
// id or an empty descriptor are ignored.
type LogPresenter struct {
	logger *slog.Logger
}

func NewLogPresenter(logger *slog.Logger) *LogPresenter {
	return &LogPresenter{logger: logger.With("component", "foreground")}
}

func (p *LogPresenter) Present(_ context.Context, slot int, cmd Command) {
	switch cmd.Action {
	case ActionStart:
		if cmd.ID == 0 || cmd.Descriptor.Empty() {
			p.logger.Warn("Ignoring foreground start without id or content", "slot", slot, "id", cmd.ID)
			return
		}
		p.logger.Info("Foreground start", "slot", slot, "id", cmd.ID, "title", cmd.Descriptor.Title, "text", cmd.Descriptor.Text, "actions", len(cmd.Descriptor.Actions))
	case ActionStop:
		p.logger.Info("Foreground stop", "slot", slot)
	}
}

// Multi fans one command out to several presenters.
type Multi []Presenter

func (m Multi) Present(ctx context.Context, slot int, cmd Command) {
	for _, p := range m {
		p.Present(ctx, slot, cmd)
	}
}

// Pool builds n slot presenters that all share the given presenters.
func Pool(n int, shared ...Presenter) []Presenter {
	if n <= 0 {
		n = DefaultSlots
	}
	out := make([]Presenter, n)
	for i := range out {
		out[i] = Multi(shared)
	}
	return out
}
