package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates an adapter writing to logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("category", event.Category.String()),
	}
	if event.ClientID != "" {
		attrs = append(attrs, slog.String("client_id", event.ClientID))
	}

	switch {
	case event.Packet != nil:
		p := event.Packet
		attrs = append(attrs,
			slog.String("direction", event.Direction.String()),
			slog.String("packet", p.Type.String()),
		)
		if p.MessageID != 0 {
			attrs = append(attrs, slog.Uint64("mid", uint64(p.MessageID)))
		}
		if p.Topic != "" {
			attrs = append(attrs, slog.String("topic", p.Topic))
		}
		if p.ReturnCode != nil {
			attrs = append(attrs, slog.Int("rc", *p.ReturnCode))
		}
		if p.PayloadSize > 0 {
			attrs = append(attrs, slog.Int("payload_size", p.PayloadSize))
		}
		if p.Latency != nil {
			attrs = append(attrs, slog.Duration("latency", *p.Latency))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.Code != nil {
			attrs = append(attrs, slog.Int("error_code", *event.Error.Code))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
