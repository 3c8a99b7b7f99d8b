package log

import (
	"context"
	"log/slog"
	"time"
)

// SlogAdapter writes capture events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event as a single "protocol" record.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("session_id", event.SessionID),
		slog.String("service", event.Service.String()),
		slog.String("direction", event.Direction.String()),
		slog.String("category", event.Category.String()),
	}
	if event.DeviceID != "" {
		attrs = append(attrs, slog.String("device_id", event.DeviceID))
	}

	switch {
	case event.Message != nil:
		attrs = append(attrs,
			slog.String("topic", event.Message.Topic),
			slog.Int("size", event.Message.Size),
		)
		if event.Message.RequestID != "" {
			attrs = append(attrs, slog.String("rid", event.Message.RequestID))
		}
		if event.Message.Status != nil {
			attrs = append(attrs, slog.Int("status", *event.Message.Status))
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
	case event.Credential != nil:
		attrs = append(attrs,
			slog.String("resource_uri", event.Credential.ResourceURI),
			slog.String("expires_at", event.Credential.ExpiresAt.Format(time.RFC3339)),
			slog.Bool("renewal", event.Credential.Renewal),
		)
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.RequestID != "" {
			attrs = append(attrs, slog.String("rid", event.Error.RequestID))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

var _ Logger = (*SlogAdapter)(nil)
