package security

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/toolshare/toolshare-backend/internal/models"
	"github.com/toolshare/toolshare-backend/internal/pkg/metrics"
)

// EventSink receives security events for durable storage.
type EventSink interface {
	CreateSecurityEvent(ctx context.Context, event *models.SecurityEvent) error
}

// EventLogger appends security events to the audit log. Appending never
// fails the caller: a storage error is logged and counted, the request
// decision already happened and must not be undone by audit trouble.
type EventLogger struct {
	sink EventSink
	log  *slog.Logger
}

func NewEventLogger(sink EventSink, log *slog.Logger) *EventLogger {
	if log == nil {
		log = slog.Default()
	}
	return &EventLogger{sink: sink, log: log}
}

// Append records one security event. Missing ID and CreatedAt are filled in.
func (l *EventLogger) Append(ctx context.Context, event *models.SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	metrics.SecurityEventsTotal.WithLabelValues(event.EventType).Inc()
	if err := l.sink.CreateSecurityEvent(ctx, event); err != nil {
		l.log.Error("failed to append security event",
			"event_type", event.EventType,
			"ip_address", event.IPAddress,
			"error", err,
		)
	}
}
