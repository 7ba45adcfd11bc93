package ports

import (
	"context"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
)

// Logger defines the interface for structured logging.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
	With(args ...interface{}) Logger
}

// Transport is the outbound half of the messaging connection.
type Transport interface {
	// Send delivers content to a chat.
	Send(ctx context.Context, chatID string, content domain.OutboundContent, opts domain.SendOptions) error

	// SelfID returns the bot's own JID, or "" before the session is ready.
	SelfID() string
}

// GroupDirectory is implemented by transports that expose group operations.
// The core forwards these calls for plugins and never interprets the results
// beyond admin lookups.
type GroupDirectory interface {
	GroupMetadata(ctx context.Context, chatID string) (*domain.GroupMetadata, error)
	UpdateParticipants(ctx context.Context, chatID string, participants []string, action domain.GroupAction) error
}

// EventSink receives inbound events from a transport, one at a time.
type EventSink interface {
	HandleMessage(ctx context.Context, event *domain.InboundEvent)
	HandleGroupUpdate(ctx context.Context, update *domain.GroupUpdate)
}

// EventSource is the inbound half of a transport. Run blocks until ctx is
// cancelled or the connection fails for good.
type EventSource interface {
	Run(ctx context.Context, sink EventSink) error
}

// Telemetry records command executions.
type Telemetry interface {
	RequestStart(info domain.RequestInfo) *domain.RequestRecord
	RequestEnd(rec *domain.RequestRecord, err error)
}

// MetricExporter ships metric points to an external sink.
type MetricExporter interface {
	Export(metric *domain.Metric) error
}
