// Package bus provides event bus implementations for Kestrel.
package bus

import (
	"context"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

type traceKey struct{}

// WithTraceID returns a context whose published messages carry traceID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceIDFrom returns the trace id attached with WithTraceID.
func TraceIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(traceKey{}).(string)
	return id
}

// TraceID returns the trace id a message was published with.
func TraceID(msg *domain.Message) string {
	if msg == nil || msg.Metadata == nil {
		return ""
	}
	return msg.Metadata[domain.MetadataTraceID]
}

func newMetadata(ctx context.Context) map[string]string {
	md := make(map[string]string, 2)
	if id := TraceIDFrom(ctx); id != "" {
		md[domain.MetadataTraceID] = id
	}
	return md
}
