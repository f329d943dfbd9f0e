package domain

import (
	"context"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error)

	// Reply answers a message received from Request. It is a no-op for
	// messages that were published without a reply address.
	Reply(ctx context.Context, msg *Message, payload []byte) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Well-known message metadata keys.
const (
	MetadataTraceID = "trace_id"
	MetadataReplyTo = "reply_to"
)

// WildcardTenantID subscribes to a topic across every tenant. Delivered
// messages keep the tenant they were published under.
const WildcardTenantID = "*"

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `yaml:"type"`

	// Channel settings (Community tier)
	ChannelBufferSize int `yaml:"channelBufferSize"`

	// NATS settings (Pro tier)
	NATSUrl           string `yaml:"natsUrl"`
	NATSToken         string `yaml:"natsToken"`
	NATSMaxReconnects int    `yaml:"natsMaxReconnects"`
	NATSReconnectWait int    `yaml:"natsReconnectWait"` // seconds
}

// Standard topic names for the audit pipeline.
const (
	// TopicDocumentExtracted carries ExtractedDocument payloads from the OCR collaborator.
	TopicDocumentExtracted = "kestrel.document.extracted"

	// TopicAuditCompleted carries every Audit record.
	TopicAuditCompleted = "kestrel.audit.completed"

	// TopicAuditFlagged carries Audit records with at least one violation.
	TopicAuditFlagged = "kestrel.audit.flagged"

	// TopicCatalogChanged is published after rule or category edits so other
	// nodes drop their cached catalog snapshot.
	TopicCatalogChanged = "kestrel.catalog.changed"
)
