// Package message defines the contracts shared by requests and events that
// flow through the catga runtime.
//
// A request expects exactly one response from exactly one handler. An event
// is fire-and-forget and may have any number of subscribers. Both carry a
// message id, a correlation id and a creation time; events add the business
// time at which they occurred.
//
// Reusing a message id for a logically distinct operation is a caller error:
// id reuse is how duplicate delivery is detected.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Message is the base contract for anything dispatched by the runtime.
type Message interface {
	MessageID() string
	CorrelationID() string
	CreatedAt() time.Time
}

// Event is a message with zero or more independent handlers.
type Event interface {
	Message
	OccurredAt() time.Time
}

// IDGenerator generates unique message ids.
type IDGenerator func() string

// DefaultIDGenerator is used when no generator is supplied.
var DefaultIDGenerator IDGenerator = uuid.NewString

// Metadata is an embeddable value implementing Message.
type Metadata struct {
	ID          string    `json:"message_id"`
	Correlation string    `json:"correlation_id"`
	Created     time.Time `json:"created_at"`
}

func (m Metadata) MessageID() string     { return m.ID }
func (m Metadata) CorrelationID() string { return m.Correlation }
func (m Metadata) CreatedAt() time.Time  { return m.Created }

// EventMetadata is an embeddable value implementing Event.
type EventMetadata struct {
	Metadata
	Occurred time.Time `json:"occurred_at"`
}

func (m EventMetadata) OccurredAt() time.Time { return m.Occurred }

var (
	_ Message = Metadata{}
	_ Event   = EventMetadata{}
)

type metadataConfig struct {
	id          string
	correlation string
	now         func() time.Time
	gen         IDGenerator
}

// Option configures metadata construction.
type Option func(*metadataConfig)

// WithID sets an explicit message id.
func WithID(id string) Option {
	return func(c *metadataConfig) { c.id = id }
}

// WithCorrelationID sets an explicit correlation id.
func WithCorrelationID(id string) Option {
	return func(c *metadataConfig) { c.correlation = id }
}

// Caused marks the new message as caused by parent; it joins the parent's
// correlation.
func Caused(parent Message) Option {
	return func(c *metadataConfig) {
		if parent != nil {
			c.correlation = parent.CorrelationID()
		}
	}
}

// WithGenerator overrides the id generator.
func WithGenerator(gen IDGenerator) Option {
	return func(c *metadataConfig) {
		if gen != nil {
			c.gen = gen
		}
	}
}

// WithClock overrides the time source used for created_at.
func WithClock(now func() time.Time) Option {
	return func(c *metadataConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// NewMetadata returns metadata with every field supplied or defaulted. A
// message without an explicit correlation starts its own, using its id.
func NewMetadata(opts ...Option) Metadata {
	cfg := metadataConfig{
		now: time.Now,
		gen: DefaultIDGenerator,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.id == "" {
		cfg.id = cfg.gen()
	}
	if cfg.correlation == "" {
		cfg.correlation = cfg.id
	}
	return Metadata{
		ID:          cfg.id,
		Correlation: cfg.correlation,
		Created:     cfg.now().UTC(),
	}
}

// NewEventMetadata returns event metadata. A zero occurredAt defaults to
// the creation time.
func NewEventMetadata(occurredAt time.Time, opts ...Option) EventMetadata {
	md := NewMetadata(opts...)
	if occurredAt.IsZero() {
		occurredAt = md.Created
	}
	return EventMetadata{Metadata: md, Occurred: occurredAt.UTC()}
}
