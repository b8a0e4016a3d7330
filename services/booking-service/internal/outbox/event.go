package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Event is the domain event envelope written to the outbox table in the same
// transaction as the change it describes. The Kafka topic equals EventType.
type Event struct {
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

func NewEvent(aggregateType, aggregateID, eventType string, payload []byte) Event {
	return Event{
		EventID:       uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       payload,
	}
}

// Record is a stored event awaiting publication.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	CreatedAt     time.Time
}
