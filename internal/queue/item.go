package queue

import (
	"time"

	"github.com/google/uuid"
)

// Method identifies the Membrane ingest operation an item is delivered with.
type Method string

const (
	MethodIngestEvent       Method = "IngestEvent"
	MethodIngestToolOutput  Method = "IngestToolOutput"
	MethodIngestObservation Method = "IngestObservation"
	MethodIngestOutcome     Method = "IngestOutcome"
)

// Valid reports whether m is one of the known ingest methods.
func (m Method) Valid() bool {
	switch m {
	case MethodIngestEvent, MethodIngestToolOutput, MethodIngestObservation, MethodIngestOutcome:
		return true
	default:
		return false
	}
}

// Item is one unit of delivery work.
//
// Retries travels with the item through reinsertion and is only mutated by
// the delivery loop that owns the queue.
type Item struct {
	ID         string
	Method     Method
	Payload    map[string]any
	Retries    int
	EnqueuedAt time.Time
}

// NewItem creates an item with zero retries.
func NewItem(method Method, payload map[string]any, now time.Time) *Item {
	return &Item{
		ID:         uuid.NewString(),
		Method:     method,
		Payload:    payload,
		EnqueuedAt: now,
	}
}
