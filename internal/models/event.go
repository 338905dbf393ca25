package models

import "github.com/google/uuid"

// Lifecycle event names pushed to the owner's realtime feed.
const (
	EventStreamCreated = "stream.created"
	EventStreamUpdated = "stream.updated"
	EventStreamStarted = "stream.started"
	EventStreamStopped = "stream.stopped"
	EventStreamEnded   = "stream.ended"
	EventStreamDeleted = "stream.deleted"
)

// StreamEvent is the payload of a lifecycle event.
type StreamEvent struct {
	Type     string               `json:"type"`
	StreamID uuid.UUID            `json:"stream_id"`
	Status   StreamStatus         `json:"status"`
	Results  []RepublishingResult `json:"results,omitempty"`
}
