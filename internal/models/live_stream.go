package models

import (
	"time"

	"github.com/google/uuid"
)

// StreamStatus is the lifecycle state of a LiveStream.
type StreamStatus string

const (
	StreamStatusInactive StreamStatus = "inactive"
	StreamStatusLive     StreamStatus = "live"
	StreamStatusEnded    StreamStatus = "ended"
)

// Valid reports whether s is one of the known states.
func (s StreamStatus) Valid() bool {
	switch s {
	case StreamStatusInactive, StreamStatusLive, StreamStatusEnded:
		return true
	}
	return false
}

// DefaultDestinationPort is used when a destination does not name a port.
const DefaultDestinationPort = 1935

// Destination is one fan-out target attached to a LiveStream.
type Destination struct {
	ID           uuid.UUID `json:"id"`
	Platform     string    `json:"platform"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Port         int       `json:"port"`
	App          string    `json:"app"`
	Stream       string    `json:"stream"`
	Enabled      bool      `json:"enabled"`
	RemoteRuleID string    `json:"remote_rule_id,omitempty"`
}

// LiveStream is a user-facing broadcast definition. Several LiveStreams may
// share one (app, key) pair; SourceStream tells them apart.
type LiveStream struct {
	ID            uuid.UUID     `json:"id"`
	OwnerID       uuid.UUID     `json:"owner_id"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	AppID         uuid.UUID     `json:"app_id"`
	KeyID         uuid.UUID     `json:"app_key_id"`
	SourceStream  string        `json:"source_stream"`
	Status        StreamStatus  `json:"status"`
	Destinations  []Destination `json:"destinations"`
	LastStartedAt *time.Time    `json:"last_started_at,omitempty"`
	LastStoppedAt *time.Time    `json:"last_stopped_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// EnabledDestinations returns the destinations that should have a remote rule while live.
func (s *LiveStream) EnabledDestinations() []Destination {
	out := make([]Destination, 0, len(s.Destinations))
	for _, d := range s.Destinations {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// Clone returns a deep copy so callers can mutate destinations freely.
func (s *LiveStream) Clone() *LiveStream {
	if s == nil {
		return nil
	}
	c := *s
	c.Destinations = append([]Destination(nil), s.Destinations...)
	return &c
}
