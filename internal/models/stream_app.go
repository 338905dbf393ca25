package models

import (
	"time"

	"github.com/google/uuid"
)

// AppStatus is the soft-disable flag of a StreamApp.
type AppStatus string

const (
	AppStatusActive   AppStatus = "active"
	AppStatusInactive AppStatus = "inactive"
)

// StreamApp is a named RTMP ingest namespace owned by a user.
type StreamApp struct {
	ID               uuid.UUID         `json:"id"`
	OwnerID          uuid.UUID         `json:"owner_id"`
	Name             string            `json:"name"`
	AppPath          string            `json:"app_path"`
	DefaultStreamKey string            `json:"default_stream_key"`
	Settings         map[string]string `json:"settings"`
	Status           AppStatus         `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Active reports whether new streams may be started on the app.
func (a *StreamApp) Active() bool {
	return a.Status == AppStatusActive
}

// StreamKey is a credential scoped to a StreamApp, used as the RTMP stream key.
type StreamKey struct {
	ID          uuid.UUID `json:"id"`
	AppID       uuid.UUID `json:"app_id"`
	Name        string    `json:"name"`
	KeyValue    string    `json:"key_value"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
