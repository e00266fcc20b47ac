package models

import "time"

// LiveSession records an open pickup channel for a connection and which
// server instance owns it. At most one row exists per connection at any
// time; registration is last-writer-wins.
type LiveSession struct {
	SessionID       string    `json:"session_id"`
	ConnectionID    string    `json:"connection_id"`
	ProtocolVersion string    `json:"protocol_version"`
	Role            string    `json:"role"`
	InstanceID      string    `json:"instance_id"`
	CreatedAt       time.Time `json:"created_at"`
}
