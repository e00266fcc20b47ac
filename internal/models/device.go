package models

import "time"

// DeviceRegistration maps a connection to the device token used to wake it
// with a push notification. Written when the recipient runs the
// push-notification protocol with the mediator, read when a message is
// queued and no live session exists anywhere.
type DeviceRegistration struct {
	ConnectionID string    `json:"connection_id"`
	DeviceToken  string    `json:"device_token"`
	ClientCode   string    `json:"client_code,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
