package models

import (
	"encoding/json"
	"time"
)

// MessageState is the queue lifecycle state of a message.
type MessageState string

const (
	// StatePending means the message is waiting for the recipient's next
	// pickup or live-session drain.
	StatePending MessageState = "pending"
	// StateInFlight means the message has been handed to a delivery channel
	// but not yet acknowledged. Reverts to pending if the channel dies.
	StateInFlight MessageState = "in_flight"
)

// QueuedMessage is one encrypted message held for an offline recipient.
// The payload is an opaque DIDComm envelope; the relay never inspects it.
type QueuedMessage struct {
	ID            string          `json:"id"` // ULID
	ConnectionID  string          `json:"connection_id"`
	RecipientKeys []string        `json:"recipient_keys,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	State         MessageState    `json:"state"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MatchesRecipient reports whether the message is addressed to the given
// connection or recipient key. A message matches at most once no matter how
// many clauses hold.
func (m *QueuedMessage) MatchesRecipient(connectionID, recipientKey string) bool {
	if connectionID != "" && m.ConnectionID == connectionID {
		return true
	}
	if recipientKey == "" {
		return false
	}
	for _, k := range m.RecipientKeys {
		if k == recipientKey {
			return true
		}
	}
	return false
}
