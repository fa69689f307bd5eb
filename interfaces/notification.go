package interfaces

import "time"

// EventKind names a registry event.
type EventKind string

const (
	EventRecorded EventKind = "recorded"
	EventRevoked  EventKind = "revoked"
)

// Notification is emitted after a record is committed or revoked. External
// collaborators (email, dashboard, payment flows) consume the public fields;
// Record and Envelope are for in-process sinks such as the archive and chain anchor.
type Notification struct {
	EventID  string       `json:"event_id"`
	Kind     EventKind    `json:"kind"`
	RecordID RecordID     `json:"id"`
	Referrer Address      `json:"referrer"`
	Referee  Address      `json:"referee"`
	Status   RecordStatus `json:"status"`
	Reason   string       `json:"reason,omitempty"`
	At       time.Time    `json:"at"`

	Record   RegistryRecord `json:"-"`
	Envelope []byte         `json:"-"`
}
