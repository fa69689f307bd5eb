package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/peerproof/referral-registry/interfaces"
)

// NewNotification builds the event for a record change at the given time.
func NewNotification(kind interfaces.EventKind, rec interfaces.RegistryRecord, at time.Time) interfaces.Notification {
	return interfaces.Notification{
		EventID:  ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		Kind:     kind,
		RecordID: rec.ID,
		Referrer: rec.Referrer,
		Referee:  rec.Referee,
		Status:   rec.Status,
		Reason:   rec.RevocationReason,
		At:       at.UTC(),
		Record:   rec.Clone(),
	}
}

// MarshalEvent is the JSON wire form shared by the Redis, Kafka and websocket sinks.
func MarshalEvent(n interfaces.Notification) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("could not encode event: %w", err)
	}
	return data, nil
}
