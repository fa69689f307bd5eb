package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/peerproof/referral-registry/interfaces"
)

// ArchiveSink keeps evidence of every event in a content-addressed storage
// backend: the signed envelope for recorded events and the event JSON for all.
type ArchiveSink struct {
	backend interfaces.StorageBackend
	log     *slog.Logger
}

func NewArchiveSink(backend interfaces.StorageBackend, log *slog.Logger) *ArchiveSink {
	return &ArchiveSink{backend: backend, log: log}
}

func (s *ArchiveSink) Notify(ctx context.Context, n interfaces.Notification) error {
	if len(n.Envelope) > 0 {
		id, err := s.backend.Store(ctx, n.Envelope, interfaces.EnvelopeType)
		if err != nil {
			return fmt.Errorf("archive envelope: %w", err)
		}
		s.log.Debug("archived envelope", "id", n.RecordID, "contentID", id, "backend", s.backend.Name())
	}

	payload, err := MarshalEvent(n)
	if err != nil {
		return err
	}
	id, err := s.backend.Store(ctx, payload, interfaces.EventType)
	if err != nil {
		return fmt.Errorf("archive event: %w", err)
	}
	s.log.Debug("archived event", "id", n.RecordID, "contentID", id, "backend", s.backend.Name())
	return nil
}

func (s *ArchiveSink) Name() string {
	return "archive"
}
