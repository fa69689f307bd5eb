// Package store provides RegistryStore implementations: an in-memory store for
// tests and single-process deployments, and PostgreSQL and MongoDB stores.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/peerproof/referral-registry/interfaces"
)

// MemoryStore keeps records in maps guarded by a RWMutex. Each referrer has an
// append-only slice of record IDs in Seq order. RecordedAt is clamped so it
// never goes backwards.
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[interfaces.RecordID]*interfaces.RegistryRecord
	byReferrer map[interfaces.Address][]interfaces.RecordID
	audit      map[interfaces.RecordID][]interfaces.AuditEntry

	seq          uint64
	lastRecorded time.Time
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[interfaces.RecordID]*interfaces.RegistryRecord),
		byReferrer: make(map[interfaces.Address][]interfaces.RecordID),
		audit:      make(map[interfaces.RecordID][]interfaces.AuditEntry),
		now:        time.Now,
	}
}

// WithClock replaces the store clock; useful in tests.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// recordedAt must be called with the write lock held.
func (s *MemoryStore) recordedAt() time.Time {
	now := s.now().UTC()
	if now.Before(s.lastRecorded) {
		now = s.lastRecorded
	}
	s.lastRecorded = now
	return now
}

func (s *MemoryStore) Insert(ctx context.Context, rec interfaces.RegistryRecord) (interfaces.RegistryRecord, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.RegistryRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrDuplicateRecord, rec.ID)
	}

	stored := rec.Clone()
	s.seq++
	stored.Seq = s.seq
	stored.RecordedAt = s.recordedAt()
	stored.Status = interfaces.StatusConfirmed
	stored.RevokedAt = nil
	stored.RevocationReason = ""

	s.records[stored.ID] = &stored
	s.byReferrer[stored.Referrer] = append(s.byReferrer[stored.Referrer], stored.ID)

	return stored.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id interfaces.RecordID) (interfaces.RegistryRecord, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.RegistryRecord{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) ListByReferrer(ctx context.Context, referrer interfaces.Address, page interfaces.Page) (interfaces.PageResult, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.PageResult{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byReferrer[referrer]
	start := sort.Search(len(ids), func(i int) bool {
		return page.After.Before(*s.records[ids[i]])
	})

	limit := page.EffectiveLimit()
	end := min(start+limit, len(ids))

	result := interfaces.PageResult{Records: make([]interfaces.RegistryRecord, 0, end-start)}
	for _, id := range ids[start:end] {
		result.Records = append(result.Records, s.records[id].Clone())
	}
	if end < len(ids) && len(result.Records) > 0 {
		result.Next = interfaces.CursorAfter(result.Records[len(result.Records)-1])
	}
	return result, nil
}

func (s *MemoryStore) Revoke(ctx context.Context, id interfaces.RecordID, actor interfaces.Address, reason string) (interfaces.RegistryRecord, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.RegistryRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}
	if !rec.Status.CanTransitionTo(interfaces.StatusRevoked) {
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: %s", interfaces.ErrAlreadyRevoked, id)
	}

	now := s.now().UTC()
	rec.Status = interfaces.StatusRevoked
	rec.RevokedAt = &now
	rec.RevocationReason = reason

	s.audit[id] = append(s.audit[id], interfaces.AuditEntry{
		ID:       ulid.Make().String(),
		RecordID: id,
		Action:   interfaces.AuditRevoke,
		Actor:    actor,
		Reason:   reason,
		At:       now,
	})

	return rec.Clone(), nil
}

func (s *MemoryStore) AuditLog(ctx context.Context, id interfaces.RecordID) ([]interfaces.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.records[id]; !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, id)
	}
	return append([]interfaces.AuditEntry(nil), s.audit[id]...), nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var _ interfaces.RegistryStore = (*MemoryStore)(nil)
