package interfaces

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultPageLimit is used when a page request does not set a limit.
	DefaultPageLimit = 50
	// MaxPageLimit caps page sizes.
	MaxPageLimit = 500
)

// Cursor marks a position in a referrer's record sequence. Stores assign Seq
// in commit order per referrer, so a record committed after a cursor was handed
// out always sorts after it. The zero cursor points before the first record.
type Cursor struct {
	Seq uint64
}

// CursorAfter returns the cursor positioned right after rec.
func CursorAfter(rec RegistryRecord) Cursor {
	return Cursor{Seq: rec.Seq}
}

func (c Cursor) IsZero() bool {
	return c.Seq == 0
}

// Before reports whether the record sorts strictly after the cursor.
func (c Cursor) Before(rec RegistryRecord) bool {
	return rec.Seq > c.Seq
}

// String encodes the cursor as the decimal sequence number; empty for the zero cursor.
func (c Cursor) String() string {
	if c.IsZero() {
		return ""
	}
	return strconv.FormatUint(c.Seq, 10)
}

func ParseCursor(s string) (Cursor, error) {
	if s == "" {
		return Cursor{}, nil
	}
	seq, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	return Cursor{Seq: seq}, nil
}

// Page requests a slice of a referrer's records after a cursor.
type Page struct {
	After Cursor
	Limit int
}

// EffectiveLimit clamps the limit into [1, MaxPageLimit].
func (p Page) EffectiveLimit() int {
	switch {
	case p.Limit <= 0:
		return DefaultPageLimit
	case p.Limit > MaxPageLimit:
		return MaxPageLimit
	default:
		return p.Limit
	}
}

// PageResult holds one page of records; Next is zero when the sequence is exhausted.
type PageResult struct {
	Records []RegistryRecord
	Next    Cursor
}

// RegistryStore persists attestation records. Implementations must make Insert
// and Revoke atomic per record ID: concurrent inserts of the same ID yield exactly
// one success and ErrDuplicateRecord for every other caller.
type RegistryStore interface {
	// Insert stores a new record as confirmed, assigning RecordedAt and Seq.
	Insert(ctx context.Context, rec RegistryRecord) (RegistryRecord, error)

	// Get returns the record or ErrNotFound.
	Get(ctx context.Context, id RecordID) (RegistryRecord, error)

	// ListByReferrer returns records of a referrer ordered by Seq ascending.
	// RecordedAt is non-decreasing in that order.
	ListByReferrer(ctx context.Context, referrer Address, page Page) (PageResult, error)

	// Revoke marks a record revoked and appends an audit entry in one step.
	Revoke(ctx context.Context, id RecordID, actor Address, reason string) (RegistryRecord, error)

	// AuditLog returns the audit entries of a record, oldest first.
	AuditLog(ctx context.Context, id RecordID) ([]AuditEntry, error)
}

// IssuerAuthority holds the trusted signer identities and verifies attestations.
type IssuerAuthority interface {
	// Verify reports whether the attestation is signed by an issuer valid for its IssuedAt.
	Verify(att Attestation) bool

	// VerifySigner is Verify that also returns the matching issuer.
	VerifySigner(att Attestation) (Address, bool)

	// Rotate replaces the current issuer; caller must be the current issuer or the admin.
	Rotate(caller Address, newIssuer Address, effectiveAt time.Time) error

	// RotateAtEpoch is Rotate that only applies while Epoch() == epoch.
	RotateAtEpoch(caller Address, newIssuer Address, effectiveAt time.Time, epoch uint64) error

	// Epoch is the number of rotations applied so far.
	Epoch() uint64

	// Current returns the active issuer grant.
	Current() Grant

	// History returns prior issuer grants, oldest first.
	History() []Grant

	// IsAuthority reports whether addr may perform privileged record operations.
	IsAuthority(addr Address) bool
}

// Notifier receives registry events after they are committed.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Name() string
}
