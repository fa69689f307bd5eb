// Package interfaces defines the core interfaces and types for the referral registry.
//
// The registry accepts issuer-signed referral attestations, verifies them, and keeps
// an append-only record per (referrer, referee, nonce). The main contracts are:
//
//	type RegistryStore interface {
//	    Insert(ctx, RegistryRecord) (RegistryRecord, error)
//	    Get(ctx, RecordID) (RegistryRecord, error)
//	    ListByReferrer(ctx, Address, Page) (PageResult, error)
//	    Revoke(ctx, RecordID, actor Address, reason string) (RegistryRecord, error)
//	    AuditLog(ctx, RecordID) ([]AuditEntry, error)
//	}
//
//	type IssuerAuthority interface {
//	    Verify(Attestation) bool
//	    Rotate(caller, newIssuer Address, effectiveAt time.Time) error
//	    ...
//	}
//
// Errors are sentinel values (ErrDuplicateRecord, ErrNotFound, ...) wrapped with %w
// and matched with errors.Is.
//
// Record state machine:
//
//	pending -> confirmed -> revoked
//	pending -> revoked
//
// Revoked is terminal.
package interfaces
