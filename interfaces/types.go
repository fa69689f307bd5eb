package interfaces

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address is a 20-byte EVM account address identifying referrers, referees and issuers.
type Address [20]byte

// NewAddressFromBytes creates an address from a 20-byte slice.
func NewAddressFromBytes(addr []byte) (Address, error) {
	if len(addr) != 20 {
		return Address{}, errors.New("invalid address length: must be 20 bytes")
	}

	var res Address
	copy(res[:], addr)
	return res, nil
}

// NewAddressFromHex parses a 40-char hex string, with or without 0x prefix.
func NewAddressFromHex(addr string) (Address, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(addr), "0x"), "0X")
	if len(clean) != 40 {
		return Address{}, errors.New("invalid address length: hex string must be 40 characters")
	}

	addrBytes, err := hex.DecodeString(clean)
	if err != nil {
		return Address{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewAddressFromBytes(addrBytes)
}

// String returns the EIP-55 checksummed hex form.
func (addr Address) String() string {
	return common.Address(addr).Hex()
}

// Bytes returns the raw 20-byte address.
func (addr Address) Bytes() []byte {
	return addr[:]
}

// IsZero reports whether the address is unset.
func (addr Address) IsZero() bool {
	return addr == Address{}
}

func (addr Address) MarshalText() ([]byte, error) {
	return []byte(addr.String()), nil
}

func (addr *Address) UnmarshalText(text []byte) error {
	parsed, err := NewAddressFromHex(string(text))
	if err != nil {
		return err
	}
	*addr = parsed
	return nil
}

// RecordID is the deterministic 32-byte key of a registry record:
// keccak256(abi.encode(referrer, referee, nonce)).
type RecordID [32]byte

func NewRecordIDFromHex(source string) (RecordID, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(source), "0x")
	if len(clean) != 64 {
		return RecordID{}, errors.New("invalid record ID length: hex string must be 64 characters")
	}

	idBytes, err := hex.DecodeString(clean)
	if err != nil {
		return RecordID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id RecordID
	copy(id[:], idBytes)
	return id, nil
}

// String returns 0x-prefixed hex.
func (id RecordID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Bytes returns raw 32-byte hash.
func (id RecordID) Bytes() []byte {
	return id[:]
}

func (id RecordID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *RecordID) UnmarshalText(text []byte) error {
	parsed, err := NewRecordIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Attestation is an issuer-signed claim that Referrer referred Referee.
// IssuedAt has whole-second precision; Signature is a 65-byte secp256k1
// signature over the canonical encoding.
type Attestation struct {
	Referrer  Address
	Referee   Address
	Nonce     *big.Int
	IssuedAt  time.Time
	Signature []byte
}

// RecordStatus is the lifecycle state of a registry record.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusConfirmed RecordStatus = "confirmed"
	StatusRevoked   RecordStatus = "revoked"
)

// CanTransitionTo reports whether the state machine allows moving to next.
// Revoked is terminal; nothing moves back to pending.
func (s RecordStatus) CanTransitionTo(next RecordStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusConfirmed || next == StatusRevoked
	case StatusConfirmed:
		return next == StatusRevoked
	default:
		return false
	}
}

func ParseRecordStatus(s string) (RecordStatus, error) {
	switch RecordStatus(s) {
	case StatusPending, StatusConfirmed, StatusRevoked:
		return RecordStatus(s), nil
	default:
		return "", fmt.Errorf("unknown record status %q", s)
	}
}

// RegistryRecord is an accepted attestation as held by the registry store.
type RegistryRecord struct {
	ID               RecordID     `json:"id"`
	Referrer         Address      `json:"referrer"`
	Referee          Address      `json:"referee"`
	Nonce            *big.Int     `json:"nonce"`
	IssuedAt         time.Time    `json:"issued_at"`
	Issuer           Address      `json:"issuer"`
	Signature        []byte       `json:"signature"`
	Status           RecordStatus `json:"status"`
	RecordedAt       time.Time    `json:"recorded_at"`
	Seq              uint64       `json:"seq"`
	RevokedAt        *time.Time   `json:"revoked_at,omitempty"`
	RevocationReason string       `json:"revocation_reason,omitempty"`
}

// Clone returns a deep copy so callers never share the store's nonce or signature buffers.
func (r RegistryRecord) Clone() RegistryRecord {
	out := r
	if r.Nonce != nil {
		out.Nonce = new(big.Int).Set(r.Nonce)
	}
	if r.Signature != nil {
		out.Signature = append([]byte(nil), r.Signature...)
	}
	if r.RevokedAt != nil {
		revokedAt := *r.RevokedAt
		out.RevokedAt = &revokedAt
	}
	return out
}

// Attestation reconstructs the signed attestation the record was created from.
func (r RegistryRecord) Attestation() Attestation {
	return Attestation{
		Referrer:  r.Referrer,
		Referee:   r.Referee,
		Nonce:     new(big.Int).Set(r.Nonce),
		IssuedAt:  r.IssuedAt,
		Signature: append([]byte(nil), r.Signature...),
	}
}

// AuditAction names an audited record mutation.
type AuditAction string

const AuditRevoke AuditAction = "revoke"

// AuditEntry is an immutable log line describing a record mutation.
type AuditEntry struct {
	ID       string      `json:"id"`
	RecordID RecordID    `json:"record_id"`
	Action   AuditAction `json:"action"`
	Actor    Address     `json:"actor"`
	Reason   string      `json:"reason"`
	At       time.Time   `json:"at"`
}
