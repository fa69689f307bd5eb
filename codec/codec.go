// Package codec defines the canonical byte layout of referral attestations, the
// hash the issuer signs, and the deterministic record identifier.
//
// Layout v1 (81 bytes, all integers big-endian):
//
//	version(1) | referrer(20) | referee(20) | nonce(32, uint256) | issuedAt(8, unix seconds)
//
// A signed envelope appends the 65-byte secp256k1 signature (R || S || V).
// Changing field order or widths requires a new version byte.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/peerproof/referral-registry/interfaces"
)

const (
	Version1 byte = 0x01

	EncodedLen   = 1 + 20 + 20 + 32 + 8
	SignatureLen = crypto.SignatureLength
	EnvelopeLen  = EncodedLen + SignatureLen
)

var recordIDArgs abi.Arguments

func init() {
	addressTy, _ := abi.NewType("address", "", nil)
	uint256Ty, _ := abi.NewType("uint256", "", nil)
	recordIDArgs = abi.Arguments{
		{Type: addressTy},
		{Type: addressTy},
		{Type: uint256Ty},
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", interfaces.ErrMalformedAttestation, fmt.Sprintf(format, args...))
}

// Validate checks the structural constraints of the signed field set.
func Validate(att interfaces.Attestation) error {
	if att.Referrer.IsZero() {
		return malformed("missing referrer")
	}
	if att.Referee.IsZero() {
		return malformed("missing referee")
	}
	if att.Referrer == att.Referee {
		return malformed("referrer and referee must differ")
	}
	if att.Nonce == nil || att.Nonce.Sign() < 0 || att.Nonce.BitLen() > 256 {
		return malformed("nonce must be a uint256")
	}
	if att.IssuedAt.IsZero() || att.IssuedAt.Unix() < 0 {
		return malformed("missing issuedAt")
	}
	if att.IssuedAt.Nanosecond() != 0 {
		return malformed("issuedAt must have whole-second precision")
	}
	return nil
}

// Encode returns the canonical bytes of (referrer, referee, nonce, issuedAt).
// The signature is not part of the encoding.
func Encode(att interfaces.Attestation) ([]byte, error) {
	if err := Validate(att); err != nil {
		return nil, err
	}

	buf := make([]byte, EncodedLen)
	buf[0] = Version1
	copy(buf[1:21], att.Referrer[:])
	copy(buf[21:41], att.Referee[:])
	att.Nonce.FillBytes(buf[41:73])
	binary.BigEndian.PutUint64(buf[73:81], uint64(att.IssuedAt.Unix()))
	return buf, nil
}

// Decode is the exact inverse of Encode. The returned attestation has no signature.
func Decode(data []byte) (interfaces.Attestation, error) {
	if len(data) < EncodedLen {
		return interfaces.Attestation{}, malformed("truncated encoding: %d bytes, want %d", len(data), EncodedLen)
	}
	if len(data) > EncodedLen {
		return interfaces.Attestation{}, malformed("trailing bytes: %d bytes, want %d", len(data), EncodedLen)
	}
	if data[0] != Version1 {
		return interfaces.Attestation{}, malformed("unsupported version %d", data[0])
	}

	issuedAt := binary.BigEndian.Uint64(data[73:81])
	if issuedAt > math.MaxInt64 {
		return interfaces.Attestation{}, malformed("issuedAt out of range")
	}

	var att interfaces.Attestation
	copy(att.Referrer[:], data[1:21])
	copy(att.Referee[:], data[21:41])
	att.Nonce = new(big.Int).SetBytes(data[41:73])
	att.IssuedAt = time.Unix(int64(issuedAt), 0).UTC()

	if err := Validate(att); err != nil {
		return interfaces.Attestation{}, err
	}
	return att, nil
}

// SigningHash is the EIP-191 personal-message hash of the canonical encoding.
// Wallet tooling can produce it with personal_sign over the encoded bytes.
func SigningHash(att interfaces.Attestation) ([]byte, error) {
	encoded, err := Encode(att)
	if err != nil {
		return nil, err
	}
	return accounts.TextHash(encoded), nil
}

// MarshalEnvelope returns Encode(att) followed by the signature.
func MarshalEnvelope(att interfaces.Attestation) ([]byte, error) {
	if len(att.Signature) != SignatureLen {
		return nil, malformed("signature must be %d bytes, got %d", SignatureLen, len(att.Signature))
	}
	encoded, err := Encode(att)
	if err != nil {
		return nil, err
	}
	return append(encoded, att.Signature...), nil
}

// UnmarshalEnvelope parses a signed envelope; any length other than EnvelopeLen is malformed.
func UnmarshalEnvelope(data []byte) (interfaces.Attestation, error) {
	if len(data) != EnvelopeLen {
		return interfaces.Attestation{}, malformed("envelope must be %d bytes, got %d", EnvelopeLen, len(data))
	}
	att, err := Decode(data[:EncodedLen])
	if err != nil {
		return interfaces.Attestation{}, err
	}
	att.Signature = append([]byte(nil), data[EncodedLen:]...)
	return att, nil
}

// RecordID computes keccak256(abi.encode(address referrer, address referee, uint256 nonce)),
// the same key a Solidity registry derives.
func RecordID(referrer, referee interfaces.Address, nonce *big.Int) (interfaces.RecordID, error) {
	if nonce == nil || nonce.Sign() < 0 || nonce.BitLen() > 256 {
		return interfaces.RecordID{}, malformed("nonce must be a uint256")
	}
	packed, err := recordIDArgs.Pack(common.Address(referrer), common.Address(referee), nonce)
	if err != nil {
		return interfaces.RecordID{}, malformed("cannot pack record id: %v", err)
	}
	return interfaces.RecordID(crypto.Keccak256Hash(packed)), nil
}

// RecordIDOf is RecordID over an attestation's fields.
func RecordIDOf(att interfaces.Attestation) (interfaces.RecordID, error) {
	return RecordID(att.Referrer, att.Referee, att.Nonce)
}
