package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/peerproof/referral-registry/interfaces"
)

// Domain tags keep admin messages from ever colliding with an attestation encoding,
// which always starts with a version byte.
const (
	rotationDomain   = "peerproof:rotate:v2"
	revocationDomain = "peerproof:revoke:v2"
)

var ErrInvalidSignature = errors.New("invalid signature")

// RecoverSigner returns the address whose key produced sig over hash.
// Both V conventions (0/1 and 27/28) are accepted.
func RecoverSigner(hash []byte, sig []byte) (interfaces.Address, error) {
	if len(sig) != SignatureLen {
		return interfaces.Address{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, SignatureLen, len(sig))
	}

	normalized := make([]byte, SignatureLen)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return interfaces.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return interfaces.Address(crypto.PubkeyToAddress(*pub)), nil
}

// RecoverAttestationSigner recovers the signer of an attestation.
func RecoverAttestationSigner(att interfaces.Attestation) (interfaces.Address, error) {
	hash, err := SigningHash(att)
	if err != nil {
		return interfaces.Address{}, err
	}
	return RecoverSigner(hash, att.Signature)
}

// Rotation is the signed content of an issuer rotation. It names the
// deployment and the grant state (epoch and current issuer) it applies to, so
// one signature authorizes exactly one transition.
type Rotation struct {
	Deployment  string
	Epoch       uint64
	Current     interfaces.Address
	NewIssuer   interfaces.Address
	EffectiveAt time.Time
}

// DeploymentTag is the 32-byte identifier of a deployment inside admin messages.
func DeploymentTag(deployment string) []byte {
	return crypto.Keccak256([]byte(deployment))
}

// RotationMessage is the payload an issuer or admin signs to apply r.
// A zero EffectiveAt is encoded as 0, which signed rotations reject.
func RotationMessage(r Rotation) []byte {
	msg := make([]byte, 0, len(rotationDomain)+32+8+20+20+8)
	msg = append(msg, rotationDomain...)
	msg = append(msg, DeploymentTag(r.Deployment)...)
	msg = binary.BigEndian.AppendUint64(msg, r.Epoch)
	msg = append(msg, r.Current[:]...)
	msg = append(msg, r.NewIssuer[:]...)
	var ts uint64
	if !r.EffectiveAt.IsZero() {
		ts = uint64(r.EffectiveAt.Unix())
	}
	msg = binary.BigEndian.AppendUint64(msg, ts)
	return msg
}

// RevocationMessage is the payload signed to revoke a record of deployment.
func RevocationMessage(deployment string, id interfaces.RecordID, reason string) []byte {
	reasonHash := sha256.Sum256([]byte(reason))
	msg := make([]byte, 0, len(revocationDomain)+32+32+32)
	msg = append(msg, revocationDomain...)
	msg = append(msg, DeploymentTag(deployment)...)
	msg = append(msg, id[:]...)
	msg = append(msg, reasonHash[:]...)
	return msg
}

// RecoverMessageSigner recovers the signer of an EIP-191 signed admin message.
func RecoverMessageSigner(msg []byte, sig []byte) (interfaces.Address, error) {
	return RecoverSigner(accounts.TextHash(msg), sig)
}
