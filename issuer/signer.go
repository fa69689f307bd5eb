package issuer

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"

	"github.com/peerproof/referral-registry/codec"
	"github.com/peerproof/referral-registry/interfaces"
)

var ErrInvalidKey = errors.New("invalid issuer key")

// Signer holds an issuer's secp256k1 key and produces attestation signatures.
type Signer struct {
	key     *ecdsa.PrivateKey
	address interfaces.Address
}

// NewSigner generates a fresh random key.
func NewSigner() (*Signer, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("could not generate key: %w", err)
	}
	return SignerFromKey(key), nil
}

func SignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{
		key:     key,
		address: interfaces.Address(crypto.PubkeyToAddress(key.PublicKey)),
	}
}

// SignerFromHex loads a hex private key, with or without 0x prefix.
func SignerFromHex(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return SignerFromKey(key), nil
}

// DeriveSigner deterministically derives a key from seed and label with HKDF-SHA256.
// Meant for local development and tests where a stable issuer address is convenient.
func DeriveSigner(seed []byte, label string) (*Signer, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("%w: empty seed", ErrInvalidKey)
	}

	reader := hkdf.New(sha256.New, seed, []byte("peerproof-issuer"), []byte(label))
	buf := make([]byte, 32)
	// A candidate outside the curve order is vanishingly rare; read the next block.
	for i := 0; i < 16; i++ {
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, fmt.Errorf("could not derive key: %w", err)
		}
		key, err := crypto.ToECDSA(buf)
		if err == nil {
			return SignerFromKey(key), nil
		}
	}
	return nil, fmt.Errorf("%w: derivation exhausted", ErrInvalidKey)
}

func (s *Signer) Address() interfaces.Address {
	return s.address
}

// HexKey returns the 0x-prefixed private key.
func (s *Signer) HexKey() string {
	return hexutil.Encode(crypto.FromECDSA(s.key))
}

// Sign fills att.Signature with a signature over the attestation's signing hash.
func (s *Signer) Sign(att *interfaces.Attestation) error {
	hash, err := codec.SigningHash(*att)
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return fmt.Errorf("could not sign attestation: %w", err)
	}
	att.Signature = sig
	return nil
}

// Issue builds and signs an attestation. issuedAt is truncated to the second.
func (s *Signer) Issue(referrer, referee interfaces.Address, nonce *big.Int, issuedAt time.Time) (interfaces.Attestation, error) {
	att := interfaces.Attestation{
		Referrer: referrer,
		Referee:  referee,
		Nonce:    nonce,
		IssuedAt: issuedAt.Truncate(time.Second).UTC(),
	}
	if err := s.Sign(&att); err != nil {
		return interfaces.Attestation{}, err
	}
	return att, nil
}

// SignMessage signs msg as an EIP-191 personal message, as used for rotation and revocation requests.
func (s *Signer) SignMessage(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return nil, fmt.Errorf("could not sign message: %w", err)
	}
	return sig, nil
}
