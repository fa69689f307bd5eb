package interfaces

import "errors"

var (
	// ErrMalformedAttestation is returned for structural or codec failures. Client error, never retried.
	ErrMalformedAttestation = errors.New("malformed attestation")

	// ErrUnauthorizedAttestation is returned when the signature does not verify against a valid issuer.
	ErrUnauthorizedAttestation = errors.New("unauthorized attestation")

	// ErrDuplicateRecord is returned when a record with the same ID is already stored.
	// Callers resubmitting an accepted attestation should treat it as success-adjacent.
	ErrDuplicateRecord = errors.New("duplicate record")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyRevoked is returned when revoking a record that is already revoked.
	ErrAlreadyRevoked = errors.New("record already revoked")

	// ErrUnauthorizedRotation is returned when the caller may not rotate the issuer.
	ErrUnauthorizedRotation = errors.New("unauthorized issuer rotation")

	// ErrUnauthorizedRevocation is returned when the caller may not revoke records.
	ErrUnauthorizedRevocation = errors.New("unauthorized revocation")

	// ErrInvalidRotation is returned for rotations that would break the grant history ordering.
	ErrInvalidRotation = errors.New("invalid issuer rotation")

	// ErrMissingIssuer is returned when bootstrap or rotation is attempted without a valid issuer identity.
	ErrMissingIssuer = errors.New("missing issuer")
)
