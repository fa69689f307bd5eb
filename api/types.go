package api

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/peerproof/referral-registry/codec"
	"github.com/peerproof/referral-registry/interfaces"
)

// AttestationRequest is the JSON form of a signed attestation. Nonce is a
// decimal string so that the full uint256 range survives JSON clients.
type AttestationRequest struct {
	Referrer  interfaces.Address `json:"referrer"`
	Referee   interfaces.Address `json:"referee"`
	Nonce     string             `json:"nonce"`
	IssuedAt  int64              `json:"issued_at"`
	Signature hexutil.Bytes      `json:"signature"`
}

func NewAttestationRequest(att interfaces.Attestation) AttestationRequest {
	req := AttestationRequest{
		Referrer:  att.Referrer,
		Referee:   att.Referee,
		IssuedAt:  att.IssuedAt.Unix(),
		Signature: att.Signature,
	}
	if att.Nonce != nil {
		req.Nonce = att.Nonce.String()
	}
	return req
}

// Attestation converts the request. A nonce that is not a base 10 integer is malformed.
func (r AttestationRequest) Attestation() (interfaces.Attestation, error) {
	nonce, ok := new(big.Int).SetString(r.Nonce, 10)
	if !ok {
		return interfaces.Attestation{}, fmt.Errorf("%w: nonce %q is not a decimal integer", interfaces.ErrMalformedAttestation, r.Nonce)
	}
	return interfaces.Attestation{
		Referrer:  r.Referrer,
		Referee:   r.Referee,
		Nonce:     nonce,
		IssuedAt:  time.Unix(r.IssuedAt, 0).UTC(),
		Signature: r.Signature,
	}, nil
}

// RecordResponse is the JSON form of a registry record.
type RecordResponse struct {
	ID               interfaces.RecordID     `json:"id"`
	Referrer         interfaces.Address      `json:"referrer"`
	Referee          interfaces.Address      `json:"referee"`
	Nonce            string                  `json:"nonce"`
	IssuedAt         int64                   `json:"issued_at"`
	Issuer           interfaces.Address      `json:"issuer"`
	Signature        hexutil.Bytes           `json:"signature"`
	Status           interfaces.RecordStatus `json:"status"`
	RecordedAt       time.Time               `json:"recorded_at"`
	RevokedAt        *time.Time              `json:"revoked_at,omitempty"`
	RevocationReason string                  `json:"revocation_reason,omitempty"`
}

func NewRecordResponse(rec interfaces.RegistryRecord) RecordResponse {
	return RecordResponse{
		ID:               rec.ID,
		Referrer:         rec.Referrer,
		Referee:          rec.Referee,
		Nonce:            rec.Nonce.String(),
		IssuedAt:         rec.IssuedAt.Unix(),
		Issuer:           rec.Issuer,
		Signature:        rec.Signature,
		Status:           rec.Status,
		RecordedAt:       rec.RecordedAt,
		RevokedAt:        rec.RevokedAt,
		RevocationReason: rec.RevocationReason,
	}
}

// RecordPage is one page of a referrer's records. Next is empty on the last page.
type RecordPage struct {
	Records []RecordResponse `json:"records"`
	Next    string           `json:"next_cursor,omitempty"`
}

func NewRecordPage(page interfaces.PageResult) RecordPage {
	out := RecordPage{Records: make([]RecordResponse, 0, len(page.Records))}
	for _, rec := range page.Records {
		out.Records = append(out.Records, NewRecordResponse(rec))
	}
	out.Next = page.Next.String()
	return out
}

// RevokeRequest carries a signature over codec.RevocationMessage(deployment, id, reason)
// by the current issuer or the admin.
type RevokeRequest struct {
	Reason    string        `json:"reason"`
	Signature hexutil.Bytes `json:"signature"`
}

// RotateRequest carries a signature over the codec.RotationMessage for the
// issuer state it was made against, see IssuerResponse.Rotation.
type RotateRequest struct {
	NewIssuer   interfaces.Address `json:"new_issuer"`
	EffectiveAt int64              `json:"effective_at"`
	Epoch       uint64             `json:"epoch"`
	Signature   hexutil.Bytes      `json:"signature"`
}

// EffectiveTime returns the rotation time, zero when unset.
func (r RotateRequest) EffectiveTime() time.Time {
	if r.EffectiveAt == 0 {
		return time.Time{}
	}
	return time.Unix(r.EffectiveAt, 0).UTC()
}

// IssuerResponse describes the current issuer and every past grant.
type IssuerResponse struct {
	Deployment string             `json:"deployment"`
	Epoch      uint64             `json:"epoch"`
	Current    interfaces.Grant   `json:"current"`
	History    []interfaces.Grant `json:"history"`
}

// Rotation is the rotation to sign for moving from this state to newIssuer.
func (r IssuerResponse) Rotation(newIssuer interfaces.Address, effectiveAt time.Time) codec.Rotation {
	return codec.Rotation{
		Deployment:  r.Deployment,
		Epoch:       r.Epoch,
		Current:     r.Current.Issuer,
		NewIssuer:   newIssuer,
		EffectiveAt: effectiveAt,
	}
}

type AuditResponse struct {
	Entries []interfaces.AuditEntry `json:"entries"`
}

// ErrorResponse is returned with every non-2xx status. Code is a stable
// machine-readable name such as "duplicate_record".
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RegistryAPI is the client view of the registry HTTP API.
type RegistryAPI interface {
	Submit(ctx context.Context, att interfaces.Attestation) (*RecordResponse, error)
	SubmitEnvelope(ctx context.Context, envelope []byte) (*RecordResponse, error)
	Get(ctx context.Context, id interfaces.RecordID) (*RecordResponse, error)
	ListByReferrer(ctx context.Context, referrer interfaces.Address, cursor string, limit int) (*RecordPage, error)
	AuditLog(ctx context.Context, id interfaces.RecordID) ([]interfaces.AuditEntry, error)
	Revoke(ctx context.Context, id interfaces.RecordID, req RevokeRequest) (*RecordResponse, error)
	Issuer(ctx context.Context) (*IssuerResponse, error)
	Rotate(ctx context.Context, req RotateRequest) (*IssuerResponse, error)
}
