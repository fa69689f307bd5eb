// Package gateway is the single entry point for submitting attestations and
// performing privileged record operations. It ties together the codec, the
// issuer authority, the store and notification delivery.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/peerproof/referral-registry/codec"
	"github.com/peerproof/referral-registry/interfaces"
	"github.com/peerproof/referral-registry/metrics"
	"github.com/peerproof/referral-registry/notify"
)

type Gateway struct {
	deployment string
	authority  interfaces.IssuerAuthority
	store      interfaces.RegistryStore
	notifier   interfaces.Notifier
	metrics    *metrics.RegistryMetrics
	now        func() time.Time
	log        *slog.Logger
}

// New creates a gateway. notifier may be nil.
func New(authority interfaces.IssuerAuthority, store interfaces.RegistryStore, notifier interfaces.Notifier, log *slog.Logger) *Gateway {
	return &Gateway{
		authority: authority,
		store:     store,
		notifier:  notifier,
		now:       time.Now,
		log:       log,
	}
}

func (g *Gateway) WithMetrics(m *metrics.RegistryMetrics) *Gateway {
	g.metrics = m
	return g
}

func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// WithDeployment sets the identifier signed admin messages must name.
func (g *Gateway) WithDeployment(id string) *Gateway {
	g.deployment = id
	return g
}

func (g *Gateway) Deployment() string {
	return g.deployment
}

// Submit verifies an attestation and records it. Errors wrap
// ErrMalformedAttestation, ErrUnauthorizedAttestation or ErrDuplicateRecord;
// on any error the store is unchanged.
func (g *Gateway) Submit(ctx context.Context, att interfaces.Attestation) (interfaces.RegistryRecord, error) {
	start := time.Now()

	envelope, err := codec.MarshalEnvelope(att)
	if err != nil {
		g.metrics.ObserveSubmission(metrics.OutcomeMalformed, start)
		return interfaces.RegistryRecord{}, err
	}

	issuer, ok := g.authority.VerifySigner(att)
	if !ok {
		g.metrics.ObserveSubmission(metrics.OutcomeUnauthorized, start)
		g.log.Info("attestation rejected", "referrer", att.Referrer, "referee", att.Referee, "nonce", att.Nonce)
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: signature does not match a valid issuer", interfaces.ErrUnauthorizedAttestation)
	}

	id, err := codec.RecordIDOf(att)
	if err != nil {
		g.metrics.ObserveSubmission(metrics.OutcomeMalformed, start)
		return interfaces.RegistryRecord{}, err
	}

	rec, err := g.store.Insert(ctx, interfaces.RegistryRecord{
		ID:        id,
		Referrer:  att.Referrer,
		Referee:   att.Referee,
		Nonce:     att.Nonce,
		IssuedAt:  att.IssuedAt.UTC(),
		Issuer:    issuer,
		Signature: att.Signature,
		Status:    interfaces.StatusConfirmed,
	})
	if err != nil {
		if errors.Is(err, interfaces.ErrDuplicateRecord) {
			g.metrics.ObserveSubmission(metrics.OutcomeDuplicate, start)
		} else {
			g.metrics.ObserveSubmission(metrics.OutcomeError, start)
			g.log.Error("failed to insert record", "err", err, "id", id)
		}
		return interfaces.RegistryRecord{}, err
	}

	g.metrics.ObserveSubmission(metrics.OutcomeAccepted, start)
	g.log.Info("attestation recorded", "id", rec.ID, "referrer", rec.Referrer, "referee", rec.Referee, "issuer", rec.Issuer)

	n := notify.NewNotification(interfaces.EventRecorded, rec, g.now())
	n.Envelope = envelope
	g.emit(ctx, n)

	return rec, nil
}

// SubmitEnvelope decodes a signed envelope and submits it.
func (g *Gateway) SubmitEnvelope(ctx context.Context, envelope []byte) (interfaces.RegistryRecord, error) {
	att, err := codec.UnmarshalEnvelope(envelope)
	if err != nil {
		g.metrics.ObserveSubmission(metrics.OutcomeMalformed, time.Now())
		return interfaces.RegistryRecord{}, err
	}
	return g.Submit(ctx, att)
}

func (g *Gateway) Get(ctx context.Context, id interfaces.RecordID) (interfaces.RegistryRecord, error) {
	return g.store.Get(ctx, id)
}

func (g *Gateway) ListByReferrer(ctx context.Context, referrer interfaces.Address, page interfaces.Page) (interfaces.PageResult, error) {
	return g.store.ListByReferrer(ctx, referrer, page)
}

func (g *Gateway) AuditLog(ctx context.Context, id interfaces.RecordID) ([]interfaces.AuditEntry, error) {
	return g.store.AuditLog(ctx, id)
}

// Revoke marks a record revoked on behalf of caller, who must be the current issuer or the admin.
func (g *Gateway) Revoke(ctx context.Context, caller interfaces.Address, id interfaces.RecordID, reason string) (interfaces.RegistryRecord, error) {
	if !g.authority.IsAuthority(caller) {
		g.metrics.IncRevocation(metrics.OutcomeUnauthorized)
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: caller %s", interfaces.ErrUnauthorizedRevocation, caller)
	}

	rec, err := g.store.Revoke(ctx, id, caller, reason)
	if err != nil {
		g.metrics.IncRevocation(metrics.OutcomeError)
		return interfaces.RegistryRecord{}, err
	}

	g.metrics.IncRevocation(metrics.OutcomeAccepted)
	g.log.Info("record revoked", "id", id, "caller", caller, "reason", reason)
	g.emit(ctx, notify.NewNotification(interfaces.EventRevoked, rec, g.now()))
	return rec, nil
}

// RevokeSigned revokes with the caller recovered from a signature over codec.RevocationMessage.
func (g *Gateway) RevokeSigned(ctx context.Context, id interfaces.RecordID, reason string, sig []byte) (interfaces.RegistryRecord, error) {
	caller, err := codec.RecoverMessageSigner(codec.RevocationMessage(g.deployment, id, reason), sig)
	if err != nil {
		g.metrics.IncRevocation(metrics.OutcomeUnauthorized)
		return interfaces.RegistryRecord{}, fmt.Errorf("%w: %v", interfaces.ErrUnauthorizedRevocation, err)
	}
	return g.Revoke(ctx, caller, id, reason)
}

// Rotate replaces the current issuer on behalf of caller.
func (g *Gateway) Rotate(caller, newIssuer interfaces.Address, effectiveAt time.Time) error {
	if err := g.authority.Rotate(caller, newIssuer, effectiveAt); err != nil {
		g.metrics.IncRotation(metrics.OutcomeError)
		return err
	}
	g.metrics.IncRotation(metrics.OutcomeAccepted)
	return nil
}

// RotationFor describes rotating to newIssuer at effectiveAt from the current
// grant state. Its codec.RotationMessage is what RotateSigned expects signed.
func (g *Gateway) RotationFor(newIssuer interfaces.Address, effectiveAt time.Time) codec.Rotation {
	return codec.Rotation{
		Deployment:  g.deployment,
		Epoch:       g.authority.Epoch(),
		Current:     g.authority.Current().Issuer,
		NewIssuer:   newIssuer,
		EffectiveAt: effectiveAt,
	}
}

// RotateSigned applies a rotation signed for epoch. The caller is recovered
// from a signature over codec.RotationMessage naming this deployment, epoch
// and the current issuer, so a signature applies to one transition only.
func (g *Gateway) RotateSigned(newIssuer interfaces.Address, effectiveAt time.Time, epoch uint64, sig []byte) error {
	if effectiveAt.IsZero() {
		g.metrics.IncRotation(metrics.OutcomeError)
		return fmt.Errorf("%w: signed rotations need an explicit effective time", interfaces.ErrInvalidRotation)
	}

	rotation := codec.Rotation{
		Deployment:  g.deployment,
		Epoch:       epoch,
		Current:     g.authority.Current().Issuer,
		NewIssuer:   newIssuer,
		EffectiveAt: effectiveAt,
	}
	caller, err := codec.RecoverMessageSigner(codec.RotationMessage(rotation), sig)
	if err != nil {
		g.metrics.IncRotation(metrics.OutcomeUnauthorized)
		return fmt.Errorf("%w: %v", interfaces.ErrUnauthorizedRotation, err)
	}

	if err := g.authority.RotateAtEpoch(caller, newIssuer, effectiveAt, epoch); err != nil {
		if errors.Is(err, interfaces.ErrUnauthorizedRotation) {
			g.metrics.IncRotation(metrics.OutcomeUnauthorized)
		} else {
			g.metrics.IncRotation(metrics.OutcomeError)
		}
		return err
	}
	g.metrics.IncRotation(metrics.OutcomeAccepted)
	return nil
}

func (g *Gateway) Authority() interfaces.IssuerAuthority {
	return g.authority
}

// emit hands n to the notifier. Delivery failures never affect the caller.
func (g *Gateway) emit(ctx context.Context, n interfaces.Notification) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.Notify(ctx, n); err != nil {
		g.log.Warn("failed to emit notification", "err", err, "kind", n.Kind, "id", n.RecordID, "notifier", g.notifier.Name())
	}
}
