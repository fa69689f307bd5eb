// Package issuer holds the set of trusted attestation signers and the signing key helpers.
package issuer

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/peerproof/referral-registry/codec"
	"github.com/peerproof/referral-registry/interfaces"
)

// DefaultMaxClockSkew bounds how far in the future an attestation may be issued.
const DefaultMaxClockSkew = 5 * time.Minute

// grantSet is an immutable snapshot; rotations swap in a new one.
type grantSet struct {
	current interfaces.Grant
	history []interfaces.Grant
}

// epoch counts the rotations applied so far.
func (g *grantSet) epoch() uint64 {
	return uint64(len(g.history))
}

// Authority implements interfaces.IssuerAuthority.
type Authority struct {
	mu     sync.Mutex
	grants *atomic.Pointer[grantSet]

	admin             interfaces.Address
	retroactiveWindow time.Duration
	maxClockSkew      time.Duration
	now               func() time.Time
	log               *slog.Logger
}

type Option func(*Authority)

// WithAdmin sets an address allowed to rotate issuers and revoke records besides the current issuer.
func WithAdmin(admin interfaces.Address) Option {
	return func(a *Authority) { a.admin = admin }
}

// WithRetroactiveWindow keeps a rotated-out issuer's attestations acceptable for d after rotation.
func WithRetroactiveWindow(d time.Duration) Option {
	return func(a *Authority) { a.retroactiveWindow = d }
}

func WithMaxClockSkew(d time.Duration) Option {
	return func(a *Authority) { a.maxClockSkew = d }
}

func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(a *Authority) { a.log = log }
}

// New creates an authority trusting initial for attestations issued at or after validFrom.
func New(initial interfaces.Address, validFrom time.Time, opts ...Option) (*Authority, error) {
	if initial.IsZero() {
		return nil, interfaces.ErrMissingIssuer
	}

	a := &Authority{
		maxClockSkew: DefaultMaxClockSkew,
		now:          time.Now,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.grants = atomic.NewPointer(&grantSet{
		current: interfaces.Grant{
			Kind:      interfaces.CurrentIssuer,
			Issuer:    initial,
			ValidFrom: validFrom.UTC(),
		},
	})
	return a, nil
}

func (a *Authority) Verify(att interfaces.Attestation) bool {
	_, ok := a.VerifySigner(att)
	return ok
}

// VerifySigner recovers the signer and checks it against the grant in force at att.IssuedAt.
// Any decoding or recovery failure is reported as not verified.
func (a *Authority) VerifySigner(att interfaces.Attestation) (interfaces.Address, bool) {
	signer, err := codec.RecoverAttestationSigner(att)
	if err != nil {
		a.log.Debug("attestation signature rejected", "err", err)
		return interfaces.Address{}, false
	}

	now := a.now()
	if att.IssuedAt.After(now.Add(a.maxClockSkew)) {
		a.log.Debug("attestation issued in the future", "issuedAt", att.IssuedAt, "signer", signer)
		return interfaces.Address{}, false
	}

	grants := a.grants.Load()
	if grants.current.Issuer == signer && grants.current.Covers(att.IssuedAt) {
		return signer, true
	}

	for _, g := range grants.history {
		if g.Issuer != signer || !g.Covers(att.IssuedAt) {
			continue
		}
		if now.After(g.ValidTo.Add(a.retroactiveWindow)) {
			continue
		}
		return signer, true
	}

	return interfaces.Address{}, false
}

// Rotate makes newIssuer the current issuer from effectiveAt on. A zero
// effectiveAt means now. The previous issuer keeps its grant up to effectiveAt.
func (a *Authority) Rotate(caller, newIssuer interfaces.Address, effectiveAt time.Time) error {
	return a.rotate(caller, newIssuer, effectiveAt, nil)
}

// RotateAtEpoch is Rotate applied only while the authority is still at epoch.
// A rotation authorized for an earlier state fails with ErrUnauthorizedRotation.
func (a *Authority) RotateAtEpoch(caller, newIssuer interfaces.Address, effectiveAt time.Time, epoch uint64) error {
	return a.rotate(caller, newIssuer, effectiveAt, &epoch)
}

func (a *Authority) rotate(caller, newIssuer interfaces.Address, effectiveAt time.Time, epoch *uint64) error {
	if newIssuer.IsZero() {
		return interfaces.ErrMissingIssuer
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	grants := a.grants.Load()
	if epoch != nil && *epoch != grants.epoch() {
		return fmt.Errorf("%w: rotation signed for epoch %d, authority is at epoch %d",
			interfaces.ErrUnauthorizedRotation, *epoch, grants.epoch())
	}
	if caller.IsZero() || (caller != grants.current.Issuer && caller != a.admin) {
		return fmt.Errorf("%w: caller %s", interfaces.ErrUnauthorizedRotation, caller)
	}
	if newIssuer == grants.current.Issuer {
		return fmt.Errorf("%w: %s is already the current issuer", interfaces.ErrInvalidRotation, newIssuer)
	}

	if effectiveAt.IsZero() {
		effectiveAt = a.now().Truncate(time.Second)
	}
	effectiveAt = effectiveAt.UTC()
	if effectiveAt.Before(grants.current.ValidFrom) {
		return fmt.Errorf("%w: effective time %s precedes current grant start %s",
			interfaces.ErrInvalidRotation, effectiveAt.Format(time.RFC3339), grants.current.ValidFrom.Format(time.RFC3339))
	}

	retired := grants.current
	retired.Kind = interfaces.HistoricalIssuer
	retired.ValidTo = effectiveAt

	history := make([]interfaces.Grant, 0, len(grants.history)+1)
	history = append(history, grants.history...)
	history = append(history, retired)

	a.grants.Store(&grantSet{
		current: interfaces.Grant{
			Kind:      interfaces.CurrentIssuer,
			Issuer:    newIssuer,
			ValidFrom: effectiveAt,
		},
		history: history,
	})

	a.log.Info("issuer rotated", "previous", retired.Issuer, "issuer", newIssuer, "effectiveAt", effectiveAt, "caller", caller)
	return nil
}

func (a *Authority) Current() interfaces.Grant {
	return a.grants.Load().current
}

func (a *Authority) Epoch() uint64 {
	return a.grants.Load().epoch()
}

func (a *Authority) History() []interfaces.Grant {
	history := a.grants.Load().history
	return append([]interfaces.Grant(nil), history...)
}

func (a *Authority) IsAuthority(addr interfaces.Address) bool {
	if addr.IsZero() {
		return false
	}
	return addr == a.grants.Load().current.Issuer || addr == a.admin
}

// Admin returns the configured admin address, zero if none.
func (a *Authority) Admin() interfaces.Address {
	return a.admin
}

var _ interfaces.IssuerAuthority = (*Authority)(nil)
