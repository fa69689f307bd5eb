package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/peerproof/referral-registry/codec"
	"github.com/peerproof/referral-registry/interfaces"
	"github.com/peerproof/referral-registry/issuer"
	"github.com/peerproof/referral-registry/metrics"
	"github.com/peerproof/referral-registry/notify"
	"github.com/peerproof/referral-registry/store"
)

var (
	t0       = time.Unix(1_700_000_000, 0).UTC()
	referrer = interfaces.Address{0xaa}
	referee  = interfaces.Address{0xbb}
	testLog  = slog.New(slog.NewTextHandler(io.Discard, nil))
)

type fixture struct {
	signer   *issuer.Signer
	admin    *issuer.Signer
	store    *store.MemoryStore
	notifier *notify.MockNotifier
	metrics  *metrics.RegistryMetrics
	gw       *Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	signer, err := issuer.NewSigner()
	require.NoError(t, err)
	admin, err := issuer.NewSigner()
	require.NoError(t, err)

	clock := func() time.Time { return t0.Add(time.Hour) }
	authority, err := issuer.New(signer.Address(), t0,
		issuer.WithAdmin(admin.Address()),
		issuer.WithClock(clock),
		issuer.WithLogger(testLog),
	)
	require.NoError(t, err)

	f := &fixture{
		signer:   signer,
		admin:    admin,
		store:    store.NewMemoryStore(),
		notifier: &notify.MockNotifier{},
		metrics:  metrics.NewRegistryMetrics(prometheus.NewRegistry(), "test"),
	}
	f.gw = New(authority, f.store, f.notifier, testLog).
		WithMetrics(f.metrics).
		WithClock(clock).
		WithDeployment("test-registry")
	return f
}

func (f *fixture) issue(t *testing.T, nonce int64) interfaces.Attestation {
	t.Helper()
	att, err := f.signer.Issue(referrer, referee, big.NewInt(nonce), t0.Add(time.Minute))
	require.NoError(t, err)
	return att
}

func (f *fixture) outcome(label string) float64 {
	return testutil.ToFloat64(f.metrics.Submissions.WithLabelValues(label))
}

func TestSubmit_Accepted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	att := f.issue(t, 1)

	var emitted interfaces.Notification
	f.notifier.On("Notify", ctx, mock.Anything).Run(func(args mock.Arguments) {
		emitted = args.Get(1).(interfaces.Notification)
	}).Return(nil).Once()

	rec, err := f.gw.Submit(ctx, att)
	require.NoError(t, err)

	expectedID, err := codec.RecordIDOf(att)
	require.NoError(t, err)
	assert.Equal(t, expectedID, rec.ID)
	assert.Equal(t, interfaces.StatusConfirmed, rec.Status)
	assert.Equal(t, f.signer.Address(), rec.Issuer)
	assert.Equal(t, att.Signature, rec.Signature)

	stored, err := f.gw.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)

	f.notifier.AssertExpectations(t)
	assert.Equal(t, interfaces.EventRecorded, emitted.Kind)
	assert.Equal(t, rec.ID, emitted.RecordID)
	assert.Len(t, emitted.Envelope, codec.EnvelopeLen)
	assert.Equal(t, 1.0, f.outcome(metrics.OutcomeAccepted))
}

func TestSubmit_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stranger, err := issuer.NewSigner()
	require.NoError(t, err)
	forged, err := stranger.Issue(referrer, referee, big.NewInt(1), t0.Add(time.Minute))
	require.NoError(t, err)

	tampered := f.issue(t, 2)
	tampered.Nonce = big.NewInt(3)

	shortSig := f.issue(t, 4)
	shortSig.Signature = shortSig.Signature[:64]

	selfReferral := f.issue(t, 5)
	selfReferral.Referee = selfReferral.Referrer

	tests := []struct {
		name     string
		att      interfaces.Attestation
		expected error
		outcome  string
	}{
		{"forged signer", forged, interfaces.ErrUnauthorizedAttestation, metrics.OutcomeUnauthorized},
		{"tampered nonce", tampered, interfaces.ErrUnauthorizedAttestation, metrics.OutcomeUnauthorized},
		{"short signature", shortSig, interfaces.ErrMalformedAttestation, metrics.OutcomeMalformed},
		{"self referral", selfReferral, interfaces.ErrMalformedAttestation, metrics.OutcomeMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.outcome(tt.outcome)
			_, err := f.gw.Submit(ctx, tt.att)
			assert.ErrorIs(t, err, tt.expected)
			assert.Equal(t, before+1, f.outcome(tt.outcome))
		})
	}

	assert.Equal(t, 0, f.store.Len())
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestSubmit_DuplicateIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.On("Notify", ctx, mock.Anything).Return(nil).Once()

	att := f.issue(t, 1)
	first, err := f.gw.Submit(ctx, att)
	require.NoError(t, err)

	_, err = f.gw.Submit(ctx, att)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateRecord)

	stored, err := f.gw.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first, stored)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 1.0, f.outcome(metrics.OutcomeDuplicate))
	f.notifier.AssertNumberOfCalls(t, "Notify", 1)
}

func TestSubmit_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil)

	att := f.issue(t, 1)
	const workers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		dupes int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gw.Submit(ctx, att)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, interfaces.ErrDuplicateRecord):
				dupes++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, dupes)
}

func TestSubmit_NotifierFailureDoesNotFailSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.On("Notify", ctx, mock.Anything).Return(errors.New("queue closed"))

	_, err := f.gw.Submit(ctx, f.issue(t, 1))
	assert.NoError(t, err)
}

func TestSubmit_StoreFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ms := &store.MockRegistryStore{}
	ms.On("Insert", ctx, mock.Anything).Return(interfaces.RegistryRecord{}, errors.New("connection reset"))
	gw := New(f.gw.Authority(), ms, f.notifier, testLog).WithClock(f.gw.now)

	_, err := gw.Submit(ctx, f.issue(t, 1))
	assert.Error(t, err)
	f.notifier.AssertNotCalled(t, "Notify", mock.Anything, mock.Anything)
}

func TestSubmitEnvelope(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.On("Notify", ctx, mock.Anything).Return(nil)

	att := f.issue(t, 1)
	envelope, err := codec.MarshalEnvelope(att)
	require.NoError(t, err)

	rec, err := f.gw.SubmitEnvelope(ctx, envelope)
	require.NoError(t, err)
	assert.Equal(t, att.Referrer, rec.Referrer)

	_, err = f.gw.SubmitEnvelope(ctx, envelope[:100])
	assert.ErrorIs(t, err, interfaces.ErrMalformedAttestation)
}

func TestRevoke(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.On("Notify", ctx, mock.Anything).Return(nil)

	rec, err := f.gw.Submit(ctx, f.issue(t, 1))
	require.NoError(t, err)

	stranger, err := issuer.NewSigner()
	require.NoError(t, err)
	_, err = f.gw.Revoke(ctx, stranger.Address(), rec.ID, "nope")
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRevocation)

	revoked, err := f.gw.Revoke(ctx, f.admin.Address(), rec.ID, "fraud")
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRevoked, revoked.Status)

	_, err = f.gw.Revoke(ctx, f.signer.Address(), rec.ID, "again")
	assert.ErrorIs(t, err, interfaces.ErrAlreadyRevoked)

	_, err = f.gw.Revoke(ctx, f.signer.Address(), interfaces.RecordID{0x01}, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	entries, err := f.gw.AuditLog(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, f.admin.Address(), entries[0].Actor)

	f.notifier.AssertCalled(t, "Notify", ctx, mock.MatchedBy(func(n interfaces.Notification) bool {
		return n.Kind == interfaces.EventRevoked && n.RecordID == rec.ID && n.Reason == "fraud"
	}))
}

func TestRevokeSigned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.On("Notify", ctx, mock.Anything).Return(nil)

	rec, err := f.gw.Submit(ctx, f.issue(t, 1))
	require.NoError(t, err)

	// A signature over a different reason recovers a different caller.
	sig, err := f.signer.SignMessage(codec.RevocationMessage("test-registry", rec.ID, "spam"))
	require.NoError(t, err)
	_, err = f.gw.RevokeSigned(ctx, rec.ID, "fraud", sig)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRevocation)

	// Signed for another deployment sharing the same issuer.
	sig, err = f.signer.SignMessage(codec.RevocationMessage("other-registry", rec.ID, "fraud"))
	require.NoError(t, err)
	_, err = f.gw.RevokeSigned(ctx, rec.ID, "fraud", sig)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRevocation)

	_, err = f.gw.RevokeSigned(ctx, rec.ID, "fraud", []byte{0x01})
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRevocation)

	sig, err = f.signer.SignMessage(codec.RevocationMessage("test-registry", rec.ID, "fraud"))
	require.NoError(t, err)
	revoked, err := f.gw.RevokeSigned(ctx, rec.ID, "fraud", sig)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRevoked, revoked.Status)
}

func TestRotateSigned(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.notifier.On("Notify", ctx, mock.Anything).Return(nil)

	next, err := issuer.NewSigner()
	require.NoError(t, err)
	effective := t0.Add(30 * time.Minute)

	msg := codec.RotationMessage(f.gw.RotationFor(next.Address(), effective))
	sig, err := next.SignMessage(msg)
	require.NoError(t, err)
	assert.ErrorIs(t, f.gw.RotateSigned(next.Address(), effective, 0, sig), interfaces.ErrUnauthorizedRotation)

	sig, err = f.signer.SignMessage(codec.RotationMessage(f.gw.RotationFor(next.Address(), time.Time{})))
	require.NoError(t, err)
	assert.ErrorIs(t, f.gw.RotateSigned(next.Address(), time.Time{}, 0, sig), interfaces.ErrInvalidRotation)

	sig, err = f.signer.SignMessage(msg)
	require.NoError(t, err)
	require.NoError(t, f.gw.RotateSigned(next.Address(), effective, 0, sig))
	assert.Equal(t, next.Address(), f.gw.Authority().Current().Issuer)

	// New issuer's attestations are accepted from the effective time on.
	att, err := next.Issue(referrer, referee, big.NewInt(10), effective)
	require.NoError(t, err)
	rec, err := f.gw.Submit(ctx, att)
	require.NoError(t, err)
	assert.Equal(t, next.Address(), rec.Issuer)
}

func TestRotateSigned_ReplayRejected(t *testing.T) {
	f := newFixture(t)
	second, err := issuer.NewSigner()
	require.NoError(t, err)
	third, err := issuer.NewSigner()
	require.NoError(t, err)

	rotate := func(by *issuer.Signer, to interfaces.Address, at time.Time) []byte {
		t.Helper()
		sig, err := by.SignMessage(codec.RotationMessage(f.gw.RotationFor(to, at)))
		require.NoError(t, err)
		require.NoError(t, f.gw.RotateSigned(to, at, f.gw.Authority().Epoch(), sig))
		return sig
	}

	// first -> second, then second -> first: the issuer is back where the
	// captured signature was made, but the epoch moved on.
	firstAt := t0.Add(10 * time.Minute)
	captured := rotate(f.signer, second.Address(), firstAt)
	rotate(second, f.signer.Address(), t0.Add(20*time.Minute))
	require.Equal(t, f.signer.Address(), f.gw.Authority().Current().Issuer)

	err = f.gw.RotateSigned(second.Address(), firstAt, 0, captured)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRotation)
	err = f.gw.RotateSigned(second.Address(), firstAt, f.gw.Authority().Epoch(), captured)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRotation)
	assert.Equal(t, f.signer.Address(), f.gw.Authority().Current().Issuer)

	// An admin signature is bound the same way.
	adminAt := t0.Add(30 * time.Minute)
	adminSig := rotate(f.admin, third.Address(), adminAt)
	rotate(third, second.Address(), t0.Add(40*time.Minute))

	err = f.gw.RotateSigned(third.Address(), adminAt, 2, adminSig)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRotation)
	assert.Equal(t, second.Address(), f.gw.Authority().Current().Issuer)
	assert.Equal(t, uint64(4), f.gw.Authority().Epoch())

	// A rotation signed for another deployment recovers a different caller.
	foreign := f.gw.RotationFor(third.Address(), t0.Add(50*time.Minute))
	foreign.Deployment = "other-registry"
	sig, err := second.SignMessage(codec.RotationMessage(foreign))
	require.NoError(t, err)
	err = f.gw.RotateSigned(third.Address(), foreign.EffectiveAt, foreign.Epoch, sig)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRotation)
	assert.Equal(t, second.Address(), f.gw.Authority().Current().Issuer)
}
