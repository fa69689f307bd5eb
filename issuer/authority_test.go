package issuer

import (
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerproof/referral-registry/interfaces"
)

var (
	t0       = time.Unix(1_700_000_000, 0).UTC()
	referrer = interfaces.Address{0xaa}
	referee  = interfaces.Address{0xbb}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestAuthority(t *testing.T, initial *Signer, clock *fakeClock, opts ...Option) *Authority {
	t.Helper()
	opts = append([]Option{
		WithClock(clock.Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	a, err := New(initial.Address(), t0, opts...)
	require.NoError(t, err)
	return a
}

func mustSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner()
	require.NoError(t, err)
	return s
}

func mustIssue(t *testing.T, s *Signer, nonce int64, issuedAt time.Time) interfaces.Attestation {
	t.Helper()
	att, err := s.Issue(referrer, referee, big.NewInt(nonce), issuedAt)
	require.NoError(t, err)
	return att
}

func TestNewRequiresIssuer(t *testing.T) {
	_, err := New(interfaces.Address{}, t0)
	assert.ErrorIs(t, err, interfaces.ErrMissingIssuer)
}

func TestVerify(t *testing.T) {
	issuer := mustSigner(t)
	stranger := mustSigner(t)
	clock := &fakeClock{now: t0.Add(time.Hour)}
	a := newTestAuthority(t, issuer, clock)

	att := mustIssue(t, issuer, 1, t0.Add(time.Minute))

	signer, ok := a.VerifySigner(att)
	assert.True(t, ok)
	assert.Equal(t, issuer.Address(), signer)

	t.Run("wrong signer", func(t *testing.T) {
		assert.False(t, a.Verify(mustIssue(t, stranger, 1, t0.Add(time.Minute))))
	})

	t.Run("tampered fields", func(t *testing.T) {
		tampered := att
		tampered.Nonce = big.NewInt(2)
		assert.False(t, a.Verify(tampered))

		tampered = att
		tampered.Referee = interfaces.Address{0xcc}
		assert.False(t, a.Verify(tampered))

		tampered = att
		tampered.IssuedAt = att.IssuedAt.Add(time.Second)
		assert.False(t, a.Verify(tampered))
	})

	t.Run("garbage signature", func(t *testing.T) {
		bad := att
		bad.Signature = []byte{1, 2, 3}
		assert.False(t, a.Verify(bad))

		bad.Signature = make([]byte, 65)
		assert.False(t, a.Verify(bad))
	})

	t.Run("malformed attestation", func(t *testing.T) {
		bad := att
		bad.Nonce = nil
		assert.False(t, a.Verify(bad))
	})

	t.Run("before grant start", func(t *testing.T) {
		assert.False(t, a.Verify(mustIssue(t, issuer, 3, t0.Add(-time.Second))))
	})

	t.Run("clock skew", func(t *testing.T) {
		assert.True(t, a.Verify(mustIssue(t, issuer, 4, clock.Now().Add(DefaultMaxClockSkew))))
		assert.False(t, a.Verify(mustIssue(t, issuer, 5, clock.Now().Add(DefaultMaxClockSkew+time.Second))))
	})
}

func TestRotate(t *testing.T) {
	oldIssuer := mustSigner(t)
	newIssuer := mustSigner(t)
	clock := &fakeClock{now: t0.Add(time.Hour)}
	a := newTestAuthority(t, oldIssuer, clock)

	preRotation := mustIssue(t, oldIssuer, 1, t0.Add(10*time.Minute))
	require.True(t, a.Verify(preRotation))

	effective := t0.Add(time.Hour)
	require.NoError(t, a.Rotate(oldIssuer.Address(), newIssuer.Address(), effective))

	assert.Equal(t, newIssuer.Address(), a.Current().Issuer)
	assert.Equal(t, interfaces.CurrentIssuer, a.Current().Kind)
	assert.True(t, effective.Equal(a.Current().ValidFrom))

	history := a.History()
	require.Len(t, history, 1)
	assert.Equal(t, interfaces.HistoricalIssuer, history[0].Kind)
	assert.Equal(t, oldIssuer.Address(), history[0].Issuer)
	assert.True(t, effective.Equal(history[0].ValidTo))

	assert.True(t, a.Verify(mustIssue(t, newIssuer, 2, effective)))
	assert.False(t, a.Verify(mustIssue(t, newIssuer, 3, effective.Add(-time.Second))))
	assert.False(t, a.Verify(mustIssue(t, oldIssuer, 4, effective)))

	// The rotation took effect exactly now, so with no retroactive window the
	// old issuer's earlier attestations are still inside [ValidFrom, ValidTo) and now <= ValidTo.
	assert.True(t, a.Verify(preRotation))

	clock.Advance(time.Second)
	assert.False(t, a.Verify(preRotation))
}

func TestRotateRetroactiveWindow(t *testing.T) {
	oldIssuer := mustSigner(t)
	newIssuer := mustSigner(t)
	clock := &fakeClock{now: t0.Add(time.Hour)}
	a := newTestAuthority(t, oldIssuer, clock, WithRetroactiveWindow(10*time.Minute))

	pre := mustIssue(t, oldIssuer, 1, t0.Add(30*time.Minute))
	require.NoError(t, a.Rotate(oldIssuer.Address(), newIssuer.Address(), time.Time{}))

	clock.Advance(9 * time.Minute)
	assert.True(t, a.Verify(pre))

	clock.Advance(2 * time.Minute)
	assert.False(t, a.Verify(pre))
}

func TestRotateAuthorization(t *testing.T) {
	issuer := mustSigner(t)
	admin := mustSigner(t)
	stranger := mustSigner(t)
	next := mustSigner(t)
	clock := &fakeClock{now: t0.Add(time.Hour)}
	a := newTestAuthority(t, issuer, clock, WithAdmin(admin.Address()))

	tests := []struct {
		name      string
		caller    interfaces.Address
		newIssuer interfaces.Address
		effective time.Time
		expected  error
	}{
		{"stranger", stranger.Address(), next.Address(), time.Time{}, interfaces.ErrUnauthorizedRotation},
		{"zero caller", interfaces.Address{}, next.Address(), time.Time{}, interfaces.ErrUnauthorizedRotation},
		{"zero new issuer", issuer.Address(), interfaces.Address{}, time.Time{}, interfaces.ErrMissingIssuer},
		{"same issuer", issuer.Address(), issuer.Address(), time.Time{}, interfaces.ErrInvalidRotation},
		{"before grant start", issuer.Address(), next.Address(), t0.Add(-time.Minute), interfaces.ErrInvalidRotation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Rotate(tt.caller, tt.newIssuer, tt.effective)
			assert.ErrorIs(t, err, tt.expected)
			assert.Equal(t, issuer.Address(), a.Current().Issuer)
			assert.Empty(t, a.History())
		})
	}

	require.NoError(t, a.Rotate(admin.Address(), next.Address(), time.Time{}))
	assert.Equal(t, next.Address(), a.Current().Issuer)
	assert.True(t, a.Current().ValidFrom.Equal(clock.Now()))

	// The retired issuer lost its rights.
	assert.ErrorIs(t, a.Rotate(issuer.Address(), stranger.Address(), time.Time{}), interfaces.ErrUnauthorizedRotation)
	assert.False(t, a.IsAuthority(issuer.Address()))
	assert.True(t, a.IsAuthority(next.Address()))
	assert.True(t, a.IsAuthority(admin.Address()))
	assert.False(t, a.IsAuthority(interfaces.Address{}))
}

func TestRotateAtEpoch(t *testing.T) {
	first := mustSigner(t)
	second := mustSigner(t)
	admin := mustSigner(t)
	clock := &fakeClock{now: t0.Add(time.Hour)}
	a := newTestAuthority(t, first, clock, WithAdmin(admin.Address()))
	assert.Equal(t, uint64(0), a.Epoch())

	require.NoError(t, a.RotateAtEpoch(first.Address(), second.Address(), clock.Now(), 0))
	assert.Equal(t, uint64(1), a.Epoch())

	clock.Advance(time.Minute)
	require.NoError(t, a.RotateAtEpoch(second.Address(), first.Address(), clock.Now(), 1))
	assert.Equal(t, first.Address(), a.Current().Issuer)

	// The same caller and target as epoch 0 no longer apply.
	clock.Advance(time.Minute)
	err := a.RotateAtEpoch(first.Address(), second.Address(), clock.Now(), 0)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRotation)
	err = a.RotateAtEpoch(admin.Address(), second.Address(), clock.Now(), 1)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRotation)
	assert.Equal(t, first.Address(), a.Current().Issuer)
	assert.Equal(t, uint64(2), a.Epoch())
}

func TestConcurrentVerifyAndRotate(t *testing.T) {
	signers := []*Signer{mustSigner(t), mustSigner(t), mustSigner(t), mustSigner(t)}
	clock := &fakeClock{now: t0.Add(time.Hour)}
	a := newTestAuthority(t, signers[0], clock)

	att := mustIssue(t, signers[0], 1, t0.Add(time.Minute))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				a.Verify(att)
				a.Current()
				a.History()
			}
		}()
	}

	for i := 1; i < len(signers); i++ {
		require.NoError(t, a.Rotate(signers[i-1].Address(), signers[i].Address(), time.Time{}))
	}
	wg.Wait()

	assert.Equal(t, signers[3].Address(), a.Current().Issuer)
	assert.Len(t, a.History(), 3)
}
