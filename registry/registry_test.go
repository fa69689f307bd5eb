package registry

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerproof/referral-registry/codec"
	"github.com/peerproof/referral-registry/interfaces"
	"github.com/peerproof/referral-registry/issuer"
)

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func mustSigner(t *testing.T, label string) *issuer.Signer {
	t.Helper()
	s, err := issuer.DeriveSigner([]byte("registry-test"), label)
	require.NoError(t, err)
	return s
}

func TestDeployRequiresIssuer(t *testing.T) {
	_, err := Deploy(interfaces.Address{})
	assert.ErrorIs(t, err, interfaces.ErrMissingIssuer)
}

func TestParseIssuer(t *testing.T) {
	for _, input := range []string{"", "   ", "0x1234", "not-an-address", "0x0000000000000000000000000000000000000000"} {
		_, err := ParseIssuer(input)
		assert.ErrorIs(t, err, interfaces.ErrMissingIssuer, "input %q", input)
	}

	addr, err := ParseIssuer(" 0x00000000000000000000000000000000000000Aa ")
	require.NoError(t, err)
	assert.Equal(t, interfaces.Address{19: 0xaa}, addr)
}

// Deploy with I1, submit, resubmit, rotate to I2, and check that I1 can no
// longer sign new attestations.
func TestReferralLifecycle(t *testing.T) {
	ctx := context.Background()
	i1 := mustSigner(t, "i1")
	i2 := mustSigner(t, "i2")
	a := interfaces.Address{0xaa}
	b := interfaces.Address{0xbb}

	T := time.Unix(1_700_000_000, 0).UTC()
	c := &clock{now: T.Add(time.Minute)}

	reg, err := Deploy(i1.Address(), WithClock(c.Now), WithLogger(testLog))
	require.NoError(t, err)

	att, err := i1.Issue(a, b, big.NewInt(1), T)
	require.NoError(t, err)

	rec, err := reg.Submit(ctx, att)
	require.NoError(t, err)
	expectedID, err := codec.RecordID(a, b, big.NewInt(1))
	require.NoError(t, err)
	assert.Equal(t, expectedID, rec.ID)
	assert.Equal(t, interfaces.StatusConfirmed, rec.Status)

	_, err = reg.Submit(ctx, att)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateRecord)

	rotation := T.Add(time.Hour)
	c.Set(rotation)
	require.NoError(t, reg.Rotate(i1.Address(), i2.Address(), rotation))

	c.Set(rotation.Add(time.Minute))
	late, err := i1.Issue(a, b, big.NewInt(2), rotation.Add(time.Second))
	require.NoError(t, err)
	_, err = reg.Submit(ctx, late)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedAttestation)

	fresh, err := i2.Issue(a, b, big.NewInt(2), rotation.Add(time.Second))
	require.NoError(t, err)
	rec2, err := reg.Submit(ctx, fresh)
	require.NoError(t, err)
	assert.Equal(t, i2.Address(), rec2.Issuer)

	page, err := reg.ListByReferrer(ctx, a, interfaces.Page{})
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, rec.ID, page.Records[0].ID)
	assert.Equal(t, rec2.ID, page.Records[1].ID)
}

func TestTamperedAttestationIsUnauthorizedNotDuplicate(t *testing.T) {
	ctx := context.Background()
	i1 := mustSigner(t, "i1")
	T := time.Unix(1_700_000_000, 0).UTC()

	reg, err := Deploy(i1.Address(), WithClock(func() time.Time { return T }), WithLogger(testLog))
	require.NoError(t, err)

	att, err := i1.Issue(interfaces.Address{0xaa}, interfaces.Address{0xbb}, big.NewInt(1), T)
	require.NoError(t, err)
	_, err = reg.Submit(ctx, att)
	require.NoError(t, err)

	att.Referee = interfaces.Address{0xcc}
	_, err = reg.Submit(ctx, att)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedAttestation)
}

func TestDeploymentsAreIndependent(t *testing.T) {
	ctx := context.Background()
	i1 := mustSigner(t, "i1")
	i2 := mustSigner(t, "i2")
	T := time.Unix(1_700_000_000, 0).UTC()
	now := func() time.Time { return T }

	reg1, err := Deploy(i1.Address(), WithClock(now), WithLogger(testLog))
	require.NoError(t, err)
	reg2, err := Deploy(i2.Address(), WithClock(now), WithLogger(testLog))
	require.NoError(t, err)

	att, err := i1.Issue(interfaces.Address{0xaa}, interfaces.Address{0xbb}, big.NewInt(1), T)
	require.NoError(t, err)

	rec, err := reg1.Submit(ctx, att)
	require.NoError(t, err)

	_, err = reg2.Submit(ctx, att)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedAttestation)
	_, err = reg2.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.NotEqual(t, reg1.Deployment(), reg2.Deployment())
}

func TestSignedRevocationIsBoundToDeployment(t *testing.T) {
	ctx := context.Background()
	i1 := mustSigner(t, "i1")
	T := time.Unix(1_700_000_000, 0).UTC()
	now := func() time.Time { return T }

	regA, err := Deploy(i1.Address(), WithDeployment("registry-a"), WithClock(now), WithLogger(testLog))
	require.NoError(t, err)
	regB, err := Deploy(i1.Address(), WithDeployment("registry-b"), WithClock(now), WithLogger(testLog))
	require.NoError(t, err)
	assert.Equal(t, "registry-a", regA.Deployment())

	att, err := i1.Issue(interfaces.Address{0xaa}, interfaces.Address{0xbb}, big.NewInt(1), T)
	require.NoError(t, err)
	recA, err := regA.Submit(ctx, att)
	require.NoError(t, err)
	_, err = regB.Submit(ctx, att)
	require.NoError(t, err)

	sig, err := i1.SignMessage(codec.RevocationMessage("registry-a", recA.ID, "fraud"))
	require.NoError(t, err)
	_, err = regB.RevokeSigned(ctx, recA.ID, "fraud", sig)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRevocation)

	_, err = regA.RevokeSigned(ctx, recA.ID, "fraud", sig)
	require.NoError(t, err)
}

func TestRevocationViaRegistry(t *testing.T) {
	ctx := context.Background()
	i1 := mustSigner(t, "i1")
	admin := mustSigner(t, "admin")
	T := time.Unix(1_700_000_000, 0).UTC()

	reg, err := Deploy(i1.Address(), WithAdmin(admin.Address()), WithClock(func() time.Time { return T }), WithLogger(testLog))
	require.NoError(t, err)

	_, err = reg.Revoke(ctx, admin.Address(), interfaces.RecordID{0x01}, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	att, err := i1.Issue(interfaces.Address{0xaa}, interfaces.Address{0xbb}, big.NewInt(1), T)
	require.NoError(t, err)
	rec, err := reg.Submit(ctx, att)
	require.NoError(t, err)

	sig, err := admin.SignMessage(codec.RevocationMessage(reg.Deployment(), rec.ID, "fraud"))
	require.NoError(t, err)
	_, err = reg.RevokeSigned(ctx, rec.ID, "fraud", sig)
	require.NoError(t, err)

	_, err = reg.Revoke(ctx, admin.Address(), rec.ID, "again")
	assert.ErrorIs(t, err, interfaces.ErrAlreadyRevoked)

	got, err := reg.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRevoked, got.Status)

	it := reg.Records(interfaces.Address{0xaa})
	var seen int
	for it.Next(ctx) {
		assert.Equal(t, interfaces.StatusRevoked, it.Record().Status)
		seen++
	}
	require.NoError(t, it.Err())
	assert.Equal(t, 1, seen)
}
