package clients_test

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerproof/referral-registry/api"
	"github.com/peerproof/referral-registry/api/clients"
	"github.com/peerproof/referral-registry/codec"
	"github.com/peerproof/referral-registry/httpserver"
	"github.com/peerproof/referral-registry/interfaces"
	"github.com/peerproof/referral-registry/issuer"
	"github.com/peerproof/referral-registry/registry"
)

var (
	t0      = time.Unix(1_700_000_000, 0).UTC()
	testLog = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func newClient(t *testing.T, signer *issuer.Signer) *clients.RegistryClient {
	t.Helper()
	reg, err := registry.Deploy(signer.Address(),
		registry.WithClock(func() time.Time { return t0.Add(time.Hour) }),
		registry.WithLogger(testLog),
	)
	require.NoError(t, err)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{Log: testLog}, httpserver.NewHandler(reg.Gateway(), nil, testLog), nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return clients.NewRegistryClient(ts.URL + "/")
}

func TestRegistryClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	signer, err := issuer.NewSigner()
	require.NoError(t, err)
	client := newClient(t, signer)

	referrer := interfaces.Address{0xaa}
	att, err := signer.Issue(referrer, interfaces.Address{0xbb}, big.NewInt(1), t0)
	require.NoError(t, err)

	rec, err := client.Submit(ctx, att)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusConfirmed, rec.Status)

	_, err = client.Submit(ctx, att)
	var apiErr *clients.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.ErrorIs(t, err, interfaces.ErrDuplicateRecord)

	second, err := signer.Issue(referrer, interfaces.Address{0xcc}, big.NewInt(1), t0)
	require.NoError(t, err)
	envelope, err := codec.MarshalEnvelope(second)
	require.NoError(t, err)
	_, err = client.SubmitEnvelope(ctx, envelope)
	require.NoError(t, err)

	got, err := client.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)

	page, err := client.ListByReferrer(ctx, referrer, "", 1)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, rec.ID, page.Records[0].ID)
	require.NotEmpty(t, page.Next)

	page, err = client.ListByReferrer(ctx, referrer, page.Next, 1)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Empty(t, page.Next)

	info, err := client.Issuer(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, info.Deployment)
	sig, err := signer.SignMessage(codec.RevocationMessage(info.Deployment, rec.ID, "duplicate account"))
	require.NoError(t, err)
	revoked, err := client.Revoke(ctx, rec.ID, api.RevokeRequest{Reason: "duplicate account", Signature: sig})
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRevoked, revoked.Status)

	entries, err := client.AuditLog(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, signer.Address(), entries[0].Actor)

	_, err = client.Get(ctx, interfaces.RecordID{0x01})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestRegistryClient_Rotate(t *testing.T) {
	ctx := context.Background()
	signer, err := issuer.NewSigner()
	require.NoError(t, err)
	next, err := issuer.NewSigner()
	require.NoError(t, err)
	client := newClient(t, signer)

	before, err := client.Issuer(ctx)
	require.NoError(t, err)
	effectiveAt := t0.Add(time.Hour)
	sig, err := signer.SignMessage(codec.RotationMessage(before.Rotation(next.Address(), effectiveAt)))
	require.NoError(t, err)
	req := api.RotateRequest{NewIssuer: next.Address(), EffectiveAt: effectiveAt.Unix(), Epoch: before.Epoch, Signature: sig}
	info, err := client.Rotate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Epoch)
	assert.Equal(t, next.Address(), info.Current.Issuer)
	assert.True(t, info.Current.ValidFrom.Equal(t0.Add(time.Hour)))

	current, err := client.Issuer(ctx)
	require.NoError(t, err)
	assert.Equal(t, next.Address(), current.Current.Issuer)
	require.Len(t, current.History, 1)

	_, err = client.Rotate(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRotation)

	req.Epoch = current.Epoch
	_, err = client.Rotate(ctx, req)
	assert.ErrorIs(t, err, interfaces.ErrUnauthorizedRotation)
}
