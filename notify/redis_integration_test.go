//go:build integration

package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func TestRedisStreamSink(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := NewRedisClient(ctx, url)
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Health(ctx))

	sink := NewRedisStreamSink(client, "", 100)
	for i := byte(1); i <= 3; i++ {
		require.NoError(t, sink.Notify(ctx, testNotification(i)))
	}

	entries, err := client.XRange(ctx, DefaultRedisStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	first := entries[0].Values
	assert.Equal(t, "recorded", first["kind"])
	assert.Equal(t, testNotification(1).RecordID.String(), first["id"])
}
