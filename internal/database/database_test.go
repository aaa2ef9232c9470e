package database

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestConnectRejectsEmptyURL(t *testing.T) {
	_, err := Connect("  ")
	require.Error(t, err)
}

func TestConnectSelectsSQLite(t *testing.T) {
	db, err := Connect("sqlite://file:database_test?mode=memory&cache=shared")
	require.NoError(t, err)
	require.Equal(t, "sqlite", db.Dialector.Name())
}

func TestConnectRedisPings(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := ConnectRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
}

func TestConnectRedisRejectsBadURL(t *testing.T) {
	_, err := ConnectRedis(context.Background(), "://nope")
	require.Error(t, err)
}

func TestConnectNATSRequiresURL(t *testing.T) {
	_, err := ConnectNATS("", "relay")
	require.Error(t, err)
}
