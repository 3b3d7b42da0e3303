package cache

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPingsServer(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Options{Addr: mr.Addr(), DB: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	assert.True(t, mr.DB(2).Exists("k"))
}

func TestNewFailsWhenServerDown(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), Options{Addr: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platform/cache: ping")
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(context.Background(), Options{})
	require.Error(t, err)
}

func TestHealthyNilClient(t *testing.T) {
	assert.Error(t, Healthy(context.Background(), nil))
}
