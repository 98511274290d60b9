// Copyright (C) 2019 Cubit Storage, Inc.
// See LICENSE for copying information.

package fraghttp

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cubit-storage/cubit/pkg/cubit"
	"github.com/cubit-storage/cubit/pkg/fragstore"
	"github.com/cubit-storage/cubit/storage/teststore"
)

func newServerAndClient(t *testing.T) (*fragstore.Store, *Client) {
	t.Helper()
	store := fragstore.NewStore(zaptest.NewLogger(t), teststore.New())
	server := httptest.NewServer(NewServer(zaptest.NewLogger(t), store).Handler())
	t.Cleanup(server.Close)
	return store, NewClient(server.URL, ClientConfig{MaxRetries: 1})
}

func TestPutGetDeleteOverHTTP(t *testing.T) {
	ctx := context.Background()
	_, client := newServerAndClient(t)

	key := fragstore.Key{ID: cubit.DeriveObjectID([]byte("object")), Version: 1, Index: 2, Tag: fragstore.Tag(cubit.ChecksumBytes([]byte("fragment-bytes")))}
	data := []byte("fragment-bytes")

	require.NoError(t, client.Put(ctx, key, data))
	// idempotent resend
	require.NoError(t, client.Put(ctx, key, data))

	got, err := client.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.NoError(t, client.Delete(ctx, key))
	_, err = client.Get(ctx, key)
	assert.True(t, fragstore.ErrNotFound.Has(err))
}

func TestPutRejectedOverHTTP(t *testing.T) {
	ctx := context.Background()
	_, client := newServerAndClient(t)

	key := fragstore.Key{ID: cubit.DeriveObjectID([]byte("object")), Version: 1, Index: 0, Tag: "00112233aabbccdd"}
	require.NoError(t, client.Put(ctx, key, []byte("original")))

	err := client.Put(ctx, key, []byte("different"))
	assert.True(t, fragstore.ErrRejected.Has(err))
}

func TestCapacityOverHTTP(t *testing.T) {
	ctx := context.Background()
	store, client := newServerAndClient(t)

	key := fragstore.Key{ID: cubit.NewObjectID(), Version: 1, Index: 0}
	require.NoError(t, store.Put(ctx, key, []byte("data")))

	capacity, err := client.Capacity(ctx)
	require.NoError(t, err)
	assert.True(t, capacity.Used > 0)
	assert.True(t, capacity.Total > capacity.Used)
}

func TestGetUnreachableMember(t *testing.T) {
	ctx := context.Background()
	client := NewClient("127.0.0.1:1", ClientConfig{MaxRetries: 0})

	_, err := client.Get(ctx, fragstore.Key{ID: cubit.NewObjectID(), Version: 1, Index: 0, Tag: "00112233aabbccdd"})
	require.Error(t, err)
	assert.False(t, fragstore.ErrNotFound.Has(err))
}
