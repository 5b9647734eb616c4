package relay

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := NewMemoryRegistry()
	r.now = func() time.Time { return now }

	rec := SessionRecord{ID: "s1", OwnerDeviceID: "device-a", CodeHash: []byte("hash"), CreatedAt: now, ExpiresAt: now.Add(time.Minute)}
	require.NoError(t, r.Create(ctx, rec))

	got, err := r.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	_, err = r.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	now = now.Add(time.Minute)
	_, err = r.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrSessionNotFound, "records expire at ExpiresAt")

	require.NoError(t, r.Create(ctx, SessionRecord{ID: "s2", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, r.Delete(ctx, "s2"))
	require.NoError(t, r.Delete(ctx, "s2"))
	_, err = r.Get(ctx, "s2")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

// TestRedisRegistry runs against a live server named by ASSIST_TEST_REDIS_ADDR.
func TestRedisRegistry(t *testing.T) {
	addr := os.Getenv("ASSIST_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ASSIST_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	r, err := NewRedisRegistry(ctx, addr, "", 0)
	require.NoError(t, err)
	defer r.Close()

	rec := SessionRecord{
		ID:            uuid.NewString(),
		OwnerDeviceID: "device-a",
		CodeHash:      []byte("hash"),
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
		ExpiresAt:     time.Now().UTC().Add(time.Minute).Truncate(time.Second),
	}
	require.NoError(t, r.Create(ctx, rec))
	defer r.Delete(ctx, rec.ID)

	got, err := r.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.OwnerDeviceID, got.OwnerDeviceID)
	assert.Equal(t, rec.CodeHash, got.CodeHash)
	assert.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, r.Delete(ctx, rec.ID))
	_, err = r.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = r.Create(ctx, SessionRecord{ID: "expired", ExpiresAt: time.Now().Add(-time.Second)})
	assert.Error(t, err)
}

func TestNewRedisRegistryUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := NewRedisRegistry(ctx, "127.0.0.1:1", "", 0)
	assert.Error(t, err)
}
