package vault

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgeruntime/internal/model"
)

func testEncryptor(t *testing.T) *Encryptor {
	t.Helper()
	require.NoError(t, Init(aesKey(0)))
	t.Cleanup(func() { DefaultEncryptor = nil })
	return DefaultEncryptor
}

func TestVaultPutGetRoundTrip(t *testing.T) {
	enc := testEncryptor(t)
	path := filepath.Join(t.TempDir(), "credentials.json")

	v, err := Open(path, enc)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, v.Put(ctx, "vin-1", model.VehicleCredential{Kind: "kuksa"}, "access-token-abc", "refresh-token-xyz"))

	token, err := v.Get("vin-1")
	require.NoError(t, err)
	assert.Equal(t, "access-token-abc", token)

	reopened, err := Open(path, enc)
	require.NoError(t, err)
	token, err = reopened.Get("vin-1")
	require.NoError(t, err)
	assert.Equal(t, "access-token-abc", token)
}

func TestVaultDeleteRemovesCredential(t *testing.T) {
	enc := testEncryptor(t)
	path := filepath.Join(t.TempDir(), "credentials.json")
	v, err := Open(path, enc)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, v.Put(ctx, "vin-2", model.VehicleCredential{}, "tok", ""))
	require.NoError(t, v.Delete("vin-2"))

	_, err = v.Get("vin-2")
	assert.Error(t, err)
}

func TestVaultRefreshLoopUpdatesExpiringCredential(t *testing.T) {
	enc := testEncryptor(t)
	path := filepath.Join(t.TempDir(), "credentials.json")
	v, err := Open(path, enc)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	expiringSoon := time.Now().Add(5 * time.Millisecond)
	require.NoError(t, v.Put(ctx, "vin-3", model.VehicleCredential{ExpiresAt: &expiringSoon}, "old-token", ""))

	refreshed := make(chan struct{}, 1)
	v.StartRefreshLoop(ctx, func(ctx context.Context, vehicleID string) (RefreshResult, error) {
		newExpiry := time.Now().Add(time.Hour)
		refreshed <- struct{}{}
		return RefreshResult{AccessToken: "new-token", ExpiresAt: &newExpiry}, nil
	}, 10*time.Millisecond)
	defer v.Stop()

	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("refresh loop did not fire")
	}
}
