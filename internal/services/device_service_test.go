package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/models"
)

func (e *serviceEnv) login(t *testing.T, userID, deviceID string) *models.UserDevice {
	t.Helper()

	device, err := e.devices.RecordLogin(context.Background(), RecordLoginInput{
		UserID:    userID,
		DeviceID:  deviceID,
		Browser:   "Firefox",
		Platform:  "Linux",
		UserAgent: "Mozilla/5.0",
		IPAddress: "203.0.113.10",
	})
	require.NoError(t, err)
	return device
}

func TestDeviceRecordLoginUpserts(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")
	first := env.login(t, user.ID, "fp-1")

	env.clock.Advance(time.Hour)
	second, err := env.devices.RecordLogin(ctx, RecordLoginInput{
		UserID:    user.ID,
		DeviceID:  "fp-1",
		Browser:   "Chrome",
		IPAddress: "203.0.113.11",
	})
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID, "same (user, device) converges on one row")
	require.Equal(t, "Chrome", second.Browser)
	require.Equal(t, "203.0.113.11", second.IPAddress)
	require.True(t, second.LastUsedAt.After(first.LastUsedAt))

	var count int64
	require.NoError(t, env.db.Model(&models.UserDevice{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestDeviceIDsScopedPerUser(t *testing.T) {
	env := newServiceEnv(t)

	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")

	aliceDevice := env.login(t, alice.ID, "shared-laptop")
	bobDevice := env.login(t, bob.ID, "shared-laptop")

	require.NotEqual(t, aliceDevice.ID, bobDevice.ID)
}

func TestDeviceReLoginClearsRevocation(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")
	device := env.login(t, user.ID, "fp-1")

	require.NoError(t, env.devices.Revoke(ctx, user.ID, device.ID))
	_, err := env.devices.FindActive(ctx, device.ID)
	require.ErrorIs(t, err, ErrSessionRevoked)

	again := env.login(t, user.ID, "fp-1")
	require.Equal(t, device.ID, again.ID)
	require.True(t, again.Active())

	found, err := env.devices.FindActive(ctx, device.ID)
	require.NoError(t, err)
	require.Nil(t, found.RevokedAt)
}

func TestDeviceTrustRoundTrip(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")
	device := env.login(t, user.ID, "fp-1")

	token, err := env.devices.MarkTrusted(ctx, user.ID, device.ID)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	trusted, ok := env.devices.VerifyTrust(ctx, user.ID, "fp-1", token)
	require.True(t, ok)
	require.Equal(t, device.ID, trusted.ID)

	// Wrong user, wrong device id, bogus token: all miss.
	stranger := env.createUser(t, "bob")
	_, ok = env.devices.VerifyTrust(ctx, stranger.ID, "fp-1", token)
	require.False(t, ok)
	_, ok = env.devices.VerifyTrust(ctx, user.ID, "fp-2", token)
	require.False(t, ok)
	_, ok = env.devices.VerifyTrust(ctx, user.ID, "fp-1", "not-a-token")
	require.False(t, ok)
}

func TestDeviceTrustExpires(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")
	device := env.login(t, user.ID, "fp-1")

	token, err := env.devices.MarkTrusted(ctx, user.ID, device.ID)
	require.NoError(t, err)

	env.clock.Advance(DefaultTrustTTL + time.Minute)

	_, ok := env.devices.VerifyTrust(ctx, user.ID, "fp-1", token)
	require.False(t, ok)
}

func TestDeviceReTrustReplacesToken(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")
	device := env.login(t, user.ID, "fp-1")

	first, err := env.devices.MarkTrusted(ctx, user.ID, device.ID)
	require.NoError(t, err)
	second, err := env.devices.MarkTrusted(ctx, user.ID, device.ID)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, ok := env.devices.VerifyTrust(ctx, user.ID, "fp-1", first)
	require.False(t, ok, "replaced token no longer honoured")
	_, ok = env.devices.VerifyTrust(ctx, user.ID, "fp-1", second)
	require.True(t, ok)

	var count int64
	require.NoError(t, env.db.Model(&models.TrustedDevice{}).
		Where("user_device_id = ?", device.ID).Count(&count).Error)
	require.EqualValues(t, 1, count, "one trust row per device")
}

func TestDeviceSessionLimitEvictsLRU(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")

	// Four sessions with strictly increasing recency.
	var records []*models.UserDevice
	for _, fp := range []string{"fp-1", "fp-2", "fp-3", "fp-4"} {
		records = append(records, env.login(t, user.ID, fp))
		env.clock.Advance(time.Minute)
	}

	evicted, err := env.devices.EnforceSessionLimit(ctx, user.ID, 2)
	require.NoError(t, err)
	require.Equal(t, 2, evicted)

	// The two least recently used sessions are gone, the newest two remain.
	_, err = env.devices.FindActive(ctx, records[0].ID)
	require.ErrorIs(t, err, ErrSessionRevoked)
	_, err = env.devices.FindActive(ctx, records[1].ID)
	require.ErrorIs(t, err, ErrSessionRevoked)
	_, err = env.devices.FindActive(ctx, records[2].ID)
	require.NoError(t, err)
	_, err = env.devices.FindActive(ctx, records[3].ID)
	require.NoError(t, err)

	count, err := env.devices.ActiveSessionCount(ctx, user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// Under the limit nothing more is evicted.
	evicted, err = env.devices.EnforceSessionLimit(ctx, user.ID, 2)
	require.NoError(t, err)
	require.Zero(t, evicted)
}

func TestDeviceEvictionPreservesTrust(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")
	old := env.login(t, user.ID, "fp-old")
	token, err := env.devices.MarkTrusted(ctx, user.ID, old.ID)
	require.NoError(t, err)

	env.clock.Advance(time.Minute)
	env.login(t, user.ID, "fp-new")

	evicted, err := env.devices.EnforceSessionLimit(ctx, user.ID, 1)
	require.NoError(t, err)
	require.Equal(t, 1, evicted)

	// The evicted device lost its session but keeps its trust, so logging
	// back in can still skip the second factor.
	_, err = env.devices.FindActive(ctx, old.ID)
	require.ErrorIs(t, err, ErrSessionRevoked)

	relogged := env.login(t, user.ID, "fp-old")
	trusted, ok := env.devices.VerifyTrust(ctx, user.ID, "fp-old", token)
	require.True(t, ok)
	require.Equal(t, relogged.ID, trusted.ID)
}

func TestDeviceRevokeWithdrawsTrust(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")
	device := env.login(t, user.ID, "fp-1")
	token, err := env.devices.MarkTrusted(ctx, user.ID, device.ID)
	require.NoError(t, err)

	require.NoError(t, env.devices.Revoke(ctx, user.ID, device.ID))

	// Unlike limit eviction, explicit revocation also kills the remember token.
	env.login(t, user.ID, "fp-1")
	_, ok := env.devices.VerifyTrust(ctx, user.ID, "fp-1", token)
	require.False(t, ok)
}

func TestDeviceRevokeRequiresOwnership(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")
	device := env.login(t, alice.ID, "fp-1")

	err := env.devices.Revoke(ctx, bob.ID, device.ID)
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDeviceRevokeAllExceptCurrent(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")
	first := env.login(t, user.ID, "fp-1")
	trustToken, err := env.devices.MarkTrusted(ctx, user.ID, first.ID)
	require.NoError(t, err)
	second := env.login(t, user.ID, "fp-2")
	current := env.login(t, user.ID, "fp-3")

	revoked, err := env.devices.RevokeAllExcept(ctx, user.ID, current.ID)
	require.NoError(t, err)
	require.Equal(t, 2, revoked)

	_, err = env.devices.FindActive(ctx, current.ID)
	require.NoError(t, err)
	_, err = env.devices.FindActive(ctx, first.ID)
	require.ErrorIs(t, err, ErrSessionRevoked)
	_, err = env.devices.FindActive(ctx, second.ID)
	require.ErrorIs(t, err, ErrSessionRevoked)

	// Trust survives the bulk logout.
	env.login(t, user.ID, "fp-1")
	_, ok := env.devices.VerifyTrust(ctx, user.ID, "fp-1", trustToken)
	require.True(t, ok)
}

func TestDeviceTouch(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")
	device := env.login(t, user.ID, "fp-1")

	env.clock.Advance(time.Hour)
	require.NoError(t, env.devices.Touch(ctx, device.ID))

	found, err := env.devices.FindActive(ctx, device.ID)
	require.NoError(t, err)
	require.True(t, found.LastUsedAt.After(device.LastUsedAt))

	require.NoError(t, env.devices.Revoke(ctx, user.ID, device.ID))
	require.ErrorIs(t, env.devices.Touch(ctx, device.ID), ErrSessionRevoked)
}

func TestDeviceListForUser(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	user := env.createUser(t, "alice")
	env.login(t, user.ID, "fp-1")
	env.clock.Advance(time.Minute)
	env.login(t, user.ID, "fp-2")

	devices, err := env.devices.ListForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, devices, 2)
	require.Equal(t, "fp-2", devices[0].DeviceID, "most recently used first")
}
