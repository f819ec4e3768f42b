package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/models"
	"github.com/wardenhq/warden/pkg/crypto"
	apperrors "github.com/wardenhq/warden/pkg/errors"
)

func TestBanServiceCreateFlipsStatus(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	subject := env.createUser(t, "subject")
	admin := env.createUser(t, "admin")

	ban, err := env.bans.Create(ctx, CreateBanInput{
		UserID:  &subject.ID,
		Reason:  "spam",
		ActorID: admin.ID,
	})
	require.NoError(t, err)
	require.True(t, ban.IsActive)
	require.Nil(t, ban.ExpiresAt)

	require.Equal(t, models.UserStatusBanned, env.userStatus(t, subject.ID))

	banned, err := env.bans.IsUserCurrentlyBanned(ctx, subject.ID)
	require.NoError(t, err)
	require.True(t, banned)
}

func TestBanServiceCreateValidation(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	admin := env.createUser(t, "admin")
	subject := env.createUser(t, "subject")
	expiry := env.clock.Now().Add(time.Hour)

	cases := []struct {
		name  string
		input CreateBanInput
	}{
		{"missing actor", CreateBanInput{UserID: &subject.ID, Reason: "spam"}},
		{"missing reason", CreateBanInput{UserID: &subject.ID, ActorID: admin.ID}},
		{"irrevocable with expiry", CreateBanInput{UserID: &subject.ID, Reason: "spam", ActorID: admin.ID, Irrevocable: true, ExpiresAt: &expiry}},
		{"no subject", CreateBanInput{Reason: "spam", ActorID: admin.ID}},
		{"ip ban without address", CreateBanInput{Reason: "spam", ActorID: admin.ID, IPBan: true, UserID: &subject.ID}},
		{"subjectless ban without ip flag", CreateBanInput{Reason: "spam", ActorID: admin.ID, IPAddress: "198.51.100.7"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.bans.Create(ctx, tc.input)
			require.Error(t, err)

			var appErr *apperrors.AppError
			require.ErrorAs(t, err, &appErr)
			require.Equal(t, 400, appErr.StatusCode)
		})
	}
}

func TestBanServiceCreateUnknownSubject(t *testing.T) {
	env := newServiceEnv(t)
	admin := env.createUser(t, "admin")

	missing := "00000000-0000-0000-0000-000000000000"
	_, err := env.bans.Create(context.Background(), CreateBanInput{
		UserID:  &missing,
		Reason:  "spam",
		ActorID: admin.ID,
	})
	require.ErrorIs(t, err, ErrUserNotFound)

	var count int64
	require.NoError(t, env.db.Model(&models.UserBan{}).Count(&count).Error)
	require.Zero(t, count, "failed transaction must not leave a ledger row")
}

func TestBanServiceRevokeRestoresStatus(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	subject := env.createUser(t, "subject")
	admin := env.createUser(t, "admin")
	ban := env.banUser(t, subject, nil)

	require.NoError(t, env.bans.Revoke(ctx, ban.ID, admin.ID))

	require.Equal(t, models.UserStatusActive, env.userStatus(t, subject.ID))

	stored, err := env.bans.Get(ctx, ban.ID)
	require.NoError(t, err)
	require.False(t, stored.IsActive)
}

func TestBanServiceIrrevocableCannotBeRevoked(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	subject := env.createUser(t, "subject")
	admin := env.createUser(t, "admin")

	ban, err := env.bans.Create(ctx, CreateBanInput{
		UserID:      &subject.ID,
		Reason:      "severe abuse",
		ActorID:     admin.ID,
		Irrevocable: true,
	})
	require.NoError(t, err)

	err = env.bans.Revoke(ctx, ban.ID, admin.ID)
	require.ErrorIs(t, err, ErrBanIrrevocable)
	require.Equal(t, models.UserStatusBanned, env.userStatus(t, subject.ID))
}

func TestBanServiceLazyExpiry(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	subject := env.createUser(t, "subject")
	expiry := env.clock.Now().Add(24 * time.Hour)
	ban := env.banUser(t, subject, &expiry)

	banned, err := env.bans.IsUserCurrentlyBanned(ctx, subject.ID)
	require.NoError(t, err)
	require.True(t, banned)

	// Past the expiry the ban stops counting even though no sweep has
	// deactivated the row yet.
	env.clock.Advance(25 * time.Hour)

	banned, err = env.bans.IsUserCurrentlyBanned(ctx, subject.ID)
	require.NoError(t, err)
	require.False(t, banned)

	stored, err := env.bans.Get(ctx, ban.ID)
	require.NoError(t, err)
	require.True(t, stored.IsActive, "lazy check must not mutate the row")
}

func TestBanServiceIPBan(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	admin := env.createUser(t, "admin")
	_, err := env.bans.Create(ctx, CreateBanInput{
		Reason:    "botnet range",
		ActorID:   admin.ID,
		IPBan:     true,
		IPAddress: "198.51.100.7",
	})
	require.NoError(t, err)

	banned, err := env.bans.IsIPBanned(ctx, "198.51.100.7")
	require.NoError(t, err)
	require.True(t, banned)

	banned, err = env.bans.IsIPBanned(ctx, "198.51.100.8")
	require.NoError(t, err)
	require.False(t, banned)
}

func TestBanLedgerSurvivesActorDeletion(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	subject := env.createUser(t, "subject")
	admin := env.createUser(t, "admin")

	ban, err := env.bans.Create(ctx, CreateBanInput{
		UserID:  &subject.ID,
		Reason:  "spam",
		ActorID: admin.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, ban.BannedBy)

	// Removing the issuing admin must not fail or take the ledger row with it.
	require.NoError(t, env.db.Exec("DELETE FROM users WHERE id = ?", admin.ID).Error)

	stored, err := env.bans.Get(ctx, ban.ID)
	require.NoError(t, err)
	require.Nil(t, stored.BannedBy)
	require.Equal(t, "spam", stored.Reason)
	require.True(t, stored.IsActive)
}

func TestBanServiceAppealURLTokenRotation(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	subject := env.createUser(t, "subject")
	ban := env.banUser(t, subject, nil)

	first, err := env.bans.IssueAppealURLToken(ctx, ban.ID)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	found, err := env.bans.FindByAppealURLToken(ctx, first)
	require.NoError(t, err)
	require.Equal(t, ban.ID, found.ID)

	// Only the digest is persisted.
	stored, err := env.bans.Get(ctx, ban.ID)
	require.NoError(t, err)
	require.Equal(t, crypto.HashToken(first), stored.AppealURLToken)
	require.NotEqual(t, first, stored.AppealURLToken)

	second, err := env.bans.IssueAppealURLToken(ctx, ban.ID)
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	_, err = env.bans.FindByAppealURLToken(ctx, first)
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	found, err = env.bans.FindByAppealURLToken(ctx, second)
	require.NoError(t, err)
	require.Equal(t, ban.ID, found.ID)
}

func TestBanServiceAppealURLTokenExpires(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	subject := env.createUser(t, "subject")
	ban := env.banUser(t, subject, nil)

	token, err := env.bans.IssueAppealURLToken(ctx, ban.ID)
	require.NoError(t, err)

	env.clock.Advance(DefaultAppealURLTokenTTL + time.Minute)

	_, err = env.bans.FindByAppealURLToken(ctx, token)
	require.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestBanServiceList(t *testing.T) {
	env := newServiceEnv(t)
	ctx := context.Background()

	admin := env.createUser(t, "admin")
	for _, name := range []string{"first", "second", "third"} {
		subject := env.createUser(t, name)
		_, err := env.bans.Create(ctx, CreateBanInput{
			UserID:  &subject.ID,
			Reason:  "spam",
			ActorID: admin.ID,
		})
		require.NoError(t, err)
		env.clock.Advance(time.Minute)
	}

	bans, total, err := env.bans.List(ctx, ListBansOptions{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, bans, 2)
	require.True(t, bans[0].BannedAt.After(bans[1].BannedAt), "newest first")

	active := true
	bans, total, err = env.bans.List(ctx, ListBansOptions{Active: &active})
	require.NoError(t, err)
	require.EqualValues(t, 3, total)
	require.Len(t, bans, 3)
}
