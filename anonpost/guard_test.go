package anonpost

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t testing.TB) (*Guard, Store, *testClock) {
	t.Helper()
	store := newTestStore(t)
	clock := newTestClock()
	g := NewGuard(store, DefaultPostCooldown, discardLogger())
	g.now = clock.Now
	require.NoError(t, g.Load(context.Background()))
	return g, store, clock
}

func TestBanDuration(t *testing.T) {
	t.Parallel()
	assert.True(t, BanOneDay.Valid())
	assert.True(t, BanOneMonth.Valid())
	assert.True(t, BanPermanent.Valid())
	assert.False(t, BanDuration("1_year").Valid())

	assert.Equal(t, "1 Day", BanOneDay.Name())
	assert.Equal(t, "1 Month", BanOneMonth.Name())
	assert.Equal(t, "Permanent", BanPermanent.Name())
	assert.Equal(t, "1_year", BanDuration("1_year").Name())
}

func TestGuard_Ban(t *testing.T) {
	t.Parallel()
	g, store, clock := newTestGuard(t)
	ctx := context.Background()

	ban, err := g.Ban(ctx, "1", BanOneDay)
	require.NoError(t, err)
	require.NotNil(t, ban.ExpiresAt)
	assert.Equal(t, clock.Now().Add(24*time.Hour).UnixMilli(), *ban.ExpiresAt)

	ban, err = g.Ban(ctx, "2", BanOneMonth)
	require.NoError(t, err)
	require.NotNil(t, ban.ExpiresAt)
	assert.Equal(t, clock.Now().Add(30*24*time.Hour).UnixMilli(), *ban.ExpiresAt)

	ban, err = g.Ban(ctx, "3", BanPermanent)
	require.NoError(t, err)
	assert.Nil(t, ban.ExpiresAt)

	_, err = g.Ban(ctx, "4", BanDuration("forever-ish"))
	assert.Error(t, err)

	// written through to the store
	stored, err := store.LoadBans(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 3)

	for _, id := range []string{"1", "2", "3"} {
		banned, banErr := g.IsBanned(ctx, id)
		require.NoError(t, banErr)
		assert.True(t, banned, "expected %s to be banned", id)
	}

	banned, err := g.IsBanned(ctx, "4")
	require.NoError(t, err)
	assert.False(t, banned)

	bans := g.Bans()
	require.Len(t, bans, 3)
	assert.Equal(t, "1", bans[0].UserID)
	assert.Equal(t, "3", bans[2].UserID)
}

func TestGuard_Load(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.UpsertBan(ctx, Ban{UserID: "1"}))

	g := NewGuard(store, DefaultPostCooldown, nil)
	banned, err := g.IsBanned(ctx, "1")
	require.NoError(t, err)
	assert.False(t, banned, "bans aren't visible until loaded")

	require.NoError(t, g.Load(ctx))
	banned, err = g.IsBanned(ctx, "1")
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestGuard_ExpiredBanRemoved(t *testing.T) {
	t.Parallel()
	g, store, clock := newTestGuard(t)
	ctx := context.Background()

	_, err := g.Ban(ctx, "1", BanOneDay)
	require.NoError(t, err)

	clock.Advance(24*time.Hour - time.Millisecond)
	banned, err := g.IsBanned(ctx, "1")
	require.NoError(t, err)
	assert.True(t, banned)

	clock.Advance(time.Millisecond)
	banned, err = g.IsBanned(ctx, "1")
	require.NoError(t, err)
	assert.False(t, banned)

	assert.Empty(t, g.Bans())
	stored, err := store.LoadBans(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)

	// idempotent
	banned, err = g.IsBanned(ctx, "1")
	require.NoError(t, err)
	assert.False(t, banned)
	assert.Empty(t, g.Bans())
}

func TestGuard_ExpiredBanLoadedFromStore(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	clock := newTestClock()

	past := clock.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, store.UpsertBan(ctx, Ban{UserID: "1", ExpiresAt: &past}))

	g := NewGuard(store, DefaultPostCooldown, discardLogger())
	g.now = clock.Now
	require.NoError(t, g.Load(ctx))
	require.Len(t, g.Bans(), 1)

	banned, err := g.IsBanned(ctx, "1")
	require.NoError(t, err)
	assert.False(t, banned)

	stored, err := store.LoadBans(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestGuard_Unban(t *testing.T) {
	t.Parallel()
	g, store, _ := newTestGuard(t)
	ctx := context.Background()

	existed, err := g.Unban(ctx, "1")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = g.Ban(ctx, "1", BanPermanent)
	require.NoError(t, err)

	existed, err = g.Unban(ctx, "1")
	require.NoError(t, err)
	assert.True(t, existed)

	banned, err := g.IsBanned(ctx, "1")
	require.NoError(t, err)
	assert.False(t, banned)

	stored, err := store.LoadBans(ctx)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestGuard_PurgeExpired(t *testing.T) {
	t.Parallel()
	g, store, clock := newTestGuard(t)
	ctx := context.Background()

	_, err := g.Ban(ctx, "1", BanOneDay)
	require.NoError(t, err)
	_, err = g.Ban(ctx, "2", BanOneMonth)
	require.NoError(t, err)
	_, err = g.Ban(ctx, "3", BanPermanent)
	require.NoError(t, err)

	removed, err := g.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	clock.Advance(48 * time.Hour)
	removed, err = g.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	bans := g.Bans()
	require.Len(t, bans, 2)
	assert.Equal(t, "2", bans[0].UserID)
	assert.Equal(t, "3", bans[1].UserID)

	stored, err := store.LoadBans(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestGuard_Cooldown(t *testing.T) {
	t.Parallel()
	g, _, clock := newTestGuard(t)
	ctx := context.Background()

	_, ok := g.CooldownRemaining("1")
	assert.False(t, ok)
	require.NoError(t, g.Check(ctx, "1"))

	g.StartCooldown("1")

	previous := 11
	for elapsed := time.Duration(0); elapsed < DefaultPostCooldown; elapsed += 1500 * time.Millisecond {
		err := g.Check(ctx, "1")
		require.ErrorIs(t, err, ErrNotEligible)

		remaining, onCooldown := g.CooldownRemaining("1")
		require.True(t, onCooldown)
		secs := cooldownSeconds(remaining)
		assert.Less(t, secs, previous, "remaining seconds should strictly decrease")
		assert.Equal(
			t,
			fmt.Sprintf(msgCooldown, secs),
			userMessage(err),
		)
		previous = secs
		clock.Advance(1500 * time.Millisecond)
	}

	clock.Advance(DefaultPostCooldown)
	_, ok = g.CooldownRemaining("1")
	assert.False(t, ok)
	assert.NoError(t, g.Check(ctx, "1"))

	// other users aren't affected
	g.StartCooldown("1")
	assert.NoError(t, g.Check(ctx, "2"))
}

func TestGuard_CooldownCannotBeDisabled(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	for _, cooldown := range []time.Duration{0, -time.Second} {
		g := NewGuard(store, cooldown, discardLogger())
		clock := newTestClock()
		g.now = clock.Now

		g.StartCooldown("1")
		remaining, ok := g.CooldownRemaining("1")
		require.True(t, ok, cooldown.String())
		assert.Equal(t, DefaultPostCooldown, remaining)

		clock.Advance(DefaultPostCooldown)
		_, ok = g.CooldownRemaining("1")
		assert.False(t, ok)
	}
}

func TestGuard_CheckBannedBeforeCooldown(t *testing.T) {
	t.Parallel()
	g, _, _ := newTestGuard(t)
	ctx := context.Background()

	g.StartCooldown("1")
	_, err := g.Ban(ctx, "1", BanPermanent)
	require.NoError(t, err)

	err = g.Check(ctx, "1")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Equal(t, msgBanned, userMessage(err))
}

func TestCooldownSeconds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		d    time.Duration
		want int
	}{
		{10 * time.Second, 10},
		{9*time.Second + time.Millisecond, 10},
		{9 * time.Second, 9},
		{time.Millisecond, 1},
		{0, 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, cooldownSeconds(tc.d), "cooldownSeconds(%s)", tc.d)
	}
}

func TestBan_Expired(t *testing.T) {
	t.Parallel()
	now := time.Now()
	past := now.Add(-time.Second).UnixMilli()
	future := now.Add(time.Second).UnixMilli()

	assert.True(t, Ban{UserID: "1", ExpiresAt: &past}.Expired(now))
	assert.False(t, Ban{UserID: "1", ExpiresAt: &future}.Expired(now))
	assert.False(t, Ban{UserID: "1"}.Expired(now))
}
