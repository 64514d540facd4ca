package anonpost

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// BanDuration is one of the ban lengths offered to moderators
type BanDuration string

const (
	BanOneDay    BanDuration = "1_day"
	BanOneMonth  BanDuration = "1_month"
	BanPermanent BanDuration = "permanent"
)

var banDurations = map[BanDuration]time.Duration{
	BanOneDay:    86400 * time.Second,
	BanOneMonth:  2592000 * time.Second,
	BanPermanent: 0,
}

var banDurationNames = map[BanDuration]string{
	BanOneDay:    "1 Day",
	BanOneMonth:  "1 Month",
	BanPermanent: "Permanent",
}

// Valid returns true for a known ban duration
func (d BanDuration) Valid() bool {
	_, ok := banDurations[d]
	return ok
}

// Name returns the human-readable form of the duration
func (d BanDuration) Name() string {
	if name, ok := banDurationNames[d]; ok {
		return name
	}
	return string(d)
}

// Guard decides whether a user may post or reply. It keeps an in-memory
// mirror of the store's ban table, and a per-user cooldown that's never
// persisted. Every ban mutation writes the store first, then the cache.
//
// Expired bans are only removed when they're checked, there's no
// background sweep.
type Guard struct {
	store    Store
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	bans      map[string]Ban
	cooldowns map[string]time.Time
}

// NewGuard returns a Guard backed by store. Call Load before use. A
// non-positive cooldown falls back to DefaultPostCooldown.
func NewGuard(store Store, cooldown time.Duration, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if cooldown <= 0 {
		cooldown = DefaultPostCooldown
	}
	return &Guard{
		store:     store,
		cooldown:  cooldown,
		now:       time.Now,
		logger:    logger.With(loggerNameKey, "guard"),
		bans:      map[string]Ban{},
		cooldowns: map[string]time.Time{},
	}
}

// Load replaces the ban cache with the contents of the store
func (g *Guard) Load(ctx context.Context) error {
	bans, err := g.store.LoadBans(ctx)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bans = make(map[string]Ban, len(bans))
	for _, b := range bans {
		g.bans[b.UserID] = b
	}
	g.logger.InfoContext(ctx, "loaded bans", "count", len(bans))
	return nil
}

// IsBanned returns true if the user has a permanent ban, or one that
// hasn't expired yet. An expired ban is removed from the store and
// the cache, and false is returned.
func (g *Guard) IsBanned(ctx context.Context, userID string) (bool, error) {
	g.mu.Lock()
	ban, ok := g.bans[userID]
	g.mu.Unlock()
	if !ok {
		return false, nil
	}

	if !ban.Expired(g.now()) {
		return true, nil
	}

	if _, err := g.store.DeleteBan(ctx, userID); err != nil {
		return false, err
	}

	g.mu.Lock()
	// a new ban may have replaced this one while the store was busy
	if current, ok := g.bans[userID]; ok && current.Expired(g.now()) {
		delete(g.bans, userID)
	}
	g.mu.Unlock()

	g.logger.InfoContext(ctx, "expired ban removed", "ban", ban)
	return false, nil
}

// Ban bans the user for the given duration, replacing any existing ban
func (g *Guard) Ban(ctx context.Context, userID string, duration BanDuration) (Ban, error) {
	d, ok := banDurations[duration]
	if !ok {
		return Ban{}, fmt.Errorf("invalid ban duration: %q", duration)
	}
	ban := Ban{UserID: userID}
	if duration != BanPermanent {
		expires := g.now().Add(d).UnixMilli()
		ban.ExpiresAt = &expires
	}

	if err := g.store.UpsertBan(ctx, ban); err != nil {
		return Ban{}, err
	}

	g.mu.Lock()
	g.bans[userID] = ban
	g.mu.Unlock()
	return ban, nil
}

// Unban removes any ban for the user, returning false if the user
// wasn't banned
func (g *Guard) Unban(ctx context.Context, userID string) (bool, error) {
	existed, err := g.store.DeleteBan(ctx, userID)
	if err != nil {
		return false, err
	}

	g.mu.Lock()
	_, cached := g.bans[userID]
	delete(g.bans, userID)
	g.mu.Unlock()

	return existed || cached, nil
}

// Bans returns a snapshot of the cached bans, ordered by user ID
func (g *Guard) Bans() []Ban {
	g.mu.Lock()
	bans := make([]Ban, 0, len(g.bans))
	for _, b := range g.bans {
		bans = append(bans, b)
	}
	g.mu.Unlock()

	sort.Slice(
		bans, func(i, j int) bool {
			return bans[i].UserID < bans[j].UserID
		},
	)
	return bans
}

// PurgeExpired runs IsBanned for every cached ban, which removes the
// ones that have expired. It returns the number removed.
func (g *Guard) PurgeExpired(ctx context.Context) (int, error) {
	removed := 0
	for _, b := range g.Bans() {
		if !b.Expired(g.now()) {
			continue
		}
		banned, err := g.IsBanned(ctx, b.UserID)
		if err != nil {
			g.logger.ErrorContext(ctx, "error purging ban", "ban", b, tint.Err(err))
			return removed, err
		}
		if !banned {
			removed++
		}
	}
	return removed, nil
}

// CooldownRemaining returns the time left on the user's cooldown, and
// true if they're still on cooldown
func (g *Guard) CooldownRemaining(userID string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	until, ok := g.cooldowns[userID]
	if !ok {
		return 0, false
	}
	remaining := until.Sub(g.now())
	if remaining <= 0 {
		delete(g.cooldowns, userID)
		return 0, false
	}
	return remaining, true
}

// StartCooldown puts the user on cooldown
func (g *Guard) StartCooldown(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cooldowns[userID] = g.now().Add(g.cooldown)
}

// Check returns an error if the user is banned or on cooldown
func (g *Guard) Check(ctx context.Context, userID string) error {
	banned, err := g.IsBanned(ctx, userID)
	if err != nil {
		return err
	}
	if banned {
		return newUserError(ErrPermissionDenied, msgBanned, nil)
	}
	if remaining, ok := g.CooldownRemaining(userID); ok {
		return newUserError(
			ErrNotEligible,
			fmt.Sprintf(msgCooldown, cooldownSeconds(remaining)),
			nil,
		)
	}
	return nil
}

// cooldownSeconds rounds the remaining cooldown up to whole seconds,
// so a user is never told to wait 0 seconds
func cooldownSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
