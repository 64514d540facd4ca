package anonpost

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestModLog(t testing.TB, channelID string) (*modLog, *mockDiscordSession) {
	t.Helper()
	session := newMockDiscordSession()
	d := newDiscord(&DiscordConfig{}, discardLogger())
	d.session = session

	m := newModLog(d, channelID, discardLogger())
	clock := newTestClock()
	m.now = clock.Now
	return m, session
}

func TestModLog_Embed(t *testing.T) {
	t.Parallel()
	m, _ := newTestModLog(t, testLogChannelID)

	tests := []struct {
		level slog.Level
		color int
	}{
		{slog.LevelDebug, modLogColorInfo},
		{slog.LevelInfo, modLogColorInfo},
		{slog.LevelWarn, modLogColorWarn},
		{slog.LevelError, modLogColorError},
	}
	for _, tc := range tests {
		e := m.embed(tc.level, "admin#0001", "user banned", "1 for 1 Day")
		assert.Equal(t, tc.color, e.Color, tc.level.String())
		assert.Equal(t, "Log Level: "+tc.level.String(), e.Title)
	}

	e := m.embed(slog.LevelInfo, "admin", "action", "")
	require.Len(t, e.Fields, 3)
	assert.Equal(t, "Actor", e.Fields[0].Name)
	assert.Equal(t, "admin", e.Fields[0].Value)
	assert.Equal(t, "-", e.Fields[2].Value)
	assert.Equal(t, newTestClock().Now().Format(time.RFC3339), e.Timestamp)

	e = m.embed(slog.LevelInfo, "admin", "action", strings.Repeat("x", 2000))
	assert.Len(t, e.Fields[2].Value, 1024)
}

func TestModLog_Record(t *testing.T) {
	t.Parallel()
	m, session := newTestModLog(t, testLogChannelID)
	ctx := context.Background()

	m.Info(ctx, "admin", "channel setup", "<#1>")
	m.Warn(ctx, "admin", "user banned", "1")
	m.Error(ctx, "admin", "oops", "")

	sent := session.sentTo(testLogChannelID)
	require.Len(t, sent, 3)
	assert.Equal(t, modLogColorInfo, sent[0].Data.Embeds[0].Color)
	assert.Equal(t, modLogColorWarn, sent[1].Data.Embeds[0].Color)
	assert.Equal(t, modLogColorError, sent[2].Data.Embeds[0].Color)

	// send failures are only logged
	session.setSendError(testLogChannelID, restError(http.StatusForbidden, 0))
	assert.NotPanics(
		t, func() {
			m.Info(ctx, "admin", "channel removed", "<#1>")
		},
	)
}

func TestModLog_NoChannel(t *testing.T) {
	t.Parallel()
	m, session := newTestModLog(t, "")
	m.Info(context.Background(), "admin", "channel setup", "<#1>")
	assert.Zero(t, session.sentCount())
}
