package anonpost

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	modLogColorInfo  = 0x00ff00
	modLogColorWarn  = 0xffff00
	modLogColorError = 0xff0000
)

// modLog posts moderation and identity changes to a log channel.
// If no channel is configured, entries are only written to the logger.
type modLog struct {
	discord   *Discord
	channelID string
	now       func() time.Time
	logger    *slog.Logger
}

func newModLog(discord *Discord, channelID string, logger *slog.Logger) *modLog {
	return &modLog{
		discord:   discord,
		channelID: channelID,
		now:       time.Now,
		logger:    logger.With(loggerNameKey, "modlog"),
	}
}

func (m *modLog) embed(level slog.Level, actor, action, details string) *discordgo.MessageEmbed {
	color := modLogColorInfo
	switch {
	case level >= slog.LevelError:
		color = modLogColorError
	case level >= slog.LevelWarn:
		color = modLogColorWarn
	}
	if details == "" {
		details = "-"
	}
	return &discordgo.MessageEmbed{
		Title:     "Log Level: " + level.String(),
		Color:     color,
		Timestamp: m.now().UTC().Format(time.RFC3339),
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Actor", Value: actor, Inline: true},
			{Name: "Action", Value: action, Inline: true},
			{Name: "Details", Value: truncate(details, 1024)},
		},
	}
}

// record logs the action, and sends it to the log channel if one is
// configured. Send failures are only logged.
func (m *modLog) record(ctx context.Context, level slog.Level, actor, action, details string) {
	m.logger.Log(ctx, level, action, "actor", actor, "details", details)
	if m.channelID == "" || m.discord == nil || m.discord.session == nil {
		return
	}
	_, err := m.discord.session.ChannelMessageSendComplex(
		m.channelID,
		&discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{m.embed(level, actor, action, details)},
		},
	)
	if err != nil {
		m.logger.ErrorContext(ctx, "error sending to log channel", tint.Err(err))
	}
}

func (m *modLog) Info(ctx context.Context, actor, action, details string) {
	m.record(ctx, slog.LevelInfo, actor, action, details)
}

func (m *modLog) Warn(ctx context.Context, actor, action, details string) {
	m.record(ctx, slog.LevelWarn, actor, action, details)
}

func (m *modLog) Error(ctx context.Context, actor, action, details string) {
	m.record(ctx, slog.LevelError, actor, action, details)
}
