package anonpost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
)

const (
	msgNameDenied     = "I don't have permission to change my username."
	msgAvatarDenied   = "I don't have permission to change my avatar."
	msgSayDenied      = "I don't have permission to send messages there."
	msgIdentityFailed = "An error occurred: %s"
)

var errIdentityUpdate = errors.New("identity update failed")

// Identity changes how the bot appears: its name, avatar and presence,
// and relays messages on its behalf. None of this touches the Store.
type Identity struct {
	discord *Discord
	images  *imageFetcher
	logger  *slog.Logger
}

func newIdentity(discord *Discord, images *imageFetcher, logger *slog.Logger) *Identity {
	return &Identity{
		discord: discord,
		images:  images,
		logger:  logger.With(loggerNameKey, "identity"),
	}
}

// identityError classifies an error returned by discord. REST errors
// are PermissionDenied or PlatformRejected, anything else is left
// unclassified.
func identityError(err error, deniedMessage string) error {
	if err == nil {
		return nil
	}
	failed := fmt.Sprintf(msgIdentityFailed, err)
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		return classifyDiscordError(err, deniedMessage, failed)
	}
	return newUserError(errIdentityUpdate, failed, err)
}

// SetName changes the bot's username
func (id *Identity) SetName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return newUserError(ErrNotEligible, "Name can't be empty.", nil)
	}
	u, err := id.discord.session.UserUpdate(name, "")
	if err != nil {
		return identityError(err, msgNameDenied)
	}
	id.discord.setBotUser(u)
	contextLoggerOr(ctx, id.logger).InfoContext(ctx, "bot name changed", "name", name)
	return nil
}

// SetAvatar downloads the image at url and sets it as the bot's
// avatar. The response must be 200 OK with an image/* content type.
func (id *Identity) SetAvatar(ctx context.Context, url string) error {
	img, err := id.images.fetch(ctx, url)
	if err != nil {
		return newUserError(ErrTransientFetch, msgAvatarFetchFailed, err)
	}
	if !img.isImage() {
		return newUserError(
			ErrTransientFetch,
			msgAvatarNotImage,
			fmt.Errorf("unexpected content type: %q", img.contentType),
		)
	}
	u, err := id.discord.session.UserUpdate("", img.dataURI())
	if err != nil {
		return identityError(err, msgAvatarDenied)
	}
	id.discord.setBotUser(u)
	contextLoggerOr(ctx, id.logger).InfoContext(ctx, "bot avatar changed", "url", url)
	return nil
}

// SetPresence sets the bot's activity to "Playing <text>"
func (id *Identity) SetPresence(ctx context.Context, text string) error {
	if err := id.discord.session.UpdateStatusComplex(presenceUpdate(text)); err != nil {
		return identityError(err, msgPlatformRejected)
	}
	id.discord.setPresence(text)
	contextLoggerOr(ctx, id.logger).InfoContext(ctx, "bot presence changed", "text", text)
	return nil
}

// Say sends text to the channel as the bot
func (id *Identity) Say(ctx context.Context, channelID string, text string) error {
	if strings.TrimSpace(text) == "" {
		return newUserError(ErrNotEligible, "Message can't be empty.", nil)
	}
	msg, err := id.discord.session.ChannelMessageSend(
		channelID,
		truncate(text, discordMaxMessageLength),
	)
	if err != nil {
		return identityError(err, msgSayDenied)
	}
	contextLoggerOr(ctx, id.logger).InfoContext(
		ctx,
		"relayed message",
		columnChannelID, channelID,
		columnMessageID, msg.ID,
	)
	return nil
}
