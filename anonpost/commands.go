package anonpost

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Slash command names
const (
	commandSetupChannel  = "setupanonch"
	commandRemoveChannel = "removeanonch"
	commandBanUser       = "banuser"
	commandUnbanUser     = "unbanuser"
	commandSetName       = "setname"
	commandSetAvatar     = "setav"
	commandSetBio        = "setbio"
	commandSetStatus     = "setstatus"
	commandSay           = "say"
)

// Slash command option names
const (
	optionChannel   = "channel"
	optionUserID    = "user_id"
	optionDuration  = "duration"
	optionName      = "name"
	optionAvatarURL = "avatar_url"
	optionBio       = "bio"
	optionStatus    = "status"
	optionMessage   = "message"
)

const (
	msgInvalidUserID   = "Invalid user ID."
	msgInvalidDuration = "Invalid ban duration."
	msgSetupDenied     = "❌ I don't have permission to post in that channel."
)

// commandFunc runs a slash command after it's been authorized and
// deferred, returning the content the deferred response is edited with
type commandFunc func(
	ctx context.Context,
	actor *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error)

func (b *Bot) commandHandlers() map[string]commandFunc {
	return map[string]commandFunc{
		commandSetupChannel:  b.commandSetupChannel,
		commandRemoveChannel: b.commandRemoveChannel,
		commandBanUser:       b.commandBanUser,
		commandUnbanUser:     b.commandUnbanUser,
		commandSetName:       b.commandSetName,
		commandSetAvatar:     b.commandSetAvatar,
		commandSetBio:        b.commandSetBio,
		commandSetStatus:     b.commandSetStatus,
		commandSay:           b.commandSay,
	}
}

// appCommands returns the slash commands registered on startup. All of
// them default to administrators only, and can't be used in DMs.
func appCommands() []*discordgo.ApplicationCommand {
	adminPerms := int64(discordgo.PermissionAdministrator)
	dmPerm := false
	textChannel := []discordgo.ChannelType{discordgo.ChannelTypeGuildText}

	command := func(
		name string,
		description string,
		options ...*discordgo.ApplicationCommandOption,
	) *discordgo.ApplicationCommand {
		return &discordgo.ApplicationCommand{
			Name:                     name,
			Description:              description,
			Type:                     discordgo.ChatApplicationCommand,
			DefaultMemberPermissions: &adminPerms,
			DMPermission:             &dmPerm,
			Options:                  options,
		}
	}
	stringOption := func(name, description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        name,
			Description: description,
			Required:    true,
		}
	}
	channelOption := func(description string) *discordgo.ApplicationCommandOption {
		return &discordgo.ApplicationCommandOption{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         optionChannel,
			Description:  description,
			ChannelTypes: textChannel,
			Required:     true,
		}
	}

	durationOption := stringOption(optionDuration, "Duration of the ban")
	for _, d := range []BanDuration{BanOneDay, BanOneMonth, BanPermanent} {
		durationOption.Choices = append(
			durationOption.Choices,
			&discordgo.ApplicationCommandOptionChoice{Name: d.Name(), Value: string(d)},
		)
	}

	return []*discordgo.ApplicationCommand{
		command(
			commandSetupChannel,
			"Set up a channel to handle anonymous posts",
			channelOption("✅ Set up the channel"),
		),
		command(
			commandRemoveChannel,
			"Remove an anonymous channel setup",
			channelOption("The channel to remove from anonymous posts"),
		),
		command(
			commandBanUser,
			"Ban a user from posting in anonymous channels",
			stringOption(optionUserID, "The ID of the user to ban"),
			durationOption,
		),
		command(
			commandUnbanUser,
			"Lift a user's posting ban",
			stringOption(optionUserID, "The ID of the user to unban"),
		),
		command(
			commandSetName,
			"Change the bot's name",
			stringOption(optionName, "The new name for the bot"),
		),
		command(
			commandSetAvatar,
			"Change the bot's avatar",
			stringOption(optionAvatarURL, "The new avatar URL for the bot"),
		),
		command(
			commandSetBio,
			"Change the bot's bio",
			stringOption(optionBio, "The new bio for the bot"),
		),
		command(
			commandSetStatus,
			"Change the bot's status",
			stringOption(optionStatus, "The new status for the bot"),
		),
		command(
			commandSay,
			"Send a message as the bot",
			channelOption("The channel to send the message to"),
			stringOption(optionMessage, "The message to send"),
		),
	}
}

// handleCommand authorizes the caller, defers the response, runs the
// command and edits the response with the result
func (b *Bot) handleCommand(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, handler.Logger())
	name := i.ApplicationCommandData().Name

	run, ok := b.commandHandlers()[name]
	if !ok {
		logger.WarnContext(ctx, "unknown command", "command", name)
		_ = handler.Respond(ctx, ephemeralResponse(msgGenericError))
		return
	}

	if err := b.authorize(i); err != nil {
		b.modlog.Warn(ctx, u.String(), "unauthorized command", "/"+name)
		b.respondError(ctx, handler, err)
		return
	}

	if err := handler.Respond(ctx, deferredEphemeralResponse()); err != nil {
		return
	}

	ctx = WithLogger(ctx, logger.With("command", name))
	content, err := run(ctx, u, discordInteractionOptions(i))
	if err != nil {
		if errors.Is(err, ErrStoreFailure) {
			b.modlog.Error(ctx, u.String(), "command failed", "/"+name+": "+err.Error())
		}
		b.editError(ctx, handler, err)
		return
	}
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}

// validUserID returns true if s looks like a discord snowflake
func validUserID(s string) bool {
	_, err := strconv.ParseUint(s, 10, 64)
	return err == nil
}

func (b *Bot) commandSetupChannel(
	ctx context.Context,
	actor *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	channelID := optionString(options, optionChannel)

	exists, err := b.store.IsChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	if exists {
		return "", newUserError(ErrNotEligible, msgChannelIsSetup, nil)
	}

	if err = b.store.AddChannel(ctx, channelID); err != nil {
		return "", err
	}

	if _, err = b.discord.session.ChannelMessageSendComplex(channelID, setupMessage()); err != nil {
		// without the setup message, there's no button to post with
		if _, rmErr := b.store.RemoveChannel(ctx, channelID); rmErr != nil {
			contextLoggerOr(ctx, b.logger).ErrorContext(
				ctx,
				"error rolling back channel setup",
				tint.Err(rmErr),
				columnChannelID, channelID,
			)
		}
		return "", classifyDiscordError(err, msgSetupDenied, msgPlatformRejected)
	}

	b.modlog.Info(ctx, actor.String(), "channel setup", channelMention(channelID))
	return fmt.Sprintf("Anonymous channel set up in %s.", channelMention(channelID)), nil
}

func (b *Bot) commandRemoveChannel(
	ctx context.Context,
	actor *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	channelID := optionString(options, optionChannel)

	removed, err := b.store.RemoveChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	if !removed {
		return "", newUserError(ErrNotEligible, msgChannelNotSetup, nil)
	}

	b.modlog.Info(ctx, actor.String(), "channel removed", channelMention(channelID))
	return fmt.Sprintf("✅ Anonymous setup removed from %s.", channelMention(channelID)), nil
}

func (b *Bot) commandBanUser(
	ctx context.Context,
	actor *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	userID := optionString(options, optionUserID)
	if !validUserID(userID) {
		return "", newUserError(ErrNotEligible, msgInvalidUserID, nil)
	}
	duration := BanDuration(optionString(options, optionDuration))
	if !duration.Valid() {
		return "", newUserError(ErrNotEligible, msgInvalidDuration, nil)
	}

	if _, err := b.guard.Ban(ctx, userID, duration); err != nil {
		return "", err
	}

	b.modlog.Warn(
		ctx,
		actor.String(),
		"user banned",
		fmt.Sprintf("%s for %s", userID, duration.Name()),
	)
	return fmt.Sprintf("User %s banned from posting for %s.", userID, duration.Name()), nil
}

func (b *Bot) commandUnbanUser(
	ctx context.Context,
	actor *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	userID := optionString(options, optionUserID)
	if !validUserID(userID) {
		return "", newUserError(ErrNotEligible, msgInvalidUserID, nil)
	}

	existed, err := b.guard.Unban(ctx, userID)
	if err != nil {
		return "", err
	}
	if !existed {
		return fmt.Sprintf("User %s is not banned.", userID), nil
	}

	b.modlog.Info(ctx, actor.String(), "user unbanned", userID)
	return fmt.Sprintf("User %s unbanned.", userID), nil
}

func (b *Bot) commandSetName(
	ctx context.Context,
	actor *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	name := optionString(options, optionName)
	if err := b.identity.SetName(ctx, name); err != nil {
		return "", err
	}
	b.modlog.Info(ctx, actor.String(), "name changed", name)
	return fmt.Sprintf("Bot name has been changed to %s!", name), nil
}

func (b *Bot) commandSetAvatar(
	ctx context.Context,
	actor *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	url := optionString(options, optionAvatarURL)
	if err := b.identity.SetAvatar(ctx, url); err != nil {
		return "", err
	}
	b.modlog.Info(ctx, actor.String(), "avatar changed", url)
	return "Bot avatar has been changed!", nil
}

func (b *Bot) commandSetBio(
	ctx context.Context,
	actor *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	bio := optionString(options, optionBio)
	if err := b.identity.SetPresence(ctx, bio); err != nil {
		return "", err
	}
	b.modlog.Info(ctx, actor.String(), "bio changed", bio)
	return fmt.Sprintf("Bot bio has been updated to: \"%s\"", bio), nil
}

func (b *Bot) commandSetStatus(
	ctx context.Context,
	actor *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	status := optionString(options, optionStatus)
	if err := b.identity.SetPresence(ctx, status); err != nil {
		return "", err
	}
	b.modlog.Info(ctx, actor.String(), "status changed", status)
	return fmt.Sprintf("Bot status has been set to: %s", status), nil
}

func (b *Bot) commandSay(
	ctx context.Context,
	actor *discordgo.User,
	options map[string]*discordgo.ApplicationCommandInteractionDataOption,
) (string, error) {
	channelID := optionString(options, optionChannel)
	if err := b.identity.Say(ctx, channelID, optionString(options, optionMessage)); err != nil {
		return "", err
	}
	b.modlog.Info(ctx, actor.String(), "message relayed", channelMention(channelID))
	return fmt.Sprintf("Message sent to %s.", channelMention(channelID)), nil
}

func channelMention(channelID string) string {
	return "<#" + channelID + ">"
}
