package anonpost

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const replyEmbedColor = 0x26C6DA

// ReplyRouter posts replies into the thread under the original post,
// creating the thread on the first reply
type ReplyRouter struct {
	store   Store
	guard   *Guard
	images  *imageFetcher
	discord *Discord
	logger  *slog.Logger
}

func newReplyRouter(
	store Store,
	guard *Guard,
	images *imageFetcher,
	discord *Discord,
	logger *slog.Logger,
) *ReplyRouter {
	return &ReplyRouter{
		store:   store,
		guard:   guard,
		images:  images,
		discord: discord,
		logger:  logger.With(loggerNameKey, "reply_router"),
	}
}

// resolve returns the original message for the post ID. If there's no
// mapping, or the message can't be retrieved (ex: it was deleted),
// ErrPostNotFound is returned.
func (r *ReplyRouter) resolve(ctx context.Context, postID string) (*discordgo.Message, error) {
	mapping, err := r.store.GetPostMapping(ctx, postID)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, newUserError(ErrPostNotFound, msgPostNotFound, nil)
	}

	msg, err := r.discord.session.ChannelMessage(mapping.ChannelID, mapping.MessageID)
	if err != nil {
		return nil, newUserError(
			ErrPostNotFound,
			msgOriginalNotFound,
			fmt.Errorf("error retrieving message %s: %w", mapping.MessageID, err),
		)
	}
	if msg.ChannelID == "" {
		msg.ChannelID = mapping.ChannelID
	}
	return msg, nil
}

// thread returns the ID of the thread started from msg, starting a new
// one if needed
func (r *ReplyRouter) thread(
	ctx context.Context,
	msg *discordgo.Message,
	postID string,
) (string, error) {
	if msg.Thread != nil && msg.Thread.ID != "" {
		return msg.Thread.ID, nil
	}
	ch, err := r.discord.session.MessageThreadStartComplex(
		msg.ChannelID,
		msg.ID,
		&discordgo.ThreadStart{
			Name:                fmt.Sprintf(threadNameFormat, postID),
			AutoArchiveDuration: threadAutoArchiveMin,
		},
	)
	if err != nil {
		return "", platformError(err, msgReplyFailed)
	}
	contextLoggerOr(ctx, r.logger).InfoContext(
		ctx,
		"created reply thread",
		columnPostID, postID,
		"thread_id", ch.ID,
	)
	return ch.ID, nil
}

// Reply sends a reply to the post with the given ID. The caller is
// responsible for checking the author isn't banned or on cooldown. On
// success, the author's cooldown is started.
func (r *ReplyRouter) Reply(
	ctx context.Context,
	postID string,
	authorID string,
	in ReplyInput,
) error {
	logger := contextLoggerOr(ctx, r.logger).With(columnPostID, postID)

	msg, err := r.resolve(ctx, postID)
	if err != nil {
		return err
	}

	name := displayName(in.Name)
	embed := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{
			Name:    name,
			IconURL: r.discord.botAvatarURL(),
		},
		Description: in.Body,
		Color:       replyEmbedColor,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Replied by " + name,
		},
	}
	data := &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{embed},
	}

	if in.ImageURL != "" {
		img, fetchErr := r.images.fetch(ctx, in.ImageURL)
		if fetchErr != nil {
			return fetchErr
		}
		data.Files = []*discordgo.File{img.file()}
		embed.Image = &discordgo.MessageEmbedImage{
			URL: "attachment://" + imageAttachmentName,
		}
	}

	threadID, err := r.thread(ctx, msg, postID)
	if err != nil {
		return err
	}

	if _, err = r.discord.session.ChannelMessageSendComplex(threadID, data); err != nil {
		logger.ErrorContext(ctx, "error sending reply", tint.Err(err), "thread_id", threadID)
		return platformError(err, msgReplyFailed)
	}

	r.guard.StartCooldown(authorID)
	logger.InfoContext(ctx, "reply sent", "thread_id", threadID)
	return nil
}
