package anonpost

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	anonymousName  = "Anonymous"
	postEmbedColor = 0x000001
	setupColor     = 0x2ECC71
)

// PostRegistry creates anonymous posts and records where they live
type PostRegistry struct {
	store   Store
	guard   *Guard
	images  *imageFetcher
	discord *Discord
	logger  *slog.Logger
}

func newPostRegistry(
	store Store,
	guard *Guard,
	images *imageFetcher,
	discord *Discord,
	logger *slog.Logger,
) *PostRegistry {
	return &PostRegistry{
		store:   store,
		guard:   guard,
		images:  images,
		discord: discord,
		logger:  logger.With(loggerNameKey, "post_registry"),
	}
}

// generatePostID returns a random 6-character ID from [A-Z0-9].
// Collisions aren't checked.
func generatePostID() string {
	b := make([]byte, postIDLength)
	for i := range b {
		b[i] = postIDAlphabet[rand.IntN(len(postIDAlphabet))]
	}
	return string(b)
}

// displayName returns the trimmed name, or "Anonymous" if it's blank
func displayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return anonymousName
	}
	return truncate(name, discordMaxNameLength)
}

// postButtons returns the "Post" and "Reply" buttons attached to each
// post. Pass an empty postID for just the "Post" button.
func postButtons(postID string) []discordgo.MessageComponent {
	buttons := []discordgo.MessageComponent{
		discordgo.Button{
			Label:    "Post 👻",
			Style:    discordgo.SuccessButton,
			CustomID: newPostCustomID().String(),
		},
	}
	if postID != "" {
		buttons = append(
			buttons, discordgo.Button{
				Label:    "Reply 💬",
				Style:    discordgo.DangerButton,
				CustomID: replyCustomID(postID).String(),
			},
		)
	}
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: buttons},
	}
}

// CreatePost sends a new anonymous post to the channel, and returns
// its post ID. The caller is responsible for checking the author isn't
// banned or on cooldown. On success, the author's cooldown is started.
//
// Nothing is written unless the message is sent. If the message is
// sent but the mapping can't be saved, the message is left in place
// and ErrStoreFailure is returned.
func (p *PostRegistry) CreatePost(
	ctx context.Context,
	channelID string,
	authorID string,
	in PostInput,
) (string, error) {
	logger := contextLoggerOr(ctx, p.logger).With(columnChannelID, channelID)

	ok, err := p.store.IsChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", newUserError(ErrNotEligible, msgChannelNotAnon, nil)
	}

	postID := generatePostID()
	logger = logger.With(columnPostID, postID)

	embed := &discordgo.MessageEmbed{
		Author: &discordgo.MessageEmbedAuthor{
			Name:    displayName(in.Name),
			IconURL: p.discord.botAvatarURL(),
		},
		Title:       truncate(in.Title, discordMaxTitleLength),
		Description: in.Body,
		Color:       postEmbedColor,
		Footer: &discordgo.MessageEmbedFooter{
			Text: "Post ID: " + postID,
		},
	}

	data := &discordgo.MessageSend{
		Embeds:     []*discordgo.MessageEmbed{embed},
		Components: postButtons(postID),
	}

	if in.ImageURL != "" {
		img, fetchErr := p.images.fetch(ctx, in.ImageURL)
		if fetchErr != nil {
			return "", fetchErr
		}
		data.Files = []*discordgo.File{img.file()}
		embed.Image = &discordgo.MessageEmbedImage{
			URL: "attachment://" + imageAttachmentName,
		}
	}

	msg, err := p.discord.session.ChannelMessageSendComplex(channelID, data)
	if err != nil {
		return "", platformError(err, msgPostFailed)
	}

	mapping := PostMapping{
		PostID:    postID,
		MessageID: msg.ID,
		ChannelID: channelID,
	}
	if err = p.store.SavePostMapping(ctx, mapping); err != nil {
		logger.ErrorContext(
			ctx,
			"post sent, but mapping couldn't be saved",
			tint.Err(err),
			"mapping", mapping,
		)
		return postID, err
	}

	p.guard.StartCooldown(authorID)
	logger.InfoContext(ctx, "post created", "mapping", mapping)
	return postID, nil
}

// setupMessage is sent to a channel when it's opted in, so the first
// post can be made
func setupMessage() *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title: "👻 This channel is now accepting Anonymous posts",
				Color: setupColor,
			},
		},
		Components: postButtons(""),
	}
}
