package anonpost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// Modal text input custom IDs
const (
	fieldName     = "name"
	fieldTitle    = "title"
	fieldBody     = "body"
	fieldImageURL = "image_url"
)

//nolint:lll // struct tags can't be split
type InteractionLog struct {
	ModelUintID
	InteractionID string `json:"interaction_id" gorm:"not null"`
	Type          string `json:"type" gorm:"type:string"`
	UserID        string `json:"user_id" gorm:"not null"`
	Username      string `json:"username" gorm:"type:string"`
	GuildID       string `json:"guild_id" gorm:"type:string"`
	ChannelID     string `json:"channel_id" gorm:"type:string"`
	CustomID      string `json:"custom_id" gorm:"type:string"`
	Payload       string `json:"payload" gorm:"type:string"`
	CreatedAt     int64  `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

func newInteractionLog(
	i *discordgo.InteractionCreate,
	u *discordgo.User,
) (*InteractionLog, error) {
	p, err := json.Marshal(i)
	if err != nil {
		return nil, fmt.Errorf("error marshaling interaction: %w", err)
	}

	interactionLog := &InteractionLog{
		InteractionID: i.ID,
		Type:          i.Type.String(),
		UserID:        u.ID,
		Username:      u.String(),
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
		Payload:       string(p),
	}
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		interactionLog.CustomID = i.MessageComponentData().CustomID
	case discordgo.InteractionModalSubmit:
		interactionLog.CustomID = i.ModalSubmitData().CustomID
	default:
		//
	}
	return interactionLog, nil
}

// PostInput is the content of a submitted "Create a Post" modal
type PostInput struct {
	Name     string
	Title    string
	Body     string
	ImageURL string
}

// ReplyInput is the content of a submitted "Reply to Post" modal
type ReplyInput struct {
	Name     string
	Body     string
	ImageURL string
}

// InteractionHandler wraps the responses to a single interaction
type InteractionHandler interface {
	// Respond sends an initial response to a Discord interaction.
	Respond(ctx context.Context, i *discordgo.InteractionResponse) error

	// Edit modifies an existing interaction response.
	Edit(
		ctx context.Context,
		e *discordgo.WebhookEdit,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// GetInteraction returns the original InteractionCreate event.
	GetInteraction() *discordgo.InteractionCreate

	// Logger returns the logger associated with this handler.
	Logger() *slog.Logger
}

// GatewayHandler implements [InteractionHandler] when receiving interactions
// via the discord websocket gateway.
type GatewayHandler struct {
	session     DiscordSessionHandler
	interaction *discordgo.InteractionCreate
	logger      *slog.Logger
}

func (w GatewayHandler) Respond(
	ctx context.Context,
	response *discordgo.InteractionResponse,
) error {
	err := w.session.InteractionRespond(w.interaction.Interaction, response)
	if err != nil {
		w.logger.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "responded to interaction", "response_type", response.Type)
	}
	return err
}

func (w GatewayHandler) GetInteraction() *discordgo.InteractionCreate {
	return w.interaction
}

func (w GatewayHandler) Edit(
	ctx context.Context,
	wh *discordgo.WebhookEdit,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := w.session.InteractionResponseEdit(
		w.interaction.Interaction,
		wh,
		opts...,
	)
	if err != nil {
		w.logger.ErrorContext(ctx, "error editing interaction response", tint.Err(err))
	} else {
		w.logger.InfoContext(ctx, "edited interaction")
	}
	return msg, err
}

func (w GatewayHandler) Logger() *slog.Logger {
	return w.logger
}

// ephemeralResponse returns an immediate response only the user can see
func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

// deferredEphemeralResponse acknowledges the interaction, to be edited
// with the outcome once it's known
func deferredEphemeralResponse() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Flags: discordgo.MessageFlagsEphemeral,
		},
	}
}

func textInputRow(input discordgo.TextInput) discordgo.ActionsRow {
	input.Label = truncate(input.Label, discordModalInputLabelMaxLength)
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{input},
	}
}

// postModal returns the "Create a Post" modal
func postModal() *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: newPostCustomID().String(),
			Title:    "Create a Post",
			Components: []discordgo.MessageComponent{
				textInputRow(
					discordgo.TextInput{
						CustomID:    fieldName,
						Label:       "Name (optional)",
						Style:       discordgo.TextInputShort,
						Placeholder: "Leave blank for anonymous",
						MaxLength:   discordMaxNameLength,
					},
				),
				textInputRow(
					discordgo.TextInput{
						CustomID:    fieldTitle,
						Label:       "Title (optional)",
						Style:       discordgo.TextInputShort,
						Placeholder: "Enter post title",
						MaxLength:   discordMaxTitleLength,
					},
				),
				textInputRow(
					discordgo.TextInput{
						CustomID:    fieldBody,
						Label:       "Body",
						Style:       discordgo.TextInputParagraph,
						Placeholder: "Enter post body",
						Required:    true,
						MinLength:   1,
						MaxLength:   discordMaxMessageLength,
					},
				),
				textInputRow(
					discordgo.TextInput{
						CustomID:    fieldImageURL,
						Label:       "Image URL (optional)",
						Style:       discordgo.TextInputShort,
						Placeholder: "Enter image URL",
					},
				),
			},
		},
	}
}

// replyModal returns the "Reply to Post" modal for the given post
func replyModal(postID string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseModal,
		Data: &discordgo.InteractionResponseData{
			CustomID: replyCustomID(postID).String(),
			Title:    "Reply to Post",
			Components: []discordgo.MessageComponent{
				textInputRow(
					discordgo.TextInput{
						CustomID:    fieldName,
						Label:       "Your Name (optional)",
						Style:       discordgo.TextInputShort,
						Placeholder: "Leave blank for anonymous",
						MaxLength:   discordMaxNameLength,
					},
				),
				textInputRow(
					discordgo.TextInput{
						CustomID:    fieldBody,
						Label:       "Reply Body",
						Style:       discordgo.TextInputParagraph,
						Placeholder: "Enter your reply",
						Required:    true,
						MinLength:   1,
						MaxLength:   discordMaxMessageLength,
					},
				),
				textInputRow(
					discordgo.TextInput{
						CustomID:    fieldImageURL,
						Label:       "Image URL (optional)",
						Style:       discordgo.TextInputShort,
						Placeholder: "Enter image URL",
					},
				),
			},
		},
	}
}

// modalValues returns the submitted text input values, keyed by
// their custom ID
func modalValues(data discordgo.ModalSubmitInteractionData) map[string]string {
	values := map[string]string{}
	for _, c := range data.Components {
		var row []discordgo.MessageComponent
		switch r := c.(type) {
		case *discordgo.ActionsRow:
			row = r.Components
		case discordgo.ActionsRow:
			row = r.Components
		default:
			continue
		}
		for _, rc := range row {
			switch input := rc.(type) {
			case *discordgo.TextInput:
				values[input.CustomID] = strings.TrimSpace(input.Value)
			case discordgo.TextInput:
				values[input.CustomID] = strings.TrimSpace(input.Value)
			default:
				//
			}
		}
	}
	return values
}

func postInputFromModal(data discordgo.ModalSubmitInteractionData) PostInput {
	v := modalValues(data)
	return PostInput{
		Name:     v[fieldName],
		Title:    v[fieldTitle],
		Body:     v[fieldBody],
		ImageURL: v[fieldImageURL],
	}
}

func replyInputFromModal(data discordgo.ModalSubmitInteractionData) ReplyInput {
	v := modalValues(data)
	return ReplyInput{
		Name:     v[fieldName],
		Body:     v[fieldBody],
		ImageURL: v[fieldImageURL],
	}
}
