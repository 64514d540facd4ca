package anonpost

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// discordModalInputLabelMaxLength defines the maximum length for the
	// label of a modal input
	discordModalInputLabelMaxLength = 45

	discordMaxMessageLength = 2000
	discordMaxTitleLength   = 256
	discordMaxNameLength    = 80
)

// Discord manages the discord session and the gateway event handlers
type Discord struct {
	session                     DiscordSessionHandler
	config                      *DiscordConfig
	logger                      *slog.Logger
	httpClient                  *http.Client
	metricConnects              atomic.Int64
	metricDisconnects           atomic.Int64
	connected                   atomic.Bool
	botUser                     atomic.Pointer[discordgo.User]
	presence                    atomic.Pointer[string]
	discordgoRemoveHandlerFuncs []func()
}

func newDiscord(config *DiscordConfig, logger *slog.Logger) *Discord {
	return &Discord{
		config:                      config,
		logger:                      logger,
		discordgoRemoveHandlerFuncs: []func(){},
	}
}

// newSession initializes a new Discord session for the Discord struct.
// It sets up the session with the appropriate logger, token, and configuration.
func (d *Discord) newSession() (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	session.session = disc
	if d.httpClient != nil {
		disc.Client = d.httpClient
	}

	if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
		return session, err
	}
	return session, nil
}

// botAvatarURL returns the bot user's avatar URL, used as the author
// icon on posts and replies
func (d *Discord) botAvatarURL() string {
	u := d.botUser.Load()
	if u == nil {
		return ""
	}
	return u.AvatarURL("")
}

// setBotUser replaces the cached bot user
func (d *Discord) setBotUser(u *discordgo.User) {
	if u != nil {
		d.botUser.Store(u)
	}
}

// setPresence records the status text last applied to discord
func (d *Discord) setPresence(text string) {
	d.presence.Store(&text)
}

// currentPresence returns the status text to apply when connecting: the
// last one set, or the configured custom status
func (d *Discord) currentPresence() string {
	if p := d.presence.Load(); p != nil {
		return *p
	}
	return d.config.CustomStatus
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		if r == nil || r.User == nil {
			d.logger.Warn("ready event missing user")
			return
		}
		d.setBotUser(r.User)
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			columnUserID, r.User.ID,
			"username", r.User.Username,
			"guilds", len(r.Guilds),
		)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)
		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("Connected", "session_id", sessionID)

		if status := d.currentPresence(); status != "" {
			if err := d.session.UpdateStatusComplex(presenceUpdate(status)); err != nil {
				d.logger.Error("error updating discord status", tint.Err(err))
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

// registerCommands sends the bot's commands to the discord bulk overwrite
// endpoint
func (d *Discord) registerCommands(
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		return created, errors.New("no commands created")
	}
	return created, nil
}

// presenceUpdate returns a "Playing <text>" status update
func presenceUpdate(text string) discordgo.UpdateStatusData {
	return discordgo.UpdateStatusData{
		Activities: []*discordgo.Activity{
			{
				Name: text,
				Type: discordgo.ActivityTypeGame,
			},
		},
		Status: string(discordgo.StatusOnline),
	}
}

// DiscordSessionHandler defines the interface for handling Discord sessions.
// This is basically defines methods from `discordgo.Session` which are
// used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSend sends a plain text message to a channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessageSendComplex sends a message with embeds, components
	// and/or files to a channel or thread
	ChannelMessageSendComplex(
		channelID string,
		data *discordgo.MessageSend,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ChannelMessage retrieves a single message
	ChannelMessage(
		channelID string,
		messageID string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// MessageThreadStartComplex starts a thread from an existing message
	MessageThreadStartComplex(
		channelID string,
		messageID string,
		data *discordgo.ThreadStart,
		opts ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application commands in bulk.
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UserUpdate modifies the bot user's name and/or avatar. Empty
	// values are left unchanged. avatar is a data URI.
	UserUpdate(username string, avatar string) (*discordgo.User, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// SetIdentify sets the identify object that's sent during the initial
	// handshake with the discord gateway
	SetIdentify(discordgo.Identify)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetIdentify(i discordgo.Identify) {
	d.session.Identify = i
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.ChannelMessageSendComplex(channelID, data, opts...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			columnChannelID, channelID,
		)
	}
	return msg, err
}

func (d DiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessage(channelID, messageID, opts...)
}

func (d DiscordSession) MessageThreadStartComplex(
	channelID string,
	messageID string,
	data *discordgo.ThreadStart,
	opts ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.MessageThreadStartComplex(channelID, messageID, data, opts...)
	if err != nil {
		d.logger.Error(
			"error starting thread",
			tint.Err(err),
			columnChannelID, channelID,
			columnMessageID, messageID,
		)
	} else {
		d.logger.Info(
			"started thread",
			columnChannelID, channelID,
			columnMessageID, messageID,
			"thread_id", ch.ID,
		)
	}
	return ch, err
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	created, err := d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
	if err != nil {
		return created, err
	}
	for _, c := range created {
		d.logger.Info("Created command", "command", c.Name, "id", c.ID)
	}

	return created, nil
}

// userUpdateRequest is the body of a PATCH /users/@me request
type userUpdateRequest struct {
	Username string `json:"username,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
}

func (d DiscordSession) UserUpdate(username string, avatar string) (*discordgo.User, error) {
	body, err := d.session.RequestWithBucketID(
		http.MethodPatch,
		discordgo.EndpointUser("@me"),
		userUpdateRequest{Username: username, Avatar: avatar},
		discordgo.EndpointUsers,
	)
	if err != nil {
		return nil, err
	}
	var u discordgo.User
	if err = json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("error decoding user: %w", err)
	}
	return &u, nil
}

func (d DiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(data)
}

// getDiscordUser returns the [discordgo.User] associated with the interaction.
// Users don't always appear in the same place in the interaction object, so
// this checks known areas.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

// classifyDiscordError maps a discord REST error to ErrPermissionDenied
// (HTTP 403 or missing permissions) or ErrPlatformRejected, attaching
// the given user-facing messages
func classifyDiscordError(err error, deniedMessage string, rejectedMessage string) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) {
		forbidden := restErr.Response != nil &&
			restErr.Response.StatusCode == http.StatusForbidden
		missingPerms := restErr.Message != nil &&
			restErr.Message.Code == discordgo.ErrCodeMissingPermissions
		if forbidden || missingPerms {
			return newUserError(ErrPermissionDenied, deniedMessage, err)
		}
		return newUserError(ErrPlatformRejected, rejectedMessage, err)
	}
	return newUserError(ErrPlatformRejected, rejectedMessage, err)
}

// platformError wraps an error from sending a post or reply. Outbound
// sends are always PlatformRejected, even when discord refuses for lack
// of permissions.
func platformError(err error, message string) error {
	return newUserError(ErrPlatformRejected, message, err)
}
