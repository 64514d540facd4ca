package anonpost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testGuildID       = "900000000000000001"
	testChannelID     = "900000000000000100"
	testLogChannelID  = "900000000000000200"
	testApplicationID = "900000000000000300"
)

var snowflakeSeq atomic.Int64

// newSnowflake returns a unique, numeric discord-style ID
func newSnowflake() string {
	return strconv.FormatInt(100000000000000000+snowflakeSeq.Add(1), 10)
}

func discardLogger() *slog.Logger {
	return slog.New(tint.NewHandler(io.Discard, nil))
}

// restError returns a discord REST error with the given HTTP status and
// JSON error code
func restError(status int, code int) *discordgo.RESTError {
	return &discordgo.RESTError{
		Response: &http.Response{
			StatusCode: status,
			Status:     fmt.Sprintf("%d %s", status, http.StatusText(status)),
		},
		ResponseBody: []byte(`{"message": "nope"}`),
		Message: &discordgo.APIErrorMessage{
			Code:    code,
			Message: "nope",
		},
	}
}

type sentMessage struct {
	ChannelID string
	Content   string
	Data      *discordgo.MessageSend
	Message   *discordgo.Message
}

type startedThread struct {
	ChannelID string
	MessageID string
	Data      *discordgo.ThreadStart
	Thread    *discordgo.Channel
}

// mockDiscordSession implements DiscordSessionHandler, keeping sent
// messages and started threads in memory
type mockDiscordSession struct {
	mu sync.Mutex

	messages map[string]*discordgo.Message
	sent     []sentMessage
	threads  []startedThread
	statuses []discordgo.UpdateStatusData
	commands []*discordgo.ApplicationCommand
	identify discordgo.Identify
	botUser  *discordgo.User

	handlers int
	opened   bool
	closed   bool

	// per-channel errors returned by ChannelMessageSend(Complex)
	sendErrors map[string]error

	threadStartErr    error
	channelMessageErr error
	userUpdateErr     error
	statusErr         error
}

func newMockDiscordSession() *mockDiscordSession {
	return &mockDiscordSession{
		messages:   map[string]*discordgo.Message{},
		sendErrors: map[string]error{},
		botUser: &discordgo.User{
			ID:       testApplicationID,
			Username: "AnonPost",
			Bot:      true,
		},
	}
}

func (m *mockDiscordSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = true
	return nil
}

func (m *mockDiscordSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockDiscordSession) AddHandler(_ any) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers++
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.handlers--
	}
}

func (m *mockDiscordSession) InteractionRespond(
	_ *discordgo.Interaction,
	_ *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	return nil
}

func (m *mockDiscordSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg := &discordgo.Message{ID: newSnowflake()}
	if newresp.Content != nil {
		msg.Content = *newresp.Content
	}
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErrors[channelID]; err != nil {
		return nil, err
	}
	msg := &discordgo.Message{
		ID:        newSnowflake(),
		ChannelID: channelID,
		Content:   content,
	}
	m.messages[msg.ID] = msg
	m.sent = append(
		m.sent,
		sentMessage{ChannelID: channelID, Content: content, Message: msg},
	)
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sendErrors[channelID]; err != nil {
		return nil, err
	}
	msg := &discordgo.Message{
		ID:         newSnowflake(),
		ChannelID:  channelID,
		Content:    data.Content,
		Embeds:     data.Embeds,
		Components: data.Components,
	}
	m.messages[msg.ID] = msg
	m.sent = append(
		m.sent,
		sentMessage{ChannelID: channelID, Content: data.Content, Data: data, Message: msg},
	)
	return msg, nil
}

func (m *mockDiscordSession) ChannelMessage(
	channelID string,
	messageID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channelMessageErr != nil {
		return nil, m.channelMessageErr
	}
	msg, ok := m.messages[messageID]
	if !ok || msg.ChannelID != channelID {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownMessage)
	}
	c := *msg
	return &c, nil
}

func (m *mockDiscordSession) MessageThreadStartComplex(
	channelID string,
	messageID string,
	data *discordgo.ThreadStart,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.threadStartErr != nil {
		return nil, m.threadStartErr
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, restError(http.StatusNotFound, discordgo.ErrCodeUnknownMessage)
	}
	if msg.Thread != nil {
		return nil, restError(http.StatusBadRequest, 160004)
	}
	thread := &discordgo.Channel{
		ID:       newSnowflake(),
		ParentID: channelID,
		Name:     data.Name,
		Type:     discordgo.ChannelTypeGuildPublicThread,
	}
	msg.Thread = thread
	m.threads = append(
		m.threads,
		startedThread{ChannelID: channelID, MessageID: messageID, Data: data, Thread: thread},
	)
	return thread, nil
}

func (m *mockDiscordSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	created := make([]*discordgo.ApplicationCommand, 0, len(commands))
	for _, c := range commands {
		cmd := *c
		cmd.ID = newSnowflake()
		created = append(created, &cmd)
	}
	m.commands = created
	return created, nil
}

func (m *mockDiscordSession) UserUpdate(username string, avatar string) (*discordgo.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.userUpdateErr != nil {
		return nil, m.userUpdateErr
	}
	u := *m.botUser
	if username != "" {
		u.Username = username
	}
	if avatar != "" {
		u.Avatar = "a1b2c3"
	}
	m.botUser = &u
	return &u, nil
}

func (m *mockDiscordSession) UpdateStatusComplex(data discordgo.UpdateStatusData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return m.statusErr
	}
	m.statuses = append(m.statuses, data)
	return nil
}

func (m *mockDiscordSession) SetIdentify(i discordgo.Identify) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identify = i
}

func (m *mockDiscordSession) SetLogLevel(_ slog.Level) error {
	return nil
}

// sentTo returns the messages sent to the given channel or thread
func (m *mockDiscordSession) sentTo(channelID string) []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rv []sentMessage
	for _, s := range m.sent {
		if s.ChannelID == channelID {
			rv = append(rv, s)
		}
	}
	return rv
}

func (m *mockDiscordSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockDiscordSession) startedThreads() []startedThread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]startedThread{}, m.threads...)
}

func (m *mockDiscordSession) setSendError(channelID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrors[channelID] = err
}

// stubInteractionHandler implements InteractionHandler, recording
// responses and edits instead of sending them
type stubInteractionHandler struct {
	mu          sync.Mutex
	interaction *discordgo.InteractionCreate
	responses   []*discordgo.InteractionResponse
	edits       []*discordgo.WebhookEdit
	respondErr  error
	logger      *slog.Logger
}

func newStubInteractionHandler(i *discordgo.InteractionCreate) *stubInteractionHandler {
	return &stubInteractionHandler{
		interaction: i,
		logger:      discardLogger(),
	}
}

func (s *stubInteractionHandler) Respond(
	_ context.Context,
	i *discordgo.InteractionResponse,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, i)
	return s.respondErr
}

func (s *stubInteractionHandler) Edit(
	_ context.Context,
	e *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, e)
	msg := &discordgo.Message{ID: newSnowflake()}
	if e.Content != nil {
		msg.Content = *e.Content
	}
	return msg, nil
}

func (s *stubInteractionHandler) GetInteraction() *discordgo.InteractionCreate {
	return s.interaction
}

func (s *stubInteractionHandler) Logger() *slog.Logger {
	return s.logger
}

func (s *stubInteractionHandler) getResponses() []*discordgo.InteractionResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*discordgo.InteractionResponse{}, s.responses...)
}

// lastResponse returns the most recent response, failing the test if
// there isn't one
func (s *stubInteractionHandler) lastResponse(t testing.TB) *discordgo.InteractionResponse {
	t.Helper()
	responses := s.getResponses()
	require.NotEmpty(t, responses, "expected an interaction response")
	return responses[len(responses)-1]
}

// lastEdit returns the content of the most recent edit, failing the
// test if there isn't one
func (s *stubInteractionHandler) lastEdit(t testing.TB) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.edits, "expected an interaction response edit")
	e := s.edits[len(s.edits)-1]
	require.NotNil(t, e.Content)
	return *e.Content
}

func newDiscordUser(t testing.TB) *discordgo.User {
	t.Helper()
	id := newSnowflake()
	return &discordgo.User{
		ID:         id,
		Username:   "user_" + id[len(id)-4:],
		GlobalName: "User " + id[len(id)-4:],
	}
}

func newInteraction(
	u *discordgo.User,
	channelID string,
	typ discordgo.InteractionType,
	data discordgo.InteractionData,
) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			ID:        newSnowflake(),
			AppID:     testApplicationID,
			Type:      typ,
			GuildID:   testGuildID,
			ChannelID: channelID,
			Member:    &discordgo.Member{User: u},
			Token:     "token-" + newSnowflake(),
			Version:   1,
			Data:      data,
		},
	}
}

// newButtonInteraction returns a button press with the given custom ID
func newButtonInteraction(
	u *discordgo.User,
	channelID string,
	customID string,
) *discordgo.InteractionCreate {
	return newInteraction(
		u,
		channelID,
		discordgo.InteractionMessageComponent,
		discordgo.MessageComponentInteractionData{
			CustomID:      customID,
			ComponentType: discordgo.ButtonComponent,
		},
	)
}

// newModalInteraction returns a modal submission with one text input
// per field
func newModalInteraction(
	u *discordgo.User,
	channelID string,
	customID string,
	fields map[string]string,
) *discordgo.InteractionCreate {
	var rows []discordgo.MessageComponent
	for k, v := range fields {
		rows = append(
			rows,
			&discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					&discordgo.TextInput{CustomID: k, Value: v},
				},
			},
		)
	}
	return newInteraction(
		u,
		channelID,
		discordgo.InteractionModalSubmit,
		discordgo.ModalSubmitInteractionData{
			CustomID:   customID,
			Components: rows,
		},
	)
}

// newCommandInteraction returns a slash command invocation from a guild
// member with the given permissions
func newCommandInteraction(
	u *discordgo.User,
	permissions int64,
	name string,
	options ...*discordgo.ApplicationCommandInteractionDataOption,
) *discordgo.InteractionCreate {
	i := newInteraction(
		u,
		testChannelID,
		discordgo.InteractionApplicationCommand,
		discordgo.ApplicationCommandInteractionData{
			ID:          newSnowflake(),
			Name:        name,
			CommandType: discordgo.ChatApplicationCommand,
			Options:     options,
		},
	)
	i.Member.Permissions = permissions
	return i
}

func stringOption(name, value string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  name,
		Type:  discordgo.ApplicationCommandOptionString,
		Value: value,
	}
}

func channelOpt(channelID string) *discordgo.ApplicationCommandInteractionDataOption {
	return &discordgo.ApplicationCommandInteractionDataOption{
		Name:  optionChannel,
		Type:  discordgo.ApplicationCommandOptionChannel,
		Value: channelID,
	}
}

func TestClassifyDiscordError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		wantKind  error
		wantMsg   string
		notKind   error
		wantCause bool
	}{
		{
			name:      "forbidden",
			err:       restError(http.StatusForbidden, 0),
			wantKind:  ErrPermissionDenied,
			wantMsg:   "denied",
			notKind:   ErrPlatformRejected,
			wantCause: true,
		},
		{
			name:      "missing permissions code",
			err:       restError(http.StatusBadRequest, discordgo.ErrCodeMissingPermissions),
			wantKind:  ErrPermissionDenied,
			wantMsg:   "denied",
			notKind:   ErrPlatformRejected,
			wantCause: true,
		},
		{
			name:      "payload too large",
			err:       restError(http.StatusRequestEntityTooLarge, 40005),
			wantKind:  ErrPlatformRejected,
			wantMsg:   "rejected",
			notKind:   ErrPermissionDenied,
			wantCause: true,
		},
		{
			name:      "not a REST error",
			err:       errors.New("connection reset"),
			wantKind:  ErrPlatformRejected,
			wantMsg:   "rejected",
			notKind:   ErrPermissionDenied,
			wantCause: true,
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				err := classifyDiscordError(tc.err, "denied", "rejected")
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.wantKind)
				assert.NotErrorIs(t, err, tc.notKind)
				assert.Equal(t, tc.wantMsg, userMessage(err))
				if tc.wantCause {
					assert.ErrorIs(t, err, tc.err)
				}
			},
		)
	}

	assert.NoError(t, classifyDiscordError(nil, "denied", "rejected"))
}

func TestDiscord_HandlersConnectDisconnect(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	d := newDiscord(
		&DiscordConfig{CustomStatus: "Whispering"},
		discardLogger(),
	)
	d.session = session

	d.handlerConnect()(nil, &discordgo.Connect{})
	assert.True(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricConnects.Load())

	session.mu.Lock()
	require.Len(t, session.statuses, 1)
	require.Len(t, session.statuses[0].Activities, 1)
	assert.Equal(t, "Whispering", session.statuses[0].Activities[0].Name)
	assert.Equal(t, discordgo.ActivityTypeGame, session.statuses[0].Activities[0].Type)
	session.mu.Unlock()

	d.handlerDisconnect()(nil, &discordgo.Disconnect{})
	assert.False(t, d.connected.Load())
	assert.Equal(t, int64(1), d.metricDisconnects.Load())
}

func TestDiscord_HandlerReady(t *testing.T) {
	t.Parallel()
	d := newDiscord(&DiscordConfig{}, discardLogger())
	assert.Equal(t, "", d.botAvatarURL())

	// missing user is ignored
	d.handlerReady()(nil, &discordgo.Ready{})
	assert.Nil(t, d.botUser.Load())

	u := &discordgo.User{ID: testApplicationID, Username: "AnonPost", Avatar: "abc123"}
	d.handlerReady()(nil, &discordgo.Ready{User: u, SessionID: "session"})
	assert.Equal(t, u, d.botUser.Load())
	assert.Contains(t, d.botAvatarURL(), "abc123")
}

func TestDiscord_RegisterCommands(t *testing.T) {
	t.Parallel()
	session := newMockDiscordSession()
	d := newDiscord(
		&DiscordConfig{ApplicationID: testApplicationID},
		discardLogger(),
	)
	d.session = session

	created, err := d.registerCommands(appCommands())
	require.NoError(t, err)
	assert.Len(t, created, len(appCommands()))
	for _, c := range created {
		assert.NotEmpty(t, c.ID)
	}

	_, err = d.registerCommands(nil)
	assert.Error(t, err)
}

func TestGetDiscordUser(t *testing.T) {
	t.Parallel()
	u := &discordgo.User{ID: "1"}

	dm := &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{User: u}}
	assert.Equal(t, u, getDiscordUser(dm))

	guild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{Member: &discordgo.Member{User: u}},
	}
	assert.Equal(t, u, getDiscordUser(guild))

	assert.Nil(t, getDiscordUser(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{}}))
}

func TestPresenceUpdate(t *testing.T) {
	t.Parallel()
	p := presenceUpdate("with ghosts")
	require.Len(t, p.Activities, 1)
	assert.Equal(t, "with ghosts", p.Activities[0].Name)
	assert.Equal(t, string(discordgo.StatusOnline), p.Status)
}
