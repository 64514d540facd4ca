package anonpost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/hungrysocks/AnonPost/anonpost.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// Bot is the anonymous posting bot. It owns the discord session, the
// store, the guard, and the optional admin API.
type Bot struct {
	config *Config

	db    *gorm.DB
	store Store

	// Ban and cooldown checks, with the in-memory ban mirror
	guard *Guard

	posts    *PostRegistry
	replies  *ReplyRouter
	identity *Identity
	modlog   *modLog
	images   *imageFetcher
	discord  *Discord
	api      *API

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it once Run has opened the
	// database, loaded bans, connected to discord and registered commands
	signalReady chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// interactionsInProgress is the number of interactions currently
	// being handled
	interactionsInProgress atomic.Int64

	// getInteractionHandlerFunc returns the InteractionHandler used to
	// respond to an incoming interaction
	getInteractionHandlerFunc func(
		ctx context.Context,
		i *discordgo.InteractionCreate,
	) InteractionHandler
}

// New returns a Bot for the given config. The database isn't opened
// and discord isn't connected until Run is called.
func New(config *Config) (*Bot, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Discord == nil {
		return nil, errors.New("discord config required")
	}

	b := &Bot{
		config:      config,
		signalStop:  make(chan struct{}, 1),
		signalReady: make(chan struct{}, 1),
	}

	b.logHandler = newLogHandler(config.LogLevel)
	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(config.Discord.DiscordGoLogLevel).WithAttrs(
			[]slog.Attr{slog.String(loggerNameKey, "discordgo")},
		),
	)

	disc := newDiscord(
		config.Discord,
		slog.New(newLogHandler(config.Discord.LogLevel)).With(loggerNameKey, "discord"),
	)
	disc.httpClient = config.HTTPClient
	b.discord = disc

	b.images = newImageFetcher(config.Image, config.HTTPClient, b.logger)
	b.identity = newIdentity(disc, b.images, b.logger)
	b.modlog = newModLog(disc, config.Discord.LogChannelID, b.logger)

	if config.API != nil && config.API.Enabled {
		api, err := newAPI(b, config.API)
		errs = append(errs, err)
		b.api = api
	}

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// Stop signals a running bot to shut down
func (b *Bot) Stop(ctx context.Context) error {
	select {
	case b.signalStop <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run opens the database, connects to discord and handles interactions
// until ctx is canceled or Stop is called. In-flight interactions are
// given up to Config.ShutdownTimeout to finish.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-b.signalStop:
			logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			logger.Warn("context canceled")
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx, ctx, runtimeWG)
	}()

	select {
	case <-startCtx.Done():
		b.closeDB(ctx)
		return errors.New("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			b.closeDB(ctx)
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if b.api != nil {
		go func() {
			httpErr := b.api.Serve(ctx)
			if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
				logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
			}
		}()
	}

	b.signalReady <- struct{}{}
	logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	<-ctx.Done()

	return b.shutdown(ctx, runtimeWG)
}

// initRun opens the database, seeds the guard, then connects to discord
// and registers commands
func (b *Bot) initRun(
	startCtx context.Context,
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	if err := b.initDB(startCtx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	if err := b.guard.Load(startCtx); err != nil {
		return fmt.Errorf("error loading bans: %w", err)
	}

	if err := b.initDiscordSession(ctx, runtimeWG); err != nil {
		return err
	}

	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := b.discord.registerCommands(appCommands()); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}
	return nil
}

// initDB opens the database and builds the components that depend on it
func (b *Bot) initDB(ctx context.Context) error {
	if b.db == nil {
		gormLogger := newGORMLogger(
			newLogHandler(b.config.DatabaseLogLevel),
			b.config.DatabaseSlowThreshold,
		)
		db, err := openDB(ctx, b.config.Database, gormLogger)
		if err != nil {
			return err
		}
		b.db = db
	}

	b.store = NewStore(b.db, b.logger)
	b.guard = NewGuard(b.store, b.config.PostCooldown, b.logger)
	b.posts = newPostRegistry(b.store, b.guard, b.images, b.discord, b.logger)
	b.replies = newReplyRouter(b.store, b.guard, b.images, b.discord, b.logger)
	return nil
}

func (b *Bot) closeDB(ctx context.Context) {
	if b.db == nil {
		return
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		b.logger.ErrorContext(ctx, "error getting database connection", tint.Err(err))
		return
	}
	if err = sqlDB.Close(); err != nil {
		b.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
	}
}

func (b *Bot) initDiscordSession(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	logger := b.logger.With(loggerNameKey, "discord_session")

	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	ctx = WithLogger(ctx, logger)

	for _, h := range b.discord.discordgoRemoveHandlerFuncs {
		h()
	}

	identify := discordgo.Identify{Intents: b.config.Discord.GatewayIntents}
	if status := b.discord.currentPresence(); status != "" {
		identify.Presence = discordgo.GatewayStatusUpdate{
			Game:   discordgo.Activity{Name: status, Type: discordgo.ActivityTypeGame},
			Status: string(discordgo.StatusOnline),
		}
	}
	b.discord.session.SetIdentify(identify)

	if b.getInteractionHandlerFunc == nil {
		b.getInteractionHandlerFunc = func(
			_ context.Context,
			i *discordgo.InteractionCreate,
		) InteractionHandler {
			return GatewayHandler{
				session:     b.discord.session,
				interaction: i,
				logger: b.logger.With(
					slog.Group("interaction", interactionLogAttrs(*i)...),
				),
			}
		}
	}

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(b.handlerInteractionCreate(ctx, runtimeWG)),
	}
	return nil
}

// handlerInteractionCreate handles each interaction in its own goroutine,
// tracked by runtimeWG. Interactions keep ctx's values but aren't
// canceled with it: shutdown waits on runtimeWG, bounded by
// Config.ShutdownTimeout.
func (b *Bot) handlerInteractionCreate(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) func(s *discordgo.Session, i *discordgo.InteractionCreate) {
	ctx = context.WithoutCancel(ctx)
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		handler := b.getInteractionHandlerFunc(ctx, i)
		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			defer func() {
				if rc := recover(); rc != nil {
					b.handleRecover(ctx, rc)
				}
			}()
			b.handleInteraction(ctx, handler)
		}()
	}
}

// shutdown waits for in-flight interactions to finish, then closes the
// API server, the discord session and the database. If the shutdown
// timeout passes first, everything is closed immediately.
func (b *Bot) shutdown(ctx context.Context, runtimeWG *sync.WaitGroup) error {
	b.logger.WarnContext(ctx, "shutting down")

	shutdownStart := time.Now()
	shutdownDeadline := shutdownStart.Add(b.config.ShutdownTimeout)

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"in_progress", b.interactionsInProgress.Load(),
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(context.Background(), shutdownDeadline)
	defer closeCancel()

	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight interactions",
			"runtime_stop_duration", time.Since(shutdownStart),
		)
		b.closeConnections(ctx, closeCtx)
		gracefulShutdownCh <- struct{}{}
	}()

	select {
	case <-gracefulShutdownCh:
		b.logger.InfoContext(
			ctx,
			"shutdown complete",
			"shutdown_duration", time.Since(shutdownStart),
		)
		return nil
	case <-closeCtx.Done():
		b.logger.Warn("interactions did not finish in time, forcing close")
		if b.api != nil {
			go func() {
				_ = b.api.httpServer.Close()
			}()
		}
		if b.discord.session != nil {
			go func() {
				_ = b.discord.session.Close()
			}()
		}
		return errors.New("interactions did not finish in time")
	}
}

func (b *Bot) closeConnections(ctx context.Context, closeCtx context.Context) {
	stopWG := &sync.WaitGroup{}

	if b.api != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			b.logger.InfoContext(ctx, "stopping http server")
			_ = b.api.httpServer.Shutdown(closeCtx)
			b.logger.InfoContext(ctx, "http server stopped")
		}()
	}

	if b.discord.session != nil {
		stopWG.Add(1)
		go func() {
			defer stopWG.Done()
			b.logger.InfoContext(ctx, "closing discord session")
			_ = b.discord.session.Close()
			for _, h := range b.discord.discordgoRemoveHandlerFuncs {
				h()
			}
			b.discord.discordgoRemoveHandlerFuncs = nil
			b.logger.InfoContext(ctx, "discord session closed")
		}()
	}

	stopWG.Wait()
	b.closeDB(ctx)
}

func (*Bot) handleRecover(ctx context.Context, rc any) {
	logger := contextLoggerOr(ctx, nil)
	stackTrace := string(debug.Stack())
	if nerr, ok := rc.(error); ok {
		logger.ErrorContext(ctx, "recovered from panic", tint.Err(nerr), "stack_trace", stackTrace)
		return
	}
	if nerr, ok := rc.(string); ok {
		logger.ErrorContext(
			ctx,
			"recovered from panic",
			tint.Err(errors.New(nerr)),
			"stack_trace", stackTrace,
		)
		return
	}
	logger.ErrorContext(ctx, "recovered from panic", "panic_arg", rc, "stack_trace", stackTrace)
}

// handleInteraction routes an interaction to the command, button or
// modal handler. Every interaction is saved as an InteractionLog.
func (b *Bot) handleInteraction(ctx context.Context, handler InteractionHandler) {
	b.interactionsInProgress.Add(1)
	defer b.interactionsInProgress.Add(-1)

	i := handler.GetInteraction()
	logger := handler.Logger()

	discordUser := getDiscordUser(i)
	if discordUser == nil {
		logger.ErrorContext(ctx, "no user found in interaction", "interaction", structToSlogValue(i))
		return
	}

	logger = logger.With(columnUserID, discordUser.ID)
	ctx = WithLogger(ctx, logger)
	logger.InfoContext(ctx, "received new interaction", "username", discordUser.Username)

	wg := &sync.WaitGroup{}
	defer wg.Wait()

	interactionLog, err := newInteractionLog(i, discordUser)
	if err != nil {
		logger.ErrorContext(ctx, "error marshaling interaction", tint.Err(err))
	} else {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if createErr := b.store.CreateInteractionLog(ctx, interactionLog); createErr != nil {
				logger.ErrorContext(ctx, "error logging interaction", tint.Err(createErr))
			}
		}()
	}

	if discordUser.Bot {
		logger.WarnContext(ctx, "user is bot, ignoring")
		return
	}

	switch i.Type {
	case discordgo.InteractionPing:
		_ = handler.Respond(
			ctx, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponsePong,
			},
		)
	case discordgo.InteractionApplicationCommand:
		b.handleCommand(ctx, handler, discordUser)
	case discordgo.InteractionMessageComponent:
		b.handleComponent(ctx, handler, discordUser)
	case discordgo.InteractionModalSubmit:
		b.handleModalSubmit(ctx, handler, discordUser)
	default:
		logger.WarnContext(ctx, "unhandled interaction type")
	}
}

// handleComponent responds to a "Post" or "Reply" button press with the
// matching modal, once the guard allows it
func (b *Bot) handleComponent(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, handler.Logger())

	cid, err := parseCustomID(i.MessageComponentData().CustomID)
	if err != nil {
		logger.WarnContext(ctx, "ignoring component", tint.Err(err))
		return
	}

	if err = b.guard.Check(ctx, u.ID); err != nil {
		b.respondError(ctx, handler, err)
		return
	}

	switch cid.action {
	case actionNewPost:
		_ = handler.Respond(ctx, postModal())
	case actionReplyTo:
		if _, err = b.replies.resolve(ctx, cid.postID); err != nil {
			b.respondError(ctx, handler, err)
			return
		}
		_ = handler.Respond(ctx, replyModal(cid.postID))
	}
}

// handleModalSubmit creates the post or reply from a submitted modal.
// The response is deferred, then edited with the outcome.
func (b *Bot) handleModalSubmit(
	ctx context.Context,
	handler InteractionHandler,
	u *discordgo.User,
) {
	i := handler.GetInteraction()
	logger := contextLoggerOr(ctx, handler.Logger())
	data := i.ModalSubmitData()

	cid, err := parseCustomID(data.CustomID)
	if err != nil {
		logger.WarnContext(ctx, "ignoring modal", tint.Err(err))
		return
	}

	if err = b.guard.Check(ctx, u.ID); err != nil {
		b.respondError(ctx, handler, err)
		return
	}

	if err = handler.Respond(ctx, deferredEphemeralResponse()); err != nil {
		return
	}

	var content string
	switch cid.action {
	case actionNewPost:
		_, err = b.posts.CreatePost(ctx, i.ChannelID, u.ID, postInputFromModal(data))
		content = msgPostCreated
	case actionReplyTo:
		err = b.replies.Reply(ctx, cid.postID, u.ID, replyInputFromModal(data))
		content = msgReplySent
	}
	if err != nil {
		b.logError(ctx, logger, "error handling modal", err)
		content = userMessage(err)
	}
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}

// respondError sends the error's user message as an immediate
// ephemeral response
func (b *Bot) respondError(ctx context.Context, handler InteractionHandler, err error) {
	b.logError(ctx, contextLoggerOr(ctx, handler.Logger()), "interaction rejected", err)
	_ = handler.Respond(ctx, ephemeralResponse(userMessage(err)))
}

// editError edits a deferred response with the error's user message
func (b *Bot) editError(ctx context.Context, handler InteractionHandler, err error) {
	b.logError(ctx, contextLoggerOr(ctx, handler.Logger()), "command failed", err)
	content := userMessage(err)
	_, _ = handler.Edit(ctx, &discordgo.WebhookEdit{Content: &content})
}

// logError logs PermissionDenied and NotEligible at warn, since
// they're expected, and everything else at error
func (*Bot) logError(ctx context.Context, logger *slog.Logger, msg string, err error) {
	if errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrNotEligible) {
		logger.WarnContext(ctx, msg, tint.Err(err))
		return
	}
	logger.ErrorContext(ctx, msg, tint.Err(err))
}

// authorize returns ErrPermissionDenied unless the user is a configured
// owner, or a guild member with the Administrator permission
func (b *Bot) authorize(i *discordgo.InteractionCreate) error {
	u := getDiscordUser(i)
	if u != nil && b.config.Discord.isOwner(u.ID) {
		return nil
	}
	if i.Member != nil && i.Member.Permissions&discordgo.PermissionAdministrator != 0 {
		return nil
	}
	return newUserError(ErrPermissionDenied, msgNoPermission, nil)
}
