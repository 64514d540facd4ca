package anonpost

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	apiPrefix         = "/api"
	apiHealthCheck    = "/healthz"
	apiPathChannels   = "/channels"
	apiPathChannel    = "/channels/:id"
	apiPathBans       = "/bans"
	apiPathBan        = "/bans/:id"
	apiPathPurgeBans  = "/bans/purge"
	apiPathPost       = "/posts/:id"
	apiPathQuit       = "/quit"
	xRequestIDHeader  = "X-Request-ID"
	authHeaderPrefix  = "Bearer "
	quitSignalTimeout = 30 * time.Second
)

var (
	structValidator = validator.New()
)

// API is the admin HTTP server. Everything under /api requires the
// admin bearer token set with the `init` command.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine

	// authFailureLimiter paces failed authentication attempts
	authFailureLimiter *rate.Limiter
	logger             *slog.Logger

	handlers *APIHandlers
}

func newAPI(b *Bot, config *APIConfig) (*API, error) {
	logger := slog.New(newLogHandler(config.LogLevel)).With(loggerNameKey, "api")

	r := gin.New()
	api := &API{
		config:             config,
		engine:             r,
		authFailureLimiter: rate.NewLimiter(rate.Limit(1), 1),
		logger:             logger,
	}
	apiHandlers := &APIHandlers{b: b, logger: logger}
	api.handlers = apiHandlers

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	if config.SSL.Cert != "" {
		tlsCfg, e := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
		if e != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", e)
		}
		httpServer.TLSConfig = tlsCfg
	}
	api.httpServer = httpServer

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, apiHandlers.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(b, api.authFailureLimiter))

	protected.GET(apiPathChannels, apiHandlers.listChannels)
	protected.DELETE(apiPathChannel, apiHandlers.removeChannel)
	protected.GET(apiPathBans, apiHandlers.listBans)
	protected.POST(apiPathPurgeBans, apiHandlers.purgeBans)
	protected.PUT(apiPathBan, apiHandlers.banUser)
	protected.DELETE(apiPathBan, apiHandlers.unbanUser)
	protected.GET(apiPathPost, apiHandlers.getPost)
	protected.POST(apiPathQuit, apiHandlers.botQuit)

	return api, nil
}

// Serve listens on the configured address, with TLS if a cert is set,
// and serves until the server is shut down
func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	network := a.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.listener = ln
	a.logger.InfoContext(ctx, "api listening", "address", ln.Addr().String())
	return a.httpServer.Serve(a.listener)
}

// APIHandlers implements the admin API endpoints
type APIHandlers struct {
	b      *Bot
	logger *slog.Logger
}

// healthCheckResponse is returned by GET /healthz
type healthCheckResponse struct {
	DiscordGatewayConnected bool `json:"discord_gateway_connected"`
	Channels                int  `json:"channels"`
	Bans                    int  `json:"bans"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// banPayload is the body of PUT /api/bans/:id
type banPayload struct {
	Duration BanDuration `json:"duration" binding:"required,oneof=1_day 1_month permanent"`
}

// purgeResponse is returned by POST /api/bans/purge
type purgeResponse struct {
	Removed int `json:"removed"`
}

// healthCheck reports whether the gateway is connected, along with the
// number of opted-in channels and stored bans
func (h *APIHandlers) healthCheck(c *gin.Context) {
	resp := healthCheckResponse{
		DiscordGatewayConnected: h.b.discord.connected.Load(),
	}
	store := h.b.store
	if store == nil {
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	g, ctx := errgroup.WithContext(c.Request.Context())
	g.Go(
		func() error {
			channels, err := store.ListChannels(ctx)
			resp.Channels = len(channels)
			return err
		},
	)
	g.Go(
		func() error {
			bans, err := store.LoadBans(ctx)
			resp.Bans = len(bans)
			return err
		},
	)
	if err := g.Wait(); err != nil {
		ginContextLogger(c).ErrorContext(ctx, "health check failed", tint.Err(err))
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *APIHandlers) listChannels(c *gin.Context) {
	channels, err := h.b.store.ListChannels(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, msgDatabaseError)
		return
	}
	if channels == nil {
		channels = []AnonChannel{}
	}
	c.JSON(http.StatusOK, channels)
}

func (h *APIHandlers) removeChannel(c *gin.Context) {
	channelID := c.Param("id")
	removed, err := h.b.store.RemoveChannel(c.Request.Context(), channelID)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, msgDatabaseError)
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, httpError{Error: "channel not found"})
		return
	}
	h.b.modlog.Info(c.Request.Context(), "api", "channel removed", channelMention(channelID))
	ginReplyMessage(c, "channel removed")
}

func (h *APIHandlers) listBans(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.guard.Bans())
}

func (h *APIHandlers) banUser(c *gin.Context) {
	userID := c.Param("id")
	if !validUserID(userID) {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid user ID"})
		return
	}
	var payload banPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ban, err := h.b.guard.Ban(c.Request.Context(), userID, payload.Duration)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, msgDatabaseError)
		return
	}
	h.b.modlog.Warn(
		c.Request.Context(),
		"api",
		"user banned",
		fmt.Sprintf("%s for %s", userID, payload.Duration.Name()),
	)
	c.JSON(http.StatusOK, ban)
}

func (h *APIHandlers) unbanUser(c *gin.Context) {
	userID := c.Param("id")
	existed, err := h.b.guard.Unban(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, msgDatabaseError)
		return
	}
	if !existed {
		c.JSON(http.StatusNotFound, httpError{Error: "ban not found"})
		return
	}
	h.b.modlog.Info(c.Request.Context(), "api", "user unbanned", userID)
	ginReplyMessage(c, "user unbanned")
}

// purgeBans removes expired bans from the cache and the store
func (h *APIHandlers) purgeBans(c *gin.Context) {
	removed, err := h.b.guard.PurgeExpired(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, msgDatabaseError)
		return
	}
	c.JSON(http.StatusOK, purgeResponse{Removed: removed})
}

func (h *APIHandlers) getPost(c *gin.Context) {
	mapping, err := h.b.store.GetPostMapping(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, msgDatabaseError)
		return
	}
	if mapping == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "post not found"})
		return
	}
	c.JSON(http.StatusOK, mapping)
}

// botQuit sends the bot a stop signal, which starts a graceful shutdown
func (h *APIHandlers) botQuit(c *gin.Context) {
	log := ginContextLogger(c)
	log.Warn("sending stop signal")
	ctx, cancel := context.WithTimeout(context.Background(), quitSignalTimeout)
	defer cancel()

	if err := h.b.Stop(ctx); err != nil {
		log.Warn("timeout sending stop signal")
		c.JSON(http.StatusGatewayTimeout, httpError{Error: "timeout sending stop signal"})
		return
	}
	ginReplyMessage(c, "quitting")
}

// authMiddleware requires an `Authorization: Bearer <token>` header
// matching the stored admin token hash. If no token has been set, every
// request is rejected. Failed attempts beyond limiter's rate get HTTP 429
// rather than 401.
func authMiddleware(b *Bot, limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		ctx := c.Request.Context()

		reject := func(reason string) {
			logger.WarnContext(ctx, "authentication failed", "reason", reason)
			if !limiter.Allow() {
				c.AbortWithStatusJSON(
					http.StatusTooManyRequests,
					httpError{Error: "too many requests"},
				)
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
		}

		hash, err := b.store.AdminTokenHash(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "error getting admin token", tint.Err(err))
			ginReplyError(c, msgDatabaseError)
			return
		}
		if hash == "" {
			reject("admin token not set")
			return
		}

		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), authHeaderPrefix)
		if !ok || token == "" {
			reject("missing bearer token")
			return
		}

		valid, err := VerifyToken(hash, token)
		if err != nil {
			logger.ErrorContext(ctx, "error verifying token", tint.Err(err))
		}
		if !valid {
			reject("invalid token")
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a uuid to each request, set on the
// context and the response under X-Request-ID
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := slog.Default().With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, with its
// duration, status and any errors attached to the context
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}
