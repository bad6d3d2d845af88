package starcore

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"
)

// API serves the read-only aggregate stats and health endpoints. It has
// no mutation routes - anything that changes state goes through the
// coordinator, not HTTP.
type API struct {
	config     *APIConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	store      *ConversationStore
	limiter    *RateLimiter
}

func newAPI(
	config *APIConfig,
	store *ConversationStore,
	limiter *RateLimiter,
) *API {
	logLevel := config.LogLevel
	if logLevel == nil {
		lv := &slog.LevelVar{}
		lv.Set(DefaultAPILogLevel)
		logLevel = lv
	}
	logger := slog.New(newLogHandler(logLevel)).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if len(config.AllowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = config.AllowOrigins
		corsConfig.AllowMethods = []string{http.MethodGet, http.MethodHead}
		engine.Use(cors.New(corsConfig))
	}

	a := &API{
		config:  config,
		logger:  logger,
		engine:  engine,
		store:   store,
		limiter: limiter,
		httpServer: &http.Server{
			Handler:           engine,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
		},
	}

	engine.GET("/healthz", a.healthCheck)

	apiGroup := engine.Group("/api")
	apiGroup.GET("/stats", a.globalStats)
	apiGroup.GET("/stats/users/:id", a.userStats)
	apiGroup.GET("/stats/guilds/:id", a.guildStats)

	return a
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) globalStats(c *gin.Context) {
	stats, err := a.store.GetStats(c.Request.Context(), StatsScope{})
	if err != nil {
		a.logger.Error("error getting global stats", tint.Err(err))
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error getting stats"},
		)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (a *API) userStats(c *gin.Context) {
	userID, ok := pathID(c)
	if !ok {
		return
	}
	stats, err := a.store.GetStats(
		c.Request.Context(), StatsScope{UserID: userID},
	)
	if err != nil {
		a.logger.Error(
			"error getting user stats",
			"user_id", userID,
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error getting stats"},
		)
		return
	}
	tokensToday, tokenLimit := a.limiter.UserTokenUsage(userID)
	c.JSON(
		http.StatusOK, gin.H{
			"stats":        stats,
			"tokens_today": tokensToday,
			"token_limit":  tokenLimit,
		},
	)
}

func (a *API) guildStats(c *gin.Context) {
	guildID, ok := pathID(c)
	if !ok {
		return
	}
	stats, err := a.store.GetStats(
		c.Request.Context(), StatsScope{GuildID: guildID},
	)
	if err != nil {
		a.logger.Error(
			"error getting guild stats",
			"guild_id", guildID,
			tint.Err(err),
		)
		c.JSON(
			http.StatusInternalServerError,
			gin.H{"error": "error getting stats"},
		)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Serve listens and serves until ctx is cancelled, then shuts down
// gracefully within the given timeout.
func (a *API) Serve(ctx context.Context, shutdownTimeout time.Duration) error {
	listener, err := net.Listen(a.config.ListenNetwork, a.config.Listen)
	if err != nil {
		return err
	}
	a.logger.Info(
		"stats API listening",
		"listen", a.config.Listen,
		"network", a.config.ListenNetwork,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Serve(listener)
	}()

	select {
	case err = <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()
		if err = a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("error shutting down stats API", tint.Err(err))
		}
		return nil
	}
}
