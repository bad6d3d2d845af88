package starcore

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	// quotaKeyGlobal is the single shared key for the global policy.
	quotaKeyGlobal = "global"

	quotaSweepInterval = 5 * time.Minute
)

// RateLimitConfig holds the limits for each admission policy.
//
//nolint:lll // struct tags can't be split
type RateLimitConfig struct {
	// GlobalLimit is the shared cap on invocations across all users and guilds
	GlobalLimit int64 `yaml:"global_limit" mapstructure:"global_limit" json:"global_limit" binding:"min=1"`

	// ServerLimit is the default per-guild cap, overridable per guild
	// via Server.RateLimitOverride
	ServerLimit int64 `yaml:"server_limit" mapstructure:"server_limit" json:"server_limit" binding:"min=1"`

	// UserLimit is the per-user cap for ordinary commands
	UserLimit int64 `yaml:"user_limit" mapstructure:"user_limit" json:"user_limit" binding:"min=1"`

	// ExpensiveLimit is the stricter per-user cap applied to commands
	// that invoke model inference
	ExpensiveLimit int64 `yaml:"expensive_limit" mapstructure:"expensive_limit" json:"expensive_limit" binding:"min=1"`

	// RequestWindow is the fixed window applied to the request-count policies
	RequestWindow time.Duration `yaml:"request_window" mapstructure:"request_window" json:"request_window" binding:"min=1s"`

	// DailyUserTokens caps model tokens per user per day
	DailyUserTokens int64 `yaml:"daily_user_tokens" mapstructure:"daily_user_tokens" json:"daily_user_tokens" binding:"min=1"`

	// DailyServerTokens caps model tokens per guild per day
	DailyServerTokens int64 `yaml:"daily_server_tokens" mapstructure:"daily_server_tokens" json:"daily_server_tokens" binding:"min=1"`

	// TokenWindow is the fixed window applied to the token-budget policies
	TokenWindow time.Duration `yaml:"token_window" mapstructure:"token_window" json:"token_window" binding:"min=1m"`
}

// DefaultRateLimitConfig returns the stock limits: 200/min global,
// 100/min per guild, 10/min per user (5/min for expensive commands),
// and 50k/500k daily token budgets.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		GlobalLimit:       DefaultGlobalRateLimit,
		ServerLimit:       DefaultServerRateLimit,
		UserLimit:         DefaultUserRateLimit,
		ExpensiveLimit:    DefaultExpensiveRateLimit,
		RequestWindow:     DefaultRateLimitWindow,
		DailyUserTokens:   DefaultDailyUserTokenLimit,
		DailyServerTokens: DefaultDailyServerTokenLimit,
		TokenWindow:       DefaultTokenWindow,
	}
}

// Decision is the outcome of RateLimiter.Admit. On denial, Reason names
// the first policy that failed and RetryAfter is the time remaining
// until that policy's window resets.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Reason     DenialReason  `json:"reason,omitempty"`
}

// DenialError converts a denied Decision into the error surfaced to
// callers. Returns nil for an allowed Decision.
func (d Decision) DenialError() *DenialError {
	if d.Allowed {
		return nil
	}
	return &DenialError{Reason: d.Reason, RetryAfter: d.RetryAfter}
}

// RateLimiter composes five QuotaStore policies, evaluated in a fixed
// order with short-circuit on the first denial:
//
//  1. Global (shared key)
//  2. Per-server (skipped for direct messages)
//  3. Per-user, with a stricter limit for expensive commands
//  4. Daily user token budget
//  5. Daily server token budget
//
// The token budgets are checked against prior accrual only; actual
// consumption is committed separately via CommitUsage after a successful
// dispatch, so a failed or cancelled call never burns quota.
type RateLimiter struct {
	config RateLimitConfig
	logger *slog.Logger

	requests     *QuotaStore
	userTokens   *QuotaStore
	serverTokens *QuotaStore
}

// NewRateLimiter creates a RateLimiter with the given limits. Counter
// state is process-local; when running multiple instances, each enforces
// its own share of the limits.
func NewRateLimiter(config RateLimitConfig, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		config:       config,
		logger:       logger.With(loggerNameKey, "rate_limiter"),
		requests:     NewQuotaStore(),
		userTokens:   NewQuotaStore(),
		serverTokens: NewQuotaStore(),
	}
}

// setClock swaps the clock on all underlying stores. Test hook.
func (r *RateLimiter) setClock(now func() time.Time) {
	r.requests.now = now
	r.userTokens.now = now
	r.serverTokens.now = now
}

func userQuotaKey(userID int64) string {
	return fmt.Sprintf("user:%d", userID)
}

func guildQuotaKey(guildID int64) string {
	return fmt.Sprintf("guild:%d", guildID)
}

// Admit evaluates every policy for an invocation. guildID is zero for
// direct messages, which skips the per-server and server-token policies.
// serverLimit overrides the default per-server limit when positive
// (from Server.RateLimitOverride).
//
// A denied request does not mutate any counter, so denials don't count
// against quota.
func (r *RateLimiter) Admit(
	userID int64,
	guildID int64,
	expensive bool,
	serverLimit int64,
) Decision {
	window := r.config.RequestWindow

	if ok, retryAfter := r.requests.Allow(
		quotaKeyGlobal, r.config.GlobalLimit, window,
	); !ok {
		r.logger.Warn(
			"global rate limit reached",
			"user_id", userID,
			"retry_after", retryAfter,
		)
		return Decision{Reason: DenialReasonGlobal, RetryAfter: retryAfter}
	}

	if guildID != 0 {
		limit := r.config.ServerLimit
		if serverLimit > 0 {
			limit = serverLimit
		}
		if ok, retryAfter := r.requests.Allow(
			guildQuotaKey(guildID), limit, window,
		); !ok {
			return Decision{Reason: DenialReasonServer, RetryAfter: retryAfter}
		}
	}

	userLimit := r.config.UserLimit
	if expensive {
		userLimit = r.config.ExpensiveLimit
	}
	if ok, retryAfter := r.requests.Allow(
		userQuotaKey(userID), userLimit, window,
	); !ok {
		return Decision{Reason: DenialReasonUser, RetryAfter: retryAfter}
	}

	// Token budgets gate expensive calls on prior accrual only - the
	// pending call's cost isn't known until it completes.
	if expensive {
		if d := r.checkTokenBudget(userID, guildID); !d.Allowed {
			return d
		}
	}

	return Decision{Allowed: true}
}

func (r *RateLimiter) checkTokenBudget(userID, guildID int64) Decision {
	window := r.config.TokenWindow

	used := r.userTokens.Usage(userQuotaKey(userID), window)
	if used >= r.config.DailyUserTokens {
		retryAfter := r.userTokens.ResetIn(userQuotaKey(userID))
		r.logger.Warn(
			"user daily token budget exhausted",
			"user_id", userID,
			"used", used,
			"limit", r.config.DailyUserTokens,
		)
		return Decision{Reason: DenialReasonUserTokens, RetryAfter: retryAfter}
	}

	if guildID != 0 {
		used = r.serverTokens.Usage(guildQuotaKey(guildID), window)
		if used >= r.config.DailyServerTokens {
			retryAfter := r.serverTokens.ResetIn(guildQuotaKey(guildID))
			return Decision{
				Reason:     DenialReasonServerTokens,
				RetryAfter: retryAfter,
			}
		}
	}

	return Decision{Allowed: true}
}

// CommitUsage records tokens actually consumed by a completed dispatch
// against the daily budgets. The coordinator calls this only after a
// successful (or partially-streamed) call; zero-fragment failures commit
// nothing.
func (r *RateLimiter) CommitUsage(userID, guildID int64, tokens int64) {
	if tokens <= 0 {
		return
	}
	window := r.config.TokenWindow
	r.userTokens.Add(userQuotaKey(userID), tokens, window)
	if guildID != 0 {
		r.serverTokens.Add(guildQuotaKey(guildID), tokens, window)
	}
}

// UserTokenUsage reports a user's accrual against the daily budget, for
// admin reporting.
func (r *RateLimiter) UserTokenUsage(userID int64) (used int64, limit int64) {
	return r.userTokens.Usage(
		userQuotaKey(userID),
		r.config.TokenWindow,
	), r.config.DailyUserTokens
}

// Sweep evicts stale counters from all stores, returning the total
// evicted. Core.Run calls this on a ticker.
func (r *RateLimiter) Sweep() int {
	evicted := r.requests.Sweep()
	evicted += r.userTokens.Sweep()
	evicted += r.serverTokens.Sweep()
	if evicted > 0 {
		r.logger.Debug("swept stale quota keys", "evicted", evicted)
	}
	return evicted
}
