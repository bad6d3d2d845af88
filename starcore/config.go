//nolint:lll // struct tags can't be split
package starcore

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "STARCORE_ENV_PREFIX"
	DefaultEnvPrefix   = "STARCORE"

	DefaultDatabaseType = "sqlite"
	DefaultDatabase     = "starcore.sqlite3"
	DefaultLogLevel     = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	DefaultGlobalRateLimit       = 200
	DefaultServerRateLimit       = 100
	DefaultUserRateLimit         = 10
	DefaultExpensiveRateLimit    = 5
	DefaultRateLimitWindow       = time.Minute
	DefaultDailyUserTokenLimit   = 50_000
	DefaultDailyServerTokenLimit = 500_000
	DefaultTokenWindow           = 24 * time.Hour

	DefaultModelName             = "gpt-4o-mini"
	DefaultModelRequestTimeout   = 60 * time.Second
	DefaultModelMaxRetries       = 3
	DefaultModelRetryMinWait     = time.Second
	DefaultModelRetryMaxWait     = 30 * time.Second
	DefaultModelRequestsPerSec   = 2
	DefaultModelMaxOutputTokens  = 2048
	DefaultConversationMaxTurns  = 10
	DefaultContextMessageWindow  = 20
	DefaultMessageRetention      = 30 * 24 * time.Hour
	DefaultPromptMaxLength       = 4000
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelInfo
	DefaultModelLogLevel         = slog.LevelInfo
	DefaultAPILogLevel           = slog.LevelInfo

	DefaultAPIListen         = "127.0.0.1:5000"
	defaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second
)

// Config is the top-level configuration for the Starcore service.
type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database" binding:"required"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// RateLimit holds the admission policy limits
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit" json:"rate_limit"`

	// Model configures the upstream model API client
	Model *ModelConfig `yaml:"model" mapstructure:"model" json:"model"`

	// API configures the read-only stats/health server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the service has
	// to initialize. If this is passed, startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After
	// this elapses, all connections are force-closed.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks the configuration against its binding tags.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.SetTagName("binding")
	return validate.Struct(c)
}

// ModelConfig configures the upstream OpenAI-compatible model API.
type ModelConfig struct {
	// Token is the bearer token for the model API
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// BaseURL overrides the API base URL. Leave empty for the OpenAI default.
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// DefaultModel is used when a user has no preferred model set
	DefaultModel string `yaml:"default_model" mapstructure:"default_model" json:"default_model" binding:"required"`

	// RequestTimeout is the per-call deadline. When it elapses, the
	// upstream call is aborted and surfaces as a timeout; partial
	// streamed text is kept.
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout" json:"request_timeout" binding:"min=1s"`

	// MaxRetries bounds retries of transient (429/5xx/network) failures
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries" binding:"min=0,max=10"`

	// RetryMinWait is the initial backoff delay between retries
	RetryMinWait time.Duration `yaml:"retry_min_wait" mapstructure:"retry_min_wait" json:"retry_min_wait"`

	// RetryMaxWait caps the exponential backoff delay
	RetryMaxWait time.Duration `yaml:"retry_max_wait" mapstructure:"retry_max_wait" json:"retry_max_wait"`

	// MaxRequestsPerSecond throttles outbound API requests
	MaxRequestsPerSecond int `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"min=1"`

	// MaxOutputTokens is passed through as the completion token cap
	MaxOutputTokens int `yaml:"max_output_tokens" mapstructure:"max_output_tokens" json:"max_output_tokens"`

	// Model API base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the read-only stats/health HTTP server.
type APIConfig struct {
	// Enabled determines whether the stats server is started at all
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000")
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true,hostname_port"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix")
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// AllowOrigins is the CORS origin allowlist. Empty disables CORS headers.
	AllowOrigins []string `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`

	// Maximum duration for reading the entire request, including the body
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true,min=1s"`

	// Amount of time allowed to read request headers
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum duration before timing out writes of the response
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true,min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"required_if=Enabled true,min=1s"`
}

// DefaultConfig returns a Config with all default settings populated.
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	modelLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	modelLogLevel.Set(DefaultModelLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		RateLimit:             DefaultRateLimitConfig(),
		Model: &ModelConfig{
			DefaultModel:         DefaultModelName,
			RequestTimeout:       DefaultModelRequestTimeout,
			MaxRetries:           DefaultModelMaxRetries,
			RetryMinWait:         DefaultModelRetryMinWait,
			RetryMaxWait:         DefaultModelRetryMaxWait,
			MaxRequestsPerSecond: DefaultModelRequestsPerSec,
			MaxOutputTokens:      DefaultModelMaxOutputTokens,
			LogLevel:             modelLogLevel,
		},
		API: &APIConfig{
			Enabled:           false,
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
