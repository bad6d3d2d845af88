package starcore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"log/slog"

	"gorm.io/gorm"
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation, update, and deletion, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64          `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64          `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// ChatMessage is one conversation turn: a role ("system", "user" or
// "assistant") and its content.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MessageList is an ordered role/content sequence persisted as a JSON
// column. The store layer treats the serialization as opaque beyond
// "decodes to a sequence of role/content pairs".
type MessageList []ChatMessage

// Scan implements the sql.Scanner interface.
func (m *MessageList) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	case nil:
		*m = nil
		return nil
	default:
		return fmt.Errorf("unexpected type for MessageList: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (m MessageList) Value() (driver.Value, error) {
	if m == nil {
		m = MessageList{}
	}
	data, err := json.Marshal(m)
	return string(data), err
}

// GormDataType is used by GORM to determine the default data type for a field.
func (MessageList) GormDataType() string {
	return "string"
}

// StringList is a JSON-array column holding an ordered set of strings
// (disabled features, interests, recent messages).
type StringList []string

// Scan implements the sql.Scanner interface.
func (s *StringList) Scan(value any) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	case nil:
		*s = nil
		return nil
	default:
		return fmt.Errorf("unexpected type for StringList: %T", value)
	}
}

// Value implements the driver.Valuer interface.
func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		s = StringList{}
	}
	data, err := json.Marshal(s)
	return string(data), err
}

// GormDataType is used by GORM to determine the default data type for a field.
func (StringList) GormDataType() string {
	return "string"
}

// User is a record of a chat-platform user. Created on first
// interaction; never deleted except by explicit privacy opt-out.
//
//nolint:lll // struct tags can't be split
type User struct {
	// ID is the platform-assigned user ID, treated as opaque
	ID int64 `json:"id" gorm:"primaryKey;autoIncrement:false"`

	// PreferredModel overrides the system default model for this user
	PreferredModel string `json:"preferred_model" gorm:"column:preferred_model"`

	// TotalTokens is a monotonically increasing counter of tokens billed
	// to this user, reconciled at usage-log write time
	TotalTokens int64 `json:"total_tokens" gorm:"column:total_tokens;default:0"`

	ModelUnixTime
}

func (u *User) LogValue() slog.Value {
	if u == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Int64("id", u.ID),
		slog.String("preferred_model", u.PreferredModel),
		slog.Int64("total_tokens", u.TotalTokens),
	)
}

// Conversation is an ordered, append-only message sequence owned by a
// user, optionally scoped to a guild (GuildID zero for direct
// messages). At most one conversation per (user, guild) pair has
// Active set - the coordinator and store enforce this.
//
//nolint:lll // struct tags can't be split
type Conversation struct {
	ID uint `json:"id" gorm:"primaryKey"`

	// The partial unique index holds the one-active-conversation
	// invariant at the database level; concurrent starts that pass the
	// application-level check lose the race here instead of inserting a
	// second active row.
	UserID int64 `json:"user_id" gorm:"column:user_id;index:idx_conversations_user;uniqueIndex:idx_conversations_one_active,where:active"`

	// GuildID is zero for direct messages
	GuildID int64 `json:"guild_id" gorm:"column:guild_id;index:idx_conversations_user;uniqueIndex:idx_conversations_one_active"`

	// Messages holds the ordered role/content turns. Bounded to the most
	// recent conversationMaxTurns entries on append.
	Messages MessageList `json:"messages" gorm:"column:messages"`

	ModelUsed string `json:"model_used" gorm:"column:model_used"`

	Active bool `json:"active" gorm:"column:active;index:idx_conversations_user;default:true"`

	ModelUnixTime
}

func (c *Conversation) LogValue() slog.Value {
	if c == nil {
		return slog.Value{}
	}
	return slog.GroupValue(
		slog.Uint64("id", uint64(c.ID)),
		slog.Int64("user_id", c.UserID),
		slog.Int64("guild_id", c.GuildID),
		slog.Int("messages", len(c.Messages)),
		slog.Bool("active", c.Active),
	)
}

// Server holds per-guild settings, created lazily on first command from
// a new guild.
//
//nolint:lll // struct tags can't be split
type Server struct {
	// GuildID is the platform-assigned guild ID
	GuildID int64 `json:"guild_id" gorm:"primaryKey;autoIncrement:false;column:guild_id"`

	// RateLimitOverride replaces the default per-server quota when > 0
	RateLimitOverride int64 `json:"rate_limit_override" gorm:"column:rate_limit_override;default:0"`

	// DisabledFeatures is a set of feature names switched off for this guild
	DisabledFeatures StringList `json:"disabled_features" gorm:"column:disabled_features"`

	ModelUnixTime
}

// FeatureDisabled reports whether the named feature is switched off for
// this guild.
func (s *Server) FeatureDisabled(name string) bool {
	for _, f := range s.DisabledFeatures {
		if f == name {
			return true
		}
	}
	return false
}

// UsageLog is an append-only fact row, one per completed (or failed)
// dispatch. Never mutated after insert.
//
//nolint:lll // struct tags can't be split
type UsageLog struct {
	ID uint `json:"id" gorm:"primaryKey"`

	UserID  int64 `json:"user_id" gorm:"column:user_id;index:idx_usage_logs_user"`
	GuildID int64 `json:"guild_id" gorm:"column:guild_id;index:idx_usage_logs_guild"`

	Command string `json:"command" gorm:"column:command"`
	Model   string `json:"model" gorm:"column:model"`

	TokensUsed int64   `json:"tokens_used" gorm:"column:tokens_used;default:0"`
	LatencyMs  float64 `json:"latency_ms" gorm:"column:latency_ms;default:0"`

	Success      bool   `json:"success" gorm:"column:success;default:true"`
	ErrorMessage string `json:"error_message" gorm:"column:error_message"`

	CreatedAt int64 `json:"created_at" gorm:"autoCreateTime:milli;index:idx_usage_logs_user;index:idx_usage_logs_guild"`
}

func (u UsageLog) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("user_id", u.UserID),
		slog.Int64("guild_id", u.GuildID),
		slog.String("command", u.Command),
		slog.String("model", u.Model),
		slog.Int64("tokens_used", u.TokensUsed),
		slog.Bool("success", u.Success),
	)
}

// UserMessage is a raw message captured for personalization. Only
// written for users with data collection enabled; pruned after the
// retention period.
//
//nolint:lll // struct tags can't be split
type UserMessage struct {
	ID uint `json:"id" gorm:"primaryKey"`

	UserID    int64 `json:"user_id" gorm:"column:user_id;index:idx_user_messages"`
	GuildID   int64 `json:"guild_id" gorm:"column:guild_id;index:idx_user_messages"`
	ChannelID int64 `json:"channel_id" gorm:"column:channel_id"`

	Content string `json:"content" gorm:"column:content"`

	CreatedAt int64 `json:"created_at" gorm:"autoCreateTime:milli;index:idx_user_messages"`
}

// UserContext is the derived personalization record for a (user, guild)
// pair: a bounded recent-message window, a personality summary, and a
// detected-interests set. Updated opportunistically, off the critical
// path.
//
//nolint:lll // struct tags can't be split
type UserContext struct {
	UserID  int64 `json:"user_id" gorm:"primaryKey;autoIncrement:false;column:user_id"`
	GuildID int64 `json:"guild_id" gorm:"primaryKey;autoIncrement:false;column:guild_id"`

	// RecentMessages is capped at contextMessageWindow entries, oldest
	// evicted first
	RecentMessages StringList `json:"recent_messages" gorm:"column:recent_messages"`

	PersonalitySummary string `json:"personality_summary" gorm:"column:personality_summary"`

	Interests StringList `json:"interests" gorm:"column:interests"`

	UpdatedAt int64 `json:"updated_at" gorm:"autoUpdateTime:milli"`
}

// UserPrivacy governs whether UserMessage/UserContext rows may be
// written for a user. Checked before every write to those tables.
//
//nolint:lll // struct tags can't be split
type UserPrivacy struct {
	UserID int64 `json:"user_id" gorm:"primaryKey;autoIncrement:false;column:user_id"`

	DataCollection bool `json:"data_collection" gorm:"column:data_collection;default:true"`

	OptedOutAt *int64 `json:"opted_out_at" gorm:"column:opted_out_at"`

	ModelUnixTime
}
