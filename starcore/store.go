package starcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// conversationLocks serializes writers on the same conversation ID so
// concurrent appends can't interleave and corrupt the message sequence.
// Different conversations proceed fully in parallel.
type conversationLocks struct {
	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

func (c *conversationLocks) acquire(id uint) func() {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.Mutex{}
		c.locks[id] = l
	}
	c.mu.Unlock()

	l.Lock()
	return l.Unlock
}

func (c *conversationLocks) forget(id uint) {
	c.mu.Lock()
	delete(c.locks, id)
	c.mu.Unlock()
}

// ConversationStore is the durable store for users, conversations,
// servers, usage logs and personalization data. It's the single source
// of truth for anything that must survive a restart.
//
// All operations are safe for concurrent use; callers on the same
// conversation ID are serialized, callers on different keys never block
// each other.
type ConversationStore struct {
	db     *gorm.DB
	logger *slog.Logger

	convLocks *conversationLocks

	// maxTurns bounds a conversation's stored message history; the
	// oldest turns are dropped on append once exceeded
	maxTurns int

	// contextWindow bounds UserContext.RecentMessages
	contextWindow int
}

// NewConversationStore wraps an initialized GORM connection (see
// CreateDB) in the store API.
func NewConversationStore(db *gorm.DB, logger *slog.Logger) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{
		db:            db,
		logger:        logger.With(loggerNameKey, "store"),
		convLocks:     &conversationLocks{locks: map[uint]*sync.Mutex{}},
		maxTurns:      DefaultConversationMaxTurns,
		contextWindow: DefaultContextMessageWindow,
	}
}

func (s *ConversationStore) withTimeout(ctx context.Context) (
	context.Context,
	context.CancelFunc,
) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dbOperationTimeout)
}

// GetOrCreateUser fetches the user record, creating it on first
// interaction.
func (s *ConversationStore) GetOrCreateUser(
	ctx context.Context,
	userID int64,
) (*User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	user := User{ID: userID}
	err := s.db.WithContext(ctx).FirstOrCreate(&user, User{ID: userID}).Error
	if err != nil {
		return nil, &PersistenceError{Op: "get_or_create_user", Err: err}
	}
	return &user, nil
}

// SetPreferredModel records the user's model preference, creating the
// user if needed.
func (s *ConversationStore) SetPreferredModel(
	ctx context.Context,
	userID int64,
	model string,
) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.GetOrCreateUser(ctx, userID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Model(&User{ID: userID}).Update(
		"preferred_model", model,
	).Error
	if err != nil {
		return &PersistenceError{Op: "set_preferred_model", Err: err}
	}
	return nil
}

// GetOrCreateServer fetches per-guild settings, creating the record
// lazily on first command from a new guild.
func (s *ConversationStore) GetOrCreateServer(
	ctx context.Context,
	guildID int64,
) (*Server, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	server := Server{GuildID: guildID}
	err := s.db.WithContext(ctx).FirstOrCreate(
		&server, Server{GuildID: guildID},
	).Error
	if err != nil {
		return nil, &PersistenceError{Op: "get_or_create_server", Err: err}
	}
	return &server, nil
}

// StartConversation opens a new conversation for (userID, guildID). If
// an active conversation already exists for the pair, it fails with
// ConflictError - the caller must end the existing one first.
func (s *ConversationStore) StartConversation(
	ctx context.Context,
	userID int64,
	guildID int64,
	model string,
) (*Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.GetOrCreateUser(ctx, userID); err != nil {
		return nil, err
	}

	conv := Conversation{
		UserID:    userID,
		GuildID:   guildID,
		Messages:  MessageList{},
		ModelUsed: model,
		Active:    true,
	}

	err := s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&Conversation{}).Where(
				"user_id = ? AND guild_id = ? AND active = ?",
				userID, guildID, true,
			).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return &ConflictError{
					Message: fmt.Sprintf(
						"user %d already has an active conversation in guild %d",
						userID, guildID,
					),
				}
			}
			return tx.Create(&conv).Error
		},
	)
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			return nil, conflict
		}
		// A concurrent start can pass the count check before either
		// transaction commits; the partial unique index on
		// (user_id, guild_id) WHERE active rejects the second insert.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, &ConflictError{
				Message: fmt.Sprintf(
					"user %d already has an active conversation in guild %d",
					userID, guildID,
				),
			}
		}
		return nil, &PersistenceError{Op: "start_conversation", Err: err}
	}

	s.logger.InfoContext(ctx, "started conversation", "conversation", &conv)
	return &conv, nil
}

// ActiveConversation returns the single active conversation for
// (userID, guildID), or NotFoundError if none is open.
func (s *ConversationStore) ActiveConversation(
	ctx context.Context,
	userID int64,
	guildID int64,
) (*Conversation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var conv Conversation
	err := s.db.WithContext(ctx).Where(
		"user_id = ? AND guild_id = ? AND active = ?",
		userID, guildID, true,
	).Order("updated_at desc").First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{
				Entity: "active conversation",
				ID:     fmt.Sprintf("user %d / guild %d", userID, guildID),
			}
		}
		return nil, &PersistenceError{Op: "active_conversation", Err: err}
	}
	return &conv, nil
}

// AppendTurn atomically appends a role/content pair to an active
// conversation, trimming the stored history to the most recent maxTurns
// entries. Fails with NotFoundError if the conversation doesn't exist
// or is no longer active.
func (s *ConversationStore) AppendTurn(
	ctx context.Context,
	conversationID uint,
	role string,
	content string,
) error {
	release := s.convLocks.acquire(conversationID)
	defer release()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var conv Conversation
	err := s.db.WithContext(ctx).First(&conv, conversationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &NotFoundError{Entity: "conversation", ID: conversationID}
		}
		return &PersistenceError{Op: "append_turn", Err: err}
	}
	if !conv.Active {
		return &NotFoundError{Entity: "active conversation", ID: conversationID}
	}

	messages := append(conv.Messages, ChatMessage{Role: role, Content: content})
	if len(messages) > s.maxTurns {
		messages = messages[len(messages)-s.maxTurns:]
	}

	err = s.db.WithContext(ctx).Model(&conv).Update("messages", messages).Error
	if err != nil {
		return &PersistenceError{Op: "append_turn", Err: err}
	}
	return nil
}

// EndConversation closes a conversation. Ending an already-ended
// conversation is a no-op.
func (s *ConversationStore) EndConversation(
	ctx context.Context,
	conversationID uint,
) error {
	release := s.convLocks.acquire(conversationID)
	defer release()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rv := s.db.WithContext(ctx).Model(&Conversation{}).Where(
		"id = ?", conversationID,
	).Update("active", false)
	if rv.Error != nil {
		return &PersistenceError{Op: "end_conversation", Err: rv.Error}
	}
	if rv.RowsAffected == 0 {
		return &NotFoundError{Entity: "conversation", ID: conversationID}
	}

	s.convLocks.forget(conversationID)
	return nil
}

// ClearConversation truncates a conversation's messages without closing
// it.
func (s *ConversationStore) ClearConversation(
	ctx context.Context,
	conversationID uint,
) error {
	release := s.convLocks.acquire(conversationID)
	defer release()

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rv := s.db.WithContext(ctx).Model(&Conversation{}).Where(
		"id = ?", conversationID,
	).Update("messages", MessageList{})
	if rv.Error != nil {
		return &PersistenceError{Op: "clear_conversation", Err: rv.Error}
	}
	if rv.RowsAffected == 0 {
		return &NotFoundError{Entity: "conversation", ID: conversationID}
	}
	return nil
}

// ExportConversation returns a read-only snapshot of a conversation's
// ordered messages.
func (s *ConversationStore) ExportConversation(
	ctx context.Context,
	conversationID uint,
) (MessageList, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var conv Conversation
	err := s.db.WithContext(ctx).First(&conv, conversationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Entity: "conversation", ID: conversationID}
		}
		return nil, &PersistenceError{Op: "export_conversation", Err: err}
	}

	snapshot := make(MessageList, len(conv.Messages))
	copy(snapshot, conv.Messages)
	return snapshot, nil
}

// ExportTranscript renders a conversation as a readable text transcript
// with a short header.
func (s *ConversationStore) ExportTranscript(
	ctx context.Context,
	conversationID uint,
) (string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var conv Conversation
	err := s.db.WithContext(ctx).First(&conv, conversationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", &NotFoundError{Entity: "conversation", ID: conversationID}
		}
		return "", &PersistenceError{Op: "export_transcript", Err: err}
	}

	model := conv.ModelUsed
	if model == "" {
		model = "default"
	}
	lines := []string{
		"# Conversation Export",
		fmt.Sprintf("# Model: %s", model),
		fmt.Sprintf(
			"# Started: %s",
			time.UnixMilli(conv.CreatedAt).UTC().Format(time.RFC3339),
		),
		"",
	}
	for _, msg := range conv.Messages {
		lines = append(lines, fmt.Sprintf("[%s]", strings.ToUpper(msg.Role)))
		lines = append(lines, msg.Content)
		lines = append(lines, "")
	}
	return strings.Join(lines, "\n"), nil
}

// LogUsage inserts an append-only usage row and, for successful rows,
// reconciles User.TotalTokens in the same transaction. Failures surface
// as PersistenceError - the caller must deliver its in-memory result
// regardless.
func (s *ConversationStore) LogUsage(
	ctx context.Context,
	entry *UsageLog,
) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Create(entry).Error; err != nil {
				return err
			}
			if entry.Success && entry.TokensUsed > 0 {
				return tx.Model(&User{ID: entry.UserID}).Update(
					"total_tokens",
					gorm.Expr("total_tokens + ?", entry.TokensUsed),
				).Error
			}
			return nil
		},
	)
	if err != nil {
		return &PersistenceError{Op: "log_usage", Err: err}
	}
	return nil
}

// StatsScope selects the aggregation level for GetStats.
type StatsScope struct {
	// UserID, when non-zero, scopes the aggregates to one user
	UserID int64
	// GuildID, when non-zero, scopes the aggregates to one guild
	GuildID int64
}

// Stats is the read-only aggregate snapshot served to the reporting
// surface.
type Stats struct {
	TotalUsers          int64 `json:"total_users"`
	TotalCommands       int64 `json:"total_commands"`
	TotalTokens         int64 `json:"total_tokens"`
	FailedCommands      int64 `json:"failed_commands"`
	ActiveConversations int64 `json:"active_conversations"`
}

// GetStats returns aggregated counts for admin reporting. A zero-value
// scope aggregates globally.
func (s *ConversationStore) GetStats(
	ctx context.Context,
	scope StatsScope,
) (Stats, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var stats Stats
	db := s.db.WithContext(ctx)

	usage := db.Model(&UsageLog{})
	conversations := db.Model(&Conversation{}).Where("active = ?", true)
	users := db.Model(&User{})
	switch {
	case scope.UserID != 0:
		usage = usage.Where("user_id = ?", scope.UserID)
		conversations = conversations.Where("user_id = ?", scope.UserID)
		users = users.Where("id = ?", scope.UserID)
	case scope.GuildID != 0:
		usage = usage.Where("guild_id = ?", scope.GuildID)
		conversations = conversations.Where("guild_id = ?", scope.GuildID)
		users = users.Where(
			"id IN (?)",
			db.Model(&UsageLog{}).Select("user_id").Where(
				"guild_id = ?", scope.GuildID,
			),
		)
	}

	if err := users.Count(&stats.TotalUsers).Error; err != nil {
		return stats, &PersistenceError{Op: "get_stats", Err: err}
	}

	type usageTotals struct {
		Commands int64
		Tokens   int64
		Failed   int64
	}
	var totals usageTotals
	err := usage.Select(
		"count(*) as commands, " +
			"coalesce(sum(tokens_used), 0) as tokens, " +
			"coalesce(sum(case when success then 0 else 1 end), 0) as failed",
	).Scan(&totals).Error
	if err != nil {
		return stats, &PersistenceError{Op: "get_stats", Err: err}
	}
	stats.TotalCommands = totals.Commands
	stats.TotalTokens = totals.Tokens
	stats.FailedCommands = totals.Failed

	if err = conversations.Count(&stats.ActiveConversations).Error; err != nil {
		return stats, &PersistenceError{Op: "get_stats", Err: err}
	}
	return stats, nil
}

// GetPrivacy returns the user's privacy record. Users without a record
// default to data collection enabled.
func (s *ConversationStore) GetPrivacy(
	ctx context.Context,
	userID int64,
) (*UserPrivacy, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var p UserPrivacy
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &UserPrivacy{UserID: userID, DataCollection: true}, nil
		}
		return nil, &PersistenceError{Op: "get_privacy", Err: err}
	}
	return &p, nil
}

// StoreUserMessage captures a raw message for personalization. It's a
// silent no-op for users who have opted out of data collection.
func (s *ConversationStore) StoreUserMessage(
	ctx context.Context,
	msg *UserMessage,
) error {
	privacy, err := s.GetPrivacy(ctx, msg.UserID)
	if err != nil {
		return err
	}
	if !privacy.DataCollection {
		return nil
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err = s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return &PersistenceError{Op: "store_user_message", Err: err}
	}
	return nil
}

// UpdateUserContext upserts the personalization record for a
// (user, guild) pair, capping the recent-message window. It's a silent
// no-op for opted-out users.
func (s *ConversationStore) UpdateUserContext(
	ctx context.Context,
	userCtx *UserContext,
) error {
	privacy, err := s.GetPrivacy(ctx, userCtx.UserID)
	if err != nil {
		return err
	}
	if !privacy.DataCollection {
		return nil
	}

	if len(userCtx.RecentMessages) > s.contextWindow {
		userCtx.RecentMessages = userCtx.RecentMessages[len(userCtx.RecentMessages)-s.contextWindow:]
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = s.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "user_id"}, {Name: "guild_id"},
			},
			UpdateAll: true,
		},
	).Create(userCtx).Error
	if err != nil {
		return &PersistenceError{Op: "update_user_context", Err: err}
	}
	return nil
}

// GetUserContext returns the personalization record for a (user, guild)
// pair, or NotFoundError if none exists.
func (s *ConversationStore) GetUserContext(
	ctx context.Context,
	userID int64,
	guildID int64,
) (*UserContext, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var uc UserContext
	err := s.db.WithContext(ctx).Where(
		"user_id = ? AND guild_id = ?", userID, guildID,
	).First(&uc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{
				Entity: "user context",
				ID:     fmt.Sprintf("user %d / guild %d", userID, guildID),
			}
		}
		return nil, &PersistenceError{Op: "get_user_context", Err: err}
	}
	return &uc, nil
}

// DeleteUserData implements the privacy opt-out: all captured messages
// and derived context for the user are deleted, and further collection
// is disabled.
func (s *ConversationStore) DeleteUserData(
	ctx context.Context,
	userID int64,
) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	optedOut := time.Now().UTC().UnixMilli()
	err := s.db.WithContext(ctx).Transaction(
		func(tx *gorm.DB) error {
			if err := tx.Where(
				"user_id = ?", userID,
			).Delete(&UserMessage{}).Error; err != nil {
				return err
			}
			if err := tx.Where(
				"user_id = ?", userID,
			).Delete(&UserContext{}).Error; err != nil {
				return err
			}
			return tx.Clauses(
				clause.OnConflict{
					Columns:   []clause.Column{{Name: "user_id"}},
					UpdateAll: true,
				},
			).Create(
				&UserPrivacy{
					UserID:         userID,
					DataCollection: false,
					OptedOutAt:     &optedOut,
				},
			).Error
		},
	)
	if err != nil {
		return &PersistenceError{Op: "delete_user_data", Err: err}
	}

	s.logger.InfoContext(ctx, "deleted user data", "user_id", userID)
	return nil
}

// CleanupOldMessages prunes captured messages older than the retention
// period, returning the number deleted.
func (s *ConversationStore) CleanupOldMessages(
	ctx context.Context,
	retention time.Duration,
) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	cutoff := time.Now().Add(-retention).UnixMilli()
	rv := s.db.WithContext(ctx).Where(
		"created_at < ?", cutoff,
	).Delete(&UserMessage{})
	if rv.Error != nil {
		return 0, &PersistenceError{Op: "cleanup_old_messages", Err: rv.Error}
	}
	if rv.RowsAffected > 0 {
		s.logger.Info("pruned old user messages", "deleted", rv.RowsAffected)
	}
	return rv.RowsAffected, nil
}

// logPersistenceFailure reports a non-fatal storage failure to the
// operational log.
func (s *ConversationStore) logPersistenceFailure(
	ctx context.Context,
	op string,
	err error,
) {
	s.logger.ErrorContext(
		ctx,
		"persistence failure",
		"op", op,
		tint.Err(err),
	)
}
