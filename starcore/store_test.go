package starcore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *ConversationStore {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	db, err := CreateDB(
		ctx,
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "starcore_test.sqlite3"),
		nil,
		200*time.Millisecond,
	)
	require.NoError(t, err)
	return NewConversationStore(db, nil)
}

func TestGetOrCreateUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user, err := store.GetOrCreateUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), user.ID)
	assert.Equal(t, int64(0), user.TotalTokens)

	again, err := store.GetOrCreateUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, user.CreatedAt, again.CreatedAt)
}

func TestSetPreferredModel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetPreferredModel(ctx, 100, "gpt-4o-mini"))

	user, err := store.GetOrCreateUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", user.PreferredModel)
}

func TestGetOrCreateServer(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	server, err := store.GetOrCreateServer(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), server.GuildID)
	assert.Equal(t, int64(0), server.RateLimitOverride)
	assert.False(t, server.FeatureDisabled("chat"))
}

func TestStartConversationConflict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.StartConversation(ctx, 100, 42, "gpt-4o")
	require.NoError(t, err)
	require.True(t, conv.Active)

	_, err = store.StartConversation(ctx, 100, 42, "gpt-4o")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)

	// Same user in a different guild, or DM, is a separate pair
	_, err = store.StartConversation(ctx, 100, 43, "gpt-4o")
	require.NoError(t, err)
	_, err = store.StartConversation(ctx, 100, 0, "gpt-4o")
	require.NoError(t, err)

	// Ending the first conversation frees the pair
	require.NoError(t, store.EndConversation(ctx, conv.ID))
	_, err = store.StartConversation(ctx, 100, 42, "gpt-4o")
	require.NoError(t, err)
}

func TestOneActiveConversationIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.StartConversation(ctx, 100, 42, "gpt-4o")
	require.NoError(t, err)

	// A writer that slips past the application-level count check (e.g.
	// a concurrent start on a multi-connection backend) is rejected by
	// the partial unique index
	dup := &Conversation{
		UserID:   100,
		GuildID:  42,
		Messages: MessageList{},
		Active:   true,
	}
	err = store.db.Create(dup).Error
	require.Error(t, err)
	assert.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	// Ended conversations vacate the slot
	require.NoError(t, store.EndConversation(ctx, conv.ID))
	require.NoError(t, store.db.Create(dup).Error)
}

func TestActiveConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.ActiveConversation(ctx, 100, 42)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	conv, err := store.StartConversation(ctx, 100, 42, "gpt-4o")
	require.NoError(t, err)

	found, err := store.ActiveConversation(ctx, 100, 42)
	require.NoError(t, err)
	assert.Equal(t, conv.ID, found.ID)

	require.NoError(t, store.EndConversation(ctx, conv.ID))
	_, err = store.ActiveConversation(ctx, 100, 42)
	require.ErrorAs(t, err, &notFound)
}

func TestAppendTurnTrimsHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.StartConversation(ctx, 100, 42, "gpt-4o")
	require.NoError(t, err)

	for i := 0; i < store.maxTurns+4; i++ {
		role := roleUser
		if i%2 == 1 {
			role = roleAssistant
		}
		err = store.AppendTurn(ctx, conv.ID, role, fmt.Sprintf("turn %d", i))
		require.NoError(t, err)
	}

	messages, err := store.ExportConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, store.maxTurns)

	// Oldest turns dropped, order preserved
	assert.Equal(t, "turn 4", messages[0].Content)
	assert.Equal(
		t,
		fmt.Sprintf("turn %d", store.maxTurns+3),
		messages[len(messages)-1].Content,
	)
}

func TestAppendTurnEndedConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.StartConversation(ctx, 100, 42, "gpt-4o")
	require.NoError(t, err)
	require.NoError(t, store.EndConversation(ctx, conv.ID))

	err = store.AppendTurn(ctx, conv.ID, roleUser, "too late")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	err = store.AppendTurn(ctx, 9999, roleUser, "never existed")
	require.ErrorAs(t, err, &notFound)
}

func TestAppendTurnConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.StartConversation(ctx, 100, 42, "gpt-4o")
	require.NoError(t, err)

	const writers = 8
	wg := &sync.WaitGroup{}
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(
				t,
				store.AppendTurn(ctx, conv.ID, roleUser, fmt.Sprintf("msg %d", n)),
			)
		}(i)
	}
	wg.Wait()

	messages, err := store.ExportConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, writers, "no appends may be lost to interleaving")

	seen := map[string]bool{}
	for _, msg := range messages {
		seen[msg.Content] = true
	}
	assert.Len(t, seen, writers)
}

func TestClearConversation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.StartConversation(ctx, 100, 42, "gpt-4o")
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(ctx, conv.ID, roleUser, "hello"))

	require.NoError(t, store.ClearConversation(ctx, conv.ID))

	messages, err := store.ExportConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)

	// Still active after a clear
	_, err = store.ActiveConversation(ctx, 100, 42)
	require.NoError(t, err)
}

func TestExportTranscript(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv, err := store.StartConversation(ctx, 100, 42, "gpt-4o")
	require.NoError(t, err)
	require.NoError(t, store.AppendTurn(ctx, conv.ID, roleUser, "hi there"))
	require.NoError(t, store.AppendTurn(ctx, conv.ID, roleAssistant, "hello!"))

	transcript, err := store.ExportTranscript(ctx, conv.ID)
	require.NoError(t, err)

	assert.Contains(t, transcript, "# Model: gpt-4o")
	assert.Contains(t, transcript, "[USER]\nhi there")
	assert.Contains(t, transcript, "[ASSISTANT]\nhello!")
	assert.Less(
		t,
		strings.Index(transcript, "hi there"),
		strings.Index(transcript, "hello!"),
		"transcript must preserve turn order",
	)
}

func TestLogUsageReconcilesTotals(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetOrCreateUser(ctx, 100)
	require.NoError(t, err)

	require.NoError(
		t, store.LogUsage(
			ctx, &UsageLog{
				UserID:     100,
				GuildID:    42,
				Command:    "chat",
				Model:      "gpt-4o",
				TokensUsed: 250,
				Success:    true,
			},
		),
	)
	require.NoError(
		t, store.LogUsage(
			ctx, &UsageLog{
				UserID:       100,
				GuildID:      42,
				Command:      "chat",
				Model:        "gpt-4o",
				TokensUsed:   0,
				Success:      false,
				ErrorMessage: "upstream timeout",
			},
		),
	)

	user, err := store.GetOrCreateUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(
		t, int64(250), user.TotalTokens,
		"only successful rows reconcile the lifetime counter",
	)
}

func TestGetStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, entry := range []*UsageLog{
		{UserID: 1, GuildID: 42, Command: "chat", TokensUsed: 100, Success: true},
		{UserID: 1, GuildID: 42, Command: "chat", TokensUsed: 0, Success: false},
		{UserID: 2, GuildID: 42, Command: "chat", TokensUsed: 50, Success: true},
		{UserID: 3, GuildID: 77, Command: "chat", TokensUsed: 30, Success: true},
	} {
		_, err := store.GetOrCreateUser(ctx, entry.UserID)
		require.NoError(t, err)
		require.NoError(t, store.LogUsage(ctx, entry))
	}
	_, err := store.StartConversation(ctx, 1, 42, "gpt-4o")
	require.NoError(t, err)

	global, err := store.GetStats(ctx, StatsScope{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), global.TotalUsers)
	assert.Equal(t, int64(4), global.TotalCommands)
	assert.Equal(t, int64(180), global.TotalTokens)
	assert.Equal(t, int64(1), global.FailedCommands)
	assert.Equal(t, int64(1), global.ActiveConversations)

	byUser, err := store.GetStats(ctx, StatsScope{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(1), byUser.TotalUsers)
	assert.Equal(t, int64(2), byUser.TotalCommands)
	assert.Equal(t, int64(100), byUser.TotalTokens)
	assert.Equal(t, int64(1), byUser.FailedCommands)

	byGuild, err := store.GetStats(ctx, StatsScope{GuildID: 42})
	require.NoError(t, err)
	assert.Equal(t, int64(2), byGuild.TotalUsers)
	assert.Equal(t, int64(3), byGuild.TotalCommands)
	assert.Equal(t, int64(150), byGuild.TotalTokens)
}

func TestPrivacyDefaultsAndOptOut(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	privacy, err := store.GetPrivacy(ctx, 100)
	require.NoError(t, err)
	assert.True(t, privacy.DataCollection, "collection defaults to enabled")

	require.NoError(
		t, store.StoreUserMessage(
			ctx, &UserMessage{UserID: 100, GuildID: 42, Content: "hello"},
		),
	)
	require.NoError(
		t, store.UpdateUserContext(
			ctx, &UserContext{
				UserID:         100,
				GuildID:        42,
				RecentMessages: StringList{"hello"},
			},
		),
	)

	require.NoError(t, store.DeleteUserData(ctx, 100))

	privacy, err = store.GetPrivacy(ctx, 100)
	require.NoError(t, err)
	assert.False(t, privacy.DataCollection)
	require.NotNil(t, privacy.OptedOutAt)

	_, err = store.GetUserContext(ctx, 100, 42)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	var count int64
	require.NoError(
		t,
		store.db.Model(&UserMessage{}).Where("user_id = ?", 100).
			Count(&count).Error,
	)
	assert.Equal(t, int64(0), count)

	// Further captures are silent no-ops
	require.NoError(
		t, store.StoreUserMessage(
			ctx, &UserMessage{UserID: 100, GuildID: 42, Content: "again"},
		),
	)
	require.NoError(
		t,
		store.db.Model(&UserMessage{}).Where("user_id = ?", 100).
			Count(&count).Error,
	)
	assert.Equal(t, int64(0), count)
}

func TestUpdateUserContextCapsWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var recent StringList
	for i := 0; i < store.contextWindow+5; i++ {
		recent = append(recent, fmt.Sprintf("msg %d", i))
	}
	require.NoError(
		t, store.UpdateUserContext(
			ctx, &UserContext{
				UserID:         100,
				GuildID:        42,
				RecentMessages: recent,
				Interests:      StringList{"astronomy"},
			},
		),
	)

	uc, err := store.GetUserContext(ctx, 100, 42)
	require.NoError(t, err)
	require.Len(t, uc.RecentMessages, store.contextWindow)
	assert.Equal(t, "msg 5", uc.RecentMessages[0], "oldest entries evicted first")

	// Upsert replaces rather than duplicating
	require.NoError(
		t, store.UpdateUserContext(
			ctx, &UserContext{
				UserID:             100,
				GuildID:            42,
				RecentMessages:     StringList{"fresh"},
				PersonalitySummary: "curious",
			},
		),
	)
	uc, err = store.GetUserContext(ctx, 100, 42)
	require.NoError(t, err)
	assert.Equal(t, StringList{"fresh"}, uc.RecentMessages)
	assert.Equal(t, "curious", uc.PersonalitySummary)
}

func TestCleanupOldMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(
		t, store.StoreUserMessage(
			ctx, &UserMessage{UserID: 100, GuildID: 42, Content: "old"},
		),
	)
	require.NoError(
		t, store.StoreUserMessage(
			ctx, &UserMessage{UserID: 100, GuildID: 42, Content: "new"},
		),
	)

	// Backdate the first message past the retention period
	stale := time.Now().Add(-48 * time.Hour).UnixMilli()
	require.NoError(
		t,
		store.db.Model(&UserMessage{}).Where("content = ?", "old").
			Update("created_at", stale).Error,
	)

	deleted, err := store.CleanupOldMessages(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	var remaining []UserMessage
	require.NoError(t, store.db.Find(&remaining).Error)
	require.Len(t, remaining, 1)
	assert.Equal(t, "new", remaining[0].Content)
}
