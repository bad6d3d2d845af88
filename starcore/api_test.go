package starcore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T) (*API, *ConversationStore, *RateLimiter) {
	t.Helper()
	store := newTestStore(t)
	limiter := NewRateLimiter(DefaultRateLimitConfig(), nil)
	config := DefaultConfig().API
	config.Enabled = true
	return newAPI(config, store, limiter), store, limiter
}

func apiGet(t *testing.T, a *API, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func TestAPIHealthCheck(t *testing.T) {
	a, _, _ := newTestAPI(t)

	w := apiGet(t, a, "/healthz")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestAPIGlobalStats(t *testing.T) {
	a, store, _ := newTestAPI(t)
	ctx := context.Background()

	_, err := store.GetOrCreateUser(ctx, 1)
	require.NoError(t, err)
	require.NoError(
		t, store.LogUsage(
			ctx, &UsageLog{
				UserID: 1, GuildID: 42, Command: "chat",
				TokensUsed: 100, Success: true,
			},
		),
	)

	w := apiGet(t, a, "/api/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalUsers)
	assert.Equal(t, int64(1), stats.TotalCommands)
	assert.Equal(t, int64(100), stats.TotalTokens)
}

func TestAPIUserStats(t *testing.T) {
	a, store, limiter := newTestAPI(t)
	ctx := context.Background()

	_, err := store.GetOrCreateUser(ctx, 7)
	require.NoError(t, err)
	require.NoError(
		t, store.LogUsage(
			ctx, &UsageLog{
				UserID: 7, GuildID: 42, Command: "chat",
				TokensUsed: 250, Success: true,
			},
		),
	)
	limiter.CommitUsage(7, 42, 250)

	w := apiGet(t, a, "/api/stats/users/7")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Stats       Stats `json:"stats"`
		TokensToday int64 `json:"tokens_today"`
		TokenLimit  int64 `json:"token_limit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(250), body.Stats.TotalTokens)
	assert.Equal(t, int64(250), body.TokensToday)
	assert.Equal(t, int64(DefaultDailyUserTokenLimit), body.TokenLimit)
}

func TestAPIGuildStats(t *testing.T) {
	a, store, _ := newTestAPI(t)
	ctx := context.Background()

	for userID, guildID := range map[int64]int64{1: 42, 2: 77} {
		_, err := store.GetOrCreateUser(ctx, userID)
		require.NoError(t, err)
		require.NoError(
			t, store.LogUsage(
				ctx, &UsageLog{
					UserID: userID, GuildID: guildID, Command: "chat",
					TokensUsed: 50, Success: true,
				},
			),
		)
	}

	w := apiGet(t, a, "/api/stats/guilds/42")
	require.Equal(t, http.StatusOK, w.Code)

	var stats Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.TotalUsers)
	assert.Equal(t, int64(50), stats.TotalTokens)
}

func TestAPIInvalidPathID(t *testing.T) {
	a, _, _ := newTestAPI(t)

	for _, path := range []string{
		"/api/stats/users/notanumber",
		"/api/stats/users/0",
		"/api/stats/guilds/xyz",
	} {
		w := apiGet(t, a, path)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}
