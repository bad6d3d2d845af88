package starcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
)

// InvocationState tracks an invocation through the coordinator's state
// machine: RECEIVED → ADMITTED → DISPATCHING → (STREAMING)* →
// COMPLETED | FAILED | DENIED.
type InvocationState string

const (
	InvocationStateReceived    InvocationState = "received"
	InvocationStateAdmitted    InvocationState = "admitted"
	InvocationStateDispatching InvocationState = "dispatching"
	InvocationStateStreaming   InvocationState = "streaming"
	InvocationStateCompleted   InvocationState = "completed"
	InvocationStateFailed      InvocationState = "failed"
	InvocationStateDenied      InvocationState = "denied"
)

const (
	roleUser      = "user"
	roleAssistant = "assistant"
)

// Invocation is one authenticated command arriving from the gateway
// layer. GuildID is zero for direct messages. Expensive flags commands
// that invoke model inference, which are subject to the stricter
// per-user limit and the daily token budgets.
type Invocation struct {
	UserID    int64  `json:"user_id"`
	GuildID   int64  `json:"guild_id"`
	Command   string `json:"command"`
	Expensive bool   `json:"expensive"`
	Prompt    string `json:"prompt"`

	// Fresh requests a memory-less call: no conversation is loaded or
	// created, and nothing is appended afterward.
	Fresh bool `json:"fresh"`
}

func (inv Invocation) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("user_id", inv.UserID),
		slog.Int64("guild_id", inv.GuildID),
		slog.String("command", inv.Command),
		slog.Bool("expensive", inv.Expensive),
	)
}

// DispatchResult is the terminal outcome of a dispatched invocation.
type DispatchResult struct {
	State          InvocationState `json:"state"`
	Content        string          `json:"content"`
	Model          string          `json:"model"`
	Usage          TokenUsage      `json:"usage"`
	Latency        time.Duration   `json:"latency"`
	ConversationID uint            `json:"conversation_id,omitempty"`
}

// modelCaller is the surface of ModelClient the coordinator uses;
// tests substitute scripted implementations.
type modelCaller interface {
	Complete(
		ctx context.Context,
		model string,
		messages MessageList,
	) (*Completion, error)
	CompleteStream(
		ctx context.Context,
		model string,
		messages MessageList,
	) (<-chan Fragment, error)
}

// RequestCoordinator is the orchestration layer a command handler
// calls: it validates admission via the RateLimiter, loads and updates
// conversation state via the ConversationStore, invokes the
// ModelClient, and records usage.
type RequestCoordinator struct {
	store   *ConversationStore
	limiter *RateLimiter
	model   modelCaller
	config  *Config
	logger  *slog.Logger
}

// NewRequestCoordinator wires the admission, persistence and dispatch
// components together.
func NewRequestCoordinator(
	store *ConversationStore,
	limiter *RateLimiter,
	model modelCaller,
	config *Config,
	logger *slog.Logger,
) *RequestCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestCoordinator{
		store:   store,
		limiter: limiter,
		model:   model,
		config:  config,
		logger:  logger.With(loggerNameKey, "coordinator"),
	}
}

// validate rejects malformed payloads before admission, so they never
// count against quota.
func (rc *RequestCoordinator) validate(inv Invocation) error {
	if inv.UserID == 0 {
		return &ValidationError{Field: "user_id", Message: "required"}
	}
	if inv.Command == "" {
		return &ValidationError{Field: "command", Message: "required"}
	}
	if inv.Prompt == "" {
		return &ValidationError{Field: "prompt", Message: "required"}
	}
	if len(inv.Prompt) > DefaultPromptMaxLength {
		return &ValidationError{
			Field: "prompt",
			Message: fmt.Sprintf(
				"exceeds maximum length of %d", DefaultPromptMaxLength,
			),
		}
	}
	return nil
}

// Admit runs validation and the full admission policy for an
// invocation. It returns nil when the invocation may proceed, a
// ValidationError for malformed payloads, or a DenialError carrying the
// policy that failed and its retry-after. Denied invocations are
// terminal: nothing is persisted for them.
func (rc *RequestCoordinator) Admit(ctx context.Context, inv Invocation) error {
	if err := rc.validate(inv); err != nil {
		return err
	}

	var serverLimit int64
	if inv.GuildID != 0 {
		server, err := rc.store.GetOrCreateServer(ctx, inv.GuildID)
		if err != nil {
			return err
		}
		if server.FeatureDisabled(inv.Command) {
			return &ValidationError{
				Field: "command",
				Message: fmt.Sprintf(
					"%q is disabled in this guild", inv.Command,
				),
			}
		}
		serverLimit = server.RateLimitOverride
	}

	decision := rc.limiter.Admit(
		inv.UserID, inv.GuildID, inv.Expensive, serverLimit,
	)
	if !decision.Allowed {
		rc.logger.InfoContext(
			ctx,
			"invocation denied",
			"invocation", inv,
			"reason", decision.Reason,
			"retry_after", decision.RetryAfter,
		)
		return decision.DenialError()
	}
	return nil
}

// dispatchContext is the loaded state for an admitted invocation.
type dispatchContext struct {
	user     *User
	conv     *Conversation
	model    string
	messages MessageList
	started  time.Time
}

// prepare loads (or creates) the conversation context for an admitted
// invocation and resolves the model to use.
func (rc *RequestCoordinator) prepare(
	ctx context.Context,
	inv Invocation,
) (*dispatchContext, error) {
	user, err := rc.store.GetOrCreateUser(ctx, inv.UserID)
	if err != nil {
		return nil, err
	}

	model := user.PreferredModel
	if model == "" {
		model = rc.config.Model.DefaultModel
	}

	d := &dispatchContext{
		user:    user,
		model:   model,
		started: time.Now(),
	}

	if inv.Fresh {
		d.messages = MessageList{{Role: roleUser, Content: inv.Prompt}}
		return d, nil
	}

	conv, err := rc.store.ActiveConversation(ctx, inv.UserID, inv.GuildID)
	if err != nil {
		var notFound *NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		conv, err = rc.store.StartConversation(
			ctx, inv.UserID, inv.GuildID, model,
		)
		if err != nil {
			return nil, err
		}
	}
	d.conv = conv
	d.messages = append(
		append(MessageList{}, conv.Messages...),
		ChatMessage{Role: roleUser, Content: inv.Prompt},
	)
	return d, nil
}

// recordOutcome persists the terminal state of a dispatch: the new
// conversation turns (when any assistant text exists, or on full
// success), the usage-log row, and - only for successful dispatches -
// the daily token-budget commit.
//
// Persistence failures here are reported to the operational log and
// never propagate: the in-memory result is delivered regardless.
func (rc *RequestCoordinator) recordOutcome(
	ctx context.Context,
	inv Invocation,
	d *dispatchContext,
	content string,
	usage TokenUsage,
	success bool,
	dispatchErr error,
) {
	// Turns are persisted only when assistant text exists: a
	// zero-fragment failure leaves the conversation untouched, and an
	// empty completion must not strand a user turn with no reply after
	// it.
	if d.conv != nil && content != "" {
		if err := rc.store.AppendTurn(
			ctx, d.conv.ID, roleUser, inv.Prompt,
		); err != nil {
			rc.store.logPersistenceFailure(ctx, "append_user_turn", err)
		}
		if err := rc.store.AppendTurn(
			ctx, d.conv.ID, roleAssistant, content,
		); err != nil {
			rc.store.logPersistenceFailure(ctx, "append_assistant_turn", err)
		}
	}

	entry := &UsageLog{
		UserID:     inv.UserID,
		GuildID:    inv.GuildID,
		Command:    inv.Command,
		Model:      d.model,
		TokensUsed: int64(usage.TotalTokens),
		LatencyMs:  float64(time.Since(d.started).Milliseconds()),
		Success:    success,
	}
	if dispatchErr != nil {
		entry.ErrorMessage = dispatchErr.Error()
	}
	if !success && content == "" {
		// No fragments were delivered: nothing was consumed.
		entry.TokensUsed = 0
	}
	if err := rc.store.LogUsage(ctx, entry); err != nil {
		rc.store.logPersistenceFailure(ctx, "log_usage", err)
	}

	// Token quota is only ever committed for successful dispatches, so
	// upstream failures never burn a user's budget.
	if success {
		rc.limiter.CommitUsage(
			inv.UserID, inv.GuildID, int64(usage.TotalTokens),
		)
		go rc.updatePersonalization(inv)
	}
}

// updatePersonalization opportunistically records the user's message
// and refreshes their context window. Runs off the critical path;
// privacy gating happens in the store.
func (rc *RequestCoordinator) updatePersonalization(inv Invocation) {
	ctx, cancel := context.WithTimeout(context.Background(), dbOperationTimeout)
	defer cancel()

	if err := rc.store.StoreUserMessage(
		ctx,
		&UserMessage{
			UserID:  inv.UserID,
			GuildID: inv.GuildID,
			Content: inv.Prompt,
		},
	); err != nil {
		rc.store.logPersistenceFailure(ctx, "store_user_message", err)
		return
	}

	recent := StringList{inv.Prompt}
	if existing, err := rc.store.GetUserContext(
		ctx, inv.UserID, inv.GuildID,
	); err == nil {
		recent = append(existing.RecentMessages, inv.Prompt)
	}
	if err := rc.store.UpdateUserContext(
		ctx,
		&UserContext{
			UserID:         inv.UserID,
			GuildID:        inv.GuildID,
			RecentMessages: recent,
		},
	); err != nil {
		rc.store.logPersistenceFailure(ctx, "update_user_context", err)
	}
}

// Dispatch runs the full non-streaming path for an invocation:
// admission, context load, model call, persistence and accounting.
func (rc *RequestCoordinator) Dispatch(
	ctx context.Context,
	inv Invocation,
) (*DispatchResult, error) {
	log := rc.logger.With("invocation", inv)
	ctx = WithLogger(ctx, log)

	if err := rc.Admit(ctx, inv); err != nil {
		return nil, err
	}

	d, err := rc.prepare(ctx, inv)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "dispatching", "model", d.model)

	completion, err := rc.model.Complete(ctx, d.model, d.messages)
	if err != nil {
		rc.recordOutcome(ctx, inv, d, "", TokenUsage{}, false, err)
		log.WarnContext(ctx, "dispatch failed", tint.Err(err))
		return nil, err
	}

	rc.recordOutcome(ctx, inv, d, completion.Content, completion.Usage, true, nil)

	result := &DispatchResult{
		State:   InvocationStateCompleted,
		Content: completion.Content,
		Model:   completion.Model,
		Usage:   completion.Usage,
		Latency: time.Since(d.started),
	}
	if d.conv != nil {
		result.ConversationID = d.conv.ID
	}
	return result, nil
}

// errConsumerWithdrew marks early consumer withdrawal mid-stream.
var errConsumerWithdrew = errors.New("stream consumer withdrew")

// DispatchStream runs the streaming path. Each fragment of model output
// is handed to forward as it arrives; forward returning an error counts
// as consumer withdrawal (e.g. the gateway connection dropped) and
// cancels the upstream call.
//
// Whatever happens mid-stream - upstream failure, timeout, caller
// cancellation - a usage row is flushed for the tokens consumed so far,
// and any partial assistant text already forwarded is persisted so the
// conversation remains continuable. Token quota is committed only when
// the stream finishes cleanly.
func (rc *RequestCoordinator) DispatchStream(
	ctx context.Context,
	inv Invocation,
	forward func(fragment string) error,
) (*DispatchResult, error) {
	log := rc.logger.With("invocation", inv)
	ctx = WithLogger(ctx, log)

	if err := rc.Admit(ctx, inv); err != nil {
		return nil, err
	}

	d, err := rc.prepare(ctx, inv)
	if err != nil {
		return nil, err
	}
	log.InfoContext(ctx, "dispatching stream", "model", d.model)

	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()

	fragments, err := rc.model.CompleteStream(streamCtx, d.model, d.messages)
	if err != nil {
		rc.recordOutcome(ctx, inv, d, "", TokenUsage{}, false, err)
		log.WarnContext(ctx, "stream dispatch failed", tint.Err(err))
		return nil, err
	}

	var content string
	var usage TokenUsage
	var streamErr error
	var withdrew bool

	for fragment := range fragments {
		if fragment.Final {
			if fragment.Usage != nil {
				usage = *fragment.Usage
			}
			streamErr = fragment.Err
			break
		}
		if withdrew {
			continue
		}
		if fwdErr := forward(fragment.Content); fwdErr != nil {
			log.WarnContext(
				ctx,
				"consumer withdrew mid-stream",
				tint.Err(fwdErr),
			)
			withdrew = true
			cancelStream()
			continue
		}
		// content holds only what the consumer actually received;
		// a fragment that never made it out is never persisted.
		content += fragment.Content
	}

	// Persistence and accounting run on the parent context: a
	// cancelled stream must still flush its usage log.
	flushCtx := ctx
	if flushCtx.Err() != nil {
		var cancel context.CancelFunc
		flushCtx, cancel = context.WithTimeout(
			context.Background(), dbOperationTimeout,
		)
		defer cancel()
		flushCtx = WithLogger(flushCtx, log)
	}

	switch {
	case withdrew || ctx.Err() != nil:
		if usage.TotalTokens == 0 {
			usage = *estimateUsage(d.messages, len(content))
		}
		rc.recordOutcome(
			flushCtx, inv, d, content, usage, false, errConsumerWithdrew,
		)
		return nil, errConsumerWithdrew
	case streamErr != nil:
		rc.recordOutcome(flushCtx, inv, d, content, usage, false, streamErr)
		log.WarnContext(flushCtx, "stream failed", tint.Err(streamErr))
		return nil, streamErr
	}

	rc.recordOutcome(flushCtx, inv, d, content, usage, true, nil)

	result := &DispatchResult{
		State:   InvocationStateCompleted,
		Content: content,
		Model:   d.model,
		Usage:   usage,
		Latency: time.Since(d.started),
	}
	if d.conv != nil {
		result.ConversationID = d.conv.ID
	}
	return result, nil
}

// StartConversation begins a fresh conversation for a user, surfacing
// ConflictError when one is already active - the caller decides whether
// to end it first.
func (rc *RequestCoordinator) StartConversation(
	ctx context.Context,
	userID int64,
	guildID int64,
	model string,
) (*Conversation, error) {
	if model == "" {
		user, err := rc.store.GetOrCreateUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		model = user.PreferredModel
		if model == "" {
			model = rc.config.Model.DefaultModel
		}
	}
	return rc.store.StartConversation(ctx, userID, guildID, model)
}

// EndConversation closes the active conversation for a (user, guild)
// pair.
func (rc *RequestCoordinator) EndConversation(
	ctx context.Context,
	userID int64,
	guildID int64,
) error {
	conv, err := rc.store.ActiveConversation(ctx, userID, guildID)
	if err != nil {
		return err
	}
	return rc.store.EndConversation(ctx, conv.ID)
}

// ClearConversation truncates the active conversation's history without
// closing it.
func (rc *RequestCoordinator) ClearConversation(
	ctx context.Context,
	userID int64,
	guildID int64,
) error {
	conv, err := rc.store.ActiveConversation(ctx, userID, guildID)
	if err != nil {
		return err
	}
	return rc.store.ClearConversation(ctx, conv.ID)
}
