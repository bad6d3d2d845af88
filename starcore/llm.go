package starcore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
	"github.com/lmittmann/tint"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

// TokenUsage is the token accounting attached to a completed call, or
// to the terminal fragment of a stream.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the result of a non-streaming model call.
type Completion struct {
	Content      string
	Model        string
	FinishReason string
	Usage        TokenUsage
	Latency      time.Duration
}

// Fragment is one incremental unit of streamed model output. The
// terminal fragment has Final set and carries the usage accounting;
// if the stream failed partway, it also carries the error. A stream is
// finite and not restartable.
type Fragment struct {
	Content string
	Final   bool
	Usage   *TokenUsage
	Err     error
}

// completionStream abstracts the receive side of a streaming call, so
// tests can substitute a scripted stream.
type completionStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
	Close() error
}

// CompletionAPI is the subset of the upstream client the ModelClient
// depends on. The production implementation is openaiAPI; tests provide
// scripted fakes.
type CompletionAPI interface {
	CreateChatCompletion(
		ctx context.Context,
		req openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(
		ctx context.Context,
		req openai.ChatCompletionRequest,
	) (completionStream, error)
}

type openaiAPI struct {
	client *openai.Client
}

func (o openaiAPI) CreateChatCompletion(
	ctx context.Context,
	req openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	return o.client.CreateChatCompletion(ctx, req)
}

func (o openaiAPI) CreateChatCompletionStream(
	ctx context.Context,
	req openai.ChatCompletionRequest,
) (completionStream, error) {
	return o.client.CreateChatCompletionStream(ctx, req)
}

// ModelClient talks to the upstream OpenAI-compatible chat-completion
// API. It owns retry/backoff for transient failures, throttles outbound
// requests, and enforces a per-call deadline.
type ModelClient struct {
	api            CompletionAPI
	config         *ModelConfig
	logger         *slog.Logger
	requestLimiter *rate.Limiter
}

// NewModelClient builds the production client from config. httpClient
// may be nil to use the default transport.
func NewModelClient(config *ModelConfig, httpClient *http.Client) *ModelClient {
	clientConfig := openai.DefaultConfig(config.Token)
	if config.BaseURL != "" {
		clientConfig.BaseURL = config.BaseURL
	}
	if httpClient != nil {
		clientConfig.HTTPClient = httpClient
	}

	logLevel := config.LogLevel
	if logLevel == nil {
		logLevel = &slog.LevelVar{}
		logLevel.Set(DefaultModelLogLevel)
	}

	return &ModelClient{
		api:    openaiAPI{client: openai.NewClientWithConfig(clientConfig)},
		config: config,
		logger: slog.New(newLogHandler(logLevel)).With(
			loggerNameKey, "model_client",
		),
		requestLimiter: rate.NewLimiter(
			rate.Limit(config.MaxRequestsPerSecond),
			config.MaxRequestsPerSecond,
		),
	}
}

func (m *ModelClient) newBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    m.config.RetryMinWait,
		Max:    m.config.RetryMaxWait,
		Factor: 2,
		Jitter: true,
	}
}

// retryable reports whether an upstream failure is transient: 429,
// any 5xx, or a network-level error. Other 4xx responses surface
// immediately.
func retryable(err error) (statusCode int, retry bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= 500 {
			return apiErr.HTTPStatusCode, true
		}
		return apiErr.HTTPStatusCode, false
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.HTTPStatusCode == http.StatusTooManyRequests ||
			reqErr.HTTPStatusCode >= 500 {
			return reqErr.HTTPStatusCode, true
		}
		return reqErr.HTTPStatusCode, false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return 0, false
	}
	// Anything else is treated as a network-level failure.
	return 0, true
}

func (m *ModelClient) request(
	model string,
	messages MessageList,
	stream bool,
) openai.ChatCompletionRequest {
	chatMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		chatMessages = append(
			chatMessages,
			openai.ChatCompletionMessage{
				Role:    msg.Role,
				Content: msg.Content,
			},
		)
	}
	req := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  chatMessages,
		MaxTokens: m.config.MaxOutputTokens,
		Stream:    stream,
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

// translateErr maps an upstream failure (after the retry budget is
// spent, or a non-retryable status) into the error taxonomy.
func (m *ModelClient) translateErr(
	err error,
	statusCode int,
	attempts int,
) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &UpstreamTimeoutError{Timeout: m.config.RequestTimeout}
	}
	return &UpstreamError{StatusCode: statusCode, Attempts: attempts, Err: err}
}

// Complete makes a non-streaming chat-completion call, retrying
// transient failures up to MaxRetries with exponential backoff before
// surfacing UpstreamError. The per-call deadline covers all attempts.
func (m *ModelClient) Complete(
	ctx context.Context,
	model string,
	messages MessageList,
) (*Completion, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	defer cancel()

	req := m.request(model, messages, false)
	b := m.newBackoff()
	started := time.Now()

	var lastErr error
	var lastStatus int
	attempts := 0
	for attempts <= m.config.MaxRetries {
		attempts++
		if err := m.requestLimiter.Wait(ctx); err != nil {
			return nil, m.translateErr(err, 0, attempts)
		}

		resp, err := m.api.CreateChatCompletion(ctx, req)
		if err == nil {
			if len(resp.Choices) == 0 {
				return nil, &UpstreamError{
					Attempts: attempts,
					Err:      errors.New("upstream returned no choices"),
				}
			}
			choice := resp.Choices[0]
			return &Completion{
				Content:      choice.Message.Content,
				Model:        resp.Model,
				FinishReason: string(choice.FinishReason),
				Usage: TokenUsage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
				Latency: time.Since(started),
			}, nil
		}

		lastErr = err
		var retry bool
		lastStatus, retry = retryable(err)
		if !retry || attempts > m.config.MaxRetries {
			break
		}

		wait := b.Duration()
		m.logger.Warn(
			"transient upstream error, retrying",
			"attempt", attempts,
			"max_retries", m.config.MaxRetries,
			"status_code", lastStatus,
			"wait", wait,
			tint.Err(err),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, m.translateErr(ctx.Err(), 0, attempts)
		}
	}

	return nil, m.translateErr(lastErr, lastStatus, attempts)
}

// CompleteStream starts a streaming chat-completion call and returns a
// channel of fragments. The channel always terminates with a fragment
// where Final is set; on a clean finish it carries the usage
// accounting, and on a mid-stream failure it carries the error (any
// partial text already sent stays delivered - it is never retracted).
//
// Errors establishing the stream (after retries) are returned
// synchronously; the caller sees either an error or a channel, not
// both.
func (m *ModelClient) CompleteStream(
	ctx context.Context,
	model string,
	messages MessageList,
) (<-chan Fragment, error) {
	streamCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)

	req := m.request(model, messages, true)
	b := m.newBackoff()

	var stream completionStream
	var lastErr error
	var lastStatus int
	attempts := 0
	for attempts <= m.config.MaxRetries {
		attempts++
		if err := m.requestLimiter.Wait(streamCtx); err != nil {
			cancel()
			return nil, m.translateErr(err, 0, attempts)
		}

		var err error
		stream, err = m.api.CreateChatCompletionStream(streamCtx, req)
		if err == nil {
			break
		}
		stream = nil
		lastErr = err
		var retry bool
		lastStatus, retry = retryable(err)
		if !retry || attempts > m.config.MaxRetries {
			break
		}

		wait := b.Duration()
		m.logger.Warn(
			"transient upstream error starting stream, retrying",
			"attempt", attempts,
			"status_code", lastStatus,
			"wait", wait,
			tint.Err(err),
		)
		select {
		case <-time.After(wait):
		case <-streamCtx.Done():
			cancel()
			return nil, m.translateErr(streamCtx.Err(), 0, attempts)
		}
	}
	if stream == nil {
		cancel()
		return nil, m.translateErr(lastErr, lastStatus, attempts)
	}

	fragments := make(chan Fragment)
	go func() {
		defer cancel()
		defer close(fragments)
		defer func() {
			_ = stream.Close()
		}()

		var usage *TokenUsage
		var streamedChars int
		for {
			resp, err := stream.Recv()
			if err != nil {
				final := Fragment{Final: true, Usage: usage}
				if errors.Is(err, io.EOF) {
					if usage == nil {
						// Upstream didn't report usage on the terminal
						// chunk; fall back to an estimate so partial
						// accounting is still possible.
						usage = estimateUsage(messages, streamedChars)
						final.Usage = usage
					}
				} else {
					statusCode, _ := retryable(err)
					final.Err = m.translateErr(err, statusCode, 1)
					if usage == nil {
						final.Usage = estimateUsage(messages, streamedChars)
					}
				}
				select {
				case fragments <- final:
				case <-ctx.Done():
				}
				return
			}

			if resp.Usage != nil {
				usage = &TokenUsage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			content := resp.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			streamedChars += len(content)
			select {
			case fragments <- Fragment{Content: content}:
			case <-ctx.Done():
				// Consumer withdrew early. The coordinator owns the
				// partial-usage flush in that case.
				return
			}
		}
	}()

	return fragments, nil
}

// estimateUsage approximates token counts at roughly four characters
// per token, for providers that omit usage on streamed responses.
func estimateUsage(prompt MessageList, streamedChars int) *TokenUsage {
	var promptChars int
	for _, msg := range prompt {
		promptChars += len(msg.Content) + len(msg.Role)
	}
	u := &TokenUsage{
		PromptTokens:     promptChars / 4,
		CompletionTokens: streamedChars / 4,
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}
