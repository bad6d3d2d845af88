package starcore

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type completeResult struct {
	resp openai.ChatCompletionResponse
	err  error
}

type streamResult struct {
	stream completionStream
	err    error
}

// scriptedAPI plays back a fixed sequence of responses, one per call.
type scriptedAPI struct {
	mu sync.Mutex

	complete      []completeResult
	completeCalls int

	streams     []streamResult
	streamCalls int
}

func (s *scriptedAPI) CreateChatCompletion(
	_ context.Context,
	_ openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeCalls >= len(s.complete) {
		return openai.ChatCompletionResponse{}, io.ErrUnexpectedEOF
	}
	result := s.complete[s.completeCalls]
	s.completeCalls++
	return result.resp, result.err
}

func (s *scriptedAPI) CreateChatCompletionStream(
	_ context.Context,
	_ openai.ChatCompletionRequest,
) (completionStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streamCalls >= len(s.streams) {
		return nil, io.ErrUnexpectedEOF
	}
	result := s.streams[s.streamCalls]
	s.streamCalls++
	return result.stream, result.err
}

type streamFrame struct {
	resp openai.ChatCompletionStreamResponse
	err  error
}

// scriptedStream plays back a fixed frame sequence, then io.EOF.
type scriptedStream struct {
	mu     sync.Mutex
	frames []streamFrame
	next   int
	closed bool
}

func (s *scriptedStream) Recv() (openai.ChatCompletionStreamResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.frames) {
		return openai.ChatCompletionStreamResponse{}, io.EOF
	}
	frame := s.frames[s.next]
	s.next++
	return frame.resp, frame.err
}

func (s *scriptedStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func deltaFrame(content string) streamFrame {
	return streamFrame{
		resp: openai.ChatCompletionStreamResponse{
			Choices: []openai.ChatCompletionStreamChoice{
				{
					Delta: openai.ChatCompletionStreamChoiceDelta{
						Content: content,
					},
				},
			},
		},
	}
}

func usageFrame(prompt, completion int) streamFrame {
	return streamFrame{
		resp: openai.ChatCompletionStreamResponse{
			Usage: &openai.Usage{
				PromptTokens:     prompt,
				CompletionTokens: completion,
				TotalTokens:      prompt + completion,
			},
		},
	}
}

func newTestModelClient(api CompletionAPI) *ModelClient {
	config := &ModelConfig{
		Token:                "test-token",
		DefaultModel:         "gpt-4o-mini",
		RequestTimeout:       5 * time.Second,
		MaxRetries:           2,
		RetryMinWait:         time.Millisecond,
		RetryMaxWait:         5 * time.Millisecond,
		MaxRequestsPerSecond: 1000,
		MaxOutputTokens:      256,
	}
	return &ModelClient{
		api:            api,
		config:         config,
		logger:         slog.New(newLogHandler(slog.LevelError)),
		requestLimiter: rate.NewLimiter(rate.Inf, 1),
	}
}

func okCompletion(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Model: "gpt-4o-mini",
		Choices: []openai.ChatCompletionChoice{
			{
				Message:      openai.ChatCompletionMessage{Content: content},
				FinishReason: openai.FinishReasonStop,
			},
		},
		Usage: openai.Usage{
			PromptTokens:     12,
			CompletionTokens: 8,
			TotalTokens:      20,
		},
	}
}

func upstreamStatus(code int) error {
	return &openai.APIError{HTTPStatusCode: code, Message: http.StatusText(code)}
}

var testPrompt = MessageList{{Role: "user", Content: "hello"}}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	api := &scriptedAPI{
		complete: []completeResult{
			{err: upstreamStatus(http.StatusInternalServerError)},
			{err: upstreamStatus(http.StatusTooManyRequests)},
			{resp: okCompletion("hi there")},
		},
	}
	client := newTestModelClient(api)

	completion, err := client.Complete(
		context.Background(), "gpt-4o-mini", testPrompt,
	)
	require.NoError(t, err)
	assert.Equal(t, "hi there", completion.Content)
	assert.Equal(t, 20, completion.Usage.TotalTokens)
	assert.Equal(t, 3, api.completeCalls)
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	api := &scriptedAPI{
		complete: []completeResult{
			{err: upstreamStatus(http.StatusBadRequest)},
		},
	}
	client := newTestModelClient(api)

	_, err := client.Complete(context.Background(), "gpt-4o-mini", testPrompt)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadRequest, upstream.StatusCode)
	assert.Equal(t, 1, api.completeCalls)
}

func TestCompleteExhaustsRetryBudget(t *testing.T) {
	api := &scriptedAPI{
		complete: []completeResult{
			{err: upstreamStatus(http.StatusBadGateway)},
			{err: upstreamStatus(http.StatusBadGateway)},
			{err: upstreamStatus(http.StatusBadGateway)},
		},
	}
	client := newTestModelClient(api)

	_, err := client.Complete(context.Background(), "gpt-4o-mini", testPrompt)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusBadGateway, upstream.StatusCode)
	assert.Equal(t, 3, upstream.Attempts)
	assert.Equal(t, 3, api.completeCalls)
}

func TestCompleteStreamDeliversFragmentsAndUsage(t *testing.T) {
	stream := &scriptedStream{
		frames: []streamFrame{
			deltaFrame("Hel"),
			deltaFrame("lo!"),
			usageFrame(12, 3),
		},
	}
	api := &scriptedAPI{streams: []streamResult{{stream: stream}}}
	client := newTestModelClient(api)

	fragments, err := client.CompleteStream(
		context.Background(), "gpt-4o-mini", testPrompt,
	)
	require.NoError(t, err)

	var content string
	var final Fragment
	for fragment := range fragments {
		if fragment.Final {
			final = fragment
			continue
		}
		content += fragment.Content
	}

	assert.Equal(t, "Hello!", content)
	require.True(t, final.Final)
	require.NoError(t, final.Err)
	require.NotNil(t, final.Usage)
	assert.Equal(t, 15, final.Usage.TotalTokens)
	assert.True(t, stream.closed)
}

func TestCompleteStreamEstimatesOmittedUsage(t *testing.T) {
	stream := &scriptedStream{
		frames: []streamFrame{deltaFrame("four char chunks")},
	}
	api := &scriptedAPI{streams: []streamResult{{stream: stream}}}
	client := newTestModelClient(api)

	fragments, err := client.CompleteStream(
		context.Background(), "gpt-4o-mini", testPrompt,
	)
	require.NoError(t, err)

	var final Fragment
	for fragment := range fragments {
		if fragment.Final {
			final = fragment
		}
	}
	require.NotNil(t, final.Usage)
	assert.Equal(t, len("four char chunks")/4, final.Usage.CompletionTokens)
	assert.Greater(t, final.Usage.TotalTokens, 0)
}

func TestCompleteStreamMidStreamFailure(t *testing.T) {
	stream := &scriptedStream{
		frames: []streamFrame{
			deltaFrame("partial "),
			deltaFrame("answer"),
			{err: upstreamStatus(http.StatusServiceUnavailable)},
		},
	}
	api := &scriptedAPI{streams: []streamResult{{stream: stream}}}
	client := newTestModelClient(api)

	fragments, err := client.CompleteStream(
		context.Background(), "gpt-4o-mini", testPrompt,
	)
	require.NoError(t, err)

	var content string
	var final Fragment
	for fragment := range fragments {
		if fragment.Final {
			final = fragment
			continue
		}
		content += fragment.Content
	}

	// Partial text already delivered is never retracted
	assert.Equal(t, "partial answer", content)
	var upstream *UpstreamError
	require.ErrorAs(t, final.Err, &upstream)
	assert.Equal(t, http.StatusServiceUnavailable, upstream.StatusCode)
	require.NotNil(t, final.Usage, "partial accounting must be possible")
}

func TestCompleteStreamRetriesCreation(t *testing.T) {
	stream := &scriptedStream{frames: []streamFrame{deltaFrame("ok")}}
	api := &scriptedAPI{
		streams: []streamResult{
			{err: upstreamStatus(http.StatusInternalServerError)},
			{stream: stream},
		},
	}
	client := newTestModelClient(api)

	fragments, err := client.CompleteStream(
		context.Background(), "gpt-4o-mini", testPrompt,
	)
	require.NoError(t, err)
	assert.Equal(t, 2, api.streamCalls)
	for range fragments {
	}
}

func TestCompleteStreamCreationFailureIsSynchronous(t *testing.T) {
	api := &scriptedAPI{
		streams: []streamResult{
			{err: upstreamStatus(http.StatusUnauthorized)},
		},
	}
	client := newTestModelClient(api)

	fragments, err := client.CompleteStream(
		context.Background(), "gpt-4o-mini", testPrompt,
	)
	var upstream *UpstreamError
	require.ErrorAs(t, err, &upstream)
	assert.Equal(t, http.StatusUnauthorized, upstream.StatusCode)
	assert.Nil(t, fragments)
	assert.Equal(t, 1, api.streamCalls)
}

func TestRetryableClassification(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		retry  bool
	}{
		{"rate limited", upstreamStatus(429), 429, true},
		{"server error", upstreamStatus(500), 500, true},
		{"bad gateway", upstreamStatus(502), 502, true},
		{"bad request", upstreamStatus(400), 400, false},
		{"unauthorized", upstreamStatus(401), 401, false},
		{"deadline", context.DeadlineExceeded, 0, false},
		{"cancelled", context.Canceled, 0, false},
		{"network", io.ErrUnexpectedEOF, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, retry := retryable(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.retry, retry)
		})
	}
}

func TestEstimateUsage(t *testing.T) {
	prompt := MessageList{
		{Role: "user", Content: "twelve chars"},
	}
	usage := estimateUsage(prompt, 40)
	assert.Equal(t, (len("user")+len("twelve chars"))/4, usage.PromptTokens)
	assert.Equal(t, 10, usage.CompletionTokens)
	assert.Equal(t, usage.PromptTokens+usage.CompletionTokens, usage.TotalTokens)
}
