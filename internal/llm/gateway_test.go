package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

// scriptedGenerator replays responses in order; the last one repeats.
type scriptedGenerator struct {
	mu      sync.Mutex
	calls   int
	replies []reply
}

type reply struct {
	text string
	err  error
}

func (s *scriptedGenerator) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	s.mu.Lock()
	i := min(s.calls, len(s.replies)-1)
	s.calls++
	r := s.replies[i]
	s.mu.Unlock()

	if r.err != nil {
		return nil, r.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{
		Content:        r.text,
		GenerationInfo: map[string]any{"PromptTokens": 12, "CompletionTokens": 3},
	}}}, nil
}

func (s *scriptedGenerator) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testGatewayConfig() config.GatewayConfig {
	cfg := config.Default().Gateway
	cfg.RequestsPerMinute = 600000
	cfg.SynthesisRPM = 600000
	cfg.Burst = 100
	cfg.BreakerFailures = 100
	return cfg
}

func newTestGateway(gen Generator, cfg config.GatewayConfig) (*Gateway, *[]time.Duration) {
	var delays []time.Duration
	g := NewGateway(gen, cfg, WithSleep(func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))
	return g, &delays
}

var echoPrompt = MustPrompt("echo", "Answer as JSON.", "{{.q}}", []string{"q"}, nil)

func echoRequest() Request {
	return Request{Stage: "test", Prompt: echoPrompt, Values: map[string]any{"q": "why?"}}
}

func TestInvokeRateLimitedThenSucceeds(t *testing.T) {
	cfg := testGatewayConfig()
	rateLimited := reply{err: errors.New("HTTP 429: rate limit exceeded")}
	ok := reply{text: `{"answer": "because"}`}

	for k := 0; k <= cfg.MaxAttempts+1; k++ {
		replies := make([]reply, 0, k+1)
		for i := 0; i < k; i++ {
			replies = append(replies, rateLimited)
		}
		replies = append(replies, ok)
		gen := &scriptedGenerator{replies: replies}
		g, delays := newTestGateway(gen, cfg)

		out := Invoke(context.Background(), g, echoRequest(), Schema[answerShape]{Name: "answer"})

		if k < cfg.MaxAttempts {
			require.Equal(t, StatusOK, out.Status, "K=%d", k)
			assert.Equal(t, "because", out.Value.Answer)
			assert.Equal(t, k+1, gen.Calls(), "K=%d", k)
			assert.Len(t, *delays, k)
		} else {
			require.Equal(t, StatusRetryable, out.Status, "K=%d", k)
			assert.Equal(t, fault.KindStageFailure, fault.KindOf(out.Err))
			assert.True(t, fault.Is(out.Err, fault.KindTransientGateway))
			assert.Equal(t, cfg.MaxAttempts, gen.Calls(), "K=%d", k)
		}
	}
}

func TestInvokeBackoffGrows(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.MaxAttempts = 5
	gen := &scriptedGenerator{replies: []reply{{err: errors.New("connection reset")}}}
	g, delays := newTestGateway(gen, cfg)

	out := Invoke(context.Background(), g, echoRequest(), Schema[answerShape]{Name: "answer"})
	require.Equal(t, StatusRetryable, out.Status)
	require.Len(t, *delays, cfg.MaxAttempts-1)

	for i, d := range *delays {
		assert.LessOrEqual(t, d, cfg.MaxDelay+cfg.MaxDelay/2, "delay %d", i)
		assert.Greater(t, d, time.Duration(0), "delay %d", i)
	}
	// Jitter is at most 50%, so the fourth delay always exceeds the first.
	assert.Greater(t, (*delays)[3], (*delays)[0])
}

func TestInvokeFatalErrorNotRetried(t *testing.T) {
	gen := &scriptedGenerator{replies: []reply{{err: errors.New("401 invalid api key")}}}
	g, delays := newTestGateway(gen, testGatewayConfig())

	out := Invoke(context.Background(), g, echoRequest(), Schema[answerShape]{Name: "answer"})
	require.Equal(t, StatusFatal, out.Status)
	assert.Equal(t, 1, gen.Calls())
	assert.Empty(t, *delays)
	assert.False(t, fault.AutoRetryable(out.Err))
}

func TestInvokeMalformedResponse(t *testing.T) {
	cfg := testGatewayConfig()
	gen := &scriptedGenerator{replies: []reply{{text: "I think the answer is 42."}}}
	g, delays := newTestGateway(gen, cfg)

	out := Invoke(context.Background(), g, echoRequest(), Schema[answerShape]{Name: "answer"})
	require.Equal(t, StatusRetryable, out.Status)
	assert.Equal(t, fault.KindMalformed, fault.KindOf(out.Err))
	assert.True(t, fault.AutoRetryable(out.Err))
	assert.Equal(t, cfg.SchemaRetries+1, gen.Calls())
	require.Len(t, *delays, cfg.SchemaRetries, "every re-request waits for the backoff")
	for i, d := range *delays {
		assert.Greater(t, d, time.Duration(0), "delay %d", i)
	}
}

func TestInvokeRequestRejection(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		rejected bool
	}{
		{"bad request", errors.New("400 Bad Request: prompt is too long"), true},
		{"invalid request", errors.New(`{"type":"invalid_request_error","message":"max_tokens too large"}`), true},
		{"low credit", errors.New(`{"type":"invalid_request_error","message":"Your credit balance is too low"}`), false},
		{"bad key", errors.New("401 invalid api key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &scriptedGenerator{replies: []reply{{err: tt.err}}}
			g, delays := newTestGateway(gen, testGatewayConfig())

			out := Invoke(context.Background(), g, echoRequest(), Schema[answerShape]{Name: "answer"})
			require.Equal(t, StatusFatal, out.Status)
			assert.Equal(t, 1, gen.Calls())
			assert.Empty(t, *delays)
			assert.Equal(t, tt.rejected, errors.Is(out.Err, ErrRequestRejected))
		})
	}
}

func TestInvokeMalformedThenValid(t *testing.T) {
	gen := &scriptedGenerator{replies: []reply{{text: "{broken"}, {text: `{"answer": "fine"}`}}}
	g, _ := newTestGateway(gen, testGatewayConfig())

	out := Invoke(context.Background(), g, echoRequest(), Schema[answerShape]{Name: "answer"})
	v, err := out.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, "fine", v.Answer)
	assert.Equal(t, 2, out.Attempts)
}

func TestInvokeCancelledContext(t *testing.T) {
	gen := &scriptedGenerator{replies: []reply{{text: `{"answer": "x"}`}}}
	g, _ := newTestGateway(gen, testGatewayConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	out := Invoke(ctx, g, echoRequest(), Schema[answerShape]{Name: "answer"})
	require.Equal(t, StatusFatal, out.Status)
	assert.True(t, fault.Is(out.Err, fault.KindCancelled))
	assert.Equal(t, 0, gen.Calls())
}

func TestInvokeCircuitOpensAsTransient(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.BreakerFailures = 2
	cfg.MaxAttempts = 4
	gen := &scriptedGenerator{replies: []reply{{err: errors.New("connection refused")}}}
	g, _ := newTestGateway(gen, cfg)

	out := Invoke(context.Background(), g, echoRequest(), Schema[answerShape]{Name: "answer"})
	require.Equal(t, StatusRetryable, out.Status)
	// Once the breaker opens the provider is no longer called.
	assert.Equal(t, 2, gen.Calls())
	assert.Contains(t, out.Err.Error(), "circuit_open")
}

func TestInvokeSharedLimiterThrottles(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.RequestsPerMinute = 6000 // one call per 10ms
	cfg.Burst = 1
	gen := &scriptedGenerator{replies: []reply{{text: `{"answer": "x"}`}}}
	g, _ := newTestGateway(gen, cfg)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Invoke(context.Background(), g, echoRequest(), Schema[answerShape]{Name: "answer"})
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)
	assert.Equal(t, 6, gen.Calls())
}

func TestTokenUsage(t *testing.T) {
	in, out := tokenUsage(map[string]any{"InputTokens": 7, "OutputTokens": int64(2)})
	assert.Equal(t, int64(7), in)
	assert.Equal(t, int64(2), out)

	in, out = tokenUsage(nil)
	assert.Zero(t, in)
	assert.Zero(t, out)
}
