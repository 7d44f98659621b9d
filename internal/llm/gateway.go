package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/fault"
	"github.com/raphaelgruber/compendium/internal/metrics"
	"github.com/sony/gobreaker/v2"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

// Lane selects an additional rate limit on top of the shared one.
type Lane int

const (
	LaneDefault Lane = iota
	// LaneSynthesis is the answer synthesis lane, which has its own ceiling.
	LaneSynthesis
)

// Request is one templated model call.
type Request struct {
	Stage       string
	Prompt      *Prompt
	Values      map[string]any
	Lane        Lane
	Temperature float64
}

// Gateway applies rate limiting, timeouts, retries and circuit breaking to
// every model call. One Gateway is shared by all jobs in a process.
type Gateway struct {
	gen       Generator
	cfg       config.GatewayConfig
	limiter   *rate.Limiter
	synthesis *rate.Limiter
	breaker   *gobreaker.CircuitBreaker[*llms.ContentResponse]
	metrics   *metrics.Collector
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMetrics records call timings and token usage.
func WithMetrics(c *metrics.Collector) Option {
	return func(g *Gateway) { g.metrics = c }
}

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithSleep replaces the backoff wait, for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = fn }
}

// NewGateway creates a gateway around gen.
func NewGateway(gen Generator, cfg config.GatewayConfig, opts ...Option) *Gateway {
	g := &Gateway{
		gen:       gen,
		cfg:       cfg,
		limiter:   rate.NewLimiter(perMinute(cfg.RequestsPerMinute), cfg.Burst),
		synthesis: rate.NewLimiter(perMinute(cfg.SynthesisRPM), cfg.Burst),
		metrics:   metrics.NewCollector(),
		logger:    slog.Default(),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(g)
	}

	g.breaker = gobreaker.NewCircuitBreaker[*llms.ContentResponse](gobreaker.Settings{
		Name:    "llm",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// Only provider trouble counts against the circuit.
			return err == nil || isFatalAPIError(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("llm circuit state changed", "from", from.String(), "to", to.String())
		},
	})
	return g
}

func perMinute(n int) rate.Limit {
	if n <= 0 {
		return rate.Inf
	}
	return rate.Every(time.Minute / time.Duration(n))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (g *Gateway) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.BaseDelay
	b.MaxInterval = g.cfg.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Invoke renders req, calls the model and parses the response with schema.
//
// Transient failures are retried with backoff until MaxAttempts calls have
// failed, then reported as a retryable StageFailure. Responses that do not
// match the schema are re-requested SchemaRetries times on the same backoff,
// then reported as MalformedResponse. Provider errors that will not improve
// on retry and cancellation are fatal; a provider refusing this one request
// is fatal too and matches ErrRequestRejected.
func Invoke[T any](ctx context.Context, g *Gateway, req Request, schema Schema[T]) Outcome[T] {
	system, user, err := req.Prompt.Render(req.Values)
	if err != nil {
		return Fatal[T](fault.Wrap(fault.KindInternal, err, "render prompt"), 0)
	}
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}

	bo := g.backOff()
	attempts, failures, malformed := 0, 0, 0
	for {
		attempts++
		text, err := g.call(ctx, req, messages)
		if err == nil {
			v, perr := schema.Parse(text)
			if perr == nil {
				return Ok(v, attempts)
			}
			malformed++
			g.metrics.RecordLLMFailure(req.Stage, "malformed")
			if malformed > g.cfg.SchemaRetries {
				return Retryable[T](fault.Wrap(fault.KindMalformed, perr, "%s response after %d attempts", schema.Name, malformed), attempts)
			}
			delay := bo.NextBackOff()
			g.metrics.RecordRetry(req.Stage, "malformed")
			g.logger.Debug("llm response did not match schema",
				"stage", req.Stage, "attempt", attempts, "delay", delay, "error", perr)
			if err := g.sleep(ctx, delay); err != nil {
				return Fatal[T](fault.Wrap(fault.KindCancelled, err, "llm retry interrupted"), attempts)
			}
			continue
		}

		if ctx.Err() != nil {
			return Fatal[T](fault.Wrap(fault.KindCancelled, ctx.Err(), "llm call interrupted"), attempts)
		}
		reason, retry := retryReason(err)
		if !retry {
			g.metrics.RecordLLMFailure(req.Stage, "fatal")
			if isRequestRejection(err) {
				err = fmt.Errorf("%w: %v", ErrRequestRejected, err)
			}
			return Fatal[T](fault.Wrap(fault.KindStageFailure, err, "llm call rejected"), attempts)
		}

		failures++
		g.metrics.RecordLLMFailure(req.Stage, reason)
		if failures >= g.cfg.MaxAttempts {
			transient := fault.Wrap(fault.KindTransientGateway, err, "%s", reason)
			return Retryable[T](fault.Wrap(fault.KindStageFailure, transient, "llm unavailable after %d attempts", failures), attempts)
		}

		delay := bo.NextBackOff()
		g.metrics.RecordRetry(req.Stage, reason)
		g.logger.Warn("llm call failed, retrying",
			"stage", req.Stage, "attempt", attempts, "reason", reason, "delay", delay, "error", err)
		if err := g.sleep(ctx, delay); err != nil {
			return Fatal[T](fault.Wrap(fault.KindCancelled, err, "llm retry interrupted"), attempts)
		}
	}
}

// call waits for rate limit tokens and makes one bounded provider call.
func (g *Gateway) call(ctx context.Context, req Request, messages []llms.MessageContent) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}
	if req.Lane == LaneSynthesis {
		if err := g.synthesis.Wait(ctx); err != nil {
			return "", fmt.Errorf("synthesis limiter: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := g.breaker.Execute(func() (*llms.ContentResponse, error) {
		return g.gen.GenerateContent(callCtx, messages, llms.WithTemperature(req.Temperature))
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response choices")
	}

	choice := resp.Choices[0]
	in, out := tokenUsage(choice.GenerationInfo)
	g.metrics.RecordLLMUsage(req.Stage, time.Since(start), in, out)
	return choice.Content, nil
}

// tokenUsage reads token counts from provider generation info. Providers
// disagree on the key names.
func tokenUsage(info map[string]any) (int64, int64) {
	return firstInt(info, "PromptTokens", "InputTokens", "input_tokens"),
		firstInt(info, "CompletionTokens", "OutputTokens", "output_tokens")
}

func firstInt(info map[string]any, keys ...string) int64 {
	for _, k := range keys {
		switch v := info[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
	}
	return 0
}
