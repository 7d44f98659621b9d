// Package llmtest provides scripted model backends for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/compendium/internal/config"
	"github.com/raphaelgruber/compendium/internal/llm"
	"github.com/tmc/langchaingo/llms"
)

// Handler produces a reply for one call.
type Handler func(system, user string) (string, error)

// Reply always answers text.
func Reply(text string) Handler {
	return func(string, string) (string, error) { return text, nil }
}

// Fail always returns err.
func Fail(err error) Handler {
	return func(string, string) (string, error) { return "", err }
}

type route struct {
	marker  string
	handler Handler
}

// Router dispatches calls to the first handler whose marker appears in the
// system or user message. It is safe for concurrent use.
type Router struct {
	mu     sync.Mutex
	routes []route
	calls  map[string]int
	hook   func(marker string)
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{calls: make(map[string]int)}
}

// Handle registers h for messages containing marker.
func (r *Router) Handle(marker string, h Handler) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route{marker: marker, handler: h})
	return r
}

// OnCall runs fn before every routed call, outside the router lock.
func (r *Router) OnCall(fn func(marker string)) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hook = fn
	return r
}

// Calls returns how many calls matched marker.
func (r *Router) Calls(marker string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[marker]
}

// GenerateContent implements llm.Generator.
func (r *Router) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	system, user := text(messages, llms.ChatMessageTypeSystem), text(messages, llms.ChatMessageTypeHuman)

	r.mu.Lock()
	var match *route
	for i := range r.routes {
		if strings.Contains(system, r.routes[i].marker) || strings.Contains(user, r.routes[i].marker) {
			match = &r.routes[i]
			break
		}
	}
	if match == nil {
		r.mu.Unlock()
		return nil, errors.New("llmtest: no route for prompt")
	}
	r.calls[match.marker]++
	hook := r.hook
	r.mu.Unlock()

	if hook != nil {
		hook(match.marker)
	}
	out, err := match.handler(system, user)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: out}}}, nil
}

func text(messages []llms.MessageContent, role llms.ChatMessageType) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role != role {
			continue
		}
		for _, p := range m.Parts {
			if t, ok := p.(llms.TextContent); ok {
				b.WriteString(t.Text)
			}
		}
	}
	return b.String()
}

// Config returns a gateway configuration with effectively unlimited rate
// limits.
func Config() config.GatewayConfig {
	cfg := config.Default().Gateway
	cfg.RequestsPerMinute = 6_000_000
	cfg.SynthesisRPM = 6_000_000
	cfg.Burst = 1000
	cfg.BreakerFailures = 1000
	return cfg
}

// Gateway wraps gen in a gateway that never sleeps between retries.
func Gateway(gen llm.Generator) *llm.Gateway {
	return llm.NewGateway(gen, Config(), llm.WithSleep(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	}))
}
