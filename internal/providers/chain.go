package providers

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure for retry/failover decisions
// for retry/failover decisions.
type ErrorKind string

const (
	ErrRateLimit      ErrorKind = "rate_limit"
	ErrUsageLimit     ErrorKind = "usage_limit"
	ErrAuth           ErrorKind = "auth"
	ErrProviderServer ErrorKind = "provider_server"
	ErrNetwork        ErrorKind = "network"
	ErrContextOverflow ErrorKind = "context_overflow"
	ErrTimeout        ErrorKind = "timeout"
	ErrUnknown        ErrorKind = "internal"
)

// ProviderError wraps an underlying error with its classified kind and,
// for rate_limit responses, a server-provided retry-after hint.
type ProviderError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Provider   string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Provider + ": " + e.Err.Error()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the chain should retry the same provider (or
// fail over to the next one) rather than surfacing the error immediately.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ErrRateLimit, ErrProviderServer, ErrNetwork, ErrTimeout:
		return true
	default:
		return false
	}
}

// ClassifyError inspects err and an optional HTTP status code to produce a
// ProviderError. Falls through to network/timeout/unknown heuristics when
// no status code is available (e.g. a transport-level failure).
func ClassifyError(providerName string, statusCode int, retryAfter time.Duration, err error) *ProviderError {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return &ProviderError{Kind: ErrRateLimit, RetryAfter: retryAfter, Provider: providerName, Err: err}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &ProviderError{Kind: ErrAuth, Provider: providerName, Err: err}
	case statusCode == 402:
		return &ProviderError{Kind: ErrUsageLimit, Provider: providerName, Err: err}
	case statusCode >= 500 && statusCode < 600:
		return &ProviderError{Kind: ErrProviderServer, Provider: providerName, Err: err}
	case statusCode == http.StatusRequestEntityTooLarge:
		return &ProviderError{Kind: ErrContextOverflow, Provider: providerName, Err: err}
	}

	if err == nil {
		return &ProviderError{Kind: ErrUnknown, Provider: providerName}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Kind: ErrTimeout, Provider: providerName, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ProviderError{Kind: ErrNetwork, Provider: providerName, Err: err}
	}
	if strings.Contains(err.Error(), "context length") || strings.Contains(err.Error(), "maximum context") {
		return &ProviderError{Kind: ErrContextOverflow, Provider: providerName, Err: err}
	}
	return &ProviderError{Kind: ErrUnknown, Provider: providerName, Err: err}
}

// ChainConfig controls retry/backoff behavior for one chain attempt.
type ChainConfig struct {
	MaxAttempts  int           // per-provider attempts before failing over, default 3
	BaseDelay    time.Duration // default 1s
	MaxDelay     time.Duration // default 30s
}

func DefaultChainConfig() ChainConfig {
	return ChainConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Chain tries providers in priority order. Within one provider, retryable
// errors are retried up to MaxAttempts with exponential backoff plus
// jitter; exhausting MaxAttempts moves on to the next provider. A
// non-retryable error ends the chain and is returned immediately.
type Chain struct {
	providers []Provider
	cfg       ChainConfig
}

func NewChain(cfg ChainConfig, providers ...Provider) *Chain {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Chain{providers: providers, cfg: cfg}
}

// Outcome records which provider/model actually served a successful call,
// for callers that need to attribute usage or emit a Final event.
type Outcome struct {
	Provider string
	Response *ChatResponse
}

func (c *Chain) Chat(ctx context.Context, req ChatRequest) (*Outcome, error) {
	return c.run(ctx, func(p Provider) (*ChatResponse, error) {
		return p.Chat(ctx, req)
	})
}

func (c *Chain) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*Outcome, error) {
	return c.run(ctx, func(p Provider) (*ChatResponse, error) {
		return p.ChatStream(ctx, req, onChunk)
	})
}

func (c *Chain) run(ctx context.Context, call func(Provider) (*ChatResponse, error)) (*Outcome, error) {
	if len(c.providers) == 0 {
		return nil, errors.New("providers: chain is empty")
	}

	var lastErr error
	for _, p := range c.providers {
		resp, err := c.attemptWithRetry(ctx, p, call)
		if err == nil {
			return &Outcome{Provider: p.Name(), Response: resp}, nil
		}
		lastErr = err

		var perr *ProviderError
		if errors.As(err, &perr) && !perr.Retryable() {
			// Non-retryable errors (auth, usage_limit, context_overflow)
			// short-circuit the chain: no retry and no failover.
			slog.Warn("provider chain: non-retryable error, stopping", "provider", p.Name(), "kind", perr.Kind)
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Chain) attemptWithRetry(ctx context.Context, p Provider, call func(Provider) (*ChatResponse, error)) (*ChatResponse, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(c.cfg.BaseDelay, c.cfg.MaxDelay, attempt)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		resp, err := call(p)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var perr *ProviderError
		if !errors.As(err, &perr) {
			perr = ClassifyError(p.Name(), 0, 0, err)
		}
		if !perr.Retryable() {
			return nil, perr
		}
		if perr.RetryAfter > 0 {
			select {
			case <-time.After(perr.RetryAfter):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		lastErr = perr
	}
	return nil, lastErr
}

// backoffDelay computes min(base * 1.5^attempt, max) plus up to 20% jitter.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := float64(base) * math.Pow(1.5, float64(attempt))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := d * 0.2 * rand.Float64()
	return time.Duration(d + jitter)
}

// Registry resolves named providers and assembles priority-ordered chains.
type Registry struct {
	byName map[string]Provider
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Provider)}
}

// Register adds a provider under its Name(), appending it to priority order.
func (r *Registry) Register(p Provider) {
	name := p.Name()
	if _, exists := r.byName[name]; !exists {
		r.order = append(r.order, name)
	}
	r.byName[name] = p
}

func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Chain builds a Chain over the named providers in the given order. An
// empty names list uses registration order (every registered provider).
func (r *Registry) Chain(cfg ChainConfig, names ...string) *Chain {
	if len(names) == 0 {
		names = r.order
	}
	var ps []Provider
	for _, n := range names {
		if p, ok := r.byName[n]; ok {
			ps = append(ps, p)
		}
	}
	return NewChain(cfg, ps...)
}
