package tools

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/zhubby/moltis-sub004/internal/bus"
	"github.com/zhubby/moltis-sub004/internal/providers"
	"github.com/zhubby/moltis-sub004/internal/store"
	"golang.org/x/time/rate"
)

// ApprovalAware is implemented by tools (like exec) that gate individual
// invocations behind an interactive approval round-trip of their own,
// distinct from the policy engine's coarser per-call-name gate.
type ApprovalAware interface {
	SetApprovalManager(mgr *ExecApprovalManager, agentID string)
}

// PathAllowable is implemented by filesystem tools so the gateway can
// restrict them to workspace-relative paths (or explicit extra roots)
// after construction.
type PathAllowable interface {
	AllowPaths(prefixes ...string)
}

// SessionStoreAware is implemented by tools that need read access to
// session history/metadata (sessions_list, session_status, ...).
type SessionStoreAware interface {
	SetSessionStore(s store.SessionStore)
}

// BusAware is implemented by tools that publish onto the message bus
// (message, sessions_send, ...).
type BusAware interface {
	SetMessageBus(b *bus.MessageBus)
}

// Tool is one callable the agent loop can expose to the LLM.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) *Result
}

// AsyncCallback delivers the eventual result of a tool that returned
// AsyncResult immediately (e.g. a subagent spawn) once it actually finishes.
type AsyncCallback func(ctx context.Context, result *Result)

// Registry holds every tool instance available to agent loops.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	order     []string
	limiter   *ToolRateLimiter
	scrubbing bool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// SetRateLimiter installs a per-session call-rate limit. Nil disables limiting.
func (r *Registry) SetRateLimiter(limiter *ToolRateLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limiter = limiter
}

// SetScrubbing toggles credential scrubbing of tool results before they
// reach the LLM or the user.
func (r *Registry) SetScrubbing(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scrubbing = enabled
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Unregister removes a tool by name (e.g. when an MCP server disconnects).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns every registered tool name in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ProviderDefs returns every registered tool's schema, unfiltered. Callers
// that need policy filtering should go through PolicyEngine.FilterTools
// instead.
func (r *Registry) ProviderDefs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, ToProviderDef(r.tools[name]))
	}
	return defs
}

// ToProviderDef converts one Tool into the provider-facing function schema.
func ToProviderDef(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}

// Execute runs a tool by name with no extra routing context injected,
// for callers (like the subagent loop) that already set up everything the
// tool needs via the parent context.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}
	return tool.Execute(ctx, args)
}

// ExecuteWithContext injects per-call routing context (channel, chat,
// peer kind, sandbox/session scoping, async callback) and executes the
// named tool. This is the raw dispatch step of the tool-invocation
// pipeline — hook pre/post-checks, policy gating, and approval all run in
// the agent loop's invokeTool wrapper, above this call, since those need
// collaborators (hook runner, policy engine) the registry itself does not
// own.
func (r *Registry) ExecuteWithContext(
	ctx context.Context,
	name string,
	args map[string]interface{},
	channel, chatID, peerKind, sessionKey string,
	asyncCB AsyncCallback,
) (result *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	tool, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool: %s", name))
	}

	r.mu.RLock()
	limiter, scrub := r.limiter, r.scrubbing
	r.mu.RUnlock()
	if limiter != nil && sessionKey != "" && !limiter.Allow(sessionKey) {
		return ErrorResult(fmt.Sprintf("tool %s: rate limit exceeded for this session", name))
	}

	ctx = WithToolChannel(ctx, channel)
	ctx = WithToolChatID(ctx, chatID)
	ctx = WithToolPeerKind(ctx, peerKind)
	ctx = WithToolSandboxKey(ctx, sessionKey)
	if asyncCB != nil {
		ctx = WithToolAsyncCB(ctx, asyncCB)
	}

	result = tool.Execute(ctx, args)
	if scrub && result != nil {
		result.ForLLM = ScrubCredentials(result.ForLLM)
		result.ForUser = ScrubCredentials(result.ForUser)
	}
	return result
}

// ToolRateLimiter caps how many tool calls a single session may make per
// hour using a token bucket per session key, refilled continuously rather
// than reset on a fixed clock boundary.
type ToolRateLimiter struct {
	perHour float64

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewToolRateLimiter builds a limiter allowing perHour calls per session,
// refilled evenly over the hour, with a burst of one third of perHour (or
// at least 1) so a burst of rapid-fire tool calls within a single LLM turn
// still goes through. perHour <= 0 disables limiting (Allow always true).
func NewToolRateLimiter(perHour int) *ToolRateLimiter {
	return &ToolRateLimiter{perHour: float64(perHour), limiters: make(map[string]*rate.Limiter)}
}

func (l *ToolRateLimiter) Allow(sessionKey string) bool {
	if l.perHour <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[sessionKey]
	if !ok {
		burst := int(l.perHour / 3)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(l.perHour/3600.0), burst)
		l.limiters[sessionKey] = lim
	}
	return lim.Allow()
}

// credentialPatterns match common secret shapes (API keys, bearer tokens,
// AWS-style access keys) so tool output never leaks them verbatim to the
// LLM or the user transcript.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{16,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret)["'=:\s]{1,4}[A-Za-z0-9._-]{16,}`),
}

// ScrubCredentials replaces recognizable secret patterns with a redaction
// marker. Best-effort: it catches common shapes, not every possible one.
func ScrubCredentials(s string) string {
	if s == "" {
		return s
	}
	for _, re := range credentialPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
