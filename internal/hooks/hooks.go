// Package hooks discovers and executes user-declared lifecycle hooks.
//
// Hooks are external executables, not in-process callbacks — this keeps
// the contract language-neutral and isolates hook failures from the core.
// A hook is discovered from a manifest file declaring its name, triggered
// events, command path, timeout, and optional binary requirements.
package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/titanous/json5"
)

// Trigger is a lifecycle point a hook can be registered for.
type Trigger string

const (
	BeforeLLMCall   Trigger = "BeforeLLMCall"
	AfterLLMCall    Trigger = "AfterLLMCall"
	BeforeToolCall  Trigger = "BeforeToolCall"
	AfterToolCall   Trigger = "AfterToolCall"
	MessageReceived Trigger = "MessageReceived"
	MessageSending  Trigger = "MessageSending"
	MessageSent     Trigger = "MessageSent"
)

const defaultTimeout = 5 * time.Second

// Verdict is the outcome of running one hook.
type Verdict string

const (
	Continue Verdict = "continue"
	Veto     Verdict = "vetoed"
	Rewrite  Verdict = "rewrite"
)

// Manifest is the on-disk declaration of one hook (JSON5, matching the
// teacher's config-file convention of tolerating comments/trailing commas).
type Manifest struct {
	Name     string    `json:"name"`
	Triggers []Trigger `json:"triggers"`
	Command  string    `json:"command"` // path to the executable
	TimeoutS int       `json:"timeout_s,omitempty"`
	Requires struct {
		Bins []string `json:"bins,omitempty"`
	} `json:"requires,omitempty"`
}

// Hook is a discovered, possibly-deactivated hook.
type Hook struct {
	Manifest
	Active bool // false when a required binary is unmet
	Dir    string
}

func (h *Hook) timeout() time.Duration {
	if h.TimeoutS > 0 {
		return time.Duration(h.TimeoutS) * time.Second
	}
	return defaultTimeout
}

// Payload is sent to a hook's stdin as JSON.
type Payload struct {
	Trigger    Trigger     `json:"trigger"`
	SessionKey string      `json:"session_key"`
	RunID      string      `json:"run_id"`
	ToolName   string      `json:"tool_name,omitempty"`
	Arguments  interface{} `json:"arguments,omitempty"`
	Text       string      `json:"text,omitempty"`
}

// Response is the JSON a hook may write to stdout.
type Response struct {
	Decision  string      `json:"decision,omitempty"` // "vetoed" | "rewrite"
	Reason    string      `json:"reason,omitempty"`
	Arguments interface{} `json:"arguments,omitempty"`
}

// Result is the outcome of running all hooks for one trigger.
type Result struct {
	Verdict   Verdict
	Reason    string
	Arguments interface{} // rewritten arguments, only meaningful for BeforeToolCall
}

// Runner discovers hooks from a directory of manifests and executes them
// in declaration order for a given trigger.
type Runner struct {
	mu    sync.RWMutex
	hooks map[Trigger][]*Hook
}

// NewRunner loads manifests from dir (each a *.hook.json5 file) and checks
// binary requirements. Unmet requirements deactivate but do not remove the
// hook.
func NewRunner(dir string) (*Runner, error) {
	r := &Runner{hooks: make(map[Trigger][]*Hook)}
	if dir == "" {
		return r, nil
	}
	if err := r.Reload(dir); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload re-scans dir for manifests. Called at startup and on config reload.
func (r *Runner) Reload(dir string) error {
	matches, err := filepath.Glob(filepath.Join(dir, "*.hook.json5"))
	if err != nil {
		return err
	}

	byTrigger := make(map[Trigger][]*Hook)
	for _, path := range matches {
		h, err := loadManifest(path)
		if err != nil {
			slog.Warn("hooks: failed to load manifest", "path", path, "error", err)
			continue
		}
		h.Active = checkRequirements(h.Requires.Bins)
		for _, t := range h.Triggers {
			byTrigger[t] = append(byTrigger[t], h)
		}
	}
	for t := range byTrigger {
		sort.SliceStable(byTrigger[t], func(i, j int) bool {
			return byTrigger[t][i].Name < byTrigger[t][j].Name
		})
	}

	r.mu.Lock()
	r.hooks = byTrigger
	r.mu.Unlock()
	return nil
}

func loadManifest(path string) (*Hook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json5.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &Hook{Manifest: m, Dir: filepath.Dir(path)}, nil
}

func checkRequirements(bins []string) bool {
	for _, b := range bins {
		if _, err := exec.LookPath(b); err != nil {
			return false
		}
	}
	return true
}

// Run executes every active hook registered for trigger, in declaration
// order, passing payload on stdin as JSON. The first VETO short-circuits
// the remaining hooks. REWRITE verdicts accumulate: each subsequent hook
// sees the previously rewritten arguments.
func (r *Runner) Run(ctx context.Context, trigger Trigger, payload Payload) Result {
	r.mu.RLock()
	list := r.hooks[trigger]
	r.mu.RUnlock()

	args := payload.Arguments
	for _, h := range list {
		if !h.Active {
			continue
		}
		payload.Arguments = args
		verdict, resp := runOne(ctx, h, payload)
		switch verdict {
		case Veto:
			return Result{Verdict: Veto, Reason: resp.Reason}
		case Rewrite:
			if trigger != BeforeToolCall {
				// Only BeforeToolCall may rewrite; ignore elsewhere.
				continue
			}
			args = resp.Arguments
		}
	}
	return Result{Verdict: Continue, Arguments: args}
}

func runOne(ctx context.Context, h *Hook, payload Payload) (Verdict, Response) {
	runCtx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()

	input, err := json.Marshal(payload)
	if err != nil {
		return Continue, Response{}
	}

	cmd := exec.CommandContext(runCtx, h.Command)
	cmd.Dir = h.Dir
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if runCtx.Err() == context.DeadlineExceeded {
		slog.Warn("hooks: handler timed out, treated as continue", "hook", h.Name, "trigger", payload.Trigger)
		return Continue, Response{}
	}

	if runErr != nil {
		reason := stderr.String()
		if reason == "" {
			reason = runErr.Error()
		}
		return Veto, Response{Reason: reason}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return Continue, Response{}
	}

	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		slog.Warn("hooks: malformed stdout, treated as continue", "hook", h.Name, "error", err)
		return Continue, Response{}
	}

	switch resp.Decision {
	case "vetoed":
		return Veto, resp
	case "rewrite":
		return Rewrite, resp
	default:
		return Continue, resp
	}
}
