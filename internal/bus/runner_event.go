package bus

// RunnerEventKind tags the variant of a RunnerEvent.
type RunnerEventKind string

const (
	KindThinkingStart  RunnerEventKind = "thinking_start"
	KindThinkingText   RunnerEventKind = "thinking_text"
	KindThinkingDone   RunnerEventKind = "thinking_done"
	KindDelta          RunnerEventKind = "delta"
	KindToolCallStart  RunnerEventKind = "tool_call_start"
	KindToolCallEnd    RunnerEventKind = "tool_call_end"
	KindFinal          RunnerEventKind = "final"
	KindAutoCompact    RunnerEventKind = "auto_compact"
	KindChannelUser    RunnerEventKind = "channel_user"
	KindApprovalReq    RunnerEventKind = "approval_requested"
	KindError          RunnerEventKind = "error"
)

// RunnerEvent is the typed union published on the Event Bus for one Run.
// Every event carries session_key and run_id.
type RunnerEvent struct {
	Kind       RunnerEventKind `json:"kind"`
	SessionKey string          `json:"session_key"`
	RunID      string          `json:"run_id"`

	Text string `json:"text,omitempty"` // Delta / ThinkingText / Final text

	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	Arguments  interface{} `json:"arguments,omitempty"`
	Success    bool        `json:"success,omitempty"`
	Result     string      `json:"result,omitempty"`
	ToolError  string      `json:"tool_error,omitempty"`

	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	Usage    *Usage `json:"usage,omitempty"`

	CompactPhase string         `json:"compact_phase,omitempty"` // "start", "done", "error"
	CompactStats map[string]int `json:"compact_stats,omitempty"`

	Channel string `json:"channel,omitempty"`

	ApprovalRequestID string `json:"approval_request_id,omitempty"`
	ApprovalCommand   string `json:"approval_command,omitempty"`

	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	RetryAfterS int64  `json:"retry_after_s,omitempty"`
}

// Usage mirrors providers.Usage without importing internal/providers,
// to avoid a bus -> providers -> bus import cycle.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
