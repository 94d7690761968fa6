package tools

import "context"

// SpawnTool lets an agent delegate a task to a subagent that runs in the
// background and reports its result back via the message bus. defaultAgentID/
// defaultDepth seed parent/depth when a call arrives with no routing context
// (e.g. from an agent setup that never calls WithToolAgentKey/WithToolDepth);
// context values, when present, take priority so concurrent agents sharing
// one registry don't inherit each other's identity.
type SpawnTool struct {
	mgr            *SubagentManager
	defaultAgentID string
	defaultDepth   int
}

func NewSpawnTool(mgr *SubagentManager, defaultAgentID string, defaultDepth int) *SpawnTool {
	return &SpawnTool{mgr: mgr, defaultAgentID: defaultAgentID, defaultDepth: defaultDepth}
}

func (t *SpawnTool) Name() string { return "spawn" }

func (t *SpawnTool) Description() string {
	return "Delegate a task to a subagent that runs independently in the background and reports back when done. Use for work that can proceed without blocking the current turn."
}

func (t *SpawnTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "the task the subagent should complete",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "short human-readable label for this subagent",
			},
			"model": map[string]interface{}{
				"type":        "string",
				"description": "optional model override for this subagent",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SpawnTool) parentAndDepth(ctx context.Context) (string, int) {
	parentID := ToolAgentKeyFromCtx(ctx)
	if parentID == "" {
		parentID = t.defaultAgentID
	}
	depth := ToolDepthFromCtx(ctx)
	if depth == 0 {
		depth = t.defaultDepth
	}
	return parentID, depth
}

func (t *SpawnTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("spawn: task is required")
	}
	label, _ := args["label"].(string)
	model, _ := args["model"].(string)

	parentID, depth := t.parentAndDepth(ctx)
	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)
	peerKind := ToolPeerKindFromCtx(ctx)
	asyncCB := ToolAsyncCBFromCtx(ctx)

	msg, err := t.mgr.Spawn(ctx, parentID, depth, task, label, model, channel, chatID, peerKind, asyncCB)
	if err != nil {
		return ErrorResult("spawn: " + err.Error())
	}
	return AsyncResult(msg)
}

// SubagentTool runs a subagent synchronously and returns its final result
// inline, for tasks small enough that the caller wants to wait rather than
// be notified asynchronously.
type SubagentTool struct {
	mgr            *SubagentManager
	defaultAgentID string
	defaultDepth   int
}

func NewSubagentTool(mgr *SubagentManager, defaultAgentID string, defaultDepth int) *SubagentTool {
	return &SubagentTool{mgr: mgr, defaultAgentID: defaultAgentID, defaultDepth: defaultDepth}
}

func (t *SubagentTool) Name() string { return "subagent" }

func (t *SubagentTool) Description() string {
	return "Run a synchronous subagent and wait for its result. Use for focused sub-tasks whose result you need before continuing."
}

func (t *SubagentTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"task": map[string]interface{}{
				"type":        "string",
				"description": "the task the subagent should complete",
			},
			"label": map[string]interface{}{
				"type":        "string",
				"description": "short human-readable label for this subagent",
			},
		},
		"required": []string{"task"},
	}
}

func (t *SubagentTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	task, _ := args["task"].(string)
	if task == "" {
		return ErrorResult("subagent: task is required")
	}
	label, _ := args["label"].(string)

	parentID := ToolAgentKeyFromCtx(ctx)
	if parentID == "" {
		parentID = t.defaultAgentID
	}
	depth := ToolDepthFromCtx(ctx)
	if depth == 0 {
		depth = t.defaultDepth
	}
	channel := ToolChannelFromCtx(ctx)
	chatID := ToolChatIDFromCtx(ctx)

	content, _, err := t.mgr.RunSync(ctx, parentID, depth, task, label, channel, chatID)
	if err != nil {
		return ErrorResult("subagent: " + err.Error())
	}
	return NewResult(content)
}
