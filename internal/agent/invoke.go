package agent

import (
	"context"

	"github.com/zhubby/moltis-sub004/internal/hooks"
	"github.com/zhubby/moltis-sub004/internal/providers"
	"github.com/zhubby/moltis-sub004/internal/tools"
)

// invokeTool runs the full tool-invocation pipeline for one already-selected
// call: hook pre-check, policy gating on the (possibly rewritten) arguments,
// approval for tools that require it, then the actual dispatch through the
// tool registry, finishing with the hook post-check. Each stage can only
// narrow what the next stage sees; none of them widen it back.
func (l *Loop) invokeTool(ctx context.Context, req RunRequest, tc providers.ToolCall) *tools.Result {
	args := tc.Arguments

	if l.hookRunner != nil {
		pre := l.hookRunner.Run(ctx, hooks.BeforeToolCall, hooks.Payload{
			Trigger:    hooks.BeforeToolCall,
			SessionKey: req.SessionKey,
			RunID:      req.RunID,
			ToolName:   tc.Name,
			Arguments:  args,
		})
		if pre.Verdict == hooks.Veto {
			reason := pre.Reason
			if reason == "" {
				reason = "blocked by hook"
			}
			return tools.ErrorResult(reason)
		}
		if rewritten, ok := pre.Arguments.(map[string]interface{}); ok {
			args = rewritten
		}
	}

	if l.toolPolicy != nil {
		sandboxScope := ""
		if l.sandboxEnabled {
			sandboxScope = req.SessionKey
		}
		decision := l.toolPolicy.Decide(tc.Name, args, tools.DecisionContext{
			AgentID:      l.id,
			Provider:     l.provider.Name(),
			Channel:      req.Channel,
			SenderID:     req.SenderID,
			SandboxScope: sandboxScope,
			IsSubagent:   req.Depth > 0,
			IsLeafAgent:  req.Depth >= l.maxSpawnDepth,
		}, l.agentToolPolicy, nil)

		switch decision {
		case tools.DecisionDeny:
			return tools.ErrorResult("tool " + tc.Name + " is not permitted for this agent")
		case tools.DecisionRequireApproval:
			if l.approvalMgr == nil {
				return tools.ErrorResult("tool " + tc.Name + " requires approval but no approval manager is configured")
			}
			decision, err := l.approvalMgr.RequestApproval(tc.Name, l.id, approvalTimeout)
			if err != nil {
				return tools.ErrorResult("approval request failed: " + err.Error())
			}
			if decision != tools.ApprovalApprove {
				return tools.ErrorResult("tool " + tc.Name + " was denied approval")
			}
		}
	}

	toolCtx := tools.WithToolAgentKey(ctx, l.id)
	toolCtx = tools.WithToolDepth(toolCtx, req.Depth)
	result := l.tools.ExecuteWithContext(toolCtx, tc.Name, args, req.Channel, req.ChatID, req.PeerKind, req.SessionKey, nil)

	if l.hookRunner != nil {
		l.hookRunner.Run(ctx, hooks.AfterToolCall, hooks.Payload{
			Trigger:    hooks.AfterToolCall,
			SessionKey: req.SessionKey,
			RunID:      req.RunID,
			ToolName:   tc.Name,
			Arguments:  args,
			Text:       result.ForLLM,
		})
	}

	return result
}
