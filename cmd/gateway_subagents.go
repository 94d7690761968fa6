package cmd

import (
	"log/slog"

	"github.com/zhubby/moltis-sub004/internal/bus"
	"github.com/zhubby/moltis-sub004/internal/config"
	"github.com/zhubby/moltis-sub004/internal/providers"
	"github.com/zhubby/moltis-sub004/internal/sandbox"
	"github.com/zhubby/moltis-sub004/internal/tools"
)

// setupSubagents wires the subagent system: a fresh tools.Registry per
// spawned subagent (sharing the same filesystem/exec tool constructors as
// the main agent, minus spawn/subagent themselves so a subagent can't
// recurse into spawning its own children past the depth cap) and a
// SubagentManager bound to the default agent's provider.
func setupSubagents(
	providerRegistry *providers.Registry,
	cfg *config.Config,
	msgBus *bus.MessageBus,
	toolsReg *tools.Registry,
	workspace string,
	sandboxMgr sandbox.Manager,
) *tools.SubagentManager {
	defaults := cfg.Agents.Defaults
	provider, ok := providerRegistry.Get(defaults.Provider)
	if !ok {
		slog.Warn("subagents disabled: default provider not registered", "provider", defaults.Provider)
		return nil
	}

	subCfg := tools.DefaultSubagentConfig()
	if sc := defaults.Subagents; sc != nil {
		if sc.MaxConcurrent > 0 {
			subCfg.MaxConcurrent = sc.MaxConcurrent
		}
		if sc.MaxSpawnDepth > 0 {
			subCfg.MaxSpawnDepth = sc.MaxSpawnDepth
		}
		if sc.MaxChildrenPerAgent > 0 {
			subCfg.MaxChildrenPerAgent = sc.MaxChildrenPerAgent
		}
		if sc.ArchiveAfterMinutes > 0 {
			subCfg.ArchiveAfterMinutes = sc.ArchiveAfterMinutes
		}
		if sc.Model != "" {
			subCfg.Model = sc.Model
		}
	}

	restrict := defaults.RestrictToWorkspace
	createTools := func() *tools.Registry {
		reg := tools.NewRegistry()
		if sandboxMgr != nil {
			reg.Register(tools.NewSandboxedReadFileTool(workspace, restrict, sandboxMgr))
			reg.Register(tools.NewSandboxedWriteFileTool(workspace, restrict, sandboxMgr))
			reg.Register(tools.NewSandboxedListFilesTool(workspace, restrict, sandboxMgr))
			reg.Register(tools.NewSandboxedEditTool(workspace, restrict, sandboxMgr))
			reg.Register(tools.NewSandboxedExecTool(workspace, restrict, sandboxMgr))
		} else {
			reg.Register(tools.NewReadFileTool(workspace, restrict))
			reg.Register(tools.NewWriteFileTool(workspace, restrict))
			reg.Register(tools.NewListFilesTool(workspace, restrict))
			reg.Register(tools.NewEditTool(workspace, restrict))
			reg.Register(tools.NewExecTool(workspace, restrict))
		}
		return reg
	}

	mgr := tools.NewSubagentManager(provider, subCfg.Model, msgBus, createTools, subCfg)
	slog.Info("subagent manager configured",
		"max_concurrent", subCfg.MaxConcurrent,
		"max_spawn_depth", subCfg.MaxSpawnDepth,
		"max_children_per_agent", subCfg.MaxChildrenPerAgent)
	return mgr
}
