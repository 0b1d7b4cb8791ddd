package tools

import (
	"fmt"
	"os"

	"github.com/loomworks/loom/pkg/config"
)

// builtinConstructors is the startup discovery table: every builtin tool
// gets built from here against the tools config.
var builtinConstructors = []func(cfg *config.ToolsConfig) Tool{
	func(cfg *config.ToolsConfig) Tool { return NewWebSearchTool() },
	func(cfg *config.ToolsConfig) Tool { return NewReadFileTool(cfg.Workspace) },
	func(cfg *config.ToolsConfig) Tool { return NewWriteFileTool(cfg.Workspace) },
	func(cfg *config.ToolsConfig) Tool { return NewCommandTool(cfg.Workspace, cfg.CommandAllowlist) },
	func(cfg *config.ToolsConfig) Tool { return NewCurrentTimeTool() },
	func(cfg *config.ToolsConfig) Tool { return NewCalculatorTool() },
}

// RegisterBuiltins instantiates the builtin tools and registers them.
func RegisterBuiltins(registry *Registry, cfg *config.ToolsConfig) error {
	if cfg.Workspace != "" {
		if err := os.MkdirAll(cfg.Workspace, 0755); err != nil {
			return fmt.Errorf("failed to create workspace: %w", err)
		}
	}
	for _, construct := range builtinConstructors {
		if err := registry.Register(construct(cfg), TypeBuiltin); err != nil {
			return err
		}
	}
	return nil
}
