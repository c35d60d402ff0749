package mcp

import (
	"context"
	"io"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/hpungsan/grimbot/internal/bot"
)

// toolEntry pairs a tool definition with a handler factory.
type toolEntry struct {
	def     mcp.Tool
	handler func(*Handlers) server.ToolHandlerFunc
}

// toolRegistry maps tool names to their definitions and handler factories.
var toolRegistry = map[string]toolEntry{
	"bot_message": {
		def:     messageToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleMessage },
	},
	"dice_roll": {
		def:     rollToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleRoll },
	},
	"entity_get": {
		def:     entityGetToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEntityGet },
	},
	"entity_list": {
		def:     entityListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleEntityList },
	},
	"command_list": {
		def:     commandListToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleCommandList },
	},
	"command_stats": {
		def:     statsToolDef,
		handler: func(h *Handlers) server.ToolHandlerFunc { return h.HandleStats },
	},
}

// AllToolNames returns every tool name in order.
func AllToolNames() []string {
	names := make([]string, 0, len(toolRegistry))
	for name := range toolRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateDisabledTools returns the names that match no tool.
func ValidateDisabledTools(names []string) []string {
	unknown := make([]string, 0)
	for _, name := range names {
		if _, ok := toolRegistry[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	return unknown
}

// NewServer creates an MCP server exposing b. Tools listed in the bot's
// DisabledTools are left out.
func NewServer(b *bot.Bot, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"grimbot",
		version,
		server.WithToolCapabilities(true),
	)

	h := NewHandlers(b)

	disabled := make(map[string]bool)
	for _, name := range b.Config().DisabledTools {
		disabled[name] = true
	}

	for name, entry := range toolRegistry {
		if disabled[name] {
			continue
		}
		s.AddTool(entry.def, entry.handler(h))
	}

	return s
}

// Serve speaks MCP over in/out until in closes or ctx ends.
func Serve(ctx context.Context, b *bot.Bot, version string, in io.Reader, out io.Writer) error {
	return server.NewStdioServer(NewServer(b, version)).Listen(ctx, in, out)
}
