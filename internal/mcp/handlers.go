package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/hpungsan/grimbot/internal/bot"
	"github.com/hpungsan/grimbot/internal/chat"
	"github.com/hpungsan/grimbot/internal/errors"
	"github.com/hpungsan/grimbot/internal/ratelimit"
)

// Handlers holds dependencies for MCP tool handlers.
type Handlers struct {
	bot *bot.Bot
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(b *bot.Bot) *Handlers {
	return &Handlers{bot: b}
}

// MessageRequest represents the arguments for bot_message.
type MessageRequest struct {
	Content    string  `json:"content"`
	AuthorID   uint64  `json:"author_id,omitempty"`
	AuthorName string  `json:"author_name,omitempty"`
	ChannelID  uint64  `json:"channel_id,omitempty"`
	GuildID    *uint64 `json:"guild_id,omitempty"`
}

// MessageResult is what the bot did with a message.
type MessageResult struct {
	MessageID         string   `json:"message_id"`
	Outcome           string   `json:"outcome"`
	Command           string   `json:"command,omitempty"`
	Replies           []string `json:"replies"`
	Reactions         []string `json:"reactions,omitempty"`
	DirectMessages    []string `json:"direct_messages,omitempty"`
	RetryAfterSeconds float64  `json:"retry_after_seconds,omitempty"`
}

// RollRequest represents the arguments for dice_roll.
type RollRequest struct {
	Expression string `json:"expression"`
}

// RollResult is a rolled expression.
type RollResult struct {
	Mode      string `json:"mode"`
	Count     int    `json:"count"`
	Sides     int    `json:"sides"`
	Rolls     []int  `json:"rolls"`
	Total     int    `json:"total"`
	Successes int    `json:"successes"`
	Text      string `json:"text"`
}

// EntityRequest represents the arguments for entity_get and entity_list.
type EntityRequest struct {
	Kind string `json:"kind"`
	Key  string `json:"key,omitempty"`
}

// CommandInfo describes one registered command.
type CommandInfo struct {
	Name        string   `json:"name"`
	Aliases     []string `json:"aliases,omitempty"`
	Bucket      string   `json:"bucket,omitempty"`
	Description string   `json:"description"`
	Usage       string   `json:"usage"`
}

// StatsResult reports invocation counts and limiter state.
type StatsResult struct {
	Invocations map[string]uint64         `json:"invocations"`
	Buckets     []ratelimit.StateSnapshot `json:"buckets"`
}

// HandleMessage handles the bot_message tool call.
func (h *Handlers) HandleMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[MessageRequest](req)
	if err != nil {
		return errorResult(errors.NewParse(errors.ParseMalformed, err.Error())), nil
	}
	if strings.TrimSpace(input.Content) == "" {
		return errorResult(errors.NewParse(errors.ParseMissingArgument, "content is required")), nil
	}
	if input.AuthorName == "" {
		input.AuthorName = "mcp"
	}

	msg := chat.NewMessage(input.AuthorID, input.AuthorName, input.ChannelID, input.Content)
	msg.GuildID = input.GuildID

	rec := &chat.Recorder{}
	out, err := h.bot.HandleSync(ctx, msg, rec)
	if err != nil {
		return errorResult(errors.NewInternal(err)), nil
	}

	replies := rec.Replies()
	if replies == nil {
		replies = []string{}
	}
	return successResult(MessageResult{
		MessageID:         msg.ID,
		Outcome:           out.Kind.String(),
		Command:           out.Command,
		Replies:           replies,
		Reactions:         rec.Reactions(),
		DirectMessages:    rec.DirectMessages(input.AuthorID),
		RetryAfterSeconds: out.RetryAfter.Seconds(),
	})
}

// HandleRoll handles the dice_roll tool call.
func (h *Handlers) HandleRoll(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[RollRequest](req)
	if err != nil {
		return errorResult(errors.NewParse(errors.ParseMalformed, err.Error())), nil
	}

	out, err := h.bot.Roller().Roll(input.Expression)
	if err != nil {
		return errorResult(err), nil
	}

	return successResult(RollResult{
		Mode:      string(out.Mode),
		Count:     out.Count,
		Sides:     out.Sides,
		Rolls:     out.Rolls,
		Total:     out.Total,
		Successes: out.Successes,
		Text:      out.String(),
	})
}

// HandleEntityGet handles the entity_get tool call.
func (h *Handlers) HandleEntityGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[EntityRequest](req)
	if err != nil {
		return errorResult(errors.NewParse(errors.ParseMalformed, err.Error())), nil
	}
	if strings.TrimSpace(input.Key) == "" {
		return errorResult(errors.NewParse(errors.ParseMissingArgument, "key is required")), nil
	}

	v, ok, err := h.bot.Entity(ctx, input.Kind, input.Key)
	if err != nil {
		return errorResult(err), nil
	}
	if !ok {
		return errorResult(errors.NewNotFound(strings.TrimSuffix(input.Kind, "s"), input.Key)), nil
	}

	return successResult(v)
}

// HandleEntityList handles the entity_list tool call.
func (h *Handlers) HandleEntityList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := decode[EntityRequest](req)
	if err != nil {
		return errorResult(errors.NewParse(errors.ParseMalformed, err.Error())), nil
	}

	keys, err := h.bot.EntityKeys(ctx, input.Kind)
	if err != nil {
		return errorResult(err), nil
	}
	if keys == nil {
		keys = []string{}
	}

	return successResult(map[string]any{"kind": input.Kind, "keys": keys})
}

// HandleCommandList handles the command_list tool call.
func (h *Handlers) HandleCommandList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	specs := h.bot.Registry().Specs()
	out := make([]CommandInfo, len(specs))
	for i, s := range specs {
		out[i] = CommandInfo{
			Name:        s.Name,
			Aliases:     s.Aliases,
			Bucket:      s.Bucket,
			Description: s.Description,
			Usage:       s.Usage,
		}
	}
	return successResult(map[string]any{"commands": out})
}

// HandleStats handles the command_stats tool call.
func (h *Handlers) HandleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return successResult(StatsResult{
		Invocations: h.bot.Counter().Snapshot(),
		Buckets:     h.bot.Limiter().Snapshot(),
	})
}

// errorResult creates an MCP error result from any error.
// Details of internal errors are withheld; they can carry paths or SQL.
func errorResult(err error) *mcp.CallToolResult {
	var payload map[string]any

	if bErr, ok := errors.As(err); ok {
		errorObj := map[string]any{
			"code":    bErr.Code,
			"message": bErr.Message,
		}
		if bErr.Code != errors.ErrInternal && bErr.Details != nil {
			errorObj["details"] = bErr.Details
		}
		payload = map[string]any{"error": errorObj}
	} else {
		payload = map[string]any{
			"error": map[string]any{
				"code":    errors.ErrInternal,
				"message": "an internal error occurred",
			},
		}
	}

	content, _ := json.Marshal(payload)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(content)}},
		IsError: true,
	}
}

// successResult creates an MCP success result from any data.
func successResult(data any) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultJSON(data)
}
