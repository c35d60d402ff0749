package mcp

import "github.com/mark3labs/mcp-go/mcp"

var messageToolDef = mcp.NewTool("bot_message",
	mcp.WithDescription("Send a chat message to the bot as if it arrived in a channel. "+
		"Prefixed messages run commands (e.g. \"~roll 3d6\") subject to rate limits; "+
		"the result lists the replies, reactions and direct messages the bot sent back."),
	mcp.WithString("content", mcp.Required(), mcp.Description("Message text, including the command prefix")),
	mcp.WithNumber("author_id", mcp.Description("Sender's user ID (default 0)")),
	mcp.WithString("author_name", mcp.Description("Sender's display name (default \"mcp\")")),
	mcp.WithNumber("channel_id", mcp.Description("Channel the message arrives in (default 0)")),
	mcp.WithNumber("guild_id", mcp.Description("Guild of the channel; omit for a direct message")),
)

var rollToolDef = mcp.NewTool("dice_roll",
	mcp.WithDescription("Roll dice without going through chat or rate limits. "+
		"Accepts NdS (e.g. \"3d6\"), a pool size (\"4\"), or a pool with a mode (\"8 kirin\")."),
	mcp.WithString("expression", mcp.Required(), mcp.Description("Roll expression")),
)

var entityGetToolDef = mcp.NewTool("entity_get",
	mcp.WithDescription("Fetch one stored character or group by name."),
	mcp.WithString("kind", mcp.Required(), mcp.Enum("characters", "groups"), mcp.Description("Entity kind")),
	mcp.WithString("key", mcp.Required(), mcp.Description("Entity name (case-insensitive)")),
)

var entityListToolDef = mcp.NewTool("entity_list",
	mcp.WithDescription("List the keys of every stored character or group."),
	mcp.WithString("kind", mcp.Required(), mcp.Enum("characters", "groups"), mcp.Description("Entity kind")),
)

var commandListToolDef = mcp.NewTool("command_list",
	mcp.WithDescription("List registered chat commands with their aliases, buckets and usage."),
)

var statsToolDef = mcp.NewTool("command_stats",
	mcp.WithDescription("Report how often each command has run and the live state of every rate-limit bucket."),
)
