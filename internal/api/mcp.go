package api

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/geovera/agentd/internal/budget"
	"github.com/geovera/agentd/internal/character"
	"github.com/geovera/agentd/internal/dialogue"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Characters *character.Manager
	Dialogue   *dialogue.Service
	Governor   *budget.Governor
}

// NewMCPServer creates an MCP server exposing characters, chat, and budget
// status over the stdio transport.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"agentd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("agentd — character agent orchestration: chat with personas, inspect profiles, and watch the daily spend."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("character_chat",
			mcp.WithDescription("Send one message to a character and return its in-character reply."),
			mcp.WithString("character_id", mcp.Description("Character to talk to"), mcp.Required()),
			mcp.WithString("message", mcp.Description("The message to send"), mcp.Required()),
			mcp.WithString("conversation_id", mcp.Description("Optional conversation to continue")),
		),
		mcpCharacterChat(deps),
	)

	s.AddTool(
		mcp.NewTool("list_characters",
			mcp.WithDescription("List available characters with their skill profiles."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of characters (default 20)")),
		),
		mcpListCharacters(deps),
	)

	s.AddTool(
		mcp.NewTool("budget_status",
			mcp.WithDescription("Report today's call counts and cost per paid capability."),
		),
		mcpBudgetStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"agentd://budget",
			"Daily Budget",
			mcp.WithResourceDescription("Today's budget report as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceBudget(deps),
	)

	return s
}

func mcpCharacterChat(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		characterID, err := req.RequireString("character_id")
		if err != nil {
			return mcpError("character_id is required"), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcpError("message is required"), nil
		}
		conversationID := req.GetString("conversation_id", "")

		result, err := deps.Dialogue.Chat(ctx, dialogue.ChatParams{
			CharacterID:    characterID,
			Message:        message,
			ConversationID: conversationID,
			Save:           true,
		})
		if err != nil {
			return mcpError("chat failed: " + err.Error()), nil
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return mcpError("encoding reply: " + err.Error()), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func mcpListCharacters(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)

		chars, err := deps.Characters.List(limit)
		if err != nil {
			return mcpError("listing characters: " + err.Error()), nil
		}

		payload, err := json.Marshal(map[string]any{"characters": chars})
		if err != nil {
			return mcpError("encoding characters: " + err.Error()), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func mcpBudgetStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		report, err := deps.Governor.Report()
		if err != nil {
			return mcpError("building budget report: " + err.Error()), nil
		}

		payload, err := json.Marshal(report)
		if err != nil {
			return mcpError("encoding report: " + err.Error()), nil
		}
		return mcp.NewToolResultText(string(payload)), nil
	}
}

func mcpResourceBudget(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		report, err := deps.Governor.Report()
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(report)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(payload),
			},
		}, nil
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return mcp.NewToolResultError(msg)
}
