package channels

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterMCP registers the channel admin operations as MCP tools so an
// LLM-driven operator can inspect channels and drive conversations at
// runtime.
func (s *Service) RegisterMCP(srv *mcp.Server) {
	s.registerListChannelsTool(srv)
	s.registerConversationTool(srv)
	s.registerSendMessageTool(srv)
	s.registerAssignTool(srv)
	s.registerResolveTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func addTool[T any](srv *mcp.Server, tool *mcp.Tool, run func(ctx context.Context, req T) (any, error)) {
	srv.AddTool(tool, func(ctx context.Context, call *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var req T
		if err := json.Unmarshal(call.Params.Arguments, &req); err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("invalid arguments: %w", err))
			return &res, nil
		}
		resp, err := run(ctx, req)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(err)
			return &res, nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			var res mcp.CallToolResult
			res.SetError(fmt.Errorf("marshal: %w", err))
			return &res, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
		}, nil
	})
}

// --- list channels ---

type listChannelsReq struct {
	WorkspaceID string `json:"workspace_id"`
}

func (s *Service) registerListChannelsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "courrier_list_channels",
		Description: "List a workspace's configured messaging channels with their status.",
		InputSchema: inputSchema(map[string]any{
			"workspace_id": map[string]any{"type": "string", "description": "Workspace to list"},
		}, []string{"workspace_id"}),
	}
	addTool(srv, tool, func(ctx context.Context, req listChannelsReq) (any, error) {
		return s.GetWorkspaceChannels(ctx, req.WorkspaceID)
	})
}

// --- get conversation ---

type conversationReq struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Service) registerConversationTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "courrier_get_conversation",
		Description: "Fetch a conversation with its messages and contact identity.",
		InputSchema: inputSchema(map[string]any{
			"conversation_id": map[string]any{"type": "string", "description": "Conversation ID"},
		}, []string{"conversation_id"}),
	}
	addTool(srv, tool, func(ctx context.Context, req conversationReq) (any, error) {
		conv, err := s.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		msgs, err := s.GetConversationMessages(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		participant, err := s.GetParticipant(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"conversation": conv,
			"messages":     msgs,
			"participant":  participant,
		}, nil
	})
}

// --- send message ---

type sendMessageReq struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	SenderName     string `json:"sender_name,omitempty"`
	IsAIGenerated  bool   `json:"is_ai_generated,omitempty"`
}

func (s *Service) registerSendMessageTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "courrier_send_message",
		Description: "Deliver a reply on a conversation through its channel's transport.",
		InputSchema: inputSchema(map[string]any{
			"conversation_id": map[string]any{"type": "string", "description": "Conversation to reply on"},
			"content":         map[string]any{"type": "string", "description": "Plain-text reply body"},
			"sender_name":     map[string]any{"type": "string", "description": "Display name of the sender"},
			"is_ai_generated": map[string]any{"type": "boolean", "description": "True when the reply was produced by the bot"},
		}, []string{"conversation_id", "content"}),
	}
	addTool(srv, tool, func(ctx context.Context, req sendMessageReq) (any, error) {
		conv, err := s.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return nil, err
		}
		return s.SendMessage(ctx, conv.ChannelID, OutgoingMessage{
			ConversationID: req.ConversationID,
			Content:        req.Content,
			SenderName:     req.SenderName,
			IsAIGenerated:  req.IsAIGenerated,
		})
	})
}

// --- assign ---

type assignReq struct {
	ConversationID string  `json:"conversation_id"`
	AgentID        *string `json:"agent_id"`
}

func (s *Service) registerAssignTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "courrier_assign_conversation",
		Description: "Assign a conversation to a human agent, or hand it back to the bot with a null agent_id.",
		InputSchema: inputSchema(map[string]any{
			"conversation_id": map[string]any{"type": "string", "description": "Conversation to assign"},
			"agent_id":        map[string]any{"type": []string{"string", "null"}, "description": "Agent ID, or null for the bot"},
		}, []string{"conversation_id"}),
	}
	addTool(srv, tool, func(ctx context.Context, req assignReq) (any, error) {
		return s.AssignConversation(ctx, req.ConversationID, req.AgentID)
	})
}

// --- resolve ---

func (s *Service) registerResolveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "courrier_resolve_conversation",
		Description: "Mark a conversation resolved (terminal).",
		InputSchema: inputSchema(map[string]any{
			"conversation_id": map[string]any{"type": "string", "description": "Conversation to resolve"},
		}, []string{"conversation_id"}),
	}
	addTool(srv, tool, func(ctx context.Context, req conversationReq) (any, error) {
		return s.ResolveConversation(ctx, req.ConversationID)
	})
}
