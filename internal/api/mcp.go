package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/chatsync/internal/storage"
)

const (
	mcpDefaultLimit = 20
	mcpMaxLimit     = 100
)

// MCPDeps holds dependencies for the MCP server. Every tool acts on behalf
// of UserID.
type MCPDeps struct {
	Store        *storage.Store
	UserID       string
	DefaultModel string
	Now          func() time.Time
}

func (d MCPDeps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewMCPServer creates an MCP server with the thread tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"chatsync",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("chatsync: read and continue your assistant conversations."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_conversations",
			mcp.WithDescription("List your conversations, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of conversations (default 20)")),
		),
		mcpListConversations(deps),
	)

	s.AddTool(
		mcp.NewTool("read_thread",
			mcp.WithDescription("Read the messages of a conversation thread, oldest first."),
			mcp.WithString("thread_id", mcp.Description("Thread id of the conversation"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Number of newest messages to return (default 20)")),
			mcp.WithString("before", mcp.Description("Only return messages older than this message id")),
		),
		mcpReadThread(deps),
	)

	s.AddTool(
		mcp.NewTool("post_message",
			mcp.WithDescription("Post a user message and queue an assistant reply. Starts a new conversation when thread_id is omitted."),
			mcp.WithString("content", mcp.Description("The message text"), mcp.Required()),
			mcp.WithString("thread_id", mcp.Description("Thread to continue")),
		),
		mcpPostMessage(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"chatsync://conversations",
			"Recent Conversations",
			mcp.WithResourceDescription("Last 10 conversations with their titles"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

type mcpConversation struct {
	ID        string `json:"id"`
	ThreadID  string `json:"thread_id"`
	Title     string `json:"title"`
	CreatedAt string `json:"created_at"`
}

func toMCPConversations(convs []storage.Conversation) []mcpConversation {
	out := make([]mcpConversation, len(convs))
	for i, c := range convs {
		out[i] = mcpConversation{
			ID:        c.ID,
			ThreadID:  c.ThreadID,
			Title:     c.Title,
			CreatedAt: c.CreatedAt.Format(time.RFC3339),
		}
	}
	return out
}

func mcpListConversations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := clampLimit(req.GetInt("limit", mcpDefaultLimit))

		convs, err := deps.Store.ListConversations(deps.UserID, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list conversations: %v", err)), nil
		}
		if len(convs) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(toMCPConversations(convs))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal conversations: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpReadThread(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		threadID, err := req.RequireString("thread_id")
		if err != nil {
			return mcpError("thread_id is required"), nil
		}
		if res := mcpOwnedThread(deps, threadID); res != nil {
			return res, nil
		}

		limit := clampLimit(req.GetInt("limit", mcpDefaultLimit))
		before := req.GetString("before", "")

		msgs, err := deps.Store.ListMessages(threadID, before, limit)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("message %s not found in thread", before)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read thread: %v", err)), nil
		}

		type messageResult struct {
			ID        string            `json:"id"`
			Role      string            `json:"role"`
			Content   string            `json:"content"`
			Metadata  map[string]string `json:"metadata,omitempty"`
			CreatedAt string            `json:"created_at"`
		}

		// Stored newest first; read oldest first.
		results := make([]messageResult, len(msgs))
		for i, m := range msgs {
			results[len(msgs)-1-i] = messageResult{
				ID:        m.ID,
				Role:      m.Role,
				Content:   m.Content,
				Metadata:  m.Metadata,
				CreatedAt: m.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal messages: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPostMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		content, err := req.RequireString("content")
		if err != nil || strings.TrimSpace(content) == "" {
			return mcpError("content is required"), nil
		}

		threadID := req.GetString("thread_id", "")
		if threadID == "" {
			conv, err := newConversation(deps.Store, deps.UserID, content, deps.now())
			if err != nil {
				return mcpError(fmt.Sprintf("failed to create conversation: %v", err)), nil
			}
			threadID = conv.ThreadID
		} else {
			if res := mcpOwnedThread(deps, threadID); res != nil {
				return res, nil
			}
		}

		msg, runID, err := openTurn(deps.Store, deps.DefaultModel, deps.now(), threadID, content)
		if errors.Is(err, storage.ErrRunActive) {
			return mcpError("a reply is still in progress on this thread"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to post message: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Posted message %s to thread %s; reply queued as run %s", msg.ID, threadID, runID)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		convs, err := deps.Store.ListConversations(deps.UserID, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list conversations: %w", err)
		}

		summaries := toMCPConversations(convs)
		for i := range summaries {
			if utf8.RuneCountInString(summaries[i].Title) > 200 {
				runes := []rune(summaries[i].Title)
				summaries[i].Title = string(runes[:200]) + "..."
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal conversations: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

// mcpOwnedThread returns an error result unless the thread belongs to the
// MCP user.
func mcpOwnedThread(deps MCPDeps, threadID string) *mcp.CallToolResult {
	conv, err := deps.Store.GetConversationByThread(threadID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && conv.UserID != deps.UserID) {
		return mcpError(fmt.Sprintf("thread %s not found", threadID))
	}
	if err != nil {
		return mcpError(fmt.Sprintf("failed to load thread: %v", err))
	}
	return nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return mcpDefaultLimit
	}
	if n > mcpMaxLimit {
		return mcpMaxLimit
	}
	return n
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
