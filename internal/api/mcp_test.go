package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/chatsync/internal/assistant"
	"github.com/kalambet/chatsync/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	return MCPDeps{
		Store:        store,
		UserID:       "u1",
		DefaultModel: "test-model",
	}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func seedConversation(t *testing.T, store *storage.Store, userID, threadID string, contents ...string) {
	t.Helper()
	if err := store.CreateConversation(storage.Conversation{ID: "c-" + threadID, UserID: userID, ThreadID: threadID, Title: "title " + threadID}); err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := store.AppendMessage(storage.Message{ID: threadID + "-" + string(rune('a'+i)), ThreadID: threadID, Role: role, Content: c}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}
}

// --- tests ---

func TestMCPTool_ListConversations(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedConversation(t, store, "u1", "th1")
	seedConversation(t, store, "u1", "th2")
	seedConversation(t, store, "someone-else", "th3")

	result, err := mcpListConversations(deps)(context.Background(), makeCallToolRequest("list_conversations", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var convs []mcpConversation
	if err := json.Unmarshal([]byte(toolText(t, result)), &convs); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	for _, c := range convs {
		if c.ThreadID == "th3" {
			t.Errorf("listed another user's conversation")
		}
	}
}

func TestMCPTool_ListConversations_Empty(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpListConversations(deps)(context.Background(), makeCallToolRequest("list_conversations", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text := toolText(t, result); text != "[]" {
		t.Fatalf("expected empty array, got: %s", text)
	}
}

func TestMCPTool_ReadThread_OldestFirst(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedConversation(t, store, "u1", "th1", "question", "answer", "follow-up")

	result, err := mcpReadThread(deps)(context.Background(), makeCallToolRequest("read_thread", map[string]interface{}{
		"thread_id": "th1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var msgs []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(toolText(t, result)), &msgs); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "question" || msgs[2].Content != "follow-up" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestMCPTool_ReadThread_ForeignThread(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedConversation(t, store, "someone-else", "th1", "secret")

	result, err := mcpReadThread(deps)(context.Background(), makeCallToolRequest("read_thread", map[string]interface{}{
		"thread_id": "th1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error for a thread owned by another user")
	}
}

func TestMCPTool_ReadThread_MissingThreadID(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	result, err := mcpReadThread(deps)(context.Background(), makeCallToolRequest("read_thread", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_PostMessage_NewConversation(t *testing.T) {
	deps, store := newTestMCPDeps(t)

	result, err := mcpPostMessage(deps)(context.Background(), makeCallToolRequest("post_message", map[string]interface{}{
		"content": "Explain goroutines",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	convs, err := store.ListConversations("u1", 10)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(convs) != 1 || convs[0].Title != "Explain goroutines" {
		t.Fatalf("conversations = %+v", convs)
	}

	run, err := store.ActiveRun(convs[0].ThreadID)
	if err != nil {
		t.Fatalf("ActiveRun: %v", err)
	}
	if run.Model != "test-model" {
		t.Errorf("run.Model = %q", run.Model)
	}

	job, err := store.ClaimNextJob([]string{assistant.JobType})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
	if !strings.Contains(job.PayloadJSON, run.ID) {
		t.Errorf("job payload %s does not reference run %s", job.PayloadJSON, run.ID)
	}
}

func TestMCPTool_PostMessage_BusyThread(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedConversation(t, store, "u1", "th1")
	handler := mcpPostMessage(deps)

	first, _ := handler(context.Background(), makeCallToolRequest("post_message", map[string]interface{}{
		"thread_id": "th1",
		"content":   "one",
	}))
	if first.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, first))
	}

	second, _ := handler(context.Background(), makeCallToolRequest("post_message", map[string]interface{}{
		"thread_id": "th1",
		"content":   "two",
	}))
	if !second.IsError {
		t.Fatal("expected error while a reply is in progress")
	}
}

func TestMCPResource_Recent(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedConversation(t, store, "u1", "th1")

	contents, err := mcpResourceRecent(deps)(context.Background(), makeReadResourceRequest("chatsync://conversations"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}

	var summaries []json.RawMessage
	if err := json.Unmarshal([]byte(tc.Text), &summaries); err != nil {
		t.Fatalf("failed to parse: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(summaries))
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, store := newTestMCPDeps(t)
	seedConversation(t, store, "u1", "th1", "hello")

	postHandler := mcpPostMessage(deps)
	readHandler := mcpReadThread(deps)

	var wg sync.WaitGroup
	errs := make(chan error, 20)

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("post_message", map[string]interface{}{
				"content": "concurrent content",
			})
			if _, err := postHandler(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("read_thread", map[string]interface{}{
				"thread_id": "th1",
			})
			if _, err := readHandler(context.Background(), req); err != nil {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent call failed: %v", err)
	}
}
