package api

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/zettel/internal/storage"
)

func newTestMCPDeps(t *testing.T) (MCPDeps, *testEnv) {
	t.Helper()
	env := setupEnv(t)
	return MCPDeps{Sessions: env.sessions, User: "alice"}, env
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("empty result content")
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

func TestMCPTool_AddNote(t *testing.T) {
	deps, env := newTestMCPDeps(t)

	result, err := mcpAddNote(deps)(context.Background(), makeCallToolRequest("add_note", map[string]interface{}{
		"text": "ship the release",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", resultText(t, result))
	}
	if !strings.Contains(resultText(t, result), "Queued note") {
		t.Errorf("text = %q", resultText(t, result))
	}

	items, err := env.store.ListItems("alice", storage.StatusQueued)
	if err != nil {
		t.Fatalf("ListItems: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queued = %d, want 1", len(items))
	}
}

func TestMCPTool_AddNote_MissingText(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result, _ := mcpAddNote(deps)(context.Background(), makeCallToolRequest("add_note", nil))
	if !result.IsError {
		t.Error("expected tool error for missing text")
	}
}

func TestMCPTool_QuestionFlow(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	ctx := context.Background()

	result, _ := mcpAddNote(deps)(ctx, makeCallToolRequest("add_note", map[string]interface{}{"text": "the thing??"}))
	text := resultText(t, result)
	i := strings.Index(text, "reply_target: ")
	if i < 0 {
		t.Fatalf("no reply target in %q", text)
	}
	target := strings.TrimSpace(text[i+len("reply_target: "):])

	result, _ = mcpAnswer(deps)(ctx, makeCallToolRequest("answer_question", map[string]interface{}{
		"reply_target": target,
		"text":         "the release",
	}))
	if result.IsError {
		t.Fatalf("answer failed: %s", resultText(t, result))
	}

	result, _ = mcpAnswer(deps)(ctx, makeCallToolRequest("answer_question", map[string]interface{}{
		"reply_target": "unknown",
		"text":         "x",
	}))
	if !result.IsError {
		t.Error("expected error for unknown reply target")
	}
}

func TestMCPTool_SetModeAndStatus(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	ctx := context.Background()

	result, _ := mcpSetMode(deps)(ctx, makeCallToolRequest("set_mode", map[string]interface{}{"mode": "personal"}))
	if result.IsError {
		t.Fatalf("set_mode failed: %s", resultText(t, result))
	}
	result, _ = mcpSetMode(deps)(ctx, makeCallToolRequest("set_mode", map[string]interface{}{"mode": "holiday"}))
	if !result.IsError {
		t.Error("expected error for invalid mode")
	}

	mcpAddNote(deps)(ctx, makeCallToolRequest("add_note", map[string]interface{}{"text": "call mum"}))
	result, _ = mcpStatus(deps)(ctx, makeCallToolRequest("queue_status", nil))
	text := resultText(t, result)
	if !strings.Contains(text, "Personal") || !strings.Contains(text, "Queued: 1") {
		t.Errorf("status = %q", text)
	}
}

func TestMCPTool_ProcessQueue(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	ctx := context.Background()

	result, _ := mcpProcess(deps)(ctx, makeCallToolRequest("process_queue", nil))
	if !result.IsError {
		t.Error("expected error for empty queue")
	}

	mcpAddNote(deps)(ctx, makeCallToolRequest("add_note", map[string]interface{}{"text": "ship it"}))
	result, _ = mcpProcess(deps)(ctx, makeCallToolRequest("process_queue", nil))
	if result.IsError {
		t.Fatalf("process failed: %s", resultText(t, result))
	}
	if text := resultText(t, result); !strings.Contains(text, "Ship the release") || !strings.Contains(text, "deadbeef") {
		t.Errorf("process output = %q", text)
	}
}

func TestMCPTool_ClearQueue(t *testing.T) {
	deps, env := newTestMCPDeps(t)
	ctx := context.Background()
	mcpAddNote(deps)(ctx, makeCallToolRequest("add_note", map[string]interface{}{"text": "a"}))

	result, _ := mcpClear(deps)(ctx, makeCallToolRequest("clear_queue", nil))
	if !result.IsError {
		t.Error("expected error without confirm")
	}

	result, _ = mcpClear(deps)(ctx, makeCallToolRequest("clear_queue", map[string]interface{}{"confirm": true}))
	if result.IsError {
		t.Fatalf("clear failed: %s", resultText(t, result))
	}
	items, _ := env.store.ListItems("alice", storage.StatusQueued)
	if len(items) != 0 {
		t.Errorf("queued after clear = %d, want 0", len(items))
	}
}

func TestMCPResource_Status(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	ctx := context.Background()
	mcpAddNote(deps)(ctx, makeCallToolRequest("add_note", map[string]interface{}{"text": "a"}))

	contents, err := mcpResourceStatus(deps)(ctx, mcp.ReadResourceRequest{Params: mcp.ReadResourceParams{URI: "zettel://status"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	var st map[string]any
	if err := json.Unmarshal([]byte(tc.Text), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st["queued"] != float64(1) {
		t.Errorf("queued = %v, want 1", st["queued"])
	}
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	s := NewMCPServer(deps)
	tools := s.ListTools()
	for _, name := range []string{"add_note", "answer_question", "set_mode", "queue_status", "process_queue", "clear_queue"} {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
}
