package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/zettel/internal/logging"
	"github.com/kalambet/zettel/internal/note"
	"github.com/kalambet/zettel/internal/session"
	"github.com/kalambet/zettel/internal/vault"
)

// MCPDeps holds dependencies for the MCP server. Every tool acts on the
// session of User.
type MCPDeps struct {
	Sessions *session.Manager
	User     string
	Version  string
}

// NewMCPServer creates an MCP server with the note capture tools registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.Version == "" {
		deps.Version = "dev"
	}
	s := server.NewMCPServer(
		"zettel",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("zettel queues raw notes, asks clarifying questions, and publishes them as linked Zettelkasten documents."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("add_note",
			mcp.WithDescription("Queue a text note in the current mode. May return a clarifying question to answer with answer_question."),
			mcp.WithString("text", mcp.Description("The note text"), mcp.Required()),
		),
		mcpAddNote(deps),
	)

	s.AddTool(
		mcp.NewTool("answer_question",
			mcp.WithDescription("Answer a clarifying question about a queued note."),
			mcp.WithString("reply_target", mcp.Description("Reply target returned with the question"), mcp.Required()),
			mcp.WithString("text", mcp.Description("The answer"), mcp.Required()),
		),
		mcpAnswer(deps),
	)

	s.AddTool(
		mcp.NewTool("set_mode",
			mcp.WithDescription("Switch where subsequent notes are filed."),
			mcp.WithString("mode", mcp.Description("work or personal"), mcp.Required(), mcp.Enum(string(note.Work), string(note.Personal))),
		),
		mcpSetMode(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Show queued notes, pending questions, and the current mode."),
		),
		mcpStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("process_queue",
			mcp.WithDescription("Structure every queued note and publish the result to the vault as one commit."),
		),
		mcpProcess(deps),
	)

	s.AddTool(
		mcp.NewTool("clear_queue",
			mcp.WithDescription("Discard every queued note and pending question."),
			mcp.WithBoolean("confirm", mcp.Description("Must be true"), mcp.Required()),
		),
		mcpClear(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"zettel://status",
			"Queue Status",
			mcp.WithResourceDescription("Current queue counts, mode, and pending questions as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStatus(deps),
	)

	return s
}

func (d MCPDeps) session(ctx context.Context) (context.Context, *session.Session, error) {
	s, err := d.Sessions.Get(d.User)
	if err != nil {
		return ctx, nil, err
	}
	return logging.WithUser(ctx, s.UserID()), s, nil
}

func mcpAddNote(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		ctx, s, err := deps.session(ctx)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		res, err := s.Enqueue(ctx, note.Payload{Kind: note.KindText, Text: text})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue note: %v", err)), nil
		}
		msg := fmt.Sprintf("Queued note %d in %s.", res.Item.Seq, res.Item.Partition.Label())
		if res.Question != nil {
			msg += fmt.Sprintf("\nQuestion: %s\nreply_target: %s", res.Question.Question, res.Question.ReplyTarget)
		}
		return mcpText(msg), nil
	}
}

func mcpAnswer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, err := req.RequireString("reply_target")
		if err != nil {
			return mcpError("reply_target is required"), nil
		}
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		ctx, s, err := deps.session(ctx)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		it, err := s.Answer(ctx, target, text)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to answer: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Context added to note %d.", it.Seq)), nil
	}
}

func mcpSetMode(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mode, err := req.RequireString("mode")
		if err != nil {
			return mcpError("mode is required"), nil
		}
		ctx, s, err := deps.session(ctx)
		if err != nil {
			return mcpError(err.Error()), nil
		}

		if err := s.SetMode(ctx, note.Partition(mode)); err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Switched to %s mode.", s.Mode().Label())), nil
	}
}

func mcpStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, s, err := deps.session(ctx)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		st, err := s.Status(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read status: %v", err)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Mode: %s\n", st.Mode.Label())
		fmt.Fprintf(&sb, "Queued: %d (%d with context, %d awaiting answers)\n", st.Queued, st.Answered, st.Pending)
		if st.RunInProgress {
			fmt.Fprintf(&sb, "Processing: %d notes in flight\n", st.InFlight)
		}
		for _, q := range st.Questions {
			fmt.Fprintf(&sb, "- note %d: %s (reply_target %s)\n", q.ItemSeq, q.Question, q.ReplyTarget)
		}
		return mcpText(strings.TrimRight(sb.String(), "\n")), nil
	}
}

func mcpProcess(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		ctx, s, err := deps.session(ctx)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		res, err := s.Process(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("processing failed: %v", err)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Published %d notes (commit %s):\n", len(res.Documents), res.CommitRef)
		for _, d := range res.Documents {
			fmt.Fprintf(&sb, "%s %s -> %s\n", vault.Glyph(d.Type), d.Title, d.Path)
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(&sb, "warning: %s\n", w.Message)
		}
		return mcpText(strings.TrimRight(sb.String(), "\n")), nil
	}
}

func mcpClear(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if !req.GetBool("confirm", false) {
			return mcpError("clear_queue requires confirm=true"), nil
		}
		ctx, s, err := deps.session(ctx)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		res, err := s.Clear(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to clear: %v", err)), nil
		}
		msg := fmt.Sprintf("Removed %d notes and %d questions.", res.RemovedItems, res.RemovedQuestions)
		if res.RunInProgress {
			msg += " A run in progress keeps the notes it already took."
		}
		return mcpText(msg), nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		ctx, s, err := deps.session(ctx)
		if err != nil {
			return nil, err
		}
		st, err := s.Status(ctx)
		if err != nil {
			return nil, fmt.Errorf("reading status: %w", err)
		}
		data, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("marshalling status: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	}
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
