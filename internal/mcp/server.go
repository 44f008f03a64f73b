// Package mcp exposes the memory engine as a set of MCP tools. The package
// is a thin transport adapter: argument parsing and response shaping live
// here, every rule about memories lives in the engine.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/blueberrycongee/recall/internal/memory"
	rerrors "github.com/blueberrycongee/recall/pkg/errors"
)

const (
	serverName    = "recall"
	serverVersion = "0.1.0"
)

// Server registers the memory tools on an MCP server.
type Server struct {
	engine *memory.Engine
	logger *slog.Logger
}

// NewServer wires the engine into a configured MCP server instance.
func NewServer(engine *memory.Engine, logger *slog.Logger) *server.MCPServer {
	s := &Server{engine: engine, logger: logger}

	srv := server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)

	srv.AddTool(createTool(), s.handleCreate)
	srv.AddTool(searchTool(), s.handleSearch)
	srv.AddTool(relateTool(), s.handleRelate)
	srv.AddTool(switchProjectTool(), s.handleSwitchProject)
	srv.AddTool(statsTool(), s.handleStats)

	return srv
}

// ServeStdio runs the server over stdin/stdout until the client disconnects.
func ServeStdio(srv *server.MCPServer) error {
	return server.ServeStdio(srv)
}

const instructions = `Persistent memory for conversations. Store important facts with
memory_create, recall them with memory_search, and link related memories with
memory_relate. Memories are grouped by project; memory_switch_project records
the project you are currently working in.`

func createTool() mcp.Tool {
	return mcp.NewTool(
		"memory_create",
		mcp.WithDescription("Store a new memory with semantic indexing for later retrieval."),
		mcp.WithString("user_id",
			mcp.Description("Owner of the memory"),
			mcp.Required(),
		),
		mcp.WithString("content",
			mcp.Description("Textual content to remember"),
			mcp.Required(),
		),
		mcp.WithString("project",
			mcp.Description("Project grouping, defaults to 'default'"),
		),
		mcp.WithString("type",
			mcp.Description("Memory category such as 'decision' or 'insight', defaults to 'general'"),
		),
		mcp.WithObject("metadata",
			mcp.Description("Arbitrary JSON metadata to attach"),
		),
	)
}

func searchTool() mcp.Tool {
	return mcp.NewTool(
		"memory_search",
		mcp.WithDescription("Semantic search over stored memories, optionally filtered by project and type."),
		mcp.WithString("user_id",
			mcp.Description("Owner whose memories to search"),
			mcp.Required(),
		),
		mcp.WithString("query",
			mcp.Description("Natural language search query"),
			mcp.Required(),
		),
		mcp.WithString("project",
			mcp.Description("Restrict results to one project"),
		),
		mcp.WithString("type",
			mcp.Description("Restrict results to one memory type"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of results, defaults to 10"),
		),
	)
}

func relateTool() mcp.Tool {
	return mcp.NewTool(
		"memory_relate",
		mcp.WithDescription("Create a typed, directed relationship between two existing memories."),
		mcp.WithString("from_id",
			mcp.Description("Source memory id"),
			mcp.Required(),
		),
		mcp.WithString("to_id",
			mcp.Description("Target memory id"),
			mcp.Required(),
		),
		mcp.WithString("kind",
			mcp.Description("Relationship kind"),
			mcp.Enum("influences", "depends_on", "relates_to", "contradicts", "extends"),
			mcp.Required(),
		),
		mcp.WithNumber("strength",
			mcp.Description("Relationship strength in [0,1], defaults to 0.5"),
		),
	)
}

func switchProjectTool() mcp.Tool {
	return mcp.NewTool(
		"memory_switch_project",
		mcp.WithDescription("Record which project the user is currently working in."),
		mcp.WithString("user_id",
			mcp.Description("Owner of the session"),
			mcp.Required(),
		),
		mcp.WithString("project",
			mcp.Description("Project to switch to"),
			mcp.Required(),
		),
	)
}

func statsTool() mcp.Tool {
	return mcp.NewTool(
		"memory_stats",
		mcp.WithDescription("Aggregate statistics about stored memories."),
		mcp.WithString("user_id",
			mcp.Description("Owner whose memories to summarize"),
			mcp.Required(),
		),
		mcp.WithString("project",
			mcp.Description("Restrict statistics to one project"),
		),
	)
}

func (s *Server) handleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var metadata map[string]any
	if raw, ok := req.GetArguments()["metadata"]; ok {
		metadata, _ = raw.(map[string]any)
	}

	result, err := s.engine.CreateMemory(ctx, memory.CreateMemoryInput{
		Owner:    userID,
		Content:  content,
		Project:  req.GetString("project", ""),
		Type:     req.GetString("type", ""),
		Metadata: metadata,
	})
	if err != nil {
		return s.toolError("memory_create", err), nil
	}

	payload := map[string]any{
		"id":              result.Memory.ID,
		"project":         result.Memory.Project,
		"type":            result.Memory.Type,
		"content_preview": result.ContentPreview,
		"created_at":      result.Memory.CreatedAt,
	}
	if result.Warning != nil {
		payload["warning"] = result.Warning.Message
	}
	return jsonResult(payload)
}

func (s *Server) handleSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	results, err := s.engine.SearchMemories(ctx, memory.SearchInput{
		Owner:                userID,
		Query:                query,
		Project:              req.GetString("project", ""),
		Type:                 req.GetString("type", ""),
		Limit:                req.GetInt("limit", 0),
		IncludeRelationships: true,
	})
	if errors.Is(err, memory.ErrNoResults) {
		return mcp.NewToolResultText("No matching memories found."), nil
	}
	if err != nil {
		return s.toolError("memory_search", err), nil
	}

	items := make([]map[string]any, 0, len(results))
	for _, r := range results {
		item := map[string]any{
			"id":         r.Memory.ID,
			"content":    r.Memory.Content,
			"project":    r.Memory.Project,
			"type":       r.Memory.Type,
			"score":      r.Score,
			"created_at": r.Memory.CreatedAt,
		}
		if len(r.Memory.Metadata) > 0 {
			item["metadata"] = r.Memory.Metadata
		}
		if len(r.Relationships) > 0 {
			item["relationships"] = r.Relationships
		}
		items = append(items, item)
	}
	return jsonResult(map[string]any{
		"count":   len(items),
		"results": items,
	})
}

func (s *Server) handleRelate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	fromID, err := req.RequireString("from_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	toID, err := req.RequireString("to_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind, err := req.RequireString("kind")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	input := memory.RelateInput{
		FromID: fromID,
		ToID:   toID,
		Kind:   memory.RelationKind(kind),
	}
	if raw, ok := req.GetArguments()["strength"]; ok {
		if v, ok := raw.(float64); ok {
			input.Strength = &v
		}
	}

	rel, err := s.engine.CreateRelationship(ctx, input)
	if err != nil {
		return s.toolError("memory_relate", err), nil
	}

	return jsonResult(map[string]any{
		"id":       rel.ID,
		"from_id":  rel.FromID,
		"to_id":    rel.ToID,
		"kind":     rel.Kind,
		"strength": rel.Strength,
	})
}

func (s *Server) handleSwitchProject(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	project, err := req.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	session, err := s.engine.SwitchProject(ctx, userID, project)
	if err != nil {
		return s.toolError("memory_switch_project", err), nil
	}

	return jsonResult(map[string]any{
		"user_id":         session.OwnerID,
		"current_project": session.Project,
		"last_active":     session.LastActive,
	})
}

func (s *Server) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	stats, err := s.engine.GetStats(ctx, userID, req.GetString("project", ""))
	if err != nil {
		return s.toolError("memory_stats", err), nil
	}
	return jsonResult(stats)
}

// toolError maps engine errors onto tool results. Caller mistakes become
// error results with the validation message intact; upstream and internal
// failures are logged and reported without leaking details.
func (s *Server) toolError(tool string, err error) *mcp.CallToolResult {
	var e *rerrors.Error
	if errors.As(err, &e) {
		switch e.Kind {
		case rerrors.KindValidation, rerrors.KindNotFound:
			return mcp.NewToolResultError(e.Message)
		}
	}

	s.logger.Error("tool execution failed", "tool", tool, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s failed, please retry", tool))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError("failed to encode response"), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
