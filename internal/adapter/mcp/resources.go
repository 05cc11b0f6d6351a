package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/Driftwald/ReelStudio/internal/port/database"
)

// registerResources exposes read-only snapshots of pipeline state as MCP
// resources, so clients can browse them without calling a tool.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"reelstudio://tasks",
			"Task History",
			mcplib.WithResourceDescription("All video pipeline tasks with status, progress, and file references"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTasksResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"reelstudio://storage/stats",
			"Storage Stats",
			mcplib.WithResourceDescription("File store totals, per-kind counts, and orphan count"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStorageStatsResource,
	)
}

// jsonResource wraps one JSON document in the single-element contents slice
// the mcp-go read handlers return.
func jsonResource(uri, text string) []mcplib.ResourceContents {
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     text,
		},
	}
}

func (s *Server) handleTasksResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.TaskReader == nil {
		return jsonResource(req.Params.URI, `{"error":"task reader not configured"}`), nil
	}
	tasks, err := s.deps.TaskReader.ListTasks(ctx, database.TaskFilter{})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, string(data)), nil
}

func (s *Server) handleStorageStatsResource(ctx context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.FileAdmin == nil {
		return jsonResource(req.Params.URI, `{"error":"file admin not configured"}`), nil
	}
	stats, err := s.deps.FileAdmin.StorageStats(ctx)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return nil, err
	}
	return jsonResource(req.Params.URI, string(data)), nil
}
