package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/port/database"
)

// defaultSweepAge matches the file store's grace window.
const defaultSweepAge = time.Hour

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTools(
		s.listTasksTool(),
		s.getTaskTool(),
		s.deleteTaskTool(),
		s.sweepOrphansTool(),
	)
}

func (s *Server) listTasksTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("list_tasks",
		mcplib.WithDescription("List video pipeline tasks, newest first"),
		mcplib.WithString("status",
			mcplib.Description("Filter by status (queued, generating, awaiting_selection, composing, completed, failed, cancelled)"),
		),
		mcplib.WithNumber("limit",
			mcplib.Description("Maximum number of tasks to return"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleListTasks,
	}
}

func (s *Server) getTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_task",
		mcplib.WithDescription("Get the full record of a task by ID, including generated images and progress"),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("The task ID to look up"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleGetTask,
	}
}

func (s *Server) deleteTaskTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("delete_task",
		mcplib.WithDescription("Delete a task and any files only it references. Active tasks are protected"),
		mcplib.WithString("task_id",
			mcplib.Required(),
			mcplib.Description("The task ID to delete"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleDeleteTask,
	}
}

func (s *Server) sweepOrphansTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("sweep_orphans",
		mcplib.WithDescription("Remove stored files no task references. Files younger than the minimum age are kept"),
		mcplib.WithNumber("min_age_minutes",
			mcplib.Description("Minimum file age in minutes before an orphan is eligible (default 60)"),
		),
	)
	return mcpserver.ServerTool{
		Tool:    tool,
		Handler: s.handleSweepOrphans,
	}
}

func (s *Server) handleListTasks(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.TaskReader == nil {
		return mcplib.NewToolResultError("task reader not configured"), nil
	}
	args := req.GetArguments()
	var filter database.TaskFilter
	if status, ok := args["status"].(string); ok && status != "" {
		filter.Status = task.Status(status)
	}
	if limit, ok := args["limit"].(float64); ok && limit > 0 {
		filter.Limit = int(limit)
	}
	tasks, err := s.deps.TaskReader.ListTasks(ctx, filter)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to list tasks", err), nil
	}
	data, err := json.Marshal(tasks)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal tasks", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleGetTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.TaskReader == nil {
		return mcplib.NewToolResultError("task reader not configured"), nil
	}
	args := req.GetArguments()
	taskID, ok := args["task_id"].(string)
	if !ok || taskID == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	t, err := s.deps.TaskReader.GetTask(ctx, taskID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to get task %s", taskID), err,
		), nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal task", err), nil
	}
	return toolResultJSON(string(data)), nil
}

func (s *Server) handleDeleteTask(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.TaskDeleter == nil {
		return mcplib.NewToolResultError("task deleter not configured"), nil
	}
	args := req.GetArguments()
	taskID, ok := args["task_id"].(string)
	if !ok || taskID == "" {
		return mcplib.NewToolResultError("task_id is required"), nil
	}
	res, err := s.deps.TaskDeleter.Delete(ctx, taskID)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr(
			fmt.Sprintf("failed to delete task %s", taskID), err,
		), nil
	}
	return mcplib.NewToolResultText(fmt.Sprintf("task %s deleted (%d files removed, %d kept)",
		taskID, len(res.DeletedFiles), len(res.KeptFiles))), nil
}

func (s *Server) handleSweepOrphans(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) { //nolint:gocritic // hugeParam: mcp-go handler signature
	if s.deps.FileAdmin == nil {
		return mcplib.NewToolResultError("file admin not configured"), nil
	}
	args := req.GetArguments()
	minAge := defaultSweepAge
	if minutes, ok := args["min_age_minutes"].(float64); ok && minutes >= 0 {
		minAge = time.Duration(minutes) * time.Minute
	}
	removed, err := s.deps.FileAdmin.SweepOrphans(ctx, minAge)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to sweep orphans", err), nil
	}
	data, err := json.Marshal(map[string]int{"removed": removed})
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal sweep result", err), nil
	}
	return toolResultJSON(string(data)), nil
}

// toolResultJSON wraps pre-marshaled JSON as a text tool result.
func toolResultJSON(data string) *mcplib.CallToolResult {
	return mcplib.NewToolResultText(data)
}
