// Package mcp exposes the pipeline to MCP-compatible clients: tools for
// inspecting and managing tasks, and resources for task history and storage
// statistics. The server speaks streamable HTTP on its own listener, separate
// from the REST API.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/Driftwald/ReelStudio/internal/domain/file"
	"github.com/Driftwald/ReelStudio/internal/domain/task"
	"github.com/Driftwald/ReelStudio/internal/port/database"
)

// TaskReader provides read access to task records.
type TaskReader interface {
	ListTasks(ctx context.Context, filter database.TaskFilter) ([]task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
}

// TaskDeleter removes a task together with its now-unreferenced files and
// reports which files were deleted versus kept.
type TaskDeleter interface {
	Delete(ctx context.Context, id string) (*task.DeleteResult, error)
}

// FileAdmin exposes file store maintenance operations.
type FileAdmin interface {
	SweepOrphans(ctx context.Context, minAge time.Duration) (int, error)
	StorageStats(ctx context.Context) (*file.StorageStats, error)
}

// ServerDeps are the collaborators behind the MCP tools and resources. Nil
// fields disable the corresponding tools with an explanatory error result.
type ServerDeps struct {
	TaskReader  TaskReader
	TaskDeleter TaskDeleter
	FileAdmin   FileAdmin
}

// ServerConfig configures the MCP listener.
type ServerConfig struct {
	Addr    string
	Name    string
	Version string
	APIKey  string
}

// Server exposes tools and resources over the Model Context Protocol.
type Server struct {
	cfg        ServerConfig
	deps       ServerDeps
	mcpServer  *mcpserver.MCPServer
	httpServer *http.Server
}

// NewServer builds the MCP server and registers all tools and resources.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:  cfg,
		deps: deps,
		mcpServer: mcpserver.NewMCPServer(cfg.Name, cfg.Version,
			mcpserver.WithToolCapabilities(true),
			mcpserver.WithResourceCapabilities(false, true),
			mcpserver.WithRecovery(),
		),
	}
	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Start binds the configured address and begins accepting MCP connections.
// It returns once the listener is bound; serve errors are logged.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", AuthMiddleware(s.cfg.APIKey, mcpserver.NewStreamableHTTPServer(s.mcpServer)))

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("mcp listen on %s: %w", s.cfg.Addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("mcp server terminated", "error", err)
		}
	}()
	slog.Info("mcp server listening", "addr", ln.Addr().String())
	return nil
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
