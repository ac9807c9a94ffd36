// Package mcp exposes formbridge as an MCP tool server: agents can list the
// action types, render an action's configuration fields, submit a form and
// query the submission log.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/formbridge/internal/actions"
	"github.com/rendis/formbridge/internal/engine"
	"github.com/rendis/formbridge/internal/store"
	"github.com/rendis/formbridge/internal/submission"
	"github.com/rendis/formbridge/pkg/schema"
)

// FormCatalog resolves loaded form definitions by name.
type FormCatalog interface {
	Get(name string) (*schema.FormDefinition, error)
	Names() []string
}

// Submitter processes submissions. Satisfied by *engine.Processor.
type Submitter interface {
	Process(ctx context.Context, form *schema.FormDefinition, sub *submission.Submission) (*engine.Result, error)
	Nonce(formName, user string) string
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Forms     FormCatalog
	Submitter Submitter
	Store     store.Store
	Registry  actions.ActionRegistry
	Version   string
	Logger    *slog.Logger
}

// Server wraps an MCP server with formbridge tool handlers.
type Server struct {
	forms     FormCatalog
	submitter Submitter
	store     store.Store
	registry  actions.ActionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		forms:     deps.Forms,
		submitter: deps.Submitter,
		store:     deps.Store,
		registry:  deps.Registry,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"formbridge",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("formbridge runs form actions that write submitted form values to CiviCRM. Use formbridge.actions to list action types, formbridge.fields to render an action's configuration fields, formbridge.nonce and formbridge.submit to process a submission, and formbridge.query to inspect forms, submissions, action results and events."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: actionsTool(), Handler: s.handleActions},
		{Tool: fieldsTool(), Handler: s.handleFields},
		{Tool: nonceTool(), Handler: s.handleNonce},
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func actionsTool() mcp.Tool {
	return mcp.NewTool("formbridge.actions",
		mcp.WithDescription("List the registered form action types"),
	)
}

func fieldsTool() mcp.Tool {
	return mcp.NewTool("formbridge.fields",
		mcp.WithDescription("Render the configuration fields of a form action"),
		mcp.WithString("form", mcp.Required(), mcp.Description("Name of a loaded form")),
		mcp.WithString("action", mcp.Description("Name of an action configured on the form")),
		mcp.WithString("type", mcp.Description("Action type to render for a new action (used when action is empty)")),
	)
}

func nonceTool() mcp.Tool {
	return mcp.NewTool("formbridge.nonce",
		mcp.WithDescription("Issue a submission nonce for a form and user"),
		mcp.WithString("form", mcp.Required(), mcp.Description("Name of a loaded form")),
		mcp.WithString("user_id", mcp.Description("Submitting user's contact ID")),
	)
}

func submitTool() mcp.Tool {
	return mcp.NewTool("formbridge.submit",
		mcp.WithDescription("Submit values to a form and run its actions"),
		mcp.WithString("form", mcp.Required(), mcp.Description("Name of a loaded form")),
		mcp.WithObject("values", mcp.Required(), mcp.Description("Submitted values keyed by field key or name")),
		mcp.WithString("user_id", mcp.Description("Submitting user's contact ID")),
		mcp.WithString("nonce", mcp.Description("Nonce from formbridge.nonce")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("formbridge.query",
		mcp.WithDescription("Query forms, submissions, action results, or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("forms", "submissions", "actions", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (form, status, user_id, since, limit, offset, submission_id, event_type)")),
	)
}
