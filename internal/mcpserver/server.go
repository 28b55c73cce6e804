// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes mediacat tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/mediacat/internal/apperr"
	"github.com/starford/mediacat/internal/library"
	"github.com/starford/mediacat/internal/models"
	"github.com/starford/mediacat/internal/ordering"
)

const statusURI = "mediacat://status"

// Server wraps the MCP server with mediacat tools.
type Server struct {
	mcp *server.MCPServer
	svc *library.Service
}

// New creates a new MCP server with all mediacat tools registered.
func New(svc *library.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"mediacat",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_entries",
		mcp.WithDescription("List audio entries in play order."),
		mcp.WithNumber("offset", mcp.Description("Zero-based start position")),
		mcp.WithNumber("limit", mcp.Description("Page size (default 50, max 500)")),
	), s.listEntries)

	s.mcp.AddTool(mcp.NewTool("next_entry",
		mcp.WithDescription("Return the entry after the given one, wrapping to the first."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entry id (path relative to the library root)")),
	), s.nextEntry)

	s.mcp.AddTool(mcp.NewTool("prev_entry",
		mcp.WithDescription("Return the entry before the given one, wrapping to the last."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entry id (path relative to the library root)")),
	), s.prevEntry)

	s.mcp.AddTool(mcp.NewTool("sort_catalog",
		mcp.WithDescription("Reorder the catalog. Sticky mode pins one entry to the front "+
			"without disturbing the others."),
		mcp.WithString("mode", mcp.Required(), mcp.Enum("sequential", "random", "sticky")),
		mcp.WithString("sticky", mcp.Description("Entry id to pin; required for sticky mode")),
	), s.sortCatalog)

	s.mcp.AddTool(mcp.NewTool("toggle_like",
		mcp.WithDescription("Set or toggle the like flag of an entry."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Entry id")),
		mcp.WithBoolean("like", mcp.Description("Explicit value; omit to toggle")),
	), s.toggleLike)

	s.mcp.AddTool(mcp.NewTool("fetch_audio",
		mcp.WithDescription("Download an audio file from an http(s) URL or a base64 data URI "+
			"and import it into the library."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data:audio/...;base64 URI")),
		mcp.WithString("filename", mcp.Description("Name to store the file under")),
		mcp.WithString("destination", mcp.Description("Folder inside the library")),
	), s.fetchAudio)

	s.mcp.AddResource(
		mcp.NewResource(statusURI, "Library Status",
			mcp.WithResourceDescription("Backend, sort mode, pinned entry and entry count."),
			mcp.WithMIMEType("application/json"),
		),
		s.readStatusResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func errorResult(err error) *mcp.CallToolResult {
	if errors.Is(err, apperr.ErrNotFound) {
		return mcp.NewToolResultError("not found: " + err.Error())
	}
	return mcp.NewToolResultError(err.Error())
}

func lookupResult(l ordering.Lookup) (*mcp.CallToolResult, error) {
	if !l.Found {
		return mcp.NewToolResultText("catalog is empty"), nil
	}
	return jsonResult(l.Entry)
}

func (s *Server) listEntries(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	offset := req.GetInt("offset", 0)
	limit := req.GetInt("limit", 50)
	items, total, err := s.svc.List(ctx, offset, limit)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"entries": items, "total": total})
}

func (s *Server) nextEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	l, err := s.svc.Next(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return lookupResult(l)
}

func (s *Server) prevEntry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	l, err := s.svc.Prev(ctx, id)
	if err != nil {
		return errorResult(err), nil
	}
	return lookupResult(l)
}

func (s *Server) sortCatalog(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	mode, err := req.RequireString("mode")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var sticky *string
	if v := req.GetString("sticky", ""); v != "" {
		sticky = &v
	}
	if err := s.svc.Sort(ctx, models.SortMode(mode), sticky); err != nil {
		return errorResult(err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("sorted: %s", mode)), nil
}

func (s *Server) toggleLike(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var like *bool
	if _, ok := req.GetArguments()["like"]; ok {
		v := req.GetBool("like", false)
		like = &v
	}
	e, err := s.svc.SetLike(ctx, id, like)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(e)
}

func (s *Server) readStatusResource(ctx context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	st, err := s.svc.Status(ctx)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      statusURI,
			MIMEType: "application/json",
			Text:     string(out),
		},
	}, nil
}
