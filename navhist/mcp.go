package navhist

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/flagnav/kit"
)

// RegisterMCP registers navigation tools on an MCP server. Tools address a
// session explicitly by ID since MCP callers carry no cookie.
func (r *Registry) RegisterMCP(srv *mcp.Server) {
	r.registerObserveTool(srv)
	r.registerPreviousTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

type observeReq struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Search    string `json:"search,omitempty"`
}

func (r *Registry) registerObserveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "nav_observe",
		Description: "Record a route visit for a session; the previous distinct route becomes retrievable via nav_previous.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session ID"},
			"path":       map[string]any{"type": "string", "description": "Pathname, must start with /"},
			"search":     map[string]any{"type": "string", "description": "Query string, with or without leading ?"},
		}, []string{"session_id", "path"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		rq := req.(*observeReq)
		if rq.SessionID == "" {
			return nil, errors.New("session_id is required")
		}
		if rq.Path == "" || rq.Path[0] != '/' {
			return nil, errors.New("path must start with /")
		}
		r.Observe(ctx, rq.SessionID, rq.Path, rq.Search)
		return map[string]string{"status": "ok"}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var rq observeReq
		if err := json.Unmarshal(req.Params.Arguments, &rq); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &rq}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

type previousReq struct {
	SessionID string `json:"session_id"`
}

type previousResp struct {
	Previous *RouteMemory `json:"previous"`
}

func (r *Registry) registerPreviousTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "nav_previous",
		Description: "Return the previous distinct route for a session, or null if none.",
		InputSchema: inputSchema(map[string]any{
			"session_id": map[string]any{"type": "string", "description": "Session ID"},
		}, []string{"session_id"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		rq := req.(*previousReq)
		if rq.SessionID == "" {
			return nil, errors.New("session_id is required")
		}
		prev, ok := r.Previous(ctx, rq.SessionID)
		if !ok {
			return previousResp{}, nil
		}
		return previousResp{Previous: &prev}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var rq previousReq
		if err := json.Unmarshal(req.Params.Arguments, &rq); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &rq}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
