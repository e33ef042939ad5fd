package flags

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/flagnav/kit"
)

// RegisterMCP registers flag tools on an MCP server.
func (r *Resolver) RegisterMCP(srv *mcp.Server) {
	r.registerResolveTool(srv)
	r.registerStatsTool(srv)
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

// --- resolve ---

type resolveReq struct {
	UserID     string `json:"user_id,omitempty"`
	MovementID string `json:"movement_id,omitempty"`
}

type resolveResp struct {
	Snapshot
	NoActor bool `json:"no_actor,omitempty"`
}

func (r *Resolver) registerResolveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "flags_resolve",
		Description: "Resolve the research-flag snapshot for a user or a movement (exactly one of user_id, movement_id).",
		InputSchema: inputSchema(map[string]any{
			"user_id":     map[string]any{"type": "string", "description": "User ID"},
			"movement_id": map[string]any{"type": "string", "description": "Movement ID"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		rq := req.(*resolveReq)
		actor := ActorFromIDs(rq.UserID, rq.MovementID)
		snap, err := r.Resolve(ctx, actor)
		if errors.Is(err, ErrNoActor) {
			return resolveResp{Snapshot: snap, NoActor: true}, nil
		}
		if err != nil {
			return nil, err
		}
		return resolveResp{Snapshot: snap}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var rq resolveReq
		if err := json.Unmarshal(req.Params.Arguments, &rq); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &rq}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- stats ---

type statsReq struct{}

func (r *Resolver) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "flags_stats",
		Description: "Return resolver cache counters (hits, misses, fetches, failures).",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return r.Stats(), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &statsReq{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// ActorFromIDs builds an Actor from two optional IDs the way HTTP and MCP
// callers supply them. Both set or both empty yields the zero (invalid)
// Actor; resolution of that actor is a no-op by contract.
func ActorFromIDs(userID, movementID string) Actor {
	switch {
	case userID != "" && movementID != "":
		return Actor{}
	case userID != "":
		return UserActor(userID)
	case movementID != "":
		return MovementActor(movementID)
	default:
		return Actor{}
	}
}
