// CLAUDE:SUMMARY Registers all domresolve MCP tools — resolve, selector CRUD, stats, drift, evolve, pin.
// Package mcpapi exposes the resolution engine as MCP tools so agent clients
// can resolve selectors and manage the catalog over any MCP transport.
package mcpapi

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domresolve"
	"github.com/hazyhaar/domresolve/kit"
	"github.com/hazyhaar/domresolve/selector"
)

// API registers the engine's MCP tool surface.
type API struct {
	eng *domresolve.Engine
}

// New creates the MCP surface over eng.
func New(eng *domresolve.Engine) *API {
	return &API{eng: eng}
}

// Register registers every domresolve tool on an MCP server.
func (a *API) Register(srv *mcp.Server) {
	a.registerResolveTool(srv)
	a.registerResolveManyTool(srv)
	a.registerAddSelectorTool(srv)
	a.registerListSelectorsTool(srv)
	a.registerDeleteSelectorTool(srv)
	a.registerStatsTool(srv)
	a.registerDriftTool(srv)
	a.registerEvolveTool(srv)
	a.registerPinStrategyTool(srv)
}

// inputSchema builds a JSON Schema object with type "object".
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

type resolveRequest struct {
	Selector      string `json:"selector"`
	Scope         string `json:"scope,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// enrich threads a caller-supplied correlation ID into the call context so
// the resolution trace joins the caller's.
func (r *resolveRequest) enrich() func(context.Context) context.Context {
	if r.CorrelationID == "" {
		return nil
	}
	return func(ctx context.Context) context.Context {
		return kit.WithCorrelationID(ctx, r.CorrelationID)
	}
}

func (a *API) registerResolveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domresolve_resolve",
		Description: "Resolve a semantic selector to a live element. Returns the resolution outcome with the matched node, confidence, and strategy used.",
		InputSchema: inputSchema(map[string]any{
			"selector":       map[string]any{"type": "string", "description": "Selector name (e.g. home_team_name)"},
			"scope":          map[string]any{"type": "string", "description": "Override scope; defaults to the selector's declared scope"},
			"correlation_id": map[string]any{"type": "string", "description": "Optional correlation ID to join an existing trace"},
		}, []string{"selector"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*resolveRequest)
		if r.Scope != "" {
			return a.eng.ResolveIn(ctx, r.Selector, r.Scope)
		}
		return a.eng.Resolve(ctx, r.Selector)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r resolveRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r, EnrichCtx: r.enrich()}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- resolve_many ---

type resolveManyRequest struct {
	Selectors     []string `json:"selectors"`
	Scope         string   `json:"scope"`
	CorrelationID string   `json:"correlation_id,omitempty"`
}

func (a *API) registerResolveManyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domresolve_resolve_many",
		Description: "Resolve several selectors against one scope activation. Returns outcomes in request order.",
		InputSchema: inputSchema(map[string]any{
			"selectors":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Selector names"},
			"scope":          map[string]any{"type": "string", "description": "Scope to resolve in"},
			"correlation_id": map[string]any{"type": "string", "description": "Optional correlation ID to join an existing trace"},
		}, []string{"selectors", "scope"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*resolveManyRequest)
		outs, err := a.eng.ResolveMany(ctx, r.Selectors, r.Scope)
		if err != nil {
			return nil, err
		}
		return map[string]any{"outcomes": outs}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r resolveManyRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		res := &kit.MCPDecodeResult{Request: &r}
		if r.CorrelationID != "" {
			res.EnrichCtx = func(ctx context.Context) context.Context {
				return kit.WithCorrelationID(ctx, r.CorrelationID)
			}
		}
		return res, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- add_selector ---

func (a *API) registerAddSelectorTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domresolve_add_selector",
		Description: "Create or replace a semantic selector: name, scope, confidence threshold, prioritized strategies, and validation rules.",
		InputSchema: inputSchema(map[string]any{
			"name":       map[string]any{"type": "string", "description": "Selector name (e.g. home_team_name)"},
			"scope":      map[string]any{"type": "string", "description": "Declared scope name"},
			"threshold":  map[string]any{"type": "number", "description": "Confidence threshold in [0.5, 1.0]"},
			"strategies": map[string]any{"type": "array", "items": map[string]any{"type": "object"}, "description": "Strategy configurations in priority order, each with kind and its kind-specific block"},
			"validation": map[string]any{"type": "array", "items": map[string]any{"type": "object"}, "description": "Validation rules (non_empty, text_matches, max_length, numeric, attr_present)"},
		}, []string{"name", "scope", "threshold", "strategies"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		sel := req.(*selector.SemanticSelector)
		if err := a.eng.AddSelector(ctx, sel); err != nil {
			return nil, err
		}
		return a.eng.GetSelector(sel.Name)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var sel selector.SemanticSelector
		if err := json.Unmarshal(req.Params.Arguments, &sel); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &sel}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- list_selectors ---

type listSelectorsRequest struct{}

func (a *API) registerListSelectorsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domresolve_list_selectors",
		Description: "List every registered selector with its strategies, versions, and thresholds.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return a.eng.ListSelectors(), nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &listSelectorsRequest{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- delete_selector ---

type deleteSelectorRequest struct {
	Name string `json:"name"`
}

func (a *API) registerDeleteSelectorTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domresolve_delete_selector",
		Description: "Delete a selector and its in-memory registration. History rows are retained.",
		InputSchema: inputSchema(map[string]any{
			"name": map[string]any{"type": "string", "description": "Selector name"},
		}, []string{"name"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*deleteSelectorRequest)
		if err := a.eng.DeleteSelector(ctx, r.Name); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": r.Name}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r deleteSelectorRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- stats ---

type statsRequest struct{}

func (a *API) registerStatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domresolve_stats",
		Description: "Engine statistics: selector and scope counts, resolution counters, queue depth, event log counters.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		return a.eng.Stats(ctx)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: &statsRequest{}}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- drift ---

type driftRequest struct {
	Selector string `json:"selector"`
}

func (a *API) registerDriftTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domresolve_drift",
		Description: "Run drift analysis for a selector. Returns the persisted report with score, trend, and per-strategy deltas.",
		InputSchema: inputSchema(map[string]any{
			"selector": map[string]any{"type": "string", "description": "Selector name"},
		}, []string{"selector"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*driftRequest)
		return a.eng.AnalyzeDrift(ctx, r.Selector)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r driftRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- evolve ---

type evolveRequest struct {
	Selector string `json:"selector,omitempty"`
}

func (a *API) registerEvolveTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domresolve_evolve",
		Description: "Run the evolution rules (promote, demote, blacklist) for one selector, or for the whole catalog when no selector is given.",
		InputSchema: inputSchema(map[string]any{
			"selector": map[string]any{"type": "string", "description": "Selector name; empty runs the whole catalog"},
		}, nil),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*evolveRequest)
		if r.Selector != "" {
			return a.eng.Evolve(ctx, r.Selector)
		}
		results, err := a.eng.EvolveAll(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"results": results}, nil
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r evolveRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}

// --- pin_strategy ---

type pinStrategyRequest struct {
	Selector string `json:"selector"`
	Strategy string `json:"strategy"`
	Pinned   bool   `json:"pinned"`
	Actor    string `json:"actor,omitempty"`
}

func (a *API) registerPinStrategyTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "domresolve_pin_strategy",
		Description: "Pin or unpin a strategy. Pinned strategies are exempt from every evolution rule.",
		InputSchema: inputSchema(map[string]any{
			"selector": map[string]any{"type": "string", "description": "Selector name"},
			"strategy": map[string]any{"type": "string", "description": "Strategy ID"},
			"pinned":   map[string]any{"type": "boolean", "description": "true pins, false unpins"},
			"actor":    map[string]any{"type": "string", "description": "Audit actor (default: mcp)"},
		}, []string{"selector", "strategy", "pinned"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		r := req.(*pinStrategyRequest)
		actor := r.Actor
		if actor == "" {
			actor = "mcp"
		}
		if err := a.eng.PinStrategy(ctx, r.Selector, r.Strategy, r.Pinned, actor); err != nil {
			return nil, err
		}
		return a.eng.GetSelector(r.Selector)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		var r pinStrategyRequest
		if err := json.Unmarshal(req.Params.Arguments, &r); err != nil {
			return nil, err
		}
		return &kit.MCPDecodeResult{Request: &r}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
