package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/codegrep/pkg/types"
)

// MCP error codes.
const (
	ErrorCodeInvalidParams = -32602
	ErrorCodeInternalError = -32603
	ErrorCodeDaemonDown    = -32010
	ErrorCodeEmptyQuery    = -32004
)

// handleSearchCode proxies search_code to the daemon.
func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	queryText, ok := args["query"].(string)
	if !ok || queryText == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param": "query",
		})
	}

	req := &types.QueryRequest{
		Query:          queryText,
		Mode:           types.Mode(getStringDefault(args, "mode", string(types.ModeBalanced))),
		MaxResults:     getIntDefault(args, "max_results", 10),
		PerFile:        getIntDefault(args, "per_file", 0),
		Path:           getStringDefault(args, "path", ""),
		SnippetMode:    types.SnippetMode(getStringDefault(args, "snippet_mode", string(types.SnippetShort))),
		Rerank:         getBoolDefault(args, "rerank", false),
		IncludeAnchors: getBoolDefault(args, "include_anchors", false),
		ClientID:       "mcp",
	}
	if req.MaxResults < 1 || req.MaxResults > 100 {
		return nil, newMCPError(ErrorCodeInvalidParams, "max_results must be between 1 and 100", map[string]interface{}{
			"param": "max_results",
			"value": req.MaxResults,
		})
	}

	c, err := s.dial(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeDaemonDown, "daemon unreachable; start it with `codegrep daemon`", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer func() { _ = c.Close() }()

	resp, qerr, err := c.Query(req)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "query transport failed", map[string]interface{}{"error": err.Error()})
	}
	if qerr != nil {
		return nil, newMCPError(ErrorCodeInternalError, qerr.Message, map[string]interface{}{"code": string(qerr.Code)})
	}
	return mcp.NewToolResultText(formatJSON(resp)), nil
}

// handleSyncIndex proxies sync_index to the daemon.
func (s *Server) handleSyncIndex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	allowDegraded := getBoolDefault(args, "allow_degraded", false)

	c, err := s.dial(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeDaemonDown, "daemon unreachable; start it with `codegrep daemon`", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer func() { _ = c.Close() }()

	resp, qerr, err := c.Sync(allowDegraded)
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "sync transport failed", map[string]interface{}{"error": err.Error()})
	}
	if qerr != nil {
		return nil, newMCPError(ErrorCodeInternalError, qerr.Message, map[string]interface{}{"code": string(qerr.Code)})
	}
	return mcp.NewToolResultText(formatJSON(resp)), nil
}

// handleGetStatus proxies get_status to the daemon.
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c, err := s.dial(ctx)
	if err != nil {
		return nil, newMCPError(ErrorCodeDaemonDown, "daemon unreachable; start it with `codegrep daemon`", map[string]interface{}{
			"error": err.Error(),
		})
	}
	defer func() { _ = c.Close() }()

	raw, qerr, err := c.Status()
	if err != nil {
		return nil, newMCPError(ErrorCodeInternalError, "status transport failed", map[string]interface{}{"error": err.Error()})
	}
	if qerr != nil {
		return nil, newMCPError(ErrorCodeInternalError, qerr.Message, map[string]interface{}{"code": string(qerr.Code)})
	}
	return mcp.NewToolResultText(string(raw)), nil
}

// Parameter helpers.

func getStringDefault(args map[string]interface{}, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

func getIntDefault(args map[string]interface{}, key string, def int) int {
	if v, ok := args[key].(float64); ok {
		return int(v)
	}
	return def
}

func getBoolDefault(args map[string]interface{}, key string, def bool) bool {
	if args == nil {
		return def
	}
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

// newMCPError builds a JSON-RPC style error.
func newMCPError(code int, message string, data map[string]interface{}) error {
	if data == nil {
		return fmt.Errorf("mcp error %d: %s", code, message)
	}
	detail, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("mcp error %d: %s", code, message)
	}
	return fmt.Errorf("mcp error %d: %s (%s)", code, message, detail)
}

func formatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
