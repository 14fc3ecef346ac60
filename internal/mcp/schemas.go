package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// searchCodeTool returns the tool definition for search_code.
func searchCodeTool() mcp.Tool {
	return mcp.Tool{
		Name:        "search_code",
		Description: "Semantic search over the indexed repository. Returns ranked, line-anchored chunks.",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural language or keyword query",
				},
				"mode": map[string]interface{}{
					"type":        "string",
					"description": "Retrieval profile",
					"enum":        []string{"balanced", "discovery", "implementation", "planning", "debug"},
					"default":     "balanced",
				},
				"max_results": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results (1-100)",
					"default":     10,
					"minimum":     1,
					"maximum":     100,
				},
				"per_file": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum results from one file",
				},
				"path": map[string]interface{}{
					"type":        "string",
					"description": "Optional repository-relative path scope",
				},
				"snippet_mode": map[string]interface{}{
					"type":        "string",
					"description": "How much chunk text to include",
					"enum":        []string{"none", "short", "long", "full", "compact"},
					"default":     "short",
				},
				"rerank": map[string]interface{}{
					"type":        "boolean",
					"description": "Apply the reranker to the top candidates",
					"default":     false,
				},
				"include_anchors": map[string]interface{}{
					"type":        "boolean",
					"description": "Include definition anchor rows in results",
					"default":     false,
				},
			},
			Required: []string{"query"},
		},
	}
}

// syncIndexTool returns the tool definition for sync_index.
func syncIndexTool() mcp.Tool {
	return mcp.Tool{
		Name:        "sync_index",
		Description: "Trigger an immediate index sync against the working tree",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"allow_degraded": map[string]interface{}{
					"type":        "boolean",
					"description": "Publish even when some eligible files fail to index",
					"default":     false,
				},
			},
		},
	}
}

// getStatusTool returns the tool definition for get_status.
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Daemon status: active snapshot, lease state, admission counters, health",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
