package domharvest

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domharvest/internal/kit"
)

// RegisterMCP registers the domharvest tools on an MCP server.
func (h *Harvester) RegisterMCP(srv *mcp.Server) {
	eps := h.endpoints()
	nav := navProperties()

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name: "domharvest_extract",
		Description: "Render a page and extract one record per element matching root_selector. " +
			"schema maps output keys to fields {kind: text|attr|html|exists|count|array|callback, selector, ...}; " +
			"a mapping without kind is a nested object.",
		InputSchema: inputSchema(with(nav, map[string]any{
			"root_selector": map[string]any{"type": "string", "description": "CSS selector of the record roots"},
			"schema":        map[string]any{"type": "object", "description": "Extraction schema"},
		}), []string{"url", "root_selector", "schema"}),
	}, eps.extract, kit.DecodeJSON[extractReq])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "domharvest_evaluate",
		Description: "Render a page and return the JSON result of a JavaScript function, e.g. \"() => document.title\".",
		InputSchema: inputSchema(with(nav, map[string]any{
			"js":   map[string]any{"type": "string", "description": "Function source"},
			"args": map[string]any{"type": "array", "description": "Arguments passed to the function"},
		}), []string{"url", "js"}),
	}, eps.evaluate, kit.DecodeJSON[evaluateReq])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "domharvest_batch",
		Description: "Run several extractions with bounded concurrency. Individual failures are reported per job.",
		InputSchema: inputSchema(map[string]any{
			"jobs": map[string]any{
				"type":        "array",
				"description": "Extraction jobs, same arguments as domharvest_extract",
				"items":       map[string]any{"type": "object"},
			},
			"concurrency": map[string]any{"type": "integer", "description": "Jobs run at once (default from config)"},
		}, []string{"jobs"}),
	}, eps.batch, kit.DecodeJSON[batchReq])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "domharvest_screenshot",
		Description: "Render a page and capture it as a base64 PNG or JPEG.",
		InputSchema: inputSchema(with(nav, map[string]any{
			"full_page": map[string]any{"type": "boolean", "description": "Capture beyond the viewport"},
			"selector":  map[string]any{"type": "string", "description": "Capture only this element"},
			"format":    map[string]any{"type": "string", "description": "png (default) or jpeg"},
			"quality":   map[string]any{"type": "integer", "description": "JPEG quality"},
		}), []string{"url"}),
	}, eps.screenshot, kit.DecodeJSON[screenshotReq])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "domharvest_sessions",
		Description: "Manage saved browser sessions: list, save (render url and snapshot cookies and storage), delete, export (cookies to a JSON file).",
		InputSchema: inputSchema(with(nav, map[string]any{
			"action": map[string]any{"type": "string", "description": "list | save | delete | export"},
			"id":     map[string]any{"type": "string", "description": "Session id"},
			"path":   map[string]any{"type": "string", "description": "Export file name, relative to sessions.export_dir"},
		}), []string{"action"}),
	}, eps.sessions, kit.DecodeJSON[sessionsReq])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "domharvest_journal",
		Description: "List recent execution events (successes, retries, failures), newest first.",
		InputSchema: inputSchema(map[string]any{
			"target":        map[string]any{"type": "string", "description": "Only this URL"},
			"op":            map[string]any{"type": "string", "description": "Only this operation"},
			"failures_only": map[string]any{"type": "boolean"},
			"since_ms":      map[string]any{"type": "integer", "description": "Unix milliseconds"},
			"limit":         map[string]any{"type": "integer", "description": "Default 50"},
		}, nil),
	}, eps.journal, kit.DecodeJSON[journalReq])
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

func navProperties() map[string]any {
	return map[string]any{
		"url":             map[string]any{"type": "string", "description": "Page to render"},
		"wait_until":      map[string]any{"type": "string", "description": "load | domcontentloaded | networkidle"},
		"timeout_ms":      map[string]any{"type": "integer", "description": "Navigation timeout"},
		"wait_for":        map[string]any{"type": "string", "description": "Selector awaited before use"},
		"wait_state":      map[string]any{"type": "string", "description": "attached | visible | hidden | detached"},
		"wait_timeout_ms": map[string]any{"type": "integer"},
		"session_id":      map[string]any{"type": "string", "description": "Saved session to restore"},
		"user_agent":      map[string]any{"type": "string"},
		"headers":         map[string]any{"type": "object", "description": "Extra request headers"},
	}
}

func with(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
