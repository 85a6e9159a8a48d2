package domharvest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domharvest/engine/enginetest"
)

var testMCPImpl = &mcp.Implementation{Name: "domharvest-test", Version: "0.1.0"}

func mcpSession(t *testing.T, e *enginetest.Engine) (*mcp.ClientSession, *Harvester) {
	t.Helper()
	h, _ := newHarvester(t, e)
	srv := mcp.NewServer(testMCPImpl, nil)
	h.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session, h
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if result.IsError {
		t.Fatalf("CallTool(%s) tool error: %+v", name, result.Content)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func mcpToolError(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if !result.IsError {
		t.Fatalf("CallTool(%s): expected a tool error", name)
	}
	return result.Content[0].(*mcp.TextContent).Text
}

var extractArgs = map[string]any{
	"url":           "https://shop.test/list",
	"root_selector": ".item",
	// Raw JSON keeps the field order, which a map would not.
	"schema": json.RawMessage(`{
		"title": {"kind": "text", "selector": "h2"},
		"tags": {"kind": "array", "selector": ".tag", "item": {"kind": "text"}}
	}`),
}

func TestMCP_Tools(t *testing.T) {
	session, _ := mcpSession(t, newTestEngine())
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{
		"domharvest_extract": true, "domharvest_evaluate": true, "domharvest_batch": true,
		"domharvest_screenshot": true, "domharvest_sessions": true, "domharvest_journal": true,
	}
	for _, tool := range res.Tools {
		delete(want, tool.Name)
	}
	if len(want) != 0 {
		t.Errorf("missing tools: %v", want)
	}
}

func TestMCP_Extract(t *testing.T) {
	session, _ := mcpSession(t, newTestEngine())

	text := mcpCallTool(t, session, "domharvest_extract", extractArgs)
	want := `{"url":"https://shop.test/list","count":2,"records":[` +
		`{"title":"Alpha","tags":["x","y"]},{"title":"Beta","tags":["z"]}]}`
	if text != want {
		t.Errorf("extract:\n got %s\nwant %s", text, want)
	}
}

func TestMCP_ExtractErrors(t *testing.T) {
	session, _ := mcpSession(t, newTestEngine())

	msg := mcpToolError(t, session, "domharvest_extract", map[string]any{"url": "https://shop.test/list"})
	if !strings.Contains(msg, "root_selector") {
		t.Errorf("missing root selector: %q", msg)
	}

	args := map[string]any{}
	for k, v := range extractArgs {
		args[k] = v
	}
	args["url"] = "https://missing.test/"
	args["wait_until"] = "domcontentloaded"
	mcpToolError(t, session, "domharvest_extract", args)
}

func TestMCP_EvaluateAndScreenshot(t *testing.T) {
	e := newTestEngine()
	e.Scripts["document.title"] = func(doc *goquery.Selection, _ []any) (any, error) {
		return doc.Find("title").Text(), nil
	}
	session, _ := mcpSession(t, e)

	text := mcpCallTool(t, session, "domharvest_evaluate", map[string]any{
		"url": "https://shop.test/list",
		"js":  "() => document.title",
	})
	if text != `{"url":"https://shop.test/list","value":"Catalogue"}` {
		t.Errorf("evaluate: %s", text)
	}

	text = mcpCallTool(t, session, "domharvest_screenshot", map[string]any{"url": "https://shop.test/list"})
	var shot struct {
		Format string `json:"format"`
		Image  []byte `json:"image"`
	}
	if err := json.Unmarshal([]byte(text), &shot); err != nil {
		t.Fatal(err)
	}
	if shot.Format != "png" || len(shot.Image) < 8 || string(shot.Image[1:4]) != "PNG" {
		t.Errorf("screenshot: format %q, %d bytes", shot.Format, len(shot.Image))
	}
}

func TestMCP_Batch(t *testing.T) {
	session, _ := mcpSession(t, newTestEngine())
	missing := map[string]any{}
	for k, v := range extractArgs {
		missing[k] = v
	}
	missing["url"] = "https://shop.test/missing"

	text := mcpCallTool(t, session, "domharvest_batch", map[string]any{
		"jobs":        []any{extractArgs, missing},
		"concurrency": 2,
	})
	var resp struct {
		Total    int `json:"total"`
		Failed   int `json:"failed"`
		Outcomes []struct {
			Target    string `json:"target"`
			OK        bool   `json:"ok"`
			ErrorKind string `json:"error_kind"`
		} `json:"outcomes"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 || resp.Failed != 1 {
		t.Fatalf("batch: %s", text)
	}
	if !resp.Outcomes[0].OK || resp.Outcomes[1].OK || resp.Outcomes[1].ErrorKind != "NavigationFailure" {
		t.Errorf("outcomes: %+v", resp.Outcomes)
	}
}

func TestMCP_SessionsAndJournal(t *testing.T) {
	session, h := mcpSession(t, newTestEngine())

	text := mcpCallTool(t, session, "domharvest_sessions", map[string]any{
		"action": "save", "id": "acct", "url": "https://shop.test/list",
	})
	var saved struct {
		Location string `json:"location"`
	}
	json.Unmarshal([]byte(text), &saved)
	if saved.Location != filepath.Join(h.Sessions().Dir(), "acct.json") {
		t.Errorf("save: %s", text)
	}

	if text := mcpCallTool(t, session, "domharvest_sessions", map[string]any{"action": "list"}); text != `{"sessions":["acct"]}` {
		t.Errorf("list: %s", text)
	}

	text = mcpCallTool(t, session, "domharvest_sessions", map[string]any{"action": "export", "id": "acct", "path": "acct/cookies.json"})
	out := filepath.Join(h.Sessions().Dir(), "exports", "acct", "cookies.json")
	if _, err := os.Stat(out); err != nil {
		t.Errorf("export %s: %v", text, err)
	}

	if text := mcpCallTool(t, session, "domharvest_sessions", map[string]any{"action": "delete", "id": "acct"}); text != `{"deleted":true,"id":"acct"}` {
		t.Errorf("delete: %s", text)
	}
	mcpToolError(t, session, "domharvest_sessions", map[string]any{"action": "delete", "id": "../x"})

	text = mcpCallTool(t, session, "domharvest_journal", map[string]any{"op": "save_session"})
	var j struct {
		Events []struct {
			Type string `json:"type"`
			Op   string `json:"op"`
		} `json:"events"`
	}
	if err := json.Unmarshal([]byte(text), &j); err != nil {
		t.Fatal(err)
	}
	if len(j.Events) != 1 || j.Events[0].Type != "success" {
		t.Errorf("journal: %s", text)
	}
}
