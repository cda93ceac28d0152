package mcpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/marionette/internal/config"
	"github.com/HyphaGroup/marionette/internal/tools"
)

// startServer runs an in-memory MCP server carrying the registered
// tools and returns a connected client session.
func startServer(t *testing.T, register func(*mcp.Server)) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()

	server := mcp.NewServer(&mcp.Implementation{
		Name:    "bridge-test",
		Version: "0.0.1",
	}, &mcp.ServerOptions{HasTools: true})
	register(server)

	st, ct := mcp.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, st, nil)
	if err != nil {
		t.Fatalf("server.Connect() error = %v", err)
	}
	t.Cleanup(func() { serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "marionette", Version: "0.0.1"}, nil)
	session, err := client.Connect(ctx, ct, nil)
	if err != nil {
		t.Fatalf("client.Connect() error = %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func addEchoTool(s *mcp.Server) {
	s.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "Echoes the message back",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"message": map[string]any{"type": "string"},
			},
			"required": []any{"message"},
		},
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in struct {
			Message string `json:"message"`
		}
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				return nil, err
			}
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + in.Message}},
		}, nil
	})
}

func TestRegisterAndProxy(t *testing.T) {
	session := startServer(t, addEchoTool)

	reg := tools.NewRegistry()
	b := &Bridge{}
	n, err := b.register(context.Background(), "test", session, reg)
	if err != nil {
		t.Fatalf("register() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("register() = %d tools, want 1", n)
	}
	if !reg.Claimed("echo") {
		t.Fatal("echo not claimed after register")
	}
	def, ok := reg.GetTool("echo")
	if !ok || def.Description != "Echoes the message back" {
		t.Errorf("tool def = %+v", def)
	}
	if def.InputSchema == nil {
		t.Error("input schema not carried over")
	}

	h := proxy(session, "echo")
	out, err := h(context.Background(), &tools.Call{
		InvocationID: "inv-1",
		Tool:         "echo",
		Arguments:    json.RawMessage(`{"message":"hi"}`),
	})
	if err != nil {
		t.Fatalf("proxy handler error = %v", err)
	}
	if out.Kind != tools.OutcomeSuccess {
		t.Fatalf("outcome kind = %v, want success", out.Kind)
	}
	if got := out.Result.Text(); got != "echo: hi" {
		t.Errorf("result text = %q, want %q", got, "echo: hi")
	}
	if out.Result.IsError {
		t.Error("IsError set on a successful call")
	}
}

func TestProxy_RemoteErrorResult(t *testing.T) {
	session := startServer(t, func(s *mcp.Server) {
		s.AddTool(&mcp.Tool{
			Name:        "broken",
			Description: "Always fails",
			InputSchema: map[string]any{"type": "object"},
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				IsError: true,
				Content: []mcp.Content{&mcp.TextContent{Text: "boom"}},
			}, nil
		})
	})

	h := proxy(session, "broken")
	out, err := h(context.Background(), &tools.Call{InvocationID: "inv-2", Tool: "broken"})
	if err != nil {
		t.Fatalf("proxy handler error = %v", err)
	}
	if !out.Result.IsError {
		t.Error("IsError not carried through")
	}
	if got := out.Result.Text(); got != "boom" {
		t.Errorf("result text = %q, want boom", got)
	}
}

func TestRegister_DuplicateTool(t *testing.T) {
	session := startServer(t, addEchoTool)

	reg := tools.NewRegistry()
	b := &Bridge{}
	if _, err := b.register(context.Background(), "a", session, reg); err != nil {
		t.Fatalf("first register() error = %v", err)
	}
	_, err := b.register(context.Background(), "b", session, reg)
	if !errors.Is(err, tools.ErrDuplicateTool) {
		t.Errorf("second register() error = %v, want ErrDuplicateTool", err)
	}
}

func TestTransportFor(t *testing.T) {
	tr, err := transportFor(config.MCPServerConfig{Command: "mcp-server", Args: []string{"--stdio"}})
	if err != nil {
		t.Fatalf("transportFor(command) error = %v", err)
	}
	if _, ok := tr.(*mcp.CommandTransport); !ok {
		t.Errorf("transport = %T, want *mcp.CommandTransport", tr)
	}

	tr, err = transportFor(config.MCPServerConfig{URL: "http://localhost:9000/mcp"})
	if err != nil {
		t.Fatalf("transportFor(url) error = %v", err)
	}
	if _, ok := tr.(*mcp.StreamableClientTransport); !ok {
		t.Errorf("transport = %T, want *mcp.StreamableClientTransport", tr)
	}

	if _, err := transportFor(config.MCPServerConfig{}); err == nil {
		t.Error("transportFor(empty) error = nil, want error")
	}
}

func TestSchemaFrom(t *testing.T) {
	s, err := schemaFrom(nil)
	if err != nil || s != nil {
		t.Errorf("schemaFrom(nil) = %v, %v, want nil, nil", s, err)
	}

	s, err = schemaFrom(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
	})
	if err != nil {
		t.Fatalf("schemaFrom(map) error = %v", err)
	}
	if s == nil || s.Type != "object" {
		t.Errorf("schema = %+v, want object type", s)
	}
}

func TestMapResult(t *testing.T) {
	res := mapResult(&mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: "first"},
			&mcp.ImageContent{Data: []byte{1, 2, 3}, MIMEType: "image/png"},
			&mcp.TextContent{Text: "second"},
		},
	})

	if len(res.Parts) != 3 {
		t.Fatalf("parts = %d, want 3", len(res.Parts))
	}
	if res.Parts[0].Type != "text" || res.Parts[0].Content != "first" {
		t.Errorf("part 0 = %+v", res.Parts[0])
	}
	if res.Parts[1].Type != "image" || res.Parts[1].Content != "AQID" {
		t.Errorf("part 1 = %+v, want base64 image", res.Parts[1])
	}
	if got := res.Text(); got != "first\nsecond" {
		t.Errorf("Text() = %q, want text parts joined", got)
	}
}
