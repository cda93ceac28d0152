// Package mcpbridge dials configured MCP servers and registers their
// tools as claimed in-process handlers. A bridged tool behaves like any
// other claimed tool: the router validates arguments, runs the proxy,
// and posts the mapped result. A broken server degrades its tools, not
// the runtime.
package mcpbridge

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/HyphaGroup/marionette/internal/config"
	"github.com/HyphaGroup/marionette/internal/logger"
	"github.com/HyphaGroup/marionette/internal/tools"
)

type namedSession struct {
	name    string
	session *mcp.ClientSession
}

// Bridge owns the client sessions to external MCP servers
type Bridge struct {
	sessions  []namedSession
	toolCount int
}

// Connect dials every configured server, discovers its tools, and
// registers proxies for them. An unreachable server is skipped with a
// warning so the event loop still comes up; its tools simply stay
// unclaimed. Duplicate tool names follow the registry's rules and fail
// startup.
func Connect(ctx context.Context, servers map[string]config.MCPServerConfig, reg *tools.Registry) (*Bridge, error) {
	b := &Bridge{}

	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		session, err := dial(ctx, name, servers[name])
		if err != nil {
			logger.Warn("mcpbridge: %s: dial failed, tools unavailable: %v", name, err)
			continue
		}
		n, err := b.register(ctx, name, session, reg)
		if err != nil {
			session.Close()
			b.Close()
			return nil, fmt.Errorf("mcpbridge: %s: %w", name, err)
		}
		b.sessions = append(b.sessions, namedSession{name: name, session: session})
		b.toolCount += n
		logger.Info("mcpbridge: %s: %d tools bridged", name, n)
	}
	return b, nil
}

// Tools reports how many remote tools were registered
func (b *Bridge) Tools() int {
	return b.toolCount
}

// Close shuts down every session
func (b *Bridge) Close() error {
	var firstErr error
	for _, s := range b.sessions {
		if err := s.session.Close(); err != nil {
			logger.Warn("mcpbridge: %s: closing session: %v", s.name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	b.sessions = nil
	return firstErr
}

func dial(ctx context.Context, name string, cfg config.MCPServerConfig) (*mcp.ClientSession, error) {
	transport, err := transportFor(cfg)
	if err != nil {
		return nil, err
	}
	client := mcp.NewClient(&mcp.Implementation{
		Name:    "marionette",
		Version: "1.0.0",
	}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", name, err)
	}
	return session, nil
}

func transportFor(cfg config.MCPServerConfig) (mcp.Transport, error) {
	switch {
	case cfg.Command != "":
		return &mcp.CommandTransport{Command: exec.Command(cfg.Command, cfg.Args...)}, nil
	case cfg.URL != "":
		return &mcp.StreamableClientTransport{Endpoint: cfg.URL}, nil
	default:
		return nil, fmt.Errorf("server needs a command or a url")
	}
}

// register lists the server's tools and claims each one in the registry
func (b *Bridge) register(ctx context.Context, server string, session *mcp.ClientSession, reg *tools.Registry) (int, error) {
	listed, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return 0, fmt.Errorf("listing tools: %w", err)
	}

	for _, t := range listed.Tools {
		schema, err := schemaFrom(t.InputSchema)
		if err != nil {
			logger.Warn("mcpbridge: %s: tool %s has an unusable schema, registering without validation: %v", server, t.Name, err)
			schema = nil
		}
		def := tools.ToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		}
		if err := reg.RegisterRaw(def, proxy(session, t.Name)); err != nil {
			return 0, err
		}
	}
	return len(listed.Tools), nil
}

// proxy builds the handler that forwards an invocation to the remote
// tool. Transport errors come back as error results so the caller sees
// what went wrong instead of an opaque fault.
func proxy(session *mcp.ClientSession, tool string) tools.HandlerFunc {
	return func(ctx context.Context, call *tools.Call) (tools.Outcome, error) {
		var args any
		if len(call.Arguments) > 0 {
			args = call.Arguments
		}
		res, err := session.CallTool(ctx, &mcp.CallToolParams{
			Name:      tool,
			Arguments: args,
		})
		if err != nil {
			logger.Error("mcpbridge: calling %s: %v", tool, err)
			return tools.Success(tools.ErrorResult("remote tool call failed: " + err.Error())), nil
		}
		return tools.Success(mapResult(res)), nil
	}
}

// mapResult converts SDK content parts into the multi-part result shape
// the router posts back
func mapResult(res *mcp.CallToolResult) tools.Result {
	out := tools.Result{IsError: res.IsError}
	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcp.TextContent:
			out.Parts = append(out.Parts, tools.Part{Type: "text", Content: v.Text})
		case *mcp.ImageContent:
			out.Parts = append(out.Parts, tools.Part{
				Type:    "image",
				Content: base64.StdEncoding.EncodeToString(v.Data),
			})
		default:
			data, err := json.Marshal(c)
			if err != nil {
				logger.Warn("mcpbridge: dropping unencodable %T content part", c)
				continue
			}
			out.Parts = append(out.Parts, tools.Part{Type: "json", Content: string(data)})
		}
	}
	return out
}

// schemaFrom round-trips the wire schema into a resolvable form. The
// SDK hands the client a decoded JSON object, not a schema value.
func schemaFrom(raw any) (*jsonschema.Schema, error) {
	switch s := raw.(type) {
	case nil:
		return nil, nil
	case *jsonschema.Schema:
		return s, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}
