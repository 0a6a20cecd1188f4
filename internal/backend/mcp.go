package backend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog/log"
)

// MCPClient invokes backend tools through an MCP streamable-HTTP session.
// The session is opened lazily on first use.
type MCPClient struct {
	endpoint string
	token    string
	version  string

	mu     sync.Mutex
	client *client.Client
}

func NewMCPClient(endpoint, token, version string) *MCPClient {
	return &MCPClient{endpoint: endpoint, token: token, version: version}
}

func (m *MCPClient) session(ctx context.Context) (*client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	var opts []transport.StreamableHTTPCOption
	if m.token != "" {
		opts = append(opts, transport.WithHTTPHeaders(map[string]string{
			"Authorization": "Bearer " + m.token,
		}))
	}
	c, err := client.NewStreamableHttpClient(m.endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "taskpilot", Version: m.version}
	info, err := c.Initialize(ctx, initReq)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}

	log.Info().
		Str("endpoint", m.endpoint).
		Str("server", info.ServerInfo.Name).
		Msg("MCP backend session initialized")
	m.client = c
	return c, nil
}

func (m *MCPClient) Invoke(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	c, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.CallTool(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}
	return resultFromText(textOf(res.Content), res.IsError), nil
}

func (m *MCPClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	c, err := m.session(ctx)
	if err != nil {
		return nil, err
	}
	res, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	out := make([]ToolInfo, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema := map[string]interface{}{"type": "object"}
		if t.InputSchema.Properties != nil {
			schema["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			schema["required"] = t.InputSchema.Required
		}
		out = append(out, ToolInfo{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out, nil
}

// Close ends the MCP session if one was opened.
func (m *MCPClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}

func textOf(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch tc := c.(type) {
		case mcp.TextContent:
			parts = append(parts, tc.Text)
		case *mcp.TextContent:
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
