package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ── JSON-RPC 2.0 wire types ─────────────────────────────────

type rpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      string      `json:"id"`
}

type rpcResponse struct {
	Jsonrpc string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      interface{}     `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

type toolContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type toolCallResult struct {
	Content []toolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

// GatewayClient invokes backend tools with JSON-RPC 2.0 tools/call requests
// over plain HTTP.
type GatewayClient struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewGatewayClient creates a client for endpoint. token, when set, is sent
// as a bearer token.
func NewGatewayClient(endpoint, token string) *GatewayClient {
	return &GatewayClient{
		endpoint: endpoint,
		token:    token,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Invoke calls one tool. A tool-level failure is a Result with Success
// false; transport and protocol failures are errors.
func (gw *GatewayClient) Invoke(ctx context.Context, name string, args map[string]interface{}) (*Result, error) {
	if args == nil {
		args = map[string]interface{}{}
	}
	raw, err := gw.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", name, err)
	}

	var tr toolCallResult
	if err := json.Unmarshal(raw, &tr); err != nil || tr.Content == nil {
		// Not an MCP-shaped result; treat the raw payload as the data.
		return resultFromText(string(raw), false), nil
	}
	var texts []string
	for _, c := range tr.Content {
		if c.Type == "text" {
			texts = append(texts, c.Text)
		}
	}
	return resultFromText(strings.Join(texts, "\n"), tr.IsError), nil
}

// ListTools returns the tools advertised by the backend.
func (gw *GatewayClient) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := gw.call(ctx, "tools/list", map[string]interface{}{})
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	var out struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	return out.Tools, nil
}

func (gw *GatewayClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		Method:  method,
		Params:  params,
		ID:      uuid.New().String(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, gw.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if gw.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+gw.token)
	}

	start := time.Now()
	resp, err := gw.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	log.Debug().
		Str("method", method).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("Backend call")

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("backend returned HTTP %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}
