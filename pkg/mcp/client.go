// Package mcp talks to the MCP server embedded in the device firmware.
// JSON-RPC messages travel inside {"type":"mcp","payload":...} envelopes on
// the session's WebSocket; the device exposes its hardware controls
// (volume, screen, speaker) as MCP tools we merge into the LLM tool set.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/code-100-precent/EchoCore/pkg/logger"
	"github.com/code-100-precent/EchoCore/pkg/providers"
)

const callTimeout = 30 * time.Second

// DeviceToolPrefix namespaces device tools in the session registry so a
// device cannot shadow a built-in tool by reusing its name.
const DeviceToolPrefix = "mcp_"

// SendFunc delivers a JSON-RPC payload to the device inside an mcp
// envelope.
type SendFunc func(payload json.RawMessage) error

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      *int64      `json:"id,omitempty"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcIncoming struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client is one session's view of the device MCP server.
type Client struct {
	sessionID string
	send      SendFunc

	mu      sync.Mutex
	nextID  int64
	pending map[int64]chan *rpcIncoming
	tools   []mcp.Tool
	ready   bool
}

// NewClient creates an idle client; Start begins the handshake.
func NewClient(sessionID string, send SendFunc) *Client {
	return &Client{
		sessionID: sessionID,
		send:      send,
		pending:   make(map[int64]chan *rpcIncoming),
	}
}

// Ready reports whether the handshake and tool discovery completed.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Start runs initialize and tools/list against the device. Run it as a
// lifecycle task; it returns once discovery finishes or fails.
func (c *Client) Start(ctx context.Context) error {
	initResult, err := c.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]interface{}{},
		"clientInfo": map[string]interface{}{
			"name":    "echocore",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return fmt.Errorf("mcp initialize: %w", err)
	}
	_ = initResult

	if err := c.notify("notifications/initialized", nil); err != nil {
		return fmt.Errorf("mcp initialized notification: %w", err)
	}

	var all []mcp.Tool
	cursor := ""
	for {
		params := map[string]interface{}{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return fmt.Errorf("mcp tools/list: %w", err)
		}
		var page mcp.ListToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return fmt.Errorf("decode tools/list result: %w", err)
		}
		all = append(all, page.Tools...)
		cursor = string(page.NextCursor)
		if cursor == "" {
			break
		}
	}

	c.mu.Lock()
	c.tools = all
	c.ready = true
	c.mu.Unlock()

	logger.Info("device mcp tools discovered",
		zap.String("session", c.sessionID),
		zap.Int("count", len(all)))
	return nil
}

// HandleMessage processes a payload the device sent inside an mcp
// envelope: responses are matched to pending calls, requests from the
// device are ignored (the device is the server here).
func (c *Client) HandleMessage(payload json.RawMessage) {
	var msg rpcIncoming
	if err := json.Unmarshal(payload, &msg); err != nil {
		logger.Warn("malformed mcp payload",
			zap.String("session", c.sessionID), zap.Error(err))
		return
	}
	if msg.ID == nil {
		// Notification from the device; nothing to correlate.
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	if ok {
		delete(c.pending, *msg.ID)
	}
	c.mu.Unlock()
	if !ok {
		logger.Debug("mcp response with no pending call",
			zap.String("session", c.sessionID),
			zap.Int64("id", *msg.ID))
		return
	}
	ch <- &msg
}

func (c *Client) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan *rpcIncoming, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: &id, Method: method, Params: params})
	if err != nil {
		return nil, err
	}
	if err := c.send(payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case msg := <-ch:
		if msg.Error != nil {
			return nil, fmt.Errorf("mcp error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		return msg.Result, nil
	}
}

func (c *Client) notify(method string, params interface{}) error {
	payload, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}
	return c.send(payload)
}

// CallTool invokes a device tool and returns its text content. The name
// may carry the registry prefix; the device sees its own bare name.
func (c *Client) CallTool(ctx context.Context, name, arguments string) (string, error) {
	name = strings.TrimPrefix(name, DeviceToolPrefix)
	var args interface{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("tool arguments are not valid JSON: %w", err)
		}
	}
	raw, err := c.call(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", err
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return "", fmt.Errorf("decode tools/call result: %w", err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		if text, ok := content.(mcp.TextContent); ok {
			sb.WriteString(text.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("device tool %s failed: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Specs converts the discovered device tools to the provider-neutral
// shape, prefixed so they cannot shadow built-in tools.
func (c *Client) Specs() []providers.ToolSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]providers.ToolSpec, 0, len(c.tools))
	for _, t := range c.tools {
		params := map[string]interface{}{
			"type": t.InputSchema.Type,
		}
		if t.InputSchema.Properties != nil {
			params["properties"] = t.InputSchema.Properties
		}
		if len(t.InputSchema.Required) > 0 {
			params["required"] = t.InputSchema.Required
		}
		out = append(out, providers.ToolSpec{
			Name:        DeviceToolPrefix + t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}
	return out
}
