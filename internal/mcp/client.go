// Package mcp connects to Model Context Protocol servers over the SSE
// transport and exposes their tools through the tool registry.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

const clientVersion = "1.0"

// ErrNotConnected is returned by calls made before Connect succeeds or
// after Close.
var ErrNotConnected = errors.New("mcp: not connected")

// ToolInfo describes a tool exposed by an MCP server.
type ToolInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Client talks to one MCP server.
type Client struct {
	name   string
	sseURL string
	logger *zap.Logger

	mu    sync.RWMutex
	conn  *client.Client
	tools []ToolInfo
}

// NewClient creates a client for the server's SSE endpoint. Nothing is
// dialled until Connect.
func NewClient(name, sseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{name: name, sseURL: sseURL, logger: logger}
}

// Name returns the server name.
func (c *Client) Name() string { return c.name }

// Tools returns the tools discovered on Connect.
func (c *Client) Tools() []ToolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ToolInfo(nil), c.tools...)
}

// Connect opens the event stream, performs the initialize handshake and
// lists the server's tools.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := client.NewSSEMCPClient(c.sseURL)
	if err != nil {
		return fmt.Errorf("mcp %s: %w", c.name, err)
	}
	if err := conn.Start(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("mcp %s connect: %w", c.name, err)
	}

	var init mcp.InitializeRequest
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "agentflow", Version: clientVersion}
	if _, err := conn.Initialize(ctx, init); err != nil {
		conn.Close()
		return fmt.Errorf("mcp %s initialize: %w", c.name, err)
	}

	listed, err := conn.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("mcp %s list tools: %w", c.name, err)
	}
	infos := make([]ToolInfo, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		info, err := toolInfo(t)
		if err != nil {
			conn.Close()
			return fmt.Errorf("mcp %s tool %s: %w", c.name, t.Name, err)
		}
		infos = append(infos, info)
	}

	c.mu.Lock()
	c.conn, c.tools = conn, infos
	c.mu.Unlock()
	c.logger.Info("mcp server connected",
		zap.String("name", c.name), zap.String("url", c.sseURL), zap.Int("tools", len(infos)))
	return nil
}

// toolInfo reads the input schema through the tool's wire form, which
// covers both structured and raw schemas.
func toolInfo(t mcp.Tool) (ToolInfo, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return ToolInfo{}, err
	}
	var wire struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return ToolInfo{}, err
	}
	return ToolInfo{Name: t.Name, Description: t.Description, InputSchema: wire.InputSchema}, nil
}

func (c *Client) session() (*client.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}

// CallTool invokes a tool and returns its text content. A result flagged
// isError is returned as an error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	conn, err := c.session()
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := conn.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", name, err)
	}
	text := textOf(res)
	if res.IsError {
		return "", fmt.Errorf("mcp tool %s failed: %s", name, text)
	}
	return text, nil
}

func textOf(res *mcp.CallToolResult) string {
	var texts []string
	for _, part := range res.Content {
		switch v := part.(type) {
		case mcp.TextContent:
			texts = append(texts, v.Text)
		case *mcp.TextContent:
			texts = append(texts, v.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Close stops the event stream. Later calls fail with ErrNotConnected.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
