package mcp

import (
	"context"
	"fmt"
	"regexp"

	"github.com/nidhogg/agentflow/internal/tools"
)

var unsafeName = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// ToolName is the registry name of a server tool: "<server>_<tool>" reduced
// to the characters function-calling APIs accept.
func ToolName(server, tool string) string {
	return unsafeName.ReplaceAllString(server+"_"+tool, "_")
}

// Register adds every tool of c to reg and returns the registered names.
// Remote results are never cached.
func Register(reg *tools.Registry, c *Client) ([]string, error) {
	var names []string
	for _, info := range c.Tools() {
		remote := info.Name
		name := ToolName(c.Name(), remote)
		err := reg.Register(tools.Tool{
			Name:        name,
			Description: fmt.Sprintf("[%s] %s", c.Name(), info.Description),
			Schema:      info.InputSchema,
			NoCache:     true,
			Handler: func(ctx context.Context, params map[string]any) (any, error) {
				return c.CallTool(ctx, remote, params)
			},
		})
		if err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, nil
}
