// Package mcpexec executes tool plans against MCP servers.
package mcpexec

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"stageflow/pkg/config"
	"stageflow/pkg/logx"
	"stageflow/pkg/providers/llmprov"
)

// ClientName identifies this program to MCP servers.
const ClientName = "stageflow"

type server struct {
	session     *mcp.ClientSession
	description string
	tools       []llmprov.ToolInfo // Cached after the first listing
}

// Catalog holds one client session per named MCP server.
type Catalog struct {
	mu      sync.Mutex
	client  *mcp.Client
	servers map[string]*server
	logger  *logx.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(version string) *Catalog {
	return &Catalog{
		client:  mcp.NewClient(&mcp.Implementation{Name: ClientName, Version: version}, nil),
		servers: make(map[string]*server),
		logger:  logx.NewLogger("mcp"),
	}
}

// Connect opens a session over t and registers it under name.
func (c *Catalog) Connect(ctx context.Context, name, description string, t mcp.Transport) error {
	c.mu.Lock()
	_, exists := c.servers[name]
	c.mu.Unlock()
	if exists {
		return fmt.Errorf("mcp server %s already connected", name)
	}

	session, err := c.client.Connect(ctx, t, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to mcp server %s: %w", name, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.servers[name] = &server{session: session, description: description}
	c.logger.Info("connected to mcp server %s", name)
	return nil
}

// ConnectConfig launches every configured server as a subprocess speaking
// MCP over stdio. Servers that fail to start are reported together.
func (c *Catalog) ConnectConfig(ctx context.Context, cfg *config.MCPConfig) error {
	var errs []error
	for i := range cfg.Servers {
		sc := &cfg.Servers[i]
		cmd := exec.Command(sc.Command, sc.Args...) //nolint:gosec // commands come from the operator's config
		cmd.Env = os.Environ()
		for k, v := range sc.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		if err := c.Connect(ctx, sc.Name, sc.Description, &mcp.CommandTransport{Command: cmd}); err != nil {
			c.logger.Error("mcp server %s unavailable: %v", sc.Name, err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Servers returns the connected server names, sorted.
func (c *Catalog) Servers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) session(name string) (*mcp.ClientSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.servers[name]
	if !ok {
		return nil, false
	}
	return s.session, true
}

// Inventory lists the tools of every server. Listings are cached per server.
func (c *Catalog) Inventory(ctx context.Context) (map[string][]llmprov.ToolInfo, error) {
	out := make(map[string][]llmprov.ToolInfo)
	for _, name := range c.Servers() {
		tools, err := c.tools(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = tools
	}
	return out, nil
}

func (c *Catalog) tools(ctx context.Context, name string) ([]llmprov.ToolInfo, error) {
	c.mu.Lock()
	s := c.servers[name]
	cached := s.tools
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	res, err := s.session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools of %s: %w", name, err)
	}
	tools := make([]llmprov.ToolInfo, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, llmprov.ToolInfo{Name: t.Name, Description: t.Description})
	}

	c.mu.Lock()
	s.tools = tools
	c.mu.Unlock()
	return tools, nil
}

// Close ends every session.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for name, s := range c.servers {
		if err := s.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", name, err))
		}
		delete(c.servers, name)
	}
	return errors.Join(errs...)
}
