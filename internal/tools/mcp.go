package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"

	"github.com/quantumclaw/quantumclaw/internal/config"
)

const (
	mcpHealthInterval  = 30 * time.Second
	mcpInitialBackoff  = 2 * time.Second
	mcpMaxBackoff      = 60 * time.Second
	mcpMaxReconnects   = 10
	mcpDefaultCallWait = 60 * time.Second
)

// MCPServerStatus reports one server connection.
type MCPServerStatus struct {
	Name      string `json:"name"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"tool_count"`
	Error     string `json:"error,omitempty"`
}

type mcpServer struct {
	name      string
	client    *mcpclient.Client
	connected atomic.Bool
	toolNames []string
	cancel    context.CancelFunc

	mu         sync.Mutex
	reconnects int
	lastErr    string
}

// MCPManager connects configured MCP servers and registers their tools
// with the shared registry under KindMCP.
type MCPManager struct {
	registry *Registry
	configs  map[string]*config.MCPServerConfig
	logger   *slog.Logger

	mu      sync.RWMutex
	servers map[string]*mcpServer
}

func NewMCPManager(registry *Registry, configs map[string]*config.MCPServerConfig, logger *slog.Logger) *MCPManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPManager{
		registry: registry,
		configs:  configs,
		logger:   logger,
		servers:  make(map[string]*mcpServer),
	}
}

// Start connects every enabled server. Failures are logged, not fatal:
// the runtime keeps its built-in tools either way.
func (m *MCPManager) Start(ctx context.Context) {
	for name, cfg := range m.configs {
		if cfg == nil || !cfg.Enabled {
			continue
		}
		if err := m.connect(ctx, name, cfg); err != nil {
			m.logger.Warn("mcp server connect failed", "server", name, "error", err)
		}
	}
}

func (m *MCPManager) connect(ctx context.Context, name string, cfg *config.MCPServerConfig) error {
	client, err := newMCPClient(cfg)
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	// SSE transports need an explicit Start; stdio auto-starts.
	if cfg.URL != "" {
		if err := client.Start(ctx); err != nil {
			_ = client.Close()
			return fmt.Errorf("start transport: %w", err)
		}
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{Name: "qclaw", Version: "1.0.0"}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	srv := &mcpServer{name: name, client: client}
	srv.connected.Store(true)

	for _, remote := range listed.Tools {
		t := m.bridgeTool(srv, remote)
		if _, exists := m.registry.Get(t.Name); exists {
			m.logger.Warn("mcp tool name collision, skipped", "server", name, "tool", t.Name)
			continue
		}
		m.registry.Register(t)
		srv.toolNames = append(srv.toolNames, t.Name)
	}

	hctx, hcancel := context.WithCancel(context.Background())
	srv.cancel = hcancel
	go m.healthLoop(hctx, srv)

	m.mu.Lock()
	m.servers[name] = srv
	m.mu.Unlock()

	m.logger.Info("mcp server connected", "server", name, "tools", len(srv.toolNames))
	return nil
}

func newMCPClient(cfg *config.MCPServerConfig) (*mcpclient.Client, error) {
	switch {
	case cfg.Command != "":
		return mcpclient.NewStdioMCPClient(cfg.Command, nil, cfg.Args...)
	case cfg.URL != "":
		return mcpclient.NewSSEMCPClient(cfg.URL)
	default:
		return nil, fmt.Errorf("server needs either a command or a url")
	}
}

// bridgeTool wraps a remote MCP tool as a registry tool. The name is
// prefixed with the server name so two servers never collide.
func (m *MCPManager) bridgeTool(srv *mcpServer, remote mcpgo.Tool) *Tool {
	name := srv.name + "_" + remote.Name
	var schema map[string]interface{}
	if remote.InputSchema.Type != "" {
		schema = map[string]interface{}{
			"type":       remote.InputSchema.Type,
			"properties": remote.InputSchema.Properties,
		}
		if len(remote.InputSchema.Required) > 0 {
			req := make([]interface{}, len(remote.InputSchema.Required))
			for i, r := range remote.InputSchema.Required {
				req[i] = r
			}
			schema["required"] = req
		}
	}

	return &Tool{
		Name:        name,
		Description: remote.Description,
		Kind:        KindMCP,
		Schema:      schema,
		Timeout:     mcpDefaultCallWait,
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			if !srv.connected.Load() {
				return ErrorResult(fmt.Sprintf("mcp server %s is offline", srv.name))
			}
			req := mcpgo.CallToolRequest{}
			req.Params.Name = remote.Name
			req.Params.Arguments = args
			res, err := srv.client.CallTool(ctx, req)
			if err != nil {
				return ErrorResult(fmt.Sprintf("mcp call failed: %v", err))
			}
			text := renderMCPContent(res)
			if res.IsError {
				return ErrorResult(text)
			}
			return NewResult(text)
		},
	}
}

func renderMCPContent(res *mcpgo.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	if len(parts) == 0 {
		return "(no text content)"
	}
	return strings.Join(parts, "\n")
}

func (m *MCPManager) healthLoop(ctx context.Context, srv *mcpServer) {
	ticker := time.NewTicker(mcpHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := srv.client.Ping(ctx)
			if err == nil {
				srv.connected.Store(true)
				srv.mu.Lock()
				srv.reconnects = 0
				srv.lastErr = ""
				srv.mu.Unlock()
				continue
			}
			// Servers without a ping method are still alive.
			if strings.Contains(strings.ToLower(err.Error()), "method not found") {
				srv.connected.Store(true)
				continue
			}
			srv.connected.Store(false)
			srv.mu.Lock()
			srv.lastErr = err.Error()
			srv.mu.Unlock()
			m.logger.Warn("mcp server health check failed", "server", srv.name, "error", err)
			m.tryReconnect(ctx, srv)
		}
	}
}

func (m *MCPManager) tryReconnect(ctx context.Context, srv *mcpServer) {
	srv.mu.Lock()
	if srv.reconnects >= mcpMaxReconnects {
		srv.lastErr = fmt.Sprintf("gave up after %d reconnect attempts", mcpMaxReconnects)
		srv.mu.Unlock()
		m.logger.Error("mcp server reconnect exhausted, removing its tools", "server", srv.name)
		m.dropServer(srv.name)
		return
	}
	srv.reconnects++
	attempt := srv.reconnects
	srv.mu.Unlock()

	backoff := mcpInitialBackoff * time.Duration(1<<(attempt-1))
	if backoff > mcpMaxBackoff {
		backoff = mcpMaxBackoff
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(backoff):
	}

	if err := srv.client.Ping(ctx); err == nil {
		srv.connected.Store(true)
		srv.mu.Lock()
		srv.reconnects = 0
		srv.lastErr = ""
		srv.mu.Unlock()
		m.logger.Info("mcp server reconnected", "server", srv.name)
	}
}

// dropServer closes a dead server and unregisters its tools.
func (m *MCPManager) dropServer(name string) {
	m.mu.Lock()
	srv, ok := m.servers[name]
	if ok {
		delete(m.servers, name)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	if srv.cancel != nil {
		srv.cancel()
	}
	_ = srv.client.Close()
	owned := make(map[string]bool, len(srv.toolNames))
	for _, n := range srv.toolNames {
		owned[n] = true
	}
	m.registry.UnregisterKind(KindMCP, func(n string) bool { return owned[n] })
}

// Stop disconnects every server and removes their tools.
func (m *MCPManager) Stop() {
	m.mu.Lock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	m.mu.Unlock()
	for _, name := range names {
		m.dropServer(name)
	}
}

// Status reports every known server.
func (m *MCPManager) Status() []MCPServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MCPServerStatus, 0, len(m.servers))
	for _, srv := range m.servers {
		srv.mu.Lock()
		lastErr := srv.lastErr
		srv.mu.Unlock()
		out = append(out, MCPServerStatus{
			Name:      srv.name,
			Connected: srv.connected.Load(),
			ToolCount: len(srv.toolNames),
			Error:     lastErr,
		})
	}
	return out
}
