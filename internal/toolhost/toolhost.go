// Package toolhost connects Parlance to MCP tool servers and exposes their
// tools to the dispatcher.
//
// It speaks to external servers via stdio or streamable-HTTP transports using
// the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk) and keeps a
// concurrent-safe registry of every discovered tool. In-process Go functions
// can be registered alongside external servers via [Host.RegisterBuiltin].
//
// Typical usage:
//
//	h := toolhost.New()
//
//	// Register an external MCP server.
//	err := h.RegisterServer(ctx, config.ToolServer{
//	    Name:      "weather",
//	    Transport: config.TransportStdio,
//	    Command:   "/usr/local/bin/mcp-weather-server",
//	})
//
//	// Or register a built-in Go function.
//	h.RegisterBuiltin(toolhost.BuiltinTool{
//	    Definition: llm.ToolDefinition{Name: "roll_d20", ...},
//	    Handler:    rollD20,
//	})
//
//	// Execute a tool.
//	content, isError, err := h.Execute(ctx, "roll_d20", "{}")
//
//	// Shut down when done.
//	h.Close()
package toolhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/parlance-ai/parlance/internal/config"
	"github.com/parlance-ai/parlance/internal/engine/dispatch"
	"github.com/parlance-ai/parlance/pkg/provider/llm"
)

// BuiltinTool is an in-process tool backed by a plain Go function.
type BuiltinTool struct {
	// Definition describes the tool to the model. Name must be unique
	// across the host.
	Definition llm.ToolDefinition

	// Handler receives the raw JSON arguments produced by the model and
	// returns the tool output. A returned error surfaces to the model as
	// an application-level tool error, not a host failure.
	Handler func(ctx context.Context, args string) (string, error)
}

// toolEntry holds the registry record for a single tool.
type toolEntry struct {
	def    llm.ToolDefinition
	server string // name of the owning MCP server; empty for builtins

	// builtin is non-nil for tools registered via RegisterBuiltin.
	builtin func(ctx context.Context, args string) (string, error)
}

// Host manages connections to MCP tool servers and routes tool calls to the
// server (or builtin function) that owns them.
//
// The zero value is not usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry             // key: tool name
	servers map[string]*mcpsdk.ClientSession // key: server name

	// client is reused across all server connections. The SDK allows a
	// single Client to manage multiple sessions concurrently.
	client *mcpsdk.Client

	log *slog.Logger
}

var _ dispatch.ToolHost = (*Host)(nil)

// Option configures a Host.
type Option func(*Host)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(h *Host) { h.log = log }
}

// New creates and returns a ready-to-use Host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "parlance", Version: "1.0.0"},
			nil,
		),
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. If a server with the same name is already registered, the
// old connection is closed and replaced.
//
// For stdio transport cfg.Command is split on whitespace into executable and
// arguments, and cfg.Env is appended to the inherited environment. For
// streamable-http transport cfg.URL is the endpoint address and cfg.Token, if
// set, is sent as a Bearer token on every request.
func (h *Host) RegisterServer(ctx context.Context, cfg config.ToolServer) error {
	if cfg.Name == "" {
		return fmt.Errorf("toolhost: server config must have a non-empty name")
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("toolhost: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		return err
	}
	return h.connect(ctx, cfg.Name, transport)
}

// buildTransport constructs the SDK transport for a server config.
func buildTransport(ctx context.Context, cfg config.ToolServer) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case config.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("toolhost: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case config.TransportStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("toolhost: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.Token != "" {
			transport.HTTPClient = &http.Client{
				Transport: &bearerTransport{base: http.DefaultTransport, token: cfg.Token},
			}
		}
		return transport, nil
	}
	return nil, fmt.Errorf("toolhost: unknown transport %q for server %q", cfg.Transport, cfg.Name)
}

// connect establishes a session over transport and imports the server's tools.
func (h *Host) connect(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolhost: connect to server %q: %w", name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolhost: list tools for server %q: %w", name, err)
		}
		discovered = append(discovered, *tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// Replace an existing connection under the same name.
	if old, ok := h.servers[name]; ok {
		_ = old.Close()
		for tool, entry := range h.tools {
			if entry.server == name {
				delete(h.tools, tool)
			}
		}
	}
	h.servers[name] = session

	for _, tool := range discovered {
		if tool.Name == "" {
			continue
		}
		if prev, ok := h.tools[tool.Name]; ok && prev.server != name {
			h.log.Warn("tool name collision, replacing",
				"tool", tool.Name, "previous_server", prev.server, "server", name)
		}
		h.tools[tool.Name] = toolEntry{
			def:    toolDefinition(tool),
			server: name,
		}
	}

	h.log.Info("tool server registered", "server", name, "tools", len(discovered))
	return nil
}

// RegisterBuiltin adds an in-process tool to the registry. Registering a
// builtin with the name of an existing tool replaces it.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return fmt.Errorf("toolhost: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("toolhost: builtin tool %q must have a handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:     tool.Definition,
		builtin: tool.Handler,
	}
	return nil
}

// Tools returns the definitions of every registered tool, sorted by name.
func (h *Host) Tools(_ context.Context) []llm.ToolDefinition {
	h.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(h.tools))
	for _, entry := range h.tools {
		defs = append(defs, entry.def)
	}
	h.mu.RUnlock()

	slices.SortFunc(defs, func(a, b llm.ToolDefinition) int {
		return strings.Compare(a.Name, b.Name)
	})
	return defs
}

// Has reports whether the host can execute the named tool itself.
func (h *Host) Has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.tools[name]
	return ok
}

// Execute calls the named tool with JSON-encoded arguments and returns its
// output. isError reports an application-level tool failure; a non-nil error
// means the host or transport itself failed.
//
// arguments must be a JSON object string. Empty string and "{}" are both
// valid for parameter-less tools.
func (h *Host) Execute(ctx context.Context, name, arguments string) (content string, isError bool, err error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()

	if !ok {
		return "", false, fmt.Errorf("toolhost: tool %q not registered", name)
	}

	start := time.Now()
	if entry.builtin != nil {
		content, isError = h.executeBuiltin(ctx, entry, arguments)
	} else {
		content, isError, err = h.executeRemote(ctx, entry, arguments)
	}
	if err != nil {
		return "", false, err
	}

	h.log.Debug("tool executed",
		"tool", name, "server", entry.server,
		"duration", time.Since(start), "is_error", isError)
	return content, isError, nil
}

// executeBuiltin calls the in-process handler. Handler errors surface as
// application-level tool errors.
func (h *Host) executeBuiltin(ctx context.Context, entry toolEntry, args string) (string, bool) {
	output, err := entry.builtin(ctx, args)
	if err != nil {
		return err.Error(), true
	}
	return output, false
}

// executeRemote routes the call to the owning server session.
func (h *Host) executeRemote(ctx context.Context, entry toolEntry, args string) (string, bool, error) {
	h.mu.RLock()
	session, ok := h.servers[entry.server]
	h.mu.RUnlock()

	if !ok {
		return "", false, fmt.Errorf("toolhost: server %q not connected for tool %q", entry.server, entry.def.Name)
	}

	// Decode args into a map for the SDK.
	var argsMap map[string]any
	if trimmed := strings.TrimSpace(args); trimmed != "" && trimmed != "{}" {
		if err := json.Unmarshal([]byte(trimmed), &argsMap); err != nil {
			return "", false, fmt.Errorf("toolhost: invalid arguments JSON for tool %q: %w", entry.def.Name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return "", false, fmt.Errorf("toolhost: call to tool %q failed: %w", entry.def.Name, err)
	}

	// Concatenate all text content from the result.
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String(), result.IsError, nil
}

// Close shuts down all server connections and clears the registry. The Host
// must not be used after Close returns.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, session := range h.servers {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("toolhost: close server %q: %w", name, err)
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return firstErr
}

// toolDefinition converts an SDK tool into the provider-neutral definition.
func toolDefinition(t mcpsdk.Tool) llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  schemaToMap(t.InputSchema),
	}
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}

// bearerTransport adds a static Authorization header to every request.
type bearerTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}
