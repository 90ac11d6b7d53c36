package tim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/foreman-ai/foreman/internal/policy"
	"github.com/foreman-ai/foreman/pkg/models"
)

// legacyAliases normalizes legacy server-prefixed tool names to their
// current server/tool pair (§4.4 step 1). shell_exec predates the
// shell server's exec tool; both names are accepted on invoke.
var legacyAliases = map[string]struct{ server, tool string }{
	"shell_exec": {"shell", "exec"},
}

// NormalizeTool resolves a possibly-legacy (server, tool) pair to its
// canonical form.
func NormalizeTool(server, tool string) (string, string) {
	if alias, ok := legacyAliases[tool]; ok {
		return alias.server, alias.tool
	}
	return server, tool
}

// Dispatcher is an in-process tool server: filesystem, shell, git,
// installer, steam, arxiv, news, project, and codex all implement it.
type Dispatcher interface {
	Dispatch(ctx context.Context, tool string, params map[string]any) (any, error)
}

// Manager is the Tool Invocation Manager: it owns the manifest set, the
// per-server stdio client records, and the in-process dispatch table.
type Manager struct {
	logger    *slog.Logger
	manifests map[string]*models.ToolManifest
	schemas   map[string]*compiledSchema
	shellAllow *policy.ShellAllowlist

	clientsMu sync.Mutex
	clients   map[string]*stdioClient

	inProcess map[string]Dispatcher
}

// NewManager builds a Manager from already-loaded manifests. Eager
// (autostart) spawning is performed by Start, not here, so
// construction never blocks.
func NewManager(manifests map[string]*models.ToolManifest, shellAllow *policy.ShellAllowlist, logger *slog.Logger) (*Manager, error) {
	schemas := make(map[string]*compiledSchema, len(manifests))
	for server, m := range manifests {
		s, err := compileParamsSchema(m)
		if err != nil {
			return nil, err
		}
		schemas[server] = s
	}

	return &Manager{
		logger:     logger,
		manifests:  manifests,
		schemas:    schemas,
		shellAllow: shellAllow,
		clients:    make(map[string]*stdioClient),
		inProcess:  make(map[string]Dispatcher),
	}, nil
}

// RegisterInProcess wires a Dispatcher for server, for targets §4.4
// step 4 dispatches to directly (filesystem, shell, git, installer,
// steam, arxiv, news, project, codex).
func (m *Manager) RegisterInProcess(server string, d Dispatcher) {
	m.inProcess[server] = d
}

// Start eagerly spawns every stdio manifest flagged autostart without
// blocking callers waiting on other servers.
func (m *Manager) Start(ctx context.Context) {
	for server, manifest := range m.manifests {
		if manifest.Transport == models.TransportStdio && manifest.Autostart {
			go func(server string, manifest *models.ToolManifest) {
				if _, err := m.getOrSpawn(ctx, server, manifest); err != nil {
					m.logger.Warn("autostart failed", "server", server, "error", err)
				}
			}(server, manifest)
		}
	}
}

// Statuses runs a health ping against every currently-connected stdio
// client and returns server -> healthy.
func (m *Manager) Statuses(ctx context.Context) map[string]bool {
	m.clientsMu.Lock()
	snapshot := make(map[string]*stdioClient, len(m.clients))
	for k, v := range m.clients {
		snapshot[k] = v
	}
	m.clientsMu.Unlock()

	out := make(map[string]bool, len(snapshot))
	for server, c := range snapshot {
		out[server] = c.ping(ctx)
	}
	return out
}

func (m *Manager) getOrSpawn(ctx context.Context, server string, manifest *models.ToolManifest) (*stdioClient, error) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()

	if c, ok := m.clients[server]; ok {
		return c, nil
	}
	c, err := spawnStdioClient(ctx, manifest.Bin, manifest.Args, m.logger)
	if err != nil {
		return nil, err
	}
	m.clients[server] = c
	return c, nil
}

func (m *Manager) dropClient(server string) {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	if c, ok := m.clients[server]; ok {
		c.close()
		delete(m.clients, server)
	}
}

// InvokeError classifies failures per §7's tool-side error kinds.
type InvokeError struct {
	Kind string
	Err  error
}

func (e *InvokeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Invoke runs §4.4's invoke(server, tool, params) algorithm.
func (m *Manager) Invoke(ctx context.Context, server, tool string, params map[string]any) (any, error) {
	server, tool = NormalizeTool(server, tool)

	if server == "shell" && tool == "exec" {
		command, _ := params["command"].(string)
		var args []string
		if raw, ok := params["args"].([]string); ok {
			args = raw
		} else if raw, ok := params["args"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					args = append(args, s)
				}
			}
		}
		if m.shellAllow != nil {
			if err := m.shellAllow.Validate(command, args); err != nil {
				return nil, &InvokeError{Kind: "NotWhitelisted", Err: err}
			}
		}
	}

	if manifest, ok := m.manifests[server]; ok && manifest.Transport == models.TransportStdio && manifest.Bin != "" {
		if schema, ok := m.schemas[server]; ok {
			if err := schema.Validate(params); err != nil {
				return nil, &InvokeError{Kind: "InvalidArgument", Err: err}
			}
		}
		return m.invokeStdio(ctx, server, manifest, tool, params)
	}

	if d, ok := m.inProcess[server]; ok {
		result, err := d.Dispatch(ctx, tool, params)
		if err != nil {
			return nil, &InvokeError{Kind: "ToolUnknown", Err: err}
		}
		return result, nil
	}

	return nil, &InvokeError{Kind: "ToolUnknown", Err: fmt.Errorf("no server registered for %q", server)}
}

// invokeStdio runs the get-or-spawn / call / respawn-once-and-retry
// sequence from §4.4's "Respawn" and "Invoke algorithm" rules.
func (m *Manager) invokeStdio(ctx context.Context, server string, manifest *models.ToolManifest, tool string, params map[string]any) (any, error) {
	c, err := m.getOrSpawn(ctx, server, manifest)
	if err != nil {
		return nil, &InvokeError{Kind: "ToolChildSpawn", Err: err}
	}

	resp, err := c.call(ctx, tool, params, readDeadline)
	if err != nil {
		m.dropClient(server)
		c, spawnErr := m.getOrSpawn(ctx, server, manifest)
		if spawnErr != nil {
			return nil, &InvokeError{Kind: "ToolChildSpawn", Err: spawnErr}
		}
		resp, err = c.call(ctx, tool, params, readDeadline)
		if err != nil {
			m.dropClient(server)
			return nil, &InvokeError{Kind: ioErrorKind(err), Err: err}
		}
	}

	if !resp.OK {
		return nil, &InvokeError{Kind: "ToolChildIo", Err: fmt.Errorf("%s", resp.Error)}
	}
	return resp.Result, nil
}

func ioErrorKind(err error) string {
	if err == nil {
		return ""
	}
	if strings.Contains(err.Error(), "timeout") {
		return "ToolChildTimeout"
	}
	return "ToolChildIo"
}

// Close shuts down every stdio client.
func (m *Manager) Close() {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	for server, c := range m.clients {
		c.close()
		delete(m.clients, server)
	}
}
