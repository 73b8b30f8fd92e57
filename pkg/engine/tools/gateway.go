// Package tools implements the tool execution gateway: the process-wide
// registry of callable capabilities and the single enforcement point for
// per-call allowlists. Schema exposure and execution permission are separate
// sets; a provider invoking a tool outside the executable set is always
// rejected here, regardless of what any adapter forwarded.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/pkg/engine/provider"
)

// Status classifies a tool invocation outcome.
type Status string

const (
	StatusOK       Status = "ok"
	StatusError    Status = "error"
	StatusRejected Status = "rejected"
)

// Result is the uniform envelope every tool returns: a machine-usable
// payload plus a short summary meant to be spoken back to the caller.
type Result struct {
	Payload json.RawMessage `json:"payload,omitempty"`
	Summary string          `json:"summary"`
	Status  Status          `json:"status"`
}

// CallRef identifies the call a tool runs against. Handlers hold the
// identifiers, never the session itself.
type CallRef struct {
	CallID    string
	ChannelID string
}

// Handler executes one tool invocation.
type Handler func(ctx context.Context, call CallRef, args json.RawMessage) (Result, error)

// Definition describes a registered tool.
type Definition struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	// Concurrent marks the tool safe to run while another invocation for
	// the same call is still in flight. Default is serialized execution.
	Concurrent bool
	Handler    Handler
}

type allowlist struct {
	channelID  string
	exposed    map[string]struct{}
	executable map[string]struct{}
}

// Observer receives invocation outcomes for the metrics surface.
type Observer func(tool string, status Status)

// Gateway is the tool registry plus per-call allowlist enforcement.
type Gateway struct {
	logger        *slog.Logger
	slowThreshold time.Duration
	observer      Observer

	mu    sync.RWMutex
	defs  map[string]Definition
	calls map[string]*allowlist
}

// NewGateway creates an empty gateway. slowThreshold bounds how long a tool
// may run before the slow-response signal fires; zero disables the signal.
func NewGateway(logger *slog.Logger, slowThreshold time.Duration) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		logger:        logger,
		slowThreshold: slowThreshold,
		defs:          make(map[string]Definition),
		calls:         make(map[string]*allowlist),
	}
}

// SetObserver installs the metrics hook. Must be called before calls start.
func (g *Gateway) SetObserver(fn Observer) { g.observer = fn }

// Register adds a tool at startup. Duplicate names are a configuration bug.
func (g *Gateway) Register(def Definition) error {
	if def.Name == "" || def.Handler == nil {
		return fmt.Errorf("tool definition requires name and handler")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.defs[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	g.defs[def.Name] = def
	return nil
}

// Names returns registered tool names, sorted.
func (g *Gateway) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.defs))
	for name := range g.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Bind installs a call's allowlists. Unknown names are dropped with a log
// line. An exposed-but-not-executable configuration is accepted as given;
// enforcement happens in Execute either way.
func (g *Gateway) Bind(callID, channelID string, exposed, executable []string) {
	al := &allowlist{
		channelID:  channelID,
		exposed:    make(map[string]struct{}, len(exposed)),
		executable: make(map[string]struct{}, len(executable)),
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, name := range exposed {
		if _, known := g.defs[name]; !known {
			g.logger.Warn("exposed tool not registered, dropping", "call_id", callID, "tool", name)
			continue
		}
		al.exposed[name] = struct{}{}
	}
	for _, name := range executable {
		if _, known := g.defs[name]; !known {
			g.logger.Warn("executable tool not registered, dropping", "call_id", callID, "tool", name)
			continue
		}
		al.executable[name] = struct{}{}
	}
	g.calls[callID] = al
}

// Release drops a call's allowlists. Idempotent; teardown may call it from
// multiple failure paths.
func (g *Gateway) Release(callID string) {
	g.mu.Lock()
	delete(g.calls, callID)
	g.mu.Unlock()
}

// SchemasFor returns the schemas advertised to the provider for this call,
// restricted to the exposed set, sorted by name.
func (g *Gateway) SchemasFor(callID string) []provider.ToolSchema {
	g.mu.RLock()
	defer g.mu.RUnlock()
	al, ok := g.calls[callID]
	if !ok {
		return nil
	}
	out := make([]provider.ToolSchema, 0, len(al.exposed))
	for name := range al.exposed {
		def := g.defs[name]
		out = append(out, provider.ToolSchema{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsConcurrentSafe reports whether a tool declared itself safe for
// concurrent execution. Unknown tools are serialized.
func (g *Gateway) IsConcurrentSafe(toolName string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	def, ok := g.defs[toolName]
	return ok && def.Concurrent
}

// Execute runs one invocation, enforcing the call's executable allowlist.
// onSlow, if non-nil, fires once when the handler has run past the slow
// threshold; the orchestrator uses it to trigger filler audio where safe.
// Handler failures come back as StatusError results, never as call-fatal
// errors.
func (g *Gateway) Execute(ctx context.Context, callID, toolName string, args json.RawMessage, onSlow func(elapsed time.Duration)) Result {
	g.mu.RLock()
	al, bound := g.calls[callID]
	def, known := g.defs[toolName]
	g.mu.RUnlock()

	if !bound {
		g.logger.Warn("tool invocation for unbound call", "call_id", callID, "tool", toolName)
		return g.observe(toolName, rejection("no tool permissions bound for this call"))
	}
	if _, allowed := al.executable[toolName]; !allowed {
		if _, wasExposed := al.exposed[toolName]; wasExposed {
			g.logger.Warn("provider invoked exposed-but-not-executable tool",
				"call_id", callID, "tool", toolName)
		} else {
			g.logger.Warn("provider invoked tool outside allowlist",
				"call_id", callID, "tool", toolName)
		}
		return g.observe(toolName, rejection(fmt.Sprintf("tool %q is not permitted on this call", toolName)))
	}
	if !known {
		return g.observe(toolName, rejection(fmt.Sprintf("tool %q is not available", toolName)))
	}

	var slowTimer *time.Timer
	if onSlow != nil && g.slowThreshold > 0 {
		start := time.Now()
		slowTimer = time.AfterFunc(g.slowThreshold, func() {
			onSlow(time.Since(start))
		})
	}

	res, err := def.Handler(ctx, CallRef{CallID: callID, ChannelID: al.channelID}, args)
	if slowTimer != nil {
		slowTimer.Stop()
	}
	if err != nil {
		g.logger.Warn("tool handler failed", "call_id", callID, "tool", toolName, "error", err)
		return g.observe(toolName, Result{
			Status:  StatusError,
			Summary: "The requested action could not be completed.",
		})
	}
	if res.Status == "" {
		res.Status = StatusOK
	}
	if res.Summary == "" {
		// The provider always needs something speakable.
		res.Summary = fmt.Sprintf("The %s action completed.", toolName)
	}
	return g.observe(toolName, res)
}

func rejection(summary string) Result {
	return Result{Status: StatusRejected, Summary: summary}
}

func (g *Gateway) observe(tool string, res Result) Result {
	if g.observer != nil {
		g.observer(tool, res.Status)
	}
	return res
}
