package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/quantumclaw/quantumclaw/internal/audit"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/providers"
	"github.com/quantumclaw/quantumclaw/internal/queue"
	"github.com/quantumclaw/quantumclaw/internal/tracing"
	"github.com/quantumclaw/quantumclaw/internal/trust"
)

// Registry is the single execute path for every tool kind.
type Registry struct {
	cfg       *config.Config
	kernel    *trust.Kernel
	approvals *queue.ExecApprovals
	auditLog  *audit.Log
	logger    *slog.Logger

	mu       sync.RWMutex
	tools    map[string]*Tool
	compiled map[string]*jsonschema.Schema
}

// NewRegistry builds an empty registry; tools are added with Register.
func NewRegistry(cfg *config.Config, kernel *trust.Kernel, approvals *queue.ExecApprovals, auditLog *audit.Log, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		kernel:    kernel,
		approvals: approvals,
		auditLog:  auditLog,
		logger:    logger,
		tools:     make(map[string]*Tool),
		compiled:  make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
	delete(r.compiled, t.Name)
}

// Unregister removes tools by kind, used when an MCP server goes away.
func (r *Registry) UnregisterKind(kind string, match func(name string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, t := range r.tools {
		if t.Kind == kind && (match == nil || match(name)) {
			delete(r.tools, name)
			delete(r.compiled, name)
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List enumerates all tools.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Info{Name: t.Name, Description: t.Description, Source: t.Kind})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Schemas renders every tool as a provider tool definition.
func (r *Registry) Schemas() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name].Definition())
	}
	return out
}

// ValidateArgs checks args against the tool's declared schema.
func (r *Registry) ValidateArgs(name string, args map[string]interface{}) error {
	r.mu.Lock()
	t, ok := r.tools[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown tool %q", name)
	}
	schema, compiled := r.compiled[name]
	r.mu.Unlock()

	if t.Schema == nil {
		return nil
	}
	if !compiled {
		var err error
		schema, err = compileSchema(name, t.Schema)
		if err != nil {
			r.logger.Warn("tool schema does not compile, skipping validation", "tool", name, "error", err)
			schema = nil
		}
		r.mu.Lock()
		r.compiled[name] = schema
		r.mu.Unlock()
	}
	if schema == nil {
		return nil
	}

	// Round-trip so numbers arrive as the types the validator expects.
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}

func compileSchema(name string, raw map[string]interface{}) (*jsonschema.Schema, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "tool://" + name + ".json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Execute runs a tool call through the policy gate: trust check first and
// exactly once, then approval gating, then the handler under its timeout.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}, caller, channel string) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}

	if r.kernel != nil {
		decision := r.kernel.Check(trust.Action{
			Tool:        name,
			Args:        args,
			Destination: destinationOf(args),
			Actor:       caller,
			Channel:     channel,
		})
		if !decision.Allow {
			// The kernel already audited the deny.
			return ErrorResult("⛔ Blocked by Trust Kernel: " + decision.Reason)
		}
		if len(decision.Advisories) > 0 {
			r.logger.Debug("policy advisories", "tool", name, "advisories", decision.Advisories)
		}
	}

	if r.requiresApproval(t) && r.approvals != nil {
		a := r.approvals.Request(name, args)
		r.audit(name, caller, channel, "pending approval", false)
		notice := fmt.Sprintf("Tool %q needs your approval (id %s, expires in 10 minutes).", name, a.ID)
		return PendingResult(a.ID, notice)
	}

	return r.run(ctx, t, args, caller, channel)
}

// ExecuteApproved runs a previously approved call, skipping the approval
// gate but not the trust check already performed at request time.
func (r *Registry) ExecuteApproved(ctx context.Context, name string, args map[string]interface{}, caller, channel string) *Result {
	t, ok := r.Get(name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", name))
	}
	return r.run(ctx, t, args, caller, channel)
}

func (r *Registry) run(ctx context.Context, t *Tool, args map[string]interface{}, caller, channel string) *Result {
	ctx, span := tracing.StartToolCall(ctx, t.Name)
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	done := make(chan *Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- ErrorResult(fmt.Sprintf("tool %s panicked: %v", t.Name, rec))
			}
		}()
		done <- t.Handler(ctx, args)
	}()

	var res *Result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = ErrorResult(fmt.Sprintf("tool %s timed out after %s", t.Name, t.timeout()))
	}
	if res == nil {
		res = ErrorResult(fmt.Sprintf("tool %s returned no result", t.Name))
	}

	if len(res.ForLLM) > maxCapturedOutput {
		res.ForLLM = res.ForLLM[:maxCapturedOutput] + truncationMarker
		res.Truncated = true
	}

	r.audit(t.Name, caller, channel, summarize(res), res.IsError)
	return res
}

func (r *Registry) requiresApproval(t *Tool) bool {
	for _, kind := range r.cfg.Tools.RequireApproval {
		if kind == t.Kind || kind == t.Name {
			return true
		}
	}
	return false
}

func (r *Registry) audit(tool, caller, channel, detail string, isError bool) {
	if r.auditLog == nil {
		return
	}
	action := "exec"
	if isError {
		action = "exec_error"
	}
	r.auditLog.Record(audit.Entry{
		Category: audit.CategoryTool,
		Action:   action,
		Actor:    caller,
		Channel:  channel,
		Detail:   fmt.Sprintf("tool=%s %s", tool, detail),
	})
}

func summarize(res *Result) string {
	const max = 200
	s := res.ForLLM
	if len(s) > max {
		s = s[:max] + "…"
	}
	return s
}

// destinationOf extracts a contactable address for trust evaluation.
func destinationOf(args map[string]interface{}) string {
	for _, key := range []string{"to", "recipient", "user", "user_id", "address"} {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
