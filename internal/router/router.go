// Package router classifies messages into tiers and dispatches them to the
// right provider with cost accounting. Reflex-tier messages are answered
// in-process with zero model cost.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quantumclaw/quantumclaw/internal/audit"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/providers"
	"github.com/quantumclaw/quantumclaw/internal/tracing"
)

// Request is one routed completion call.
type Request struct {
	Messages []providers.Message
	Tools    []providers.ToolDefinition
	Tier     Tier   // zero means classify from the last user message
	Channel  string // for cost attribution
	IsVoice  bool
	OnChunk  func(providers.StreamChunk) // non-nil enables streaming
}

// Result is the routed response with accounting metadata.
type Result struct {
	Content   string
	ToolCalls []providers.ToolCall
	Usage     providers.Usage
	Cost      float64
	Provider  string
	Model     string
	Tier      Tier
	Reflex    bool // answered without a model call
}

var reflexReplies = []string{"👍", "Anytime!", "Got it."}

// Router selects providers by tier and records per-call cost.
type Router struct {
	cfg      *config.Config
	registry *providers.Registry
	auditLog *audit.Log
	logger   *slog.Logger
}

// New builds a Router over the registered providers.
func New(cfg *config.Config, registry *providers.Registry, auditLog *audit.Log, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, registry: registry, auditLog: auditLog, logger: logger}
}

// Complete routes the request: classify, pick a provider, call it, record
// cost. Provider failures walk a fallback ladder before giving up.
func (r *Router) Complete(ctx context.Context, req Request) (*Result, error) {
	tier := req.Tier
	if tier == 0 {
		tier = Classify(lastUserMessage(req.Messages), req.IsVoice)
	}

	if tier == TierReflex {
		return &Result{
			Content: reflexReplies[len(lastUserMessage(req.Messages))%len(reflexReplies)],
			Tier:    TierReflex,
			Reflex:  true,
		}, nil
	}

	var lastErr error
	for _, ref := range r.candidates(tier) {
		provider, err := r.registry.Get(ref.Provider)
		if err != nil {
			lastErr = err
			continue
		}
		model := ref.Model
		if model == "" {
			model = provider.DefaultModel()
		}

		creq := providers.ChatRequest{Messages: req.Messages, Tools: req.Tools, Model: model}
		var resp *providers.ChatResponse
		callCtx, span := tracing.StartModelCall(ctx, ref.Provider, model)
		if req.OnChunk != nil {
			resp, err = provider.ChatStream(callCtx, creq, req.OnChunk)
		} else {
			resp, err = provider.Chat(callCtx, creq)
		}
		tracing.End(span, err)
		if err != nil {
			lastErr = err
			r.logger.Warn("provider call failed, trying fallback", "provider", ref.Provider, "model", model, "error", err)
			continue
		}

		result := &Result{
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
			Provider:  ref.Provider,
			Model:     model,
			Tier:      tier,
		}
		if resp.Usage != nil {
			result.Usage = *resp.Usage
			result.Cost = providers.Cost(model, resp.Usage)
		}
		r.recordCost(result, req.Channel)
		return result, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return nil, fmt.Errorf("all providers failed for tier %s: %w", tier, lastErr)
}

// candidates returns the (provider, model) ladder for a tier: the tier's
// configured pair first, then primary, then fast, then every registered
// provider on its default model.
func (r *Router) candidates(tier Tier) []config.ModelRef {
	primary := r.cfg.Models.Primary
	fast := r.cfg.Models.Fast

	var ladder []config.ModelRef
	if !r.cfg.Models.Routing.Enabled {
		ladder = []config.ModelRef{primary}
	} else {
		switch tier {
		case TierSimple, TierVoice:
			ladder = []config.ModelRef{fast, primary}
		case TierComplex:
			ladder = []config.ModelRef{primary, fast}
		default:
			ladder = []config.ModelRef{primary, fast}
		}
	}

	seenPair := make(map[string]bool)
	seenProvider := make(map[string]bool)
	out := ladder[:0:0]
	for _, ref := range ladder {
		key := ref.Provider + "/" + ref.Model
		if ref.Provider == "" || seenPair[key] {
			continue
		}
		seenPair[key] = true
		seenProvider[ref.Provider] = true
		out = append(out, ref)
	}
	for _, name := range r.registry.Names() {
		if !seenProvider[name] {
			out = append(out, config.ModelRef{Provider: name})
		}
	}
	return out
}

func (r *Router) recordCost(res *Result, channel string) {
	if r.auditLog == nil || res.Cost == 0 {
		return
	}
	r.auditLog.Record(audit.Entry{
		Category: audit.CategoryCost,
		Action:   "llm",
		Channel:  channel,
		Detail:   fmt.Sprintf("provider=%s model=%s tier=%s tokens=%d", res.Provider, res.Model, res.Tier, res.Usage.TotalTokens),
		Cost:     res.Cost,
	})
}

func lastUserMessage(msgs []providers.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
