package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/audit"
	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/internal/cache"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/memory"
	"github.com/quantumclaw/quantumclaw/internal/providers"
	"github.com/quantumclaw/quantumclaw/internal/queue"
	"github.com/quantumclaw/quantumclaw/internal/router"
	"github.com/quantumclaw/quantumclaw/internal/tools"
	"github.com/quantumclaw/quantumclaw/internal/tracing"
	"github.com/quantumclaw/quantumclaw/pkg/protocol"
)

const (
	// maxToolRounds caps think-act cycles per message. The overrun reply
	// is deliberate: better a partial answer than an unbounded loop.
	maxToolRounds = 8

	resumeTimeout = 2 * time.Minute
)

const overrunReply = "I ran out of tool budget while working on this. Here is where I got to; ask me to continue if you want me to keep going."

// Executor drives the agent loop: context composition, routing, tool
// rounds, and memory write-back. One Executor serves every agent.
type Executor struct {
	cfg       *config.Config
	cfgPath   string // for persisting the hatched flag
	agents    *Registry
	memory    *memory.Subsystem
	router    *router.Router
	cache     *cache.Cache
	tools     *tools.Registry
	approvals *queue.ExecApprovals
	auditLog  *audit.Log
	values    string // policy markdown injected into every context
	events    bus.EventPublisher
	outbound  func(bus.OutboundMessage)
	logger    *slog.Logger

	scopeMu sync.Map // scope key, serializes turns per (agent, channel, user)

	pendMu  sync.Mutex
	pending map[string]*suspendedRun // approval ID
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Config    *config.Config
	CfgPath   string
	Agents    *Registry
	Memory    *memory.Subsystem
	Router    *router.Router
	Cache     *cache.Cache
	Tools     *tools.Registry
	Approvals *queue.ExecApprovals
	AuditLog  *audit.Log
	Values    string
	Events    bus.EventPublisher
	Outbound  func(bus.OutboundMessage)
	Logger    *slog.Logger
}

func NewExecutor(ec ExecutorConfig) *Executor {
	if ec.Logger == nil {
		ec.Logger = slog.Default()
	}
	e := &Executor{
		cfg:       ec.Config,
		cfgPath:   ec.CfgPath,
		agents:    ec.Agents,
		memory:    ec.Memory,
		router:    ec.Router,
		cache:     ec.Cache,
		tools:     ec.Tools,
		approvals: ec.Approvals,
		auditLog:  ec.AuditLog,
		values:    ec.Values,
		events:    ec.Events,
		outbound:  ec.Outbound,
		logger:    ec.Logger,
		pending:   make(map[string]*suspendedRun),
	}
	if e.approvals != nil {
		e.approvals.OnResolve(e.resume)
	}
	return e
}

// suspendedRun is a turn parked on an approval decision.
type suspendedRun struct {
	agent    *Agent
	channel  string
	chatID   string
	userID   string
	isVoice  bool
	messages []providers.Message
	call     providers.ToolCall
	round    int
}

// HandleMessage runs one full turn and returns the reply text. Turns for
// the same (agent, channel, user) scope run strictly in order.
func (e *Executor) HandleMessage(ctx context.Context, msg bus.InboundMessage) (string, error) {
	a := e.agents.Get(msg.AgentID)
	ctx, span := tracing.StartTurn(ctx, msg.Channel, a.Name)
	defer span.End()

	scope := memory.ScopeKey(a.Name, msg.Channel, msg.SenderID)
	muAny, _ := e.scopeMu.LoadOrStore(scope, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	isVoice := msg.Metadata["voice"] == "true"
	messages := e.compose(ctx, a, msg.Channel, msg.SenderID, msg.Content)

	if e.cache != nil {
		if hit := e.cache.Get(messages, e.modelKey()); hit != nil {
			e.logger.Debug("cache hit", "agent", a.Name, "channel", msg.Channel)
			e.remember(a, msg, hit.Content)
			return hit.Content, nil
		}
	}

	tr, err := e.runRounds(ctx, a, messages, msg.Channel, msg.ChatID, msg.SenderID, isVoice, 1)
	if err != nil {
		return "", err
	}
	if tr.suspended {
		return tr.reply, nil
	}

	reply := tr.reply
	// A well-formed delegation block hands the turn to a sub-agent that
	// actually exists. Unknown names stay plain text.
	if d := ParseDelegation(reply); d != nil {
		if sub, ok := e.agents.Lookup(d.Agent); ok {
			subReply, err := e.Delegate(ctx, d, msg.Channel, msg.SenderID)
			if err != nil {
				return "", err
			}
			reply = delegationReply(sub.Name, subReply)
		}
	}

	e.remember(a, msg, reply)
	if e.cache != nil {
		e.cache.Set(messages, e.modelKey(), reply, tr.tokens, tr.cost, 0)
	}
	e.maybeHatch(a, reply)
	return reply, nil
}

// Delegate runs a task through the named sub-agent with a fresh context.
// Delegations do not nest: a sub-agent's own delegation block comes back
// as plain text.
func (e *Executor) Delegate(ctx context.Context, d *Delegation, channel, userID string) (string, error) {
	sub := e.agents.Get(d.Agent)
	e.logger.Info("delegating", "to", sub.Name, "task_len", len(d.Task))

	messages := e.compose(ctx, sub, channel, userID, d.Task)
	tr, err := e.runRounds(ctx, sub, messages, channel, "", userID, false, 1)
	if err != nil {
		return "", err
	}
	return tr.reply, nil
}

// delegationReply composes the combined reply so the user can see who
// actually did the work.
func delegationReply(agent, content string) string {
	return fmt.Sprintf("I asked %s to handle this. Here's their response:\n%s", titleName(agent), content)
}

func titleName(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// turnResult carries the reply plus the token and cost accounting for
// one turn across all of its rounds.
type turnResult struct {
	reply     string
	suspended bool
	tokens    int
	cost      float64
}

// runRounds is the think-act cycle. It returns suspended=true when a tool
// call is parked on an approval; the reply is then the approval notice.
func (e *Executor) runRounds(ctx context.Context, a *Agent, messages []providers.Message, channel, chatID, userID string, isVoice bool, startRound int) (turnResult, error) {
	var tr turnResult
	for round := startRound; round <= maxToolRounds; round++ {
		res, err := e.router.Complete(ctx, router.Request{
			Messages: messages,
			Tools:    e.tools.Schemas(),
			Channel:  channel,
			IsVoice:  isVoice,
		})
		if err != nil {
			return tr, fmt.Errorf("completion failed (round %d): %w", round, err)
		}
		tr.tokens += res.Usage.TotalTokens
		tr.cost += res.Cost

		if len(res.ToolCalls) == 0 {
			tr.reply = res.Content
			return tr, nil
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   res.Content,
			ToolCalls: res.ToolCalls,
		})

		for i, tc := range res.ToolCalls {
			if err := e.tools.ValidateArgs(tc.Name, tc.Arguments); err != nil {
				messages = append(messages, toolMessage(tc.ID, "invalid arguments: "+err.Error()))
				continue
			}

			result := e.tools.Execute(ctx, tc.Name, tc.Arguments, userID, channel)
			if result.Pending {
				e.park(&suspendedRun{
					agent:    a,
					channel:  channel,
					chatID:   chatID,
					userID:   userID,
					isVoice:  isVoice,
					messages: messages,
					call:     tc,
					round:    round,
				}, result.ApprovalID, res.ToolCalls[i+1:])
				tr.reply = result.ForUser
				tr.suspended = true
				return tr, nil
			}
			messages = append(messages, toolMessage(tc.ID, result.ForLLM))
		}
	}

	if e.auditLog != nil {
		e.auditLog.Record(audit.Entry{
			Category: audit.CategorySystem,
			Action:   "tool_round_overrun",
			Actor:    userID,
			Channel:  channel,
			Detail:   fmt.Sprintf("agent=%s rounds=%d", a.Name, maxToolRounds),
		})
	}
	e.logger.Warn("tool round overrun", "agent", a.Name, "channel", channel)
	tr.reply = overrunReply
	return tr, nil
}

// park stores a suspended run. Remaining sibling tool calls are dropped;
// the model re-plans when the run resumes with the approval outcome.
func (e *Executor) park(run *suspendedRun, approvalID string, _ []providers.ToolCall) {
	e.pendMu.Lock()
	e.pending[approvalID] = run
	e.pendMu.Unlock()
}

// resume continues a parked run once its approval is decided. Delivery
// goes through the outbound publisher since the original request has
// long since returned.
func (e *Executor) resume(a queue.Approval) {
	e.pendMu.Lock()
	run, ok := e.pending[a.ID]
	delete(e.pending, a.ID)
	e.pendMu.Unlock()
	if !ok {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), resumeTimeout)
		defer cancel()

		var outcome string
		if a.Decision == queue.DecisionApproved {
			result := e.tools.ExecuteApproved(ctx, run.call.Name, run.call.Arguments, run.userID, run.channel)
			outcome = result.ForLLM
		} else {
			reason := a.Reason
			if reason == "" {
				reason = "denied by owner"
			}
			outcome = "tool call was not approved: " + reason
		}

		messages := append(run.messages, toolMessage(run.call.ID, outcome))
		tr, err := e.runRounds(ctx, run.agent, messages, run.channel, run.chatID, run.userID, run.isVoice, run.round+1)
		reply := tr.reply
		if err != nil {
			e.logger.Error("resumed run failed", "approval", a.ID, "error", err)
			reply = "I could not finish the approved action: " + err.Error()
		}
		if tr.suspended {
			return
		}

		e.memory.RecordTurn(context.Background(), run.agent.Name, run.channel, run.userID, "assistant", reply)
		if e.outbound != nil && run.chatID != "" {
			e.outbound(bus.OutboundMessage{Channel: run.channel, ChatID: run.chatID, Content: reply})
		}
	}()
}

func (e *Executor) compose(ctx context.Context, a *Agent, channel, userID, message string) []providers.Message {
	system, history := e.memory.ComposeContext(ctx, memory.ContextRequest{
		AgentName: a.Name,
		Channel:   channel,
		UserID:    userID,
		SoulText:  a.SoulText,
		UserText:  a.UserText,
		Values:    e.values,
		Message:   message,
	})

	messages := make([]providers.Message, 0, len(history)+2)
	messages = append(messages, providers.Message{Role: "system", Content: system})
	messages = append(messages, history...)
	messages = append(messages, providers.Message{Role: "user", Content: message})
	return messages
}

func (e *Executor) remember(a *Agent, msg bus.InboundMessage, reply string) {
	ctx := context.Background()
	e.memory.RecordTurn(ctx, a.Name, msg.Channel, msg.SenderID, "user", msg.Content)
	e.memory.RecordTurn(ctx, a.Name, msg.Channel, msg.SenderID, "assistant", reply)
}

// maybeHatch marks the one-time naming ceremony: the first completed turn
// flips the flag and announces the agent to every connected surface.
func (e *Executor) maybeHatch(a *Agent, reply string) {
	if !e.cfg.SetHatched() {
		return
	}
	if e.cfgPath != "" {
		if err := config.Save(e.cfgPath, e.cfg); err != nil {
			e.logger.Warn("could not persist hatched flag", "error", err)
		}
	}
	if e.events != nil {
		e.events.Broadcast(bus.Event{
			Name:    protocol.EventHatched,
			Payload: map[string]string{"agent": a.Name, "message": firstLine(reply)},
		})
	}
	e.logger.Info("agent hatched", "agent", a.Name)
}

// PendingRuns reports how many turns are parked on approvals.
func (e *Executor) PendingRuns() int {
	e.pendMu.Lock()
	defer e.pendMu.Unlock()
	return len(e.pending)
}

func (e *Executor) modelKey() string {
	ref := e.cfg.Models.Primary
	return ref.Provider + "/" + ref.Model
}

func toolMessage(callID, content string) providers.Message {
	return providers.Message{Role: "tool", Content: content, ToolCallID: callID}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
