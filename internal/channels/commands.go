package channels

import (
	"fmt"
	"strings"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/audit"
	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/internal/cache"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/memory"
)

const helpText = `Commands:
/help - this message
/status - runtime status
/model - active models
/reset - clear this conversation
/memory - memory statistics
/cost - spend summary
/whoami - your identity as I see it`

// CommandDeps are the read surfaces the slash commands report on.
type CommandDeps struct {
	Cfg        *config.Config
	AuditLog   *audit.Log
	Cache      *cache.Cache
	Memory     *memory.Subsystem
	AgentNames func() []string
	AgentFor   func(msg bus.InboundMessage) string // resolved agent name for the scope
	Version    string
	StartedAt  time.Time
}

// Commands answers slash commands deterministically, without a model
// call. Handle returns ok=false for anything that is not a command.
type Commands struct {
	deps CommandDeps
}

func NewCommands(deps CommandDeps) *Commands {
	return &Commands{deps: deps}
}

func (c *Commands) Handle(msg bus.InboundMessage) (string, bool) {
	text := strings.TrimSpace(msg.Content)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.ToLower(strings.Fields(text)[0])
	// Telegram-style suffix: /status@botname
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}

	switch cmd {
	case "/help":
		return helpText, true
	case "/status":
		return c.status(), true
	case "/model":
		return c.model(), true
	case "/reset":
		return c.reset(msg), true
	case "/memory":
		return c.memoryStats(msg), true
	case "/cost":
		return c.cost(), true
	case "/whoami":
		return c.whoami(msg), true
	default:
		return "", false
	}
}

func (c *Commands) status() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Version: %s\n", c.deps.Version)
	fmt.Fprintf(&sb, "Uptime: %s\n", time.Since(c.deps.StartedAt).Round(time.Second))
	if c.deps.AgentNames != nil {
		names := c.deps.AgentNames()
		if len(names) == 0 {
			names = []string{"main"}
		}
		fmt.Fprintf(&sb, "Agents: %s\n", strings.Join(names, ", "))
	}
	if c.deps.Cache != nil {
		s := c.deps.Cache.Stats()
		fmt.Fprintf(&sb, "Cache: %d entries, %d hits\n", s.Entries, s.Hits)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (c *Commands) model() string {
	m := c.deps.Cfg.Models
	out := fmt.Sprintf("Primary: %s/%s\nFast: %s/%s",
		m.Primary.Provider, m.Primary.Model, m.Fast.Provider, m.Fast.Model)
	if m.Routing.Enabled {
		out += "\nRouting: tiered"
	} else {
		out += "\nRouting: everything to primary"
	}
	return out
}

func (c *Commands) reset(msg bus.InboundMessage) string {
	if c.deps.Memory == nil || c.deps.Memory.Transcript == nil {
		return "Nothing to reset."
	}
	agent := c.agentName(msg)
	key := memory.ScopeKey(agent, msg.Channel, msg.SenderID)
	if err := c.deps.Memory.Transcript.Reset(key); err != nil {
		return "Reset failed: " + err.Error()
	}
	return "Conversation cleared. Long-term memory is untouched."
}

func (c *Commands) memoryStats(msg bus.InboundMessage) string {
	if c.deps.Memory == nil || c.deps.Memory.Store == nil {
		return "Memory is not available."
	}
	agent := c.agentName(msg)
	count, err := c.deps.Memory.Store.MessageCount(agent)
	if err != nil {
		return "Memory lookup failed: " + err.Error()
	}
	facts, _ := c.deps.Memory.Store.AllKnowledge()
	graphState := "offline"
	if c.deps.Memory.Graph != nil && c.deps.Memory.Graph.Online() {
		graphState = "online"
	}
	return fmt.Sprintf("Messages stored: %d\nFacts learned: %d\nGraph layer: %s", count, len(facts), graphState)
}

func (c *Commands) cost() string {
	if c.deps.AuditLog == nil {
		return "No cost data."
	}
	s, err := c.deps.AuditLog.Costs()
	if err != nil {
		return "Cost lookup failed: " + err.Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Today: $%.4f\nThis week: $%.4f\nThis month: $%.4f", s.Today, s.Week, s.Month)
	if len(s.ByChannel) > 0 {
		sb.WriteString("\nBy channel:")
		for ch, v := range s.ByChannel {
			fmt.Fprintf(&sb, "\n  %s: $%.4f", ch, v)
		}
	}
	return sb.String()
}

func (c *Commands) whoami(msg bus.InboundMessage) string {
	ch := c.deps.Cfg.Channel(msg.Channel)
	trusted := ch != nil && senderAllowed(ch.AllowedUsers, msg.SenderID)
	status := "unpaired"
	if trusted {
		status = "paired"
	}
	if IsInternal(msg.Channel) {
		status = "local"
	}
	name := msg.SenderName
	if name == "" {
		name = msg.SenderID
	}
	return fmt.Sprintf("You are %s on %s (%s).", name, msg.Channel, status)
}

func (c *Commands) agentName(msg bus.InboundMessage) string {
	if c.deps.AgentFor != nil {
		return c.deps.AgentFor(msg)
	}
	return "main"
}
