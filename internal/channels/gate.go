package channels

import (
	"fmt"
	"strings"

	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/internal/config"
)

// GateResult is the ingress decision for one inbound message.
type GateResult struct {
	Accept bool
	// Reply is sent back without involving the agent (pairing prompt).
	Reply string
}

var dropped = GateResult{}

// Gate applies the channel ingress policy: DM policy for direct chats,
// allowlist plus mention gating for groups. Rejections are silent except
// the pairing prompt.
type Gate struct {
	cfg     *config.Config
	pairing *Pairing
}

func NewGate(cfg *config.Config, pairing *Pairing) *Gate {
	return &Gate{cfg: cfg, pairing: pairing}
}

func (g *Gate) Check(msg bus.InboundMessage) GateResult {
	ch := g.cfg.Channel(msg.Channel)
	if IsInternal(msg.Channel) {
		return GateResult{Accept: true}
	}
	if ch == nil || !ch.Enabled {
		return dropped
	}

	if msg.PeerKind == "group" {
		return g.checkGroup(ch, msg)
	}
	return g.checkDirect(ch, msg)
}

func (g *Gate) checkDirect(ch *config.ChannelConfig, msg bus.InboundMessage) GateResult {
	switch ch.DMPolicy {
	case config.DMPolicyOpen:
		return GateResult{Accept: true}
	case config.DMPolicyDisabled:
		return dropped
	case config.DMPolicyAllowlist:
		if senderAllowed(ch.AllowedUsers, msg.SenderID) {
			return GateResult{Accept: true}
		}
		return dropped
	default: // pairing is the default posture
		if senderAllowed(ch.AllowedUsers, msg.SenderID) {
			return GateResult{Accept: true}
		}
		// The code goes out only on /start. Anything else from a
		// stranger gets silence.
		if !isStartCommand(msg.Content) {
			return dropped
		}
		req := g.pairing.Request(msg.Channel, msg.SenderID, msg.SenderName)
		return GateResult{Reply: fmt.Sprintf(
			"Hi! I don't know you yet. Give this code to my owner to get access: %s (valid for 1 hour)", req.Code)}
	}
}

// isStartCommand accepts /start and the group-chat form /start@botname.
func isStartCommand(content string) bool {
	c := strings.TrimSpace(content)
	return c == "/start" || strings.HasPrefix(c, "/start@")
}

// checkGroup gates group traffic: the group itself must be allowed
// before any mention check runs.
func (g *Gate) checkGroup(ch *config.ChannelConfig, msg bus.InboundMessage) GateResult {
	if len(ch.AllowedChannels) > 0 && !contains(ch.AllowedChannels, msg.ChatID) {
		return dropped
	}
	if !mentioned(ch, msg) {
		return dropped
	}
	return GateResult{Accept: true}
}

// mentioned reports whether the bot was addressed: platform mention
// metadata, a reply to the bot, or a configured mention pattern in text.
func mentioned(ch *config.ChannelConfig, msg bus.InboundMessage) bool {
	if msg.Metadata["mentioned"] == "true" || msg.Metadata["reply_to_bot"] == "true" {
		return true
	}
	content := strings.ToLower(msg.Content)
	for _, pat := range ch.MentionPatterns {
		if pat != "" && strings.Contains(content, strings.ToLower(pat)) {
			return true
		}
	}
	return false
}

// senderAllowed matches the allowlist, tolerating the "id|username"
// compound form some platforms produce.
func senderAllowed(allowed []string, senderID string) bool {
	idPart, userPart := senderID, ""
	if i := strings.IndexByte(senderID, '|'); i > 0 {
		idPart, userPart = senderID[:i], senderID[i+1:]
	}
	for _, a := range allowed {
		a = strings.TrimPrefix(a, "@")
		if a == senderID || a == idPart || (userPart != "" && strings.EqualFold(a, userPart)) {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
