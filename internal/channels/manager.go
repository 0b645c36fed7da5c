package channels

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/queue"
	"github.com/quantumclaw/quantumclaw/pkg/protocol"
)

// MessageHandler turns one gated inbound message into a reply.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg bus.InboundMessage) (string, error)
}

// Manager owns the channel adapters and the two bus pumps: inbound
// messages through the gate and the agent, outbound replies split and
// dispatched per platform. Failed sends land in the delivery queue.
type Manager struct {
	cfg      *config.Config
	bus      *bus.MessageBus
	gate     *Gate
	commands *Commands
	handler  MessageHandler
	delivery *queue.DeliveryQueue
	logger   *slog.Logger

	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewManager(cfg *config.Config, b *bus.MessageBus, gate *Gate, commands *Commands, handler MessageHandler, delivery *queue.DeliveryQueue, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		bus:      b,
		gate:     gate,
		commands: commands,
		handler:  handler,
		delivery: delivery,
		logger:   logger,
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter. Call before Start.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
}

// Adapters lists registered adapter names.
func (m *Manager) Adapters() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	return names
}

// Start launches the adapters and both pumps. Adapter start failures
// are logged and skipped so one bad token does not take the rest down.
func (m *Manager) Start(ctx context.Context) {
	m.mu.RLock()
	for name, a := range m.adapters {
		if err := a.Start(ctx); err != nil {
			m.logger.Error("channel start failed", "channel", name, "error", err)
		}
	}
	m.mu.RUnlock()

	go m.pumpInbound(ctx)
	go m.pumpOutbound(ctx)
	if m.delivery != nil {
		m.delivery.StartDrainer(ctx, m.redeliver)
	}
}

// Stop shuts down every adapter.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, a := range m.adapters {
		if err := a.Stop(ctx); err != nil {
			m.logger.Warn("channel stop failed", "channel", name, "error", err)
		}
	}
}

func (m *Manager) pumpInbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		go m.handleInbound(ctx, msg)
	}
}

func (m *Manager) handleInbound(ctx context.Context, msg bus.InboundMessage) {
	res := m.gate.Check(msg)
	if res.Reply != "" {
		m.bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: res.Reply})
		return
	}
	if !res.Accept {
		m.logger.Debug("message dropped by gate", "channel", msg.Channel, "sender", msg.SenderID)
		return
	}

	if m.commands != nil {
		if reply, ok := m.commands.Handle(msg); ok {
			m.bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply})
			return
		}
	}

	m.indicateTyping(ctx, msg)

	reply, err := m.handler.HandleMessage(ctx, msg)
	if err != nil {
		m.logger.Error("agent turn failed", "channel", msg.Channel, "error", err)
		m.bus.Broadcast(bus.Event{Name: protocol.EventError, Payload: map[string]string{"error": err.Error()}})
		reply = "Something went wrong on my end. Try again in a moment."
	}
	// NO_REPLY is the agent's deliberate silence: the turn is already in
	// the transcript, nothing goes back to the user.
	if reply == "" || strings.TrimSpace(reply) == "NO_REPLY" {
		return
	}
	m.bus.PublishOutbound(bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: reply})
}

func (m *Manager) indicateTyping(ctx context.Context, msg bus.InboundMessage) {
	m.bus.Broadcast(bus.Event{Name: protocol.EventTyping, Payload: map[string]string{"channel": msg.Channel}})
	m.mu.RLock()
	a := m.adapters[msg.Channel]
	m.mu.RUnlock()
	if ta, ok := a.(TypingAdapter); ok {
		if err := ta.SendTyping(ctx, msg.ChatID); err != nil {
			m.logger.Debug("typing indicator failed", "channel", msg.Channel, "error", err)
		}
	}
}

func (m *Manager) pumpOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		m.dispatch(ctx, msg)
	}
}

// dispatch mirrors the message to dashboard listeners and sends through
// the platform adapter in limit-sized chunks.
func (m *Manager) dispatch(ctx context.Context, msg bus.OutboundMessage) {
	m.bus.Broadcast(bus.Event{Name: protocol.EventResponse, Payload: msg})

	if IsInternal(msg.Channel) {
		return
	}
	m.mu.RLock()
	a := m.adapters[msg.Channel]
	m.mu.RUnlock()
	if a == nil {
		m.logger.Warn("outbound for unknown channel", "channel", msg.Channel)
		return
	}

	for _, chunk := range SplitMessage(msg.Content, a.MaxMessageLen()) {
		out := msg
		out.Content = chunk
		if err := a.Send(ctx, out); err != nil {
			m.logger.Warn("send failed, queueing for retry", "channel", msg.Channel, "error", err)
			if m.delivery != nil {
				m.delivery.Enqueue(msg.Channel, "", msg.ChatID, chunk)
			}
		}
	}
}

// redeliver retries a queued chunk through its adapter.
func (m *Manager) redeliver(ctx context.Context, item queue.DeliveryItem) error {
	m.mu.RLock()
	a := m.adapters[item.Channel]
	m.mu.RUnlock()
	if a == nil {
		return errUnknownChannel{item.Channel}
	}
	return a.Send(ctx, bus.OutboundMessage{Channel: item.Channel, ChatID: item.ChatID, Content: item.Payload})
}

type errUnknownChannel struct{ name string }

func (e errUnknownChannel) Error() string { return "no adapter for channel " + e.name }
