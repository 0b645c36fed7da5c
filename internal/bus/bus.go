package bus

import (
	"context"
	"sync"
)

const defaultQueueSize = 256

// MessageBus is the in-process message and event fabric. Inbound and
// outbound queues are bounded; PublishInbound drops when full rather
// than blocking a channel adapter's receive loop.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler

	dropped func(direction string) // observability hook, may be nil
}

// New creates a MessageBus with default queue sizes.
func New() *MessageBus {
	return NewWithSize(defaultQueueSize)
}

// NewWithSize creates a MessageBus with the given queue capacity.
func NewWithSize(size int) *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, size),
		outbound:    make(chan OutboundMessage, size),
		subscribers: make(map[string]EventHandler),
	}
}

// OnDrop installs a callback invoked when a queue overflows.
func (b *MessageBus) OnDrop(fn func(direction string)) {
	b.dropped = fn
}

// PublishInbound enqueues an inbound message. Non-blocking: a full
// queue drops the message so a flooded channel cannot stall the rest.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		if b.dropped != nil {
			b.dropped("inbound")
		}
	}
}

// ConsumeInbound blocks until a message arrives or ctx is done.
// The second return is false on cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message for delivery.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		if b.dropped != nil {
			b.dropped("outbound")
		}
	}
}

// ConsumeOutbound blocks until an outbound message arrives or ctx is done.
func (b *MessageBus) ConsumeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers an event handler under id, replacing any previous
// handler with the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers an event to every subscriber. Handlers run on the
// caller's goroutine and must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}
