package bus

import (
	"context"
	"sync"
)

// MessageBus is the process-wide hub connecting channel adapters (inbound),
// the gateway (outbound + WS event broadcast), and the agent runtime. It
// implements both EventPublisher (WS event fan-out) and MessageRouter
// (channel inbound/outbound queues).
type MessageBus struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler

	inbound  chan InboundMessage
	outbound chan OutboundMessage
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		handlers: make(map[string]EventHandler),
		inbound:  make(chan InboundMessage, 256),
		outbound: make(chan OutboundMessage, 256),
	}
}

// Subscribe registers a handler for broadcast Events (EventPublisher).
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = handler
}

// Unsubscribe removes a handler.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Broadcast fans an Event out to every subscribed handler synchronously.
// Handlers must not block; slow consumers should hand off to their own
// goroutine/queue (the channel adapters and WS clients do this).
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, h := range b.handlers {
		h(event)
	}
}

// PublishInbound enqueues a channel-originated message for consumption by
// the inbound processing loop (cmd.consumeInboundMessages).
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks for the next inbound message or ctx cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a message to be delivered back to a channel adapter.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks for the next outbound message or ctx cancellation.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

var (
	_ EventPublisher = (*MessageBus)(nil)
	_ MessageRouter  = (*MessageBus)(nil)
)
