package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeInbound(t *testing.T) {
	b := New()
	b.PublishInbound(InboundMessage{Channel: "telegram", ChatID: "42", Content: "hi"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("expected a message")
	}
	if msg.Channel != "telegram" || msg.ChatID != "42" {
		t.Errorf("got %+v", msg)
	}
}

func TestConsumeInboundCancelled(t *testing.T) {
	b := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := b.ConsumeInbound(ctx); ok {
		t.Fatal("expected false on cancelled context")
	}
}

func TestInboundDropsWhenFull(t *testing.T) {
	b := NewWithSize(1)
	var drops int
	b.OnDrop(func(string) { drops++ })

	b.PublishInbound(InboundMessage{Content: "first"})
	b.PublishInbound(InboundMessage{Content: "second"})

	if drops != 1 {
		t.Errorf("drops = %d, want 1", drops)
	}
}

func TestBroadcastAndUnsubscribe(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("a", func(e Event) { got = append(got, "a:"+e.Name) })
	b.Subscribe("b", func(e Event) { got = append(got, "b:"+e.Name) })

	b.Broadcast(Event{Name: "typing"})
	if len(got) != 2 {
		t.Fatalf("handlers called %d times, want 2", len(got))
	}

	b.Unsubscribe("b")
	got = nil
	b.Broadcast(Event{Name: "response"})
	if len(got) != 1 || got[0] != "a:response" {
		t.Errorf("got %v after unsubscribe", got)
	}
}
