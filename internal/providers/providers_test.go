package providers

import (
	"context"
	"testing"
)

func TestRegistryGetAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register(NewScripted())

	if _, err := r.Get("scripted"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Fatal("expected error for unregistered provider")
	}
	if names := r.Names(); len(names) != 1 || names[0] != "scripted" {
		t.Errorf("names = %v", names)
	}
}

func TestValidateAll(t *testing.T) {
	r := NewRegistry()
	good := NewScripted()
	bad := NewScripted()
	bad.ProviderName = "broken"
	bad.FailValidate = true
	r.Register(good)
	r.Register(bad)

	valid := r.ValidateAll(context.Background())
	if len(valid) != 1 || valid[0] != "scripted" {
		t.Errorf("valid = %v", valid)
	}
}

func TestCost(t *testing.T) {
	tests := []struct {
		name  string
		model string
		usage *Usage
		want  float64
	}{
		{"sonnet", "claude-sonnet-4-5", &Usage{PromptTokens: 1000, CompletionTokens: 500}, 1000*3.00/1e6 + 500*15.00/1e6},
		{"haiku", "claude-haiku-4-5", &Usage{PromptTokens: 2000, CompletionTokens: 100}, 2000*0.80/1e6 + 100*4.00/1e6},
		{"longest prefix wins", "gpt-4o-mini", &Usage{PromptTokens: 1e6, CompletionTokens: 0}, 0.15},
		{"unknown model uses default", "mystery-9", &Usage{PromptTokens: 1e6, CompletionTokens: 1e6}, 4.00},
		{"nil usage", "claude-sonnet-4-5", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Cost(tt.model, tt.usage)
			if diff := got - tt.want; diff > 1e-12 || diff < -1e-12 {
				t.Errorf("Cost(%s) = %v, want %v", tt.model, got, tt.want)
			}
		})
	}
}

func TestScriptedQueueAndEcho(t *testing.T) {
	s := NewScripted()
	s.Enqueue(&ChatResponse{Content: "canned", FinishReason: "stop"})

	resp, err := s.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "canned" {
		t.Errorf("content = %q", resp.Content)
	}

	resp, err = s.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hello"}}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "echo: hello" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(s.Calls()) != 2 {
		t.Errorf("calls = %d", len(s.Calls()))
	}
}
