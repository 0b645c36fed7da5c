package providers

import (
	"context"
	"fmt"
	"sync"
)

// Scripted is a deterministic in-process provider. Responses are served
// from a queue in order; when the queue is empty, Chat echoes the last
// user message. Used by tests and the doctor command.
type Scripted struct {
	ProviderName string
	Model        string
	FailValidate bool

	mu    sync.Mutex
	queue []*ChatResponse
	calls []ChatRequest
}

// NewScripted returns a scripted provider named "scripted".
func NewScripted() *Scripted {
	return &Scripted{ProviderName: "scripted", Model: "scripted-1"}
}

// Enqueue appends a canned response.
func (s *Scripted) Enqueue(resp *ChatResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, resp)
}

// Calls returns the requests seen so far.
func (s *Scripted) Calls() []ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChatRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Scripted) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)

	if len(s.queue) > 0 {
		resp := s.queue[0]
		s.queue = s.queue[1:]
		return resp, nil
	}

	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	return &ChatResponse{
		Content:      fmt.Sprintf("echo: %s", last),
		FinishReason: "stop",
		Usage:        &Usage{PromptTokens: len(req.Messages) * 10, CompletionTokens: 10, TotalTokens: len(req.Messages)*10 + 10},
	}, nil
}

func (s *Scripted) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		onChunk(StreamChunk{Content: resp.Content})
		onChunk(StreamChunk{Done: true})
	}
	return resp, nil
}

func (s *Scripted) DefaultModel() string { return s.Model }
func (s *Scripted) Name() string         { return s.ProviderName }

func (s *Scripted) Validate(context.Context) error {
	if s.FailValidate {
		return fmt.Errorf("scripted provider set to fail validation")
	}
	return nil
}
