package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOpenAIChatParsesToolCalls(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("auth = %q", auth)
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		io.WriteString(w, `{
			"choices": [{
				"message": {
					"content": "",
					"tool_calls": [{"id": "call_1", "function": {"name": "get_weather", "arguments": "{\"city\":\"Hanoi\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAI("openai", "sk-test", srv.URL, "gpt-4o")
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "weather?"}},
		Tools: []ToolDefinition{{Type: "function", Function: ToolFunctionSchema{
			Name: "get_weather", Parameters: map[string]interface{}{"type": "object"},
		}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("tool calls = %d", len(resp.ToolCalls))
	}
	tc := resp.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "get_weather" || tc.Arguments["city"] != "Hanoi" {
		t.Errorf("tool call = %+v", tc)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if gotBody["model"] != "gpt-4o" {
		t.Errorf("request model = %v", gotBody["model"])
	}
	if _, ok := gotBody["tools"]; !ok {
		t.Error("request missing tools")
	}
}

func TestOpenAIChatStreamAccumulates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"calc","arguments":"{\"expr\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"1+1\"}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}],"usage":{"prompt_tokens":3,"completion_tokens":7,"total_tokens":10}}`,
		}
		for _, f := range frames {
			io.WriteString(w, "data: "+f+"\n\n")
		}
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAI("groq", "sk-test", srv.URL, "llama-3.3-70b-versatile")
	var streamed strings.Builder
	var done bool
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, func(c StreamChunk) {
		streamed.WriteString(c.Content)
		if c.Done {
			done = true
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hello" || streamed.String() != "Hello" {
		t.Errorf("content = %q, streamed = %q", resp.Content, streamed.String())
	}
	if !done {
		t.Error("missing done chunk")
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["expr"] != "1+1" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 10 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestOpenAIHTTPErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"rate limited"}}`)
	}))
	defer srv.Close()

	p := NewOpenAI("openai", "sk-test", srv.URL, "gpt-4o")
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %v", err)
	}
}

func TestAnthropicChatWireFormat(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "sk-ant" {
			t.Errorf("key header = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("missing anthropic-version header")
		}
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		io.WriteString(w, `{
			"content": [
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "tu_1", "name": "read_file", "input": {"path": "a.txt"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 20, "output_tokens": 8}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropic("sk-ant", srv.URL, "claude-sonnet-4-5")
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "read a.txt"},
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "prev", Name: "noop", Arguments: map[string]interface{}{}}}},
			{Role: "tool", ToolCallID: "prev", Content: "ok"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Checking." {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["path"] != "a.txt" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 28 {
		t.Errorf("usage = %+v", resp.Usage)
	}

	// System messages lift out of the messages array.
	if _, ok := gotBody["system"]; !ok {
		t.Error("request missing top-level system")
	}
	msgs := gotBody["messages"].([]interface{})
	if len(msgs) != 3 {
		t.Fatalf("wire messages = %d, want 3", len(msgs))
	}
	last := msgs[2].(map[string]interface{})
	if last["role"] != "user" {
		t.Errorf("tool result role = %v, want user", last["role"])
	}
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		frames := []struct{ event, data string }{
			{"message_start", `{"message":{"usage":{"input_tokens":12}}}`},
			{"content_block_start", `{"content_block":{"type":"text"}}`},
			{"content_block_delta", `{"delta":{"type":"text_delta","text":"Hi "}}`},
			{"content_block_delta", `{"delta":{"type":"text_delta","text":"there"}}`},
			{"content_block_start", `{"content_block":{"type":"tool_use","id":"tu_2","name":"calc"}}`},
			{"content_block_delta", `{"delta":{"type":"input_json_delta","partial_json":"{\"expr\":\"2"}}`},
			{"content_block_delta", `{"delta":{"type":"input_json_delta","partial_json":"*3\"}"}}`},
			{"message_delta", `{"delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`},
			{"message_stop", `{}`},
		}
		for _, f := range frames {
			io.WriteString(w, "event: "+f.event+"\ndata: "+f.data+"\n\n")
		}
	}))
	defer srv.Close()

	p := NewAnthropic("sk-ant", srv.URL, "claude-sonnet-4-5")
	resp, err := p.ChatStream(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "Hi there" {
		t.Errorf("content = %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments["expr"] != "2*3" {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish = %s", resp.FinishReason)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 9 || resp.Usage.TotalTokens != 21 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestValidateRejectsBadKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	if err := NewOpenAI("openai", "bad", srv.URL, "gpt-4o").Validate(context.Background()); err == nil {
		t.Error("openai validate should fail on 401")
	}
	if err := NewAnthropic("bad", srv.URL, "").Validate(context.Background()); err == nil {
		t.Error("anthropic validate should fail on 401")
	}
}

type mapVault map[string]string

func (m mapVault) GetString(key string) (string, error) {
	if v, ok := m[key]; ok {
		return v, nil
	}
	return "", io.EOF
}

func TestResolveKeyVaultThenEnv(t *testing.T) {
	if got := resolveKey(mapVault{"groq_api_key": "gsk-1"}, "groq"); got != "gsk-1" {
		t.Errorf("vault key = %q", got)
	}
	t.Setenv("QCLAW_DEEPSEEK_API_KEY", "dsk-2")
	if got := resolveKey(mapVault{}, "deepseek"); got != "dsk-2" {
		t.Errorf("env fallback = %q", got)
	}
	if got := resolveKey(mapVault{}, "openai"); got != "" {
		t.Errorf("missing key = %q", got)
	}
}
