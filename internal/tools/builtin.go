package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/memory"
)

// Deps are the collaborators the built-in tools close over.
type Deps struct {
	Memory     *memory.Subsystem
	Timezone   *time.Location
	Workspace  string // root for file tools
	HTTPClient *http.Client

	// SpawnAgent delegates a task to a named sub-agent and returns its reply.
	SpawnAgent func(ctx context.Context, name, task string) (string, error)
	// ChannelSend pushes a message to a channel user.
	ChannelSend func(ctx context.Context, channel, userID, text string) error
	// Broadcast emits a dashboard event (canvas renders).
	Broadcast func(name string, payload interface{})
}

// RegisterBuiltins adds every built-in tool to the registry.
func RegisterBuiltins(r *Registry, deps Deps) {
	if deps.Timezone == nil {
		deps.Timezone = time.UTC
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 25 * time.Second}
	}

	r.Register(timeTool(deps))
	r.Register(calculateTool())
	r.Register(fetchTool(deps))
	r.Register(webSearchTool(deps))
	r.Register(memorySearchTool(deps))
	r.Register(channelSendTool(deps))
	r.Register(canvasRenderTool(deps))
	r.Register(spawnAgentTool(deps))
	r.Register(shellTool(r.cfg.Tools.ShellAllowList, deps.Workspace))
	registerFileTools(r, deps)
	registerProcessTools(r, deps)
}

func timeTool(deps Deps) *Tool {
	return &Tool{
		Name:        "time",
		Description: "Get the current date and time in the owner's timezone.",
		Kind:        KindBuiltin,
		Handler: func(context.Context, map[string]interface{}) *Result {
			now := time.Now().In(deps.Timezone)
			return NewResult(now.Format("Monday, 2 January 2006 15:04:05 MST"))
		},
	}
}

func calculateTool() *Tool {
	return &Tool{
		Name:        "calculate",
		Description: "Evaluate a basic arithmetic expression.",
		Kind:        KindBuiltin,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"expression": map[string]interface{}{"type": "string", "description": "expression like 12 * (3 + 4)"},
			},
			"required": []interface{}{"expression"},
		},
		Handler: func(_ context.Context, args map[string]interface{}) *Result {
			expr, _ := args["expression"].(string)
			v, err := evalExpression(expr)
			if err != nil {
				return ErrorResult("cannot evaluate: " + err.Error())
			}
			return NewResult(strconv.FormatFloat(v, 'g', -1, 64))
		},
	}
}

func fetchTool(deps Deps) *Tool {
	return &Tool{
		Name:        "fetch",
		Description: "Fetch a URL and return up to 100KB of its body as text.",
		Kind:        KindBuiltin,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"url": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"url"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			raw, _ := args["url"].(string)
			u, err := url.Parse(raw)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return ErrorResult("fetch needs an http(s) URL")
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
			if err != nil {
				return ErrorResult(err.Error())
			}
			resp, err := deps.HTTPClient.Do(req)
			if err != nil {
				return ErrorResult("fetch failed: " + err.Error())
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 100*1024))
			if err != nil {
				return ErrorResult("fetch read failed: " + err.Error())
			}
			return NewResult(fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, string(body)))
		},
	}
}

func webSearchTool(deps Deps) *Tool {
	return &Tool{
		Name:        "web_search",
		Description: "Search the web and return the top results.",
		Kind:        KindBuiltin,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"query"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			query, _ := args["query"].(string)
			results, err := duckduckgoSearch(ctx, deps.HTTPClient, query)
			if err != nil {
				return ErrorResult("search failed: " + err.Error())
			}
			if len(results) == 0 {
				return NewResult("no results")
			}
			return NewResult(strings.Join(results, "\n"))
		},
	}
}

// duckduckgoSearch uses the instant-answer endpoint: no key required.
func duckduckgoSearch(ctx context.Context, client *http.Client, query string) ([]string, error) {
	u := "https://api.duckduckgo.com/?format=json&no_html=1&q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		RelatedTopics []struct {
			Text     string `json:"Text"`
			FirstURL string `json:"FirstURL"`
		} `json:"RelatedTopics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}

	var results []string
	if out.AbstractText != "" {
		results = append(results, fmt.Sprintf("%s (%s)", out.AbstractText, out.AbstractURL))
	}
	for i, t := range out.RelatedTopics {
		if i >= 5 || t.Text == "" {
			break
		}
		results = append(results, fmt.Sprintf("%s (%s)", t.Text, t.FirstURL))
	}
	return results, nil
}

func memorySearchTool(deps Deps) *Tool {
	return &Tool{
		Name:        "memory_search",
		Description: "Search long-term memory for facts about the owner and past events.",
		Kind:        KindBuiltin,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"query"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			if deps.Memory == nil {
				return NewResult("memory is unavailable")
			}
			query, _ := args["query"].(string)
			results := deps.Memory.Search(ctx, query)
			if len(results) == 0 {
				return NewResult("nothing found")
			}
			var sb strings.Builder
			for _, r := range results {
				fmt.Fprintf(&sb, "- %s (%s)\n", r.Text, r.Source)
			}
			return NewResult(sb.String())
		},
	}
}

func channelSendTool(deps Deps) *Tool {
	return &Tool{
		Name:        "channel_send",
		Description: "Send a message to a user on another channel.",
		Kind:        KindBuiltin,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"channel": map[string]interface{}{"type": "string"},
				"to":      map[string]interface{}{"type": "string"},
				"text":    map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"channel", "to", "text"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			if deps.ChannelSend == nil {
				return ErrorResult("cross-channel send is unavailable")
			}
			channel, _ := args["channel"].(string)
			to, _ := args["to"].(string)
			text, _ := args["text"].(string)
			if err := deps.ChannelSend(ctx, channel, to, text); err != nil {
				return ErrorResult("send failed: " + err.Error())
			}
			return SilentResult(fmt.Sprintf("sent to %s on %s", to, channel))
		},
	}
}

func canvasRenderTool(deps Deps) *Tool {
	return &Tool{
		Name:        "canvas_render",
		Description: "Render HTML or markdown on the owner's dashboard canvas.",
		Kind:        KindBuiltin,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"content": map[string]interface{}{"type": "string"},
				"format":  map[string]interface{}{"type": "string", "enum": []interface{}{"html", "markdown"}},
			},
			"required": []interface{}{"content"},
		},
		Handler: func(_ context.Context, args map[string]interface{}) *Result {
			if deps.Broadcast == nil {
				return ErrorResult("dashboard is unavailable")
			}
			content, _ := args["content"].(string)
			format, _ := args["format"].(string)
			if format == "" {
				format = "markdown"
			}
			deps.Broadcast("canvas_render", map[string]string{"content": content, "format": format})
			return SilentResult("rendered on canvas")
		},
	}
}

func spawnAgentTool(deps Deps) *Tool {
	return &Tool{
		Name:        "spawn_agent",
		Description: "Delegate a task to a named sub-agent and return its answer.",
		Kind:        KindBuiltin,
		Timeout:     shellTimeout,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"agent": map[string]interface{}{"type": "string"},
				"task":  map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"agent", "task"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			if deps.SpawnAgent == nil {
				return ErrorResult("sub-agents are unavailable")
			}
			name, _ := args["agent"].(string)
			task, _ := args["task"].(string)
			reply, err := deps.SpawnAgent(ctx, name, task)
			if err != nil {
				return ErrorResult("delegation failed: " + err.Error())
			}
			return NewResult(reply)
		},
	}
}
