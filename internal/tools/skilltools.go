package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/skills"
)

const skillCallTimeout = 30 * time.Second

// SyncSkillTools rebuilds the skill-synthesized tools from the given skill
// set. Secrets referenced in headers are resolved per call, never cached.
func SyncSkillTools(r *Registry, active []*skills.Skill, vault skills.SecretGetter, client *http.Client) {
	if client == nil {
		client = &http.Client{Timeout: skillCallTimeout}
	}
	r.UnregisterKind(KindSkill, nil)
	for _, s := range active {
		for _, ep := range s.Endpoints {
			r.Register(skillEndpointTool(s, ep, vault, client))
		}
	}
}

var nonIdent = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

// skillToolName derives a stable tool name from the skill and endpoint.
func skillToolName(s *skills.Skill, ep skills.Endpoint) string {
	return slugify(s.Name) + "_" + strings.ToLower(ep.Method) + "_" + slugify(ep.Path)
}

var pathParam = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

func skillEndpointTool(s *skills.Skill, ep skills.Endpoint, vault skills.SecretGetter, client *http.Client) *Tool {
	desc := ep.Description
	if desc == "" {
		desc = fmt.Sprintf("%s %s on %s", ep.Method, ep.Path, s.Name)
	}
	if len(s.Quirks) > 0 {
		desc += " Notes: " + strings.Join(s.Quirks, " ")
	}

	props := map[string]interface{}{
		"query": map[string]interface{}{"type": "object", "description": "query string parameters"},
	}
	var required []interface{}
	for _, m := range pathParam.FindAllStringSubmatch(ep.Path, -1) {
		props[m[1]] = map[string]interface{}{"type": "string", "description": "path parameter"}
		required = append(required, m[1])
	}
	if ep.Method != http.MethodGet && ep.Method != http.MethodDelete {
		props["body"] = map[string]interface{}{"type": "object", "description": "JSON request body"}
	}
	schema := map[string]interface{}{"type": "object", "properties": props}
	if len(required) > 0 {
		schema["required"] = required
	}

	return &Tool{
		Name:        skillToolName(s, ep),
		Description: desc,
		Kind:        KindSkill,
		Schema:      schema,
		Timeout:     skillCallTimeout,
		Handler: func(ctx context.Context, args map[string]interface{}) *Result {
			return callSkillEndpoint(ctx, s, ep, vault, client, args)
		},
	}
}

func callSkillEndpoint(ctx context.Context, s *skills.Skill, ep skills.Endpoint, vault skills.SecretGetter, client *http.Client, args map[string]interface{}) *Result {
	path := ep.Path
	for _, m := range pathParam.FindAllStringSubmatch(ep.Path, -1) {
		v, ok := args[m[1]].(string)
		if !ok || v == "" {
			return ErrorResult("missing path parameter " + m[1])
		}
		path = strings.ReplaceAll(path, "{"+m[1]+"}", url.PathEscape(v))
	}

	full := strings.TrimRight(s.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	target, err := url.Parse(full)
	if err != nil {
		return ErrorResult("bad endpoint url: " + err.Error())
	}
	if !hostAllowed(target.Hostname(), s.Permissions.Network) {
		return ErrorResult(fmt.Sprintf("host %s is not in the skill's network permissions", target.Hostname()))
	}

	if q, ok := args["query"].(map[string]interface{}); ok {
		values := target.Query()
		for k, v := range q {
			values.Set(k, fmt.Sprint(v))
		}
		target.RawQuery = values.Encode()
	}

	var body io.Reader
	if b, ok := args["body"].(map[string]interface{}); ok {
		data, err := json.Marshal(b)
		if err != nil {
			return ErrorResult("bad request body: " + err.Error())
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, ep.Method, target.String(), body)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Header templates are expanded here so plaintext secrets never live
	// longer than the request.
	for name, value := range s.Headers {
		req.Header.Set(name, skills.ExpandSecrets(value, vault))
	}

	resp, err := client.Do(req)
	if err != nil {
		return ErrorResult("request failed: " + err.Error())
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxCapturedOutput))
	if err != nil {
		return ErrorResult("response read failed: " + err.Error())
	}

	out := fmt.Sprintf("HTTP %d\n%s", resp.StatusCode, string(respBody))
	if resp.StatusCode >= 400 {
		return ErrorResult(out)
	}
	return NewResult(out)
}

// hostAllowed checks a hostname against the skill's declared network
// permission. An empty permission list confines the skill to its base URL
// host, which is the common case for single-API skills.
func hostAllowed(host string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		a = strings.TrimSpace(strings.ToLower(a))
		if a == "*" || a == host {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(host, a[1:]) {
			return true
		}
	}
	return false
}
