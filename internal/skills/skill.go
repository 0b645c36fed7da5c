// Package skills loads markdown skill documents: API descriptions the agent
// can call through synthesized tools. A skill file has Auth, Endpoints,
// Permissions and Quirks sections; header values may reference vault keys
// with {{secrets.<key>}} placeholders that are resolved only at call time.
package skills

import (
	"fmt"
	"regexp"
	"strings"
)

// Endpoint is one callable operation parsed from the Endpoints section.
type Endpoint struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
}

// Permissions is the triple a skill declares.
type Permissions struct {
	Network []string `json:"network,omitempty"` // hosts the skill may reach
	Shell   bool     `json:"shell"`
	File    bool     `json:"file"`
}

// Skill source kinds.
const (
	SourceLocal   = "local"
	SourceClawHub = "clawhub"
	SourceURL     = "url"
)

// Skill is one parsed skill document plus its install metadata.
type Skill struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	BaseURL     string            `json:"baseUrl,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"` // values may contain {{secrets.*}}
	Endpoints   []Endpoint        `json:"endpoints,omitempty"`
	Permissions Permissions       `json:"permissions"`
	Quirks      []string          `json:"quirks,omitempty"`

	Source   string `json:"source"`
	Reviewed bool   `json:"reviewed"`
	Enabled  bool   `json:"enabled"`
	Path     string `json:"-"`
}

var endpointLine = regexp.MustCompile(`^(GET|POST|PUT|PATCH|DELETE)\s+(\S+)(?:\s*[-—–]\s*(.*))?$`)

// Parse reads a skill markdown document.
func Parse(text string) (*Skill, error) {
	s := &Skill{Headers: make(map[string]string), Enabled: true}

	section := ""
	var descLines []string
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)

		switch {
		case strings.HasPrefix(line, "# ") && s.Name == "":
			s.Name = strings.TrimSpace(line[2:])
			continue
		case strings.HasPrefix(line, "## "):
			section = strings.ToLower(strings.TrimSpace(line[3:]))
			continue
		}

		switch section {
		case "":
			if line != "" && s.Name != "" {
				descLines = append(descLines, line)
			}
		case "auth":
			parseAuthLine(s, line)
		case "endpoints":
			parseEndpointLine(s, line)
		case "permissions":
			parsePermissionLine(s, line)
		case "quirks":
			if body := bulletBody(line); body != "" {
				s.Quirks = append(s.Quirks, body)
			}
		}
	}

	if s.Name == "" {
		return nil, fmt.Errorf("skill document has no title heading")
	}
	s.Description = strings.Join(descLines, " ")
	return s, nil
}

func bulletBody(line string) string {
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
		return strings.TrimSpace(line[2:])
	}
	return ""
}

func parseAuthLine(s *Skill, line string) {
	body := line
	if b := bulletBody(line); b != "" {
		body = b
	}
	lower := strings.ToLower(body)
	switch {
	case strings.HasPrefix(lower, "base url:"):
		s.BaseURL = strings.TrimSpace(body[len("base url:"):])
	case strings.HasPrefix(lower, "header:"):
		kv := strings.TrimSpace(body[len("header:"):])
		if name, value, ok := strings.Cut(kv, ":"); ok {
			s.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}
}

func parseEndpointLine(s *Skill, line string) {
	body := bulletBody(line)
	if body == "" {
		body = line
	}
	m := endpointLine.FindStringSubmatch(body)
	if m == nil {
		return
	}
	s.Endpoints = append(s.Endpoints, Endpoint{Method: m[1], Path: m[2], Description: strings.TrimSpace(m[3])})
}

func parsePermissionLine(s *Skill, line string) {
	body := bulletBody(line)
	if body == "" {
		return
	}
	key, value, ok := strings.Cut(body, ":")
	if !ok {
		return
	}
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "network":
		for _, host := range strings.Split(value, ",") {
			if h := strings.TrimSpace(host); h != "" {
				s.Permissions.Network = append(s.Permissions.Network, h)
			}
		}
	case "shell":
		s.Permissions.Shell = value == "true" || value == "yes"
	case "file":
		s.Permissions.File = value == "true" || value == "yes"
	}
}

var secretRef = regexp.MustCompile(`\{\{secrets\.([A-Za-z0-9_.-]+)\}\}`)

// SecretGetter resolves a vault key to its plaintext.
type SecretGetter interface {
	GetString(key string) (string, error)
}

// ExpandSecrets resolves {{secrets.<key>}} placeholders. Unknown keys
// leave the placeholder intact so the error surfaces at the call site.
func ExpandSecrets(s string, vault SecretGetter) string {
	return secretRef.ReplaceAllStringFunc(s, func(m string) string {
		key := secretRef.FindStringSubmatch(m)[1]
		if v, err := vault.GetString(key); err == nil {
			return v
		}
		return m
	})
}

// SecretRefs returns the vault keys a string references.
func SecretRefs(s string) []string {
	var out []string
	for _, m := range secretRef.FindAllStringSubmatch(s, -1) {
		out = append(out, m[1])
	}
	return out
}
