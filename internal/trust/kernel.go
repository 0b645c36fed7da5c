// Package trust implements the policy kernel. Policy is a markdown file
// (VALUES.md) with three rule sections: hard rules deny outright, soft
// rules attach advisories, forbidden contacts block any action whose
// destination matches. The kernel is read-only at runtime; edits to the
// policy file take effect on restart.
package trust

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"

	"github.com/quantumclaw/quantumclaw/internal/audit"
)

// Rule is one parsed policy line. Terms are the backtick- or quote-marked
// phrases used for matching; a rule without terms matches on its own
// content words, expanded through the intent table so plain prose like
// "Never delete data" still trips on an rm invocation.
type Rule struct {
	Text  string
	Terms []string
}

// Action describes a tool call about to execute.
type Action struct {
	Tool        string
	Args        map[string]interface{}
	Destination string // contactable address, when the action sends somewhere
	Actor       string
	Channel     string
}

// Decision is the kernel's verdict. Advisories never flip Allow to false.
type Decision struct {
	Allow      bool
	Reason     string
	Advisories []string
}

// Kernel holds the parsed policy. Immutable after Load.
type Kernel struct {
	hard      []Rule
	soft      []Rule
	forbidden []string
	raw       string
	auditLog  *audit.Log
}

// Load parses the policy file at path. A missing file yields an empty
// permissive kernel: the owner has not written a policy yet.
func Load(path string, auditLog *audit.Log) (*Kernel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Kernel{auditLog: auditLog}, nil
		}
		return nil, fmt.Errorf("read policy: %w", err)
	}
	k := Parse(string(data))
	k.auditLog = auditLog
	return k, nil
}

var termPattern = regexp.MustCompile("`([^`]+)`|\"([^\"]+)\"")

// Parse builds a Kernel from policy markdown.
func Parse(text string) *Kernel {
	k := &Kernel{raw: text}

	section := ""
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			heading := strings.ToLower(strings.TrimLeft(trimmed, "# "))
			switch {
			case strings.Contains(heading, "hard rule"):
				section = "hard"
			case strings.Contains(heading, "soft rule"):
				section = "soft"
			case strings.Contains(heading, "forbidden contact"):
				section = "forbidden"
			default:
				section = ""
			}
			continue
		}

		if !strings.HasPrefix(trimmed, "- ") && !strings.HasPrefix(trimmed, "* ") {
			continue
		}
		body := strings.TrimSpace(trimmed[2:])
		if body == "" {
			continue
		}

		switch section {
		case "hard":
			k.hard = append(k.hard, parseRule(body))
		case "soft":
			k.soft = append(k.soft, parseRule(body))
		case "forbidden":
			k.forbidden = append(k.forbidden, normalizeContact(body))
		}
	}
	return k
}

func parseRule(text string) Rule {
	r := Rule{Text: text}
	for _, m := range termPattern.FindAllStringSubmatch(text, -1) {
		term := m[1]
		if term == "" {
			term = m[2]
		}
		r.Terms = append(r.Terms, strings.ToLower(term))
	}
	return r
}

func normalizeContact(s string) string {
	// A forbidden-contact line may carry the address in backticks with a note.
	if m := termPattern.FindStringSubmatch(s); m != nil {
		if m[1] != "" {
			return strings.ToLower(m[1])
		}
		return strings.ToLower(m[2])
	}
	// Otherwise take the first token so "bob@example.com - my ex-boss" works.
	fields := strings.Fields(s)
	return strings.ToLower(fields[0])
}

// Check evaluates an action. Order: hard rules, then forbidden contacts,
// then soft rules as advisories. Every deny is audited before returning.
func (k *Kernel) Check(action Action) Decision {
	text := actionText(action)

	for _, r := range k.hard {
		if ruleMatches(r, text) {
			return k.deny(action, r.Text)
		}
	}

	if action.Destination != "" {
		dest := strings.ToLower(action.Destination)
		for _, c := range k.forbidden {
			if dest == c || strings.Contains(dest, c) {
				return k.deny(action, "forbidden contact: "+c)
			}
		}
	}

	d := Decision{Allow: true}
	for _, r := range k.soft {
		if ruleMatches(r, text) {
			d.Advisories = append(d.Advisories, r.Text)
		}
	}
	return d
}

func (k *Kernel) deny(action Action, reason string) Decision {
	if k.auditLog != nil {
		k.auditLog.Record(audit.Entry{
			Category: audit.CategoryTrust,
			Action:   "tool_denied",
			Actor:    action.Actor,
			Channel:  action.Channel,
			Detail:   fmt.Sprintf("tool=%s reason=%s", action.Tool, reason),
		})
	}
	return Decision{Allow: false, Reason: reason}
}

func ruleMatches(r Rule, actionText string) bool {
	if len(r.Terms) > 0 {
		for _, term := range r.Terms {
			if strings.Contains(actionText, term) {
				return true
			}
		}
		return false
	}
	for _, w := range proseWords(r.Text) {
		if containsWord(actionText, w) {
			return true
		}
		for _, t := range intentTerms[w] {
			if strings.Contains(actionText, t) {
				return true
			}
		}
	}
	return false
}

// proseStopwords carry no intent and are skipped when a term-less rule
// matches by its words.
var proseStopwords = map[string]bool{
	"never": true, "always": true, "not": true, "don't": true, "any": true,
	"anyone": true, "the": true, "of": true, "or": true, "and": true,
	"to": true, "with": true, "for": true, "in": true, "on": true,
	"are": true, "other": true, "your": true, "you": true,
}

var destructiveTerms = []string{
	"rm ", "rm -", "rmdir", "unlink", "shred", "del ",
	"drop table", "truncate", "mkfs",
}

// intentTerms maps a prose rule word to the action fragments that carry
// the same intent, so "Never delete data" trips on "rm -rf".
var intentTerms = map[string][]string{
	"delete":  destructiveTerms,
	"remove":  destructiveTerms,
	"erase":   destructiveTerms,
	"wipe":    destructiveTerms,
	"destroy": destructiveTerms,
}

// proseWords returns the matchable words of a term-less rule.
func proseWords(text string) []string {
	var out []string
	for _, f := range strings.Fields(strings.ToLower(text)) {
		f = strings.Trim(f, ".,!?:;\"'()")
		if len(f) < 3 || proseStopwords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

// containsWord is Contains with word boundaries, so "data" does not
// match inside "metadata".
func containsWord(text, w string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], w)
		if j < 0 {
			return false
		}
		j += i
		before := j == 0 || !isWordChar(rune(text[j-1]))
		after := j+len(w) == len(text) || !isWordChar(rune(text[j+len(w)]))
		if before && after {
			return true
		}
		i = j + len(w)
	}
}

func isWordChar(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func actionText(a Action) string {
	var sb strings.Builder
	sb.WriteString(strings.ToLower(a.Tool))
	if len(a.Args) > 0 {
		if data, err := json.Marshal(a.Args); err == nil {
			sb.WriteByte(' ')
			sb.WriteString(strings.ToLower(string(data)))
		}
	}
	if a.Destination != "" {
		sb.WriteByte(' ')
		sb.WriteString(strings.ToLower(a.Destination))
	}
	return sb.String()
}

// HardRules returns the hard rule texts.
func (k *Kernel) HardRules() []string { return ruleTexts(k.hard) }

// SoftRules returns the soft rule texts.
func (k *Kernel) SoftRules() []string { return ruleTexts(k.soft) }

// ForbiddenContacts returns the normalized forbidden destinations.
func (k *Kernel) ForbiddenContacts() []string {
	out := make([]string, len(k.forbidden))
	copy(out, k.forbidden)
	return out
}

// Raw returns the policy markdown for system-prompt composition.
func (k *Kernel) Raw() string { return k.raw }

func ruleTexts(rules []Rule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = r.Text
	}
	return out
}
