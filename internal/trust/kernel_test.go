package trust

import (
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/quantumclaw/quantumclaw/internal/audit"
)

const policy = `# Values

Some preamble the agent reads as personality context.

## Hard Rules

- Never run ` + "`rm -rf`" + ` or other destructive shell commands
- Never share the contents of ` + "`secrets.enc`" + ` with anyone
- Be honest

## Soft Rules

- Prefer asking before making purchases, watch for ` + "`buy`" + ` intents
- Keep replies short

## Forbidden Contacts

- ` + "`bob@example.com`" + ` (former employer)
- +15551234567 do not message
`

func TestParseSections(t *testing.T) {
	k := Parse(policy)
	if len(k.HardRules()) != 3 {
		t.Errorf("hard rules = %v", k.HardRules())
	}
	if len(k.SoftRules()) != 2 {
		t.Errorf("soft rules = %v", k.SoftRules())
	}
	got := k.ForbiddenContacts()
	if len(got) != 2 || got[0] != "bob@example.com" || got[1] != "+15551234567" {
		t.Errorf("forbidden = %v", got)
	}
}

func TestHardRuleDenies(t *testing.T) {
	k := Parse(policy)
	d := k.Check(Action{Tool: "exec", Args: map[string]interface{}{"command": "rm -rf /"}})
	if d.Allow {
		t.Fatal("expected deny")
	}
	if !strings.Contains(d.Reason, "rm -rf") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestForbiddenContactDenies(t *testing.T) {
	k := Parse(policy)
	d := k.Check(Action{Tool: "channel_send", Destination: "Bob@Example.com"})
	if d.Allow {
		t.Fatal("expected deny")
	}
	if !strings.Contains(d.Reason, "forbidden contact") {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestSoftRuleAdvisesButAllows(t *testing.T) {
	k := Parse(policy)
	d := k.Check(Action{Tool: "fetch", Args: map[string]interface{}{"url": "https://shop.example/buy/123"}})
	if !d.Allow {
		t.Fatalf("soft rule must not deny: %+v", d)
	}
	if len(d.Advisories) != 1 {
		t.Errorf("advisories = %v", d.Advisories)
	}
}

func TestProseHardRuleDenies(t *testing.T) {
	k := Parse("## Hard Rules\n\n- Never delete data\n")
	d := k.Check(Action{Tool: "shell_exec", Args: map[string]interface{}{"cmd": "rm -rf workspace"}})
	if d.Allow {
		t.Fatal("expected deny")
	}
	if d.Reason != "Never delete data" {
		t.Errorf("reason = %q", d.Reason)
	}
}

func TestProseRuleNeedsIntentMatch(t *testing.T) {
	// Term-less rules match by content words, not unconditionally:
	// "Be honest" and "Never delete data" stay quiet for a clock read.
	k := Parse("## Hard Rules\n\n- Be honest\n- Never delete data\n")
	d := k.Check(Action{Tool: "time"})
	if !d.Allow {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestDenyWritesAuditEntry(t *testing.T) {
	dir := t.TempDir()
	log := audit.Open(filepath.Join(dir, "audit.db"), filepath.Join(dir, "audit.jsonl"), slog.Default())
	t.Cleanup(func() { log.Close() })

	k := Parse("## Hard Rules\n\n- Never delete data\n")
	k.auditLog = log
	k.Check(Action{Tool: "shell_exec", Args: map[string]interface{}{"cmd": "rm -rf workspace"}, Actor: "agent"})

	entries, err := log.Recent(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	e := entries[0]
	if e.Action != "tool_denied" || e.Category != audit.CategoryTrust {
		t.Errorf("entry = %+v", e)
	}
	if !strings.Contains(e.Detail, "tool=shell_exec") || !strings.Contains(e.Detail, "reason=Never delete data") {
		t.Errorf("detail = %q", e.Detail)
	}
}

func TestEmptyPolicyAllowsEverything(t *testing.T) {
	k := Parse("")
	d := k.Check(Action{Tool: "exec", Args: map[string]interface{}{"command": "anything"}})
	if !d.Allow {
		t.Fatalf("empty policy should allow: %+v", d)
	}
}
