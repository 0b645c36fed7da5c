package tools

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/queue"
	"github.com/quantumclaw/quantumclaw/internal/store"
	"github.com/quantumclaw/quantumclaw/internal/trust"
)

func testRegistry(t *testing.T, cfg *config.Config, kernel *trust.Kernel) (*Registry, *queue.ExecApprovals) {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
	}
	dir := t.TempDir()
	db := store.Open(filepath.Join(dir, "shared.db"), dir, slog.Default())
	t.Cleanup(func() { db.Close() })
	approvals := queue.NewExecApprovals(db, slog.Default())
	return NewRegistry(cfg, kernel, approvals, nil, slog.Default()), approvals
}

func TestExecuteUnknownTool(t *testing.T) {
	r, _ := testRegistry(t, nil, nil)
	res := r.Execute(context.Background(), "nope", nil, "owner", "cli")
	if !res.IsError {
		t.Fatal("expected error for unknown tool")
	}
}

func TestExecuteTrustDeny(t *testing.T) {
	kernel := trust.Parse("# Values\n## Hard Rules\n- Never touch `production` systems.\n")
	r, _ := testRegistry(t, nil, kernel)

	var calls int
	r.Register(&Tool{
		Name: "deploy",
		Kind: KindBuiltin,
		Handler: func(context.Context, map[string]interface{}) *Result {
			calls++
			return NewResult("deployed")
		},
	})

	res := r.Execute(context.Background(), "deploy", map[string]interface{}{"target": "production"}, "owner", "cli")
	if !res.IsError || !strings.Contains(res.ForLLM, "⛔ Blocked by Trust Kernel:") {
		t.Fatalf("result = %+v", res)
	}
	if calls != 0 {
		t.Error("handler ran despite deny")
	}
}

func TestExecuteApprovalGate(t *testing.T) {
	cfg := config.Default()
	cfg.Tools.RequireApproval = []string{"exec"}
	r, approvals := testRegistry(t, cfg, nil)

	var calls int
	r.Register(&Tool{
		Name: "exec",
		Kind: KindBuiltin,
		Handler: func(context.Context, map[string]interface{}) *Result {
			calls++
			return NewResult("ran")
		},
	})

	res := r.Execute(context.Background(), "exec", map[string]interface{}{"command": "ls"}, "owner", "cli")
	if !res.Pending || res.ApprovalID == "" {
		t.Fatalf("result = %+v", res)
	}
	if calls != 0 {
		t.Fatal("handler ran before approval")
	}

	if !approvals.Resolve(res.ApprovalID, true) {
		t.Fatal("resolve failed")
	}
	res2 := r.ExecuteApproved(context.Background(), "exec", map[string]interface{}{"command": "ls"}, "owner", "cli")
	if res2.IsError || calls != 1 {
		t.Fatalf("approved run: result = %+v calls = %d", res2, calls)
	}
}

func TestExecuteTimeout(t *testing.T) {
	r, _ := testRegistry(t, nil, nil)
	r.Register(&Tool{
		Name:    "slow",
		Kind:    KindBuiltin,
		Timeout: 50 * time.Millisecond,
		Handler: func(ctx context.Context, _ map[string]interface{}) *Result {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return NewResult("too late")
		},
	})
	res := r.Execute(context.Background(), "slow", nil, "owner", "cli")
	if !res.IsError || !strings.Contains(res.ForLLM, "timed out") {
		t.Fatalf("result = %+v", res)
	}
}

func TestExecuteTruncatesOutput(t *testing.T) {
	r, _ := testRegistry(t, nil, nil)
	r.Register(&Tool{
		Name: "big",
		Kind: KindBuiltin,
		Handler: func(context.Context, map[string]interface{}) *Result {
			return NewResult(strings.Repeat("x", maxCapturedOutput+100))
		},
	})
	res := r.Execute(context.Background(), "big", nil, "owner", "cli")
	if !res.Truncated {
		t.Fatal("output not marked truncated")
	}
	if !strings.HasSuffix(res.ForLLM, truncationMarker) {
		t.Error("truncation marker missing")
	}
}

func TestExecutePanicRecovered(t *testing.T) {
	r, _ := testRegistry(t, nil, nil)
	r.Register(&Tool{
		Name: "boom",
		Kind: KindBuiltin,
		Handler: func(context.Context, map[string]interface{}) *Result {
			panic("kaput")
		},
	})
	res := r.Execute(context.Background(), "boom", nil, "owner", "cli")
	if !res.IsError || !strings.Contains(res.ForLLM, "panicked") {
		t.Fatalf("result = %+v", res)
	}
}

func TestValidateArgs(t *testing.T) {
	r, _ := testRegistry(t, nil, nil)
	r.Register(&Tool{
		Name: "greet",
		Kind: KindBuiltin,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"name": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"name"},
		},
		Handler: func(context.Context, map[string]interface{}) *Result { return NewResult("hi") },
	})

	if err := r.ValidateArgs("greet", map[string]interface{}{"name": "Ada"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := r.ValidateArgs("greet", map[string]interface{}{}); err == nil {
		t.Error("missing required arg accepted")
	}
	if err := r.ValidateArgs("greet", map[string]interface{}{"name": 42}); err == nil {
		t.Error("wrong-typed arg accepted")
	}
	if err := r.ValidateArgs("ghost", nil); err == nil {
		t.Error("unknown tool accepted")
	}
}

func TestSchemasSorted(t *testing.T) {
	r, _ := testRegistry(t, nil, nil)
	r.Register(&Tool{Name: "zeta", Kind: KindBuiltin, Handler: func(context.Context, map[string]interface{}) *Result { return nil }})
	r.Register(&Tool{Name: "alpha", Kind: KindBuiltin, Handler: func(context.Context, map[string]interface{}) *Result { return nil }})
	defs := r.Schemas()
	if len(defs) != 2 || defs[0].Function.Name != "alpha" {
		t.Errorf("schemas = %+v", defs)
	}
}

func TestUnregisterKind(t *testing.T) {
	r, _ := testRegistry(t, nil, nil)
	r.Register(&Tool{Name: "srv_a", Kind: KindMCP, Handler: func(context.Context, map[string]interface{}) *Result { return nil }})
	r.Register(&Tool{Name: "keep", Kind: KindBuiltin, Handler: func(context.Context, map[string]interface{}) *Result { return nil }})

	r.UnregisterKind(KindMCP, nil)
	if _, ok := r.Get("srv_a"); ok {
		t.Error("mcp tool still registered")
	}
	if _, ok := r.Get("keep"); !ok {
		t.Error("builtin removed")
	}
}

func TestDestinationOf(t *testing.T) {
	cases := []struct {
		args map[string]interface{}
		want string
	}{
		{map[string]interface{}{"to": "alice@corp.test"}, "alice@corp.test"},
		{map[string]interface{}{"recipient": "bob"}, "bob"},
		{map[string]interface{}{"text": "hello"}, ""},
		{nil, ""},
	}
	for _, c := range cases {
		if got := destinationOf(c.args); got != c.want {
			t.Errorf("destinationOf(%v) = %q, want %q", c.args, got, c.want)
		}
	}
}
