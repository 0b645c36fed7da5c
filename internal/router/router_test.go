package router

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/quantumclaw/quantumclaw/internal/audit"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/providers"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		isVoice bool
		want    Tier
	}{
		{"ack word", "ok", false, TierReflex},
		{"thanks", "thanks!", false, TierReflex},
		{"bare thanks", "thanks", false, TierReflex},
		{"got it", "got it", false, TierReflex},
		{"emoji only", "👍", false, TierReflex},
		{"ack with question mark is not reflex", "ok?", false, TierSimple},
		{"short time query", "what time is it?", false, TierSimple},
		{"short factual", "who wrote Dune?", false, TierSimple},
		{"timezone query", "what time is it in Tokyo?", false, TierSimple},
		{"default", "can you summarize the attached report for me please", false, TierStandard},
		{"planning verb", "plan my trip to Lisbon next month", false, TierComplex},
		{"production verb", "rewrite my CV for a staff SRE role at a fintech", false, TierComplex},
		{"compose request", "write a cover letter for the operations manager opening", false, TierComplex},
		{"multi clause", "book a table, email the group, and then add it to my calendar; also remind me", false, TierComplex},
		{"voice", "what time is it", true, TierVoice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.text, tt.isVoice); got != tt.want {
				t.Errorf("Classify(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func testRouter(t *testing.T, cfg *config.Config) (*Router, *providers.Scripted, *audit.Log) {
	t.Helper()
	dir := t.TempDir()
	log := audit.Open(filepath.Join(dir, "audit.db"), filepath.Join(dir, "audit.jsonl"), slog.Default())
	t.Cleanup(func() { log.Close() })

	reg := providers.NewRegistry()
	scripted := providers.NewScripted()
	reg.Register(scripted)
	return New(cfg, reg, log, slog.Default()), scripted, log
}

func TestReflexSkipsModel(t *testing.T) {
	cfg := config.Default()
	r, scripted, _ := testRouter(t, cfg)

	res, err := r.Complete(context.Background(), Request{
		Messages: []providers.Message{{Role: "user", Content: "thanks"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Reflex || res.Cost != 0 || res.Tier != TierReflex {
		t.Errorf("result = %+v", res)
	}
	if len(scripted.Calls()) != 0 {
		t.Error("reflex tier made a model call")
	}
}

func TestFallbackToRegisteredProvider(t *testing.T) {
	// Config points at a provider that is not registered; the ladder must
	// land on the scripted provider.
	cfg := config.Default()
	r, _, _ := testRouter(t, cfg)

	res, err := r.Complete(context.Background(), Request{
		Messages: []providers.Message{{Role: "user", Content: "summarize the notes from the meeting today please"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Provider != "scripted" {
		t.Errorf("provider = %s", res.Provider)
	}
}

func TestRoutingDisabledUsesPrimary(t *testing.T) {
	cfg := config.Default()
	cfg.Models.Routing.Enabled = false
	cfg.Models.Primary = config.ModelRef{Provider: "scripted", Model: "scripted-1"}
	r, scripted, _ := testRouter(t, cfg)

	_, err := r.Complete(context.Background(), Request{
		Messages: []providers.Message{{Role: "user", Content: "what time is it?"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	calls := scripted.Calls()
	if len(calls) != 1 || calls[0].Model != "scripted-1" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestCostRecorded(t *testing.T) {
	cfg := config.Default()
	cfg.Models.Primary = config.ModelRef{Provider: "scripted", Model: "claude-sonnet-4-5"}
	r, scripted, log := testRouter(t, cfg)

	scripted.Enqueue(&providers.ChatResponse{
		Content:      "answer",
		FinishReason: "stop",
		Usage:        &providers.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
	})

	res, err := r.Complete(context.Background(), Request{
		Messages: []providers.Message{{Role: "user", Content: "tell me about the harbour works in the city"}},
		Channel:  "telegram",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := 1000*3.00/1e6 + 500*15.00/1e6
	if diff := res.Cost - want; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("cost = %v, want %v", res.Cost, want)
	}

	entries, err := log.Recent(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Category != audit.CategoryCost || entries[0].Channel != "telegram" {
		t.Errorf("audit entries = %+v", entries)
	}
}
