package audit

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Log {
	t.Helper()
	dir := t.TempDir()
	l := Open(filepath.Join(dir, "audit.db"), filepath.Join(dir, "audit.jsonl"), slog.Default())
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTest(t)
	l.Record(Entry{Category: CategoryTool, Action: "exec", Detail: "ls"})
	l.Record(Entry{Category: CategoryTrust, Action: "tool_denied", Detail: "forbidden contact"})

	got, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entries", len(got))
	}
	// Newest first.
	if got[0].Category != CategoryTrust {
		t.Errorf("first entry = %+v", got[0])
	}
	if got[1].Action != "exec" {
		t.Errorf("second entry = %+v", got[1])
	}
}

func TestCosts(t *testing.T) {
	l := openTest(t)
	// Fixed mid-day clock so the "today" window is stable.
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	l.clock = func() time.Time { return now }

	l.Record(Entry{Category: CategoryCost, Action: "llm", Channel: "telegram", Cost: 0.02, Timestamp: now.Add(-time.Hour)})
	l.Record(Entry{Category: CategoryCost, Action: "llm", Channel: "discord", Cost: 0.05, Timestamp: now.AddDate(0, 0, -3)})
	l.Record(Entry{Category: CategoryCost, Action: "llm", Channel: "telegram", Cost: 0.10, Timestamp: now.AddDate(0, 0, -20)})
	// Outside the 30-day window: ignored.
	l.Record(Entry{Category: CategoryCost, Action: "llm", Cost: 9.99, Timestamp: now.AddDate(0, 0, -40)})

	s, err := l.Costs()
	if err != nil {
		t.Fatal(err)
	}
	if !near(s.Today, 0.02) {
		t.Errorf("today = %f", s.Today)
	}
	if !near(s.Week, 0.07) {
		t.Errorf("week = %f", s.Week)
	}
	if !near(s.Month, 0.17) {
		t.Errorf("month = %f", s.Month)
	}
	if !near(s.ByChannel["telegram"], 0.12) {
		t.Errorf("telegram = %f", s.ByChannel["telegram"])
	}
}

func TestFallbackWhenDBUnavailable(t *testing.T) {
	dir := t.TempDir()
	l := &Log{
		fallbackPath: filepath.Join(dir, "audit.jsonl"),
		logger:       slog.Default(),
		clock:        time.Now,
	}

	l.Record(Entry{Category: CategorySystem, Action: "boot"})
	l.Record(Entry{Category: CategorySystem, Action: "shutdown"})

	got, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d fallback entries", len(got))
	}
	if got[0].Action != "shutdown" {
		t.Errorf("first = %+v", got[0])
	}
}

func near(got, want float64) bool {
	d := got - want
	return d > -1e-9 && d < 1e-9
}
