package queue

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/audit"
	"github.com/quantumclaw/quantumclaw/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	db := store.Open(filepath.Join(dir, "shared.db"), dir, slog.Default())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDeliveryBackoffAndDead(t *testing.T) {
	q := NewDeliveryQueue(testDB(t), slog.Default())
	now := time.Now()
	q.clock = func() time.Time { return now }

	id := q.Enqueue("telegram", "u1", "c1", "hello")
	if len(q.Due()) != 1 {
		t.Fatal("fresh item should be due")
	}

	q.MarkFailed(id)
	if len(q.Due()) != 0 {
		t.Fatal("failed item due immediately, backoff missing")
	}

	// First backoff is 30s.
	now = now.Add(31 * time.Second)
	if len(q.Due()) != 1 {
		t.Fatal("item not due after first backoff")
	}

	// Exhaust the attempts.
	for i := 0; i < maxAttempts-1; i++ {
		q.MarkFailed(id)
		now = now.Add(time.Hour)
	}
	if len(q.Due()) != 0 {
		t.Error("dead item still due")
	}
	if q.Pending() != 0 {
		t.Errorf("pending = %d", q.Pending())
	}
}

func TestDrainDeliversAndRemoves(t *testing.T) {
	q := NewDeliveryQueue(testDB(t), slog.Default())
	q.Enqueue("telegram", "u1", "c1", "first")
	q.Enqueue("telegram", "u1", "c1", "second")

	var sent []string
	q.Drain(context.Background(), func(_ context.Context, item DeliveryItem) error {
		sent = append(sent, item.Payload)
		return nil
	})
	if len(sent) != 2 {
		t.Errorf("sent = %v", sent)
	}
	if q.Pending() != 0 {
		t.Errorf("pending = %d", q.Pending())
	}
}

func TestDrainFailureSchedulesRetry(t *testing.T) {
	q := NewDeliveryQueue(testDB(t), slog.Default())
	q.Enqueue("telegram", "u1", "c1", "flaky")

	q.Drain(context.Background(), func(context.Context, DeliveryItem) error {
		return errors.New("send failed")
	})
	if q.Pending() != 1 {
		t.Errorf("pending = %d, item should await retry", q.Pending())
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	db := store.Open(filepath.Join(dir, "shared.db"), dir, slog.Default())
	q := NewDeliveryQueue(db, slog.Default())
	q.Enqueue("telegram", "u1", "c1", "persist me")
	db.Close()

	db2 := store.Open(filepath.Join(dir, "shared.db"), dir, slog.Default())
	defer db2.Close()
	q2 := NewDeliveryQueue(db2, slog.Default())
	if q2.Pending() != 1 {
		t.Errorf("pending after restart = %d", q2.Pending())
	}
}

func TestApprovalLifecycle(t *testing.T) {
	e := NewExecApprovals(testDB(t), slog.Default())

	a := e.Request("exec", map[string]interface{}{"command": "ls"})
	got, ok := e.Get(a.ID)
	if !ok || !got.Pending(time.Now()) {
		t.Fatalf("approval = %+v", got)
	}

	if !e.Resolve(a.ID, true) {
		t.Fatal("resolve failed")
	}
	got, _ = e.Get(a.ID)
	if got.Decision != DecisionApproved {
		t.Errorf("decision = %q", got.Decision)
	}

	// Double resolve is rejected.
	if e.Resolve(a.ID, false) {
		t.Error("second resolve succeeded")
	}
}

func TestApprovalAutoDenyExpired(t *testing.T) {
	e := NewExecApprovals(testDB(t), slog.Default())
	now := time.Now()
	e.clock = func() time.Time { return now }

	a := e.Request("exec", nil)
	now = now.Add(11 * time.Minute)

	got, _ := e.Get(a.ID)
	if got.Decision != DecisionDenied || got.Reason != ReasonExpired {
		t.Errorf("approval = %+v", got)
	}

	// An expired approval cannot be approved after the fact.
	if e.Resolve(a.ID, true) {
		t.Error("resolved an expired approval")
	}
}

func TestSweepAutoDeniesAndAudits(t *testing.T) {
	dir := t.TempDir()
	log := audit.Open(filepath.Join(dir, "audit.db"), filepath.Join(dir, "audit.jsonl"), slog.Default())
	t.Cleanup(func() { log.Close() })

	e := NewExecApprovals(testDB(t), slog.Default())
	e.AttachAudit(log)
	now := time.Now()
	e.clock = func() time.Time { return now }

	resolved := make(chan Approval, 1)
	e.OnResolve(func(a Approval) { resolved <- a })

	e.Request("exec", map[string]interface{}{"command": "ls"})
	now = now.Add(11 * time.Minute)
	e.Sweep()

	// The parked run hears about the denial without anyone polling.
	select {
	case a := <-resolved:
		if a.Decision != DecisionDenied || a.Reason != ReasonExpired {
			t.Errorf("approval = %+v", a)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep never fired the resolve hook")
	}

	entries, err := log.Recent(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %+v", entries)
	}
	got := entries[0]
	if got.Action != "auto_deny" || got.Category != audit.CategoryTool {
		t.Errorf("entry = %+v", got)
	}
	if !strings.Contains(got.Detail, "status=denied") || !strings.Contains(got.Detail, "reason="+ReasonExpired) {
		t.Errorf("detail = %q", got.Detail)
	}
}

func TestPendingListExpiresStale(t *testing.T) {
	e := NewExecApprovals(testDB(t), slog.Default())
	now := time.Now()
	e.clock = func() time.Time { return now }

	e.Request("exec", nil)
	stale := e.Request("fetch", nil)
	_ = stale
	now = now.Add(11 * time.Minute)
	fresh := e.Request("calculate", nil)

	pending := e.PendingList()
	if len(pending) != 1 || pending[0].ID != fresh.ID {
		t.Errorf("pending = %+v", pending)
	}
}
