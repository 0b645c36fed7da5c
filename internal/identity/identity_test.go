package identity

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/quantumclaw/quantumclaw/internal/secrets"
)

func testVault(t *testing.T) *secrets.Store {
	t.Helper()
	v, err := secrets.OpenWithMachineID(
		filepath.Join(t.TempDir(), "secrets.enc"),
		func() ([]byte, error) { return []byte("test-machine"), nil },
	)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestGenerateAndReload(t *testing.T) {
	vault := testVault(t)
	docPath := filepath.Join(t.TempDir(), "aid.json")

	m, err := New(context.Background(), vault, docPath, "aria", "", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if m.AID().Name != "aria" || m.AID().ID == "" {
		t.Errorf("doc = %+v", m.AID())
	}
	if m.Status().Mode != ModeLocal {
		t.Errorf("mode = %s", m.Status().Mode)
	}

	// Reload must return the same identity, not mint a new one.
	m2, err := New(context.Background(), vault, docPath, "aria", "", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if m2.AID().ID != m.AID().ID {
		t.Errorf("reload changed id: %s != %s", m2.AID().ID, m.AID().ID)
	}
}

func TestChildAIDScopeSubset(t *testing.T) {
	vault := testVault(t)
	m, err := New(context.Background(), vault, filepath.Join(t.TempDir(), "aid.json"), "aria", "", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	// Narrow the parent so subset checks bite.
	m.doc.Scopes = []string{"read", "search"}

	child, err := m.GenerateChildAID("helper", "researcher", []string{"read"})
	if err != nil {
		t.Fatal(err)
	}
	if child.ParentID != m.AID().ID {
		t.Errorf("parent = %s", child.ParentID)
	}
	if !m.VerifyChild(child) {
		t.Error("delegation signature did not verify")
	}

	if _, err := m.GenerateChildAID("rogue", "admin", []string{"write"}); !errors.Is(err, ErrScopeEscalation) {
		t.Fatalf("expected ErrScopeEscalation, got %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	vault := testVault(t)
	m, err := New(context.Background(), vault, filepath.Join(t.TempDir(), "aid.json"), "aria", "", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	child, err := m.GenerateChildAID("helper", "researcher", []string{"read"})
	if err != nil {
		t.Fatal(err)
	}

	child.Scopes = append(child.Scopes, "write")
	if m.VerifyChild(child) {
		t.Error("tampered scopes verified")
	}
}

func TestHubRegistration(t *testing.T) {
	var registered bool
	hub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/register" {
			registered = true
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer hub.Close()

	vault := testVault(t)
	m, err := New(context.Background(), vault, filepath.Join(t.TempDir(), "aid.json"), "aria", hub.URL, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !registered {
		t.Error("hub never saw a register call")
	}
	if got := m.Status(); got.Mode != ModeFederated || got.TrustTier != "registered" {
		t.Errorf("status = %+v", got)
	}
}

func TestHubUnreachableFallsBackToLocal(t *testing.T) {
	vault := testVault(t)
	m, err := New(context.Background(), vault, filepath.Join(t.TempDir(), "aid.json"), "aria", "http://127.0.0.1:1", slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if m.Status().Mode != ModeLocal {
		t.Errorf("mode = %s", m.Status().Mode)
	}
}
