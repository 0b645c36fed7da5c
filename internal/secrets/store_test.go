package secrets

import (
	"errors"
	"path/filepath"
	"testing"
)

func machineA() ([]byte, error) { return []byte("machine-a"), nil }
func machineB() ([]byte, error) { return []byte("machine-b"), nil }

func TestSetGetRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	s, err := OpenWithMachineID(path, machineA)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("api_key", []byte("sk-123")); err != nil {
		t.Fatal(err)
	}

	// Reopen: values must survive a restart.
	s2, err := OpenWithMachineID(path, machineA)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s2.GetString("api_key")
	if err != nil {
		t.Fatal(err)
	}
	if got != "sk-123" {
		t.Errorf("got %q", got)
	}
}

func TestVaultBoundToMachine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	s, err := OpenWithMachineID(path, machineA)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set("token", []byte("secret")); err != nil {
		t.Fatal(err)
	}

	// Same file, different machine material: must fail closed.
	if _, err := OpenWithMachineID(path, machineB); !errors.Is(err, ErrVaultSealed) {
		t.Fatalf("expected ErrVaultSealed, got %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	s, err := OpenWithMachineID(path, machineA)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secrets.enc")
	s, err := OpenWithMachineID(path, machineA)
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"b", "a", "c"} {
		if err := s.Set(k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Delete("b"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("b"); err != nil {
		t.Fatal(err) // idempotent
	}

	got := s.List()
	want := []string{"a", "c"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List() = %v, want %v", got, want)
		}
	}
	if s.Has("b") {
		t.Error("Has(b) after delete")
	}
}
