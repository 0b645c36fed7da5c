package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/config"
)

type fakeGraph struct {
	auths      atomic.Int64
	searches   atomic.Int64
	reject401  atomic.Bool // next search returns 401
	settings   atomic.Int64
	settingsOK bool
	srv        *httptest.Server
}

func newFakeGraph(settingsOK bool) *fakeGraph {
	f := &fakeGraph{settingsOK: settingsOK}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/auth/login":
			f.auths.Add(1)
			json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
		case "/api/v1/settings":
			f.settings.Add(1)
			if !f.settingsOK {
				w.WriteHeader(http.StatusInternalServerError)
			}
		case "/api/v1/search":
			f.searches.Add(1)
			if f.reject401.Swap(false) {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode([]QueryResult{{Text: "alice lives in lisbon", Score: 0.9}})
		case "/api/v1/add":
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	return f
}

func graphFor(t *testing.T, f *fakeGraph) *GraphClient {
	t.Helper()
	g := NewGraphClient(
		config.CogneeConfig{URL: f.srv.URL, Enabled: true, Username: "u"},
		config.EmbeddingConfig{Provider: "openai", Model: "text-embedding-3-small", Dimensions: 1536},
		slog.Default(),
	)
	g.restartCmd = func(context.Context) error { return nil }
	return g
}

func TestConnectAuthenticatesAndPushesSettings(t *testing.T) {
	f := newFakeGraph(true)
	defer f.srv.Close()
	g := graphFor(t, f)

	if err := g.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !g.Online() {
		t.Fatal("expected online")
	}
	if f.auths.Load() == 0 {
		t.Error("never authenticated")
	}
	if f.settings.Load() != 1 {
		t.Errorf("settings calls = %d", f.settings.Load())
	}
}

func TestQueryRetriesOnceOn401(t *testing.T) {
	f := newFakeGraph(true)
	defer f.srv.Close()
	g := graphFor(t, f)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	f.reject401.Store(true)
	results, err := g.Query(context.Background(), "where does alice live")
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Errorf("results = %+v", results)
	}
	if f.searches.Load() != 2 {
		t.Errorf("search calls = %d, want 2 (401 then retry)", f.searches.Load())
	}
}

func TestTransportFailureMarksOffline(t *testing.T) {
	f := newFakeGraph(true)
	g := graphFor(t, f)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.srv.Close()

	if _, err := g.Query(context.Background(), "q"); err == nil {
		t.Fatal("expected transport error")
	}
	if g.Online() {
		t.Error("client still online after transport failure")
	}
}

func TestStateChangeHookFiresOnTransitions(t *testing.T) {
	f := newFakeGraph(true)
	g := graphFor(t, f)

	var mu sync.Mutex
	var states []bool
	g.OnStateChange(func(online bool) {
		mu.Lock()
		states = append(states, online)
		mu.Unlock()
	})

	if err := g.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	f.srv.Close()
	g.Query(context.Background(), "q") // transport failure flips offline
	g.Query(context.Background(), "q") // already offline, no second event

	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 || !states[0] || states[1] {
		t.Errorf("states = %v, want [true false]", states)
	}
}

func TestTokenRefreshNearExpiry(t *testing.T) {
	f := newFakeGraph(true)
	defer f.srv.Close()
	g := graphFor(t, f)
	if err := g.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	auths := f.auths.Load()

	// Force the token into the refresh margin.
	g.mu.Lock()
	g.tokenExpiry = time.Now().Add(time.Minute)
	g.mu.Unlock()

	if _, err := g.Query(context.Background(), "q"); err != nil {
		t.Fatal(err)
	}
	if f.auths.Load() != auths+1 {
		t.Errorf("auth calls = %d, want %d", f.auths.Load(), auths+1)
	}
}

func TestContainerRestartTriedOncePerBoot(t *testing.T) {
	f := newFakeGraph(false) // settings always fail
	defer f.srv.Close()
	g := graphFor(t, f)
	var restarts int
	g.restartCmd = func(context.Context) error { restarts++; return nil }

	if err := g.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	// A second connect (reconnect after offline) must not restart again.
	if err := g.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if restarts != 1 {
		t.Errorf("restarts = %d, want 1", restarts)
	}
}
