package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/internal/channels"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/queue"
	"github.com/quantumclaw/quantumclaw/internal/secrets"
	"github.com/quantumclaw/quantumclaw/internal/tools"
)

func testServer() *Server {
	cfg := &config.Config{
		Dashboard: config.DashboardConfig{
			Enabled:   true,
			AuthToken: "test-token",
			PIN:       "1234",
		},
	}
	return NewServer(Deps{
		Cfg:       cfg,
		Bus:       bus.New(),
		Pairing:   channels.NewPairing(cfg, "", slog.Default()),
		Approvals: queue.NewExecApprovals(nil, slog.Default()),
		Version:   "1.0.0",
		StartedAt: time.Now(),
	}, slog.Default())
}

func doReq(t *testing.T, h http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	s := testServer()
	h := s.routes()

	if rec := doReq(t, h, "GET", "/health", "", ""); rec.Code != http.StatusOK {
		t.Errorf("health without auth = %d, want 200", rec.Code)
	}
	if rec := doReq(t, h, "GET", "/api/status", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("status without token = %d, want 401", rec.Code)
	}
	if rec := doReq(t, h, "GET", "/api/status", "wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("status with bad token = %d, want 401", rec.Code)
	}
	if rec := doReq(t, h, "GET", "/api/status", "test-token", ""); rec.Code != http.StatusOK {
		t.Errorf("status with token = %d, want 200", rec.Code)
	}
}

func TestTokenExpiry(t *testing.T) {
	s := testServer()
	d := &s.deps.Cfg.Dashboard

	d.TokenCreatedAt = time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	d.TokenExpiry = "1h"
	if s.tokenValid("test-token") {
		t.Error("expired token should not validate")
	}

	d.TokenExpiry = "24h"
	if !s.tokenValid("test-token") {
		t.Error("unexpired token should validate")
	}

	d.TokenExpiry = ""
	if !s.tokenValid("test-token") {
		t.Error("no expiry means the token never lapses")
	}
}

func TestPINVerify(t *testing.T) {
	s := testServer()
	h := s.routes()

	rec := doReq(t, h, "POST", "/api/auth/pin", "", `{"pin":"0000"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong pin = %d, want 401", rec.Code)
	}

	rec = doReq(t, h, "POST", "/api/auth/pin", "", `{"pin":"1234"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("right pin = %d, want 200", rec.Code)
	}
	var out map[string]any
	json.Unmarshal(rec.Body.Bytes(), &out)
	if out["token"] != "test-token" {
		t.Errorf("pin verify should hand back the session token, got %v", out["token"])
	}
}

func TestLockout(t *testing.T) {
	g := newIPGuard()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	g.clock = func() time.Time { return now }

	for i := 0; i < lockoutThreshold-1; i++ {
		g.recordFailure("10.0.0.1")
	}
	if g.locked("10.0.0.1") {
		t.Fatal("locked before threshold")
	}
	g.recordFailure("10.0.0.1")
	if !g.locked("10.0.0.1") {
		t.Fatal("not locked at threshold")
	}
	if g.locked("10.0.0.2") {
		t.Error("lockout leaked to another IP")
	}

	now = now.Add(lockoutWindow + time.Second)
	if g.locked("10.0.0.1") {
		t.Error("lockout should expire with the window")
	}
}

func TestLockoutWindowResets(t *testing.T) {
	g := newIPGuard()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	g.clock = func() time.Time { return now }

	// Failures spread wider than the window never accumulate to a lockout.
	for i := 0; i < lockoutThreshold*2; i++ {
		g.recordFailure("10.0.0.1")
		now = now.Add(lockoutWindow + time.Second)
	}
	if g.locked("10.0.0.1") {
		t.Error("stale failures should not lock")
	}
}

func TestRateLimitBudget(t *testing.T) {
	g := newIPGuard()
	allowed := 0
	for i := 0; i < burstSize*2; i++ {
		if g.allow("10.0.0.9") {
			allowed++
		}
	}
	if allowed != burstSize {
		t.Errorf("burst allowed %d, want %d", allowed, burstSize)
	}
	if !g.allow("10.0.0.10") {
		t.Error("a fresh IP has its own budget")
	}
}

func TestProbeListen(t *testing.T) {
	// Occupy a port, then confirm probing lands on a neighbor.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	probed, port, err := probeListen("127.0.0.1", busy)
	if err != nil {
		t.Fatalf("probeListen: %v", err)
	}
	defer probed.Close()
	if port == busy {
		t.Errorf("probed onto the busy port %d", busy)
	}
	if port < busy || port > busy+portProbeRange {
		t.Errorf("port %d outside probe range from %d", port, busy)
	}
}

func TestPairingApproveAPI(t *testing.T) {
	s := testServer()
	s.deps.Cfg.Channels = map[string]*config.ChannelConfig{
		"telegram": {Enabled: true},
	}
	h := s.routes()

	req := s.deps.Pairing.Request("telegram", "42", "Bea")

	rec := doReq(t, h, "POST", "/api/pairing/approve", "test-token", `{"code":"WRONGCOD"}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("bad code = %d, want 404", rec.Code)
	}

	rec = doReq(t, h, "POST", "/api/pairing/approve", "test-token", `{"code":"`+req.Code+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve = %d, body %s", rec.Code, rec.Body.String())
	}
	users := s.deps.Cfg.Channels["telegram"].AllowedUsers
	if len(users) != 1 || users[0] != "42" {
		t.Errorf("allowlist after approve = %v", users)
	}
}

func TestApprovalsResolveAPI(t *testing.T) {
	s := testServer()
	h := s.routes()

	a := s.deps.Approvals.Request("exec", map[string]interface{}{"command": "ls"})

	rec := doReq(t, h, "GET", "/api/approvals", "test-token", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), a.ID) {
		t.Fatalf("list = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, "POST", "/api/approvals/resolve", "test-token", `{"id":"`+a.ID+`","approved":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve = %d", rec.Code)
	}
	rec = doReq(t, h, "POST", "/api/approvals/resolve", "test-token", `{"id":"`+a.ID+`","approved":true}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("double resolve = %d, want 404", rec.Code)
	}
}

func TestSecretsAPIListsKeysOnly(t *testing.T) {
	s := testServer()
	vault, err := secrets.OpenWithMachineID(filepath.Join(t.TempDir(), "secrets.enc"), func() ([]byte, error) {
		return []byte("test-machine"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	s.deps.Vault = vault
	h := s.routes()

	rec := doReq(t, h, "POST", "/api/secrets", "test-token", `{"key":"openai_api_key","value":"sk-live-secret"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("set = %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doReq(t, h, "GET", "/api/secrets", "test-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "openai_api_key") {
		t.Errorf("list missing key, body %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "sk-live-secret") {
		t.Error("secrets list leaked a value")
	}

	rec = doReq(t, h, "DELETE", "/api/secrets/openai_api_key", "test-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec = doReq(t, h, "DELETE", "/api/secrets/openai_api_key", "test-token", ""); rec.Code != http.StatusNotFound {
		t.Errorf("double delete = %d, want 404", rec.Code)
	}
}

func TestToolsAPI(t *testing.T) {
	s := testServer()
	reg := tools.NewRegistry(s.deps.Cfg, nil, nil, nil, slog.Default())
	reg.Register(&tools.Tool{Name: "get_time", Description: "Current time", Kind: "builtin"})
	s.deps.Tools = reg
	h := s.routes()

	rec := doReq(t, h, "GET", "/api/tools", "test-token", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "get_time") {
		t.Fatalf("tools = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestChatInjectsInbound(t *testing.T) {
	s := testServer()
	h := s.routes()

	rec := doReq(t, h, "POST", "/api/chat", "test-token", `{"message":"hello"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("chat = %d, body %s", rec.Code, rec.Body.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := s.deps.Bus.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "dashboard" || msg.Content != "hello" {
		t.Errorf("inbound = %+v", msg)
	}

	if rec := doReq(t, h, "POST", "/api/chat", "test-token", `{"message":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty message = %d, want 400", rec.Code)
	}
}

func TestPushPublishesOutbound(t *testing.T) {
	s := testServer()
	h := s.routes()

	rec := doReq(t, h, "POST", "/api/push", "test-token", `{"channel":"telegram","chatId":"42","message":"ping"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("push = %d, body %s", rec.Code, rec.Body.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := s.deps.Bus.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound message published")
	}
	if out.Channel != "telegram" || out.ChatID != "42" || out.Content != "ping" {
		t.Errorf("outbound = %+v", out)
	}

	if rec := doReq(t, h, "POST", "/api/push", "test-token", `{"channel":"telegram"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("partial push = %d, want 400", rec.Code)
	}
}

func TestChannelsList(t *testing.T) {
	s := testServer()
	s.deps.Cfg.Channels = map[string]*config.ChannelConfig{
		"telegram": {Enabled: true, AllowedUsers: []string{"42", "99"}},
	}
	h := s.routes()

	rec := doReq(t, h, "GET", "/api/channels", "test-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("channels = %d", rec.Code)
	}
	var out []struct {
		Name         string `json:"name"`
		Enabled      bool   `json:"enabled"`
		AllowedUsers int    `json:"allowedUsers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Name != "telegram" || !out[0].Enabled || out[0].AllowedUsers != 2 {
		t.Errorf("channels = %+v", out)
	}
}

func TestUnavailableDepsReport503(t *testing.T) {
	s := testServer()
	h := s.routes()

	for _, tc := range []struct {
		method, path string
	}{
		{"GET", "/api/secrets"},
		{"GET", "/api/tools"},
		{"GET", "/api/memory/search?q=x"},
		{"GET", "/api/memory/export"},
		{"POST", "/api/memory/remember"},
	} {
		if rec := doReq(t, h, tc.method, tc.path, "test-token", ""); rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s = %d, want 503", tc.method, tc.path, rec.Code)
		}
	}
}

func TestConfigAPIMasksSecrets(t *testing.T) {
	s := testServer()
	h := s.routes()

	rec := doReq(t, h, "GET", "/api/config", "test-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get config = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "test-token") {
		t.Error("config API leaked the auth token")
	}
}
