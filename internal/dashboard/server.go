package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/agent"
	"github.com/quantumclaw/quantumclaw/internal/audit"
	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/internal/cache"
	"github.com/quantumclaw/quantumclaw/internal/channels"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/memory"
	"github.com/quantumclaw/quantumclaw/internal/queue"
	"github.com/quantumclaw/quantumclaw/internal/secrets"
	"github.com/quantumclaw/quantumclaw/internal/skills"
	"github.com/quantumclaw/quantumclaw/internal/tools"
)

// portProbeRange is how many ports above the configured one Start will
// try before giving up. A stale process on the configured port must not
// keep the dashboard down.
const portProbeRange = 20

// Deps are the runtime surfaces the dashboard exposes. Any of them may
// be nil; the corresponding endpoints then report unavailable.
type Deps struct {
	Cfg       *config.Config
	CfgPath   string
	Bus       *bus.MessageBus
	Pairing   *channels.Pairing
	Approvals *queue.ExecApprovals
	AuditLog  *audit.Log
	Cache     *cache.Cache
	Memory    *memory.Subsystem
	Skills    *skills.Loader
	Agents    *agent.Registry
	Vault     *secrets.Store
	Tools     *tools.Registry
	Version   string
	StartedAt time.Time
}

// Server is the owner-facing HTTP and WebSocket control plane.
type Server struct {
	deps   Deps
	guard  *ipGuard
	hub    *wsHub
	tunnel *tunnelRunner
	logger *slog.Logger

	httpServer *http.Server
	port       int // actual port after probing
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		deps:   deps,
		guard:  newIPGuard(),
		logger: logger,
	}
	s.hub = newWSHub(s, logger)
	return s
}

// Port returns the port the server actually bound after probing.
func (s *Server) Port() int { return s.port }

// Start binds a listener, probing up to portProbeRange ports above the
// configured one, then serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	d := s.deps.Cfg.Dashboard
	host := d.Host
	if host == "" {
		host = "127.0.0.1"
	}
	base := d.Port
	if base == 0 {
		base = 4642
	}

	ln, port, err := probeListen(host, base)
	if err != nil {
		return err
	}
	s.port = port
	if port != base {
		s.logger.Warn("configured dashboard port busy", "configured", base, "bound", port)
	}

	localURL := fmt.Sprintf("http://%s:%d", host, port)
	s.persistURL(localURL)

	if d.Tunnel != "" && d.Tunnel != config.TunnelNone {
		s.tunnel = newTunnelRunner(d.Tunnel, d.TunnelToken, port, s.logger)
		go s.tunnel.Run(ctx, func(url string) {
			s.deps.Cfg.Dashboard.TunnelURL = url
			s.persistURL(url)
		})
	}

	s.httpServer = &http.Server{Handler: s.routes()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("dashboard listening", "url", localURL)
	if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard server: %w", err)
	}
	return nil
}

func probeListen(host string, base int) (net.Listener, int, error) {
	var lastErr error
	for port := base; port <= base+portProbeRange; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in %d-%d: %w", base, base+portProbeRange, lastErr)
}

// persistURL writes the reachable URL where the CLI can find it.
func (s *Server) persistURL(url string) {
	path := config.DashboardURLPath(config.Dir())
	if err := os.WriteFile(path, []byte(url+"\n"), 0o600); err != nil {
		s.logger.Warn("could not persist dashboard url", "error", err)
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/pin", s.withGuard(s.handleVerifyPIN))

	api := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, s.withAuth(h))
	}
	api("GET /api/status", s.handleStatus)
	api("GET /api/config", s.handleGetConfig)
	api("PUT /api/config", s.handleSetConfig)
	api("GET /api/pairing", s.handlePairingList)
	api("POST /api/pairing/approve", s.handlePairingApprove)
	api("GET /api/approvals", s.handleApprovalsList)
	api("POST /api/approvals/resolve", s.handleApprovalsResolve)
	api("GET /api/skills", s.handleSkillsList)
	api("POST /api/skills/review", s.handleSkillsReview)
	api("POST /api/skills/enable", s.handleSkillsEnable)
	api("GET /api/cache", s.handleCacheStats)
	api("GET /api/costs", s.handleCosts)
	api("GET /api/audit", s.handleAuditRecent)
	api("GET /api/memory/graph", s.handleMemoryGraph)
	api("GET /api/memory/search", s.handleMemorySearch)
	api("POST /api/memory/remember", s.handleMemoryRemember)
	api("GET /api/memory/export", s.handleMemoryExport)
	api("GET /api/channels", s.handleChannelsList)
	api("GET /api/tools", s.handleToolsList)
	api("GET /api/secrets", s.handleSecretsList)
	api("POST /api/secrets", s.handleSecretsSet)
	api("DELETE /api/secrets/{key}", s.handleSecretsDelete)
	api("POST /api/chat", s.handleChat)
	api("POST /api/push", s.handlePush)

	mux.HandleFunc("GET /ws", s.hub.handleUpgrade)

	return mux
}

// withGuard applies rate limiting and the lockout check without
// requiring credentials. Used by the PIN endpoint, which is itself a
// credential check.
func (s *Server) withGuard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if s.guard.locked(ip) {
			httpError(w, http.StatusTooManyRequests, "locked out, try again later")
			return
		}
		if !s.guard.allow(ip) {
			httpError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

// withAuth additionally requires the bearer token.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return s.withGuard(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.tokenValid(bearerToken(r)) {
			s.guard.recordFailure(ip)
			httpError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		s.guard.clearFailures(ip)
		next(w, r)
	})
}

// tokenValid checks the bearer token and its configured expiry.
func (s *Server) tokenValid(token string) bool {
	d := s.deps.Cfg.Dashboard
	if !tokenMatches(d.AuthToken, token) {
		return false
	}
	if d.TokenExpiry == "" || d.TokenCreatedAt == "" {
		return true
	}
	ttl, err := time.ParseDuration(d.TokenExpiry)
	if err != nil {
		return true
	}
	created, err := time.Parse(time.RFC3339, d.TokenCreatedAt)
	if err != nil {
		return true
	}
	return time.Now().Before(created.Add(ttl))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.deps.Version})
}
