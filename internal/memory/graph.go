package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/config"
)

const (
	tokenRefreshMargin = 5 * time.Minute
	probeInterval      = 60 * time.Second
	graphCallTimeout   = 30 * time.Second
)

// GraphClient talks to the remote knowledge-graph service. It manages its
// own auth token, marks itself offline on repeated failure, and recovers
// through a background probe.
type GraphClient struct {
	cfg    config.CogneeConfig
	embed  config.EmbeddingConfig
	client *http.Client
	logger *slog.Logger

	mu             sync.Mutex
	token          string
	tokenExpiry    time.Time
	online         bool
	settingsPushed bool
	restartTried   bool // container-restart fallback fires at most once per boot

	restartCmd func(ctx context.Context) error // swappable for tests
	onState    func(online bool)               // fired on online/offline transitions
}

// NewGraphClient builds the client; Connect must be called before use.
func NewGraphClient(cfg config.CogneeConfig, embed config.EmbeddingConfig, logger *slog.Logger) *GraphClient {
	if logger == nil {
		logger = slog.Default()
	}
	g := &GraphClient{
		cfg:    cfg,
		embed:  embed,
		client: &http.Client{Timeout: graphCallTimeout},
		logger: logger,
	}
	g.restartCmd = g.restartContainer
	return g
}

// OnStateChange installs a hook fired on every online/offline
// transition. Install it before Connect.
func (g *GraphClient) OnStateChange(fn func(online bool)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onState = fn
}

// Connect authenticates and pushes embedding settings. Failure leaves the
// client offline; the probe loop keeps trying.
func (g *GraphClient) Connect(ctx context.Context) error {
	if err := g.authenticate(ctx); err != nil {
		return err
	}
	g.pushSettings(ctx)
	g.mu.Lock()
	wasOffline := !g.online
	g.online = true
	hook := g.onState
	g.mu.Unlock()
	if wasOffline && hook != nil {
		hook(true)
	}
	return nil
}

// Online reports whether the graph layer is currently usable.
func (g *GraphClient) Online() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.online
}

// StartProbe runs the 60 s reconnect loop until ctx is cancelled.
func (g *GraphClient) StartProbe(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(probeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if g.Online() {
					continue
				}
				if err := g.Connect(ctx); err != nil {
					g.logger.Debug("graph probe failed", "error", err)
				} else {
					g.logger.Info("graph layer back online")
				}
			}
		}
	}()
}

func (g *GraphClient) authenticate(ctx context.Context) error {
	body, _ := json.Marshal(map[string]string{
		"username": g.cfg.Username,
		"password": g.cfg.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL+"/api/v1/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("graph auth: status %d", resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"` // seconds; zero means an hour
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return err
	}
	if out.ExpiresIn == 0 {
		out.ExpiresIn = 3600
	}

	g.mu.Lock()
	g.token = out.AccessToken
	g.tokenExpiry = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	g.mu.Unlock()
	return nil
}

// currentToken refreshes when within the margin of expiry.
func (g *GraphClient) currentToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	token := g.token
	needsRefresh := token == "" || time.Until(g.tokenExpiry) < tokenRefreshMargin
	g.mu.Unlock()

	if needsRefresh {
		if err := g.authenticate(ctx); err != nil {
			return "", err
		}
		g.mu.Lock()
		token = g.token
		g.mu.Unlock()
	}
	return token, nil
}

// pushSettings configures the service's embedding model on first connect.
// On failure the container-restart fallback is attempted exactly once.
func (g *GraphClient) pushSettings(ctx context.Context) {
	g.mu.Lock()
	if g.settingsPushed || g.embed.Provider == "" {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	payload := map[string]interface{}{
		"embedding_provider":   g.embed.Provider,
		"embedding_model":      g.embed.Model,
		"embedding_dimensions": g.embed.Dimensions,
	}
	if g.embed.Endpoint != "" {
		payload["embedding_endpoint"] = g.embed.Endpoint
	}

	if err := g.call(ctx, http.MethodPost, "/api/v1/settings", payload, nil); err != nil {
		g.logger.Warn("graph settings push failed", "error", err)
		g.mu.Lock()
		tried := g.restartTried
		g.restartTried = true
		g.mu.Unlock()
		if !tried {
			if rerr := g.restartCmd(ctx); rerr != nil {
				g.logger.Warn("graph container restart failed", "error", rerr)
				return
			}
			if rerr := g.call(ctx, http.MethodPost, "/api/v1/settings", payload, nil); rerr != nil {
				g.logger.Warn("graph settings push failed after restart", "error", rerr)
				return
			}
		} else {
			return
		}
	}

	g.mu.Lock()
	g.settingsPushed = true
	g.mu.Unlock()
}

// restartContainer injects the embedding config as environment and restarts
// the service container.
func (g *GraphClient) restartContainer(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "docker", "restart", "cognee")
	cmd.Env = append(cmd.Environ(),
		"EMBEDDING_PROVIDER="+g.embed.Provider,
		"EMBEDDING_MODEL="+g.embed.Model,
	)
	return cmd.Run()
}

// Add ingests text with its context label into the graph.
func (g *GraphClient) Add(ctx context.Context, text, contextLabel string) error {
	return g.authedCall(ctx, http.MethodPost, "/api/v1/add", map[string]interface{}{
		"data":        text,
		"datasetName": contextLabel,
	}, nil)
}

// QueryResult is one graph search hit.
type QueryResult struct {
	Text  string  `json:"text"`
	Score float64 `json:"score,omitempty"`
}

// Query searches the graph.
func (g *GraphClient) Query(ctx context.Context, q string) ([]QueryResult, error) {
	var out []QueryResult
	err := g.authedCall(ctx, http.MethodPost, "/api/v1/search", map[string]interface{}{
		"query":      q,
		"searchType": "GRAPH_COMPLETION",
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// authedCall performs a call with the bearer token; a 401 triggers one
// re-auth and one retry. Transport failure marks the client offline.
func (g *GraphClient) authedCall(ctx context.Context, method, path string, payload, out interface{}) error {
	token, err := g.currentToken(ctx)
	if err != nil {
		g.markOffline()
		return err
	}

	status, err := g.do(ctx, method, path, token, payload, out)
	if err != nil {
		g.markOffline()
		return err
	}
	if status == http.StatusUnauthorized {
		if err := g.authenticate(ctx); err != nil {
			g.markOffline()
			return err
		}
		g.mu.Lock()
		token = g.token
		g.mu.Unlock()
		status, err = g.do(ctx, method, path, token, payload, out)
		if err != nil {
			g.markOffline()
			return err
		}
	}
	if status >= 300 {
		return fmt.Errorf("graph %s %s: status %d", method, path, status)
	}
	return nil
}

// call is authedCall without the 401 handling; used pre-online.
func (g *GraphClient) call(ctx context.Context, method, path string, payload, out interface{}) error {
	token, err := g.currentToken(ctx)
	if err != nil {
		return err
	}
	status, err := g.do(ctx, method, path, token, payload, out)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("graph %s %s: status %d", method, path, status)
	}
	return nil
}

func (g *GraphClient) do(ctx context.Context, method, path, token string, payload, out interface{}) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.URL+path, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 && out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (g *GraphClient) markOffline() {
	g.mu.Lock()
	wasOnline := g.online
	g.online = false
	hook := g.onState
	g.mu.Unlock()
	if wasOnline && hook != nil {
		hook(false)
	}
}
