package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/pkg/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// handleVerifyPIN is the second factor for the browser login flow. PIN
// failures count toward the same lockout as token failures.
func (s *Server) handleVerifyPIN(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PIN string `json:"pin"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	ip := clientIP(r)
	if !tokenMatches(s.deps.Cfg.Dashboard.PIN, body.PIN) {
		s.guard.recordFailure(ip)
		httpError(w, http.StatusUnauthorized, "wrong PIN")
		return
	}
	s.guard.clearFailures(ip)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "token": s.deps.Cfg.Dashboard.AuthToken})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	out := map[string]any{
		"version": s.deps.Version,
		"uptime":  time.Since(s.deps.StartedAt).Round(time.Second).String(),
		"port":    s.port,
	}
	if s.deps.Agents != nil {
		out["agents"] = s.deps.Agents.Names()
	}
	if s.deps.Cache != nil {
		out["cache"] = s.deps.Cache.Stats()
	}
	if s.deps.Approvals != nil {
		out["pendingApprovals"] = len(s.deps.Approvals.PendingList())
	}
	if s.deps.Pairing != nil {
		out["pendingPairings"] = len(s.deps.Pairing.Pending())
	}
	if s.deps.Cfg.Dashboard.TunnelURL != "" {
		out["tunnelUrl"] = s.deps.Cfg.Dashboard.TunnelURL
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Cfg.MaskedCopy())
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var incoming config.Config
	if !decodeBody(w, r, &incoming) {
		return
	}
	s.deps.Cfg.ReplaceFrom(&incoming)
	if s.deps.CfgPath != "" {
		if err := config.Save(s.deps.CfgPath, s.deps.Cfg); err != nil {
			httpError(w, http.StatusInternalServerError, "save failed: "+err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePairingList(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pairing == nil {
		httpError(w, http.StatusServiceUnavailable, "pairing unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pairing.Pending())
}

func (s *Server) handlePairingApprove(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pairing == nil {
		httpError(w, http.StatusServiceUnavailable, "pairing unavailable")
		return
	}
	var body struct {
		Code string `json:"code"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	req, ok := s.deps.Pairing.Approve(body.Code)
	if !ok {
		httpError(w, http.StatusNotFound, "unknown or expired code")
		return
	}
	if s.deps.Bus != nil {
		s.deps.Bus.Broadcast(bus.Event{Name: protocol.EventPairing, Payload: req})
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleApprovalsList(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Approvals == nil {
		httpError(w, http.StatusServiceUnavailable, "approvals unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Approvals.PendingList())
}

func (s *Server) handleApprovalsResolve(w http.ResponseWriter, r *http.Request) {
	if s.deps.Approvals == nil {
		httpError(w, http.StatusServiceUnavailable, "approvals unavailable")
		return
	}
	var body struct {
		ID       string `json:"id"`
		Approved bool   `json:"approved"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if !s.deps.Approvals.Resolve(body.ID, body.Approved) {
		httpError(w, http.StatusNotFound, "unknown or already resolved approval")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSkillsList(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Skills == nil {
		httpError(w, http.StatusServiceUnavailable, "skills unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Skills.All())
}

func (s *Server) handleSkillsReview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Skills == nil {
		httpError(w, http.StatusServiceUnavailable, "skills unavailable")
		return
	}
	var body struct {
		Name     string `json:"name"`
		Reviewed bool   `json:"reviewed"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Skills.SetReviewed(body.Name, body.Reviewed); err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSkillsEnable(w http.ResponseWriter, r *http.Request) {
	if s.deps.Skills == nil {
		httpError(w, http.StatusServiceUnavailable, "skills unavailable")
		return
	}
	var body struct {
		Name    string `json:"name"`
		Enabled bool   `json:"enabled"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if err := s.deps.Skills.SetEnabled(body.Name, body.Enabled); err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cache == nil {
		httpError(w, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleCosts(w http.ResponseWriter, _ *http.Request) {
	if s.deps.AuditLog == nil {
		httpError(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	costs, err := s.deps.AuditLog.Costs()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, costs)
}

func (s *Server) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.deps.AuditLog == nil {
		httpError(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	entries, err := s.deps.AuditLog.Recent(limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		httpError(w, http.StatusServiceUnavailable, "memory unavailable")
		return
	}
	q := r.URL.Query().Get("q")
	if q == "" {
		httpError(w, http.StatusBadRequest, "missing q parameter")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Memory.Search(r.Context(), q))
}

func (s *Server) handleMemoryRemember(w http.ResponseWriter, r *http.Request) {
	if s.deps.Memory == nil {
		httpError(w, http.StatusServiceUnavailable, "memory unavailable")
		return
	}
	var body struct {
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Content == "" {
		httpError(w, http.StatusBadRequest, "missing content")
		return
	}
	if err := s.deps.Memory.Remember(r.Context(), body.Content, "dashboard"); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleMemoryExport(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Memory == nil {
		httpError(w, http.StatusServiceUnavailable, "memory unavailable")
		return
	}
	entries, err := s.deps.Memory.Export()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"knowledge": entries})
}

// handleChannelsList reports configured channels, never their tokens.
func (s *Server) handleChannelsList(w http.ResponseWriter, _ *http.Request) {
	type channelInfo struct {
		Name         string `json:"name"`
		Enabled      bool   `json:"enabled"`
		Agent        string `json:"agent,omitempty"`
		AllowedUsers int    `json:"allowedUsers"`
	}
	out := make([]channelInfo, 0, len(s.deps.Cfg.Channels))
	for _, name := range s.deps.Cfg.ChannelNames() {
		ch := s.deps.Cfg.Channel(name)
		out = append(out, channelInfo{
			Name:         name,
			Enabled:      ch.Enabled,
			Agent:        ch.Agent,
			AllowedUsers: len(ch.AllowedUsers),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleToolsList(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Tools == nil {
		httpError(w, http.StatusServiceUnavailable, "tools unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Tools.List())
}

// handleSecretsList returns key names only. Values never cross this API.
func (s *Server) handleSecretsList(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Vault == nil {
		httpError(w, http.StatusServiceUnavailable, "vault unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": s.deps.Vault.List()})
}

func (s *Server) handleSecretsSet(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vault == nil {
		httpError(w, http.StatusServiceUnavailable, "vault unavailable")
		return
	}
	var body struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Key == "" {
		httpError(w, http.StatusBadRequest, "missing key")
		return
	}
	if err := s.deps.Vault.Set(body.Key, []byte(body.Value)); err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleSecretsDelete(w http.ResponseWriter, r *http.Request) {
	if s.deps.Vault == nil {
		httpError(w, http.StatusServiceUnavailable, "vault unavailable")
		return
	}
	if err := s.deps.Vault.Delete(r.PathValue("key")); err != nil {
		httpError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleChat injects an owner message through the normal inbound path.
// The reply comes back over the WebSocket as a response event.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		httpError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	var body struct {
		Message string `json:"message"`
		Agent   string `json:"agent,omitempty"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Message == "" {
		httpError(w, http.StatusBadRequest, "missing message")
		return
	}
	s.deps.Bus.PublishInbound(bus.InboundMessage{
		Channel:  "dashboard",
		SenderID: "owner",
		ChatID:   "dashboard",
		Content:  body.Message,
		AgentID:  body.Agent,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

// handlePush sends a message out through a channel adapter directly.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		httpError(w, http.StatusServiceUnavailable, "bus unavailable")
		return
	}
	var body struct {
		Channel string `json:"channel"`
		ChatID  string `json:"chatId"`
		Message string `json:"message"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Channel == "" || body.ChatID == "" || body.Message == "" {
		httpError(w, http.StatusBadRequest, "channel, chatId and message are required")
		return
	}
	s.deps.Bus.PublishOutbound(bus.OutboundMessage{Channel: body.Channel, ChatID: body.ChatID, Content: body.Message})
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleMemoryGraph(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Memory == nil {
		httpError(w, http.StatusServiceUnavailable, "memory unavailable")
		return
	}
	view, err := s.deps.Memory.GetGraph()
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, view)
}
