package channels

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/config"
)

const (
	pairingCodeLen = 8
	pairingTTL     = time.Hour

	// No 0/O/1/I so codes survive being read aloud or retyped.
	pairingAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// PairingRequest is one unknown sender waiting for owner approval.
type PairingRequest struct {
	Code      string    `json:"code"`
	Channel   string    `json:"channel"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Pairing issues short-lived codes to unknown DM senders. Approving a
// code moves the sender onto the channel allowlist permanently.
type Pairing struct {
	cfg     *config.Config
	cfgPath string
	logger  *slog.Logger

	mu    sync.Mutex
	codes map[string]*PairingRequest // code -> request
	byKey map[string]string          // channel:user -> code, dedupe repeat DMs
	clock func() time.Time
}

func NewPairing(cfg *config.Config, cfgPath string, logger *slog.Logger) *Pairing {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pairing{
		cfg:     cfg,
		cfgPath: cfgPath,
		logger:  logger,
		codes:   make(map[string]*PairingRequest),
		byKey:   make(map[string]string),
		clock:   time.Now,
	}
}

// Request issues a code for the sender, reusing an unexpired one so a
// user DMing twice sees the same code.
func (p *Pairing) Request(channel, userID, userName string) *PairingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.clock()
	p.pruneLocked(now)

	key := channel + ":" + userID
	if code, ok := p.byKey[key]; ok {
		if req, ok := p.codes[code]; ok {
			return req
		}
	}

	code := generateCode()
	req := &PairingRequest{
		Code:      code,
		Channel:   channel,
		UserID:    userID,
		UserName:  userName,
		CreatedAt: now,
		ExpiresAt: now.Add(pairingTTL),
	}
	p.codes[code] = req
	p.byKey[key] = code
	p.logger.Info("pairing code issued", "channel", channel, "user", userID)
	return req
}

// Approve redeems a code: the sender joins the channel allowlist and the
// change is persisted. Unknown or expired codes return false.
func (p *Pairing) Approve(code string) (*PairingRequest, bool) {
	p.mu.Lock()
	now := p.clock()
	p.pruneLocked(now)
	req, ok := p.codes[code]
	if ok {
		delete(p.codes, code)
		delete(p.byKey, req.Channel+":"+req.UserID)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false
	}

	if p.cfg.AppendAllowedUser(req.Channel, req.UserID) && p.cfgPath != "" {
		if err := config.Save(p.cfgPath, p.cfg); err != nil {
			p.logger.Warn("could not persist allowlist", "error", err)
		}
	}
	p.logger.Info("pairing approved", "channel", req.Channel, "user", req.UserID)
	return req, true
}

// Pending lists unexpired requests.
func (p *Pairing) Pending() []PairingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(p.clock())
	out := make([]PairingRequest, 0, len(p.codes))
	for _, req := range p.codes {
		out = append(out, *req)
	}
	return out
}

func (p *Pairing) pruneLocked(now time.Time) {
	for code, req := range p.codes {
		if now.After(req.ExpiresAt) {
			delete(p.codes, code)
			delete(p.byKey, req.Channel+":"+req.UserID)
		}
	}
}

func generateCode() string {
	b := make([]byte, pairingCodeLen)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the system is unusable anyway.
		panic(fmt.Sprintf("pairing: %v", err))
	}
	for i := range b {
		b[i] = pairingAlphabet[int(b[i])%len(pairingAlphabet)]
	}
	return string(b)
}
