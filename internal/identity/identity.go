// Package identity implements the credential manager. Each agent carries an
// AID: an Ed25519 keypair with the agent name embedded. The public document
// lives on disk; the private key lives only in the secret vault. An optional
// remote hub is probed at init; when unreachable the manager runs in local
// mode with the same surface.
package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/quantumclaw/quantumclaw/internal/secrets"
)

// Mode constants for Status.
const (
	ModeLocal     = "local"
	ModeFederated = "federated"
)

const hubProbeTimeout = 3 * time.Second

// AID is the public identity document.
type AID struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Role      string   `json:"role,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	PublicKey string   `json:"publicKey"` // base64 ed25519
	CreatedAt string   `json:"createdAt"`
}

// ChildAID is a delegated identity for a spawned sub-agent. The parent
// signs the delegation record; child scopes are a subset of the parent's.
type ChildAID struct {
	AID
	ParentID  string `json:"parentId"`
	Signature string `json:"signature"` // base64 over the delegation record
}

// Status is the manager's externally visible state.
type Status struct {
	Mode      string `json:"mode"`
	HubURL    string `json:"hubUrl,omitempty"`
	AIDID     string `json:"aidId,omitempty"`
	TrustTier string `json:"trustTier"`
}

// ErrScopeEscalation is returned when a child requests scopes beyond the parent's.
var ErrScopeEscalation = errors.New("child scopes exceed parent scopes")

// Manager wraps the secret vault with identity operations.
type Manager struct {
	vault   *secrets.Store
	docPath string
	hubURL  string
	logger  *slog.Logger
	client  *http.Client

	doc  *AID
	mode string
}

// New initialises the manager: load an existing AID document, or generate
// and persist one. The hub, when configured, is probed within a bounded
// timeout; probe failure is not an error.
func New(ctx context.Context, vault *secrets.Store, docPath, agentName, hubURL string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		vault:   vault,
		docPath: docPath,
		hubURL:  hubURL,
		logger:  logger,
		client:  &http.Client{Timeout: hubProbeTimeout},
		mode:    ModeLocal,
	}

	if err := m.loadOrGenerate(agentName); err != nil {
		return nil, err
	}

	if hubURL != "" {
		if err := m.register(ctx); err != nil {
			logger.Warn("identity hub unreachable, running in local mode", "hub", hubURL, "error", err)
		} else {
			m.mode = ModeFederated
		}
	}
	return m, nil
}

func (m *Manager) loadOrGenerate(agentName string) error {
	data, err := os.ReadFile(m.docPath)
	if err == nil {
		var doc AID
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse aid document: %w", err)
		}
		if !m.vault.Has(privateKeyName(doc.ID)) {
			return fmt.Errorf("aid %s has no private key in the vault", doc.ID)
		}
		m.doc = &doc
		return nil
	}
	if !os.IsNotExist(err) {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	doc := AID{
		ID:        uuid.NewString(),
		Name:      agentName,
		Role:      "primary",
		Scopes:    []string{"*"},
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := m.vault.Set(privateKeyName(doc.ID), priv); err != nil {
		return err
	}
	if err := writeDoc(m.docPath, &doc); err != nil {
		return err
	}
	m.doc = &doc
	return nil
}

func privateKeyName(id string) string { return "identity." + id + ".private_key" }

func writeDoc(path string, doc *AID) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (m *Manager) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, hubProbeTimeout)
	defer cancel()

	body, err := json.Marshal(m.doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.hubURL+"/v1/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("hub register: status %d", resp.StatusCode)
	}
	return nil
}

// AID returns the manager's identity document.
func (m *Manager) AID() *AID { return m.doc }

// GenerateChildAID issues a delegated identity for a spawned sub-agent.
// Scopes must be a subset of the parent's; the parent signs the record.
func (m *Manager) GenerateChildAID(name, role string, scopes []string) (*ChildAID, error) {
	if !scopesSubset(scopes, m.doc.Scopes) {
		return nil, ErrScopeEscalation
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	child := ChildAID{
		AID: AID{
			ID:        uuid.NewString(),
			Name:      name,
			Role:      role,
			Scopes:    scopes,
			PublicKey: base64.StdEncoding.EncodeToString(pub),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		},
		ParentID: m.doc.ID,
	}

	record, err := delegationRecord(&child)
	if err != nil {
		return nil, err
	}
	parentPriv, err := m.vault.Get(privateKeyName(m.doc.ID))
	if err != nil {
		return nil, fmt.Errorf("parent private key: %w", err)
	}
	sig := ed25519.Sign(ed25519.PrivateKey(parentPriv), record)
	child.Signature = base64.StdEncoding.EncodeToString(sig)

	if err := m.vault.Set(privateKeyName(child.ID), priv); err != nil {
		return nil, err
	}
	return &child, nil
}

// VerifyChild checks a child's delegation signature against the parent's
// public key.
func (m *Manager) VerifyChild(child *ChildAID) bool {
	if child.ParentID != m.doc.ID {
		return false
	}
	pub, err := base64.StdEncoding.DecodeString(m.doc.PublicKey)
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(child.Signature)
	if err != nil {
		return false
	}
	record, err := delegationRecord(child)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), record, sig)
}

// delegationRecord is the canonical signed payload: the child document
// without the signature field.
func delegationRecord(c *ChildAID) ([]byte, error) {
	return json.Marshal(struct {
		AID
		ParentID string `json:"parentId"`
	}{c.AID, c.ParentID})
}

func scopesSubset(child, parent []string) bool {
	for _, p := range parent {
		if p == "*" {
			return true
		}
	}
	allowed := make(map[string]bool, len(parent))
	for _, p := range parent {
		allowed[p] = true
	}
	for _, s := range child {
		if !allowed[s] {
			return false
		}
	}
	return true
}

// Status reports the mode, hub, and identity summary.
func (m *Manager) Status() Status {
	tier := "unverified"
	if m.mode == ModeFederated {
		tier = "registered"
	}
	return Status{
		Mode:      m.mode,
		HubURL:    m.hubURL,
		AIDID:     m.doc.ID,
		TrustTier: tier,
	}
}

// Shutdown persists the document. The vault persists on every write so
// only the public document needs a final flush.
func (m *Manager) Shutdown() error {
	return writeDoc(m.docPath, m.doc)
}
