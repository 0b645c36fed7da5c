// Package cache implements the completion cache: content-addressed model
// responses with TTL and LRU bounds. Entries are held in memory and written
// through to the shared store so hits survive restarts.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/providers"
	"github.com/quantumclaw/quantumclaw/internal/store"
)

const (
	// maxEntries triggers an LRU trim down to trimTarget.
	maxEntries = 500
	trimTarget = 400

	tableName = "completion_cache"
)

// Entry is one cached completion.
type Entry struct {
	Hash        string    `json:"hash"`
	Model       string    `json:"model"`
	Response    string    `json:"response"`
	TokensSaved int       `json:"tokensSaved"`
	CostSaved   float64   `json:"costSaved"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Hits        int       `json:"hits"`
	LastHit     time.Time `json:"lastHit"`
}

// Hit is what Get returns on a match.
type Hit struct {
	Content string
	Model   string
	Cached  bool
}

// Stats summarises cache effectiveness for the dashboard.
type Stats struct {
	Entries     int     `json:"entries"`
	Hits        int     `json:"hits"`
	TokensSaved int     `json:"tokensSaved"`
	CostSaved   float64 `json:"costSaved"`
}

// Cache is safe for concurrent use.
type Cache struct {
	db      *store.DB
	ttl     time.Duration
	enabled bool
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	clock   func() time.Time
}

// New builds the cache over the shared store. Previously persisted entries
// are loaded; expired ones are dropped on the way in.
func New(db *store.DB, ttlMinutes int, enabled bool, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttlMinutes <= 0 {
		ttlMinutes = 60
	}
	c := &Cache{
		db:      db,
		ttl:     time.Duration(ttlMinutes) * time.Minute,
		enabled: enabled,
		logger:  logger,
		entries: make(map[string]*Entry),
		clock:   time.Now,
	}
	if enabled && db != nil {
		c.load()
	}
	return c
}

// Key computes the cache hash: sha-256 over the canonical JSON of
// (messages, model), first 16 hex characters.
func Key(messages []providers.Message, model string) string {
	payload, err := json.Marshal(struct {
		Messages []providers.Message `json:"messages"`
		Model    string              `json:"model"`
	}{messages, model})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])[:16]
}

// Get returns a cached response when a non-expired match exists, updating
// hits and lastHit. Expired matches are pruned on the spot.
func (c *Cache) Get(messages []providers.Message, model string) *Hit {
	if !c.enabled {
		return nil
	}
	hash := Key(messages, model)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[hash]
	if !ok {
		return nil
	}
	now := c.clock()
	if now.After(e.ExpiresAt) {
		delete(c.entries, hash)
		c.deleteStored(hash)
		return nil
	}
	e.Hits++
	e.LastHit = now
	c.upsertStored(e)
	return &Hit{Content: e.Response, Model: e.Model, Cached: true}
}

// Set stores a response. ttlOverride of zero uses the default TTL.
func (c *Cache) Set(messages []providers.Message, model, response string, tokensSaved int, costSaved float64, ttlOverride time.Duration) {
	if !c.enabled {
		return
	}
	ttl := c.ttl
	if ttlOverride > 0 {
		ttl = ttlOverride
	}
	now := c.clock()
	e := &Entry{
		Hash:        Key(messages, model),
		Model:       model,
		Response:    response,
		TokensSaved: tokensSaved,
		CostSaved:   costSaved,
		Hits:        1, // the initial store counts as the first hit
		ExpiresAt:   now.Add(ttl),
		LastHit:     now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Hash] = e
	c.upsertStored(e)
	c.trimLocked()
}

// trimLocked enforces the LRU bound: above maxEntries, drop the
// least-recently-hit entries down to trimTarget.
func (c *Cache) trimLocked() {
	if len(c.entries) <= maxEntries {
		return
	}
	all := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].LastHit.Before(all[j].LastHit) })

	for _, e := range all[:len(all)-trimTarget] {
		delete(c.entries, e.Hash)
		c.deleteStored(e.Hash)
	}
}

// Stats aggregates over live entries.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Entries: len(c.entries)}
	for _, e := range c.entries {
		s.Hits += e.Hits
		// The first hit is the store itself; only the served repeats
		// saved anything.
		served := e.Hits - 1
		if served < 0 {
			served = 0
		}
		s.TokensSaved += e.TokensSaved * served
		s.CostSaved += e.CostSaved * float64(served)
	}
	return s
}

// Size returns the live entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
