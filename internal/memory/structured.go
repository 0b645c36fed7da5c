package memory

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/store"
)

// StoredMessage is one persisted conversation turn.
type StoredMessage struct {
	ID        int64     `json:"id,omitempty"`
	AgentName string    `json:"agentName"`
	Channel   string    `json:"channel"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// KnowledgeEntry is one extracted or ingested fact.
type KnowledgeEntry struct {
	ID         int64     `json:"id,omitempty"`
	Kind       string    `json:"kind"` // semantic, episodic, procedural
	Content    string    `json:"content"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Knowledge kinds.
const (
	KindSemantic   = "semantic"
	KindEpisodic   = "episodic"
	KindProcedural = "procedural"
)

// Structured is the local table set: messages, knowledge, threads and a
// kv context map. Works on both the relational and JSON-fallback backends.
type Structured struct {
	db     *store.DB
	logger *slog.Logger
}

// NewStructured wires the structured store over the shared DB.
func NewStructured(db *store.DB, logger *slog.Logger) *Structured {
	if logger == nil {
		logger = slog.Default()
	}
	return &Structured{db: db, logger: logger}
}

// SaveMessage persists one turn.
func (s *Structured) SaveMessage(m StoredMessage) error {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	if s.db.Degraded() {
		return s.db.Table("messages").Append(m)
	}
	_, err := s.db.SQL().Exec(
		`INSERT INTO messages (agent_name, channel, user_id, role, content, tokens, ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.AgentName, m.Channel, m.UserID, m.Role, m.Content, m.Tokens, m.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// RecentMessages returns the last limit turns for a scope, oldest first.
func (s *Structured) RecentMessages(agentName, channel, userID string, limit int) ([]StoredMessage, error) {
	if s.db.Degraded() {
		var all []StoredMessage
		if err := s.db.Table("messages").Load(&all); err != nil {
			return nil, err
		}
		var scoped []StoredMessage
		for _, m := range all {
			if m.AgentName == agentName && m.Channel == channel && m.UserID == userID {
				scoped = append(scoped, m)
			}
		}
		if len(scoped) > limit {
			scoped = scoped[len(scoped)-limit:]
		}
		return scoped, nil
	}

	rows, err := s.db.SQL().Query(
		`SELECT id, agent_name, channel, user_id, role, content, tokens, ts FROM messages
		 WHERE agent_name = ? AND channel = ? AND user_id = ?
		 ORDER BY id DESC LIMIT ?`,
		agentName, channel, userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var ts string
		if err := rows.Scan(&m.ID, &m.AgentName, &m.Channel, &m.UserID, &m.Role, &m.Content, &m.Tokens, &ts); err != nil {
			return nil, err
		}
		m.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SaveKnowledge persists a fact.
func (s *Structured) SaveKnowledge(k KnowledgeEntry) error {
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now()
	}
	if k.Confidence == 0 {
		k.Confidence = 0.5
	}
	if s.db.Degraded() {
		return s.db.Table("knowledge").Append(k)
	}
	_, err := s.db.SQL().Exec(
		`INSERT INTO knowledge (kind, content, source, confidence, created_at) VALUES (?, ?, ?, ?, ?)`,
		k.Kind, k.Content, k.Source, k.Confidence, k.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// AllKnowledge returns every knowledge entry, newest first.
func (s *Structured) AllKnowledge() ([]KnowledgeEntry, error) {
	if s.db.Degraded() {
		var all []KnowledgeEntry
		if err := s.db.Table("knowledge").Load(&all); err != nil {
			return nil, err
		}
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
		return all, nil
	}

	rows, err := s.db.SQL().Query(`SELECT id, kind, content, source, confidence, created_at FROM knowledge ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnowledgeEntry
	for rows.Next() {
		var k KnowledgeEntry
		var created string
		if err := rows.Scan(&k.ID, &k.Kind, &k.Content, &k.Source, &k.Confidence, &created); err != nil {
			return nil, err
		}
		k.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, k)
	}
	return out, rows.Err()
}

// SearchKnowledge filters entries by substring match across content.
func (s *Structured) SearchKnowledge(q string) ([]KnowledgeEntry, error) {
	all, err := s.AllKnowledge()
	if err != nil {
		return nil, err
	}
	q = strings.ToLower(q)
	var out []KnowledgeEntry
	for _, k := range all {
		if strings.Contains(strings.ToLower(k.Content), q) {
			out = append(out, k)
		}
	}
	return out, nil
}

// SetContext writes a kv_context key.
func (s *Structured) SetContext(key, value string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if s.db.Degraded() {
		kv, err := s.loadFallbackKV()
		if err != nil {
			return err
		}
		kv[key] = value
		return s.saveFallbackKV(kv)
	}
	_, err := s.db.SQL().Exec(
		`INSERT INTO kv_context (k, v, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(k) DO UPDATE SET v = excluded.v, updated_at = excluded.updated_at`,
		key, value, now,
	)
	return err
}

// GetContext reads a kv_context key; missing keys return "".
func (s *Structured) GetContext(key string) (string, error) {
	if s.db.Degraded() {
		kv, err := s.loadFallbackKV()
		if err != nil {
			return "", err
		}
		return kv[key], nil
	}
	var v string
	err := s.db.SQL().QueryRow(`SELECT v FROM kv_context WHERE k = ?`, key).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return v, nil
}

type kvRow struct {
	K string `json:"k"`
	V string `json:"v"`
}

func (s *Structured) loadFallbackKV() (map[string]string, error) {
	var rows []kvRow
	if err := s.db.Table("kv_context").Load(&rows); err != nil {
		return nil, err
	}
	kv := make(map[string]string, len(rows))
	for _, r := range rows {
		kv[r.K] = r.V
	}
	return kv, nil
}

func (s *Structured) saveFallbackKV(kv map[string]string) error {
	rows := make([]kvRow, 0, len(kv))
	for k, v := range kv {
		rows = append(rows, kvRow{K: k, V: v})
	}
	return s.db.Table("kv_context").Replace(rows)
}

// TouchThread updates (or creates) the thread row for a scope.
func (s *Structured) TouchThread(agentName, channel, userID, title string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if s.db.Degraded() {
		// Threads are a convenience index; fallback mode appends only.
		return s.db.Table("threads").Append(map[string]string{
			"agentName": agentName, "channel": channel, "userId": userID,
			"title": title, "updatedAt": now,
		})
	}
	res, err := s.db.SQL().Exec(
		`UPDATE threads SET title = ?, updated_at = ? WHERE agent_name = ? AND channel = ? AND user_id = ?`,
		title, now, agentName, channel, userID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.SQL().Exec(
			`INSERT INTO threads (agent_name, channel, user_id, title, updated_at) VALUES (?, ?, ?, ?, ?)`,
			agentName, channel, userID, title, now,
		)
	}
	return err
}

// MessageCount reports how many turns are stored for an agent.
func (s *Structured) MessageCount(agentName string) (int, error) {
	if s.db.Degraded() {
		var all []StoredMessage
		if err := s.db.Table("messages").Load(&all); err != nil {
			return 0, err
		}
		n := 0
		for _, m := range all {
			if m.AgentName == agentName {
				n++
			}
		}
		return n, nil
	}
	var n int
	err := s.db.SQL().QueryRow(`SELECT COUNT(*) FROM messages WHERE agent_name = ?`, agentName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return n, nil
}
