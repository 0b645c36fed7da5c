// Package audit implements the append-only action log. Entries land in a
// local sqlite database; when the database is unavailable they spill to a
// JSONL fallback file and a bounded retry ring, so an audit write never
// takes the runtime down with it.
package audit

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Entry categories.
const (
	CategoryMessage = "message"
	CategoryTool    = "tool"
	CategoryTrust   = "trust"
	CategorySystem  = "system"
	CategoryCost    = "cost"
)

// Entry is one audit record. Cost is in USD and only set for model calls.
type Entry struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"ts"`
	Category  string    `json:"category"`
	Action    string    `json:"action"`
	Actor     string    `json:"actor,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Cost      float64   `json:"cost,omitempty"`
}

// CostSummary aggregates model spend over the common windows.
type CostSummary struct {
	Today     float64            `json:"today"`
	Week      float64            `json:"week"`
	Month     float64            `json:"month"`
	ByChannel map[string]float64 `json:"byChannel"`
}

const retryRingCap = 1000

// Log is the audit sink. Safe for concurrent use.
type Log struct {
	db           *sql.DB
	fallbackPath string
	logger       *slog.Logger

	mu    sync.Mutex
	ring  []Entry // entries awaiting a DB retry
	clock func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	ts        TEXT NOT NULL,
	category  TEXT NOT NULL,
	action    TEXT NOT NULL,
	actor     TEXT NOT NULL DEFAULT '',
	channel   TEXT NOT NULL DEFAULT '',
	detail    TEXT NOT NULL DEFAULT '',
	cost      REAL NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
CREATE INDEX IF NOT EXISTS idx_audit_category ON audit_log(category);
`

// Open opens (or creates) the audit database at dbPath. fallbackPath is the
// JSONL spill file used when the database rejects a write. A failure to open
// the database is not fatal: the log degrades to fallback-only mode.
func Open(dbPath, fallbackPath string, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		fallbackPath: fallbackPath,
		logger:       logger,
		clock:        time.Now,
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		logger.Warn("audit db open failed, falling back to jsonl", "error", err)
		return l
	}
	if _, err := db.Exec(schema); err != nil {
		logger.Warn("audit schema failed, falling back to jsonl", "error", err)
		db.Close()
		return l
	}
	l.db = db
	return l
}

// Close flushes the retry ring and closes the database.
func (l *Log) Close() error {
	l.mu.Lock()
	l.flushRingLocked()
	l.mu.Unlock()
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// Record appends an entry. Never returns an error: failures are spilled to
// the fallback file and retried on the next call.
func (l *Log) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.flushRingLocked()

	if err := l.insert(e); err != nil {
		l.spill(e)
		if len(l.ring) < retryRingCap {
			l.ring = append(l.ring, e)
		}
	}
}

// flushRingLocked retries previously failed inserts. Entries that fail again
// stay in the ring; the fallback file already has them.
func (l *Log) flushRingLocked() {
	if len(l.ring) == 0 || l.db == nil {
		return
	}
	remaining := l.ring[:0]
	for _, e := range l.ring {
		if err := l.insert(e); err != nil {
			remaining = append(remaining, e)
		}
	}
	l.ring = remaining
}

func (l *Log) insert(e Entry) error {
	if l.db == nil {
		return fmt.Errorf("audit db unavailable")
	}
	_, err := l.db.Exec(
		`INSERT INTO audit_log (ts, category, action, actor, channel, detail, cost) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Category, e.Action, e.Actor, e.Channel, e.Detail, e.Cost,
	)
	return err
}

func (l *Log) spill(e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	f, err := os.OpenFile(l.fallbackPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		l.logger.Error("audit fallback write failed", "error", err)
		return
	}
	defer f.Close()
	f.Write(append(data, '\n'))
}

// Recent returns the newest limit entries, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	if l.db == nil {
		return l.recentFromFallback(limit)
	}
	rows, err := l.db.Query(
		`SELECT id, ts, category, action, actor, channel, detail, cost FROM audit_log ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Category, &e.Action, &e.Actor, &e.Channel, &e.Detail, &e.Cost); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (l *Log) recentFromFallback(limit int) ([]Entry, error) {
	data, err := os.ReadFile(l.fallbackPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var all []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		all = append(all, e)
	}
	// newest first
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// Costs aggregates cost entries for today, the last 7 days, the last 30
// days, and per-channel over the last 30 days.
func (l *Log) Costs() (CostSummary, error) {
	s := CostSummary{ByChannel: make(map[string]float64)}
	now := l.clock().UTC()
	dayStart := now.Truncate(24 * time.Hour)
	weekStart := now.AddDate(0, 0, -7)
	monthStart := now.AddDate(0, 0, -30)

	if l.db == nil {
		entries, err := l.recentFromFallback(100000)
		if err != nil {
			return s, err
		}
		for _, e := range entries {
			l.addCost(&s, e, dayStart, weekStart, monthStart)
		}
		return s, nil
	}

	rows, err := l.db.Query(
		`SELECT ts, channel, cost FROM audit_log WHERE cost > 0 AND ts >= ?`,
		monthStart.Format(time.RFC3339Nano),
	)
	if err != nil {
		return s, err
	}
	defer rows.Close()

	for rows.Next() {
		var ts, channel string
		var cost float64
		if err := rows.Scan(&ts, &channel, &cost); err != nil {
			return s, err
		}
		t, _ := time.Parse(time.RFC3339Nano, ts)
		l.addCost(&s, Entry{Timestamp: t, Channel: channel, Cost: cost}, dayStart, weekStart, monthStart)
	}
	return s, rows.Err()
}

func (l *Log) addCost(s *CostSummary, e Entry, dayStart, weekStart, monthStart time.Time) {
	if e.Cost <= 0 {
		return
	}
	ts := e.Timestamp.UTC()
	if ts.Before(monthStart) {
		return
	}
	s.Month += e.Cost
	if !ts.Before(weekStart) {
		s.Week += e.Cost
	}
	if !ts.Before(dayStart) {
		s.Today += e.Cost
	}
	ch := e.Channel
	if ch == "" {
		ch = "internal"
	}
	s.ByChannel[ch] += e.Cost
}
