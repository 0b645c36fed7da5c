package cache

import "time"

// load pulls persisted entries into memory, dropping anything already
// expired so a restart never resurrects stale responses.
func (c *Cache) load() {
	now := c.clock()

	if c.db.Degraded() {
		var rows []Entry
		if err := c.db.Table(tableName).Load(&rows); err != nil {
			c.logger.Warn("cache fallback load failed", "error", err)
			return
		}
		for i := range rows {
			if now.After(rows[i].ExpiresAt) {
				continue
			}
			e := rows[i]
			c.entries[e.Hash] = &e
		}
		return
	}

	rows, err := c.db.SQL().Query(`SELECT hash, model, response, tokens_saved, cost_saved, expires_at, hits, last_hit FROM completion_cache`)
	if err != nil {
		c.logger.Warn("cache load failed", "error", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var e Entry
		var expires, lastHit string
		if err := rows.Scan(&e.Hash, &e.Model, &e.Response, &e.TokensSaved, &e.CostSaved, &expires, &e.Hits, &lastHit); err != nil {
			continue
		}
		e.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
		e.LastHit, _ = time.Parse(time.RFC3339Nano, lastHit)
		if now.After(e.ExpiresAt) {
			c.deleteStored(e.Hash)
			continue
		}
		entry := e
		c.entries[e.Hash] = &entry
	}
}

// upsertStored writes an entry through to the store. Best effort: a
// persistence failure costs durability, not correctness.
func (c *Cache) upsertStored(e *Entry) {
	if c.db == nil {
		return
	}
	if c.db.Degraded() {
		c.replaceFallbackLocked()
		return
	}
	_, err := c.db.SQL().Exec(
		`INSERT INTO completion_cache (hash, model, response, tokens_saved, cost_saved, expires_at, hits, last_hit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(hash) DO UPDATE SET hits = excluded.hits, last_hit = excluded.last_hit, response = excluded.response, expires_at = excluded.expires_at`,
		e.Hash, e.Model, e.Response, e.TokensSaved, e.CostSaved,
		e.ExpiresAt.UTC().Format(time.RFC3339Nano), e.Hits, e.LastHit.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		c.logger.Warn("cache persist failed", "hash", e.Hash, "error", err)
	}
}

func (c *Cache) deleteStored(hash string) {
	if c.db == nil {
		return
	}
	if c.db.Degraded() {
		c.replaceFallbackLocked()
		return
	}
	if _, err := c.db.SQL().Exec(`DELETE FROM completion_cache WHERE hash = ?`, hash); err != nil {
		c.logger.Warn("cache delete failed", "hash", hash, "error", err)
	}
}

// replaceFallbackLocked rewrites the whole JSON table from memory.
// Caller holds c.mu.
func (c *Cache) replaceFallbackLocked() {
	rows := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		rows = append(rows, *e)
	}
	if err := c.db.Table(tableName).Replace(rows); err != nil {
		c.logger.Warn("cache fallback persist failed", "error", err)
	}
}
