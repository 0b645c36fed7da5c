package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// GetPath resolves a dotted key ("dashboard.port", "channels.telegram.dmPolicy")
// against the config tree. Returns nil, false when the path does not resolve.
func (c *Config) GetPath(key string) (interface{}, bool) {
	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return nil, false
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, false
	}

	var cur interface{} = tree
	for _, seg := range strings.Split(key, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// SetPath sets a dotted key to a value, coercing by the declared field type.
// The change is validated by round-tripping through the typed Config — a value
// of the wrong shape fails before anything mutates.
func (c *Config) SetPath(key string, value interface{}) error {
	segs := strings.Split(key, ".")
	if len(segs) == 0 || segs[0] == "" {
		return fmt.Errorf("empty config key")
	}

	c.mu.RLock()
	data, err := json.Marshal(c)
	c.mu.RUnlock()
	if err != nil {
		return err
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return err
	}

	cur := tree
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[seg] = next
		}
		cur = next
	}
	cur[segs[len(segs)-1]] = value

	mutated, err := json.Marshal(tree)
	if err != nil {
		return err
	}
	fresh := Default()
	if err := json.Unmarshal(mutated, fresh); err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}

	c.ReplaceFrom(fresh)
	return nil
}
