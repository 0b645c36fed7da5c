// Package agent hosts the agent registry and the tool-calling execution
// loop that turns inbound messages into replies.
package agent

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Agent is one workspace persona backed by a SOUL document.
type Agent struct {
	Name      string
	Workspace string
	SoulText  string
	UserText  string
}

// Registry discovers agents under the workspace agents directory. Each
// subdirectory with a SOUL.md is an agent; "main" is the primary when
// present, otherwise the first by name.
type Registry struct {
	root   string
	logger *slog.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
}

func NewRegistry(root string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{root: root, logger: logger, agents: make(map[string]*Agent)}
	r.Reload()
	return r
}

// Reload rescans the workspace. Missing directories leave an empty
// registry; Primary still returns a usable default agent.
func (r *Registry) Reload() {
	found := make(map[string]*Agent)
	entries, err := os.ReadDir(r.root)
	if err != nil {
		r.logger.Debug("no agent workspace yet", "path", r.root)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, e.Name())
		soul, err := os.ReadFile(filepath.Join(dir, "SOUL.md"))
		if err != nil {
			continue
		}
		a := &Agent{
			Name:      strings.ToLower(e.Name()),
			Workspace: dir,
			SoulText:  string(soul),
		}
		if user, err := os.ReadFile(filepath.Join(dir, "USER.md")); err == nil {
			a.UserText = string(user)
		}
		found[a.Name] = a
	}

	r.mu.Lock()
	r.agents = found
	r.mu.Unlock()
	r.logger.Info("agents loaded", "count", len(found))
}

// Primary returns the main agent. A workspace without any SOUL documents
// gets a bare default so the runtime always has someone to answer.
func (r *Registry) Primary() *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.agents["main"]; ok {
		return a
	}
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	if len(names) == 0 {
		return &Agent{Name: "main", Workspace: filepath.Join(r.root, "main")}
	}
	sort.Strings(names)
	return r.agents[names[0]]
}

// Get returns the named agent, falling back to primary when unknown.
func (r *Registry) Get(name string) *Agent {
	if name == "" {
		return r.Primary()
	}
	r.mu.RLock()
	a, ok := r.agents[strings.ToLower(name)]
	r.mu.RUnlock()
	if !ok {
		return r.Primary()
	}
	return a
}

// Lookup returns the named agent only when it actually exists. Unlike
// Get there is no primary fallback.
func (r *Registry) Lookup(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[strings.ToLower(name)]
	return a, ok
}

// Names lists known agents sorted by name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
