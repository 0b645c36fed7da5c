package skills

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const clawHubBase = "https://clawhub.dev/skills"

// metaRecord is the per-skill install metadata persisted beside the docs.
type metaRecord struct {
	Source      string `json:"source"`
	InstalledAt string `json:"installedAt,omitempty"`
	Reviewed    bool   `json:"reviewed"`
	Enabled     bool   `json:"enabled"`
}

// Loader walks shared and per-agent skill directories.
type Loader struct {
	sharedDir string
	agentsDir string // workspace/agents; each agent may have a skills/ subdir
	metaPath  string
	logger    *slog.Logger
	client    *http.Client

	mu     sync.RWMutex
	skills map[string]*Skill // by name
	meta   map[string]metaRecord
}

// NewLoader builds a loader; call Load before use.
func NewLoader(sharedDir, agentsDir, metaPath string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		sharedDir: sharedDir,
		agentsDir: agentsDir,
		metaPath:  metaPath,
		logger:    logger,
		client:    &http.Client{Timeout: 30 * time.Second},
		skills:    make(map[string]*Skill),
		meta:      make(map[string]metaRecord),
	}
}

// Load parses every skill document. Unparseable files are skipped with a
// warning so one bad skill cannot empty the set.
func (l *Loader) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.loadMetaLocked()
	l.skills = make(map[string]*Skill)

	l.loadDirLocked(l.sharedDir)
	if l.agentsDir != "" {
		entries, err := os.ReadDir(l.agentsDir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() {
					l.loadDirLocked(filepath.Join(l.agentsDir, e.Name(), "skills"))
				}
			}
		}
	}
	return nil
}

func (l *Loader) loadDirLocked(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("skill read failed", "path", path, "error", err)
			continue
		}
		skill, err := Parse(string(data))
		if err != nil {
			l.logger.Warn("skill parse failed", "path", path, "error", err)
			continue
		}
		skill.Path = path

		if m, ok := l.meta[skill.Name]; ok {
			skill.Source = m.Source
			skill.Reviewed = m.Reviewed
			skill.Enabled = m.Enabled
		} else {
			// A hand-placed file is the owner's own work.
			skill.Source = SourceLocal
			skill.Reviewed = true
			skill.Enabled = true
		}
		l.skills[skill.Name] = skill
	}
}

// All returns every loaded skill.
func (l *Loader) All() []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Skill, 0, len(l.skills))
	for _, s := range l.skills {
		out = append(out, s)
	}
	return out
}

// Get returns a skill by name.
func (l *Loader) Get(name string) (*Skill, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.skills[name]
	return s, ok
}

// ForAgent returns the skills an agent may use: enabled and reviewed only.
func (l *Loader) ForAgent(agentName string) []*Skill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Skill
	for _, s := range l.skills {
		if !s.Enabled || !s.Reviewed {
			continue
		}
		// Per-agent skills live under the agent's directory; shared skills
		// apply to everyone.
		if strings.HasPrefix(s.Path, l.sharedDir) || strings.Contains(s.Path, string(filepath.Separator)+agentName+string(filepath.Separator)) {
			out = append(out, s)
		}
	}
	return out
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Install fetches a skill by URL or marketplace slug, persists it to the
// shared directory, and records metadata with reviewed=false. The owner
// reviews before the skill reaches any agent.
func (l *Loader) Install(ctx context.Context, urlOrSlug string) (*Skill, error) {
	source := SourceURL
	url := urlOrSlug
	if !strings.HasPrefix(urlOrSlug, "http://") && !strings.HasPrefix(urlOrSlug, "https://") {
		if !slugPattern.MatchString(urlOrSlug) {
			return nil, fmt.Errorf("invalid skill slug %q", urlOrSlug)
		}
		source = SourceClawHub
		url = fmt.Sprintf("%s/%s.md", clawHubBase, urlOrSlug)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch skill: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch skill: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	skill, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse fetched skill: %w", err)
	}

	if err := os.MkdirAll(l.sharedDir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(l.sharedDir, sanitizeName(skill.Name)+".md")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.meta[skill.Name] = metaRecord{
		Source:      source,
		InstalledAt: time.Now().UTC().Format(time.RFC3339),
		Reviewed:    false,
		Enabled:     true,
	}
	err = l.saveMetaLocked()
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if err := l.Load(); err != nil {
		return nil, err
	}
	s, _ := l.Get(skill.Name)
	return s, nil
}

// SetReviewed flips the reviewed flag after owner inspection.
func (l *Loader) SetReviewed(name string, reviewed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.meta[name]
	if !ok {
		s, exists := l.skills[name]
		if !exists {
			return fmt.Errorf("unknown skill %q", name)
		}
		m = metaRecord{Source: s.Source, Enabled: s.Enabled}
	}
	m.Reviewed = reviewed
	l.meta[name] = m
	if s, ok := l.skills[name]; ok {
		s.Reviewed = reviewed
	}
	return l.saveMetaLocked()
}

// SetEnabled toggles a skill.
func (l *Loader) SetEnabled(name string, enabled bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.meta[name]
	if !ok {
		s, exists := l.skills[name]
		if !exists {
			return fmt.Errorf("unknown skill %q", name)
		}
		m = metaRecord{Source: s.Source, Reviewed: s.Reviewed}
	}
	m.Enabled = enabled
	l.meta[name] = m
	if s, ok := l.skills[name]; ok {
		s.Enabled = enabled
	}
	return l.saveMetaLocked()
}

func (l *Loader) loadMetaLocked() {
	data, err := os.ReadFile(l.metaPath)
	if err != nil {
		return
	}
	meta := make(map[string]metaRecord)
	if err := json.Unmarshal(data, &meta); err != nil {
		l.logger.Warn("skill metadata parse failed", "error", err)
		return
	}
	l.meta = meta
}

func (l *Loader) saveMetaLocked() error {
	data, err := json.MarshalIndent(l.meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.metaPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(l.metaPath, data, 0600)
}

func sanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "-")
	return regexp.MustCompile(`[^a-z0-9-]`).ReplaceAllString(name, "")
}

// Watch reloads on filesystem changes under the shared directory and
// invokes onChange after each successful reload. Runs until ctx ends.
func (l *Loader) Watch(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(l.sharedDir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		// Debounce: editors fire several events per save.
		var timer *time.Timer
		reload := func() {
			if err := l.Load(); err != nil {
				l.logger.Warn("skill reload failed", "error", err)
				return
			}
			l.logger.Info("skills reloaded", "count", len(l.All()))
			if onChange != nil {
				onChange()
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasSuffix(ev.Name, ".md") {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warn("skill watcher error", "error", err)
			}
		}
	}()
	return nil
}
