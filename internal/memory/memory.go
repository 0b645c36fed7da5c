// Package memory implements the three-layer memory subsystem: an optional
// remote knowledge graph, a structured local store, and an append-only
// conversation transcript. Each layer degrades independently.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/providers"
)

const (
	defaultTranscriptTurns = 20
	graphTopK              = 5
)

// FastCompleter is the slice of the router used for background fact
// extraction on the fast model.
type FastCompleter interface {
	CompleteFast(ctx context.Context, prompt string) (string, error)
}

// Subsystem is the memory facade handed to the agent loop.
type Subsystem struct {
	Graph      *GraphClient // nil when the graph layer is disabled
	Store      *Structured  // nil in stateless mode
	Transcript *Transcript
	logger     *slog.Logger
	fast       FastCompleter
}

// New assembles the subsystem. Any layer may be nil.
func New(graph *GraphClient, structured *Structured, transcript *Transcript, fast FastCompleter, logger *slog.Logger) *Subsystem {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subsystem{Graph: graph, Store: structured, Transcript: transcript, logger: logger, fast: fast}
}

// ContextRequest describes what to compose for one agent turn.
type ContextRequest struct {
	AgentName string
	Channel   string
	UserID    string
	SoulText  string
	UserText  string // USER.md-style owner notes
	Values    string // policy markdown included verbatim
	Message   string // current inbound message, drives graph recall
	MaxTurns  int
}

// ComposeContext builds the system prompt and history for a request:
// SOUL + USER + VALUES, recent transcript, and top-k graph recall.
func (s *Subsystem) ComposeContext(ctx context.Context, req ContextRequest) (string, []providers.Message) {
	var sb strings.Builder
	if req.SoulText != "" {
		sb.WriteString(req.SoulText)
		sb.WriteString("\n\n")
	}
	if req.UserText != "" {
		sb.WriteString("# About your owner\n")
		sb.WriteString(req.UserText)
		sb.WriteString("\n\n")
	}
	if req.Values != "" {
		sb.WriteString("# Your values\n")
		sb.WriteString(req.Values)
		sb.WriteString("\n\n")
	}

	if s.Graph != nil && s.Graph.Online() && req.Message != "" {
		results, err := s.Graph.Query(ctx, req.Message)
		if err != nil {
			s.logger.Debug("graph recall failed", "error", err)
		} else if len(results) > 0 {
			sb.WriteString("# Relevant memory\n")
			for i, r := range results {
				if i >= graphTopK {
					break
				}
				sb.WriteString("- ")
				sb.WriteString(r.Text)
				sb.WriteString("\n")
			}
			sb.WriteString("\n")
		}
	}

	maxTurns := req.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultTranscriptTurns
	}
	var history []providers.Message
	if s.Transcript != nil {
		turns, err := s.Transcript.Tail(ScopeKey(req.AgentName, req.Channel, req.UserID), maxTurns)
		if err != nil {
			s.logger.Warn("transcript read failed", "error", err)
		}
		for _, turn := range turns {
			history = append(history, providers.Message{Role: turn.Role, Content: turn.Content})
		}
	}
	return sb.String(), history
}

// RecordTurn persists one turn across all available layers and kicks off
// background fact extraction for user turns.
func (s *Subsystem) RecordTurn(ctx context.Context, agentName, channel, userID, role, content string) {
	if s.Transcript != nil {
		key := ScopeKey(agentName, channel, userID)
		if err := s.Transcript.Append(key, TranscriptTurn{Role: role, Content: content}); err != nil {
			s.logger.Warn("transcript append failed", "error", err)
		}
	}
	if s.Store != nil {
		err := s.Store.SaveMessage(StoredMessage{
			AgentName: agentName, Channel: channel, UserID: userID,
			Role: role, Content: content,
		})
		if err != nil {
			s.logger.Warn("message persist failed", "error", err)
		}
	}
	if s.Graph != nil && s.Graph.Online() {
		label := fmt.Sprintf("%s-%s", agentName, channel)
		if err := s.Graph.Add(ctx, content, label); err != nil {
			s.logger.Debug("graph ingest failed", "error", err)
		}
	}
	if role == "user" && s.fast != nil && s.Store != nil {
		go s.extractFacts(context.WithoutCancel(ctx), content, channel)
	}
}

const factPrompt = `Extract standalone facts about the user or their world from this message. Return one fact per line, or NONE if there is nothing durable to remember.

Message: %s`

// extractFacts asks the fast model for durable facts and stores them as
// semantic knowledge.
func (s *Subsystem) extractFacts(ctx context.Context, content, source string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := s.fast.CompleteFast(ctx, fmt.Sprintf(factPrompt, content))
	if err != nil {
		s.logger.Debug("fact extraction failed", "error", err)
		return
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" || strings.EqualFold(line, "NONE") {
			continue
		}
		err := s.Store.SaveKnowledge(KnowledgeEntry{
			Kind: KindSemantic, Content: line, Source: source, Confidence: 0.6,
		})
		if err != nil {
			s.logger.Warn("knowledge persist failed", "error", err)
		}
	}
}

// Remember stores an owner-provided fact at full confidence and feeds
// the graph when it is online.
func (s *Subsystem) Remember(ctx context.Context, content, source string) error {
	if s.Store == nil {
		return errors.New("structured store unavailable")
	}
	err := s.Store.SaveKnowledge(KnowledgeEntry{
		Kind: KindSemantic, Content: content, Source: source, Confidence: 1.0,
	})
	if err != nil {
		return err
	}
	if s.Graph != nil && s.Graph.Online() {
		if err := s.Graph.Add(ctx, content, source); err != nil {
			s.logger.Debug("graph ingest failed", "error", err)
		}
	}
	return nil
}

// Export returns every stored knowledge entry, newest first.
func (s *Subsystem) Export() ([]KnowledgeEntry, error) {
	if s.Store == nil {
		return nil, errors.New("structured store unavailable")
	}
	return s.Store.AllKnowledge()
}

// SearchResult merges graph and structured hits.
type SearchResult struct {
	Text   string  `json:"text"`
	Source string  `json:"source"` // "graph" or "knowledge"
	Score  float64 `json:"score,omitempty"`
}

// Search queries both the graph and the structured knowledge table,
// deduplicating by content hash.
func (s *Subsystem) Search(ctx context.Context, q string) []SearchResult {
	var out []SearchResult
	seen := make(map[string]bool)

	add := func(text, source string, score float64) {
		sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(text))))
		key := hex.EncodeToString(sum[:8])
		if text == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, SearchResult{Text: text, Source: source, Score: score})
	}

	if s.Graph != nil && s.Graph.Online() {
		if results, err := s.Graph.Query(ctx, q); err == nil {
			for _, r := range results {
				add(r.Text, "graph", r.Score)
			}
		}
	}
	if s.Store != nil {
		if entries, err := s.Store.SearchKnowledge(q); err == nil {
			for _, k := range entries {
				add(k.Content, "knowledge", k.Confidence)
			}
		}
	}
	return out
}
