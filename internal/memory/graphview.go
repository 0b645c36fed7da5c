package memory

import (
	"fmt"
	"strings"
)

// GraphNode is one node in the knowledge projection.
type GraphNode struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// GraphEdge links two nodes that co-reference a term.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Term string `json:"term"`
}

// GraphView is the node/edge projection served to the dashboard.
type GraphView struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// maxProjectionNodes bounds the dashboard payload.
const maxProjectionNodes = 200

// GetGraph projects current knowledge entries into nodes, with edges
// derived from co-reference: two entries sharing a significant term are
// linked by that term.
func (s *Subsystem) GetGraph() (*GraphView, error) {
	if s.Store == nil {
		return &GraphView{}, nil
	}
	entries, err := s.Store.AllKnowledge()
	if err != nil {
		return nil, err
	}
	if len(entries) > maxProjectionNodes {
		entries = entries[:maxProjectionNodes]
	}

	view := &GraphView{}
	terms := make([]map[string]bool, len(entries))
	for i, e := range entries {
		id := fmt.Sprintf("k%d", e.ID)
		view.Nodes = append(view.Nodes, GraphNode{ID: id, Label: truncateLabel(e.Content), Kind: e.Kind})
		terms[i] = significantTerms(e.Content)
	}

	for i := range entries {
		for j := i + 1; j < len(entries); j++ {
			if term := sharedTerm(terms[i], terms[j]); term != "" {
				view.Edges = append(view.Edges, GraphEdge{
					From: fmt.Sprintf("k%d", entries[i].ID),
					To:   fmt.Sprintf("k%d", entries[j].ID),
					Term: term,
				})
			}
		}
	}
	return view, nil
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "with": true,
	"this": true, "from": true, "have": true, "has": true, "was": true,
	"are": true, "will": true, "they": true, "their": true, "user": true,
	"about": true, "when": true, "what": true, "likes": true, "wants": true,
}

// significantTerms lowercases and keeps words of four-plus letters that
// are not stopwords.
func significantTerms(text string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:()[]\"'")
		if len(w) >= 4 && !stopwords[w] {
			out[w] = true
		}
	}
	return out
}

func sharedTerm(a, b map[string]bool) string {
	best := ""
	for w := range a {
		if b[w] && len(w) > len(best) {
			best = w
		}
	}
	return best
}

func truncateLabel(s string) string {
	const max = 60
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
