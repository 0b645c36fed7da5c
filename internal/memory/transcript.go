package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// TranscriptTurn is one line of the append-only conversation log.
type TranscriptTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"ts"`
}

// Transcript keeps one append-only JSONL file per conversation scope,
// used to rehydrate context after a restart.
type Transcript struct {
	dir string
	mu  sync.Mutex
}

// NewTranscript stores logs under dir.
func NewTranscript(dir string) *Transcript {
	return &Transcript{dir: dir}
}

// ScopeKey builds the canonical per-conversation key.
func ScopeKey(agentName, channel, userID string) string {
	return fmt.Sprintf("%s:%s:%s", agentName, channel, userID)
}

func (t *Transcript) pathFor(key string) string {
	safe := strings.NewReplacer("/", "_", ":", "_", "..", "_").Replace(key)
	return filepath.Join(t.dir, safe+".jsonl")
}

// Append writes one turn.
func (t *Transcript) Append(key string, turn TranscriptTurn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(t.pathFor(key), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Tail returns the last n turns for a scope, oldest first.
func (t *Transcript) Tail(key string, n int) ([]TranscriptTurn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var turns []TranscriptTurn
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var turn TranscriptTurn
		if err := json.Unmarshal(scanner.Bytes(), &turn); err != nil {
			continue // skip a torn final line from a crash
		}
		turns = append(turns, turn)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

// Reset removes the transcript for a scope.
func (t *Transcript) Reset(key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	err := os.Remove(t.pathFor(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
