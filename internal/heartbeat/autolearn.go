package heartbeat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/pkg/protocol"
)

const (
	defaultDailyQuota      = 3
	defaultIntervalMinutes = 120

	stateKey = "heartbeat.state"

	autolearnPrompt = "Think of one short, friendly question that would help you " +
		"understand your owner better: their preferences, routines, or current " +
		"projects. Ask only the question, nothing else. If you already know them " +
		"well, reply with exactly SKIP."
)

// hbState is the persisted slice of heartbeat bookkeeping.
type hbState struct {
	SummaryWeek string    `json:"summaryWeek,omitempty"`
	LearnDate   string    `json:"learnDate,omitempty"`
	LearnCount  int       `json:"learnCount,omitempty"`
	LastAsk     time.Time `json:"lastAsk,omitempty"`
}

// autoLearner asks the owner occasional questions, bounded by quiet
// hours, a daily quota and a minimum gap between questions.
type autoLearner struct {
	h *Heartbeat

	date    string
	count   int
	lastAsk time.Time
}

func newAutoLearner(h *Heartbeat) *autoLearner {
	return &autoLearner{h: h}
}

func (a *autoLearner) tick(ctx context.Context, now time.Time) {
	cfg := a.h.cfg.Heartbeat.AutoLearn
	if !cfg.Enabled {
		return
	}
	if inQuietHours(cfg.QuietHoursStart, cfg.QuietHoursEnd, now) {
		return
	}

	quota := cfg.DailyQuota
	if quota <= 0 {
		quota = defaultDailyQuota
	}
	interval := time.Duration(cfg.IntervalMinutes) * time.Minute
	if interval <= 0 {
		interval = defaultIntervalMinutes * time.Minute
	}

	day := now.Format("2006-01-02")
	a.h.mu.Lock()
	if a.date != day {
		a.date = day
		a.count = 0
	}
	blocked := a.count >= quota || (!a.lastAsk.IsZero() && now.Sub(a.lastAsk) < interval)
	a.h.mu.Unlock()
	if blocked {
		return
	}

	question, err := a.h.runner.HandleMessage(ctx, bus.InboundMessage{
		Channel:  "heartbeat",
		SenderID: "heartbeat",
		ChatID:   "heartbeat",
		Content:  autolearnPrompt,
	})
	if err != nil {
		a.h.logger.Warn("autolearn turn failed", "error", err)
		return
	}
	question = strings.TrimSpace(question)
	if question == "" || strings.EqualFold(question, "SKIP") {
		return
	}

	a.h.mu.Lock()
	a.count++
	a.lastAsk = now
	a.h.mu.Unlock()
	a.h.saveState()

	a.h.pushToUser(question)
	if a.h.bus != nil {
		a.h.bus.Broadcast(bus.Event{Name: protocol.EventAutolearn, Payload: map[string]string{"question": question}})
	}
	a.h.logger.Info("autolearn question asked", "count", a.count, "quota", quota)
}

// inQuietHours checks "HH:MM" bounds, handling ranges that cross
// midnight. Empty bounds mean no quiet hours.
func inQuietHours(start, end string, now time.Time) bool {
	s, okS := parseClock(start)
	e, okE := parseClock(end)
	if !okS || !okE {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	if s == e {
		return false
	}
	if s < e {
		return cur >= s && cur < e
	}
	return cur >= s || cur < e
}

func parseClock(v string) (int, bool) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

func (h *Heartbeat) loadState() {
	if h.store == nil {
		return
	}
	raw, err := h.store.GetContext(stateKey)
	if err != nil || raw == "" {
		return
	}
	var st hbState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return
	}
	h.summaryWeek = st.SummaryWeek
	h.learn.date = st.LearnDate
	h.learn.count = st.LearnCount
	h.learn.lastAsk = st.LastAsk
}

func (h *Heartbeat) saveState() {
	if h.store == nil {
		return
	}
	h.mu.Lock()
	st := hbState{
		SummaryWeek: h.summaryWeek,
		LearnDate:   h.learn.date,
		LearnCount:  h.learn.count,
		LastAsk:     h.learn.lastAsk,
	}
	h.mu.Unlock()
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	if err := h.store.SetContext(stateKey, string(data)); err != nil {
		h.logger.Warn("heartbeat state persist failed", "error", err)
	}
}
