package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/quantumclaw/quantumclaw/internal/audit"
	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/internal/config"
	"github.com/quantumclaw/quantumclaw/internal/memory"
	"github.com/quantumclaw/quantumclaw/pkg/protocol"
)

const tickInterval = time.Minute

// Runner executes a prompt through the agent loop. The heartbeat feeds
// it synthetic messages on the internal heartbeat channel.
type Runner interface {
	HandleMessage(ctx context.Context, msg bus.InboundMessage) (string, error)
}

// Heartbeat fires scheduled tasks, the auto-learn loop and the weekly
// summary from a one minute tick.
type Heartbeat struct {
	cfg      *config.Config
	runner   Runner
	auditLog *audit.Log
	store    *memory.Structured
	bus      *bus.MessageBus
	logger   *slog.Logger

	gron  *gronx.Gronx
	clock func() time.Time

	mu          sync.Mutex
	lastRun     map[string]time.Time
	capNotified string // date the cost-cap skip was last logged
	learn       *autoLearner
	summaryWeek string
}

func New(cfg *config.Config, runner Runner, auditLog *audit.Log, store *memory.Structured, b *bus.MessageBus, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Heartbeat{
		cfg:      cfg,
		runner:   runner,
		auditLog: auditLog,
		store:    store,
		bus:      b,
		logger:   logger,
		gron:     gronx.New(),
		clock:    time.Now,
		lastRun:  make(map[string]time.Time),
	}
	h.learn = newAutoLearner(h)
	h.loadState()
	return h
}

// Start blocks, ticking every minute until ctx is cancelled.
func (h *Heartbeat) Start(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	h.logger.Info("heartbeat started", "tasks", len(h.cfg.Heartbeat.Scheduled))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Tick(ctx)
		}
	}
}

// Tick runs one heartbeat evaluation. Exported so tests and the doctor
// command can drive it without the ticker.
func (h *Heartbeat) Tick(ctx context.Context) {
	now := h.clock().In(h.location())

	if h.costCapReached(now) {
		return
	}

	for i := range h.cfg.Heartbeat.Scheduled {
		task := h.cfg.Heartbeat.Scheduled[i]
		if h.due(task, now) {
			h.runTask(ctx, task, now)
		}
	}

	h.learn.tick(ctx, now)
	h.maybeWeeklySummary(ctx, now)
}

func (h *Heartbeat) location() *time.Location {
	if tz := h.cfg.Agent.Timezone; tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.Local
}

// costCapReached skips all model-driven heartbeat work for the rest of
// the day once spend crosses the configured cap.
func (h *Heartbeat) costCapReached(now time.Time) bool {
	limit := h.cfg.Heartbeat.DailyCostCap
	if limit <= 0 || h.auditLog == nil {
		return false
	}
	costs, err := h.auditLog.Costs()
	if err != nil || costs.Today < limit {
		return false
	}
	day := now.Format("2006-01-02")
	h.mu.Lock()
	notify := h.capNotified != day
	h.capNotified = day
	h.mu.Unlock()
	if notify {
		h.logger.Warn("daily cost cap reached, heartbeat paused", "spent", costs.Today, "cap", limit)
	}
	return true
}

// due evaluates the task schedule at now, with a guard so a task fires
// at most once per minute slot.
func (h *Heartbeat) due(task config.ScheduledTask, now time.Time) bool {
	ok, err := h.gron.IsDue(cronExpr(task.Schedule), now)
	if err != nil {
		h.logger.Warn("bad schedule", "task", task.Name, "schedule", task.Schedule, "error", err)
		return false
	}
	if !ok {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if last, seen := h.lastRun[task.Name]; seen && now.Sub(last) < tickInterval {
		return false
	}
	h.lastRun[task.Name] = now
	return true
}

// cronExpr maps the friendly schedule names onto cron. Anything else is
// passed through as a cron expression.
func cronExpr(schedule string) string {
	switch schedule {
	case "every-minute":
		return "* * * * *"
	case "every-5-minutes":
		return "*/5 * * * *"
	case "every-hour":
		return "0 * * * *"
	case "every-day":
		return "0 9 * * *"
	default:
		return schedule
	}
}

func (h *Heartbeat) runTask(ctx context.Context, task config.ScheduledTask, now time.Time) {
	h.logger.Info("scheduled task firing", "task", task.Name)
	reply, err := h.runner.HandleMessage(ctx, bus.InboundMessage{
		Channel:  "heartbeat",
		SenderID: "heartbeat",
		ChatID:   "heartbeat",
		Content:  task.Prompt,
	})
	if err != nil {
		h.logger.Error("scheduled task failed", "task", task.Name, "error", err)
		return
	}
	if task.Notify && reply != "" {
		h.pushToUser(reply)
	}
}

// maybeWeeklySummary generates the recap once per ISO week, on Mondays
// from 09:00 local time.
func (h *Heartbeat) maybeWeeklySummary(ctx context.Context, now time.Time) {
	if !h.cfg.Heartbeat.WeeklySummary {
		return
	}
	if now.Weekday() != time.Monday || now.Hour() < 9 {
		return
	}
	week := isoWeek(now)
	h.mu.Lock()
	already := h.summaryWeek == week
	h.mu.Unlock()
	if already {
		return
	}

	reply, err := h.runner.HandleMessage(ctx, bus.InboundMessage{
		Channel:  "heartbeat",
		SenderID: "heartbeat",
		ChatID:   "heartbeat",
		Content:  "Write a short weekly recap for your owner: what we worked on, what you learned about them, and anything pending. Keep it under 150 words.",
	})
	if err != nil {
		h.logger.Error("weekly summary failed", "error", err)
		return
	}

	h.mu.Lock()
	h.summaryWeek = week
	h.mu.Unlock()
	h.saveState()

	if reply != "" {
		h.pushToUser(reply)
	}
}

func isoWeek(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

// pushToUser fans a proactive message out to every allowlisted user on
// every enabled external channel, and mirrors it to dashboard clients.
func (h *Heartbeat) pushToUser(text string) {
	if h.bus == nil {
		return
	}
	for _, name := range h.cfg.ChannelNames() {
		ch := h.cfg.Channel(name)
		if ch == nil || !ch.Enabled {
			continue
		}
		for _, user := range ch.AllowedUsers {
			chatID := user
			if i := strings.IndexByte(chatID, '|'); i > 0 {
				chatID = chatID[:i]
			}
			h.bus.PublishOutbound(bus.OutboundMessage{Channel: name, ChatID: chatID, Content: text})
		}
	}
	h.bus.Broadcast(bus.Event{Name: protocol.EventProactive, Payload: map[string]string{"message": text}})
}
