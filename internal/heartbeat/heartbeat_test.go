package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/bus"
	"github.com/quantumclaw/quantumclaw/internal/config"
)

type fakeRunner struct {
	mu      sync.Mutex
	prompts []string
	reply   string
}

func (f *fakeRunner) HandleMessage(_ context.Context, msg bus.InboundMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, msg.Content)
	return f.reply, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func testHeartbeat(cfg *config.Config, runner Runner) (*Heartbeat, *bus.MessageBus) {
	b := bus.New()
	h := New(cfg, runner, nil, nil, b, slog.Default())
	return h, b
}

func TestCronExpr(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"every-minute", "* * * * *"},
		{"every-5-minutes", "*/5 * * * *"},
		{"every-hour", "0 * * * *"},
		{"every-day", "0 9 * * *"},
		{"30 6 * * 1", "30 6 * * 1"},
	}
	for _, tt := range tests {
		if got := cronExpr(tt.in); got != tt.want {
			t.Errorf("cronExpr(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestScheduledTaskFires(t *testing.T) {
	cfg := &config.Config{
		Agent: config.AgentConfig{Timezone: "UTC"},
		Heartbeat: config.HeartbeatConfig{
			Scheduled: []config.ScheduledTask{
				{Name: "check", Prompt: "check the weather", Schedule: "every-minute"},
			},
		},
	}
	runner := &fakeRunner{reply: "sunny"}
	h, _ := testHeartbeat(cfg, runner)
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	h.clock = func() time.Time { return now }

	h.Tick(context.Background())
	if runner.calls() != 1 {
		t.Fatalf("calls = %d, want 1", runner.calls())
	}

	// Same minute again: the once-per-slot guard holds.
	h.Tick(context.Background())
	if runner.calls() != 1 {
		t.Errorf("calls after repeat tick = %d, want 1", runner.calls())
	}

	now = now.Add(time.Minute)
	h.Tick(context.Background())
	if runner.calls() != 2 {
		t.Errorf("calls next minute = %d, want 2", runner.calls())
	}
}

func TestScheduledTaskNotify(t *testing.T) {
	cfg := &config.Config{
		Agent: config.AgentConfig{Timezone: "UTC"},
		Channels: map[string]*config.ChannelConfig{
			"telegram": {Enabled: true, AllowedUsers: []string{"42|alice"}},
		},
		Heartbeat: config.HeartbeatConfig{
			Scheduled: []config.ScheduledTask{
				{Name: "brief", Prompt: "morning brief", Schedule: "every-minute", Notify: true},
			},
		},
	}
	runner := &fakeRunner{reply: "your brief"}
	h, b := testHeartbeat(cfg, runner)
	h.clock = func() time.Time { return time.Date(2026, 2, 10, 7, 30, 0, 0, time.UTC) }

	h.Tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out, ok := b.ConsumeOutbound(ctx)
	if !ok {
		t.Fatal("no outbound push")
	}
	if out.Channel != "telegram" || out.ChatID != "42" || out.Content != "your brief" {
		t.Errorf("push = %+v", out)
	}
}

func TestAutoLearnQuota(t *testing.T) {
	cfg := &config.Config{
		Agent: config.AgentConfig{Timezone: "UTC"},
		Heartbeat: config.HeartbeatConfig{
			AutoLearn: config.AutoLearnConfig{Enabled: true, DailyQuota: 2, IntervalMinutes: 1},
		},
	}
	runner := &fakeRunner{reply: "What do you usually eat for breakfast?"}
	h, _ := testHeartbeat(cfg, runner)
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	h.clock = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		h.Tick(context.Background())
		now = now.Add(2 * time.Minute)
	}
	if runner.calls() != 2 {
		t.Errorf("questions asked = %d, want quota of 2", runner.calls())
	}

	// Next day the quota resets.
	now = now.Add(24 * time.Hour)
	h.Tick(context.Background())
	if runner.calls() != 3 {
		t.Errorf("questions after day rollover = %d, want 3", runner.calls())
	}
}

func TestAutoLearnInterval(t *testing.T) {
	cfg := &config.Config{
		Agent: config.AgentConfig{Timezone: "UTC"},
		Heartbeat: config.HeartbeatConfig{
			AutoLearn: config.AutoLearnConfig{Enabled: true, DailyQuota: 10, IntervalMinutes: 120},
		},
	}
	runner := &fakeRunner{reply: "Coffee or tea?"}
	h, _ := testHeartbeat(cfg, runner)
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	h.clock = func() time.Time { return now }

	h.Tick(context.Background())
	now = now.Add(30 * time.Minute)
	h.Tick(context.Background())
	if runner.calls() != 1 {
		t.Fatalf("second question inside the interval, calls = %d", runner.calls())
	}
	now = now.Add(100 * time.Minute)
	h.Tick(context.Background())
	if runner.calls() != 2 {
		t.Errorf("calls after interval = %d, want 2", runner.calls())
	}
}

func TestAutoLearnSkipReply(t *testing.T) {
	cfg := &config.Config{
		Agent: config.AgentConfig{Timezone: "UTC"},
		Channels: map[string]*config.ChannelConfig{
			"telegram": {Enabled: true, AllowedUsers: []string{"42"}},
		},
		Heartbeat: config.HeartbeatConfig{
			AutoLearn: config.AutoLearnConfig{Enabled: true},
		},
	}
	runner := &fakeRunner{reply: "SKIP"}
	h, b := testHeartbeat(cfg, runner)
	h.clock = func() time.Time { return time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC) }

	h.Tick(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, ok := b.ConsumeOutbound(ctx); ok {
		t.Error("SKIP reply must not reach the user")
	}
}

func TestQuietHours(t *testing.T) {
	at := func(hhmm string) time.Time {
		tm, _ := time.Parse("15:04", hhmm)
		return time.Date(2026, 2, 10, tm.Hour(), tm.Minute(), 0, 0, time.UTC)
	}
	tests := []struct {
		name       string
		start, end string
		now        string
		want       bool
	}{
		{"inside same-day window", "22:00", "23:00", "22:30", true},
		{"outside same-day window", "22:00", "23:00", "12:00", false},
		{"overnight window evening", "22:00", "07:00", "23:30", true},
		{"overnight window morning", "22:00", "07:00", "06:00", true},
		{"overnight window daytime", "22:00", "07:00", "12:00", false},
		{"unset bounds never quiet", "", "", "03:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inQuietHours(tt.start, tt.end, at(tt.now)); got != tt.want {
				t.Errorf("inQuietHours(%q, %q, %s) = %v, want %v", tt.start, tt.end, tt.now, got, tt.want)
			}
		})
	}
}

func TestAutoLearnRespectsQuietHours(t *testing.T) {
	cfg := &config.Config{
		Agent: config.AgentConfig{Timezone: "UTC"},
		Heartbeat: config.HeartbeatConfig{
			AutoLearn: config.AutoLearnConfig{Enabled: true, QuietHoursStart: "22:00", QuietHoursEnd: "07:00"},
		},
	}
	runner := &fakeRunner{reply: "Early bird or night owl?"}
	h, _ := testHeartbeat(cfg, runner)
	h.clock = func() time.Time { return time.Date(2026, 2, 10, 23, 30, 0, 0, time.UTC) }

	h.Tick(context.Background())
	if runner.calls() != 0 {
		t.Errorf("question asked during quiet hours, calls = %d", runner.calls())
	}
}

func TestWeeklySummary(t *testing.T) {
	cfg := &config.Config{
		Agent: config.AgentConfig{Timezone: "UTC"},
		Channels: map[string]*config.ChannelConfig{
			"telegram": {Enabled: true, AllowedUsers: []string{"42"}},
		},
		Heartbeat: config.HeartbeatConfig{WeeklySummary: true},
	}
	runner := &fakeRunner{reply: "This week we built things."}
	h, _ := testHeartbeat(cfg, runner)

	// 2026-02-09 is a Monday.
	now := time.Date(2026, 2, 9, 9, 30, 0, 0, time.UTC)
	h.clock = func() time.Time { return now }

	h.Tick(context.Background())
	if runner.calls() != 1 {
		t.Fatalf("summary calls = %d, want 1", runner.calls())
	}

	// Same week, later hour: no repeat.
	now = now.Add(2 * time.Hour)
	h.Tick(context.Background())
	if runner.calls() != 1 {
		t.Errorf("summary repeated within the week, calls = %d", runner.calls())
	}

	// Next Monday is a new ISO week.
	now = now.Add(7 * 24 * time.Hour)
	h.Tick(context.Background())
	if runner.calls() != 2 {
		t.Errorf("summary next week, calls = %d, want 2", runner.calls())
	}
}

func TestWeeklySummaryOnlyMondayMorning(t *testing.T) {
	cfg := &config.Config{
		Agent:     config.AgentConfig{Timezone: "UTC"},
		Heartbeat: config.HeartbeatConfig{WeeklySummary: true},
	}
	runner := &fakeRunner{reply: "recap"}
	h, _ := testHeartbeat(cfg, runner)

	// Tuesday.
	h.clock = func() time.Time { return time.Date(2026, 2, 10, 10, 0, 0, 0, time.UTC) }
	h.Tick(context.Background())
	// Monday before 09:00.
	h.clock = func() time.Time { return time.Date(2026, 2, 9, 7, 0, 0, 0, time.UTC) }
	h.Tick(context.Background())

	if runner.calls() != 0 {
		t.Errorf("summary fired outside its slot, calls = %d", runner.calls())
	}
}
