package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantumclaw/quantumclaw/internal/audit"
	"github.com/quantumclaw/quantumclaw/internal/store"
)

// Approval decisions.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
)

// ReasonExpired marks approvals auto-denied by timeout.
const ReasonExpired = "expired"

// approvalTTL is how long an approval may stay undecided.
const approvalTTL = 10 * time.Minute

// sweepInterval paces the background auto-deny scan.
const sweepInterval = 30 * time.Second

// Approval is one pending tool execution awaiting owner sign-off.
type Approval struct {
	ID          string                 `json:"id"`
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args,omitempty"`
	RequestedAt time.Time              `json:"requestedAt"`
	ExpiresAt   time.Time              `json:"expiresAt"`
	Decision    string                 `json:"decision,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
}

// Pending reports whether the approval is still undecided and unexpired.
func (a *Approval) Pending(now time.Time) bool {
	return a.Decision == "" && now.Before(a.ExpiresAt)
}

// ExecApprovals tracks pending approvals with a 10 minute auto-deny.
type ExecApprovals struct {
	db     *store.DB
	logger *slog.Logger

	mu        sync.Mutex
	approvals map[string]*Approval
	clock     func() time.Time
	onResolve func(Approval) // notification hook, may be nil
	auditLog  *audit.Log     // may be nil
}

// NewExecApprovals loads undecided approvals from the store.
func NewExecApprovals(db *store.DB, logger *slog.Logger) *ExecApprovals {
	if logger == nil {
		logger = slog.Default()
	}
	e := &ExecApprovals{
		db:        db,
		logger:    logger,
		approvals: make(map[string]*Approval),
		clock:     time.Now,
	}
	e.load()
	return e
}

// OnResolve installs a callback fired whenever an approval is decided,
// including auto-denials.
func (e *ExecApprovals) OnResolve(fn func(Approval)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onResolve = fn
}

// AttachAudit records auto-denials to the audit log.
func (e *ExecApprovals) AttachAudit(log *audit.Log) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditLog = log
}

// Sweep applies the auto-deny to every overdue approval. Get and the
// lists already do this lazily; the sweep covers runs parked on an
// approval nobody ever looks at again.
func (e *ExecApprovals) Sweep() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.approvals {
		e.expireLocked(a)
	}
}

// StartSweeper runs Sweep on a timer until ctx is cancelled.
func (e *ExecApprovals) StartSweeper(ctx context.Context) {
	go func() {
		t := time.NewTicker(sweepInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				e.Sweep()
			}
		}
	}()
}

// Request enqueues a new pending approval and returns its id.
func (e *ExecApprovals) Request(tool string, args map[string]interface{}) *Approval {
	now := e.clock()
	a := &Approval{
		ID:          uuid.NewString(),
		Tool:        tool,
		Args:        args,
		RequestedAt: now,
		ExpiresAt:   now.Add(approvalTTL),
	}
	e.mu.Lock()
	e.approvals[a.ID] = a
	e.persistLocked(a)
	e.mu.Unlock()
	return a
}

// Resolve records the owner's decision. Resolving an unknown or already
// decided approval returns false.
func (e *ExecApprovals) Resolve(id string, approved bool) bool {
	e.mu.Lock()
	a, ok := e.approvals[id]
	if !ok || a.Decision != "" {
		e.mu.Unlock()
		return false
	}
	e.expireLocked(a)
	if a.Decision != "" { // expired while waiting
		e.mu.Unlock()
		return false
	}
	if approved {
		a.Decision = DecisionApproved
	} else {
		a.Decision = DecisionDenied
		a.Reason = "owner denied"
	}
	e.persistLocked(a)
	hook := e.onResolve
	resolved := *a
	e.mu.Unlock()

	if hook != nil {
		hook(resolved)
	}
	return true
}

// Get returns the approval, applying the auto-deny if it has expired.
func (e *ExecApprovals) Get(id string) (*Approval, bool) {
	e.mu.Lock()
	a, ok := e.approvals[id]
	if !ok {
		e.mu.Unlock()
		return nil, false
	}
	e.expireLocked(a)
	out := *a
	e.mu.Unlock()
	return &out, true
}

// PendingList returns undecided approvals, expiring stale ones on the way.
func (e *ExecApprovals) PendingList() []Approval {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	var out []Approval
	for _, a := range e.approvals {
		e.expireLocked(a)
		if a.Pending(now) {
			out = append(out, *a)
		}
	}
	return out
}

// expireLocked applies the auto-deny to one approval. Caller holds e.mu.
func (e *ExecApprovals) expireLocked(a *Approval) {
	if a.Decision == "" && !e.clock().Before(a.ExpiresAt) {
		a.Decision = DecisionDenied
		a.Reason = ReasonExpired
		e.persistLocked(a)
		if e.auditLog != nil {
			e.auditLog.Record(audit.Entry{
				Category: audit.CategoryTool,
				Action:   "auto_deny",
				Detail:   fmt.Sprintf("tool=%s status=denied reason=%s", a.Tool, ReasonExpired),
			})
		}
		if e.onResolve != nil {
			resolved := *a
			go e.onResolve(resolved)
		}
	}
}

func (e *ExecApprovals) load() {
	if e.db == nil {
		return
	}
	if e.db.Degraded() {
		var rows []Approval
		if err := e.db.Table("exec_approvals").Load(&rows); err != nil {
			e.logger.Warn("approvals load failed", "error", err)
			return
		}
		for i := range rows {
			if rows[i].Decision == "" {
				a := rows[i]
				e.approvals[a.ID] = &a
			}
		}
		return
	}

	rows, err := e.db.SQL().Query(`SELECT id, tool, args, requested_at, expires_at, decision, reason FROM exec_approvals WHERE decision = ''`)
	if err != nil {
		e.logger.Warn("approvals load failed", "error", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var a Approval
		var args, requested, expires string
		if err := rows.Scan(&a.ID, &a.Tool, &args, &requested, &expires, &a.Decision, &a.Reason); err != nil {
			continue
		}
		json.Unmarshal([]byte(args), &a.Args)
		a.RequestedAt, _ = time.Parse(time.RFC3339Nano, requested)
		a.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expires)
		ap := a
		e.approvals[a.ID] = &ap
	}
}

func (e *ExecApprovals) persistLocked(a *Approval) {
	if e.db == nil {
		return
	}
	if e.db.Degraded() {
		rows := make([]Approval, 0, len(e.approvals))
		for _, ap := range e.approvals {
			rows = append(rows, *ap)
		}
		if err := e.db.Table("exec_approvals").Replace(rows); err != nil {
			e.logger.Warn("approvals persist failed", "error", err)
		}
		return
	}
	args, _ := json.Marshal(a.Args)
	_, err := e.db.SQL().Exec(
		`INSERT INTO exec_approvals (id, tool, args, requested_at, expires_at, decision, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET decision = excluded.decision, reason = excluded.reason`,
		a.ID, a.Tool, string(args),
		a.RequestedAt.UTC().Format(time.RFC3339Nano), a.ExpiresAt.UTC().Format(time.RFC3339Nano),
		a.Decision, a.Reason,
	)
	if err != nil {
		e.logger.Warn("approval persist failed", "id", a.ID, "error", err)
	}
}
