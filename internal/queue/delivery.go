// Package queue holds the durable outbound delivery queue and the pending
// tool-execution approvals. Both persist through the shared store and fall
// back to JSON tables when the relational backend is degraded.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantumclaw/quantumclaw/internal/store"
)

// Delivery item status.
const (
	StatusQueued    = "queued"
	StatusDelivered = "delivered"
	StatusDead      = "dead"
)

const (
	maxAttempts     = 5
	baseBackoff     = 30 * time.Second
	drainerInterval = 15 * time.Second
)

// DeliveryItem is one queued outbound message.
type DeliveryItem struct {
	ID            string    `json:"id"`
	Channel       string    `json:"channel"`
	UserID        string    `json:"userId,omitempty"`
	ChatID        string    `json:"chatId,omitempty"`
	Payload       string    `json:"payload"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"nextAttemptAt"`
	Status        string    `json:"status"`
}

// Sender delivers one item; an error schedules a retry.
type Sender func(ctx context.Context, item DeliveryItem) error

// DeliveryQueue retries with exponential backoff and marks items dead
// after maxAttempts.
type DeliveryQueue struct {
	db     *store.DB
	logger *slog.Logger

	mu    sync.Mutex
	items map[string]*DeliveryItem
	clock func() time.Time
}

// NewDeliveryQueue loads persisted queued items back into memory.
func NewDeliveryQueue(db *store.DB, logger *slog.Logger) *DeliveryQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &DeliveryQueue{
		db:     db,
		logger: logger,
		items:  make(map[string]*DeliveryItem),
		clock:  time.Now,
	}
	q.load()
	return q
}

// Enqueue adds a message for delivery now.
func (q *DeliveryQueue) Enqueue(channel, userID, chatID, payload string) string {
	item := &DeliveryItem{
		ID:            uuid.NewString(),
		Channel:       channel,
		UserID:        userID,
		ChatID:        chatID,
		Payload:       payload,
		NextAttemptAt: q.clock(),
		Status:        StatusQueued,
	}
	q.mu.Lock()
	q.items[item.ID] = item
	q.persistLocked(item)
	q.mu.Unlock()
	return item.ID
}

// Due returns queued items whose next attempt time has passed.
func (q *DeliveryQueue) Due() []DeliveryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	var out []DeliveryItem
	for _, item := range q.items {
		if item.Status == StatusQueued && !item.NextAttemptAt.After(now) {
			out = append(out, *item)
		}
	}
	return out
}

// MarkDelivered finalises a successful send.
func (q *DeliveryQueue) MarkDelivered(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return
	}
	item.Status = StatusDelivered
	q.persistLocked(item)
	delete(q.items, id)
}

// MarkFailed schedules a retry with exponential backoff, or marks the item
// dead once attempts are exhausted.
func (q *DeliveryQueue) MarkFailed(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return
	}
	item.Attempts++
	if item.Attempts >= maxAttempts {
		item.Status = StatusDead
		q.logger.Warn("delivery item dead", "id", id, "channel", item.Channel, "attempts", item.Attempts)
	} else {
		backoff := baseBackoff * time.Duration(1<<(item.Attempts-1))
		item.NextAttemptAt = q.clock().Add(backoff)
	}
	q.persistLocked(item)
}

// Pending counts queued items.
func (q *DeliveryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, item := range q.items {
		if item.Status == StatusQueued {
			n++
		}
	}
	return n
}

// StartDrainer ticks the queue, sending due items until ctx is done.
func (q *DeliveryQueue) StartDrainer(ctx context.Context, send Sender) {
	go func() {
		ticker := time.NewTicker(drainerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Drain(ctx, send)
			}
		}
	}()
}

// Drain attempts every due item once.
func (q *DeliveryQueue) Drain(ctx context.Context, send Sender) {
	for _, item := range q.Due() {
		if err := send(ctx, item); err != nil {
			q.logger.Debug("delivery attempt failed", "id", item.ID, "error", err)
			q.MarkFailed(item.ID)
		} else {
			q.MarkDelivered(item.ID)
		}
	}
}

func (q *DeliveryQueue) load() {
	if q.db == nil {
		return
	}
	if q.db.Degraded() {
		var rows []DeliveryItem
		if err := q.db.Table("delivery_queue").Load(&rows); err != nil {
			q.logger.Warn("delivery queue load failed", "error", err)
			return
		}
		for i := range rows {
			if rows[i].Status == StatusQueued {
				item := rows[i]
				q.items[item.ID] = &item
			}
		}
		return
	}

	rows, err := q.db.SQL().Query(`SELECT id, channel, user_id, chat_id, payload, attempts, next_attempt_at, status FROM delivery_queue WHERE status = ?`, StatusQueued)
	if err != nil {
		q.logger.Warn("delivery queue load failed", "error", err)
		return
	}
	defer rows.Close()
	for rows.Next() {
		var item DeliveryItem
		var next string
		if err := rows.Scan(&item.ID, &item.Channel, &item.UserID, &item.ChatID, &item.Payload, &item.Attempts, &next, &item.Status); err != nil {
			continue
		}
		item.NextAttemptAt, _ = time.Parse(time.RFC3339Nano, next)
		it := item
		q.items[item.ID] = &it
	}
}

// persistLocked writes one item through. Caller holds q.mu.
func (q *DeliveryQueue) persistLocked(item *DeliveryItem) {
	if q.db == nil {
		return
	}
	if q.db.Degraded() {
		rows := make([]DeliveryItem, 0, len(q.items))
		for _, it := range q.items {
			rows = append(rows, *it)
		}
		if err := q.db.Table("delivery_queue").Replace(rows); err != nil {
			q.logger.Warn("delivery queue persist failed", "error", err)
		}
		return
	}
	_, err := q.db.SQL().Exec(
		`INSERT INTO delivery_queue (id, channel, user_id, chat_id, payload, attempts, next_attempt_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET attempts = excluded.attempts, next_attempt_at = excluded.next_attempt_at, status = excluded.status`,
		item.ID, item.Channel, item.UserID, item.ChatID, item.Payload,
		item.Attempts, item.NextAttemptAt.UTC().Format(time.RFC3339Nano), item.Status,
	)
	if err != nil {
		q.logger.Warn("delivery queue persist failed", "id", item.ID, "error", err)
	}
}
