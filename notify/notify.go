// Package notify delivers outbox messages to the outside world. The workflow
// engine only ever writes to the outbox table; delivery happens here, after
// commit, with retries.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Message is one outbox row handed to a Notifier.
type Message struct {
	ID      int64
	Topic   string
	Payload map[string]any
}

// Notifier delivers one message. Returning an error leaves the row pending
// for a later attempt.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// LogNotifier writes deliveries to the log. The default sink until a mail or
// webhook integration is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Message) error {
	n.log.Info("notification delivered",
		zap.Int64("outbox_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.Any("payload", msg.Payload))
	return nil
}

// Link builds the external URL for a tokenized payload, or "" when the
// message carries no token.
func Link(baseURL string, payload map[string]any) string {
	value, ok := payload["token_value"].(string)
	if !ok || value == "" {
		return ""
	}
	return baseURL + "/external/" + url.PathEscape(value)
}

// Dispatcher drains the outbox. Rows are claimed with SKIP LOCKED so several
// dispatchers can run side by side without double delivery; a row that keeps
// failing goes dead after MaxAttempts.
type Dispatcher struct {
	pool        *pgxpool.Pool
	notifier    Notifier
	log         *zap.Logger
	BatchSize   int
	MaxAttempts int
	Interval    time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, notifier Notifier, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		pool:        pool,
		notifier:    notifier,
		log:         log,
		BatchSize:   10,
		MaxAttempts: 5,
		Interval:    2 * time.Second,
	}
}

// Run drains the outbox until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()
	for {
		if _, err := d.DrainOnce(ctx); err != nil {
			d.log.Error("outbox drain failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce claims and delivers one batch, returning how many rows it
// processed.
func (d *Dispatcher) DrainOnce(ctx context.Context) (int, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("notify: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
FOR UPDATE SKIP LOCKED
LIMIT $1
`, d.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("notify: claim batch: %w", err)
	}

	type claimed struct {
		msg      Message
		attempts int
	}
	batch := make([]claimed, 0, d.BatchSize)
	for rows.Next() {
		var (
			c       claimed
			payload []byte
		)
		if err := rows.Scan(&c.msg.ID, &c.msg.Topic, &payload, &c.attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("notify: scan outbox row: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &c.msg.Payload); err != nil {
				rows.Close()
				return 0, fmt.Errorf("notify: decode outbox payload: %w", err)
			}
		}
		batch = append(batch, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("notify: iterate outbox rows: %w", err)
	}

	for _, c := range batch {
		if err := d.notifier.Notify(ctx, c.msg); err != nil {
			status := "pending"
			if c.attempts+1 >= d.MaxAttempts {
				status = "dead"
				d.log.Error("outbox message dead-lettered",
					zap.Int64("outbox_id", c.msg.ID),
					zap.String("topic", c.msg.Topic),
					zap.Int("attempts", c.attempts+1))
			}
			if _, uerr := tx.Exec(ctx, `
UPDATE outbox SET attempts = attempts + 1, status = $2, last_attempt = NOW() WHERE id = $1
`, c.msg.ID, status); uerr != nil {
				return 0, fmt.Errorf("notify: record failed attempt: %w", uerr)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = NOW() WHERE id = $1
`, c.msg.ID); err != nil {
			return 0, fmt.Errorf("notify: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("notify: commit drain: %w", err)
	}
	return len(batch), nil
}
