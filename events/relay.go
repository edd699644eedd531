package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dealflow/db"
)

// Observer receives one call per publish attempt; result is "ok", "retry"
// or "dead".
type Observer interface {
	OutboxPublished(topic, result string)
}

// RelayConfig tunes the relay loop.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Relay drains pending outbox rows and hands them to a Publisher. Several
// relays may run against one database; rows are claimed with SKIP LOCKED.
type Relay struct {
	pool      db.Pool
	publisher Publisher
	cfg       RelayConfig
	logger    *zap.Logger
	observer  Observer
	now       func() time.Time
}

// NewRelay builds a relay. Zero config values fall back to 1s / 50 / 5.
func NewRelay(pool db.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		pool:      pool,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// WithObserver attaches a publish observer.
func (r *Relay) WithObserver(o Observer) *Relay {
	r.observer = o
	return r
}

// WithClock overrides the time source, primarily for tests.
func (r *Relay) WithClock(clock func() time.Time) *Relay {
	if clock != nil {
		r.now = clock
	}
	return r
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("outbox relay pass failed", zap.Error(err))
		}
		// A full batch means more rows are probably waiting.
		if err == nil && n == r.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and returns how many rows it handled.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("events: begin relay tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	const claimSQL = `
		SELECT id, topic, payload, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`
	rows, err := tx.Query(ctx, claimSQL, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("events: claim outbox: %w", err)
	}
	var batch []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("events: scan outbox: %w", err)
		}
		batch = append(batch, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("events: iterate outbox: %w", err)
	}

	for _, msg := range batch {
		now := r.now()
		if pubErr := r.publisher.Publish(ctx, msg); pubErr != nil {
			var status string
			const failSQL = `
				UPDATE outbox
				SET attempts = attempts + 1,
				    last_attempt = $2,
				    status = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'pending' END
				WHERE id = $1
				RETURNING status
			`
			if err := tx.QueryRow(ctx, failSQL, msg.ID, now, r.cfg.MaxAttempts).Scan(&status); err != nil {
				return 0, fmt.Errorf("events: record publish failure: %w", err)
			}
			result := "retry"
			if status == "dead" {
				result = "dead"
			}
			r.logger.Warn("outbox publish failed",
				zap.String("outbox_id", msg.ID),
				zap.String("topic", msg.Topic),
				zap.String("result", result),
				zap.Error(pubErr),
			)
			r.observe(msg.Topic, result)
			continue
		}

		const doneSQL = `UPDATE outbox SET status = 'processed', attempts = attempts + 1, last_attempt = $2 WHERE id = $1`
		if _, err := tx.Exec(ctx, doneSQL, msg.ID, now); err != nil {
			return 0, fmt.Errorf("events: mark processed: %w", err)
		}
		r.observe(msg.Topic, "ok")
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("events: commit relay tx: %w", err)
	}
	return len(batch), nil
}

func (r *Relay) observe(topic, result string) {
	if r.observer != nil {
		r.observer.OutboxPublished(topic, result)
	}
}
