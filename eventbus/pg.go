package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	changeChannel   = "sync_changes"
	conflictChannel = "sync_conflicts"
)

// PgBus bridges notifications across horizontally scaled instances via
// Postgres LISTEN/NOTIFY. Local subscribers hang off an embedded MemoryBus;
// publishes go through pg_notify so every instance's listener loop feeds its
// own local bus.
type PgBus struct {
	local    *MemoryBus
	pool     *pgxpool.Pool
	listener *pgx.Conn
	cancel   context.CancelFunc
	logger   *log.Logger
}

func NewPgBus(ctx context.Context, databaseURL string, logger *log.Logger) (*PgBus, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[eventbus] ", log.LstdFlags)
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}

	listener, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect listener: %w", err)
	}
	for _, channel := range []string{changeChannel, conflictChannel} {
		if _, err := listener.Exec(ctx, "LISTEN "+channel); err != nil {
			pool.Close()
			listener.Close(ctx)
			return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
		}
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	b := &PgBus{
		local:    NewMemoryBus(),
		pool:     pool,
		listener: listener,
		cancel:   cancel,
		logger:   logger,
	}
	go b.listenLoop(listenCtx)
	return b, nil
}

func (b *PgBus) listenLoop(ctx context.Context) {
	for {
		notification, err := b.listener.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Printf("listener error: %v", err)
			return
		}
		switch notification.Channel {
		case changeChannel:
			var event ChangeEvent
			if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
				b.logger.Printf("malformed change notification: %v", err)
				continue
			}
			_ = b.local.PublishChange(ctx, event)
		case conflictChannel:
			var event ConflictEvent
			if err := json.Unmarshal([]byte(notification.Payload), &event); err != nil {
				b.logger.Printf("malformed conflict notification: %v", err)
				continue
			}
			_ = b.local.PublishConflict(ctx, event)
		}
	}
}

func (b *PgBus) PublishChange(ctx context.Context, event ChangeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", changeChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

func (b *PgBus) PublishConflict(ctx context.Context, event ConflictEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict event: %w", err)
	}
	if _, err := b.pool.Exec(ctx, "SELECT pg_notify($1, $2)", conflictChannel, string(payload)); err != nil {
		return fmt.Errorf("failed to publish conflict event: %w", err)
	}
	return nil
}

func (b *PgBus) Subscribe(tenantID string) *Subscription {
	return b.local.Subscribe(tenantID)
}

func (b *PgBus) Unsubscribe(sub *Subscription) {
	b.local.Unsubscribe(sub)
}

func (b *PgBus) Close() {
	b.cancel()
	b.listener.Close(context.Background())
	b.pool.Close()
	b.local.Close()
}
