// Package journal persists the event stream to Postgres for offline
// analysis. Writes are asynchronous and lossy under backpressure; the
// journal is an observer, never a dependency of the engines.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"funding-bot/internal/config"
	"funding-bot/internal/events"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	queueSize int

	started     atomic.Bool
	unsubscribe func()
}

// New opens the journal database and prepares its schema. A disabled
// config yields a nil writer; every method on a nil writer is a no-op.
func New(cfg config.JournalConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("journal dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := &Writer{
		db:        db,
		log:       log,
		schema:    schema,
		queueSize: cfg.QueueSize,
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

// Start subscribes to the bus and drains it on a dedicated goroutine. The
// subscription buffer is the backpressure boundary: a slow database drops
// journal entries, it never stalls a publisher.
func (w *Writer) Start(ctx context.Context, bus *events.Bus) {
	if w == nil || bus == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	ch, cancel := bus.Subscribe(w.queueSize)
	w.unsubscribe = cancel
	go w.run(ctx, ch)
}

func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	if w.unsubscribe != nil {
		w.unsubscribe()
	}
	if w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) run(ctx context.Context, ch <-chan events.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case envelope, ok := <-ch:
			if !ok {
				return
			}
			w.write(ctx, envelope)
		}
	}
}

func (w *Writer) write(ctx context.Context, envelope events.Envelope) {
	if w.db == nil {
		return
	}
	payload, err := msgpack.Marshal(envelope.Event)
	if err != nil {
		if w.log != nil {
			w.log.Warn("journal payload encode failed", zap.Error(err))
		}
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (ts, strategy_id, kind, payload) VALUES ($1,$2,$3,$4)`,
		w.table("strategy_events"))
	if _, err := w.db.ExecContext(ctx, query,
		envelope.Time,
		envelope.Event.Strategy(),
		string(envelope.Event.Kind()),
		payload,
	); err != nil && w.log != nil {
		w.log.Warn("journal insert failed", zap.Error(err))
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload BYTEA NOT NULL
	)`, w.table("strategy_events"))); err != nil {
		return err
	}
	return w.exec(ctx, fmt.Sprintf(
		"CREATE INDEX IF NOT EXISTS strategy_events_strategy_ts ON %s (strategy_id, ts)",
		w.table("strategy_events")))
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
