package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"funding-bot/internal/state"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS strategy_records (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		mode TEXT NOT NULL,
		side TEXT NOT NULL,
		leverage INTEGER NOT NULL,
		margin_usd REAL NOT NULL,
		execution_delay_sec INTEGER NOT NULL,
		timing_offset_ms INTEGER NOT NULL,
		take_profit_pct REAL NOT NULL,
		stop_loss_pct REAL NOT NULL,
		auto_repeat INTEGER NOT NULL,
		reopen_count INTEGER NOT NULL,
		status TEXT NOT NULL,
		funding_rate REAL NOT NULL,
		next_funding_ms INTEGER NOT NULL,
		entry_price REAL NOT NULL,
		quantity REAL NOT NULL,
		error_message TEXT NOT NULL DEFAULT '',
		created_at_ms INTEGER NOT NULL,
		updated_at_ms INTEGER NOT NULL
	)`); err != nil {
		return err
	}
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_strategy_records_status ON strategy_records(status)`)
	return err
}

func (s *Store) SaveRecord(ctx context.Context, record state.StrategyRecord) error {
	now := time.Now().UnixMilli()
	if record.CreatedAtMS == 0 {
		record.CreatedAtMS = now
	}
	record.UpdatedAtMS = now
	_, err := s.db.ExecContext(ctx, `INSERT INTO strategy_records (
		id, user_id, symbol, mode, side, leverage, margin_usd,
		execution_delay_sec, timing_offset_ms, take_profit_pct, stop_loss_pct,
		auto_repeat, reopen_count, status, funding_rate, next_funding_ms,
		entry_price, quantity, error_message, created_at_ms, updated_at_ms
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET
		side = excluded.side,
		reopen_count = excluded.reopen_count,
		status = excluded.status,
		funding_rate = excluded.funding_rate,
		next_funding_ms = excluded.next_funding_ms,
		entry_price = excluded.entry_price,
		quantity = excluded.quantity,
		error_message = excluded.error_message,
		updated_at_ms = excluded.updated_at_ms`,
		record.ID, record.UserID, record.Symbol, record.Mode, record.Side,
		record.Leverage, record.MarginUSD, record.ExecutionDelaySec,
		record.TimingOffsetMS, record.TakeProfitPercent, record.StopLossPercent,
		boolToInt(record.AutoRepeat), record.ReopenCount, string(record.Status),
		record.FundingRate, record.NextFundingTimeMS, record.EntryPrice,
		record.Quantity, record.ErrorMessage, record.CreatedAtMS, record.UpdatedAtMS,
	)
	return err
}

func (s *Store) UpdateRecordStatus(ctx context.Context, id string, status state.RecordStatus, errorMessage string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE strategy_records SET status = ?, error_message = ?, updated_at_ms = ? WHERE id = ?`,
		string(status), errorMessage, time.Now().UnixMilli(), id,
	)
	return err
}

func (s *Store) GetRecord(ctx context.Context, id string) (state.StrategyRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.StrategyRecord{}, false, nil
		}
		return state.StrategyRecord{}, false, err
	}
	return record, true, nil
}

func (s *Store) ListRecordsByStatus(ctx context.Context, statuses ...state.RecordStatus) ([]state.StrategyRecord, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(statuses)), ",")
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("%s WHERE status IN (%s) ORDER BY created_at_ms", selectColumns, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []state.StrategyRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}

const selectColumns = `SELECT id, user_id, symbol, mode, side, leverage, margin_usd,
	execution_delay_sec, timing_offset_ms, take_profit_pct, stop_loss_pct,
	auto_repeat, reopen_count, status, funding_rate, next_funding_ms,
	entry_price, quantity, error_message, created_at_ms, updated_at_ms
	FROM strategy_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (state.StrategyRecord, error) {
	var record state.StrategyRecord
	var autoRepeat int
	var status string
	err := row.Scan(
		&record.ID, &record.UserID, &record.Symbol, &record.Mode, &record.Side,
		&record.Leverage, &record.MarginUSD, &record.ExecutionDelaySec,
		&record.TimingOffsetMS, &record.TakeProfitPercent, &record.StopLossPercent,
		&autoRepeat, &record.ReopenCount, &status, &record.FundingRate,
		&record.NextFundingTimeMS, &record.EntryPrice, &record.Quantity,
		&record.ErrorMessage, &record.CreatedAtMS, &record.UpdatedAtMS,
	)
	if err != nil {
		return state.StrategyRecord{}, err
	}
	record.AutoRepeat = autoRepeat != 0
	record.Status = state.RecordStatus(status)
	return record, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
