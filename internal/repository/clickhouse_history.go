package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	pkgch "ArbCore/pkg/clickhouse"
	applogger "ArbCore/pkg/logger"
)

const (
	resultsTable   = "execution_results"
	positionsTable = "position_updates"
)

// HistorySchema returns the idempotent DDL for the history tables.
func HistorySchema(database string) []string {
	return []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
            completed_at DateTime64(3),
            request_id String,
            idempotency_key String,
            trade_id String,
            status LowCardinality(String),
            rejection_reason String,
            order_id String,
            filled_qty Float64,
            avg_price Float64,
            fees Float64,
            game_id String,
            sport LowCardinality(String),
            platform LowCardinality(String),
            market_id String,
            side LowCardinality(String),
            signal_id String,
            latency_ms Int64
        ) ENGINE = MergeTree ORDER BY (completed_at, idempotency_key)`, database, resultsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
            emitted_at DateTime64(3),
            event LowCardinality(String),
            position_id String,
            trade_id String,
            state LowCardinality(String),
            game_id String,
            sport LowCardinality(String),
            platform LowCardinality(String),
            market_id String,
            side LowCardinality(String),
            entry_price Float64,
            size Float64,
            mark_price Float64,
            unrealized_pnl Float64,
            realized_pnl Float64,
            fees_paid Float64,
            exit_price Nullable(Float64),
            exit_reason String,
            version Int64
        ) ENGINE = MergeTree ORDER BY (position_id, version)`, database, positionsTable),
	}
}

// ClickHouseHistory appends execution results and position snapshots.
type ClickHouseHistory struct {
	db       *sql.DB
	database string
	l        *applogger.Logger
}

// NewClickHouseHistory creates the history sink on an open client.
func NewClickHouseHistory(ch *pkgch.Client, database string, l *applogger.Logger) *ClickHouseHistory {
	return &ClickHouseHistory{db: ch.DB(), database: database, l: l}
}

func (s *ClickHouseHistory) table(name string) string {
	return s.database + "." + name
}

func (s *ClickHouseHistory) RecordResult(ctx context.Context, r models.ExecutionResult) error {
	q := fmt.Sprintf(`INSERT INTO %s (completed_at, request_id, idempotency_key, trade_id, status, rejection_reason,
        order_id, filled_qty, avg_price, fees, game_id, sport, platform, market_id, side, signal_id, latency_ms)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table(resultsTable))
	_, err := s.db.ExecContext(ctx, q,
		r.CompletedAt, r.RequestID, r.IdempotencyKey, r.TradeID, string(r.Status), r.RejectionReason,
		r.OrderID, r.FilledQty, r.AvgPrice, r.Fees, r.GameID, r.Sport, r.Platform, r.MarketID,
		string(r.Side), r.SignalID, r.LatencyMs,
	)
	if err != nil {
		return fmt.Errorf("insert execution result: %w", err)
	}
	return nil
}

func (s *ClickHouseHistory) RecordPositionUpdate(ctx context.Context, u models.PositionUpdate) error {
	p := u.Position
	q := fmt.Sprintf(`INSERT INTO %s (emitted_at, event, position_id, trade_id, state, game_id, sport, platform,
        market_id, side, entry_price, size, mark_price, unrealized_pnl, realized_pnl, fees_paid, exit_price, exit_reason, version)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table(positionsTable))
	_, err := s.db.ExecContext(ctx, q,
		u.EmittedAt, string(u.Event), p.PositionID, p.TradeID, string(p.State), p.GameID, p.Sport, p.Platform,
		p.MarketID, string(p.Side), p.EntryPrice, p.Size, p.MarkPrice, p.UnrealizedPnL, p.RealizedPnL,
		p.FeesPaid, p.ExitPrice, p.ExitReason, p.Version,
	)
	if err != nil {
		return fmt.Errorf("insert position update: %w", err)
	}
	return nil
}

// RecentResults returns up to limit execution results completed at or after
// since, newest first.
func (s *ClickHouseHistory) RecentResults(ctx context.Context, since time.Time, limit int) ([]models.ExecutionResult, error) {
	start := time.Now()
	q := fmt.Sprintf(`SELECT completed_at, request_id, idempotency_key, trade_id, status, rejection_reason, order_id,
        filled_qty, avg_price, fees, game_id, sport, platform, market_id, side, signal_id, latency_ms
        FROM %s WHERE completed_at >= ? ORDER BY completed_at DESC LIMIT ?`, s.table(resultsTable))
	rows, err := s.db.QueryContext(ctx, q, since, limit)
	if err != nil {
		return nil, fmt.Errorf("query execution results: %w", err)
	}
	defer rows.Close()

	out := make([]models.ExecutionResult, 0, limit)
	for rows.Next() {
		var (
			r      models.ExecutionResult
			status string
			side   string
		)
		if err := rows.Scan(&r.CompletedAt, &r.RequestID, &r.IdempotencyKey, &r.TradeID, &status, &r.RejectionReason,
			&r.OrderID, &r.FilledQty, &r.AvgPrice, &r.Fees, &r.GameID, &r.Sport, &r.Platform, &r.MarketID,
			&side, &r.SignalID, &r.LatencyMs); err != nil {
			return nil, fmt.Errorf("scan execution result: %w", err)
		}
		r.Status = models.ExecutionStatus(status)
		r.Side = models.Side(side)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution results: %w", err)
	}
	if s.l != nil {
		s.l.Debug("clickhouse recent results",
			applogger.Int("rows", len(out)),
			applogger.Duration("took_ms", time.Since(start)),
		)
	}
	return out, nil
}

func (s *ClickHouseHistory) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var _ domrepo.HistoryStore = (*ClickHouseHistory)(nil)
