// Package store persists trades, positions, and system events over a
// database/sql connection in a table-per-concern, JSON-blob-column style:
// plain CREATE TABLE IF NOT EXISTS DDL run at construction, parameterized
// Exec/Query methods, no ORM. modernc.org/sqlite backs the default
// DATABASE_TYPE. The postgres driver is registered, but the DDL and queries
// use SQLite syntax (`?` placeholders, AUTOINCREMENT, DATETIME), so Open
// with the postgres driver fails while creating tables.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "github.com/lib/pq"      // registers the "postgres" database/sql driver
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/titanhq/execution-core/internal/domain"
)

// Store wraps a *sql.DB with the execution core's persistence surface.
type Store struct {
	db *sql.DB
}

// Open connects using driverName ("sqlite" or "postgres") and dsn, then
// ensures every table exists.
func Open(driverName, dsn string) (*Store, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driverName, err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping %s: %w", driverName, err)
	}
	s := &Store{db: db}
	if err := s.initTables(); err != nil {
		return nil, fmt.Errorf("store: init tables: %w", err)
	}
	return s, nil
}

func (s *Store) initTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			signal_id_chain TEXT NOT NULL DEFAULT '[]',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			size_closed TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			realized_pnl_pct TEXT NOT NULL,
			reason TEXT NOT NULL,
			closed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE TABLE IF NOT EXISTS positions (
			symbol TEXT PRIMARY KEY,
			side TEXT NOT NULL,
			size TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			stop_loss TEXT NOT NULL,
			opened_at DATETIME NOT NULL,
			phase_at_entry TEXT NOT NULL DEFAULT '',
			closed_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS system_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			service TEXT NOT NULL,
			message TEXT NOT NULL,
			context TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_system_events_type ON system_events(event_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InsertTrade persists a closed TradeRecord.
func (s *Store) InsertTrade(rec domain.TradeRecord) error {
	chain, _ := json.Marshal(rec.SignalIdChain)
	_, err := s.db.Exec(`
		INSERT INTO trades (signal_id_chain, symbol, side, size_closed, entry_price, exit_price, realized_pnl, realized_pnl_pct, reason, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(chain), rec.Symbol, rec.Side.String(), rec.SizeClosed.String(), rec.EntryPrice.String(),
		rec.ExitPrice.String(), rec.RealizedPnL.String(), rec.RealizedPnLPct.String(), string(rec.Reason), rec.ClosedAt)
	return err
}

// UpsertPosition writes the current state of an open position, replacing
// any prior row for the same symbol.
func (s *Store) UpsertPosition(pos domain.Position) error {
	_, err := s.db.Exec(`
		INSERT INTO positions (symbol, side, size, entry_price, stop_loss, opened_at, phase_at_entry, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(symbol) DO UPDATE SET
			side = excluded.side, size = excluded.size, entry_price = excluded.entry_price,
			stop_loss = excluded.stop_loss, phase_at_entry = excluded.phase_at_entry
	`, pos.Symbol, pos.Side.String(), pos.Size.String(), pos.EntryPrice.String(), pos.StopLoss.String(), pos.OpenedAt, pos.PhaseAtEntry)
	return err
}

// CloseStoredPosition marks a position row closed rather than deleting it,
// preserving it as historical record.
func (s *Store) CloseStoredPosition(symbol string, closedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE positions SET closed_at = ? WHERE symbol = ?`, closedAt, symbol)
	return err
}

// SystemEvent is one row of the system_events table.
type SystemEvent struct {
	EventType string
	Severity  string
	Service   string
	Message   string
	Context   map[string]any
}

// InsertSystemEvent records an operational event. Emergency flattens MUST
// log event_type "emergency_flatten" at CRITICAL severity with context
// {positions_closed, symbols, trigger_reason}. Each event
// is stamped with a fresh UUID so operator tooling can correlate a single
// emergency-flatten event across the console fan-out and the persisted row.
func (s *Store) InsertSystemEvent(ev SystemEvent) (string, error) {
	ctxJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return "", fmt.Errorf("store: marshal event context: %w", err)
	}
	eventID := uuid.NewString()
	_, err = s.db.Exec(`
		INSERT INTO system_events (event_id, event_type, severity, service, message, context)
		VALUES (?, ?, ?, ?, ?, ?)
	`, eventID, ev.EventType, ev.Severity, ev.Service, ev.Message, string(ctxJSON))
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// RecentTrades returns the most recent n trades for symbol, newest first.
func (s *Store) RecentTrades(symbol string, n int) ([]domain.TradeRecord, error) {
	rows, err := s.db.Query(`
		SELECT signal_id_chain, symbol, side, size_closed, entry_price, exit_price, realized_pnl, realized_pnl_pct, reason, closed_at
		FROM trades WHERE symbol = ? ORDER BY closed_at DESC LIMIT ?
	`, symbol, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TradeRecord
	for rows.Next() {
		var rec domain.TradeRecord
		var chainJSON, side, sizeClosed, entryPrice, exitPrice, pnl, pnlPct, reason string
		if err := rows.Scan(&chainJSON, &rec.Symbol, &side, &sizeClosed, &entryPrice, &exitPrice, &pnl, &pnlPct, &reason, &rec.ClosedAt); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(chainJSON), &rec.SignalIdChain)
		rec.Side = sideFromString(side)
		rec.SizeClosed, _ = decimal.NewFromString(sizeClosed)
		rec.EntryPrice, _ = decimal.NewFromString(entryPrice)
		rec.ExitPrice, _ = decimal.NewFromString(exitPrice)
		rec.RealizedPnL, _ = decimal.NewFromString(pnl)
		rec.RealizedPnLPct, _ = decimal.NewFromString(pnlPct)
		rec.Reason = domain.CloseReason(reason)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func sideFromString(s string) domain.Direction {
	if s == "SHORT" {
		return domain.Short
	}
	return domain.Long
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
