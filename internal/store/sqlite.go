package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/birdbathd/tranche-engine/internal/errors"
	"github.com/birdbathd/tranche-engine/internal/models"
)

// SQLiteStore implements TrancheStore using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite-based tranche store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &SQLiteStore{db: db}

	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

// initSchema creates all required tables and indexes.
func (s *SQLiteStore) initSchema() error {
	schema := `
	-- One row per virtual sub-position
	CREATE TABLE IF NOT EXISTS tranches (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		position_side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		quantity REAL NOT NULL,
		margin_used REAL NOT NULL DEFAULT 0,
		leverage REAL NOT NULL DEFAULT 1,
		entry_time DATETIME NOT NULL,
		entry_order_id TEXT,
		exit_price REAL,
		exit_time DATETIME,
		exit_order_id TEXT,
		unrealized_pnl REAL NOT NULL DEFAULT 0,
		realized_pnl REAL NOT NULL DEFAULT 0,
		tp_percent REAL NOT NULL DEFAULT 0,
		sl_percent REAL NOT NULL DEFAULT 0,
		tp_price REAL NOT NULL DEFAULT 0,
		sl_price REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'active',
		isolated INTEGER NOT NULL DEFAULT 0,
		isolation_time DATETIME,
		isolation_price REAL,
		notes TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Append-only audit log
	CREATE TABLE IF NOT EXISTS tranche_events (
		id TEXT PRIMARY KEY,
		tranche_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_time DATETIME NOT NULL,
		price REAL,
		quantity REAL,
		pnl REAL,
		"trigger" TEXT,
		metadata TEXT,
		FOREIGN KEY (tranche_id) REFERENCES tranches(id)
	);

	CREATE INDEX IF NOT EXISTS idx_tranches_symbol_side_status ON tranches(symbol, side, status);
	CREATE INDEX IF NOT EXISTS idx_tranches_isolated ON tranches(isolated);
	CREATE INDEX IF NOT EXISTS idx_events_tranche ON tranche_events(tranche_id);
	CREATE INDEX IF NOT EXISTS idx_events_time ON tranche_events(event_time);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const trancheColumns = `id, symbol, side, position_side, entry_price, quantity, margin_used,
	leverage, entry_time, entry_order_id, exit_price, exit_time, exit_order_id,
	unrealized_pnl, realized_pnl, tp_percent, sl_percent, tp_price, sl_price,
	status, isolated, isolation_time, isolation_price, notes, created_at, updated_at`

// CreateTranche inserts a new tranche row.
func (s *SQLiteStore) CreateTranche(ctx context.Context, t *models.Tranche) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tranches (id, symbol, side, position_side, entry_price, quantity,
			margin_used, leverage, entry_time, entry_order_id, unrealized_pnl, realized_pnl,
			tp_percent, sl_percent, tp_price, sl_price, status, isolated, notes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, string(t.Side), string(t.PositionSide), t.EntryPrice, t.Quantity,
		t.MarginUsed, t.Leverage, t.EntryTime.UTC(), nullString(t.EntryOrderID),
		t.UnrealizedPnl, t.RealizedPnl,
		t.TPPercent, t.SLPercent, t.TPPrice, t.SLPrice,
		string(t.Status), boolToInt(t.Isolated), nullString(t.Notes), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert tranche: %w", err)
	}
	return nil
}

// GetTranche fetches a tranche by id.
func (s *SQLiteStore) GetTranche(ctx context.Context, id string) (*models.Tranche, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trancheColumns+` FROM tranches WHERE id = ?`, id)
	t, err := scanTranche(row)
	if err == sql.ErrNoRows {
		return nil, errors.ErrTrancheNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tranche: %w", err)
	}
	return t, nil
}

// GetActiveTranches returns all status=active tranches for a (symbol, side),
// isolated ones included, ordered by entry time.
func (s *SQLiteStore) GetActiveTranches(ctx context.Context, symbol string, side models.Side) ([]*models.Tranche, error) {
	return s.queryTranches(ctx, `
		SELECT `+trancheColumns+` FROM tranches
		WHERE symbol = ? AND side = ? AND status = 'active'
		ORDER BY entry_time ASC`, symbol, string(side))
}

// GetIsolatedTranches returns the active, isolated tranches for a (symbol, side).
func (s *SQLiteStore) GetIsolatedTranches(ctx context.Context, symbol string, side models.Side) ([]*models.Tranche, error) {
	return s.queryTranches(ctx, `
		SELECT `+trancheColumns+` FROM tranches
		WHERE symbol = ? AND side = ? AND status = 'active' AND isolated = 1
		ORDER BY entry_time ASC`, symbol, string(side))
}

// GetAllTranchesForSymbol returns every tranche of a symbol regardless of status.
func (s *SQLiteStore) GetAllTranchesForSymbol(ctx context.Context, symbol string) ([]*models.Tranche, error) {
	return s.queryTranches(ctx, `
		SELECT `+trancheColumns+` FROM tranches
		WHERE symbol = ?
		ORDER BY entry_time ASC`, symbol)
}

// updatableColumns whitelists columns UpdateTranche may touch.
var updatableColumns = map[string]bool{
	"quantity":       true,
	"margin_used":    true,
	"unrealized_pnl": true,
	"realized_pnl":   true,
	"notes":          true,
	"exit_order_id":  true,
}

// UpdateTranche applies a partial column update to a tranche.
func (s *SQLiteStore) UpdateTranche(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	setClauses := make([]string, 0, len(fields)+1)
	args := make([]interface{}, 0, len(fields)+2)
	for col, val := range fields {
		if !updatableColumns[col] {
			return fmt.Errorf("column not updatable: %s", col)
		}
		setClauses = append(setClauses, col+" = ?")
		args = append(args, val)
	}
	setClauses = append(setClauses, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	res, err := s.db.ExecContext(ctx,
		`UPDATE tranches SET `+strings.Join(setClauses, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update tranche: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// UpdateTrancheUnrealizedPnl updates only the unrealized P&L of a tranche.
func (s *SQLiteStore) UpdateTrancheUnrealizedPnl(ctx context.Context, id string, pnl float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tranches SET unrealized_pnl = ?, updated_at = ?
		WHERE id = ? AND status = 'active'`,
		pnl, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update unrealized pnl: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// IsolateTranche marks an active, unisolated tranche as isolated.
func (s *SQLiteStore) IsolateTranche(ctx context.Context, id string, price float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tranches SET isolated = 1, isolation_time = ?, isolation_price = ?, updated_at = ?
		WHERE id = ? AND status = 'active' AND isolated = 0`,
		time.Now().UTC(), price, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to isolate tranche: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// CloseTranche moves an active tranche to closed, recording exit fields and
// accumulating realized P&L.
func (s *SQLiteStore) CloseTranche(ctx context.Context, id string, exitPrice, realizedPnl float64, orderID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tranches
		SET status = 'closed', exit_price = ?, exit_time = ?, exit_order_id = ?,
			realized_pnl = realized_pnl + ?, unrealized_pnl = 0, updated_at = ?
		WHERE id = ? AND status = 'active'`,
		exitPrice, time.Now().UTC(), nullString(orderID), realizedPnl, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to close tranche: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// LiquidateTranche moves an active tranche to the liquidated terminal status.
func (s *SQLiteStore) LiquidateTranche(ctx context.Context, id string, liquidationPrice float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tranches
		SET status = 'liquidated', exit_price = ?, exit_time = ?, unrealized_pnl = 0, updated_at = ?
		WHERE id = ? AND status = 'active'`,
		liquidationPrice, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to liquidate tranche: %w", err)
	}
	return rowsAffectedOrNotFound(res)
}

// LogTrancheEvent appends an audit record for a tranche.
func (s *SQLiteStore) LogTrancheEvent(ctx context.Context, ev *models.TrancheEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now().UTC()
	}

	var metadata interface{}
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metadata = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tranche_events (id, tranche_id, event_type, event_time, price, quantity, pnl, "trigger", metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TrancheID, string(ev.EventType), ev.EventTime.UTC(),
		ev.Price, ev.Quantity, ev.Pnl, nullString(ev.Trigger), metadata)
	if err != nil {
		return fmt.Errorf("failed to log tranche event: %w", err)
	}
	return nil
}

// GetTrancheHistory returns the audit log of one tranche in event-time order.
func (s *SQLiteStore) GetTrancheHistory(ctx context.Context, trancheID string) ([]models.TrancheEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tranche_id, event_type, event_time, price, quantity, pnl, "trigger", metadata
		FROM tranche_events
		WHERE tranche_id = ?
		ORDER BY event_time ASC, rowid ASC`, trancheID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tranche history: %w", err)
	}
	defer rows.Close()

	var events []models.TrancheEvent
	for rows.Next() {
		var ev models.TrancheEvent
		var price, quantity, pnl sql.NullFloat64
		var trigger, metadata sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TrancheID, &ev.EventType, &ev.EventTime,
			&price, &quantity, &pnl, &trigger, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan tranche event: %w", err)
		}
		ev.Price = price.Float64
		ev.Quantity = quantity.Float64
		ev.Pnl = pnl.Float64
		ev.Trigger = trigger.String
		if metadata.Valid && metadata.String != "" {
			_ = json.Unmarshal([]byte(metadata.String), &ev.Metadata)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CleanupOldTranches deletes terminal tranches (and their events) whose exit
// predates the retention window. Returns the number of tranches removed.
func (s *SQLiteStore) CleanupOldTranches(ctx context.Context, daysToKeep int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -daysToKeep)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM tranche_events WHERE tranche_id IN (
			SELECT id FROM tranches WHERE status != 'active' AND exit_time < ?
		)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM tranches WHERE status != 'active' AND exit_time < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old tranches: %w", err)
	}
	deleted, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit cleanup: %w", err)
	}
	return deleted, nil
}

// GetTrancheStats aggregates tranche outcomes across all symbols.
func (s *SQLiteStore) GetTrancheStats(ctx context.Context) (*TrancheStats, error) {
	stats := &TrancheStats{}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'active' AND isolated = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'closed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'liquidated' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status != 'active' THEN realized_pnl ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'closed' AND realized_pnl > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'closed' AND realized_pnl < 0 THEN 1 ELSE 0 END), 0)
		FROM tranches`).Scan(
		&stats.TotalTranches, &stats.ActiveTranches, &stats.IsolatedTranches,
		&stats.ClosedTranches, &stats.Liquidated, &stats.TotalRealizedPnl,
		&stats.WinningTranches, &stats.LosingTranches)
	if err != nil {
		return nil, fmt.Errorf("failed to query tranche stats: %w", err)
	}

	var oldest sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(entry_time) FROM tranches WHERE status = 'active'`).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to query oldest active tranche: %w", err)
	}
	if oldest.Valid {
		stats.OldestActive = oldest.Time
	}
	return stats, nil
}

// ============================================================================
// Helpers
// ============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTranche(row rowScanner) (*models.Tranche, error) {
	var t models.Tranche
	var entryOrderID, exitOrderID, notes sql.NullString
	var exitPrice, isolationPrice sql.NullFloat64
	var exitTime, isolationTime sql.NullTime
	var isolated int

	err := row.Scan(&t.ID, &t.Symbol, &t.Side, &t.PositionSide, &t.EntryPrice, &t.Quantity,
		&t.MarginUsed, &t.Leverage, &t.EntryTime, &entryOrderID,
		&exitPrice, &exitTime, &exitOrderID,
		&t.UnrealizedPnl, &t.RealizedPnl,
		&t.TPPercent, &t.SLPercent, &t.TPPrice, &t.SLPrice,
		&t.Status, &isolated, &isolationTime, &isolationPrice, &notes,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.EntryOrderID = entryOrderID.String
	t.ExitOrderID = exitOrderID.String
	t.Notes = notes.String
	t.ExitPrice = exitPrice.Float64
	t.IsolationPrice = isolationPrice.Float64
	if exitTime.Valid {
		t.ExitTime = exitTime.Time
	}
	if isolationTime.Valid {
		t.IsolationTime = isolationTime.Time
	}
	t.Isolated = isolated != 0
	return &t, nil
}

func (s *SQLiteStore) queryTranches(ctx context.Context, query string, args ...interface{}) ([]*models.Tranche, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tranches: %w", err)
	}
	defer rows.Close()

	var tranches []*models.Tranche
	for rows.Next() {
		t, err := scanTranche(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tranche: %w", err)
		}
		tranches = append(tranches, t)
	}
	return tranches, rows.Err()
}

func rowsAffectedOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.ErrTrancheNotFound
	}
	return nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
