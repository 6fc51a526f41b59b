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
	"github.com/sony/gobreaker"

	"options-mm/internal/errors"
	"options-mm/internal/models"
)

// BreakerConfig controls the circuit breaker around journal writes.
type BreakerConfig struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{ConsecutiveFailures: 5, Timeout: 30 * time.Second}
}

// SQLiteStore implements Journal using SQLite. Writes go through a circuit
// breaker so a failing disk fails fast instead of stalling the caller.
type SQLiteStore struct {
	db      *sql.DB
	breaker *gobreaker.CircuitBreaker
	clock   func() time.Time
}

// NewSQLiteStore opens or creates the journal at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithBreaker(dbPath, DefaultBreakerConfig())
}

// NewSQLiteStoreWithBreaker opens the journal with a custom breaker.
func NewSQLiteStoreWithBreaker(dbPath string, bc BreakerConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)

	settings := gobreaker.Settings{Name: "audit-journal", Timeout: bc.Timeout}
	settings.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= bc.ConsecutiveFailures
	}

	s := &SQLiteStore{
		db:      db,
		breaker: gobreaker.NewCircuitBreaker(settings),
		clock:   time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	-- Every action a recalculation proposed, accepted or not
	CREATE TABLE IF NOT EXISTS actions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		batch_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		option_id INTEGER NOT NULL,
		symbol TEXT,
		recalc_reason TEXT,
		role TEXT NOT NULL,
		leg INTEGER NOT NULL,
		action TEXT NOT NULL,
		price REAL NOT NULL,
		volume INTEGER NOT NULL,
		accepted INTEGER NOT NULL,
		reject_reason TEXT
	);

	-- Curve fits per series
	CREATE TABLE IF NOT EXISTS curve_fits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		series_id INTEGER NOT NULL,
		status TEXT NOT NULL,
		bid_coeffs TEXT NOT NULL,
		offer_coeffs TEXT NOT NULL,
		curve_order INTEGER NOT NULL,
		bid_obs INTEGER,
		bid_corr REAL,
		bid_stderr REAL,
		offer_obs INTEGER,
		offer_corr REAL,
		offer_stderr REAL,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_actions_option ON actions(option_id);
	CREATE INDEX IF NOT EXISTS idx_actions_timestamp ON actions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_actions_batch ON actions(batch_id);
	CREATE INDEX IF NOT EXISTS idx_fits_symbol ON curve_fits(symbol);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// BreakerState returns the breaker state name.
func (s *SQLiteStore) BreakerState() string {
	return s.breaker.State().String()
}

// write runs fn through the breaker. An open breaker returns
// ErrStoreUnavailable without touching the database.
func (s *SQLiteStore) write(fn func() error) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %v", errors.ErrStoreUnavailable, err)
	}
	return err
}

// ============================================================================
// Actions
// ============================================================================

// SaveActions journals a batch under a fresh batch id and returns the id.
func (s *SQLiteStore) SaveActions(ctx context.Context, batch ActionBatch) (string, error) {
	if batch.Len() == 0 {
		return "", nil
	}
	batchID := uuid.NewString()
	at := batch.At
	if at.IsZero() {
		at = s.clock()
	}

	err := s.write(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer tx.Rollback()

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO actions (batch_id, timestamp, option_id, symbol, recalc_reason, role, leg, action, price, volume, accepted, reject_reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare statement: %w", err)
		}
		defer stmt.Close()

		insert := func(a models.OrderAction, accepted bool) error {
			_, err := stmt.ExecContext(ctx, batchID, at.UTC(), int64(batch.Option), batch.Symbol, string(batch.Reason),
				string(a.Role), int(a.Leg), string(a.Type), a.Price, a.Volume, boolToInt(accepted), string(a.Reason))
			if err != nil {
				return fmt.Errorf("failed to insert action: %w", err)
			}
			return nil
		}
		for _, a := range batch.Accepted {
			if err := insert(a, true); err != nil {
				return err
			}
		}
		for _, a := range batch.Rejected {
			if err := insert(a, false); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return batchID, nil
}

// RecentActions returns journaled actions, newest first.
func (s *SQLiteStore) RecentActions(ctx context.Context, filter ActionFilter) ([]ActionRecord, error) {
	query := `SELECT batch_id, timestamp, option_id, symbol, recalc_reason, role, leg, action, price, volume, accepted, reject_reason
		FROM actions`
	var where []string
	var args []interface{}

	if filter.Option != 0 {
		where = append(where, "option_id = ?")
		args = append(args, int64(filter.Option))
	}
	if filter.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, filter.Symbol)
	}
	if filter.Rejected != nil {
		where = append(where, "accepted = ?")
		args = append(args, boolToInt(!*filter.Rejected))
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UTC())
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var records []ActionRecord
	for rows.Next() {
		var (
			r                              ActionRecord
			option                         int64
			symbol, recalc, role, typ, rej sql.NullString
			leg, accepted                  int
		)
		if err := rows.Scan(&r.BatchID, &r.At, &option, &symbol, &recalc, &role, &leg, &typ,
			&r.Action.Price, &r.Action.Volume, &accepted, &rej); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		r.Option = models.SecurityID(option)
		r.Symbol = symbol.String
		r.Recalc = models.RecalcReason(recalc.String)
		r.Accepted = accepted != 0
		r.Action.Option = r.Option
		r.Action.Role = models.Role(role.String)
		r.Action.Leg = models.Leg(leg)
		r.Action.Type = models.ActionType(typ.String)
		r.Action.Reason = models.RejectReason(rej.String)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return records, nil
}

// ============================================================================
// Curve fits
// ============================================================================

// SaveCurveFit journals the published curve of a series.
func (s *SQLiteStore) SaveCurveFit(symbol string, snap models.CurveSnapshot) error {
	bid, err := json.Marshal(snap.Bid.Coeffs)
	if err != nil {
		return fmt.Errorf("failed to marshal bid coefficients: %w", err)
	}
	offer, err := json.Marshal(snap.Offer.Coeffs)
	if err != nil {
		return fmt.Errorf("failed to marshal offer coefficients: %w", err)
	}
	at := snap.UpdatedAt
	if at.IsZero() {
		at = s.clock()
	}

	return s.write(func() error {
		_, err := s.db.Exec(`
			INSERT INTO curve_fits (symbol, series_id, status, bid_coeffs, offer_coeffs, curve_order,
				bid_obs, bid_corr, bid_stderr, offer_obs, offer_corr, offer_stderr, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, symbol, int64(snap.Series), string(snap.Status), string(bid), string(offer), snap.Bid.Order,
			snap.BidQuality.Observations, snap.BidQuality.Correlation, snap.BidQuality.StdError,
			snap.OfferQuality.Observations, snap.OfferQuality.Correlation, snap.OfferQuality.StdError, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert curve fit: %w", err)
		}
		return nil
	})
}

// RecentFits returns the journaled fits of a series, newest first.
func (s *SQLiteStore) RecentFits(ctx context.Context, symbol string, limit int) ([]FitRecord, error) {
	query := `SELECT symbol, series_id, status, bid_coeffs, offer_coeffs, curve_order,
			bid_obs, bid_corr, bid_stderr, offer_obs, offer_corr, offer_stderr, timestamp
		FROM curve_fits WHERE symbol = ? ORDER BY timestamp DESC, id DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query curve fits: %w", err)
	}
	defer rows.Close()

	var records []FitRecord
	for rows.Next() {
		var (
			r          FitRecord
			series     int64
			status     string
			bid, offer string
			order      int
		)
		if err := rows.Scan(&r.Symbol, &series, &status, &bid, &offer, &order,
			&r.BidQuality.Observations, &r.BidQuality.Correlation, &r.BidQuality.StdError,
			&r.OfferQuality.Observations, &r.OfferQuality.Correlation, &r.OfferQuality.StdError, &r.At); err != nil {
			return nil, fmt.Errorf("failed to scan curve fit: %w", err)
		}
		if err := json.Unmarshal([]byte(bid), &r.Bid.Coeffs); err != nil {
			return nil, fmt.Errorf("failed to decode bid coefficients: %w", err)
		}
		if err := json.Unmarshal([]byte(offer), &r.Offer.Coeffs); err != nil {
			return nil, fmt.Errorf("failed to decode offer coefficients: %w", err)
		}
		r.Series = models.SecurityID(series)
		r.Status = models.CurveStatus(status)
		r.Bid.Order, r.Offer.Order = order, order
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating curve fits: %w", err)
	}
	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements Journal.
var _ Journal = (*SQLiteStore)(nil)
