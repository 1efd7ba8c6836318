package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"consensus-trading-bot/internal/models"
)

// ErrSignalExists is returned when a signal id is inserted twice. Signals
// are immutable, so a second write with the same id is always a caller bug.
var ErrSignalExists = errors.New("signal already persisted")

// Repository provides data access methods
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// GetDB returns the underlying DB instance
func (r *Repository) GetDB() *DB {
	return r.db
}

// ============================================================================
// SIGNALS
// ============================================================================

// CreateSignal persists a sealed signal. Insert only: there is deliberately
// no UpdateSignal, and re-inserting an existing id fails.
func (r *Repository) CreateSignal(ctx context.Context, signal *models.Signal) error {
	if signal.IntegrityHash == "" {
		return fmt.Errorf("refusing to persist unsealed signal %s", signal.SignalID)
	}

	votes, err := json.Marshal(signal.SourceVotes)
	if err != nil {
		return fmt.Errorf("failed to marshal source votes: %w", err)
	}

	query := `
		INSERT INTO signals (signal_id, symbol, action, entry_price, stop_price, target_price,
		                     confidence, raw_confidence, uncalibrated, regime, strategy,
		                     source_votes, integrity_hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (signal_id) DO NOTHING
	`
	tag, err := r.db.Pool.Exec(
		ctx, query,
		signal.SignalID, signal.Symbol, signal.Action,
		signal.EntryPrice, signal.StopPrice, signal.TargetPrice,
		signal.Confidence, signal.RawConfidence, signal.Uncalibrated,
		signal.Regime, signal.Strategy, votes, signal.IntegrityHash, signal.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSignalExists
	}
	return nil
}

// GetSignal retrieves a signal by id
func (r *Repository) GetSignal(ctx context.Context, signalID string) (*models.Signal, error) {
	query := `
		SELECT signal_id, symbol, action, entry_price, stop_price, target_price,
		       confidence, raw_confidence, uncalibrated, regime, strategy,
		       source_votes, integrity_hash, created_at
		FROM signals
		WHERE signal_id = $1
	`
	signal := &models.Signal{}
	var votes []byte
	err := r.db.Pool.QueryRow(ctx, query, signalID).Scan(
		&signal.SignalID, &signal.Symbol, &signal.Action,
		&signal.EntryPrice, &signal.StopPrice, &signal.TargetPrice,
		&signal.Confidence, &signal.RawConfidence, &signal.Uncalibrated,
		&signal.Regime, &signal.Strategy, &votes, &signal.IntegrityHash, &signal.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(votes) > 0 {
		if err := json.Unmarshal(votes, &signal.SourceVotes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal source votes: %w", err)
		}
	}
	return signal, nil
}

// GetRecentSignals retrieves the newest signals, most recent first
func (r *Repository) GetRecentSignals(ctx context.Context, limit int) ([]*models.Signal, error) {
	query := `
		SELECT signal_id, symbol, action, entry_price, stop_price, target_price,
		       confidence, raw_confidence, uncalibrated, regime, strategy,
		       source_votes, integrity_hash, created_at
		FROM signals
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	signals := make([]*models.Signal, 0, limit)
	for rows.Next() {
		signal := &models.Signal{}
		var votes []byte
		if err := rows.Scan(
			&signal.SignalID, &signal.Symbol, &signal.Action,
			&signal.EntryPrice, &signal.StopPrice, &signal.TargetPrice,
			&signal.Confidence, &signal.RawConfidence, &signal.Uncalibrated,
			&signal.Regime, &signal.Strategy, &votes, &signal.IntegrityHash, &signal.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(votes) > 0 {
			if err := json.Unmarshal(votes, &signal.SourceVotes); err != nil {
				return nil, fmt.Errorf("failed to unmarshal source votes: %w", err)
			}
		}
		signals = append(signals, signal)
	}
	return signals, rows.Err()
}

// ============================================================================
// POSITIONS
// ============================================================================

// CreatePosition inserts a newly opened position
func (r *Repository) CreatePosition(ctx context.Context, position *models.Position) error {
	query := `
		INSERT INTO positions (signal_id, symbol, side, quantity, entry_price,
		                       stop_price, target_price, opened_at, outcome)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		position.SignalID, position.Symbol, position.Side, position.Quantity,
		position.EntryPrice, position.StopPrice, position.TargetPrice,
		position.OpenedAt, models.OutcomeOpen,
	).Scan(&position.ID)
}

// ClosePosition records the exit of an open position. The outcome guard
// makes the close idempotent: a position closes exactly once.
func (r *Repository) ClosePosition(ctx context.Context, position *models.Position) error {
	query := `
		UPDATE positions
		SET closed_at = $2, exit_price = $3, exit_reason = $4, outcome = $5
		WHERE id = $1 AND outcome = 'open'
	`
	tag, err := r.db.Pool.Exec(
		ctx, query,
		position.ID, position.ClosedAt, position.ExitPrice,
		position.ExitReason, position.Outcome,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %d is not open", position.ID)
	}
	return nil
}

// GetOpenPositions retrieves all open positions
func (r *Repository) GetOpenPositions(ctx context.Context) ([]*models.Position, error) {
	query := `
		SELECT id, signal_id, symbol, side, quantity, entry_price, stop_price,
		       target_price, opened_at, closed_at, exit_price, exit_reason, outcome
		FROM positions
		WHERE outcome = 'open'
		ORDER BY opened_at DESC
	`
	return r.queryPositions(ctx, query)
}

// GetPositionHistory retrieves closed positions with pagination
func (r *Repository) GetPositionHistory(ctx context.Context, limit, offset int) ([]*models.Position, error) {
	query := `
		SELECT id, signal_id, symbol, side, quantity, entry_price, stop_price,
		       target_price, opened_at, closed_at, exit_price, exit_reason, outcome
		FROM positions
		WHERE outcome != 'open'
		ORDER BY closed_at DESC
		LIMIT $1 OFFSET $2
	`
	return r.queryPositions(ctx, query, limit, offset)
}

func (r *Repository) queryPositions(ctx context.Context, query string, args ...interface{}) ([]*models.Position, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p := &models.Position{}
		var exitReason *string
		if err := rows.Scan(
			&p.ID, &p.SignalID, &p.Symbol, &p.Side, &p.Quantity,
			&p.EntryPrice, &p.StopPrice, &p.TargetPrice,
			&p.OpenedAt, &p.ClosedAt, &p.ExitPrice, &exitReason, &p.Outcome,
		); err != nil {
			return nil, err
		}
		if exitReason != nil {
			p.ExitReason = *exitReason
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// ============================================================================
// REJECTIONS
// ============================================================================

// CreateRejection records a signal the risk validator refused
func (r *Repository) CreateRejection(ctx context.Context, rejection *models.RejectionRecord) error {
	query := `
		INSERT INTO signal_rejections (signal_id, symbol, reason, gate, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	return r.db.Pool.QueryRow(
		ctx, query,
		rejection.SignalID, rejection.Symbol, rejection.Reason,
		rejection.Gate, rejection.RecordedAt,
	).Scan(&rejection.ID)
}

// CountRejectionsByReason aggregates rejections since a cutoff, for auditing
// which gates dominate
func (r *Repository) CountRejectionsByReason(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `
		SELECT reason, COUNT(*)
		FROM signal_rejections
		WHERE recorded_at >= $1
		GROUP BY reason
	`
	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, err
		}
		counts[reason] = n
	}
	return counts, rows.Err()
}

// ============================================================================
// OUTCOME RECORDS
// ============================================================================

// RecordOutcome appends one closed-trade outcome. Append only: the
// calibrator reads this feed and nothing ever rewrites it.
func (r *Repository) RecordOutcome(ctx context.Context, record models.OutcomeRecord) error {
	query := `
		INSERT INTO outcome_records (signal_id, symbol, raw_confidence, won, pnl, regime, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Pool.Exec(
		ctx, query,
		record.SignalID, record.Symbol, record.RawConfidence,
		record.Won, record.PnL, record.Regime, record.ClosedAt,
	)
	return err
}

// GetRecentOutcomes retrieves the newest outcomes, oldest first so the
// calibrator can replay them in close order on startup
func (r *Repository) GetRecentOutcomes(ctx context.Context, limit int) ([]models.OutcomeRecord, error) {
	query := `
		SELECT id, signal_id, symbol, raw_confidence, won, pnl, regime, closed_at
		FROM (
			SELECT id, signal_id, symbol, raw_confidence, won, pnl, regime, closed_at
			FROM outcome_records
			ORDER BY closed_at DESC
			LIMIT $1
		) recent
		ORDER BY closed_at ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]models.OutcomeRecord, 0, limit)
	for rows.Next() {
		var rec models.OutcomeRecord
		if err := rows.Scan(
			&rec.ID, &rec.SignalID, &rec.Symbol, &rec.RawConfidence,
			&rec.Won, &rec.PnL, &rec.Regime, &rec.ClosedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// IsNotFound reports whether an error is the driver's no-rows sentinel
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
