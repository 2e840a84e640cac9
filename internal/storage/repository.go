package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"poolwatch/internal/domain"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertAlertSQL = `INSERT INTO alerts (
        target_id,
        price,
        lower_bound,
        upper_bound,
        message,
        channel_status,
        dispatched_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id;`

	selectAlertColumns = `SELECT
        id,
        target_id,
        price::text,
        lower_bound::text,
        upper_bound::text,
        message,
        channel_status,
        dispatched_at
    FROM alerts`

	listRecentAlertsSQL = selectAlertColumns + `
    ORDER BY dispatched_at DESC, id DESC
    LIMIT $1;`

	listAlertsBetweenSQL = selectAlertColumns + `
    WHERE dispatched_at >= $1
      AND dispatched_at < $2
    ORDER BY dispatched_at, id;`

	countAlertsSQL = `SELECT COUNT(*) FROM alerts;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines the append-only audit trail operations.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert domain.AlertRecord) (int64, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]domain.AlertRecord, error)
	ListAlertsBetween(ctx context.Context, from, to time.Time) ([]domain.AlertRecord, error)
	CountAlerts(ctx context.Context) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store provides access to the alert audit trail.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// Migrate applies the embedded schema through the store's pool.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	return Migrate(ctx, pool)
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert appends an alert record and returns its id.
func (s *Store) InsertAlert(ctx context.Context, alert domain.AlertRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertAlertSQL,
		alert.TargetID,
		alert.Price.String(),
		alert.LowerBound.String(),
		alert.UpperBound.String(),
		alert.Message,
		string(alert.ChannelStatus),
		alert.DispatchedAt,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert alert: %w", scanErr)
	}
	return id, nil
}

// RecordAlert adapts InsertAlert to the dispatcher's recorder contract.
func (s *Store) RecordAlert(ctx context.Context, alert domain.AlertRecord) error {
	_, err := s.InsertAlert(ctx, alert)
	return err
}

// ListRecentAlerts lists the most recent alerts, newest first.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]domain.AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	return collectAlerts(rows)
}

// ListAlertsBetween lists alerts dispatched within [from, to), oldest first.
func (s *Store) ListAlertsBetween(ctx context.Context, from, to time.Time) ([]domain.AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAlertsBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list alerts between: %w", queryErr)
	}
	return collectAlerts(rows)
}

// CountAlerts counts stored alerts.
func (s *Store) CountAlerts(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countAlertsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count alerts: %w", scanErr)
	}
	return count, nil
}

func collectAlerts(rows pgx.Rows) ([]domain.AlertRecord, error) {
	defer rows.Close()

	alerts := make([]domain.AlertRecord, 0)
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

func scanAlert(rows pgx.Rows) (domain.AlertRecord, error) {
	var rec domain.AlertRecord
	var priceStr, lowerStr, upperStr, status string
	if err := rows.Scan(
		&rec.ID,
		&rec.TargetID,
		&priceStr,
		&lowerStr,
		&upperStr,
		&rec.Message,
		&status,
		&rec.DispatchedAt,
	); err != nil {
		return domain.AlertRecord{}, err
	}
	rec.ChannelStatus = domain.ChannelStatus(status)

	var err error
	if rec.Price, err = decimal.NewFromString(priceStr); err != nil {
		return domain.AlertRecord{}, fmt.Errorf("parse price: %w", err)
	}
	if rec.LowerBound, err = decimal.NewFromString(lowerStr); err != nil {
		return domain.AlertRecord{}, fmt.Errorf("parse lower bound: %w", err)
	}
	if rec.UpperBound, err = decimal.NewFromString(upperStr); err != nil {
		return domain.AlertRecord{}, fmt.Errorf("parse upper bound: %w", err)
	}
	return rec, nil
}

var (
	_ AlertStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
