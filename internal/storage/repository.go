package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"manipwatch/internal/market"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS alerts (
        alert_id      TEXT PRIMARY KEY,
        market        TEXT        NOT NULL,
        detected_at   TIMESTAMPTZ NOT NULL,
        pattern_type  TEXT        NOT NULL,
        anomaly_score NUMERIC(6,2) NOT NULL,
        risk_level    TEXT        NOT NULL,
        explanation   TEXT        NOT NULL,
        evidence      JSONB       NOT NULL DEFAULT '{}'::jsonb,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS alerts_market_detected_idx ON alerts (market, detected_at DESC);
    CREATE TABLE IF NOT EXISTS monitor_events (
        id          BIGSERIAL PRIMARY KEY,
        market      TEXT        NOT NULL,
        kind        TEXT        NOT NULL,
        occurred_at TIMESTAMPTZ NOT NULL,
        failures    INTEGER     NOT NULL DEFAULT 0,
        message     TEXT        NOT NULL DEFAULT ''
    );`

	insertAlertSQL = `INSERT INTO alerts (
        alert_id,
        market,
        detected_at,
        pattern_type,
        anomaly_score,
        risk_level,
        explanation,
        evidence
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (alert_id) DO NOTHING;`

	listRecentAlertsSQL = `SELECT
        alert_id,
        market,
        detected_at,
        pattern_type,
        anomaly_score::text,
        risk_level,
        explanation,
        evidence,
        created_at
    FROM alerts
    WHERE ($1 = '' OR market = $1)
      AND ($2 = '' OR pattern_type = $2)
    ORDER BY detected_at DESC
    LIMIT $3;`

	deleteAlertsBeforeSQL = `DELETE FROM alerts WHERE detected_at < $1;`

	insertEventSQL = `INSERT INTO monitor_events (
        market,
        kind,
        occurred_at,
        failures,
        message
    ) VALUES (
        $1,$2,$3,$4,$5
    );`

	listRecentEventsSQL = `SELECT id, market, kind, occurred_at, failures, message
    FROM monitor_events
    ORDER BY occurred_at DESC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert market.Alert) error
	ListRecentAlerts(ctx context.Context, filter AlertFilter) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// EventStore persists monitor warning events.
type EventStore interface {
	InsertEvent(ctx context.Context, ev market.MonitorEvent) error
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to alerts and monitor events.
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

// EnsureSchema creates the tables when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
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
		// best effort; the lock dies with the session anyway
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertAlert persists an alert; re-inserting the same alert id is a no-op.
func (s *Store) InsertAlert(ctx context.Context, alert market.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	evidence, err := encodeEvidence(alert.Evidence)
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.Market,
		alert.Time,
		string(alert.Pattern),
		scoreText(alert.Score),
		string(alert.Risk),
		alert.Explanation,
		evidence,
	); execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// ListRecentAlerts lists most recent alerts, newest first.
func (s *Store) ListRecentAlerts(ctx context.Context, filter AlertFilter) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, filter.Market, string(filter.Pattern), filter.Limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, filter.Limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts and returns how many were removed.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// InsertEvent persists a monitor warning event.
func (s *Store) InsertEvent(ctx context.Context, ev market.MonitorEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertEventSQL, ev.Market, string(ev.Kind), ev.Time, ev.Failures, ev.Message); execErr != nil {
		return fmt.Errorf("insert monitor event: %w", execErr)
	}
	return nil
}

// ListRecentEvents lists the latest monitor events.
func (s *Store) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]EventRecord, 0, limit)
	for rows.Next() {
		var rec EventRecord
		var kind string
		if err := rows.Scan(&rec.ID, &rec.Market, &kind, &rec.Time, &rec.Failures, &rec.Message); err != nil {
			return nil, err
		}
		rec.Kind = market.EventKind(kind)
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec      AlertRecord
		pattern  string
		scoreStr string
		risk     string
		evidence []byte
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Market,
		&rec.Time,
		&pattern,
		&scoreStr,
		&risk,
		&rec.Explanation,
		&evidence,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}

	score, err := decimal.NewFromString(scoreStr)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse anomaly score: %w", err)
	}
	rec.Score = score.InexactFloat64()
	rec.Pattern = market.PatternType(pattern)
	rec.Risk = market.RiskLevel(risk)
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &rec.Evidence); err != nil {
			return AlertRecord{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	return rec, nil
}

// scoreText renders the score for a NUMERIC(6,2) column.
func scoreText(score float64) string {
	return decimal.NewFromFloat(market.ClampScore(score)).Round(2).StringFixed(2)
}

func encodeEvidence(ev map[string]any) ([]byte, error) {
	if len(ev) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	return raw, nil
}

var (
	_ AlertStore     = (*Store)(nil)
	_ EventStore     = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
