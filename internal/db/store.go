package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/safeshift/backend/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	Pool *pgxpool.Pool
}

var _ Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.Pool.Exec(ctx, schemaSQL)
	return err
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const observationColumns = `id, subject_id, observed_on, hours_rested, category, duration_hours, load_count, strain, note, score, zone, created_at, updated_at`

func (s *Store) InsertObservation(ctx context.Context, o *models.ShiftObservation) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt, o.UpdatedAt = now, now
	_, err := s.Pool.Exec(ctx, `INSERT INTO observations (`+observationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		o.ID, o.SubjectID, o.Date, o.HoursRested, string(o.Category), o.DurationHours, o.LoadCount, o.Strain, o.Note, o.Score, o.Zone.String(), o.CreatedAt, o.UpdatedAt)
	return err
}

func (s *Store) UpdateObservation(ctx context.Context, o *models.ShiftObservation) error {
	o.UpdatedAt = time.Now().UTC()
	tag, err := s.Pool.Exec(ctx, `UPDATE observations SET
		observed_on = $2, hours_rested = $3, category = $4, duration_hours = $5, load_count = $6,
		strain = $7, note = $8, score = $9, zone = $10, updated_at = $11
		WHERE id = $1`,
		o.ID, o.Date, o.HoursRested, string(o.Category), o.DurationHours, o.LoadCount, o.Strain, o.Note, o.Score, o.Zone.String(), o.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetObservation(ctx context.Context, id string) (models.ShiftObservation, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+observationColumns+` FROM observations WHERE id = $1`, id)
	o, err := scanObservation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ShiftObservation{}, ErrNotFound
	}
	return o, err
}

func (s *Store) ListObservations(ctx context.Context, subjectID string, since time.Time) ([]models.ShiftObservation, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+observationColumns+` FROM observations
		WHERE subject_id = $1 AND observed_on >= $2
		ORDER BY observed_on ASC, created_at ASC`, subjectID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ShiftObservation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) CountObservations(ctx context.Context, subjectID string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM observations WHERE subject_id = $1`, subjectID).Scan(&n)
	return n, err
}

func (s *Store) SaveInsight(ctx context.Context, observationID string, insight models.ComposedInsight) error {
	b, err := json.Marshal(insight)
	if err != nil {
		return fmt.Errorf("encode insight: %w", err)
	}
	tag, err := s.Pool.Exec(ctx, `UPDATE observations SET insight = $2, updated_at = now() WHERE id = $1`, observationID, b)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetInsight(ctx context.Context, observationID string) (models.ComposedInsight, error) {
	var raw []byte
	err := s.Pool.QueryRow(ctx, `SELECT insight FROM observations WHERE id = $1`, observationID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) || (err == nil && len(raw) == 0) {
		return models.ComposedInsight{}, ErrNotFound
	}
	if err != nil {
		return models.ComposedInsight{}, err
	}
	var insight models.ComposedInsight
	if err := json.Unmarshal(raw, &insight); err != nil {
		return models.ComposedInsight{}, fmt.Errorf("decode insight: %w", err)
	}
	return insight, nil
}

func (s *Store) WithAlertTx(ctx context.Context, fn func(tx AlertTx) error) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(pgAlertTx{tx: tx})
	})
}

const alertColumns = `id, subject_id, category, severity, message, origin, evidence, resolved, created_at, resolved_at, resolved_by, resolution_note, resolution_action`

func (s *Store) GetAlert(ctx context.Context, id string) (models.Alert, error) {
	a, err := scanAlert(s.Pool.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Alert{}, ErrNotFound
	}
	return a, err
}

func (s *Store) ResolveAlert(ctx context.Context, id string, r Resolution) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `UPDATE alerts SET resolved = TRUE, resolved_at = $2, resolved_by = $3,
		resolution_note = $4, resolution_action = $5
		WHERE id = $1 AND NOT resolved`, id, r.At, r.By, r.Note, r.Action)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListActiveAlerts(ctx context.Context, subjectID string, limit int) ([]models.Alert, error) {
	limit = alertLimit(limit)
	rows, err := s.Pool.Query(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE subject_id = $1 AND NOT resolved
		ORDER BY severity DESC, created_at DESC
		LIMIT $2`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CountUnresolvedAlerts(ctx context.Context, subjectID, category string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT count(*) FROM alerts
		WHERE subject_id = $1 AND NOT resolved AND ($2 = '' OR category = $2)`, subjectID, category).Scan(&n)
	return n, err
}

func (s *Store) CountActiveAlerts(ctx context.Context, subjectID string) ([]AlertCount, error) {
	rows, err := s.Pool.Query(ctx, `SELECT category, severity, count(*) FROM alerts
		WHERE subject_id = $1 AND NOT resolved
		GROUP BY category, severity
		ORDER BY category, severity`, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertCount
	for rows.Next() {
		var (
			c        AlertCount
			severity int16
		)
		if err := rows.Scan(&c.Category, &severity, &c.Count); err != nil {
			return nil, err
		}
		c.Severity = models.Severity(severity)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) RecordStageRun(ctx context.Context, run models.StageRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO stage_runs (id, stage, subject_id, observation_id, outcome, latency_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.Stage, run.SubjectID, run.ObservationID, string(run.Outcome), run.LatencyMs, run.Error, run.CreatedAt)
	return err
}

func (s *Store) StageStats(ctx context.Context, stage string, since time.Time) ([]models.StageStats, error) {
	rows, err := s.Pool.Query(ctx, `SELECT stage,
			count(*),
			count(*) FILTER (WHERE outcome = 'ran'),
			count(*) FILTER (WHERE outcome = 'degraded'),
			count(*) FILTER (WHERE outcome = 'skipped'),
			COALESCE(avg(latency_ms) FILTER (WHERE outcome <> 'skipped'), 0)
		FROM stage_runs
		WHERE created_at >= $1 AND ($2 = '' OR stage = $2)
		GROUP BY stage
		ORDER BY stage`, since, stage)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StageStats
	for rows.Next() {
		var st models.StageStats
		if err := rows.Scan(&st.Stage, &st.Calls, &st.Ran, &st.Degraded, &st.Skipped, &st.AvgLatencyMs); err != nil {
			return nil, err
		}
		out = append(out, withSuccessRate(st))
	}
	return out, rows.Err()
}

type pgAlertTx struct {
	tx pgx.Tx
}

func (t pgAlertTx) LockAlertKeys(ctx context.Context, subjectID string, categories []string) error {
	for _, c := range sortedUnique(categories) {
		if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, alertKey(subjectID, c)); err != nil {
			return fmt.Errorf("lock %s: %w", c, err)
		}
	}
	return nil
}

func (t pgAlertTx) FindActiveAlert(ctx context.Context, subjectID, category string, since time.Time) (*models.Alert, error) {
	a, err := scanAlert(t.tx.QueryRow(ctx, `SELECT `+alertColumns+` FROM alerts
		WHERE subject_id = $1 AND category = $2 AND NOT resolved AND created_at >= $3
		ORDER BY created_at DESC
		LIMIT 1`, subjectID, category, since))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (t pgAlertTx) InsertAlert(ctx context.Context, a *models.Alert) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	evidence, err := encodeEvidence(a.Evidence)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO alerts (id, subject_id, category, severity, message, origin, evidence, resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)`,
		a.ID, a.SubjectID, a.Category, int16(a.Severity), a.Message, a.Origin, evidence, a.CreatedAt)
	return err
}

func (t pgAlertTx) CountUnresolvedExcept(ctx context.Context, subjectID, category string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM alerts
		WHERE subject_id = $1 AND NOT resolved AND category <> $2`, subjectID, category).Scan(&n)
	return n, err
}

func scanObservation(row pgx.Row) (models.ShiftObservation, error) {
	var (
		o        models.ShiftObservation
		category string
		zone     string
	)
	if err := row.Scan(&o.ID, &o.SubjectID, &o.Date, &o.HoursRested, &category, &o.DurationHours, &o.LoadCount, &o.Strain, &o.Note, &o.Score, &zone, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return models.ShiftObservation{}, err
	}
	o.Category = models.ShiftCategory(category)
	z, err := models.ParseZone(zone)
	if err != nil {
		return models.ShiftObservation{}, err
	}
	o.Zone = z
	return o, nil
}

func scanAlert(row pgx.Row) (models.Alert, error) {
	var (
		a        models.Alert
		severity int16
		evidence []byte
	)
	if err := row.Scan(&a.ID, &a.SubjectID, &a.Category, &severity, &a.Message, &a.Origin, &evidence, &a.Resolved, &a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy, &a.ResolutionNote, &a.ResolutionAction); err != nil {
		return models.Alert{}, err
	}
	a.Severity = models.Severity(severity)
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &a.Evidence); err != nil {
			return models.Alert{}, fmt.Errorf("decode evidence: %w", err)
		}
	}
	return a, nil
}

func encodeEvidence(ev map[string]any) ([]byte, error) {
	if len(ev) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode evidence: %w", err)
	}
	return b, nil
}

func withSuccessRate(st models.StageStats) models.StageStats {
	if attempted := st.Ran + st.Degraded; attempted > 0 {
		st.SuccessRate = float64(st.Ran) / float64(attempted)
	}
	return st
}
