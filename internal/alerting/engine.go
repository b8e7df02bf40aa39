package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/safeshift/backend/internal/db"
	"github.com/safeshift/backend/internal/models"
)

const (
	DefaultSampleEvery   = 3
	DefaultActiveLimit   = 10
	DefaultResolveAction = "acknowledged"

	summaryLimit = db.MaxAlertLimit
)

// ErrPersistence wraps store failures while evaluating or resolving alerts.
var ErrPersistence = errors.New("alert persistence failed")

type AlertStore interface {
	ListObservations(ctx context.Context, subjectID string, since time.Time) ([]models.ShiftObservation, error)
	CountObservations(ctx context.Context, subjectID string) (int, error)
	WithAlertTx(ctx context.Context, fn func(tx db.AlertTx) error) error
	ResolveAlert(ctx context.Context, id string, r db.Resolution) (bool, error)
	ListActiveAlerts(ctx context.Context, subjectID string, limit int) ([]models.Alert, error)
	CountActiveAlerts(ctx context.Context, subjectID string) ([]db.AlertCount, error)
}

type Recorder interface {
	AlertCreated(category string, severity models.Severity)
	AlertSuppressed(category string)
	AlertResolved()
}

type nopRecorder struct{}

func (nopRecorder) AlertCreated(string, models.Severity) {}
func (nopRecorder) AlertSuppressed(string)              {}
func (nopRecorder) AlertResolved()                      {}

type Options struct {
	Rules map[string]models.CooldownRule
	// SampleEvery runs the trend patterns when the subject's observation
	// count is a multiple of it. Zero uses the default; negative disables.
	SampleEvery int
	Now         func() time.Time
	Logger      zerolog.Logger
	Metrics     Recorder
}

type Engine struct {
	store       AlertStore
	rules       map[string]models.CooldownRule
	sampleEvery int
	now         func() time.Time
	logger      zerolog.Logger
	metrics     Recorder
}

type Suppression struct {
	Finding       models.Finding `json:"finding"`
	ActiveAlertID string         `json:"active_alert_id"`
	Until         time.Time      `json:"until"`
}

type Evaluation struct {
	Created       []models.Alert `json:"created"`
	Suppressed    []Suppression  `json:"suppressed"`
	TrendsChecked bool           `json:"trends_checked"`
}

type ResolveOptions struct {
	By     string
	Note   string
	Action string
}

type Summary struct {
	SubjectID   string         `json:"subject_id"`
	TotalActive int            `json:"total_active"`
	BySeverity  map[string]int `json:"by_severity"`
	ByCategory  map[string]int `json:"by_category"`
	HasCritical bool           `json:"has_critical"`
	HasHigh     bool           `json:"has_high"`
	Active      []models.Alert `json:"active"`
}

func NewEngine(store AlertStore, opts Options) *Engine {
	e := &Engine{
		store:       store,
		rules:       opts.Rules,
		sampleEvery: opts.SampleEvery,
		now:         opts.Now,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if e.rules == nil {
		e.rules = DefaultRules()
	}
	if e.sampleEvery == 0 {
		e.sampleEvery = DefaultSampleEvery
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.metrics == nil {
		e.metrics = nopRecorder{}
	}
	return e
}

// Rule returns the cooldown rule for a category, falling back to the default rule.
func (e *Engine) Rule(category string) models.CooldownRule {
	if r, ok := e.rules[category]; ok {
		return r
	}
	return DefaultRule(category)
}

// Evaluate turns findings into alerts. All inserts for one call commit together;
// a finding whose category already has an unresolved alert inside the cooldown
// window is reported as suppressed instead.
func (e *Engine) Evaluate(ctx context.Context, subjectID string, findings []models.Finding) (Evaluation, error) {
	now := e.now().UTC()
	var ev Evaluation

	all := append([]models.Finding(nil), findings...)
	if e.sampleEvery > 0 {
		n, err := e.store.CountObservations(ctx, subjectID)
		if err != nil {
			return ev, fmt.Errorf("%w: count observations: %w", ErrPersistence, err)
		}
		if n > 0 && n%e.sampleEvery == 0 {
			obs, err := e.store.ListObservations(ctx, subjectID, now.Add(-recoveryWindow))
			if err != nil {
				return ev, fmt.Errorf("%w: load trend window: %w", ErrPersistence, err)
			}
			all = append(all, TrendPatterns(subjectID, obs, now)...)
			ev.TrendsChecked = true
		}
	}

	all = e.prepare(subjectID, all)
	if len(all) == 0 {
		return ev, nil
	}

	var (
		created    []models.Alert
		suppressed []Suppression
	)
	categories := make([]string, len(all))
	for i, f := range all {
		categories[i] = f.Category
	}
	sort.Strings(categories)

	err := e.store.WithAlertTx(ctx, func(tx db.AlertTx) error {
		created, suppressed = nil, nil
		if err := tx.LockAlertKeys(ctx, subjectID, categories); err != nil {
			return fmt.Errorf("lock alert keys: %w", err)
		}
		for _, f := range all {
			r := e.Rule(f.Category)
			if r.Cooldown > 0 {
				active, err := tx.FindActiveAlert(ctx, subjectID, f.Category, now.Add(-r.Cooldown))
				if err != nil {
					return fmt.Errorf("find active %s: %w", f.Category, err)
				}
				if active != nil {
					suppressed = append(suppressed, Suppression{
						Finding:       f,
						ActiveAlertID: active.ID,
						Until:         active.CreatedAt.Add(r.Cooldown),
					})
					continue
				}
			}

			sev := f.Severity.Clamp(r.MinSeverity, r.MaxSeverity)
			if r.AutoEscalate {
				others, err := tx.CountUnresolvedExcept(ctx, subjectID, f.Category)
				if err != nil {
					return fmt.Errorf("count unresolved: %w", err)
				}
				if others > 0 {
					sev = sev.Escalate().Clamp(r.MinSeverity, r.MaxSeverity)
				}
			}
			a := models.Alert{
				SubjectID: subjectID,
				Category:  f.Category,
				Severity:  sev,
				Message:   f.Message,
				Origin:    f.Origin,
				Evidence:  f.Evidence,
				CreatedAt: now,
			}
			if err := tx.InsertAlert(ctx, &a); err != nil {
				return fmt.Errorf("insert %s: %w", f.Category, err)
			}
			created = append(created, a)
		}
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("subject_id", subjectID).Int("findings", len(all)).Msg("alert evaluation rolled back")
		return Evaluation{TrendsChecked: ev.TrendsChecked}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	ev.Created, ev.Suppressed = created, suppressed
	for _, a := range created {
		e.metrics.AlertCreated(a.Category, a.Severity)
		e.logger.Info().
			Str("subject_id", subjectID).
			Str("alert_id", a.ID).
			Str("category", a.Category).
			Str("severity", a.Severity.String()).
			Msg("alert created")
	}
	for _, s := range suppressed {
		e.metrics.AlertSuppressed(s.Finding.Category)
		e.logger.Debug().
			Str("subject_id", subjectID).
			Str("category", s.Finding.Category).
			Str("active_alert_id", s.ActiveAlertID).
			Time("until", s.Until).
			Msg("alert suppressed by cooldown")
	}
	return ev, nil
}

// prepare keeps the most severe finding per category and orders them by rule
// priority, then severity.
func (e *Engine) prepare(subjectID string, findings []models.Finding) []models.Finding {
	byCategory := map[string]int{}
	var out []models.Finding
	for _, f := range findings {
		if f.Category == "" {
			continue
		}
		if f.SubjectID == "" {
			f.SubjectID = subjectID
		}
		if i, ok := byCategory[f.Category]; ok {
			if f.Severity > out[i].Severity {
				out[i] = f
			}
			continue
		}
		byCategory[f.Category] = len(out)
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := e.Rule(out[i].Category).Priority, e.Rule(out[j].Category).Priority
		if pi != pj {
			return pi < pj
		}
		return out[i].Severity > out[j].Severity
	})
	return out
}

// Resolve marks an alert resolved. It reports false when the alert does not
// exist or was already resolved.
func (e *Engine) Resolve(ctx context.Context, alertID string, opts ResolveOptions) (bool, error) {
	if opts.Action == "" {
		opts.Action = DefaultResolveAction
	}
	ok, err := e.store.ResolveAlert(ctx, alertID, db.Resolution{
		By:     opts.By,
		Note:   opts.Note,
		Action: opts.Action,
		At:     e.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("%w: resolve %s: %w", ErrPersistence, alertID, err)
	}
	if ok {
		e.metrics.AlertResolved()
		e.logger.Info().Str("alert_id", alertID).Str("resolved_by", opts.By).Str("action", opts.Action).Msg("alert resolved")
	}
	return ok, nil
}

// ListActive returns unresolved alerts, critical first and newest first within a severity.
func (e *Engine) ListActive(ctx context.Context, subjectID string, limit int) ([]models.Alert, error) {
	if limit <= 0 {
		limit = DefaultActiveLimit
	}
	return e.store.ListActiveAlerts(ctx, subjectID, limit)
}

// Summarize counts every unresolved alert of the subject. Active carries at
// most the first page of them, critical first.
func (e *Engine) Summarize(ctx context.Context, subjectID string) (Summary, error) {
	counts, err := e.store.CountActiveAlerts(ctx, subjectID)
	if err != nil {
		return Summary{}, err
	}
	active, err := e.store.ListActiveAlerts(ctx, subjectID, summaryLimit)
	if err != nil {
		return Summary{}, err
	}
	s := Summary{
		SubjectID:  subjectID,
		BySeverity: map[string]int{},
		ByCategory: map[string]int{},
		Active:     active,
	}
	for _, sev := range models.AllSeverities() {
		s.BySeverity[sev.String()] = 0
	}
	for _, c := range counts {
		s.TotalActive += c.Count
		s.BySeverity[c.Severity.String()] += c.Count
		s.ByCategory[c.Category] += c.Count
		switch c.Severity {
		case models.SeverityCritical:
			s.HasCritical = true
		case models.SeverityHigh:
			s.HasHigh = true
		}
	}
	if s.Active == nil {
		s.Active = []models.Alert{}
	}
	return s, nil
}
