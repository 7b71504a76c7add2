package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/risk"
)

func (s *Store) CreateAssessment(ctx context.Context, a *risk.Assessment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.AssessedAt.IsZero() {
		a.AssessedAt = time.Now()
	}

	factors, err := json.Marshal(a.Factors)
	if err != nil {
		return fmt.Errorf("encoding factors: %w", err)
	}

	query := `
		INSERT INTO risk_assessments (
			id, request_id, assessed_at, risk_score, risk_level,
			ml_weight, owasp_weight, behavioral_weight, geo_weight,
			recommended_action, automation_level, contributing_factors, explanation
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = s.db.ExecContext(ctx, query,
		a.ID, a.RequestID, a.AssessedAt, a.RiskScore, a.RiskLevel,
		a.MLWeight, a.OwaspWeight, a.BehavioralWeight, a.GeoWeight,
		a.RecommendedAction, a.AutomationLevel, factors, a.Explanation)
	if err != nil {
		return fmt.Errorf("inserting assessment: %w", err)
	}
	return nil
}

type assessmentRow struct {
	risk.Assessment
	FactorsRaw []byte `db:"contributing_factors"`
}

func (s *Store) GetAssessment(ctx context.Context, id uuid.UUID) (*risk.Assessment, error) {
	var row assessmentRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM risk_assessments WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting assessment: %w", err)
	}
	return row.assessment()
}

func (s *Store) ListAssessments(ctx context.Context, level *risk.Level, limit int) ([]risk.Assessment, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		rows []assessmentRow
		err  error
	)
	if level != nil {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM risk_assessments WHERE risk_level = $1 ORDER BY assessed_at DESC LIMIT $2`,
			*level, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			`SELECT * FROM risk_assessments ORDER BY assessed_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing assessments: %w", err)
	}

	out := make([]risk.Assessment, 0, len(rows))
	for _, row := range rows {
		a, err := row.assessment()
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

func (r *assessmentRow) assessment() (*risk.Assessment, error) {
	a := r.Assessment
	if len(r.FactorsRaw) > 0 {
		if err := json.Unmarshal(r.FactorsRaw, &a.Factors); err != nil {
			return nil, fmt.Errorf("decoding factors: %w", err)
		}
	}
	return &a, nil
}
