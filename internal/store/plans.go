package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/plans"
)

func (s *Store) CreatePlan(ctx context.Context, p *plans.Plan) error {
	query := `
		INSERT INTO security_plans (
			id, incident_id, generated_at, attack_type,
			immediate_actions, corrective_measures, preventive_recommendations,
			nist_controls, iso27001_controls, mitre_technique,
			estimated_hours, generated_by, confidence_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.IncidentID, p.GeneratedAt, p.AttackType,
		p.ImmediateActions, p.CorrectiveSteps, p.PreventiveSteps,
		p.NISTControls, p.ISO27001Controls, p.MitreTechnique,
		p.EstimatedHours, p.GeneratedBy, p.Confidence)
	if err != nil {
		return fmt.Errorf("inserting plan: %w", err)
	}
	return nil
}

func (s *Store) ListPlans(ctx context.Context, limit int) ([]plans.Plan, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []plans.Plan
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM security_plans ORDER BY generated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	return out, nil
}

func (s *Store) GetPlanByIncident(ctx context.Context, incidentID uuid.UUID) (*plans.Plan, error) {
	var p plans.Plan
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM security_plans WHERE incident_id = $1
		ORDER BY generated_at DESC LIMIT 1
	`, incidentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting plan: %w", err)
	}
	return &p, nil
}
