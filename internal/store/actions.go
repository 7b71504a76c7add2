package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/response"
)

func (s *Store) CreateAction(ctx context.Context, action *response.Action) error {
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO soar_actions (
			id, risk_assessment_id, action_type, status, target_ip, duration,
			reason, requires_validation, validated_by, validated_at, created_at,
			executed_at, execution_result, error_message,
			prior_expiry, applied_expiry, rollback_at, rollback_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err := s.db.ExecContext(ctx, query,
		action.ID, action.RiskAssessmentID, action.ActionType, action.Status,
		action.TargetIP, action.Duration, action.Reason, action.RequiresValidation,
		action.ValidatedBy, action.ValidatedAt, action.CreatedAt,
		action.ExecutedAt, action.ExecutionResult, action.ErrorMessage,
		action.PriorExpiry, action.AppliedExpiry, action.RollbackAt, action.RollbackReason)
	if err != nil {
		return fmt.Errorf("inserting action: %w", err)
	}
	return nil
}

func (s *Store) GetAction(ctx context.Context, id uuid.UUID) (*response.Action, error) {
	var action response.Action
	err := s.db.GetContext(ctx, &action, `SELECT * FROM soar_actions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting action: %w", err)
	}
	return &action, nil
}

func (s *Store) UpdateAction(ctx context.Context, action *response.Action) error {
	query := `
		UPDATE soar_actions SET
			status = $2, validated_by = $3, validated_at = $4,
			executed_at = $5, execution_result = $6, error_message = $7,
			prior_expiry = $8, applied_expiry = $9,
			rollback_at = $10, rollback_reason = $11
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		action.ID, action.Status, action.ValidatedBy, action.ValidatedAt,
		action.ExecutedAt, action.ExecutionResult, action.ErrorMessage,
		action.PriorExpiry, action.AppliedExpiry,
		action.RollbackAt, action.RollbackReason)
	if err != nil {
		return fmt.Errorf("updating action: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("action %s not found", action.ID)
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, status *response.ActionStatus, limit int) ([]response.Action, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		actions []response.Action
		err     error
	)
	if status != nil {
		err = s.db.SelectContext(ctx, &actions,
			`SELECT * FROM soar_actions WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
			*status, limit)
	} else {
		err = s.db.SelectContext(ctx, &actions,
			`SELECT * FROM soar_actions ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	return actions, nil
}

// ListExpiredExecuted returns executed actions whose applied expiry has
// passed, the sweep input.
func (s *Store) ListExpiredExecuted(ctx context.Context, asOf time.Time) ([]response.Action, error) {
	var actions []response.Action
	err := s.db.SelectContext(ctx, &actions, `
		SELECT * FROM soar_actions
		WHERE status = 'EXECUTED' AND applied_expiry IS NOT NULL AND applied_expiry <= $1
		ORDER BY applied_expiry
	`, asOf)
	if err != nil {
		return nil, fmt.Errorf("listing expired actions: %w", err)
	}
	return actions, nil
}
