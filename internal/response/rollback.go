package response

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Expiries within this window are considered the same registry write.
// Registry backends report expiry at second resolution.
const expiryTolerance = 2 * time.Second

// RollbackReasonExpired marks sweep-driven rollbacks of lapsed actions.
const RollbackReasonExpired = "expired"

// Rollback reverses an executed action's mutation, restoring the target
// state as if this action had never executed. When a later action has
// extended the same entry further, the registry is left untouched: the
// later extension is not this action's to erase.
func (s *Service) Rollback(ctx context.Context, id uuid.UUID, reason string) (*Action, error) {
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting action: %w", err)
	}
	if action == nil {
		return nil, fmt.Errorf("%w: action %s not found", ErrInvalidState, id)
	}
	if action.Status != StatusExecuted {
		return nil, fmt.Errorf("%w: cannot roll back action in status %s", ErrInvalidState, action.Status)
	}

	unlock := s.locks.lock(action.TargetIP)
	defer unlock()

	// Re-read under the lock so a concurrent Rollback or sweep of the same
	// action cannot revert the registry twice.
	action, err = s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting action: %w", err)
	}
	if action == nil {
		return nil, fmt.Errorf("%w: action %s not found", ErrInvalidState, id)
	}
	if action.Status != StatusExecuted {
		return nil, fmt.Errorf("%w: cannot roll back action in status %s", ErrInvalidState, action.Status)
	}

	if action.Rollbackable() && action.AppliedExpiry != nil {
		if err := s.revert(ctx, action); err != nil {
			return nil, err
		}
	}

	now := time.Now()
	action.Status = StatusRolledBack
	action.RollbackAt = &now
	action.RollbackReason = reason
	if err := s.store.UpdateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("recording rollback: %w", err)
	}

	s.logger.Info("soar action rolled back",
		"action_id", action.ID,
		"action_type", action.ActionType,
		"target_ip", action.TargetIP,
		"reason", reason)
	return action, nil
}

// revert computes the counterfactual registry state, holding the per-IP lock.
func (s *Service) revert(ctx context.Context, action *Action) error {
	kind := stateFor(action.ActionType)

	current, err := s.registry.Expiry(ctx, kind, action.TargetIP)
	if err != nil {
		return fmt.Errorf("%w: reading %s state: %v", ErrExternalUnavailable, kind, err)
	}

	if current == nil || !sameExpiry(*current, *action.AppliedExpiry) {
		// Entry already lapsed or was superseded by a later action.
		// Nothing in the registry belongs to this action anymore; keep the
		// reputation blacklist consistent when the entry is simply gone.
		if kind == StateBlock && current == nil {
			if err := s.store.ClearBlacklist(ctx, action.TargetIP); err != nil {
				return fmt.Errorf("clearing reputation blacklist: %w", err)
			}
		}
		return nil
	}

	if action.PriorExpiry != nil && action.PriorExpiry.After(time.Now()) {
		// An earlier, still-active entry existed before this action
		// extended it; restore that extension instead of deleting.
		if err := s.registry.Set(ctx, kind, action.TargetIP, s.valueFor(kind, action), *action.PriorExpiry); err != nil {
			return fmt.Errorf("%w: restoring %s state: %v", ErrExternalUnavailable, kind, err)
		}
		if kind == StateBlock {
			if err := s.store.MarkBlacklisted(ctx, action.TargetIP, action.Reason, *action.PriorExpiry); err != nil {
				return fmt.Errorf("restoring reputation blacklist: %w", err)
			}
		}
		return nil
	}

	if err := s.registry.Remove(ctx, kind, action.TargetIP); err != nil {
		return fmt.Errorf("%w: removing %s state: %v", ErrExternalUnavailable, kind, err)
	}
	if kind == StateBlock {
		if err := s.store.ClearBlacklist(ctx, action.TargetIP); err != nil {
			return fmt.Errorf("clearing reputation blacklist: %w", err)
		}
	}
	return nil
}

// SweepExpired rolls back executed actions whose applied expiry has passed.
// It runs on a timer and is idempotent: actions it already rolled back no
// longer match the query, so a second pass over the same tick does nothing.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredExecuted(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("listing expired actions: %w", err)
	}

	swept := 0
	for _, action := range expired {
		if _, err := s.Rollback(ctx, action.ID, RollbackReasonExpired); err != nil {
			s.logger.Error("expiry sweep rollback failed",
				"action_id", action.ID, "error", err)
			continue
		}
		swept++
	}

	if swept > 0 {
		s.logger.Info("expiry sweep complete", "rolled_back", swept)
	}
	return swept, nil
}

func stateFor(t ActionType) TargetState {
	switch t {
	case ActionIPBlock:
		return StateBlock
	case ActionRateLimit:
		return StateRateLimit
	default:
		return StateCaptcha
	}
}

func (s *Service) valueFor(kind TargetState, action *Action) string {
	switch kind {
	case StateBlock:
		return action.Reason
	case StateRateLimit:
		return strconv.Itoa(s.rateLimit)
	default:
		return "1"
	}
}

func sameExpiry(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= expiryTolerance
}
