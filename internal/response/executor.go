package response

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidState is returned when an operation is attempted on an
	// action that is not in the required lifecycle state.
	ErrInvalidState = errors.New("action is not in a valid state for this operation")
	// ErrExternalUnavailable wraps registry or collaborator failures.
	ErrExternalUnavailable = errors.New("external system unavailable")
	// ErrValidationRequired is returned when Execute is called on an action
	// still waiting for human validation.
	ErrValidationRequired = errors.New("action requires validation before execution")
)

// Store is the persistence the executor needs for actions and for the
// blacklist fields carried on reputation records.
type Store interface {
	CreateAction(ctx context.Context, action *Action) error
	GetAction(ctx context.Context, id uuid.UUID) (*Action, error)
	UpdateAction(ctx context.Context, action *Action) error
	ListActions(ctx context.Context, status *ActionStatus, limit int) ([]Action, error)
	ListExpiredExecuted(ctx context.Context, asOf time.Time) ([]Action, error)
	MarkBlacklisted(ctx context.Context, ip, reason string, expiresAt time.Time) error
	ClearBlacklist(ctx context.Context, ip string) error
}

// Service executes and reverses mitigations against the target-state
// registry, exactly once per action id.
type Service struct {
	store     Store
	registry  Registry
	rateLimit int
	locks     *ipLocks
	logger    *slog.Logger
}

func NewService(store Store, registry Registry, rateLimitPerMinute int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		registry:  registry,
		rateLimit: rateLimitPerMinute,
		locks:     newIPLocks(),
		logger:    logger,
	}
}

func (s *Service) CreateAction(ctx context.Context, action *Action) error {
	if action.ID == uuid.Nil {
		action.ID = uuid.New()
	}
	if action.Status == "" {
		action.Status = StatusPending
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now()
	}
	if err := s.store.CreateAction(ctx, action); err != nil {
		return fmt.Errorf("creating action: %w", err)
	}
	s.logger.Info("soar action created",
		"action_id", action.ID,
		"action_type", action.ActionType,
		"target_ip", action.TargetIP,
		"requires_validation", action.RequiresValidation)
	return nil
}

func (s *Service) GetAction(ctx context.Context, id uuid.UUID) (*Action, error) {
	return s.store.GetAction(ctx, id)
}

func (s *Service) ListActions(ctx context.Context, status *ActionStatus, limit int) ([]Action, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListActions(ctx, status, limit)
}

// Execute performs the action's mitigation. Calling it again on an already
// executed action is a no-op returning the prior result. Target-state
// mutation for one IP is serialized; two blocks on the same IP compose by
// taking the later expiry.
func (s *Service) Execute(ctx context.Context, id uuid.UUID) (*Action, error) {
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting action: %w", err)
	}
	if action == nil {
		return nil, fmt.Errorf("%w: action %s not found", ErrInvalidState, id)
	}

	switch action.Status {
	case StatusExecuted:
		// Idempotent by action id: return the recorded result.
		return action, nil
	case StatusPending:
	default:
		return nil, fmt.Errorf("%w: cannot execute action in status %s", ErrInvalidState, action.Status)
	}

	if action.RequiresValidation && action.ValidatedAt == nil {
		return nil, ErrValidationRequired
	}

	unlock := s.locks.lock(action.TargetIP)
	defer unlock()

	// Re-read under the lock: a concurrent Execute on the same id may have
	// committed while this call waited, and acting on the stale snapshot
	// would apply the mitigation twice and clobber the expiry bookkeeping.
	action, err = s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting action: %w", err)
	}
	if action == nil {
		return nil, fmt.Errorf("%w: action %s not found", ErrInvalidState, id)
	}
	switch action.Status {
	case StatusExecuted:
		return action, nil
	case StatusPending:
	default:
		return nil, fmt.Errorf("%w: cannot execute action in status %s", ErrInvalidState, action.Status)
	}
	if action.RequiresValidation && action.ValidatedAt == nil {
		return nil, ErrValidationRequired
	}

	// Cancellation is honored only before the registry commit; once the
	// mutation lands the caller must use Rollback.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, execErr := s.apply(ctx, action)
	now := time.Now()
	action.ExecutedAt = &now

	if execErr != nil {
		action.Status = StatusFailed
		action.ErrorMessage = execErr.Error()
		if err := s.store.UpdateAction(ctx, action); err != nil {
			return nil, fmt.Errorf("recording failed action: %w", err)
		}
		s.logger.Error("soar action failed",
			"action_id", action.ID,
			"action_type", action.ActionType,
			"target_ip", action.TargetIP,
			"error", execErr)
		return action, fmt.Errorf("executing %s on %s: %w", action.ActionType, action.TargetIP, execErr)
	}

	action.Status = StatusExecuted
	action.ExecutionResult = result.Message
	action.PriorExpiry = result.PriorExpiry
	action.AppliedExpiry = result.AppliedExpiry
	if err := s.store.UpdateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("recording executed action: %w", err)
	}

	s.logger.Info("soar action executed",
		"action_id", action.ID,
		"action_type", action.ActionType,
		"target_ip", action.TargetIP,
		"result", result.Message)
	return action, nil
}

// apply dispatches over the action type and mutates the registry. It is
// called with the per-IP lock held.
func (s *Service) apply(ctx context.Context, action *Action) (*ExecuteResult, error) {
	switch action.ActionType {
	case ActionIPBlock:
		return s.applyTimed(ctx, action, StateBlock, action.Reason)
	case ActionRateLimit:
		return s.applyTimed(ctx, action, StateRateLimit, strconv.Itoa(s.rateLimit))
	case ActionCaptcha:
		return s.applyTimed(ctx, action, StateCaptcha, "1")
	case ActionAlertOnly, ActionAllow:
		return &ExecuteResult{Executed: true, Message: "alert logged, no target mutation"}, nil
	default:
		return nil, fmt.Errorf("unknown action type: %s", action.ActionType)
	}
}

// applyTimed installs or extends a timed registry entry. When an active
// entry already outlives the new one, the later expiry wins; durations
// never sum.
func (s *Service) applyTimed(ctx context.Context, action *Action, kind TargetState, value string) (*ExecuteResult, error) {
	prior, err := s.registry.Expiry(ctx, kind, action.TargetIP)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s state: %v", ErrExternalUnavailable, kind, err)
	}

	applied := time.Now().Add(action.Duration)
	if prior != nil && prior.After(applied) {
		applied = *prior
	}

	if err := s.registry.Set(ctx, kind, action.TargetIP, value, applied); err != nil {
		return nil, fmt.Errorf("%w: writing %s state: %v", ErrExternalUnavailable, kind, err)
	}

	if kind == StateBlock {
		if err := s.store.MarkBlacklisted(ctx, action.TargetIP, action.Reason, applied); err != nil {
			// Undo the registry write so a failed execution leaves no
			// partial state behind.
			if prior != nil {
				_ = s.registry.Set(ctx, kind, action.TargetIP, value, *prior)
			} else {
				_ = s.registry.Remove(ctx, kind, action.TargetIP)
			}
			return nil, fmt.Errorf("marking reputation blacklist: %w", err)
		}
	}

	return &ExecuteResult{
		Executed:      true,
		Message:       fmt.Sprintf("%s applied to %s until %s", action.ActionType, action.TargetIP, applied.Format(time.RFC3339)),
		PriorExpiry:   prior,
		AppliedExpiry: &applied,
	}, nil
}

// Validate records a human decision on a pending action. Approval executes
// the action immediately; rejection is terminal.
func (s *Service) Validate(ctx context.Context, id uuid.UUID, approve bool, validatedBy, comment string) (*Action, error) {
	action, err := s.store.GetAction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting action: %w", err)
	}
	if action == nil {
		return nil, fmt.Errorf("%w: action %s not found", ErrInvalidState, id)
	}
	if action.Status != StatusPending {
		return nil, fmt.Errorf("%w: cannot validate action in status %s", ErrInvalidState, action.Status)
	}

	now := time.Now()
	action.ValidatedBy = validatedBy
	action.ValidatedAt = &now

	if !approve {
		action.Status = StatusRejected
		action.ErrorMessage = comment
		if err := s.store.UpdateAction(ctx, action); err != nil {
			return nil, fmt.Errorf("updating action: %w", err)
		}
		s.logger.Info("soar action rejected", "action_id", action.ID, "validated_by", validatedBy)
		return action, nil
	}

	if err := s.store.UpdateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("updating action: %w", err)
	}
	s.logger.Info("soar action approved", "action_id", action.ID, "validated_by", validatedBy)

	return s.Execute(ctx, id)
}

// ManualOverride creates and immediately executes an operator-initiated
// action bound to no assessment. It still funnels through Execute, so it
// gets the same idempotence and per-IP serialization.
func (s *Service) ManualOverride(ctx context.Context, actionType ActionType, targetIP, reason string, duration time.Duration, requestedBy string) (*Action, error) {
	now := time.Now()
	action := &Action{
		ID:          uuid.New(),
		ActionType:  actionType,
		Status:      StatusPending,
		TargetIP:    targetIP,
		Duration:    duration,
		Reason:      reason,
		ValidatedBy: requestedBy,
		ValidatedAt: &now,
		CreatedAt:   now,
	}
	if err := s.store.CreateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("creating manual action: %w", err)
	}
	return s.Execute(ctx, action.ID)
}

// BlockedTargets returns the ordered snapshot of active blacklist entries.
func (s *Service) BlockedTargets(ctx context.Context) ([]BlockedTarget, error) {
	targets, err := s.registry.ActiveBlocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing active blocks: %v", ErrExternalUnavailable, err)
	}
	return targets, nil
}
