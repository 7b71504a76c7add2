package response

import (
	"time"

	"github.com/google/uuid"
)

// ActionType is the closed set of mitigations the executor can perform.
type ActionType string

const (
	ActionAllow     ActionType = "ALLOW"
	ActionAlertOnly ActionType = "ALERT_ONLY"
	ActionRateLimit ActionType = "RATE_LIMIT"
	ActionCaptcha   ActionType = "CAPTCHA"
	ActionIPBlock   ActionType = "IP_BLOCK"
)

// ActionStatus is the lifecycle state of a SOAR action. FAILED and
// ROLLED_BACK are terminal; EXECUTED can still transition to ROLLED_BACK.
type ActionStatus string

const (
	StatusPending    ActionStatus = "PENDING"
	StatusExecuted   ActionStatus = "EXECUTED"
	StatusFailed     ActionStatus = "FAILED"
	StatusRolledBack ActionStatus = "ROLLED_BACK"
	StatusRejected   ActionStatus = "REJECTED"
)

// Action is a single mitigation tied to exactly one risk assessment.
type Action struct {
	ID                 uuid.UUID     `json:"id" db:"id"`
	RiskAssessmentID   *uuid.UUID    `json:"risk_assessment_id,omitempty" db:"risk_assessment_id"`
	ActionType         ActionType    `json:"action_type" db:"action_type"`
	Status             ActionStatus  `json:"status" db:"status"`
	TargetIP           string        `json:"target_ip" db:"target_ip"`
	Duration           time.Duration `json:"duration" db:"duration"`
	Reason             string        `json:"reason" db:"reason"`
	RequiresValidation bool          `json:"requires_validation" db:"requires_validation"`
	ValidatedBy        string        `json:"validated_by,omitempty" db:"validated_by"`
	ValidatedAt        *time.Time    `json:"validated_at,omitempty" db:"validated_at"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	ExecutedAt         *time.Time    `json:"executed_at,omitempty" db:"executed_at"`
	ExecutionResult    string        `json:"execution_result,omitempty" db:"execution_result"`
	ErrorMessage       string        `json:"error_message,omitempty" db:"error_message"`

	// Target-state bookkeeping for counterfactual rollback. PriorExpiry is
	// the registry expiry before this action applied (nil = no entry);
	// AppliedExpiry is the expiry this action wrote.
	PriorExpiry   *time.Time `json:"prior_expiry,omitempty" db:"prior_expiry"`
	AppliedExpiry *time.Time `json:"applied_expiry,omitempty" db:"applied_expiry"`

	RollbackAt     *time.Time `json:"rollback_at,omitempty" db:"rollback_at"`
	RollbackReason string     `json:"rollback_reason,omitempty" db:"rollback_reason"`
}

// Rollbackable reports whether the action mutated target state that a
// rollback could reverse.
func (a *Action) Rollbackable() bool {
	switch a.ActionType {
	case ActionIPBlock, ActionRateLimit, ActionCaptcha:
		return true
	default:
		return false
	}
}

// ExecuteResult captures what an execution did to the target registry.
type ExecuteResult struct {
	Executed      bool       `json:"executed"`
	Message       string     `json:"message"`
	PriorExpiry   *time.Time `json:"prior_expiry,omitempty"`
	AppliedExpiry *time.Time `json:"applied_expiry,omitempty"`
}

// BlockedTarget is one active blacklist entry in the registry snapshot.
type BlockedTarget struct {
	IP        string        `json:"ip"`
	Reason    string        `json:"reason"`
	ExpiresAt time.Time     `json:"expires_at"`
	Remaining time.Duration `json:"remaining"`
}
