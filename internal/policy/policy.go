// Package policy maps a risk level and the operator's automation level to a
// recommended mitigation and whether it executes without human validation.
package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/config"
	"github.com/sentinelsoc/soar/internal/response"
	"github.com/sentinelsoc/soar/internal/risk"
)

// Decision is the output of the policy table for one assessment.
type Decision struct {
	Action     response.ActionType
	ExecuteNow bool
	Duration   time.Duration
}

// Engine evaluates the automation policy ladder. The decision table is a
// total function over risk level x automation level; the same pair always
// yields the same decision.
type Engine struct {
	cfg config.SoarConfig
}

func NewEngine(cfg config.SoarConfig) *Engine {
	return &Engine{cfg: cfg}
}

// Decide resolves the decision table for the given risk level.
//
// LOW never mitigates. MEDIUM alerts under manual/semi-auto and rate-limits
// under auto/strict. HIGH recommends CAPTCHA, validating under manual and
// semi-auto. CRITICAL always recommends IP_BLOCK and is authorized to bypass
// semi-auto gating; only full manual mode queues it for validation. With the
// WAF in audit mode every target-mutating action is held for validation
// regardless of automation level.
func (e *Engine) Decide(level risk.Level, automation config.AutomationLevel, score float64) Decision {
	auto := automation == config.AutomationAuto || automation == config.AutomationStrict

	var d Decision
	switch level {
	case risk.LevelLow:
		d = Decision{Action: response.ActionAllow, ExecuteNow: false}
	case risk.LevelMedium:
		if auto {
			d = Decision{Action: response.ActionRateLimit, ExecuteNow: true}
		} else {
			// Alerts mutate nothing, so they are recorded immediately
			// rather than queued for validation.
			d = Decision{Action: response.ActionAlertOnly, ExecuteNow: true}
		}
	case risk.LevelHigh:
		d = Decision{Action: response.ActionCaptcha, ExecuteNow: auto}
	case risk.LevelCritical:
		d = Decision{
			Action:     response.ActionIPBlock,
			ExecuteNow: auto || automation == config.AutomationSemiAuto,
		}
	}

	if !e.cfg.EnableAutoBlock && d.Action == response.ActionIPBlock {
		d.ExecuteNow = false
	}

	// Audit mode observes the decision ladder without enforcing it:
	// target-mutating actions are recorded but held for validation.
	if e.cfg.WAFMode == config.WAFModeAudit && mutating(d.Action) {
		d.ExecuteNow = false
	}

	d.Duration = e.durationFor(score)
	return d
}

// NewAction materializes a decision as a pending SOAR action bound to its
// assessment. Automation level is snapshotted on the assessment by the
// caller; the action carries only the gate outcome.
func (e *Engine) NewAction(assessment *risk.Assessment, d Decision, targetIP string) *response.Action {
	return &response.Action{
		ID:                 uuid.New(),
		RiskAssessmentID:   &assessment.ID,
		ActionType:         d.Action,
		Status:             response.StatusPending,
		TargetIP:           targetIP,
		Duration:           d.Duration,
		Reason:             assessment.Explanation,
		RequiresValidation: !d.ExecuteNow,
		CreatedAt:          time.Now(),
	}
}

// mutating reports whether the action type changes the target's treatment
// at the edge, as opposed to only notifying operators.
func mutating(a response.ActionType) bool {
	return a == response.ActionRateLimit || a == response.ActionCaptcha || a == response.ActionIPBlock
}

// durationFor scales mitigation duration with the risk score band.
func (e *Engine) durationFor(score float64) time.Duration {
	switch {
	case score >= e.cfg.RiskThresholdBlock:
		return e.cfg.BlockDuration
	case score >= e.cfg.RiskThresholdCaptcha:
		return 30 * time.Minute
	default:
		return 15 * time.Minute
	}
}
