package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/incident"
	"github.com/sentinelsoc/soar/internal/models"
	"github.com/sentinelsoc/soar/internal/notify"
	"github.com/sentinelsoc/soar/internal/response"
	"github.com/sentinelsoc/soar/internal/risk"
)

// AssessOutcome is the result of running one request through the full
// pipeline: signal collection, scoring, policy decision, mitigation and
// incident correlation.
type AssessOutcome struct {
	Assessment *risk.Assessment   `json:"assessment"`
	Action     *response.Action   `json:"action,omitempty"`
	Incident   *incident.Incident `json:"incident,omitempty"`
}

// assess runs the pipeline for a stored request.
func (s *Server) assess(ctx context.Context, requestID uuid.UUID) (*AssessOutcome, error) {
	sig, err := s.collector.Collect(ctx, requestID)
	if err != nil {
		return nil, err
	}

	assessment, err := s.scorer.Score(sig)
	if err != nil {
		return nil, err
	}

	decision := s.policy.Decide(assessment.RiskLevel, s.cfg.Soar.AutomationLevel, assessment.RiskScore)
	assessment.RecommendedAction = string(decision.Action)
	assessment.AutomationLevel = s.cfg.Soar.AutomationLevel

	// Whitelisted sources are never mitigated, whatever the score says.
	whitelisted := false
	if rep, err := s.reputation.Get(ctx, sig.ClientIP); err == nil && rep != nil && rep.IsWhitelisted {
		whitelisted = true
		decision.Action = response.ActionAllow
		decision.ExecuteNow = false
		assessment.RecommendedAction = string(response.ActionAllow)
	}

	if err := s.store.CreateAssessment(ctx, assessment); err != nil {
		return nil, fmt.Errorf("persisting assessment: %w", err)
	}

	outcome := &AssessOutcome{Assessment: assessment}

	// Every decision except ALLOW leaves an action row behind, alerts
	// included, so the audit trail covers notifications too.
	if decision.Action != response.ActionAllow {
		action := s.policy.NewAction(assessment, decision, sig.ClientIP)
		if err := s.responses.CreateAction(ctx, action); err != nil {
			return nil, fmt.Errorf("creating action: %w", err)
		}
		if decision.ExecuteNow {
			executed, err := s.responses.Execute(ctx, action.ID)
			if err != nil {
				s.logger.Error("auto-execution failed",
					"action_id", action.ID, "action_type", action.ActionType, "error", err)
				executed, _ = s.responses.GetAction(ctx, action.ID)
			}
			if executed != nil {
				action = executed
			}
		}
		outcome.Action = action

		if decision.Action == response.ActionAlertOnly {
			s.notifier.Send(ctx, &notify.Notification{
				Type:     notify.EventActionExecuted,
				Title:    "Suspicious activity detected",
				Message:  assessment.Explanation,
				Severity: severityForLevel(assessment.RiskLevel),
				Fields: map[string]string{
					"Source IP":  sig.ClientIP,
					"Risk Score": fmt.Sprintf("%.2f", assessment.RiskScore),
				},
			})
		}
	}

	if !whitelisted {
		blocked := outcome.Action != nil &&
			outcome.Action.ActionType == response.ActionIPBlock &&
			outcome.Action.Status == response.StatusExecuted
		inc, err := s.incidents.Ingest(ctx, assessment, sig.ClientIP, attackVector(sig), blocked)
		if err != nil {
			s.logger.Error("incident correlation failed", "request_id", requestID, "error", err)
		} else {
			outcome.Incident = inc
		}
	}

	return outcome, nil
}

// attackVector names the dominant attack for incident correlation: the ML
// verdict first, then the most severe OWASP detection.
func attackVector(sig risk.Signals) string {
	if sig.ML != nil && sig.ML.IsAnomaly && sig.ML.AttackType != "" && sig.ML.AttackType != "NORMAL" {
		return sig.ML.AttackType
	}

	var best *models.OwaspDetection
	for i := range sig.Detections {
		d := &sig.Detections[i]
		if best == nil || d.Severity.Weight() > best.Severity.Weight() {
			best = d
		}
	}
	if best != nil {
		return best.Category
	}
	return "ANOMALOUS_TRAFFIC"
}

func severityForLevel(level risk.Level) models.Severity {
	switch level {
	case risk.LevelCritical:
		return models.SeverityCritical
	case risk.LevelHigh:
		return models.SeverityHigh
	case risk.LevelMedium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// isPipelineUserError reports whether the pipeline error is the caller's
// fault rather than an internal failure.
func isPipelineUserError(err error) bool {
	return errors.Is(err, risk.ErrInsufficientSignal) ||
		errors.Is(err, response.ErrValidationRequired)
}
