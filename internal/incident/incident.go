// Package incident groups related risk assessments into tracked incidents
// with a human-driven lifecycle.
package incident

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/config"
	"github.com/sentinelsoc/soar/internal/models"
	"github.com/sentinelsoc/soar/internal/risk"
)

// ErrInvalidTransition is returned for a lifecycle move the state machine
// does not allow.
var ErrInvalidTransition = errors.New("invalid incident status transition")

// ErrNotFound is returned when the incident does not exist.
var ErrNotFound = errors.New("incident not found")

type Status string

const (
	StatusOpen          Status = "OPEN"
	StatusInvestigating Status = "INVESTIGATING"
	StatusResolved      Status = "RESOLVED"
	StatusClosed        Status = "CLOSED"
)

// validTransitions is the lifecycle ladder. CLOSED is terminal; incidents
// are never deleted, only closed. Auto-resolution may take an OPEN incident
// straight to RESOLVED.
var validTransitions = map[Status][]Status{
	StatusOpen:          {StatusInvestigating, StatusResolved},
	StatusInvestigating: {StatusResolved},
	StatusResolved:      {StatusClosed},
	StatusClosed:        {},
}

// Incident is a correlated group of risk assessments from one source.
type Incident struct {
	ID               uuid.UUID          `json:"id" db:"id"`
	CreatedAt        time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at" db:"updated_at"`
	IncidentType     string             `json:"incident_type" db:"incident_type"`
	Severity         models.Severity    `json:"severity" db:"severity"`
	Status           Status             `json:"status" db:"status"`
	SourceIP         string             `json:"source_ip" db:"source_ip"`
	AttackVectors    models.StringArray `json:"attack_vectors" db:"attack_vectors"`
	TotalRequests    int                `json:"total_requests" db:"total_requests"`
	BlockedRequests  int                `json:"blocked_requests" db:"blocked_requests"`
	MitreTechnique   string             `json:"mitre_technique,omitempty" db:"mitre_technique"`
	ResolvedAt       *time.Time         `json:"resolved_at,omitempty" db:"resolved_at"`
	FalsePositive    bool               `json:"false_positive" db:"false_positive"`
	RelatedIncidents models.StringArray `json:"related_incidents" db:"related_incidents"`
}

// Store persists incidents.
type Store interface {
	CreateIncident(ctx context.Context, inc *Incident) error
	GetIncident(ctx context.Context, id uuid.UUID) (*Incident, error)
	UpdateIncident(ctx context.Context, inc *Incident) error
	ListIncidents(ctx context.Context, status *Status, limit int) ([]Incident, error)
	// FindActiveBySource returns the most recent OPEN or INVESTIGATING
	// incident for the source updated since the cutoff, or nil.
	FindActiveBySource(ctx context.Context, sourceIP string, since time.Time) (*Incident, error)
	// ListStaleActive returns OPEN/INVESTIGATING incidents with no new
	// evidence since the cutoff.
	ListStaleActive(ctx context.Context, before time.Time) ([]Incident, error)
}

// PlanRequester asks the plan-generation collaborator for a remediation
// plan once an incident resolves.
type PlanRequester interface {
	RequestPlan(ctx context.Context, inc *Incident)
}

// Service is the incident aggregator.
type Service struct {
	store   Store
	cfg     config.IncidentsConfig
	planner PlanRequester
	locks   *sourceLocks
	logger  *slog.Logger
}

func NewService(store Store, cfg config.IncidentsConfig, planner PlanRequester, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, cfg: cfg, planner: planner, locks: newSourceLocks(), logger: logger}
}

// Ingest correlates an assessment into an incident. Below the configured
// score threshold nothing is created. Within the correlation window new
// evidence attaches to the existing active incident for the source;
// otherwise a new incident opens.
func (s *Service) Ingest(ctx context.Context, a *risk.Assessment, sourceIP, attackVector string, blocked bool) (*Incident, error) {
	if a.RiskScore < s.cfg.ScoreThreshold {
		return nil, nil
	}
	if attackVector == "" {
		attackVector = "ANOMALOUS_TRAFFIC"
	}

	// Find-then-write below must not interleave for one source, or two
	// concurrent assessments would each open their own incident.
	unlock := s.locks.lock(sourceIP)
	defer unlock()

	since := time.Now().Add(-s.cfg.CorrelationWindow)
	existing, err := s.store.FindActiveBySource(ctx, sourceIP, since)
	if err != nil {
		return nil, fmt.Errorf("correlating incident: %w", err)
	}

	if existing != nil {
		s.attach(existing, a, attackVector, blocked)
		if err := s.store.UpdateIncident(ctx, existing); err != nil {
			return nil, fmt.Errorf("attaching evidence: %w", err)
		}
		s.logger.Info("evidence attached to incident",
			"incident_id", existing.ID,
			"source_ip", sourceIP,
			"total_requests", existing.TotalRequests)
		return existing, nil
	}

	now := time.Now()
	inc := &Incident{
		ID:            uuid.New(),
		CreatedAt:     now,
		UpdatedAt:     now,
		IncidentType:  attackVector,
		Severity:      severityFor(a.RiskLevel),
		Status:        StatusOpen,
		SourceIP:      sourceIP,
		AttackVectors: models.StringArray{attackVector},
		TotalRequests: 1,
	}
	if blocked {
		inc.BlockedRequests = 1
	}
	if err := s.store.CreateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("opening incident: %w", err)
	}

	s.logger.Info("incident opened",
		"incident_id", inc.ID,
		"incident_type", inc.IncidentType,
		"severity", inc.Severity,
		"source_ip", sourceIP)
	return inc, nil
}

func (s *Service) attach(inc *Incident, a *risk.Assessment, attackVector string, blocked bool) {
	inc.TotalRequests++
	if blocked {
		inc.BlockedRequests++
	}
	if !contains(inc.AttackVectors, attackVector) {
		inc.AttackVectors = append(inc.AttackVectors, attackVector)
	}
	if sev := severityFor(a.RiskLevel); severityRank(sev) > severityRank(inc.Severity) {
		inc.Severity = sev
	}
	inc.UpdatedAt = time.Now()
}

// UpdateStatus applies a lifecycle transition, enforcing the ladder.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, next Status, falsePositive *bool) (*Incident, error) {
	inc, err := s.store.GetIncident(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting incident: %w", err)
	}
	if inc == nil {
		return nil, ErrNotFound
	}

	if !transitionAllowed(inc.Status, next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, inc.Status, next)
	}

	inc.Status = next
	inc.UpdatedAt = time.Now()
	if falsePositive != nil {
		inc.FalsePositive = *falsePositive
	}
	if next == StatusResolved {
		now := time.Now()
		inc.ResolvedAt = &now
	}

	if err := s.store.UpdateIncident(ctx, inc); err != nil {
		return nil, fmt.Errorf("updating incident: %w", err)
	}

	s.logger.Info("incident status updated",
		"incident_id", inc.ID, "status", next, "false_positive", inc.FalsePositive)

	if next == StatusResolved && s.cfg.GeneratePlans && s.planner != nil {
		s.planner.RequestPlan(ctx, inc)
	}

	return inc, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Incident, error) {
	return s.store.GetIncident(ctx, id)
}

func (s *Service) List(ctx context.Context, status *Status, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListIncidents(ctx, status, limit)
}

// AutoResolve resolves active incidents that received no new evidence for
// the cool-down period. It runs from the scheduler.
func (s *Service) AutoResolve(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.cfg.AutoResolveAfter)
	stale, err := s.store.ListStaleActive(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing stale incidents: %w", err)
	}

	resolved := 0
	for _, inc := range stale {
		if _, err := s.UpdateStatus(ctx, inc.ID, StatusResolved, nil); err != nil {
			s.logger.Error("auto-resolve failed", "incident_id", inc.ID, "error", err)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func transitionAllowed(from, to Status) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func severityFor(level risk.Level) models.Severity {
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

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 4
	case models.SeverityHigh:
		return 3
	case models.SeverityMedium:
		return 2
	default:
		return 1
	}
}

func contains(arr models.StringArray, v string) bool {
	for _, s := range arr {
		if s == v {
			return true
		}
	}
	return false
}
