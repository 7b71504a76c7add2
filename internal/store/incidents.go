package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/incident"
)

func (s *Store) CreateIncident(ctx context.Context, inc *incident.Incident) error {
	query := `
		INSERT INTO incidents (
			id, created_at, updated_at, incident_type, severity, status, source_ip,
			attack_vectors, total_requests, blocked_requests, mitre_technique,
			resolved_at, false_positive, related_incidents
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.ExecContext(ctx, query,
		inc.ID, inc.CreatedAt, inc.UpdatedAt, inc.IncidentType, inc.Severity,
		inc.Status, inc.SourceIP, inc.AttackVectors, inc.TotalRequests,
		inc.BlockedRequests, inc.MitreTechnique, inc.ResolvedAt,
		inc.FalsePositive, inc.RelatedIncidents)
	if err != nil {
		return fmt.Errorf("inserting incident: %w", err)
	}
	return nil
}

func (s *Store) GetIncident(ctx context.Context, id uuid.UUID) (*incident.Incident, error) {
	var inc incident.Incident
	err := s.db.GetContext(ctx, &inc, `SELECT * FROM incidents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting incident: %w", err)
	}
	return &inc, nil
}

func (s *Store) UpdateIncident(ctx context.Context, inc *incident.Incident) error {
	query := `
		UPDATE incidents SET
			updated_at = $2, incident_type = $3, severity = $4, status = $5,
			attack_vectors = $6, total_requests = $7, blocked_requests = $8,
			mitre_technique = $9, resolved_at = $10, false_positive = $11,
			related_incidents = $12
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		inc.ID, inc.UpdatedAt, inc.IncidentType, inc.Severity, inc.Status,
		inc.AttackVectors, inc.TotalRequests, inc.BlockedRequests,
		inc.MitreTechnique, inc.ResolvedAt, inc.FalsePositive, inc.RelatedIncidents)
	if err != nil {
		return fmt.Errorf("updating incident: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("incident %s not found", inc.ID)
	}
	return nil
}

func (s *Store) ListIncidents(ctx context.Context, status *incident.Status, limit int) ([]incident.Incident, error) {
	if limit <= 0 {
		limit = 50
	}

	var (
		incidents []incident.Incident
		err       error
	)
	if status != nil {
		err = s.db.SelectContext(ctx, &incidents,
			`SELECT * FROM incidents WHERE status = $1 ORDER BY updated_at DESC LIMIT $2`,
			*status, limit)
	} else {
		err = s.db.SelectContext(ctx, &incidents,
			`SELECT * FROM incidents ORDER BY updated_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing incidents: %w", err)
	}
	return incidents, nil
}

func (s *Store) FindActiveBySource(ctx context.Context, sourceIP string, since time.Time) (*incident.Incident, error) {
	var inc incident.Incident
	err := s.db.GetContext(ctx, &inc, `
		SELECT * FROM incidents
		WHERE source_ip = $1
		  AND status IN ('OPEN', 'INVESTIGATING')
		  AND updated_at > $2
		ORDER BY updated_at DESC
		LIMIT 1
	`, sourceIP, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active incident: %w", err)
	}
	return &inc, nil
}

func (s *Store) ListStaleActive(ctx context.Context, before time.Time) ([]incident.Incident, error) {
	var incidents []incident.Incident
	err := s.db.SelectContext(ctx, &incidents, `
		SELECT * FROM incidents
		WHERE status IN ('OPEN', 'INVESTIGATING') AND updated_at < $1
		ORDER BY updated_at
	`, before)
	if err != nil {
		return nil, fmt.Errorf("listing stale incidents: %w", err)
	}
	return incidents, nil
}
