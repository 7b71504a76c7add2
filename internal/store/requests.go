package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/models"
	"github.com/sentinelsoc/soar/internal/risk"
)

// SaveRequest persists a WAF-reported request.
func (s *Store) SaveRequest(ctx context.Context, req *models.RequestRecord) error {
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}

	query := `
		INSERT INTO requests (
			id, timestamp, method, url, path, query_string, client_ip, user_agent,
			status_code, response_time_ms, country_code, is_blocked, is_suspicious,
			rules_triggered, block_reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := s.db.ExecContext(ctx, query,
		req.ID, req.Timestamp, req.Method, req.URL, req.Path, req.QueryString,
		req.ClientIP, req.UserAgent, req.StatusCode, req.ResponseTimeMS,
		req.CountryCode, req.IsBlocked, req.IsSuspicious, req.RulesTriggered,
		req.BlockReason)
	if err != nil {
		return fmt.Errorf("inserting request: %w", err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id uuid.UUID) (*models.RequestRecord, error) {
	var req models.RequestRecord
	err := s.db.GetContext(ctx, &req, `SELECT * FROM requests WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting request: %w", err)
	}
	return &req, nil
}

func (s *Store) ListRequests(ctx context.Context, clientIP string, limit int) ([]models.RequestRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		reqs []models.RequestRecord
		err  error
	)
	if clientIP != "" {
		err = s.db.SelectContext(ctx, &reqs,
			`SELECT * FROM requests WHERE client_ip = $1 ORDER BY timestamp DESC LIMIT $2`,
			clientIP, limit)
	} else {
		err = s.db.SelectContext(ctx, &reqs,
			`SELECT * FROM requests ORDER BY timestamp DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}
	return reqs, nil
}

// SaveDetection records an OWASP rule hit for a request.
func (s *Store) SaveDetection(ctx context.Context, d *models.OwaspDetection) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}

	query := `
		INSERT INTO owasp_detections (id, request_id, timestamp, category, owasp_code, severity, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.RequestID, d.Timestamp, d.Category, d.OwaspCode, d.Severity, d.Confidence)
	if err != nil {
		return fmt.Errorf("inserting detection: %w", err)
	}
	return nil
}

func (s *Store) GetDetections(ctx context.Context, requestID uuid.UUID) ([]models.OwaspDetection, error) {
	var detections []models.OwaspDetection
	err := s.db.SelectContext(ctx, &detections,
		`SELECT * FROM owasp_detections WHERE request_id = $1 ORDER BY timestamp`, requestID)
	if err != nil {
		return nil, fmt.Errorf("getting detections: %w", err)
	}
	return detections, nil
}

func (s *Store) GetLatestPrediction(ctx context.Context, requestID uuid.UUID) (*models.MLPrediction, error) {
	var p models.MLPrediction
	err := s.db.GetContext(ctx, &p,
		`SELECT * FROM ml_predictions WHERE request_id = $1 ORDER BY predicted_at DESC LIMIT 1`,
		requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting prediction: %w", err)
	}
	return &p, nil
}

func (s *Store) SavePrediction(ctx context.Context, p *models.MLPrediction) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.PredictedAt.IsZero() {
		p.PredictedAt = time.Now()
	}

	query := `
		INSERT INTO ml_predictions (id, request_id, predicted_at, anomaly_score, is_anomaly, attack_type, attack_probability, model_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.RequestID, p.PredictedAt, p.AnomalyScore, p.IsAnomaly,
		p.AttackType, p.AttackProbability, p.ModelVersion)
	if err != nil {
		return fmt.Errorf("inserting prediction: %w", err)
	}
	return nil
}

// GetBehavioral aggregates an IP's request behavior over the window.
// BlockedRatio comes from the reputation record, not from here.
func (s *Store) GetBehavioral(ctx context.Context, ip string, window time.Duration) (*risk.BehavioralFeatures, error) {
	since := time.Now().Add(-window)
	minutes := window.Minutes()
	if minutes < 1 {
		minutes = 1
	}

	var row struct {
		Total        int `db:"total"`
		FailedLogins int `db:"failed_logins"`
		ErrorCount   int `db:"error_count"`
	}
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status_code IN (401, 403)) AS failed_logins,
			COUNT(*) FILTER (WHERE status_code >= 400) AS error_count
		FROM requests
		WHERE client_ip = $1 AND timestamp > $2
	`
	if err := s.db.GetContext(ctx, &row, query, ip, since); err != nil {
		return nil, fmt.Errorf("aggregating behavior: %w", err)
	}

	features := &risk.BehavioralFeatures{
		RequestRate:  float64(row.Total) / minutes,
		FailedLogins: row.FailedLogins,
	}
	if row.Total > 0 {
		features.ErrorRate = float64(row.ErrorCount) / float64(row.Total)
	}
	return features, nil
}
