package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sentinelsoc/soar/internal/reputation"
)

// neutralScore seeds reputation for an IP seen for the first time.
const neutralScore = 0.5

// ApplyEvent folds one request outcome into the IP's reputation record in a
// single atomic statement. Counters are additive against the stored row and
// the score is blended in SQL, so concurrent updaters never lose writes.
func (s *Store) ApplyEvent(ctx context.Context, ev reputation.Event, alpha float64) (*reputation.Record, error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	blocked := 0
	if ev.Blocked {
		blocked = 1
	}
	suspicious := 0
	if ev.Suspicious {
		suspicious = 1
	}
	outcome := ev.Outcome()
	initial := clampScore((1-alpha)*neutralScore + alpha*outcome)

	query := `
		INSERT INTO ip_reputation (
			ip_address, first_seen, last_seen, last_country,
			total_requests, blocked_requests, suspicious_requests,
			reputation_score, trust_level
		) VALUES ($1, $2, $2, $3, 1, $4, $5, $6, trust_level_for($6))
		ON CONFLICT (ip_address) DO UPDATE SET
			last_seen = EXCLUDED.last_seen,
			last_country = CASE WHEN EXCLUDED.last_country <> '' THEN EXCLUDED.last_country ELSE ip_reputation.last_country END,
			total_requests = ip_reputation.total_requests + 1,
			blocked_requests = ip_reputation.blocked_requests + $4,
			suspicious_requests = ip_reputation.suspicious_requests + $5,
			reputation_score = LEAST(1.0, GREATEST(0.0, (1 - $7) * ip_reputation.reputation_score + $7 * $8)),
			trust_level = trust_level_for(LEAST(1.0, GREATEST(0.0, (1 - $7) * ip_reputation.reputation_score + $7 * $8)))
		RETURNING *
	`
	var rec reputation.Record
	err := s.db.GetContext(ctx, &rec, query,
		ev.IP, ev.At, ev.Country, blocked, suspicious, initial, alpha, outcome)
	if err != nil {
		return nil, fmt.Errorf("applying reputation event: %w", err)
	}
	return &rec, nil
}

func (s *Store) GetRecord(ctx context.Context, ip string) (*reputation.Record, error) {
	var rec reputation.Record
	err := s.db.GetContext(ctx, &rec, `SELECT * FROM ip_reputation WHERE ip_address = $1`, ip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting reputation: %w", err)
	}
	return &rec, nil
}

func (s *Store) ListWorstReputation(ctx context.Context, limit int) ([]reputation.Record, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []reputation.Record
	err := s.db.SelectContext(ctx, &recs,
		`SELECT * FROM ip_reputation ORDER BY reputation_score ASC, total_requests DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, fmt.Errorf("listing reputation: %w", err)
	}
	return recs, nil
}

// MarkBlacklisted flags the IP's reputation record as blacklisted, creating
// the record if the IP has never been seen.
func (s *Store) MarkBlacklisted(ctx context.Context, ip, reason string, expiresAt time.Time) error {
	now := time.Now()
	query := `
		INSERT INTO ip_reputation (
			ip_address, first_seen, last_seen,
			reputation_score, trust_level,
			is_blacklisted, blacklist_reason, blacklist_expires_at
		) VALUES ($1, $2, $2, $3, trust_level_for($3), TRUE, $4, $5)
		ON CONFLICT (ip_address) DO UPDATE SET
			is_blacklisted = TRUE,
			blacklist_reason = EXCLUDED.blacklist_reason,
			blacklist_expires_at = EXCLUDED.blacklist_expires_at
	`
	if _, err := s.db.ExecContext(ctx, query, ip, now, neutralScore, reason, expiresAt); err != nil {
		return fmt.Errorf("marking blacklisted: %w", err)
	}
	return nil
}

func (s *Store) ClearBlacklist(ctx context.Context, ip string) error {
	query := `
		UPDATE ip_reputation
		SET is_blacklisted = FALSE, blacklist_reason = '', blacklist_expires_at = NULL
		WHERE ip_address = $1
	`
	if _, err := s.db.ExecContext(ctx, query, ip); err != nil {
		return fmt.Errorf("clearing blacklist: %w", err)
	}
	return nil
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
