// Package reputation maintains the per-IP aggregate counters and trust
// level that feed back into risk scoring for subsequent requests.
package reputation

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TrustLevel is the discretized reputation bucket for an IP address.
type TrustLevel string

const (
	TrustTrusted    TrustLevel = "TRUSTED"
	TrustNeutral    TrustLevel = "NEUTRAL"
	TrustSuspicious TrustLevel = "SUSPICIOUS"
	TrustMalicious  TrustLevel = "MALICIOUS"
)

// TrustLevelFor maps a reputation score (1 = trustworthy) to its bucket.
func TrustLevelFor(score float64) TrustLevel {
	switch {
	case score >= 0.8:
		return TrustTrusted
	case score >= 0.5:
		return TrustNeutral
	case score >= 0.25:
		return TrustSuspicious
	default:
		return TrustMalicious
	}
}

// Record is the running reputation state for one IP.
type Record struct {
	IPAddress          string     `json:"ip_address" db:"ip_address"`
	FirstSeen          time.Time  `json:"first_seen" db:"first_seen"`
	LastSeen           time.Time  `json:"last_seen" db:"last_seen"`
	LastCountry        string     `json:"last_country,omitempty" db:"last_country"`
	TotalRequests      int        `json:"total_requests" db:"total_requests"`
	BlockedRequests    int        `json:"blocked_requests" db:"blocked_requests"`
	SuspiciousRequests int        `json:"suspicious_requests" db:"suspicious_requests"`
	ReputationScore    float64    `json:"reputation_score" db:"reputation_score"`
	TrustLevel         TrustLevel `json:"trust_level" db:"trust_level"`
	IsWhitelisted      bool       `json:"is_whitelisted" db:"is_whitelisted"`
	IsBlacklisted      bool       `json:"is_blacklisted" db:"is_blacklisted"`
	BlacklistReason    string     `json:"blacklist_reason,omitempty" db:"blacklist_reason"`
	BlacklistExpiresAt *time.Time `json:"blacklist_expires_at,omitempty" db:"blacklist_expires_at"`
}

// BlockedRatio is the fraction of this IP's requests that were blocked.
func (r *Record) BlockedRatio() float64 {
	if r.TotalRequests == 0 {
		return 0
	}
	return float64(r.BlockedRequests) / float64(r.TotalRequests)
}

// Event is one ingested request's outcome for an IP.
type Event struct {
	IP         string
	Blocked    bool
	Suspicious bool
	Country    string
	At         time.Time
}

// Outcome converts the event to a trustworthiness observation in [0,1].
func (e Event) Outcome() float64 {
	switch {
	case e.Blocked:
		return 0.0
	case e.Suspicious:
		return 0.3
	default:
		return 1.0
	}
}

// Store applies events as a single atomic, counter-additive upsert so
// concurrent increments for the same IP never lose updates.
type Store interface {
	ApplyEvent(ctx context.Context, ev Event, alpha float64) (*Record, error)
	GetRecord(ctx context.Context, ip string) (*Record, error)
}

// DefaultAlpha weights the current event against the historical score in
// the exponentially-weighted blend. Recent blocks move the score faster
// than a long clean history rebuilds it.
const DefaultAlpha = 0.15

const maxUpsertAttempts = 3

// Service is the reputation updater.
type Service struct {
	store  Store
	alpha  float64
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, alpha: DefaultAlpha, logger: logger}
}

// Update folds one request outcome into the IP's record. Transient storage
// contention is retried here and never surfaced to the ingestion path.
func (s *Service) Update(ctx context.Context, ev Event) (*Record, error) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	var lastErr error
	for attempt := 1; attempt <= maxUpsertAttempts; attempt++ {
		rec, err := s.store.ApplyEvent(ctx, ev, s.alpha)
		if err == nil {
			return rec, nil
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		s.logger.Debug("reputation upsert conflict, retrying",
			"ip", ev.IP, "attempt", attempt, "error", err)
	}
	return nil, fmt.Errorf("updating reputation for %s: %w", ev.IP, lastErr)
}

func (s *Service) Get(ctx context.Context, ip string) (*Record, error) {
	return s.store.GetRecord(ctx, ip)
}

// Blend computes the exponentially-weighted reputation update.
func Blend(previous, outcome, alpha float64) float64 {
	v := alpha*outcome + (1-alpha)*previous
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
