package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Weight returns the normalized [0,1] contribution of a detection severity.
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 1.0
	case SeverityHigh:
		return 0.8
	case SeverityMedium:
		return 0.5
	default:
		return 0.3
	}
}

// RequestRecord is a normalized web request as reported by the WAF collaborator.
// It is the anchor every risk assessment references.
type RequestRecord struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	Timestamp      time.Time   `json:"timestamp" db:"timestamp"`
	Method         string      `json:"method" db:"method"`
	URL            string      `json:"url" db:"url"`
	Path           string      `json:"path" db:"path"`
	QueryString    string      `json:"query_string" db:"query_string"`
	ClientIP       string      `json:"client_ip" db:"client_ip"`
	UserAgent      string      `json:"user_agent" db:"user_agent"`
	StatusCode     *int        `json:"status_code,omitempty" db:"status_code"`
	ResponseTimeMS *float64    `json:"response_time_ms,omitempty" db:"response_time_ms"`
	CountryCode    string      `json:"country_code,omitempty" db:"country_code"`
	IsBlocked      bool        `json:"is_blocked" db:"is_blocked"`
	IsSuspicious   bool        `json:"is_suspicious" db:"is_suspicious"`
	RulesTriggered StringArray `json:"rules_triggered" db:"rules_triggered"`
	BlockReason    string      `json:"block_reason,omitempty" db:"block_reason"`
}

// OwaspDetection is a single rule hit produced by the detection collaborator.
type OwaspDetection struct {
	ID         uuid.UUID `json:"id" db:"id"`
	RequestID  uuid.UUID `json:"request_id" db:"request_id"`
	Timestamp  time.Time `json:"timestamp" db:"timestamp"`
	Category   string    `json:"category" db:"category"`
	OwaspCode  string    `json:"owasp_code" db:"owasp_code"`
	Severity   Severity  `json:"severity" db:"severity"`
	Confidence float64   `json:"confidence" db:"confidence"`
}

// MLPrediction is the ML scoring oracle's verdict for one request.
type MLPrediction struct {
	ID                uuid.UUID `json:"id" db:"id"`
	RequestID         uuid.UUID `json:"request_id" db:"request_id"`
	PredictedAt       time.Time `json:"predicted_at" db:"predicted_at"`
	AnomalyScore      float64   `json:"anomaly_score" db:"anomaly_score"`
	IsAnomaly         bool      `json:"is_anomaly" db:"is_anomaly"`
	AttackType        string    `json:"attack_type" db:"attack_type"`
	AttackProbability float64   `json:"attack_probability" db:"attack_probability"`
	ModelVersion      string    `json:"model_version" db:"model_version"`
}

// JSONB handles PostgreSQL jsonb columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	b, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(b, j)
}
