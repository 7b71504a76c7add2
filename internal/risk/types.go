package risk

import (
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/config"
	"github.com/sentinelsoc/soar/internal/models"
)

// Level is the discretized bucket derived from a continuous risk score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Factor records one signal family's weighted contribution to the total
// score, in the order the scorer considered it.
type Factor struct {
	Signal       string  `json:"signal"`
	Raw          float64 `json:"raw"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}

// Assessment is the immutable result of scoring one request.
type Assessment struct {
	ID                uuid.UUID              `json:"id" db:"id"`
	RequestID         uuid.UUID              `json:"request_id" db:"request_id"`
	AssessedAt        time.Time              `json:"assessed_at" db:"assessed_at"`
	RiskScore         float64                `json:"risk_score" db:"risk_score"`
	RiskLevel         Level                  `json:"risk_level" db:"risk_level"`
	MLWeight          float64                `json:"ml_weight" db:"ml_weight"`
	OwaspWeight       float64                `json:"owasp_weight" db:"owasp_weight"`
	BehavioralWeight  float64                `json:"behavioral_weight" db:"behavioral_weight"`
	GeoWeight         float64                `json:"geo_weight" db:"geo_weight"`
	RecommendedAction string                 `json:"recommended_action" db:"recommended_action"`
	AutomationLevel   config.AutomationLevel `json:"automation_level" db:"automation_level"`
	Factors           []Factor               `json:"contributing_factors"`
	Explanation       string                 `json:"explanation" db:"explanation"`
}

// BehavioralFeatures describe an IP's recent request behavior.
type BehavioralFeatures struct {
	RequestRate  float64 `json:"request_rate"`
	FailedLogins int     `json:"failed_logins"`
	ErrorRate    float64 `json:"error_rate"`
	BlockedRatio float64 `json:"blocked_ratio"`
}

// GeoFlags are the geography-derived risk indicators for a request.
type GeoFlags struct {
	Country       string `json:"country"`
	VPN           bool   `json:"vpn"`
	Tor           bool   `json:"tor"`
	Hosting       bool   `json:"hosting"`
	CountryChange bool   `json:"country_change"`
}

// Signals is the per-request input bundle read from the signal store. A nil
// family means that collaborator produced nothing for this request.
type Signals struct {
	RequestID  uuid.UUID
	ClientIP   string
	Detections []models.OwaspDetection
	ML         *models.MLPrediction
	Behavioral *BehavioralFeatures
	Geo        *GeoFlags
}
