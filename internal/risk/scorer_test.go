package risk

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/config"
	"github.com/sentinelsoc/soar/internal/models"
)

func defaultScorer() *Scorer {
	return NewScorer(
		config.SignalWeights{ML: 0.4, Owasp: 0.3, Behavioral: 0.2, Geo: 0.1},
		config.RiskLevelThresholds{Critical: 0.9, High: 0.7, Medium: 0.4},
	)
}

func TestScorer_AllFamiliesPresent(t *testing.T) {
	s := defaultScorer()

	sig := Signals{
		RequestID: uuid.New(),
		ClientIP:  "203.0.113.7",
		ML: &models.MLPrediction{
			AnomalyScore:      0.8,
			IsAnomaly:         true,
			AttackType:        "SQL_INJECTION",
			AttackProbability: 0.9,
		},
		Detections: []models.OwaspDetection{
			{Category: "SQL_INJECTION", Severity: models.SeverityCritical, Confidence: 0.95},
		},
		Behavioral: &BehavioralFeatures{
			RequestRate:  30,
			FailedLogins: 5,
			ErrorRate:    0.6,
			BlockedRatio: 0.5,
		},
		Geo: &GeoFlags{Country: "XX", Tor: true},
	}

	a, err := s.Score(sig)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	// ml = 0.8*0.6 + 0.9*0.4 = 0.84; owasp = 1.0*0.95 = 0.95;
	// behavioral = 1.0*0.4 + 0.5*0.3 + 0.6*0.2 + 0.5*0.1 = 0.72; geo = 0.5.
	// total = 0.84*0.4 + 0.95*0.3 + 0.72*0.2 + 0.5*0.1 = 0.815.
	if math.Abs(a.RiskScore-0.815) > 1e-9 {
		t.Errorf("risk score = %v, want 0.815", a.RiskScore)
	}
	if a.RiskLevel != LevelHigh {
		t.Errorf("risk level = %v, want HIGH", a.RiskLevel)
	}
	if len(a.Factors) != 4 {
		t.Fatalf("factors = %d, want 4", len(a.Factors))
	}

	var sum float64
	for _, f := range a.Factors {
		sum += f.Contribution
	}
	if math.Abs(sum-a.RiskScore) > 1e-9 {
		t.Errorf("contributions sum to %v, score is %v", sum, a.RiskScore)
	}
}

func TestScorer_RenormalizesMissingFamilies(t *testing.T) {
	s := defaultScorer()

	// Only ML and OWASP present: weights renormalize over 0.7.
	sig := Signals{
		RequestID: uuid.New(),
		ML: &models.MLPrediction{
			AnomalyScore:      1.0,
			AttackProbability: 1.0,
		},
		Detections: []models.OwaspDetection{
			{Severity: models.SeverityCritical, Confidence: 1.0},
		},
	}

	a, err := s.Score(sig)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	// Both families saturate at 1.0, so a full score means the effective
	// weights summed to 1 after renormalization.
	if math.Abs(a.RiskScore-1.0) > 1e-9 {
		t.Errorf("risk score = %v, want 1.0", a.RiskScore)
	}

	var weightSum float64
	for _, f := range a.Factors {
		weightSum += f.Weight
	}
	if math.Abs(weightSum-1.0) > 1e-9 {
		t.Errorf("effective weights sum to %v, want 1.0", weightSum)
	}
}

func TestScorer_SingleFamily(t *testing.T) {
	s := defaultScorer()

	sig := Signals{
		RequestID: uuid.New(),
		Geo:       &GeoFlags{Tor: true, VPN: true}, // raw 0.85
	}

	a, err := s.Score(sig)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	// Geo alone carries full weight.
	if math.Abs(a.RiskScore-0.85) > 1e-9 {
		t.Errorf("risk score = %v, want 0.85", a.RiskScore)
	}
	if a.RiskLevel != LevelHigh {
		t.Errorf("risk level = %v, want HIGH", a.RiskLevel)
	}
}

func TestBehavioralScore_RequestRateRaisesScore(t *testing.T) {
	tests := []struct {
		name string
		b    BehavioralFeatures
		want float64
	}{
		{"idle source", BehavioralFeatures{}, 0},
		{"half rate", BehavioralFeatures{RequestRate: 30}, 0.05},
		{"full rate", BehavioralFeatures{RequestRate: 60}, 0.1},
		{"rate saturates", BehavioralFeatures{RequestRate: 600}, 0.1},
		{
			"rate on top of other traffic features",
			BehavioralFeatures{RequestRate: 60, FailedLogins: 10, ErrorRate: 1, BlockedRatio: 0.5},
			1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.b
			if got := behavioralScore(Signals{Behavioral: &b}); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("behavioralScore = %v, want %v", got, tt.want)
			}
		})
	}
}

// A weighted total landing exactly on 0.67 stays MEDIUM; the HIGH band
// starts at 0.7.
func TestScorer_MediumBoundaryScore(t *testing.T) {
	s := defaultScorer()

	sig := Signals{
		RequestID: uuid.New(),
		ClientIP:  "203.0.113.9",
		ML: &models.MLPrediction{
			AnomalyScore:      0.9,
			AttackProbability: 0.9,
		},
		Detections: []models.OwaspDetection{
			{Category: "XSS", Severity: models.SeverityHigh, Confidence: 1.0},
		},
		Behavioral: &BehavioralFeatures{BlockedRatio: 0.25},
		Geo:        &GeoFlags{Country: "XX", CountryChange: true},
	}

	a, err := s.Score(sig)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	// ml = 0.9; owasp = 0.8; behavioral = 0.5*0.4 = 0.2; geo = 0.3.
	// total = 0.9*0.4 + 0.8*0.3 + 0.2*0.2 + 0.3*0.1 = 0.67.
	if math.Abs(a.RiskScore-0.67) > 1e-9 {
		t.Errorf("risk score = %v, want 0.67", a.RiskScore)
	}
	if a.RiskLevel != LevelMedium {
		t.Errorf("risk level = %v, want MEDIUM", a.RiskLevel)
	}
}

func TestScorer_InsufficientSignal(t *testing.T) {
	s := defaultScorer()

	_, err := s.Score(Signals{RequestID: uuid.New()})
	if !errors.Is(err, ErrInsufficientSignal) {
		t.Fatalf("err = %v, want ErrInsufficientSignal", err)
	}
}

func TestScorer_LevelFor(t *testing.T) {
	s := defaultScorer()

	tests := []struct {
		score float64
		want  Level
	}{
		{0.0, LevelLow},
		{0.39, LevelLow},
		{0.4, LevelMedium},
		{0.67, LevelMedium},
		{0.7, LevelHigh},
		{0.89, LevelHigh},
		{0.9, LevelCritical},
		{1.0, LevelCritical},
	}

	for _, tt := range tests {
		if got := s.LevelFor(tt.score); got != tt.want {
			t.Errorf("LevelFor(%v) = %v, want %v", tt.score, got, tt.want)
		}
	}
}

func TestOwaspScore_TakesStrongestDetection(t *testing.T) {
	sig := Signals{
		Detections: []models.OwaspDetection{
			{Severity: models.SeverityLow, Confidence: 1.0},      // 0.3
			{Severity: models.SeverityHigh, Confidence: 0.5},     // 0.4
			{Severity: models.SeverityMedium, Confidence: 0.9},   // 0.45
			{Severity: models.SeverityCritical, Confidence: 0.4}, // 0.4
		},
	}
	if got := owaspScore(sig); math.Abs(got-0.45) > 1e-9 {
		t.Errorf("owaspScore = %v, want 0.45", got)
	}
}

func TestOwaspScore_ZeroConfidenceDefaultsToFull(t *testing.T) {
	sig := Signals{
		Detections: []models.OwaspDetection{
			{Severity: models.SeverityHigh, Confidence: 0},
		},
	}
	if got := owaspScore(sig); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("owaspScore = %v, want 0.8", got)
	}
}

func TestScorer_Deterministic(t *testing.T) {
	s := defaultScorer()
	sig := Signals{
		RequestID:  uuid.New(),
		ML:         &models.MLPrediction{AnomalyScore: 0.42, AttackProbability: 0.3},
		Behavioral: &BehavioralFeatures{FailedLogins: 3, ErrorRate: 0.1},
	}

	first, err := s.Score(sig)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	second, err := s.Score(sig)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if first.RiskScore != second.RiskScore || first.RiskLevel != second.RiskLevel {
		t.Errorf("same signals scored differently: %v/%v vs %v/%v",
			first.RiskScore, first.RiskLevel, second.RiskScore, second.RiskLevel)
	}
}
