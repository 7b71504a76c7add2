package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/config"
)

// ErrInsufficientSignal is returned when every signal family is missing and
// no assessment can be produced.
var ErrInsufficientSignal = errors.New("insufficient signal: no scoring input available")

// Scorer combines heterogeneous detection signals into one weighted risk
// score. Scoring is pure: the same signal bundle always yields the same
// assessment, so assessments are reproducible from logged inputs.
type Scorer struct {
	weights    config.SignalWeights
	thresholds config.RiskLevelThresholds
}

func NewScorer(weights config.SignalWeights, thresholds config.RiskLevelThresholds) *Scorer {
	return &Scorer{weights: weights, thresholds: thresholds}
}

// Score normalizes each present signal family to [0,1], renormalizes the
// configured weights over the present families so they still sum to 1, and
// returns the weighted total with per-family contributions.
func (s *Scorer) Score(sig Signals) (*Assessment, error) {
	type family struct {
		name    string
		weight  float64
		present bool
		raw     float64
	}

	families := []family{
		{name: "ml", weight: s.weights.ML, present: sig.ML != nil, raw: mlScore(sig)},
		{name: "owasp", weight: s.weights.Owasp, present: len(sig.Detections) > 0, raw: owaspScore(sig)},
		{name: "behavioral", weight: s.weights.Behavioral, present: sig.Behavioral != nil, raw: behavioralScore(sig)},
		{name: "geo", weight: s.weights.Geo, present: sig.Geo != nil, raw: geoScore(sig)},
	}

	var available float64
	for _, f := range families {
		if f.present {
			available += f.weight
		}
	}
	if available == 0 {
		return nil, ErrInsufficientSignal
	}

	var total float64
	factors := make([]Factor, 0, len(families))
	for _, f := range families {
		if !f.present {
			continue
		}
		// Missing families renormalize the remaining weights to sum 1.
		effective := f.weight / available
		contribution := f.raw * effective
		total += contribution
		factors = append(factors, Factor{
			Signal:       f.name,
			Raw:          f.raw,
			Weight:       effective,
			Contribution: contribution,
		})
	}

	total = clamp(total)
	level := s.LevelFor(total)

	a := &Assessment{
		ID:               uuid.New(),
		RequestID:        sig.RequestID,
		AssessedAt:       time.Now(),
		RiskScore:        total,
		RiskLevel:        level,
		MLWeight:         s.weights.ML,
		OwaspWeight:      s.weights.Owasp,
		BehavioralWeight: s.weights.Behavioral,
		GeoWeight:        s.weights.Geo,
		Factors:          factors,
		Explanation:      explain(total, level, factors),
	}
	return a, nil
}

// LevelFor maps a risk score to its configured bucket.
func (s *Scorer) LevelFor(score float64) Level {
	switch {
	case score >= s.thresholds.Critical:
		return LevelCritical
	case score >= s.thresholds.High:
		return LevelHigh
	case score >= s.thresholds.Medium:
		return LevelMedium
	default:
		return LevelLow
	}
}

// mlScore blends the anomaly score with the attack classification
// probability, favoring the anomaly detector.
func mlScore(sig Signals) float64 {
	if sig.ML == nil {
		return 0
	}
	return clamp(sig.ML.AnomalyScore*0.6 + sig.ML.AttackProbability*0.4)
}

// owaspScore takes the strongest detection, scaled by its confidence.
func owaspScore(sig Signals) float64 {
	var max float64
	for _, d := range sig.Detections {
		conf := d.Confidence
		if conf == 0 {
			conf = 1
		}
		if v := d.Severity.Weight() * conf; v > max {
			max = v
		}
	}
	return clamp(max)
}

// behavioralScore folds the per-source traffic profile into one number.
// Request rate saturates at 60 req/min; one sustained request per second
// from a single source is treated as fully anomalous.
func behavioralScore(sig Signals) float64 {
	if sig.Behavioral == nil {
		return 0
	}
	b := sig.Behavioral
	blocked := clamp(b.BlockedRatio * 2)
	logins := clamp(float64(b.FailedLogins) / 10)
	errors := clamp(b.ErrorRate)
	rate := clamp(b.RequestRate / 60)
	return clamp(blocked*0.4 + logins*0.3 + errors*0.2 + rate*0.1)
}

func geoScore(sig Signals) float64 {
	if sig.Geo == nil {
		return 0
	}
	var v float64
	if sig.Geo.Tor {
		v += 0.5
	}
	if sig.Geo.VPN {
		v += 0.35
	}
	if sig.Geo.Hosting {
		v += 0.25
	}
	if sig.Geo.CountryChange {
		v += 0.3
	}
	return clamp(v)
}

func explain(score float64, level Level, factors []Factor) string {
	dominant := ""
	var top float64
	for _, f := range factors {
		if f.Contribution >= top {
			top = f.Contribution
			dominant = f.Signal
		}
	}
	return fmt.Sprintf("risk %.2f (%s), dominant signal: %s (%.2f)", score, level, dominant, top)
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
