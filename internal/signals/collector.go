// Package signals assembles the per-request input bundle the risk scorer
// consumes: detection output, ML prediction, behavioral features, geography
// flags, and a point-in-time reputation snapshot.
package signals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/models"
	"github.com/sentinelsoc/soar/internal/reputation"
	"github.com/sentinelsoc/soar/internal/risk"
)

// ErrRequestNotFound is returned when the originating request is unknown.
var ErrRequestNotFound = errors.New("request not found")

// Store reads the persisted signal families for a request.
type Store interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*models.RequestRecord, error)
	GetDetections(ctx context.Context, requestID uuid.UUID) ([]models.OwaspDetection, error)
	GetLatestPrediction(ctx context.Context, requestID uuid.UUID) (*models.MLPrediction, error)
	SavePrediction(ctx context.Context, p *models.MLPrediction) error
	GetBehavioral(ctx context.Context, ip string, window time.Duration) (*risk.BehavioralFeatures, error)
}

// Oracle is the ML scoring collaborator. Implementations must honor the
// context deadline; a timeout is a missing signal, never a silent success.
type Oracle interface {
	Predict(ctx context.Context, req *models.RequestRecord) (*models.MLPrediction, error)
}

const behavioralWindow = 10 * time.Minute

// Collector reads signal families and snapshots reputation state at
// assessment start, so an assessment is reproducible from its logged
// inputs even while the reputation feedback loop keeps moving.
type Collector struct {
	store      Store
	reputation *reputation.Service
	oracle     Oracle
	enricher   *GeoEnricher
	logger     *slog.Logger
}

func NewCollector(store Store, rep *reputation.Service, oracle Oracle, enricher *GeoEnricher, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:      store,
		reputation: rep,
		oracle:     oracle,
		enricher:   enricher,
		logger:     logger,
	}
}

// Collect gathers every available signal family for the request. A family
// whose collaborator fails is reported missing and degrades only this
// request's assessment, never the pipeline.
func (c *Collector) Collect(ctx context.Context, requestID uuid.UUID) (risk.Signals, error) {
	req, err := c.store.GetRequest(ctx, requestID)
	if err != nil {
		return risk.Signals{}, fmt.Errorf("loading request: %w", err)
	}
	if req == nil {
		return risk.Signals{}, ErrRequestNotFound
	}

	sig := risk.Signals{RequestID: requestID, ClientIP: req.ClientIP}

	detections, err := c.store.GetDetections(ctx, requestID)
	if err != nil {
		c.logger.Warn("detection signals unavailable", "request_id", requestID, "error", err)
	} else {
		sig.Detections = detections
	}

	sig.ML = c.prediction(ctx, req)

	rep, err := c.reputation.Get(ctx, req.ClientIP)
	if err != nil {
		c.logger.Warn("reputation snapshot unavailable", "ip", req.ClientIP, "error", err)
	}

	if behavioral, err := c.store.GetBehavioral(ctx, req.ClientIP, behavioralWindow); err != nil {
		c.logger.Warn("behavioral signals unavailable", "ip", req.ClientIP, "error", err)
	} else if behavioral != nil {
		if rep != nil {
			behavioral.BlockedRatio = rep.BlockedRatio()
		}
		sig.Behavioral = behavioral
	}

	sig.Geo = c.geo(req, rep)

	return sig, nil
}

// prediction prefers the stored verdict; absent one it consults the oracle
// within its deadline and persists the result for replay.
func (c *Collector) prediction(ctx context.Context, req *models.RequestRecord) *models.MLPrediction {
	stored, err := c.store.GetLatestPrediction(ctx, req.ID)
	if err != nil {
		c.logger.Warn("stored prediction unavailable", "request_id", req.ID, "error", err)
	}
	if stored != nil {
		return stored
	}
	if c.oracle == nil {
		return nil
	}

	pred, err := c.oracle.Predict(ctx, req)
	if err != nil {
		c.logger.Warn("ml oracle unavailable, scoring without ml signal",
			"request_id", req.ID, "error", err)
		return nil
	}
	if err := c.store.SavePrediction(ctx, pred); err != nil {
		c.logger.Warn("failed to persist prediction", "request_id", req.ID, "error", err)
	}
	return pred
}

func (c *Collector) geo(req *models.RequestRecord, rep *reputation.Record) *risk.GeoFlags {
	flags := &risk.GeoFlags{Country: req.CountryCode}

	if c.enricher != nil {
		c.enricher.Annotate(req.ClientIP, flags)
	}

	if rep != nil && rep.LastCountry != "" && flags.Country != "" && rep.LastCountry != flags.Country {
		flags.CountryChange = true
	}

	if flags.Country == "" && !flags.VPN && !flags.Tor && !flags.Hosting && !flags.CountryChange {
		return nil
	}
	return flags
}
