package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/sentinelsoc/soar/internal/config"
	"github.com/sentinelsoc/soar/internal/incident"
	"github.com/sentinelsoc/soar/internal/plans"
)

// PlanDispatcher requests a remediation plan when an incident resolves.
// When the external plan service is enabled the request goes over HTTP;
// otherwise the local template engine generates the plan. Requests run in
// the background so incident resolution never blocks on plan generation.
type PlanDispatcher struct {
	cfg      config.PlanServiceConfig
	local    *plans.Service
	notifier *Service
	client   *http.Client
	logger   *slog.Logger
}

func NewPlanDispatcher(cfg config.PlanServiceConfig, local *plans.Service, notifier *Service, logger *slog.Logger) *PlanDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlanDispatcher{
		cfg:      cfg,
		local:    local,
		notifier: notifier,
		client:   &http.Client{Timeout: cfg.Timeout},
		logger:   logger,
	}
}

type planRequest struct {
	IncidentID string `json:"incident_id"`
	AttackType string `json:"attack_type"`
	Severity   string `json:"severity"`
	SourceIP   string `json:"source_ip"`
}

// RequestPlan satisfies incident.PlanRequester.
func (d *PlanDispatcher) RequestPlan(_ context.Context, inc *incident.Incident) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
		defer cancel()

		var err error
		if d.cfg.Enabled && d.cfg.URL != "" {
			err = d.requestRemote(ctx, inc)
		} else {
			err = d.generateLocal(ctx, inc)
		}
		if err != nil {
			d.logger.Error("plan generation failed",
				"incident_id", inc.ID, "attack_type", inc.IncidentType, "error", err)
			return
		}

		if d.notifier != nil {
			d.notifier.Send(ctx, &Notification{
				Type:     EventIncidentResolved,
				Title:    "Remediation plan ready",
				Message:  fmt.Sprintf("Incident %s resolved, plan generated for %s", inc.ID, inc.IncidentType),
				Severity: inc.Severity,
				Fields: map[string]string{
					"Source IP":   inc.SourceIP,
					"Attack Type": inc.IncidentType,
				},
			})
		}
	}()
}

func (d *PlanDispatcher) requestRemote(ctx context.Context, inc *incident.Incident) error {
	body, err := json.Marshal(planRequest{
		IncidentID: inc.ID.String(),
		AttackType: inc.IncidentType,
		Severity:   string(inc.Severity),
		SourceIP:   inc.SourceIP,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("calling plan service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("plan service returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *PlanDispatcher) generateLocal(ctx context.Context, inc *incident.Incident) error {
	id := inc.ID
	_, err := d.local.Generate(ctx, &id, inc.IncidentType)
	return err
}

var _ incident.PlanRequester = (*PlanDispatcher)(nil)
