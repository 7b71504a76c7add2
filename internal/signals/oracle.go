package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/models"
)

// HTTPOracle calls the external ML scoring service. Every call carries the
// configured deadline; exceeding it is reported as an error so a timeout is
// never mistaken for a benign verdict.
type HTTPOracle struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

func NewHTTPOracle(url string, timeout time.Duration) *HTTPOracle {
	return &HTTPOracle{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

type predictRequest struct {
	RequestID   string `json:"request_id"`
	Method      string `json:"method"`
	URL         string `json:"url"`
	Path        string `json:"path"`
	QueryString string `json:"query_string"`
	ClientIP    string `json:"client_ip"`
	UserAgent   string `json:"user_agent"`
}

type predictResponse struct {
	AnomalyScore      float64 `json:"anomaly_score"`
	IsAnomaly         bool    `json:"is_anomaly"`
	AttackType        string  `json:"attack_type"`
	AttackProbability float64 `json:"attack_probability"`
	ModelVersion      string  `json:"model_version"`
}

func (o *HTTPOracle) Predict(ctx context.Context, req *models.RequestRecord) (*models.MLPrediction, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	body, err := json.Marshal(predictRequest{
		RequestID:   req.ID.String(),
		Method:      req.Method,
		URL:         req.URL,
		Path:        req.Path,
		QueryString: req.QueryString,
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding predict request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url+"/api/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building predict request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling ml oracle: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ml oracle returned status %d", resp.StatusCode)
	}

	var pr predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decoding predict response: %w", err)
	}

	return &models.MLPrediction{
		ID:                uuid.New(),
		RequestID:         req.ID,
		PredictedAt:       time.Now(),
		AnomalyScore:      pr.AnomalyScore,
		IsAnomaly:         pr.IsAnomaly,
		AttackType:        pr.AttackType,
		AttackProbability: pr.AttackProbability,
		ModelVersion:      pr.ModelVersion,
	}, nil
}
