package signals

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/models"
	"github.com/sentinelsoc/soar/internal/reputation"
	"github.com/sentinelsoc/soar/internal/risk"
)

type fakeStore struct {
	requests      map[uuid.UUID]*models.RequestRecord
	detections    map[uuid.UUID][]models.OwaspDetection
	predictions   map[uuid.UUID]*models.MLPrediction
	behavioral    map[string]*risk.BehavioralFeatures
	saved         []*models.MLPrediction
	detectionsErr error
	predictionErr error
	behavioralErr error
}

func newSignalStore() *fakeStore {
	return &fakeStore{
		requests:    make(map[uuid.UUID]*models.RequestRecord),
		detections:  make(map[uuid.UUID][]models.OwaspDetection),
		predictions: make(map[uuid.UUID]*models.MLPrediction),
		behavioral:  make(map[string]*risk.BehavioralFeatures),
	}
}

func (f *fakeStore) GetRequest(_ context.Context, id uuid.UUID) (*models.RequestRecord, error) {
	return f.requests[id], nil
}

func (f *fakeStore) GetDetections(_ context.Context, requestID uuid.UUID) ([]models.OwaspDetection, error) {
	if f.detectionsErr != nil {
		return nil, f.detectionsErr
	}
	return f.detections[requestID], nil
}

func (f *fakeStore) GetLatestPrediction(_ context.Context, requestID uuid.UUID) (*models.MLPrediction, error) {
	if f.predictionErr != nil {
		return nil, f.predictionErr
	}
	return f.predictions[requestID], nil
}

func (f *fakeStore) SavePrediction(_ context.Context, p *models.MLPrediction) error {
	f.saved = append(f.saved, p)
	return nil
}

func (f *fakeStore) GetBehavioral(_ context.Context, ip string, _ time.Duration) (*risk.BehavioralFeatures, error) {
	if f.behavioralErr != nil {
		return nil, f.behavioralErr
	}
	return f.behavioral[ip], nil
}

type fakeRepStore struct {
	records map[string]*reputation.Record
}

func (f *fakeRepStore) ApplyEvent(_ context.Context, ev reputation.Event, alpha float64) (*reputation.Record, error) {
	return nil, errors.New("not used")
}

func (f *fakeRepStore) GetRecord(_ context.Context, ip string) (*reputation.Record, error) {
	return f.records[ip], nil
}

type fakeOracle struct {
	prediction *models.MLPrediction
	err        error
	calls      int
}

func (f *fakeOracle) Predict(_ context.Context, req *models.RequestRecord) (*models.MLPrediction, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	p := *f.prediction
	p.RequestID = req.ID
	return &p, nil
}

func newCollector(store *fakeStore, reps *fakeRepStore, oracle Oracle) *Collector {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rep := reputation.NewService(reps, logger)
	return NewCollector(store, rep, oracle, nil, logger)
}

func seedRequest(store *fakeStore, ip, country string) *models.RequestRecord {
	req := &models.RequestRecord{
		ID:          uuid.New(),
		Timestamp:   time.Now(),
		Method:      "GET",
		Path:        "/login",
		ClientIP:    ip,
		CountryCode: country,
	}
	store.requests[req.ID] = req
	return req
}

func TestCollect_UnknownRequest(t *testing.T) {
	c := newCollector(newSignalStore(), &fakeRepStore{}, nil)
	if _, err := c.Collect(context.Background(), uuid.New()); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("Collect() error = %v, want ErrRequestNotFound", err)
	}
}

func TestCollect_AllFamilies(t *testing.T) {
	store := newSignalStore()
	req := seedRequest(store, "203.0.113.70", "FR")

	store.detections[req.ID] = []models.OwaspDetection{
		{RequestID: req.ID, Category: "SQL_INJECTION", Severity: models.SeverityCritical, Confidence: 0.9},
	}
	store.predictions[req.ID] = &models.MLPrediction{
		RequestID: req.ID, AnomalyScore: 0.8, IsAnomaly: true, AttackType: "SQL_INJECTION",
	}
	store.behavioral["203.0.113.70"] = &risk.BehavioralFeatures{RequestRate: 12, FailedLogins: 3, ErrorRate: 0.4}

	reps := &fakeRepStore{records: map[string]*reputation.Record{
		"203.0.113.70": {IPAddress: "203.0.113.70", TotalRequests: 10, BlockedRequests: 4, LastCountry: "FR"},
	}}

	c := newCollector(store, reps, nil)
	sig, err := c.Collect(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	if sig.ClientIP != "203.0.113.70" {
		t.Errorf("ClientIP = %q", sig.ClientIP)
	}
	if len(sig.Detections) != 1 {
		t.Errorf("len(Detections) = %d, want 1", len(sig.Detections))
	}
	if sig.ML == nil || sig.ML.AnomalyScore != 0.8 {
		t.Errorf("ML = %+v, want stored prediction", sig.ML)
	}
	if sig.Behavioral == nil {
		t.Fatal("Behavioral signal missing")
	}
	if sig.Behavioral.BlockedRatio != 0.4 {
		t.Errorf("BlockedRatio = %v, want 0.4 from reputation snapshot", sig.Behavioral.BlockedRatio)
	}
	if sig.Geo == nil || sig.Geo.Country != "FR" {
		t.Errorf("Geo = %+v, want country FR", sig.Geo)
	}
	if sig.Geo.CountryChange {
		t.Error("CountryChange = true for a stable country")
	}
}

func TestCollect_FamilyFailureDegrades(t *testing.T) {
	store := newSignalStore()
	req := seedRequest(store, "203.0.113.71", "")
	store.detectionsErr = errors.New("timeout")
	store.behavioralErr = errors.New("timeout")
	store.predictionErr = errors.New("timeout")

	c := newCollector(store, &fakeRepStore{}, nil)
	sig, err := c.Collect(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Collect() error = %v, want degraded success", err)
	}
	if sig.Detections != nil || sig.ML != nil || sig.Behavioral != nil || sig.Geo != nil {
		t.Errorf("signals = %+v, want every family missing", sig)
	}
}

func TestCollect_StoredPredictionPreferred(t *testing.T) {
	store := newSignalStore()
	req := seedRequest(store, "203.0.113.72", "")
	store.predictions[req.ID] = &models.MLPrediction{RequestID: req.ID, AnomalyScore: 0.6}

	oracle := &fakeOracle{prediction: &models.MLPrediction{AnomalyScore: 0.99}}
	c := newCollector(store, &fakeRepStore{}, oracle)

	sig, err := c.Collect(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sig.ML == nil || sig.ML.AnomalyScore != 0.6 {
		t.Errorf("ML = %+v, want stored prediction", sig.ML)
	}
	if oracle.calls != 0 {
		t.Errorf("oracle consulted %d times despite stored prediction", oracle.calls)
	}
}

func TestCollect_OracleConsultedAndPersisted(t *testing.T) {
	store := newSignalStore()
	req := seedRequest(store, "203.0.113.73", "")

	oracle := &fakeOracle{prediction: &models.MLPrediction{AnomalyScore: 0.7, IsAnomaly: true}}
	c := newCollector(store, &fakeRepStore{}, oracle)

	sig, err := c.Collect(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sig.ML == nil || sig.ML.AnomalyScore != 0.7 {
		t.Errorf("ML = %+v, want oracle prediction", sig.ML)
	}
	if oracle.calls != 1 {
		t.Errorf("oracle calls = %d, want 1", oracle.calls)
	}
	if len(store.saved) != 1 {
		t.Errorf("saved predictions = %d, want 1", len(store.saved))
	}
}

func TestCollect_OracleFailureDropsMLSignal(t *testing.T) {
	store := newSignalStore()
	req := seedRequest(store, "203.0.113.74", "")

	oracle := &fakeOracle{err: errors.New("connection refused")}
	c := newCollector(store, &fakeRepStore{}, oracle)

	sig, err := c.Collect(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("Collect() error = %v, want degraded success", err)
	}
	if sig.ML != nil {
		t.Errorf("ML = %+v, want nil after oracle failure", sig.ML)
	}
}

func TestCollect_CountryChange(t *testing.T) {
	store := newSignalStore()
	req := seedRequest(store, "203.0.113.75", "DE")
	reps := &fakeRepStore{records: map[string]*reputation.Record{
		"203.0.113.75": {IPAddress: "203.0.113.75", LastCountry: "FR"},
	}}

	c := newCollector(store, reps, nil)
	sig, err := c.Collect(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Geo == nil || !sig.Geo.CountryChange {
		t.Errorf("Geo = %+v, want CountryChange set", sig.Geo)
	}
}

func TestCollect_NoGeoSignalWhenNothingKnown(t *testing.T) {
	store := newSignalStore()
	req := seedRequest(store, "203.0.113.76", "")

	c := newCollector(store, &fakeRepStore{}, nil)
	sig, err := c.Collect(context.Background(), req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Geo != nil {
		t.Errorf("Geo = %+v, want nil with no geography evidence", sig.Geo)
	}
}
