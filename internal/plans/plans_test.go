package plans

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
)

type fakeStore struct {
	plans []Plan
}

func (f *fakeStore) CreatePlan(_ context.Context, p *Plan) error {
	f.plans = append(f.plans, *p)
	return nil
}

func (f *fakeStore) ListPlans(_ context.Context, limit int) ([]Plan, error) {
	if len(f.plans) > limit {
		return f.plans[:limit], nil
	}
	return f.plans, nil
}

func (f *fakeStore) GetPlanByIncident(_ context.Context, incidentID uuid.UUID) (*Plan, error) {
	for i := len(f.plans) - 1; i >= 0; i-- {
		if f.plans[i].IncidentID != nil && *f.plans[i].IncidentID == incidentID {
			return &f.plans[i], nil
		}
	}
	return nil, nil
}

func newTestService() (*Service, *fakeStore) {
	store := &fakeStore{}
	return NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil))), store
}

func TestLookup(t *testing.T) {
	tests := []struct {
		name       string
		attackType string
		wantMitre  string
		wantHours  int
	}{
		{"exact key", "SQL_INJECTION", "T1190 - Exploit Public-Facing Application", 8},
		{"lowercase with spaces", "sql injection", "T1190 - Exploit Public-Facing Application", 8},
		{"attack type contains key", "SQL_INJECTION_UNION", "T1190 - Exploit Public-Facing Application", 8},
		{"key contains attack type", "XSS", "T1059.007 - JavaScript", 6},
		{"brute force", "BRUTE_FORCE", "T1110 - Brute Force", 3},
		{"command injection", "COMMAND_INJECTION", "T1059 - Command and Scripting Interpreter", 16},
		{"path traversal", "PATH_TRAVERSAL", "T1083 - File and Directory Discovery", 4},
		{"ssrf", "SSRF", "T1090.002 - External Proxy", 6},
		{"unknown falls back", "ANOMALOUS_TRAFFIC", "T1499 - Endpoint Denial of Service", 4},
		{"empty falls back", "", "T1499 - Endpoint Denial of Service", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := lookup(tt.attackType)
			if tpl.mitre != tt.wantMitre {
				t.Errorf("lookup(%q).mitre = %q, want %q", tt.attackType, tpl.mitre, tt.wantMitre)
			}
			if tpl.hours != tt.wantHours {
				t.Errorf("lookup(%q).hours = %d, want %d", tt.attackType, tpl.hours, tt.wantHours)
			}
		})
	}
}

func TestNumbered(t *testing.T) {
	got := numbered([]string{"first step", "second step", "third step"})
	want := "1. first step\n2. second step\n3. third step"
	if got != want {
		t.Errorf("numbered() = %q, want %q", got, want)
	}
	if numbered(nil) != "" {
		t.Errorf("numbered(nil) = %q, want empty", numbered(nil))
	}
}

func TestGenerate_PersistsPlan(t *testing.T) {
	svc, store := newTestService()
	incidentID := uuid.New()

	p, err := svc.Generate(context.Background(), &incidentID, "SQL_INJECTION")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if p.ID == uuid.Nil {
		t.Error("plan has no id")
	}
	if p.IncidentID == nil || *p.IncidentID != incidentID {
		t.Errorf("IncidentID = %v, want %s", p.IncidentID, incidentID)
	}
	if p.GeneratedBy != "TEMPLATE_ENGINE" {
		t.Errorf("GeneratedBy = %q", p.GeneratedBy)
	}
	if p.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", p.Confidence)
	}
	if !strings.HasPrefix(p.ImmediateActions, "1. ") {
		t.Errorf("ImmediateActions not numbered: %q", p.ImmediateActions)
	}
	if len(p.NISTControls) == 0 || len(p.ISO27001Controls) == 0 {
		t.Error("plan missing compliance references")
	}
	if len(store.plans) != 1 {
		t.Fatalf("store holds %d plans, want 1", len(store.plans))
	}

	stored, err := svc.ByIncident(context.Background(), incidentID)
	if err != nil {
		t.Fatalf("ByIncident() error = %v", err)
	}
	if stored == nil || stored.ID != p.ID {
		t.Errorf("ByIncident() = %v, want plan %s", stored, p.ID)
	}
}

func TestPreview_DoesNotPersist(t *testing.T) {
	svc, store := newTestService()

	p := svc.Preview("XSS")
	if p.MitreTechnique != "T1059.007 - JavaScript" {
		t.Errorf("MitreTechnique = %q", p.MitreTechnique)
	}
	if p.EstimatedHours != 6 {
		t.Errorf("EstimatedHours = %d, want 6", p.EstimatedHours)
	}
	if len(store.plans) != 0 {
		t.Errorf("Preview persisted %d plans, want 0", len(store.plans))
	}
}

func TestCatalog_EveryTemplateComplete(t *testing.T) {
	for name, tpl := range catalog {
		if len(tpl.immediate) == 0 || len(tpl.corrective) == 0 || len(tpl.preventive) == 0 {
			t.Errorf("%s: template missing step sections", name)
		}
		if tpl.mitre == "" {
			t.Errorf("%s: no MITRE technique", name)
		}
		if len(tpl.nist) == 0 || len(tpl.iso) == 0 {
			t.Errorf("%s: missing compliance controls", name)
		}
		if tpl.hours <= 0 {
			t.Errorf("%s: estimated hours = %d", name, tpl.hours)
		}
	}
}
