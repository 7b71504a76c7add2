package policy

import (
	"testing"
	"time"

	"github.com/sentinelsoc/soar/internal/config"
	"github.com/sentinelsoc/soar/internal/response"
	"github.com/sentinelsoc/soar/internal/risk"
)

func testConfig() config.SoarConfig {
	return config.SoarConfig{
		AutomationLevel:      config.AutomationSemiAuto,
		RiskThresholdBlock:   0.9,
		RiskThresholdCaptcha: 0.7,
		EnableAutoBlock:      true,
		RateLimitPerMinute:   100,
		BlockDuration:        60 * time.Minute,
	}
}

func TestEngine_DecisionTable(t *testing.T) {
	e := NewEngine(testConfig())

	tests := []struct {
		name       string
		level      risk.Level
		automation config.AutomationLevel
		wantAction response.ActionType
		wantNow    bool
	}{
		{"low manual", risk.LevelLow, config.AutomationManual, response.ActionAllow, false},
		{"low semi-auto", risk.LevelLow, config.AutomationSemiAuto, response.ActionAllow, false},
		{"low auto", risk.LevelLow, config.AutomationAuto, response.ActionAllow, false},
		{"low strict", risk.LevelLow, config.AutomationStrict, response.ActionAllow, false},

		{"medium manual", risk.LevelMedium, config.AutomationManual, response.ActionAlertOnly, true},
		{"medium semi-auto", risk.LevelMedium, config.AutomationSemiAuto, response.ActionAlertOnly, true},
		{"medium auto", risk.LevelMedium, config.AutomationAuto, response.ActionRateLimit, true},
		{"medium strict", risk.LevelMedium, config.AutomationStrict, response.ActionRateLimit, true},

		{"high manual", risk.LevelHigh, config.AutomationManual, response.ActionCaptcha, false},
		{"high semi-auto", risk.LevelHigh, config.AutomationSemiAuto, response.ActionCaptcha, false},
		{"high auto", risk.LevelHigh, config.AutomationAuto, response.ActionCaptcha, true},
		{"high strict", risk.LevelHigh, config.AutomationStrict, response.ActionCaptcha, true},

		{"critical manual", risk.LevelCritical, config.AutomationManual, response.ActionIPBlock, false},
		// Semi-auto authorizes critical blocks without human validation.
		{"critical semi-auto", risk.LevelCritical, config.AutomationSemiAuto, response.ActionIPBlock, true},
		{"critical auto", risk.LevelCritical, config.AutomationAuto, response.ActionIPBlock, true},
		{"critical strict", risk.LevelCritical, config.AutomationStrict, response.ActionIPBlock, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Decide(tt.level, tt.automation, 0.95)
			if d.Action != tt.wantAction {
				t.Errorf("action = %v, want %v", d.Action, tt.wantAction)
			}
			if d.ExecuteNow != tt.wantNow {
				t.Errorf("execute now = %v, want %v", d.ExecuteNow, tt.wantNow)
			}
		})
	}
}

func TestEngine_AutoBlockDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAutoBlock = false
	e := NewEngine(cfg)

	d := e.Decide(risk.LevelCritical, config.AutomationStrict, 0.95)
	if d.Action != response.ActionIPBlock {
		t.Errorf("action = %v, want IP_BLOCK", d.Action)
	}
	if d.ExecuteNow {
		t.Error("block executed automatically with auto-block disabled")
	}
}

func TestEngine_AuditModeObservesOnly(t *testing.T) {
	cfg := testConfig()
	cfg.WAFMode = config.WAFModeAudit
	e := NewEngine(cfg)

	tests := []struct {
		name       string
		level      risk.Level
		wantAction response.ActionType
		wantNow    bool
	}{
		{"critical block held", risk.LevelCritical, response.ActionIPBlock, false},
		{"high captcha held", risk.LevelHigh, response.ActionCaptcha, false},
		{"medium rate limit held", risk.LevelMedium, response.ActionRateLimit, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Decide(tt.level, config.AutomationStrict, 0.95)
			if d.Action != tt.wantAction {
				t.Errorf("action = %v, want %v", d.Action, tt.wantAction)
			}
			if d.ExecuteNow != tt.wantNow {
				t.Errorf("execute now = %v, want %v", d.ExecuteNow, tt.wantNow)
			}
		})
	}

	// Alerts carry no enforcement, so audit mode does not hold them.
	if d := e.Decide(risk.LevelMedium, config.AutomationManual, 0.5); d.Action != response.ActionAlertOnly || !d.ExecuteNow {
		t.Errorf("alert under audit = %+v, want ALERT_ONLY executing now", d)
	}
}

func TestEngine_DurationBands(t *testing.T) {
	e := NewEngine(testConfig())

	tests := []struct {
		score float64
		want  time.Duration
	}{
		{0.95, 60 * time.Minute},
		{0.9, 60 * time.Minute},
		{0.8, 30 * time.Minute},
		{0.7, 30 * time.Minute},
		{0.5, 15 * time.Minute},
	}

	for _, tt := range tests {
		if d := e.Decide(risk.LevelCritical, config.AutomationAuto, tt.score); d.Duration != tt.want {
			t.Errorf("duration at score %v = %v, want %v", tt.score, d.Duration, tt.want)
		}
	}
}

func TestEngine_NewAction(t *testing.T) {
	e := NewEngine(testConfig())
	assessment := &risk.Assessment{RiskScore: 0.92, RiskLevel: risk.LevelCritical, Explanation: "test"}

	t.Run("auto-executing decision", func(t *testing.T) {
		d := e.Decide(risk.LevelCritical, config.AutomationSemiAuto, assessment.RiskScore)
		a := e.NewAction(assessment, d, "203.0.113.7")

		if a.Status != response.StatusPending {
			t.Errorf("status = %v, want PENDING", a.Status)
		}
		if a.RequiresValidation {
			t.Error("auto-executing action should not require validation")
		}
		if a.TargetIP != "203.0.113.7" {
			t.Errorf("target ip = %v", a.TargetIP)
		}
		if a.Duration != 60*time.Minute {
			t.Errorf("duration = %v", a.Duration)
		}
	})

	t.Run("gated decision", func(t *testing.T) {
		d := e.Decide(risk.LevelCritical, config.AutomationManual, assessment.RiskScore)
		a := e.NewAction(assessment, d, "203.0.113.7")
		if !a.RequiresValidation {
			t.Error("manually gated action should require validation")
		}
	})

	t.Run("alert-only decision", func(t *testing.T) {
		medium := &risk.Assessment{RiskScore: 0.5, RiskLevel: risk.LevelMedium, Explanation: "test"}
		d := e.Decide(risk.LevelMedium, config.AutomationManual, medium.RiskScore)
		a := e.NewAction(medium, d, "203.0.113.7")
		if a.ActionType != response.ActionAlertOnly {
			t.Errorf("action type = %v, want ALERT_ONLY", a.ActionType)
		}
		if a.RequiresValidation {
			t.Error("alert should not wait for validation")
		}
	})
}
