// Package plans generates remediation plans for resolved incidents from a
// template catalog keyed by attack type. Plans carry MITRE ATT&CK, NIST CSF
// and ISO 27001 references.
package plans

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelsoc/soar/internal/models"
)

// Plan is a generated remediation plan.
type Plan struct {
	ID               uuid.UUID          `json:"id" db:"id"`
	IncidentID       *uuid.UUID         `json:"incident_id,omitempty" db:"incident_id"`
	GeneratedAt      time.Time          `json:"generated_at" db:"generated_at"`
	AttackType       string             `json:"attack_type" db:"attack_type"`
	ImmediateActions string             `json:"immediate_actions" db:"immediate_actions"`
	CorrectiveSteps  string             `json:"corrective_measures" db:"corrective_measures"`
	PreventiveSteps  string             `json:"preventive_recommendations" db:"preventive_recommendations"`
	NISTControls     models.StringArray `json:"nist_controls" db:"nist_controls"`
	ISO27001Controls models.StringArray `json:"iso27001_controls" db:"iso27001_controls"`
	MitreTechnique   string             `json:"mitre_technique" db:"mitre_technique"`
	EstimatedHours   int                `json:"estimated_hours" db:"estimated_hours"`
	GeneratedBy      string             `json:"generated_by" db:"generated_by"`
	Confidence       float64            `json:"confidence_score" db:"confidence_score"`
}

type template struct {
	immediate  []string
	corrective []string
	preventive []string
	mitre      string
	nist       []string
	iso        []string
	hours      int
}

var catalog = map[string]template{
	"SQL_INJECTION": {
		immediate: []string{
			"Block the source IP at the WAF immediately",
			"Isolate the vulnerable endpoint where possible",
			"Review PostgreSQL logs for unauthorized access",
			"Revoke suspicious active sessions",
			"Enable extended logging on the database",
		},
		corrective: []string{
			"Use prepared statements on every database endpoint",
			"Validate and sanitize all user input server-side",
			"Apply least privilege to database accounts",
			"Run a full static code audit (SAST) on the application",
			"Update WAF rules to block SQL injection patterns",
		},
		preventive: []string{
			"Integrate SAST/DAST into the CI/CD pipeline (NIST PR.DS-6)",
			"Train developers on OWASP Top 10 A03: Injection (NIST PR.AT-1)",
			"Run quarterly penetration tests (NIST ID.RA-1)",
			"Keep the WAF in permanent blocking mode (NIST PR.PS-6)",
			"Run a bug bounty program (NIST ID.IM-1)",
			"Document under ISO 27001 A.14.2, secure development",
		},
		mitre: "T1190 - Exploit Public-Facing Application",
		nist:  []string{"PR.DS-6", "PR.AT-1", "DE.CM-4", "RS.MI-1", "ID.RA-1"},
		iso:   []string{"A.14.2.1", "A.16.1.5", "A.12.6.1"},
		hours: 8,
	},
	"XSS": {
		immediate: []string{
			"Block the source IP and invalidate active sessions",
			"Identify affected endpoints and deploy an emergency CSP",
			"Assess whether user data was exfiltrated",
			"Notify potentially affected users",
			"Enable extended logging",
		},
		corrective: []string{
			"Encode all HTML output systematically",
			"Configure a strict Content Security Policy",
			"Use XSS sanitization libraries (DOMPurify)",
			"Set X-XSS-Protection and HttpOnly on cookies",
			"Validate all input against a strict whitelist",
		},
		preventive: []string{
			"Adopt a front-end framework with auto-escaping",
			"Use Subresource Integrity for external scripts",
			"Run automated XSS tests in the CI/CD pipeline",
			"Train developers on XSS attacks (NIST PR.AT-1)",
			"Document under ISO 27001 A.14.2, secure development",
		},
		mitre: "T1059.007 - JavaScript",
		nist:  []string{"PR.DS-6", "DE.CM-4", "RS.MI-1"},
		iso:   []string{"A.14.2.1", "A.16.1.5"},
		hours: 6,
	},
	"PATH_TRAVERSAL": {
		immediate: []string{
			"Block the source IP immediately",
			"Check whether sensitive files were accessed (/etc/passwd, .env)",
			"Audit filesystem access logs",
			"Restrict the application process permissions",
			"Isolate the vulnerable endpoint",
		},
		corrective: []string{
			"Validate and canonicalize every file path server-side",
			"Whitelist the directories the application may read",
			"Use safe filesystem APIs",
			"Jail the application with chroot or a container",
			"Update WAF rules to detect path traversal",
		},
		preventive: []string{
			"Deploy in containers with restricted volumes",
			"Apply least privilege to file permissions",
			"Test regularly with DAST tooling (NIST ID.RA-1)",
			"Document under ISO 27001 A.9.4.1, access restriction",
		},
		mitre: "T1083 - File and Directory Discovery",
		nist:  []string{"PR.AC-4", "DE.CM-4", "RS.MI-1"},
		iso:   []string{"A.9.4.1", "A.14.2.1"},
		hours: 4,
	},
	"BRUTE_FORCE": {
		immediate: []string{
			"Block the source IP for at least 24 hours",
			"Temporarily lock the targeted accounts",
			"Require MFA for all administrator accounts",
			"Check whether any account was compromised",
			"Alert the targeted users",
		},
		corrective: []string{
			"Lock accounts after 5 failed attempts",
			"Add exponential backoff between attempts",
			"Deploy CAPTCHA on authentication forms",
			"Require MFA for privileged accounts",
			"Use strong password hashing (Argon2, bcrypt)",
		},
		preventive: []string{
			"Deploy centralized identity management",
			"Enforce a strong password policy",
			"Monitor authentication attempts continuously (NIST DE.CM-1)",
			"Document under ISO 27001 A.9.4.3, password management",
		},
		mitre: "T1110 - Brute Force",
		nist:  []string{"PR.AC-1", "DE.CM-1", "RS.MI-3"},
		iso:   []string{"A.9.4.2", "A.9.4.3"},
		hours: 3,
	},
	"COMMAND_INJECTION": {
		immediate: []string{
			"Isolate the affected server from the network immediately",
			"Capture a forensic image of the system",
			"Block the source IP and every associated IP",
			"Check for installed backdoors or webshells",
			"Alert the incident response team",
		},
		corrective: []string{
			"Never pass user input to shell functions",
			"Replace shell commands with library APIs",
			"Validate all input against a strict whitelist",
			"Run the application as an unprivileged user",
			"Sandbox system-level operations",
		},
		preventive: []string{
			"Apply zero trust to system calls",
			"Deploy in containers with seccomp and AppArmor",
			"Run regular command injection penetration tests",
			"Document under ISO 27001 A.14.2.5, secure engineering",
		},
		mitre: "T1059 - Command and Scripting Interpreter",
		nist:  []string{"PR.DS-6", "DE.AE-3", "RS.MI-1"},
		iso:   []string{"A.14.2.5", "A.16.1.5"},
		hours: 16,
	},
	"SSRF": {
		immediate: []string{
			"Block the source IP and the vulnerable endpoint",
			"Check whether internal services were reached",
			"Audit outbound requests from the last 24 hours",
			"Alert the network team for flow analysis",
			"Check whether cloud metadata (169.254.x.x) was read",
		},
		corrective: []string{
			"Whitelist the URLs the application may fetch",
			"Block requests to private IP ranges (RFC 1918)",
			"Disable unnecessary HTTP redirects",
			"Route outbound traffic through a filtering proxy",
			"Segment the network to isolate internal services",
		},
		preventive: []string{
			"Never trust user-supplied URLs",
			"Test with dedicated SSRF tooling",
			"Document under ISO 27001 A.13.1.3, network segregation",
		},
		mitre: "T1090.002 - External Proxy",
		nist:  []string{"PR.AC-5", "DE.CM-7", "RS.MI-1"},
		iso:   []string{"A.13.1.3", "A.14.2.1"},
		hours: 6,
	},
	"DEFAULT": {
		immediate: []string{
			"Isolate affected systems to limit propagation",
			"Preserve digital evidence and logs",
			"Alert the SOC team and management",
			"Assess the scope of the compromise",
			"Activate the incident response plan",
		},
		corrective: []string{
			"Analyze the root cause of the incident",
			"Apply the required security patches",
			"Update detection and prevention rules",
			"Harden the affected security controls",
			"Document the incident and lessons learned",
		},
		preventive: []string{
			"Strengthen continuous monitoring (NIST DE.CM-1)",
			"Update security policies (NIST GV.PO-1)",
			"Train teams on this incident class (NIST PR.AT-1)",
			"Run regular penetration tests (NIST ID.RA-1)",
			"Document under ISO 27001 A.16, incident management",
		},
		mitre: "T1499 - Endpoint Denial of Service",
		nist:  []string{"DE.CM-1", "RS.MA-1", "PR.AT-1"},
		iso:   []string{"A.16.1.1", "A.16.1.5"},
		hours: 4,
	},
}

// lookup matches the attack type against catalog keys in either direction,
// falling back to the generic template.
func lookup(attackType string) template {
	key := strings.ToUpper(strings.ReplaceAll(attackType, " ", "_"))
	if key == "" {
		return catalog["DEFAULT"]
	}
	for name, tpl := range catalog {
		if name == "DEFAULT" {
			continue
		}
		if strings.Contains(key, name) || strings.Contains(name, key) {
			return tpl
		}
	}
	return catalog["DEFAULT"]
}

// Store persists generated plans.
type Store interface {
	CreatePlan(ctx context.Context, p *Plan) error
	ListPlans(ctx context.Context, limit int) ([]Plan, error)
	GetPlanByIncident(ctx context.Context, incidentID uuid.UUID) (*Plan, error)
}

type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// Generate builds a plan for the attack type and persists it.
func (s *Service) Generate(ctx context.Context, incidentID *uuid.UUID, attackType string) (*Plan, error) {
	tpl := lookup(attackType)

	p := &Plan{
		ID:               uuid.New(),
		IncidentID:       incidentID,
		GeneratedAt:      time.Now(),
		AttackType:       attackType,
		ImmediateActions: numbered(tpl.immediate),
		CorrectiveSteps:  numbered(tpl.corrective),
		PreventiveSteps:  numbered(tpl.preventive),
		NISTControls:     models.StringArray(tpl.nist),
		ISO27001Controls: models.StringArray(tpl.iso),
		MitreTechnique:   tpl.mitre,
		EstimatedHours:   tpl.hours,
		GeneratedBy:      "TEMPLATE_ENGINE",
		Confidence:       0.85,
	}

	if err := s.store.CreatePlan(ctx, p); err != nil {
		return nil, fmt.Errorf("saving plan: %w", err)
	}

	s.logger.Info("remediation plan generated",
		"plan_id", p.ID,
		"attack_type", attackType,
		"estimated_hours", p.EstimatedHours)
	return p, nil
}

// Preview returns the plan content for an attack type without persisting it.
func (s *Service) Preview(attackType string) *Plan {
	tpl := lookup(attackType)
	return &Plan{
		AttackType:       attackType,
		ImmediateActions: numbered(tpl.immediate),
		CorrectiveSteps:  numbered(tpl.corrective),
		PreventiveSteps:  numbered(tpl.preventive),
		NISTControls:     models.StringArray(tpl.nist),
		ISO27001Controls: models.StringArray(tpl.iso),
		MitreTechnique:   tpl.mitre,
		EstimatedHours:   tpl.hours,
		GeneratedBy:      "TEMPLATE_ENGINE",
		Confidence:       0.85,
	}
}

func (s *Service) List(ctx context.Context, limit int) ([]Plan, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.ListPlans(ctx, limit)
}

func (s *Service) ByIncident(ctx context.Context, incidentID uuid.UUID) (*Plan, error) {
	return s.store.GetPlanByIncident(ctx, incidentID)
}

func numbered(steps []string) string {
	var b strings.Builder
	for i, step := range steps {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s", i+1, step)
	}
	return b.String()
}
