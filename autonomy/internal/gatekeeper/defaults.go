package gatekeeper

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

// DefaultPolicy is applied to tenants without a stored policy.
func DefaultPolicy() models.Policy {
	retention, immutable := 365, true
	perUser, perCompany := 100, 1000
	return models.Policy{
		MaxAutonomy: map[string]map[string]models.AutonomyLevel{
			models.RoleViewer: {
				"create_zettel":         models.AutonomySuggest,
				"send_notification":     models.AutonomyBlock,
				"send_external_message": models.AutonomyBlock,
			},
			models.RoleAgent: {
				"create_zettel":         models.AutonomyExecute,
				"send_notification":     models.AutonomySuggest,
				"send_external_message": models.AutonomySuggest,
			},
			models.RoleSupervisor: {
				"create_zettel":         models.AutonomyExecute,
				"send_notification":     models.AutonomyExecute,
				"send_external_message": models.AutonomyExecute,
			},
			models.RoleCompanyAdmin: {
				"create_zettel":         models.AutonomyExecute,
				"send_notification":     models.AutonomyExecute,
				"send_external_message": models.AutonomyExecute,
			},
		},
		Forbidden: []string{"delete_contact_auto", "modify_invoice_auto"},
		AuditRules: models.AuditRules{
			RetentionDays: &retention,
			Immutable:     &immutable,
		},
		RateLimits: models.RateLimits{
			AICallsPerUserPerDay:    &perUser,
			AICallsPerCompanyPerDay: &perCompany,
		},
	}
}

// DefaultProfile is applied to actors without a stored attention profile.
func DefaultProfile() models.AttentionProfile {
	on, off := true, false
	return models.AttentionProfile{
		Level:      models.AttentionBalanced,
		QuietHours: []models.QuietWindow{},
		Channels: models.Channels{
			Email:    &on,
			Push:     &on,
			InApp:    &on,
			WhatsApp: &off,
			SMS:      &off,
		},
		VIPList: models.VIPList{Contacts: []string{}, Projects: []string{}, Deals: []string{}},
		Autonomy: map[string]models.AutonomyLevel{
			"create_zettel":         models.AutonomyExecute,
			"create_reminder":       models.AutonomyExecute,
			"send_notification":     models.AutonomyExecute,
			"send_external_message": models.AutonomySuggest,
		},
	}
}

// LoadDefaultPolicy reads a YAML policy document to use in place of the
// built-in default.
func LoadDefaultPolicy(path string) (models.Policy, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return models.Policy{}, fmt.Errorf("read default policy: %w", err)
	}
	var p models.Policy
	if err := yaml.Unmarshal(b, &p); err != nil {
		return models.Policy{}, fmt.Errorf("parse default policy: %w", err)
	}
	if err := ValidatePolicy(p); err != nil {
		return models.Policy{}, fmt.Errorf("default policy: %w", err)
	}
	return p, nil
}

// ValidatePolicy rejects role ceilings outside EXECUTE, SUGGEST and BLOCK.
func ValidatePolicy(p models.Policy) error {
	for role, actions := range p.MaxAutonomy {
		for action, level := range actions {
			switch level {
			case models.AutonomyExecute, models.AutonomySuggest, models.AutonomyBlock:
			default:
				return fmt.Errorf("maxAutonomy.%s.%s: invalid level %q", role, action, level)
			}
		}
	}
	return nil
}
