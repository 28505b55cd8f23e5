package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"complyline/internal/scoring"
	"complyline/internal/workflow"
)

// Config models complyline.yml.
type Config struct {
	RecordTypes []RecordType `yaml:"record_types" json:"record_types"`
	Auth        struct {
		ApproverRoles []string `yaml:"approver_roles" json:"approver_roles"`
	} `yaml:"auth" json:"auth"`
	Server struct {
		BasePath string `yaml:"base_path" json:"base_path"`
	} `yaml:"server" json:"server"`
}

// RecordType declares one workflow: its ordered steps, lifecycle rules and,
// for assessments, a scored checklist.
type RecordType struct {
	Key       string             `yaml:"key" json:"key"`
	Label     string             `yaml:"label" json:"label"`
	Steps     []Step             `yaml:"steps" json:"steps"`
	Lifecycle workflow.Lifecycle `yaml:"lifecycle" json:"lifecycle"`
	Checklist *Checklist         `yaml:"checklist,omitempty" json:"checklist,omitempty"`
}

type Step struct {
	Key      string   `yaml:"key" json:"key"`
	Label    string   `yaml:"label" json:"label"`
	Required []string `yaml:"required" json:"required"`
}

type Checklist struct {
	Step      string             `yaml:"step" json:"step"`
	Questions []scoring.Question `yaml:"questions" json:"questions"`
	Risk      scoring.Thresholds `yaml:"risk" json:"risk"`
}

// StepDefinitions converts the configured steps for workflow.NewSchema.
func (rt RecordType) StepDefinitions() []workflow.StepDefinition {
	defs := make([]workflow.StepDefinition, len(rt.Steps))
	for i, s := range rt.Steps {
		defs[i] = workflow.StepDefinition{
			Key:            workflow.StepKey(s.Key),
			Label:          s.Label,
			RequiredFields: s.Required,
		}
	}
	return defs
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with cl schema init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.RecordTypes) == 0 {
		return fmt.Errorf("config.record_types is required")
	}
	seen := map[string]bool{}
	for i, rt := range c.RecordTypes {
		key := strings.TrimSpace(rt.Key)
		if key == "" {
			return fmt.Errorf("config.record_types[%d].key is required", i)
		}
		if seen[key] {
			return fmt.Errorf("record type %s defined twice", key)
		}
		seen[key] = true
		schema, err := workflow.NewSchema(rt.StepDefinitions())
		if err != nil {
			return fmt.Errorf("record type %s: %w", key, err)
		}
		if rt.Checklist == nil {
			continue
		}
		if _, ok := schema.Step(workflow.StepKey(rt.Checklist.Step)); !ok {
			return fmt.Errorf("record type %s: checklist step %q is not a step of the schema", key, rt.Checklist.Step)
		}
		if _, err := scoring.NewChecklist(rt.Checklist.Questions, rt.Checklist.Risk); err != nil {
			return fmt.Errorf("record type %s: %w", key, err)
		}
	}
	for _, role := range c.Auth.ApproverRoles {
		if strings.TrimSpace(role) == "" {
			return fmt.Errorf("config.auth.approver_roles contains an empty role")
		}
	}
	if bp := c.Server.BasePath; bp != "" && !strings.HasPrefix(bp, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// RecordType returns the record type named key.
func (c *Config) RecordType(key string) (RecordType, bool) {
	for _, rt := range c.RecordTypes {
		if rt.Key == key {
			return rt, true
		}
	}
	return RecordType{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "complyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in config.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `record_types:
  - key: ropa
    label: Record of Processing Activity
    steps:
      - key: activity
        label: Processing activity
        required: [activity_name, business_unit]
      - key: controller
        label: Controller details
        required: [controller_name, controller_contact]
      - key: purposes
        label: Purposes of processing
        required: [purpose]
      - key: legal_basis
        label: Legal basis
        required: [legal_basis]
      - key: data_subjects
        label: Data subjects
        required: [data_subject_categories]
      - key: data_categories
        label: Personal data categories
        required: [personal_data_categories]
      - key: recipients
        label: Recipients
        required: [recipient_categories]
      - key: transfers
        label: International transfers
        required: [third_country_transfers]
      - key: retention
        label: Retention
        required: [retention_period]
      - key: security
        label: Security measures
        required: [security_measures]
      - key: dpia
        label: DPIA screening
        required: [dpia_required]
      - key: review
        label: Review and sign-off
        required: [reviewer_name, review_date]

  - key: vendor
    label: Vendor assessment
    steps:
      - key: details
        label: Vendor details
        required: [vendor_name, service_description, contact_email]
      - key: checklist
        label: Compliance checklist
        required: []
      - key: decision
        label: Assessor decision
        required: [assessor_name, recommendation]
    checklist:
      step: checklist
      risk:
        high_max: 20
        medium_max: 36
      questions:
        - {id: dpa_signed, text: "A data processing agreement is signed"}
        - {id: subprocessors_listed, text: "Sub-processors are disclosed"}
        - {id: data_location, text: "Data storage locations are documented"}
        - {id: transfer_mechanism, text: "Transfers rely on an approved mechanism"}
        - {id: encryption_at_rest, text: "Data is encrypted at rest"}
        - {id: encryption_in_transit, text: "Data is encrypted in transit"}
        - {id: access_control, text: "Access is role-based and reviewed"}
        - {id: mfa, text: "Administrative access requires MFA"}
        - {id: logging, text: "Security events are logged and monitored"}
        - {id: incident_response, text: "An incident response plan exists"}
        - {id: breach_notification, text: "Breaches are notified within contractual deadlines"}
        - {id: certifications, text: "Holds ISO 27001, SOC 2 or equivalent"}
        - {id: pen_testing, text: "Independent penetration tests are performed"}
        - {id: vulnerability_mgmt, text: "Vulnerabilities are patched on a schedule"}
        - {id: business_continuity, text: "Business continuity is tested"}
        - {id: retention_policy, text: "Retention and deletion are documented"}
        - {id: data_subject_rights, text: "Data subject requests are supported"}
        - {id: staff_training, text: "Staff receive privacy and security training"}
        - {id: audit_rights, text: "Customer audit rights are granted"}
        - {id: exit_plan, text: "Data return on termination is defined"}

  - key: training
    label: Training approval
    lifecycle:
      rework_on_reject: true
    steps:
      - key: attendance
        label: Attendance
        required: [course_name, attendee_list, session_date]
      - key: evidence
        label: Completion evidence
        required: [evidence_reference]

auth:
  approver_roles: [approver, dpo, admin]

server:
  base_path: /v0
`
