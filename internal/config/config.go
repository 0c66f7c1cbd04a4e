package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"tallyline/internal/schema"
)

// Config models tallyline.yml.
type Config struct {
	Batch struct {
		ID         string `yaml:"id"`
		Repository string `yaml:"repository"`
	} `yaml:"batch"`
	Workflow struct {
		AutoConsensusThreshold float64 `yaml:"auto_consensus_threshold"`
		AnnotatorFloor         int     `yaml:"annotator_floor"`
		LinkPrefix             string  `yaml:"link_prefix"`
	} `yaml:"workflow"`
	Forms []schema.TaskForm `yaml:"forms"`
	RBAC  struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Permissions the engine and server check. Role definitions may only
// reference these.
const (
	PermDiscussionImport = "discussion.import"
	PermDiscussionDelete = "discussion.delete"
	PermAnnotationSubmit = "annotation.submit"
	PermAnnotationRead   = "annotation.read"
	PermConsensusSave    = "consensus.save"
	PermOverride         = "annotation.override"
	PermWorkflowUnlock   = "workflow.unlock"
	PermWorkflowStatus   = "workflow.status"
	PermWorkflowBulk     = "workflow.bulk"
	PermFlagAdd          = "flag.add"
	PermFlagResolve      = "flag.resolve"
	PermEventsRead       = "events.read"
	PermRBACManage       = "rbac.manage"
)

var knownPermissions = map[string]bool{
	PermDiscussionImport: true,
	PermDiscussionDelete: true,
	PermAnnotationSubmit: true,
	PermAnnotationRead:   true,
	PermConsensusSave:    true,
	PermOverride:         true,
	PermWorkflowUnlock:   true,
	PermWorkflowStatus:   true,
	PermWorkflowBulk:     true,
	PermFlagAdd:          true,
	PermFlagResolve:      true,
	PermEventsRead:       true,
	PermRBACManage:       true,
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with tl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Batch.ID == "" {
		return fmt.Errorf("config.batch.id is required")
	}
	if c.Workflow.AutoConsensusThreshold < 0 || c.Workflow.AutoConsensusThreshold > 100 {
		return fmt.Errorf("config.workflow.auto_consensus_threshold must be within 0-100")
	}
	if c.Workflow.AnnotatorFloor < 0 {
		return fmt.Errorf("config.workflow.annotator_floor must not be negative")
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("config.forms: %w", err)
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["admin"]; !ok {
			return fmt.Errorf("config.rbac.roles must include admin")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
				if perm != "*" && !knownPermissions[perm] {
					return fmt.Errorf("role %s references unknown permission %s", roleID, perm)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has no url", i)
		}
	}
	return nil
}

// Catalog compiles the forms section into the read-only schema catalog.
func (c *Config) Catalog() (*schema.Catalog, error) {
	return schema.NewCatalog(c.Forms, c.Workflow.LinkPrefix)
}

// Threshold returns the auto-consensus threshold, defaulted when unset.
func (c *Config) Threshold() float64 {
	if c.Workflow.AutoConsensusThreshold == 0 {
		return 90
	}
	return c.Workflow.AutoConsensusThreshold
}

// RolePermissions flattens the RBAC section into a role-to-permissions map.
func (c *Config) RolePermissions() map[string][]string {
	out := make(map[string][]string, len(c.RBAC.Roles))
	for id, role := range c.RBAC.Roles {
		out[id] = role.Permissions
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tallyline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(batchID string) string {
	return fmt.Sprintf(defaultTemplate, batchID)
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

// Default returns the default Config struct for a batch.
func Default(batchID string) *Config {
	var cfg Config
	cfg.Batch.ID = batchID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, batchID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `batch:
  id: %s
  repository: ""

workflow:
  auto_consensus_threshold: 90
  annotator_floor: 3
  link_prefix: "/attachments/"

forms:
  - task: 1
    name: question_quality
    required_annotators: 3
    fields:
      - id: relevance
        label: "Is the question relevant to the repository?"
        kind: choice
        options: ["Relevant", "Somewhat Relevant", "Not Relevant"]
        requires_remarks: true
        min_remarks: 10
      - id: clarity
        label: "Is the question clearly stated?"
        kind: choice
        options: ["Clear", "Needs Context", "Unclear"]
      - id: answerable
        label: "Can the question be answered from the thread?"
        kind: boolean_choice
        requires_remarks: true
        min_remarks: 5
      - id: quality_notes
        label: "Notes on question quality"
        kind: free_text
        require_complete: true
        min_length: 10

  - task: 2
    name: answer_quality
    required_annotators: 3
    fields:
      - id: accepted_answer_correct
        label: "Is the accepted answer correct?"
        kind: boolean_choice
        requires_remarks: true
        min_remarks: 10
      - id: answer_completeness
        label: "How complete is the accepted answer?"
        kind: choice
        options: ["Complete", "Partial", "Incomplete"]
      - id: factual_claims
        label: "Factual claims made by the answer"
        kind: claim_list
      - id: supporting_docs
        label: "Documents supporting the answer"
        kind: doc_list
      - id: answer_notes
        label: "Notes on answer quality"
        kind: free_text
        min_length: 15

  - task: 3
    name: rewrite
    required_annotators: 5
    multi_form: true
    fields:
      - id: rewritten_question
        label: "Rewritten question"
        kind: free_text
        require_complete: true
        min_length: 20
      - id: short_answer_list
        label: "Short answer claims"
        kind: claim_list
      - id: supporting_docs
        label: "Documents supporting the rewrite"
        kind: doc_list
      - id: image_links
        label: "Image attachments"
        kind: link_list
      - id: rewrite_grade
        label: "Overall rewrite grade"
        kind: choice
        options: ["Excellent", "Acceptable", "Poor"]
        requires_remarks: true
        min_remarks: 10

rbac:
  roles:
    admin:
      description: "Full control of the workspace"
      permissions: ["*"]
    pod_lead:
      description: "Reconciles annotations into consensus"
      permissions:
        - annotation.submit
        - annotation.read
        - annotation.override
        - consensus.save
        - workflow.unlock
        - workflow.status
        - workflow.bulk
        - flag.add
        - flag.resolve
        - events.read
    annotator:
      description: "Submits annotations"
      permissions:
        - annotation.submit
        - annotation.read
        - flag.add
`
