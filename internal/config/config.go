package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"journeyline/internal/domain"
)

const FileName = "journeyline.yml"

// Config models journeyline.yml.
type Config struct {
	Org struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"org"`
	Store struct {
		Driver           string        `yaml:"driver"`
		DSN              string        `yaml:"dsn"`
		OperationTimeout time.Duration `yaml:"operation_timeout"`
	} `yaml:"store"`
	Retry  RetryConfig `yaml:"retry"`
	Roster struct {
		CapacityFloor *int `yaml:"capacity_floor"`
	} `yaml:"roster"`
	Journey struct {
		Templates map[string][]TaskTemplate `yaml:"templates"`
	} `yaml:"journey"`
	Mirror struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"mirror"`
	Notify struct {
		NATSURL       string `yaml:"nats_url"`
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"notify"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	RBAC     struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Log LogConfig `yaml:"log"`
}

type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// TaskTemplate is one checklist item seeded when a business enters a stage.
type TaskTemplate struct {
	Key               string `yaml:"key" json:"key"`
	Title             string `yaml:"title" json:"title"`
	BlocksProgression bool   `yaml:"blocks_progression" json:"blocks_progression"`
	DueInDays         int    `yaml:"due_in_days" json:"due_in_days"`
	Priority          string `yaml:"priority" json:"priority"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with jl config init --org <id>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Org.ID) == "" {
		return fmt.Errorf("config.org.id is required")
	}
	switch c.Store.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config.store.dsn is required for driver postgres")
		}
	default:
		return fmt.Errorf("config.store.driver must be sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.OperationTimeout < 0 {
		return fmt.Errorf("config.store.operation_timeout must not be negative")
	}
	if c.Retry.Attempts < 0 {
		return fmt.Errorf("config.retry.attempts must not be negative")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.BaseDelay > c.Retry.MaxDelay {
		return fmt.Errorf("config.retry.base_delay exceeds max_delay")
	}
	if c.Roster.CapacityFloor != nil && *c.Roster.CapacityFloor < 0 {
		return fmt.Errorf("config.roster.capacity_floor must not be negative")
	}
	for stageName, items := range c.Journey.Templates {
		if _, err := domain.ParseStage(stageName); err != nil {
			return fmt.Errorf("config.journey.templates: %w", err)
		}
		seen := map[string]bool{}
		for _, tpl := range items {
			if tpl.Key == "" || tpl.Title == "" {
				return fmt.Errorf("template for stage %s needs key and title", stageName)
			}
			if seen[tpl.Key] {
				return fmt.Errorf("template key %s repeated for stage %s", tpl.Key, stageName)
			}
			seen[tpl.Key] = true
			if tpl.DueInDays < 0 {
				return fmt.Errorf("template %s has negative due_in_days", tpl.Key)
			}
		}
	}
	if c.Mirror.Enabled && strings.TrimSpace(c.Mirror.Dir) == "" {
		return fmt.Errorf("config.mirror.dir is required when mirror is enabled")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("config.log.format must be console or json")
	}
	return nil
}

// CapacityFloor is the lowest slot capacity a removal may leave behind.
func (c *Config) CapacityFloor() int {
	if c.Roster.CapacityFloor == nil {
		return 1
	}
	return *c.Roster.CapacityFloor
}

// TemplatesFor returns the checklist for a stage, nil when the stage seeds nothing.
func (c *Config) TemplatesFor(stage domain.Stage) []TaskTemplate {
	for name, items := range c.Journey.Templates {
		if st, err := domain.ParseStage(name); err == nil && st == stage {
			return items
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
}

// Default returns the default Config struct for an org.
func Default(orgID string) *Config {
	cfg, err := FromYAML([]byte(GenerateDefault(orgID)))
	if err != nil {
		panic(fmt.Sprintf("default config template invalid: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	cfg.applyDefaults()
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

func (c *Config) applyDefaults() {
	if c.Org.Name == "" {
		c.Org.Name = c.Org.ID
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverSQLite
	}
	if c.Store.OperationTimeout == 0 {
		c.Store.OperationTimeout = 5 * time.Second
	}
	if c.Retry.Attempts == 0 {
		c.Retry.Attempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = 50 * time.Millisecond
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = time.Second
	}
	if c.Notify.SubjectPrefix == "" {
		c.Notify.SubjectPrefix = "journeyline.audit"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

const defaultTemplate = `org:
  id: %s

store:
  driver: sqlite
  operation_timeout: 5s

retry:
  attempts: 3
  base_delay: 50ms
  max_delay: 1s

roster:
  capacity_floor: 1

journey:
  templates:
    Briefing Meeting:
      - key: schedule-briefing
        title: Schedule briefing meeting
        blocks_progression: true
        due_in_days: 3
        priority: high
      - key: collect-brand-guidelines
        title: Collect brand guidelines
        blocks_progression: true
        due_in_days: 5
        priority: high
      - key: share-briefing-notes
        title: Share briefing notes with the team
        due_in_days: 7
        priority: medium
    Scheduling:
      - key: confirm-roster
        title: Confirm creator roster
        blocks_progression: true
        due_in_days: 5
        priority: high
      - key: agree-content-calendar
        title: Agree content calendar with client
        blocks_progression: true
        due_in_days: 7
        priority: high
      - key: send-schedule-reminders
        title: Send scheduling reminders to creators
        due_in_days: 10
        priority: low
    Final Delivery:
      - key: collect-deliverables
        title: Collect creator deliverables
        blocks_progression: true
        due_in_days: 14
        priority: high
      - key: send-final-report
        title: Send final report to client
        blocks_progression: true
        due_in_days: 21
        priority: high
      - key: request-feedback
        title: Request client feedback
        due_in_days: 28
        priority: low
    Closed:
      - key: archive-assets
        title: Archive campaign assets
        due_in_days: 7
        priority: low

mirror:
  enabled: false
  dir: mirror

rbac:
  roles:
    owner:
      description: Full access
      permissions: [business.write, business.advance, tasks.write, roster.write, reconcile.run, audit.read]
    operator:
      description: Day to day campaign operations
      permissions: [business.advance, tasks.write, roster.write, audit.read]
    viewer:
      description: Read only
      permissions: [audit.read]

log:
  level: info
  format: console
`
