package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"gateline/internal/domain"
)

// Config models gateline.yml. The transition graph and required-check
// sets are loaded once per process and treated as immutable thereafter;
// changing them requires a restart, not a runtime mutation.
type Config struct {
	Repository struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"repository"`
	Transitions map[string][]string `yaml:"transitions"`
	Checks      struct {
		Catalog map[string]struct {
			Description string `yaml:"description"`
		} `yaml:"catalog"`
		Required map[string][]string `yaml:"required"`
	} `yaml:"checks"`
	Remediation RemediationConfig `yaml:"remediation"`
	Mesh        struct {
		Hooks []MeshHookConfig `yaml:"hooks"`
	} `yaml:"mesh"`
	Server struct {
		Addr          string `yaml:"addr"`
		BasePath      string `yaml:"base_path"`
		JWTSecret     string `yaml:"jwt_secret"`
		WebhookSecret string `yaml:"webhook_secret"`
		SweepCron     string `yaml:"sweep_cron"`
	} `yaml:"server"`
}

// RemediationConfig describes the external auto-fix hook.
type RemediationConfig struct {
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	MaxAttempts    int    `yaml:"max_attempts"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// MeshHookConfig describes one notification fan-out endpoint.
type MeshHookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with gl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default(repoID) if the config file does not exist.
func LoadOptional(workspace, repoID string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(repoID), nil
		}
		return nil, err
	}
	return FromYAML(data)
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
	if len(c.Transitions) == 0 {
		c.Transitions = defaultTransitions()
	}
	if c.Remediation.MaxAttempts == 0 {
		c.Remediation.MaxAttempts = 3
	}
	if c.Remediation.TimeoutSeconds == 0 {
		c.Remediation.TimeoutSeconds = 30
	}
	if c.Server.BasePath == "" {
		c.Server.BasePath = "/v0"
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for from, tos := range c.Transitions {
		if !domain.KnownState(domain.State(from)) {
			return fmt.Errorf("transitions: unknown state %s", from)
		}
		for _, to := range tos {
			if !domain.KnownState(domain.State(to)) {
				return fmt.Errorf("transitions: %s targets unknown state %s", from, to)
			}
		}
	}
	if tos := c.Transitions[string(domain.StateReleased)]; len(tos) > 0 {
		return fmt.Errorf("transitions: %s is terminal and must have no outgoing edges", domain.StateReleased)
	}
	for _, s := range domain.States {
		if s.Terminal() {
			continue
		}
		if len(c.Transitions[string(s)]) == 0 {
			return fmt.Errorf("transitions: state %s has no outgoing edge", s)
		}
	}
	for state, names := range c.Checks.Required {
		if !domain.KnownState(domain.State(state)) {
			return fmt.Errorf("checks.required: unknown state %s", state)
		}
		for _, name := range names {
			if name == "" {
				return fmt.Errorf("checks.required: state %s lists an empty check name", state)
			}
			if len(c.Checks.Catalog) > 0 {
				if _, ok := c.Checks.Catalog[name]; !ok {
					return fmt.Errorf("checks.required: state %s requires unknown check %s", state, name)
				}
			}
		}
	}
	if c.Remediation.MaxAttempts < 0 {
		return fmt.Errorf("remediation.max_attempts must not be negative")
	}
	return nil
}

// Graph returns the transition graph as domain states.
func (c *Config) Graph() map[domain.State][]domain.State {
	graph := make(map[domain.State][]domain.State, len(c.Transitions))
	for from, tos := range c.Transitions {
		next := make([]domain.State, 0, len(tos))
		for _, to := range tos {
			next = append(next, domain.State(to))
		}
		graph[domain.State(from)] = next
	}
	return graph
}

// RequiredChecks returns the required-check set gating departure from state.
func (c *Config) RequiredChecks(state domain.State) []string {
	return c.Checks.Required[string(state)]
}

// AllowedNext returns the states reachable from state.
func (c *Config) AllowedNext(state domain.State) []domain.State {
	tos := c.Transitions[string(state)]
	next := make([]domain.State, 0, len(tos))
	for _, to := range tos {
		next = append(next, domain.State(to))
	}
	return next
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gateline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(repoID string) string {
	return fmt.Sprintf(defaultTemplate, repoID)
}

// Default returns the default Config struct for a repository.
func Default(repoID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, repoID)), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	cfg.applyDefaults()
	return &cfg
}

func defaultTransitions() map[string][]string {
	return map[string][]string{
		string(domain.StateNewIdea):           {string(domain.StateDiscoveryRunning)},
		string(domain.StateDiscoveryRunning):  {string(domain.StateEvolutionComplete)},
		string(domain.StateEvolutionComplete): {string(domain.StateBuildRunning)},
		string(domain.StateBuildRunning):      {string(domain.StateValidation)},
		string(domain.StateValidation):        {string(domain.StateApproval)},
		string(domain.StateApproval):          {string(domain.StateReleased)},
	}
}

const defaultTemplate = `repository:
  id: %s

transitions:
  NEW_IDEA: [DISCOVERY_RUNNING]
  DISCOVERY_RUNNING: [EVOLUTION_COMPLETE]
  EVOLUTION_COMPLETE: [BUILD_RUNNING]
  BUILD_RUNNING: [VALIDATION]
  VALIDATION: [APPROVAL]
  APPROVAL: [RELEASED]

checks:
  catalog:
    pat:
      description: "PAT protocol compliance (required files, state shape, secret scan)"
    docs:
      description: "Documentation artefacts present and well-formed"
    codeql:
      description: "Static security analysis completed"
    tech:
      description: "Technology registry up to date"

  required:
    NEW_IDEA: []
    DISCOVERY_RUNNING: [docs]
    EVOLUTION_COMPLETE: [docs, tech]
    BUILD_RUNNING: [pat, codeql, docs]
    VALIDATION: [pat, codeql, docs]
    APPROVAL: [pat, codeql, docs, tech]

remediation:
  url: ""
  secret: ""
  max_attempts: 3
  timeout_seconds: 30

mesh:
  hooks: []

server:
  addr: "127.0.0.1:8095"
  base_path: /v0
`
