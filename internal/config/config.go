package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the single configuration file format for marionette.jsonc
type Config struct {
	Server    ServerSection             `json:"server"`
	Feed      FeedSection               `json:"feed"`
	Dispatch  DispatchSection           `json:"dispatch"`
	Agent     AgentSection              `json:"agent"`
	Budget    BudgetSection             `json:"budget"`
	Control   ControlSection            `json:"control"`
	Subchat   SubchatSection            `json:"subchat"`
	Schedules []ScheduleEntry           `json:"schedules"`
	MCP       MCPSection                `json:"mcp"`
	Logs      LogsSection               `json:"logs"`
}

// ServerSection configures the operational HTTP surface
type ServerSection struct {
	Address string `json:"address"`
}

// FeedSection configures the inbound/outbound conversation feed.
// The URL scheme selects the transport: nats:// for JetStream,
// ws:// or wss:// for the websocket relay.
type FeedSection struct {
	URL            string `json:"url"`
	Source         string `json:"source"`
	Stream         string `json:"stream"`
	SubjectPrefix  string `json:"subject_prefix"`
	DialsPerMinute int    `json:"dials_per_minute"`
}

// DispatchSection configures event dispatch behavior
type DispatchSection struct {
	// OnUnregistered selects what happens when a tool invocation names
	// a tool no handler claims and no external subscriber covers:
	// "stop" shuts the runtime down, "leave-pending" logs and moves on.
	OnUnregistered string   `json:"on_unregistered"`
	ExternalTools  []string `json:"external_tools"`
	IdleSleepMS    int      `json:"idle_sleep_ms"`
}

// AgentSection contains generation defaults
type AgentSection struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt"`
	MaxHistory   int    `json:"max_history"`
}

// BudgetSection configures per-conversation spend tracking
type BudgetSection struct {
	CeilingUSD float64 `json:"ceiling_usd"`
	SoftRatio  float64 `json:"soft_ratio"`
}

// ControlSection configures the turn control hooks
type ControlSection struct {
	Profile      string                    `json:"profile"`
	TurnBudgetMS int                       `json:"turn_budget_ms"`
	Profiles     map[string]ControlProfile `json:"profiles"`
}

// ControlProfile is a declarative turn control policy. Named profiles
// beyond these rules are registered in code.
type ControlProfile struct {
	MaxTurns        int      `json:"max_turns"`
	WarnInstruction string   `json:"warn_instruction"`
	DenyTools       []string `json:"deny_tools"`
}

// SubchatSection configures child conversation groups
type SubchatSection struct {
	MaxChildren int `json:"max_children"`
}

// ScheduleEntry is one cron-driven emission into the event loop
type ScheduleEntry struct {
	Name           string `json:"name"`
	Cron           string `json:"cron"`
	Action         string `json:"action"` // prompt | budget_reset
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content,omitempty"`
}

// MCPSection lists external MCP servers whose tools are bridged in
type MCPSection struct {
	Servers map[string]MCPServerConfig `json:"servers"`
}

// MCPServerConfig is one MCP server definition
type MCPServerConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// LogsSection configures log output
type LogsSection struct {
	Dir  string `json:"dir"`
	JSON bool   `json:"json"`
}

// FindConfigPath returns the path to marionette.jsonc using precedence:
// 1. configDir + /marionette.jsonc (if configDir specified)
// 2. ./config/marionette.jsonc (project-local)
// 3. ~/.marionette/config/marionette.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, "marionette.jsonc")
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("marionette.jsonc not found in %s", configDir)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return path, nil
		}
		return abs, nil
	}

	candidates := []string{
		filepath.Join("config", "marionette.jsonc"),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".marionette", "config", "marionette.jsonc"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("marionette.jsonc not found; tried: %v", candidates)
}

// Load loads configuration from a single marionette.jsonc file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	jsonData := StripJSONComments(data)

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	applyDefaults(&cfg)

	if cfg.Control.Profiles == nil {
		cfg.Control.Profiles = make(map[string]ControlProfile)
	}
	if cfg.MCP.Servers == nil {
		cfg.MCP.Servers = make(map[string]MCPServerConfig)
	}

	return &cfg, nil
}

// LoadDir resolves the config path from configDir and loads it
func LoadDir(configDir string) (*Config, string, error) {
	configPath, err := FindConfigPath(configDir)
	if err != nil {
		return nil, "", err
	}
	cfg, err := Load(configPath)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8321"
	}

	if cfg.Feed.Source == "" {
		cfg.Feed.Source = "primary"
	}
	if cfg.Feed.Stream == "" {
		cfg.Feed.Stream = "MARIONETTE"
	}
	if cfg.Feed.SubjectPrefix == "" {
		cfg.Feed.SubjectPrefix = "marionette"
	}
	if cfg.Feed.DialsPerMinute == 0 {
		cfg.Feed.DialsPerMinute = 12
	}

	if cfg.Dispatch.OnUnregistered == "" {
		cfg.Dispatch.OnUnregistered = "stop"
	}
	if cfg.Dispatch.IdleSleepMS == 0 {
		cfg.Dispatch.IdleSleepMS = 250
	}

	if cfg.Agent.MaxHistory == 0 {
		cfg.Agent.MaxHistory = 200
	}

	if cfg.Budget.CeilingUSD == 0 {
		cfg.Budget.CeilingUSD = 10.00
	}
	if cfg.Budget.SoftRatio == 0 {
		cfg.Budget.SoftRatio = 0.8
	}

	if cfg.Control.Profile == "" {
		cfg.Control.Profile = "default"
	}
	if cfg.Control.TurnBudgetMS == 0 {
		cfg.Control.TurnBudgetMS = 750
	}

	if cfg.Subchat.MaxChildren == 0 {
		cfg.Subchat.MaxChildren = 8
	}

	if cfg.Logs.Dir == "" {
		cfg.Logs.Dir = "logs"
	}
}

// Validate checks that required configuration is present and coherent
func (c *Config) Validate() error {
	switch c.Dispatch.OnUnregistered {
	case "stop", "leave-pending":
	default:
		return fmt.Errorf("dispatch.on_unregistered must be %q or %q, got %q", "stop", "leave-pending", c.Dispatch.OnUnregistered)
	}

	if c.Budget.SoftRatio <= 0 || c.Budget.SoftRatio > 1 {
		return fmt.Errorf("budget.soft_ratio must be in (0, 1], got %v", c.Budget.SoftRatio)
	}
	if c.Budget.CeilingUSD < 0 {
		return fmt.Errorf("budget.ceiling_usd must be non-negative, got %v", c.Budget.CeilingUSD)
	}

	if c.Control.TurnBudgetMS < 0 || c.Control.TurnBudgetMS > 1000 {
		return fmt.Errorf("control.turn_budget_ms must be in [0, 1000], got %d", c.Control.TurnBudgetMS)
	}

	seen := make(map[string]bool)
	for _, s := range c.Schedules {
		if s.Name == "" {
			return fmt.Errorf("schedule entries require a name")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Action {
		case "prompt", "budget_reset":
		default:
			return fmt.Errorf("schedule %q: action must be %q or %q, got %q", s.Name, "prompt", "budget_reset", s.Action)
		}
		if s.Action == "prompt" && s.ConversationID == "" {
			return fmt.Errorf("schedule %q: prompt action requires conversation_id", s.Name)
		}
	}

	return nil
}
