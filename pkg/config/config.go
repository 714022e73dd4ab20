// Package config holds the explicit configuration structs passed into
// engine constructors. Nothing in this package reads a file from disk or a
// process-wide singleton — loading TOML/YAML into these structs is a host
// concern (CLI, HTTP platform, test harness).
package config

import (
	"fmt"
	"time"

	"github.com/bugninja-ai/bugninja/pkg/errs"
)

// BrowserConfig is the snapshot of browser session settings a Traversal
// records and a browser controller is built from.
type BrowserConfig struct {
	Viewport       Viewport `yaml:"viewport"`
	UserAgent      string   `yaml:"user_agent,omitempty"`
	Headless       bool     `yaml:"headless"`
	AllowedDomains []string `yaml:"allowed_domains,omitempty"`
}

// Viewport is a browser window's pixel dimensions.
type Viewport struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// SetDefaults fills in a usable default viewport when the caller left its
// dimensions zero-valued. Headless is left as given.
func (c *BrowserConfig) SetDefaults() {
	if c.Viewport.Width == 0 {
		c.Viewport.Width = 1280
	}
	if c.Viewport.Height == 0 {
		c.Viewport.Height = 800
	}
}

// Validate reports whether the browser config is internally consistent.
func (c *BrowserConfig) Validate() error {
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		return fmt.Errorf("browser config: viewport must be positive, got %dx%d", c.Viewport.Width, c.Viewport.Height)
	}
	for _, d := range c.AllowedDomains {
		if d == "" {
			return fmt.Errorf("browser config: allowed_domains entries must not be empty")
		}
	}
	return nil
}

// AllowsDomain reports whether host is permitted by the allow-list. An
// empty allow-list permits every domain.
func (c *BrowserConfig) AllowsDomain(host string) bool {
	if len(c.AllowedDomains) == 0 {
		return true
	}
	for _, d := range c.AllowedDomains {
		if d == host || (len(host) > len(d) && host[len(host)-len(d)-1:] == "."+d) {
			return true
		}
	}
	return false
}

// IOSchema describes a task's expected inputs and produced outputs as
// description maps, per §3 — not a JSON Schema document, just a
// key → human-readable-description map used for pipeline I/O validation.
type IOSchema struct {
	InputSchema  map[string]string `yaml:"input_schema,omitempty"`
	OutputSchema map[string]string `yaml:"output_schema,omitempty"`
}

// Secrets is a name → value map of credentials. Values must never be
// logged, persisted to a traversal file, or sent to the LLM in any form;
// only the keys (logical names) may ever leave this boundary before action
// execution.
type Secrets map[string]string

// Keys returns the secret names only, safe to log or embed in a prompt.
func (s Secrets) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	return keys
}

// Redacted returns a copy with every value replaced by a fixed placeholder,
// suitable for the persisted form of a traversal file (§6: "implementations
// MUST NOT write raw secret values to disk").
func (s Secrets) Redacted() map[string]string {
	out := make(map[string]string, len(s))
	for k := range s {
		out[k] = "<redacted>"
	}
	return out
}

// TaskRef identifies a persisted task config a TaskResolver can look up,
// as opposed to an inline TaskSpec.
type TaskRef struct {
	ID string `yaml:"id"`
}

// TaskSpec is an inline task definition, used directly without going
// through a TaskResolver.
type TaskSpec struct {
	Description        string        `yaml:"description"`
	ExtraInstructions  []string      `yaml:"extra_instructions,omitempty"`
	BrowserConfig      BrowserConfig `yaml:"browser_config"`
	Secrets            Secrets       `yaml:"secrets,omitempty"`
	IOSchema           IOSchema      `yaml:"io_schema,omitempty"`
	MaxSteps           int           `yaml:"max_steps"`
	EnableHealing      bool          `yaml:"enable_healing"`
	StepTimeout        time.Duration `yaml:"step_timeout,omitempty"`
	ActionTimeout      time.Duration `yaml:"action_timeout,omitempty"`
	PauseBetweenAction time.Duration `yaml:"pause_between_actions,omitempty"`
	PauseAfterStep     bool          `yaml:"pause_after_each_step,omitempty"`
}

// SetDefaults fills in the defaults described in §5 (30s step/action
// timeouts) and a reasonable max-step budget when left unset.
func (t *TaskSpec) SetDefaults() {
	t.BrowserConfig.SetDefaults()
	if t.MaxSteps == 0 {
		t.MaxSteps = 100
	}
	if t.StepTimeout == 0 {
		t.StepTimeout = 30 * time.Second
	}
	if t.ActionTimeout == 0 {
		t.ActionTimeout = 30 * time.Second
	}
}

// Validate checks a task spec is well-formed before a run starts.
func (t *TaskSpec) Validate() error {
	if t.Description == "" {
		return fmt.Errorf("task spec: description must not be empty")
	}
	if t.MaxSteps <= 0 {
		return fmt.Errorf("task spec: max_steps must be positive, got %d", t.MaxSteps)
	}
	if err := t.BrowserConfig.Validate(); err != nil {
		return err
	}
	for key := range t.IOSchema.InputSchema {
		if _, collides := t.Secrets[key]; collides {
			return fmt.Errorf("task spec: input_schema key %q collides with a secret name", key)
		}
	}
	return nil
}

// LLMConfig is the provider-agnostic configuration passed to an LLM
// capability constructor. The engine never depends on a specific provider
// (§6); this struct only carries the knobs every provider shares.
type LLMConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens,omitempty"`
}

// SetDefaults fills in a default token budget. Temperature is left as given.
func (c *LLMConfig) SetDefaults() {
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
}

// Validate reports whether the LLM config is usable. An empty Provider or
// Model, or a temperature outside [0, 2], is a configuration_error per §7.
func (c *LLMConfig) Validate() error {
	if c.Provider == "" {
		return errs.New(errs.KindConfiguration, "llm config: provider must not be empty")
	}
	if c.Model == "" {
		return errs.New(errs.KindConfiguration, "llm config: model must not be empty")
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return errs.New(errs.KindConfiguration, fmt.Sprintf("llm config: temperature %f out of range [0, 2]", c.Temperature))
	}
	return nil
}

// PipelineConfig carries pipeline-wide execution settings: how many nodes
// may run concurrently (§4.6 default is sequential, weight 1) and where
// per-task client isolation directories live.
type PipelineConfig struct {
	BaseDir        string `yaml:"base_dir"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// SetDefaults enforces the spec's sequential-by-default execution model.
func (c *PipelineConfig) SetDefaults() {
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 1
	}
	if c.BaseDir == "" {
		c.BaseDir = "."
	}
}

// Validate reports whether the pipeline config is usable.
func (c *PipelineConfig) Validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("pipeline config: max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	return nil
}
