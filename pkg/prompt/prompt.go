// Package prompt implements the PromptBuilder collaborator named in
// spec §6: per-agent prompt YAML loaded at startup, with
// `{variable}`-style substitution at render time. The placeholder
// syntax and Template type are adapted from the teacher's
// pkg/instruction/template.go, simplified from hector's session-state
// scoping ({app:x}, {user:x}) to the flat variable map each MAICE agent
// actually needs (question, context, knowledge_code, missing_fields, ...).
package prompt

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Template holds one role's prompt text ("system" or "user").
type Template struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

// SecuritySettings carries the danger-pattern and separator-token
// defense configuration (spec §4.4 step 1, §6 security_settings.*).
type SecuritySettings struct {
	ValidationPatterns []string `yaml:"validation_patterns"`
	SafeSeparators     []string `yaml:"safe_separators"`
}

// AgentConfig is one agent's prompt YAML: named templates, free-form
// settings (knowledge code definitions, gating criteria, tone), and
// security settings.
type AgentConfig struct {
	Templates        map[string]Template    `yaml:"templates"`
	Settings         map[string]interface{} `yaml:"settings"`
	SecuritySettings SecuritySettings        `yaml:"security_settings"`
}

// Load reads and parses one agent's prompt YAML file.
func Load(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt config %s: %w", path, err)
	}
	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse prompt config %s: %w", path, err)
	}
	return &cfg, nil
}

// placeholderRegex matches {variable} tokens in a template string.
var placeholderRegex = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// Render substitutes every {variable} in tmpl with vars[variable].
// An unmatched placeholder is left verbatim so template authors notice
// a typo rather than silently losing text.
func Render(tmpl string, vars map[string]string) string {
	return placeholderRegex.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return match
	})
}

// Get returns a named template, or a zero Template if absent.
func (c *AgentConfig) Get(name string) Template {
	if c == nil || c.Templates == nil {
		return Template{}
	}
	return c.Templates[name]
}

// SettingString returns a string-valued setting, or def if absent/wrong type.
func (c *AgentConfig) SettingString(key, def string) string {
	if c == nil || c.Settings == nil {
		return def
	}
	if v, ok := c.Settings[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return def
}

// RenderBoth renders both the system and user templates in one call,
// the common case for a non-streamed JSON-mode LLM call.
func (c *AgentConfig) RenderBoth(templateName string, vars map[string]string) (system, user string) {
	t := c.Get(templateName)
	return Render(t.System, vars), Render(t.User, vars)
}

// strings import kept for potential future trimming helpers used by callers.
var _ = strings.TrimSpace
