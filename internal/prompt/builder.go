// Package prompt assembles the system and user prompts for each pipeline
// phase from named components and phase × activity-type templates.
package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"skillforge/internal/config"
	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// Pipeline phase names.
const (
	PhaseCombined            = "combined_evaluation"
	PhaseIntelligentFeedback = "intelligent_feedback"
	PhaseTrend               = "trend_analysis"
)

// livePhases are the phases the pipeline builds prompts for. Trend is a
// disabled stub and never reaches the builder.
var livePhases = map[string]bool{
	PhaseCombined:            true,
	PhaseIntelligentFeedback: true,
}

// ErrMissingVariable is wrapped by Build when a required template variable is
// absent from the context.
var ErrMissingVariable = errors.New("missing template variable")

// softLengthCap is the combined system+user length that triggers a warning.
const softLengthCap = 50000

// Config is a fully assembled prompt for one gateway call.
type Config struct {
	PhaseName    string                 `json:"phase_name"`
	ActivityType types.ActivityType     `json:"activity_type"`
	SystemPrompt string                 `json:"system_prompt"`
	UserPrompt   string                 `json:"user_prompt"`
	OutputSchema map[string]interface{} `json:"output_schema"`
	LLMConfig    config.PhaseLLMConfig  `json:"llm_config"`
}

// Builder assembles prompts. Component text may be overridden from a YAML
// file; templates and schemas are fixed.
type Builder struct {
	components map[string]string
	cfg        *config.Manager
}

// NewBuilder creates a builder with the built-in components.
func NewBuilder(cfg *config.Manager) *Builder {
	components := make(map[string]string, len(defaultComponents))
	for k, v := range defaultComponents {
		components[k] = v
	}
	return &Builder{components: components, cfg: cfg}
}

// Build assembles the prompt configuration for one phase and activity type.
func (b *Builder) Build(phase string, activityType types.ActivityType, context map[string]interface{}) (*Config, error) {
	if !livePhases[phase] {
		return nil, fmt.Errorf("unknown phase %q", phase)
	}
	if !types.IsValidActivityType(activityType) {
		return nil, fmt.Errorf("invalid activity type %q", activityType)
	}

	systemPrompt := b.assembleSystemPrompt(phase, activityType)

	tpl, ok := userTemplates[phase]
	if !ok {
		return nil, fmt.Errorf("no user template for phase %q", phase)
	}
	userPrompt, err := substitute(tpl, requiredVariables[phase], context)
	if err != nil {
		return nil, fmt.Errorf("phase %s: %w", phase, err)
	}

	pc, ok := b.cfg.PhaseConfig(phase)
	if !ok {
		pc = config.PhaseLLMConfig{Temperature: 0.1, MaxTokens: 4000}
	}

	out := &Config{
		PhaseName:    phase,
		ActivityType: activityType,
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		OutputSchema: outputSchemas[phase],
		LLMConfig:    pc,
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// assembleSystemPrompt concatenates the named components in stable order,
// skipping blanks.
func (b *Builder) assembleSystemPrompt(phase string, activityType types.ActivityType) string {
	ordered := []string{
		b.components["system_role"],
		b.components["evaluation_philosophy"],
		b.components["domain_focus"],
		b.components["single_skill_focus"],
		b.components["phase_"+phase],
		b.components["type_"+string(activityType)],
		b.components["critical_guidelines"],
		b.components["json_format_warning"],
	}

	parts := make([]string, 0, len(ordered))
	for _, c := range ordered {
		if strings.TrimSpace(c) != "" {
			parts = append(parts, strings.TrimSpace(c))
		}
	}
	return strings.Join(parts, "\n\n")
}

var placeholderPattern = regexp.MustCompile(`\{[a-z][a-z0-9_]*\}`)

// substitute replaces {name} placeholders. Required variables must be
// present; non-string values render as indented JSON.
func substitute(template string, required []string, context map[string]interface{}) (string, error) {
	for _, name := range required {
		if _, ok := context[name]; !ok {
			return "", fmt.Errorf("%w: %s", ErrMissingVariable, name)
		}
	}

	out := template
	for name, value := range context {
		out = strings.ReplaceAll(out, "{"+name+"}", renderValue(value))
	}
	return out, nil
}

func renderValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

// Validate checks an assembled configuration: every placeholder substituted,
// length under the soft cap (warn only), legal phase and type.
func (c *Config) Validate() error {
	if !livePhases[c.PhaseName] {
		return fmt.Errorf("unknown phase %q", c.PhaseName)
	}
	if !types.IsValidActivityType(c.ActivityType) {
		return fmt.Errorf("invalid activity type %q", c.ActivityType)
	}
	if leftover := placeholderPattern.FindString(c.UserPrompt); leftover != "" {
		return fmt.Errorf("unsubstituted placeholder %s in user prompt", leftover)
	}
	if total := len(c.SystemPrompt) + len(c.UserPrompt); total > softLengthCap {
		logging.Get(logging.CategoryPrompt).Warn(
			"Prompt for phase %s is %d chars (soft cap %d)", c.PhaseName, total, softLengthCap)
	}
	return nil
}
