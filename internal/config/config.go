// Package config manages the four JSON configuration documents: LLM settings,
// scoring configuration, the domain model, and application state. Documents
// are loaded over defaults and saved atomically (write to .tmp, rename).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Document file names under the config directory.
const (
	LLMSettingsFile   = "llm_settings.json"
	ScoringConfigFile = "scoring_config.json"
	DomainModelFile   = "domain_model.json"
	AppStateFile      = "app_state.json"
)

// ProviderSettings configures one LLM provider.
type ProviderSettings struct {
	DefaultModel   string  `json:"default_model"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	TimeoutSeconds int     `json:"timeout_seconds"`
	APIKey         string  `json:"-"`
}

// PhaseLLMConfig overrides generation parameters for a single pipeline phase.
type PhaseLLMConfig struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// LLMSettings is the llm_settings.json document.
type LLMSettings struct {
	Providers     map[string]ProviderSettings `json:"providers"`
	FallbackChain []string                    `json:"fallback_chain"`
	Phases        map[string]PhaseLLMConfig   `json:"phases"`
}

// GateThresholds holds the three inclusive band boundaries for one gate.
type GateThresholds struct {
	Passed      float64 `json:"passed"`
	Approaching float64 `json:"approaching"`
	Developing  float64 `json:"developing"`
}

// ScoringConfig is the scoring_config.json document.
type ScoringConfig struct {
	DecayFactor float64        `json:"decay_factor"`
	PriorMean   float64        `json:"prior_mean"`
	Gate1       GateThresholds `json:"gate_1_thresholds"`
	Gate2       GateThresholds `json:"gate_2_thresholds"`
}

// Subskill is a leaf node of the competency framework.
type Subskill struct {
	SubskillID string `json:"subskill_id"`
	Name       string `json:"name"`
}

// Skill is one unit of the competency framework.
type Skill struct {
	SkillID       string     `json:"skill_id"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	Prerequisites []string   `json:"prerequisites,omitempty"`
	Subskills     []Subskill `json:"subskills,omitempty"`
}

// Competency groups related skills.
type Competency struct {
	CompetencyID string  `json:"competency_id"`
	Name         string  `json:"name"`
	Skills       []Skill `json:"skills"`
}

// DomainModel is the domain_model.json document.
type DomainModel struct {
	DomainName   string       `json:"domain_name"`
	Competencies []Competency `json:"competencies"`
}

// SkillByID returns the named skill, or nil if the id is unknown.
func (d *DomainModel) SkillByID(skillID string) *Skill {
	for ci := range d.Competencies {
		for si := range d.Competencies[ci].Skills {
			if d.Competencies[ci].Skills[si].SkillID == skillID {
				return &d.Competencies[ci].Skills[si]
			}
		}
	}
	return nil
}

// AppState is the app_state.json document.
type AppState struct {
	ActiveLearnerID   string `json:"active_learner_id,omitempty"`
	LastRecalculation string `json:"last_recalculation,omitempty"`
	UpdatedAt         string `json:"updated_at,omitempty"`
}

// Manager provides synchronized access to the configuration documents.
type Manager struct {
	mu  sync.RWMutex
	dir string

	llm     *LLMSettings
	scoring *ScoringConfig
	domain  *DomainModel
	state   *AppState
}

// Provider credential environment variables.
const (
	EnvAnthropicKey = "A_KEY"
	EnvOpenAIKey    = "O_KEY"
	EnvGoogleKey    = "G_KEY"
)

// DefaultLLMSettings returns the built-in LLM configuration.
func DefaultLLMSettings() *LLMSettings {
	return &LLMSettings{
		Providers: map[string]ProviderSettings{
			"anthropic": {
				DefaultModel:   "claude-sonnet-4-20250514",
				Temperature:    0.1,
				MaxTokens:      6000,
				TimeoutSeconds: 60,
			},
			"openai": {
				DefaultModel:   "gpt-4o-mini",
				Temperature:    0.1,
				MaxTokens:      6000,
				TimeoutSeconds: 60,
			},
			"google": {
				DefaultModel:   "gemini-2.0-flash",
				Temperature:    0.1,
				MaxTokens:      6000,
				TimeoutSeconds: 60,
			},
		},
		FallbackChain: []string{"openai", "anthropic", "google"},
		Phases: map[string]PhaseLLMConfig{
			"combined_evaluation":  {Temperature: 0.1, MaxTokens: 6000},
			"intelligent_feedback": {Temperature: 0.7, MaxTokens: 4000},
		},
	}
}

// DefaultScoringConfig returns the built-in scoring thresholds.
func DefaultScoringConfig() *ScoringConfig {
	return &ScoringConfig{
		DecayFactor: 0.9,
		PriorMean:   0.0,
		Gate1:       GateThresholds{Passed: 0.75, Approaching: 0.65, Developing: 0.50},
		Gate2:       GateThresholds{Passed: 30.0, Approaching: 20.0, Developing: 10.0},
	}
}

// DefaultDomainModel returns an empty domain model.
func DefaultDomainModel() *DomainModel {
	return &DomainModel{}
}

// Load reads the configuration documents from dir, overlaying defaults.
// Missing files are not an error; malformed files are.
func Load(dir string) (*Manager, error) {
	m := &Manager{
		dir:     dir,
		llm:     DefaultLLMSettings(),
		scoring: DefaultScoringConfig(),
		domain:  DefaultDomainModel(),
		state:   &AppState{},
	}

	if err := loadDocument(filepath.Join(dir, LLMSettingsFile), m.llm); err != nil {
		return nil, fmt.Errorf("llm settings: %w", err)
	}
	if err := loadDocument(filepath.Join(dir, ScoringConfigFile), m.scoring); err != nil {
		return nil, fmt.Errorf("scoring config: %w", err)
	}
	if err := loadDocument(filepath.Join(dir, DomainModelFile), m.domain); err != nil {
		return nil, fmt.Errorf("domain model: %w", err)
	}
	if err := loadDocument(filepath.Join(dir, AppStateFile), m.state); err != nil {
		return nil, fmt.Errorf("app state: %w", err)
	}

	if err := m.validate(); err != nil {
		return nil, err
	}

	m.applyEnvOverrides()
	return m, nil
}

func loadDocument(path string, into interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func (m *Manager) validate() error {
	if m.scoring.DecayFactor <= 0 || m.scoring.DecayFactor > 1 {
		return fmt.Errorf("decay_factor must be in (0, 1], got %v", m.scoring.DecayFactor)
	}
	for _, name := range m.llm.FallbackChain {
		if _, ok := m.llm.Providers[name]; !ok {
			return fmt.Errorf("fallback chain references unknown provider %q", name)
		}
	}
	return nil
}

// applyEnvOverrides injects provider credentials from the environment.
func (m *Manager) applyEnvOverrides() {
	keys := map[string]string{
		"anthropic": os.Getenv(EnvAnthropicKey),
		"openai":    os.Getenv(EnvOpenAIKey),
		"google":    os.Getenv(EnvGoogleKey),
	}
	for name, key := range keys {
		if key == "" {
			continue
		}
		ps := m.llm.Providers[name]
		ps.APIKey = key
		m.llm.Providers[name] = ps
	}
}

// Dir returns the config directory.
func (m *Manager) Dir() string {
	return m.dir
}

// LLM returns a copy of the current LLM settings.
func (m *Manager) LLM() LLMSettings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyLLM(m.llm)
}

// Scoring returns a copy of the current scoring configuration.
func (m *Manager) Scoring() ScoringConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.scoring
}

// Domain returns the loaded domain model. The model is immutable after load.
func (m *Manager) Domain() *DomainModel {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.domain
}

// State returns a copy of the application state document.
func (m *Manager) State() AppState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.state
}

// FallbackChain returns the ordered provider fallback chain.
func (m *Manager) FallbackChain() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chain := make([]string, len(m.llm.FallbackChain))
	copy(chain, m.llm.FallbackChain)
	return chain
}

// ProviderSettings returns the settings for one provider.
func (m *Manager) ProviderSettings(name string) (ProviderSettings, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ps, ok := m.llm.Providers[name]
	return ps, ok
}

// PhaseConfig returns the generation parameters for a phase, falling back to
// the provider defaults when the phase has no override.
func (m *Manager) PhaseConfig(phase string) (PhaseLLMConfig, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pc, ok := m.llm.Phases[phase]
	return pc, ok
}

// DecayFactor returns the current evidence decay setting.
func (m *Manager) DecayFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.scoring.DecayFactor
}

// SetDecayFactor updates the decay setting and persists the scoring document.
func (m *Manager) SetDecayFactor(d float64) error {
	if d <= 0 || d > 1 {
		return fmt.Errorf("decay_factor must be in (0, 1], got %v", d)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scoring.DecayFactor = d
	return saveDocument(filepath.Join(m.dir, ScoringConfigFile), m.scoring)
}

// SaveScoring persists the scoring document.
func (m *Manager) SaveScoring() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return saveDocument(filepath.Join(m.dir, ScoringConfigFile), m.scoring)
}

// SaveLLM persists the LLM settings document.
func (m *Manager) SaveLLM() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return saveDocument(filepath.Join(m.dir, LLMSettingsFile), m.llm)
}

// UpdateState mutates the app state document under lock and persists it.
func (m *Manager) UpdateState(fn func(*AppState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.state)
	m.state.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return saveDocument(filepath.Join(m.dir, AppStateFile), m.state)
}

// saveDocument writes a document atomically: marshal to <path>.tmp, then
// rename over the original. A failed write leaves the original intact.
func saveDocument(path string, doc interface{}) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}

func copyLLM(s *LLMSettings) LLMSettings {
	out := LLMSettings{
		Providers:     make(map[string]ProviderSettings, len(s.Providers)),
		FallbackChain: make([]string, len(s.FallbackChain)),
		Phases:        make(map[string]PhaseLLMConfig, len(s.Phases)),
	}
	for k, v := range s.Providers {
		out.Providers[k] = v
	}
	copy(out.FallbackChain, s.FallbackChain)
	for k, v := range s.Phases {
		out.Phases[k] = v
	}
	return out
}
