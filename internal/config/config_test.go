package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	m, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, []string{"openai", "anthropic", "google"}, m.FallbackChain())
	assert.Equal(t, 0.9, m.DecayFactor())

	sc := m.Scoring()
	assert.Equal(t, 0.75, sc.Gate1.Passed)
	assert.Equal(t, 0.65, sc.Gate1.Approaching)
	assert.Equal(t, 0.50, sc.Gate1.Developing)
	assert.Equal(t, 30.0, sc.Gate2.Passed)
	assert.Equal(t, 20.0, sc.Gate2.Approaching)
	assert.Equal(t, 10.0, sc.Gate2.Developing)
	assert.Equal(t, 0.0, sc.PriorMean)

	pc, ok := m.PhaseConfig("combined_evaluation")
	require.True(t, ok)
	assert.Equal(t, 0.1, pc.Temperature)
	assert.Equal(t, 6000, pc.MaxTokens)

	pc, ok = m.PhaseConfig("intelligent_feedback")
	require.True(t, ok)
	assert.Equal(t, 0.7, pc.Temperature)
	assert.Equal(t, 4000, pc.MaxTokens)
}

func TestLoad_OverlayAndValidation(t *testing.T) {
	t.Run("file overrides defaults", func(t *testing.T) {
		dir := t.TempDir()
		doc := `{"decay_factor": 0.8, "gate_2_thresholds": {"passed": 25, "approaching": 15, "developing": 5}}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, ScoringConfigFile), []byte(doc), 0644))

		m, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, 0.8, m.DecayFactor())
		assert.Equal(t, 25.0, m.Scoring().Gate2.Passed)
		// Untouched documents keep defaults.
		assert.Equal(t, 0.75, m.Scoring().Gate1.Passed)
	})

	t.Run("malformed document fails fast", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, LLMSettingsFile), []byte("{not json"), 0644))

		_, err := Load(dir)
		assert.Error(t, err)
	})

	t.Run("decay factor out of range fails fast", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, ScoringConfigFile), []byte(`{"decay_factor": 1.5}`), 0644))

		_, err := Load(dir)
		assert.Error(t, err)
	})

	t.Run("fallback chain must name known providers", func(t *testing.T) {
		dir := t.TempDir()
		doc := `{"fallback_chain": ["openai", "mystery"]}`
		require.NoError(t, os.WriteFile(filepath.Join(dir, LLMSettingsFile), []byte(doc), 0644))

		_, err := Load(dir)
		assert.Error(t, err)
	})
}

func TestEnvCredentials(t *testing.T) {
	t.Setenv(EnvAnthropicKey, "ant-key")
	t.Setenv(EnvOpenAIKey, "")
	t.Setenv(EnvGoogleKey, "goog-key")

	m, err := Load(t.TempDir())
	require.NoError(t, err)

	ps, ok := m.ProviderSettings("anthropic")
	require.True(t, ok)
	assert.Equal(t, "ant-key", ps.APIKey)

	ps, _ = m.ProviderSettings("openai")
	assert.Empty(t, ps.APIKey)

	ps, _ = m.ProviderSettings("google")
	assert.Equal(t, "goog-key", ps.APIKey)
}

func TestSetDecayFactor_PersistsAtomically(t *testing.T) {
	dir := t.TempDir()
	m, err := Load(dir)
	require.NoError(t, err)

	require.NoError(t, m.SetDecayFactor(0.85))
	assert.Equal(t, 0.85, m.DecayFactor())

	// No temp file left behind.
	_, err = os.Stat(filepath.Join(dir, ScoringConfigFile+".tmp"))
	assert.True(t, os.IsNotExist(err))

	// Reload sees the new value.
	m2, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0.85, m2.DecayFactor())

	assert.Error(t, m.SetDecayFactor(0))
	assert.Error(t, m.SetDecayFactor(1.2))
}

func TestSaveDocument_FailureLeavesOriginal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ScoringConfigFile)
	original := []byte(`{"decay_factor": 0.9}`)
	require.NoError(t, os.WriteFile(path, original, 0644))

	// Marshal failure: channels are not JSON-serializable.
	err := saveDocument(path, map[string]interface{}{"bad": make(chan int)})
	require.Error(t, err)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, original, got)
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestDomainModel_SkillByID(t *testing.T) {
	dir := t.TempDir()
	dm := DomainModel{
		DomainName: "demo",
		Competencies: []Competency{{
			CompetencyID: "C1",
			Name:         "Core",
			Skills: []Skill{
				{SkillID: "S001", Name: "Analysis", Prerequisites: []string{}},
				{SkillID: "S009", Name: "Synthesis", Prerequisites: []string{"S001"}},
			},
		}},
	}
	data, err := json.Marshal(dm)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DomainModelFile), data, 0644))

	m, err := Load(dir)
	require.NoError(t, err)

	skill := m.Domain().SkillByID("S009")
	require.NotNil(t, skill)
	assert.Equal(t, "Synthesis", skill.Name)
	assert.Nil(t, m.Domain().SkillByID("S404"))
}
