package prompt

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/config"
	"skillforge/internal/types"
)

func testBuilder(t *testing.T) *Builder {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	return NewBuilder(cfg)
}

func combinedContext() map[string]interface{} {
	return map[string]interface{}{
		"activity_title":         "Design review",
		"activity_type":          "CR",
		"activity_description":   "Critique the proposed design",
		"target_skill":           "S009",
		"target_evidence_volume": 4.0,
		"rubric":                 map[string]interface{}{"aspects": []string{"clarity"}},
		"learner_response":       "The design couples storage to transport...",
		"assistance_log":         []string{},
	}
}

func TestBuildCombined(t *testing.T) {
	b := testBuilder(t)

	cfg, err := b.Build(PhaseCombined, types.ActivityConstructedResponse, combinedContext())
	require.NoError(t, err)

	assert.Equal(t, PhaseCombined, cfg.PhaseName)
	assert.Equal(t, 0.1, cfg.LLMConfig.Temperature)
	assert.Equal(t, 6000, cfg.LLMConfig.MaxTokens)

	// System prompt is the ordered component concatenation.
	assert.True(t, strings.HasPrefix(cfg.SystemPrompt, defaultComponents["system_role"]))
	assert.Contains(t, cfg.SystemPrompt, defaultComponents["type_CR"])
	assert.True(t, strings.HasSuffix(cfg.SystemPrompt, defaultComponents["json_format_warning"]))
	assert.Contains(t, cfg.SystemPrompt, "\n\n")

	// Variables substituted; non-strings rendered as JSON.
	assert.Contains(t, cfg.UserPrompt, "Design review")
	assert.Contains(t, cfg.UserPrompt, `"aspects"`)
	assert.NotContains(t, cfg.UserPrompt, "{activity_title}")

	schema := cfg.OutputSchema
	require.NotNil(t, schema)
	assert.Contains(t, schema["required"], "overall_score")
}

func TestBuildIntelligentFeedback(t *testing.T) {
	b := testBuilder(t)

	cfg, err := b.Build(PhaseIntelligentFeedback, types.ActivityCoding, map[string]interface{}{
		"activity_title":     "Refactor kata",
		"target_skill":       "S002",
		"evaluation_summary": map[string]interface{}{"overall_score": 0.7},
		"historical_summary": map[string]interface{}{"trend": "improving"},
		"learner_response":   "func main() {}",
	})
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.LLMConfig.Temperature)
	assert.Equal(t, 4000, cfg.LLMConfig.MaxTokens)
	assert.Contains(t, cfg.UserPrompt, "improving")
	assert.Contains(t, cfg.SystemPrompt, defaultComponents["type_COD"])
}

func TestBuildFailsFast(t *testing.T) {
	b := testBuilder(t)

	t.Run("missing required variable", func(t *testing.T) {
		ctx := combinedContext()
		delete(ctx, "rubric")
		_, err := b.Build(PhaseCombined, types.ActivityConstructedResponse, ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrMissingVariable)
	})

	t.Run("unknown phase", func(t *testing.T) {
		_, err := b.Build("rubric_evaluation", types.ActivityConstructedResponse, combinedContext())
		assert.Error(t, err)
	})

	t.Run("invalid activity type", func(t *testing.T) {
		_, err := b.Build(PhaseCombined, types.ActivityType("ZZ"), combinedContext())
		assert.Error(t, err)
	})
}

func TestValidateLeftoverPlaceholder(t *testing.T) {
	cfg := &Config{
		PhaseName:    PhaseCombined,
		ActivityType: types.ActivitySelectedResponse,
		UserPrompt:   "still has {unfilled_var} in it",
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{unfilled_var}")
}

func TestSubstituteRendersJSON(t *testing.T) {
	out, err := substitute("scores: {scores}", []string{"scores"}, map[string]interface{}{
		"scores": []float64{0.5, 0.8},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "0.5")
	assert.Contains(t, out, "0.8")
}

func TestLoadOverrides(t *testing.T) {
	b := testBuilder(t)
	dir := t.TempDir()

	t.Run("replaces known component", func(t *testing.T) {
		path := filepath.Join(dir, "prompts.yaml")
		doc := "components:\n  domain_focus: \"Focus on marine biology only.\"\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

		require.NoError(t, b.LoadOverrides(path))
		cfg, err := b.Build(PhaseCombined, types.ActivityConstructedResponse, combinedContext())
		require.NoError(t, err)
		assert.Contains(t, cfg.SystemPrompt, "marine biology")
	})

	t.Run("unknown component rejected", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		doc := "components:\n  domain_focsu: \"typo\"\n"
		require.NoError(t, os.WriteFile(path, []byte(doc), 0644))
		assert.Error(t, b.LoadOverrides(path))
	})
}

func TestBlankComponentSkipped(t *testing.T) {
	b := testBuilder(t)
	b.components["domain_focus"] = ""

	cfg, err := b.Build(PhaseCombined, types.ActivitySelectedResponse, combinedContext())
	require.NoError(t, err)
	assert.NotContains(t, cfg.SystemPrompt, "\n\n\n")
}
