package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTargetSkills(t *testing.T) {
	t.Run("legacy rubric keys come first", func(t *testing.T) {
		payload := map[string]interface{}{
			"evaluation_results": map[string]interface{}{
				"phase_1a_rubric_evaluation": map[string]interface{}{
					"skill_evaluations": map[string]interface{}{
						"S003": map[string]interface{}{},
						"S001": map[string]interface{}{},
					},
				},
			},
			"target_skill": "S002",
		}
		assert.Equal(t, []string{"S001", "S003", "S002"}, ExtractTargetSkills(payload))
	})

	t.Run("activity spec skills_targeted then target_skill", func(t *testing.T) {
		payload := map[string]interface{}{
			"activity_generation_output": map[string]interface{}{
				"skills_targeted": []interface{}{"S004", "S005"},
				"target_skill":    "S006",
			},
		}
		assert.Equal(t, []string{"S004", "S005", "S006"}, ExtractTargetSkills(payload))
	})

	t.Run("target_skill as object", func(t *testing.T) {
		payload := map[string]interface{}{
			"activity_generation_output": map[string]interface{}{
				"target_skill": map[string]interface{}{"skill_id": "S007"},
			},
		}
		assert.Equal(t, []string{"S007"}, ExtractTargetSkills(payload))
	})

	t.Run("root target_skill", func(t *testing.T) {
		payload := map[string]interface{}{"target_skill": "S008"}
		assert.Equal(t, []string{"S008"}, ExtractTargetSkills(payload))
	})

	t.Run("default when nothing found", func(t *testing.T) {
		assert.Equal(t, []string{DefaultSkillID}, ExtractTargetSkills(map[string]interface{}{}))
	})

	t.Run("duplicates removed preserving order", func(t *testing.T) {
		payload := map[string]interface{}{
			"activity_generation_output": map[string]interface{}{
				"skills_targeted": []interface{}{"S001", "S002", "S001"},
				"target_skill":    "S002",
			},
		}
		assert.Equal(t, []string{"S001", "S002"}, ExtractTargetSkills(payload))
	})
}

func TestExtractSkillData(t *testing.T) {
	t.Run("combined evaluation preferred", func(t *testing.T) {
		payload := map[string]interface{}{
			"evaluation_results": map[string]interface{}{
				"phase_1_combined_evaluation": map[string]interface{}{
					"overall_score":          0.85,
					"validity_modifier":      0.9,
					"target_evidence_volume": 5.0,
				},
				"phase_1a_rubric_evaluation": map[string]interface{}{
					"skill_evaluations": map[string]interface{}{
						"S001": map[string]interface{}{"numeric_score": 0.1, "target_evidence": 1.0},
					},
				},
			},
		}
		data := ExtractSkillData(payload, "S001")
		assert.Equal(t, 0.85, data.PerformanceScore)
		assert.Equal(t, 0.9, data.ValidityModifier)
		assert.Equal(t, 5.0, data.TargetEvidence)
	})

	t.Run("legacy split phases", func(t *testing.T) {
		payload := map[string]interface{}{
			"evaluation_results": map[string]interface{}{
				"phase_1a_rubric_evaluation": map[string]interface{}{
					"skill_evaluations": map[string]interface{}{
						"S001": map[string]interface{}{"numeric_score": 0.7, "target_evidence": 3.0},
					},
				},
				"phase_1b_validity_analysis": map[string]interface{}{
					"validity_modifier": 0.8,
				},
			},
		}
		data := ExtractSkillData(payload, "S001")
		assert.Equal(t, 0.7, data.PerformanceScore)
		assert.Equal(t, 0.8, data.ValidityModifier)
		assert.Equal(t, 3.0, data.TargetEvidence)
	})

	t.Run("pipeline phases combined evaluation", func(t *testing.T) {
		payload := map[string]interface{}{
			"pipeline_phases": []interface{}{
				map[string]interface{}{
					"phase":   "combined_evaluation",
					"success": true,
					"result": map[string]interface{}{
						"overall_score":          0.6,
						"validity_modifier":      1.0,
						"target_evidence_volume": 4.0,
					},
				},
			},
		}
		data := ExtractSkillData(payload, "S001")
		assert.Equal(t, 0.6, data.PerformanceScore)
		assert.Equal(t, 4.0, data.TargetEvidence)
	})

	t.Run("pipeline phases scoring fallback", func(t *testing.T) {
		payload := map[string]interface{}{
			"pipeline_phases": []interface{}{
				map[string]interface{}{
					"phase":   "combined_evaluation",
					"success": false,
				},
				map[string]interface{}{
					"phase":   "scoring",
					"success": true,
					"result": map[string]interface{}{
						"activity_score":         0.55,
						"validity_modifier":      0.95,
						"target_evidence_volume": 2.0,
					},
				},
			},
		}
		data := ExtractSkillData(payload, "S001")
		assert.Equal(t, 0.55, data.PerformanceScore)
		assert.Equal(t, 0.95, data.ValidityModifier)
		assert.Equal(t, 2.0, data.TargetEvidence)
	})

	t.Run("defaults with root evidence override", func(t *testing.T) {
		payload := map[string]interface{}{
			"target_evidence_volume": 6.0,
		}
		data := ExtractSkillData(payload, "S001")
		assert.Equal(t, 0.0, data.PerformanceScore)
		assert.Equal(t, 1.0, data.ValidityModifier)
		assert.Equal(t, 6.0, data.TargetEvidence)
	})
}
