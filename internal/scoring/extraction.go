package scoring

import "sort"

// DefaultSkillID is assigned when an evaluation payload names no skill.
const DefaultSkillID = "S009"

// SkillData is the per-skill triple extracted from an evaluation payload.
type SkillData struct {
	SkillID          string  `json:"skill_id"`
	PerformanceScore float64 `json:"performance_score"`
	TargetEvidence   float64 `json:"target_evidence"`
	ValidityModifier float64 `json:"validity_modifier"`
}

// ExtractTargetSkills returns the skills an evaluation payload targets,
// de-duplicated in first-seen order. Sources are checked in priority order:
// legacy rubric skill_evaluations keys, the activity spec's skills_targeted
// and target_skill, the root target_skill, then the default skill.
func ExtractTargetSkills(payload map[string]interface{}) []string {
	var ids []string

	if results := subMap(payload, "evaluation_results"); results != nil {
		if rubric := subMap(results, "phase_1a_rubric_evaluation"); rubric != nil {
			if evals := subMap(rubric, "skill_evaluations"); len(evals) > 0 {
				keys := make([]string, 0, len(evals))
				for k := range evals {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				ids = append(ids, keys...)
			}
		}
	}

	if spec := subMap(payload, "activity_generation_output"); spec != nil {
		if targeted, ok := spec["skills_targeted"].([]interface{}); ok {
			for _, v := range targeted {
				if s, ok := v.(string); ok && s != "" {
					ids = append(ids, s)
				}
			}
		}
		if s := skillRef(spec["target_skill"]); s != "" {
			ids = append(ids, s)
		}
	}

	if s := skillRef(payload["target_skill"]); s != "" {
		ids = append(ids, s)
	}

	if len(ids) == 0 {
		return []string{DefaultSkillID}
	}
	return dedupe(ids)
}

// ExtractSkillData pulls the (score, target evidence, validity) triple for one
// skill. Newer payloads carry a single combined-evaluation block; older ones
// split rubric and validity phases; pipeline-shaped payloads carry a
// pipeline_phases list. Absent data falls back to score 0, validity 1.
func ExtractSkillData(payload map[string]interface{}, skillID string) SkillData {
	data := SkillData{
		SkillID:          skillID,
		PerformanceScore: 0.0,
		TargetEvidence:   0.0,
		ValidityModifier: 1.0,
	}

	if results := subMap(payload, "evaluation_results"); results != nil {
		if combined := subMap(results, "phase_1_combined_evaluation"); combined != nil {
			data.PerformanceScore = floatField(combined, "overall_score", 0.0)
			data.ValidityModifier = floatField(combined, "validity_modifier", 1.0)
			data.TargetEvidence = floatField(combined, "target_evidence_volume", 0.0)
		} else {
			if rubric := subMap(results, "phase_1a_rubric_evaluation"); rubric != nil {
				if eval := subMap(subMap(rubric, "skill_evaluations"), skillID); eval != nil {
					data.PerformanceScore = floatField(eval, "numeric_score", 0.0)
					data.TargetEvidence = floatField(eval, "target_evidence", 0.0)
				}
			}
			if validity := subMap(results, "phase_1b_validity_analysis"); validity != nil {
				data.ValidityModifier = floatField(validity, "validity_modifier", 1.0)
			}
		}
	} else if phases, ok := payload["pipeline_phases"].([]interface{}); ok {
		if result := phaseResult(phases, "combined_evaluation"); result != nil {
			data.PerformanceScore = floatField(result, "overall_score", 0.0)
			data.ValidityModifier = floatField(result, "validity_modifier", 1.0)
			data.TargetEvidence = floatField(result, "target_evidence_volume", 0.0)
		} else if result := phaseResult(phases, "scoring"); result != nil {
			data.PerformanceScore = floatField(result, "activity_score", 0.0)
			data.TargetEvidence = floatField(result, "target_evidence_volume", 0.0)
			data.ValidityModifier = floatField(result, "validity_modifier", 1.0)
		}
	}

	if data.TargetEvidence == 0.0 {
		data.TargetEvidence = floatField(payload, "target_evidence_volume", 0.0)
	}
	return data
}

// phaseResult finds the result payload of the first successful named phase.
func phaseResult(phases []interface{}, name string) map[string]interface{} {
	for _, v := range phases {
		phase, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		phaseName, _ := phase["phase"].(string)
		if phaseName == "" {
			phaseName, _ = phase["phase_name"].(string)
		}
		success, _ := phase["success"].(bool)
		if phaseName == name && success {
			if result, ok := phase["result"].(map[string]interface{}); ok {
				return result
			}
		}
	}
	return nil
}

func subMap(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	sub, _ := m[key].(map[string]interface{})
	return sub
}

// skillRef accepts a skill id as a plain string or a {skill_id: ...} object.
func skillRef(v interface{}) string {
	switch ref := v.(type) {
	case string:
		return ref
	case map[string]interface{}:
		s, _ := ref["skill_id"].(string)
		return s
	}
	return ""
}

// floatField reads a numeric field tolerant of JSON decoding as float64 or int.
func floatField(m map[string]interface{}, key string, fallback float64) float64 {
	if m == nil {
		return fallback
	}
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
