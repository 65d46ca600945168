package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/prompt"
	"skillforge/internal/scoring"
	"skillforge/internal/types"
)

// runCombinedEvaluation executes phase 1. On any failure it returns a
// schema-valid default payload so scoring always has numbers to work with.
func (o *Orchestrator) runCombinedEvaluation(ctx context.Context, result *types.EvaluationResult, spec *types.ActivitySpec, sub *Submission) (types.PhaseResult, map[string]interface{}) {
	start := time.Now()
	o.events.PhaseStart(result.EvaluationID, sub.LearnerID, sub.ActivityID, prompt.PhaseCombined)

	phase := types.PhaseResult{PhaseName: prompt.PhaseCombined}
	fail := func(kind string, err error) (types.PhaseResult, map[string]interface{}) {
		combined := defaultCombinedResult(spec)
		phase.Success = false
		phase.Error = err.Error()
		phase.Result = combined
		phase.DurationMs = time.Since(start).Milliseconds()
		o.events.Errorf(kind, prompt.PhaseCombined, err, "combined evaluation failed, using defaults")
		o.events.PhaseComplete(result.EvaluationID, prompt.PhaseCombined, phase.Provider, false, phase.DurationMs, phase.TokensUsed, phase.CostEstimate, phase.Error)
		return phase, combined
	}

	if err := ctx.Err(); err != nil {
		return fail("LLMAggregateError", fmt.Errorf("evaluation cancelled: %w", err))
	}

	pcfg, err := o.builder.Build(prompt.PhaseCombined, spec.ActivityType, map[string]interface{}{
		"activity_title":         spec.Title,
		"activity_type":          string(spec.ActivityType),
		"activity_description":   spec.Description,
		"target_skill":           spec.TargetSkill,
		"target_evidence_volume": spec.TargetEvidenceVolume,
		"rubric":                 spec.Rubric,
		"learner_response":       learnerResponse(sub.ActivityTranscript),
		"assistance_log":         assistanceLog(sub.ActivityTranscript),
	})
	if err != nil {
		return fail("ConfigurationError", fmt.Errorf("failed to assemble prompt: %w", err))
	}

	resp := o.llm.Call(ctx, pcfg.SystemPrompt, pcfg.UserPrompt, prompt.PhaseCombined, pcfg.LLMConfig)
	phase.Provider = resp.Provider
	phase.TokensUsed = resp.TokensUsed
	phase.CostEstimate = resp.CostEstimate
	if !resp.Success {
		return fail("LLMAggregateError", fmt.Errorf("%s", resp.Error))
	}

	combined, err := parsePhaseJSON(resp.Content, "overall_score", "validity_modifier")
	if err != nil {
		return fail("ParseError", err)
	}

	// The activity spec is authoritative for evidence volume.
	combined["target_evidence_volume"] = spec.TargetEvidenceVolume

	phase.Success = true
	phase.Result = combined
	phase.DurationMs = time.Since(start).Milliseconds()
	o.events.PhaseComplete(result.EvaluationID, prompt.PhaseCombined, resp.Provider, true, phase.DurationMs, resp.TokensUsed, resp.CostEstimate, "")
	return phase, combined
}

// runScoring executes phase 2 through the scoring engine. No LLM involved.
func (o *Orchestrator) runScoring(result *types.EvaluationResult, spec *types.ActivitySpec, combined map[string]interface{}) (types.PhaseResult, *scoring.Result) {
	start := time.Now()
	o.events.PhaseStart(result.EvaluationID, result.LearnerID, result.ActivityID, "scoring")

	payload := map[string]interface{}{
		"timestamp": result.Timestamp,
		"evaluation_results": map[string]interface{}{
			"phase_1_combined_evaluation": combined,
		},
		"activity_generation_output": map[string]interface{}{
			"target_skill":  spec.TargetSkill,
			"activity_type": string(spec.ActivityType),
			"title":         spec.Title,
		},
		"target_evidence_volume": spec.TargetEvidenceVolume,
	}

	scored := o.engine.ScoreActivity(result.LearnerID, result.ActivityID, payload)

	skills := make(map[string]interface{}, len(scored.Skills))
	for id, skill := range scored.Skills {
		skills[id] = skill
	}
	phase := types.PhaseResult{
		PhaseName:  "scoring",
		Success:    scored.Success,
		Error:      scored.Error,
		Result:     map[string]interface{}{"skills": skills},
		DurationMs: time.Since(start).Milliseconds(),
	}
	o.events.PhaseComplete(result.EvaluationID, "scoring", "", phase.Success, phase.DurationMs, 0, 0, phase.Error)
	return phase, scored
}

// runIntelligentFeedback executes phase 3.
func (o *Orchestrator) runIntelligentFeedback(ctx context.Context, result *types.EvaluationResult, spec *types.ActivitySpec, sub *Submission, combined map[string]interface{}, scored *scoring.Result) types.PhaseResult {
	start := time.Now()
	o.events.PhaseStart(result.EvaluationID, sub.LearnerID, sub.ActivityID, prompt.PhaseIntelligentFeedback)

	phase := types.PhaseResult{PhaseName: prompt.PhaseIntelligentFeedback}
	fail := func(kind string, err error) types.PhaseResult {
		phase.Success = false
		phase.Error = err.Error()
		phase.Result = defaultFeedbackResult()
		phase.DurationMs = time.Since(start).Milliseconds()
		o.events.Errorf(kind, prompt.PhaseIntelligentFeedback, err, "intelligent feedback failed, using defaults")
		o.events.PhaseComplete(result.EvaluationID, prompt.PhaseIntelligentFeedback, phase.Provider, false, phase.DurationMs, phase.TokensUsed, phase.CostEstimate, phase.Error)
		return phase
	}

	if err := ctx.Err(); err != nil {
		return fail("LLMAggregateError", fmt.Errorf("evaluation cancelled: %w", err))
	}

	evaluationSummary := map[string]interface{}{
		"overall_score":     combined["overall_score"],
		"validity_modifier": combined["validity_modifier"],
		"rationale":         combined["rationale"],
	}
	if scored != nil {
		statuses := make(map[string]string, len(scored.Skills))
		for id, skill := range scored.Skills {
			statuses[id] = skill.OverallStatus
		}
		evaluationSummary["skill_statuses"] = statuses
	}

	pcfg, err := o.builder.Build(prompt.PhaseIntelligentFeedback, spec.ActivityType, map[string]interface{}{
		"activity_title":     spec.Title,
		"target_skill":       spec.TargetSkill,
		"evaluation_summary": evaluationSummary,
		"historical_summary": o.historicalSummary(sub.LearnerID),
		"learner_response":   learnerResponse(sub.ActivityTranscript),
	})
	if err != nil {
		return fail("ConfigurationError", fmt.Errorf("failed to assemble prompt: %w", err))
	}

	resp := o.llm.Call(ctx, pcfg.SystemPrompt, pcfg.UserPrompt, prompt.PhaseIntelligentFeedback, pcfg.LLMConfig)
	phase.Provider = resp.Provider
	phase.TokensUsed = resp.TokensUsed
	phase.CostEstimate = resp.CostEstimate
	if !resp.Success {
		return fail("LLMAggregateError", fmt.Errorf("%s", resp.Error))
	}

	feedback, err := parsePhaseJSON(resp.Content, "intelligent_feedback")
	if err != nil {
		return fail("ParseError", err)
	}

	phase.Success = true
	phase.Result = feedback
	phase.DurationMs = time.Since(start).Milliseconds()
	o.events.PhaseComplete(result.EvaluationID, prompt.PhaseIntelligentFeedback, resp.Provider, true, phase.DurationMs, resp.TokensUsed, resp.CostEstimate, "")
	return phase
}

// trendPhase returns the permanently disabled phase 4 stub.
func trendPhase() types.PhaseResult {
	return types.PhaseResult{
		PhaseName: prompt.PhaseTrend,
		Success:   true,
		Result: map[string]interface{}{
			"status":  "disabled",
			"message": "trend analysis is disabled",
		},
	}
}

// parsePhaseJSON decodes gateway content into an object and checks that the
// required top-level fields are present.
func parsePhaseJSON(content string, required ...string) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	for _, field := range required {
		if _, ok := out[field]; !ok {
			return nil, fmt.Errorf("response missing required field %q", field)
		}
	}
	return out, nil
}

// defaultCombinedResult is the schema-valid payload used when phase 1 fails.
func defaultCombinedResult(spec *types.ActivitySpec) map[string]interface{} {
	return map[string]interface{}{
		"aspect_scores":              []interface{}{},
		"overall_score":              0.5,
		"rationale":                  "unavailable",
		"validity_modifier":          1.0,
		"validity_analysis":          "unavailable",
		"validity_reason":            "unavailable",
		"evidence_quality":           "unavailable",
		"assistance_impact":          "unavailable",
		"evidence_volume_assessment": "unavailable",
		"assessment_confidence":      "unavailable",
		"key_observations":           []interface{}{},
		"target_evidence_volume":     spec.TargetEvidenceVolume,
	}
}

// defaultFeedbackResult is the schema-valid payload used when phase 3 fails.
func defaultFeedbackResult() map[string]interface{} {
	return map[string]interface{}{
		"intelligent_feedback": map[string]interface{}{
			"backend_intelligence": map[string]interface{}{
				"overview":         "unavailable",
				"strengths":        []interface{}{},
				"weaknesses":       []interface{}{},
				"subskill_ratings": []interface{}{},
			},
			"learner_feedback": map[string]interface{}{
				"overall":       "unavailable",
				"strengths":     "unavailable",
				"opportunities": "unavailable",
			},
		},
	}
}

// learnerResponse flattens the transcript's component responses into the text
// block handed to the evaluator.
func learnerResponse(transcript map[string]interface{}) string {
	engagement, _ := transcript["student_engagement"].(map[string]interface{})
	if engagement == nil {
		return ""
	}
	responses, _ := engagement["component_responses"].([]interface{})

	var parts []string
	for _, v := range responses {
		response, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		content := response["response_content"]
		text, ok := content.(string)
		if !ok {
			data, err := json.Marshal(content)
			if err != nil {
				continue
			}
			text = string(data)
		}
		if id, _ := response["component_id"].(string); id != "" && len(responses) > 1 {
			text = fmt.Sprintf("[%s]\n%s", id, text)
		}
		parts = append(parts, text)
	}

	if logging.IsDebugMode() && len(parts) == 0 {
		logging.Get(logging.CategoryPipeline).Debug("Transcript carries no component responses")
	}
	return strings.Join(parts, "\n\n")
}

// assistanceLog extracts the transcript's assistance entries, if any.
func assistanceLog(transcript map[string]interface{}) []interface{} {
	engagement, _ := transcript["student_engagement"].(map[string]interface{})
	if engagement == nil {
		return []interface{}{}
	}
	entries, _ := engagement["assistance_log"].([]interface{})
	if entries == nil {
		return []interface{}{}
	}
	return entries
}
