package prompt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// defaultComponents are the named system-prompt building blocks. Keys of the
// form phase_<name> and type_<code> select per-phase and per-activity-type
// text; everything else is shared.
var defaultComponents = map[string]string{
	"system_role": `You are an expert educational evaluator. You assess learner submissions rigorously and fairly, grounding every judgment in observable evidence from the submission itself.`,

	"evaluation_philosophy": `Evaluation philosophy: evidence over impression. Score only what the submission demonstrates. Partial credit reflects partial demonstration, not effort. Uncertainty belongs in the confidence assessment, never in inflated scores.`,

	"domain_focus": `Stay within the target domain. Do not reward fluency in adjacent topics that the activity does not assess.`,

	"single_skill_focus": `Each activity targets exactly one primary skill. Evaluate evidence for that skill only; note but do not score incidental demonstrations of other skills.`,

	"phase_combined_evaluation": `Phase: combined evaluation. Produce rubric aspect scores, an overall score in [0,1], and a validity analysis in a single pass. The validity modifier in [0,1] reflects how much external assistance contaminated the evidence (1.0 = fully independent work).`,

	"phase_intelligent_feedback": `Phase: intelligent feedback. Produce two layers: backend intelligence for instructors (overview, strengths, weaknesses, subskill ratings) and learner-facing feedback written directly to the learner in an encouraging, specific voice.`,

	"type_CR": `Activity type: constructed response. Judge the written response against the prompt and response guidelines. Quote the response when citing evidence.`,

	"type_COD": `Activity type: coding. Judge correctness against the test cases first, then code quality against the rubric. Partial solutions earn credit for the components that work.`,

	"type_RP": `Activity type: role play. Judge the learner's turns in the transcript against the scenario objectives. The scripted character's turns are context, not learner evidence.`,

	"type_SR": `Activity type: selected response. The selection is objectively right or wrong; the rationale, if captured, informs the validity analysis only.`,

	"type_BR": `Activity type: branching scenario. Judge the decision path against the scenario's decision points. Early wrong turns that the learner recovers from count as partial evidence.`,

	"critical_guidelines": `Critical guidelines: never invent evidence; never score above what the evidence supports; flag suspected plagiarism or tool-generated work through the validity modifier rather than the score; keep all numeric outputs in [0,1].`,

	"json_format_warning": `Respond with a single JSON object only. No prose before or after. No Markdown code fences.`,
}

// userTemplates are the per-phase user prompt templates. Placeholders use
// {name}; non-string values are substituted as indented JSON.
var userTemplates = map[string]string{
	PhaseCombined: `Evaluate this learner submission.

ACTIVITY
Title: {activity_title}
Type: {activity_type}
Description: {activity_description}
Target skill: {target_skill}
Target evidence volume: {target_evidence_volume}

RUBRIC
{rubric}

LEARNER SUBMISSION
{learner_response}

ASSISTANCE LOG
{assistance_log}

Return a JSON object with exactly these fields:
{
  "aspect_scores": [{"aspect_id": "...", "score": 0.0, "rationale": "..."}],
  "overall_score": 0.0,
  "rationale": "...",
  "validity_modifier": 1.0,
  "validity_analysis": "...",
  "validity_reason": "...",
  "evidence_quality": "...",
  "assistance_impact": "...",
  "evidence_volume_assessment": "...",
  "assessment_confidence": "...",
  "key_observations": ["..."]
}`,

	PhaseIntelligentFeedback: `Write feedback for this evaluated submission.

ACTIVITY
Title: {activity_title}
Target skill: {target_skill}

EVALUATION SUMMARY
{evaluation_summary}

LEARNER HISTORY
{historical_summary}

LEARNER SUBMISSION
{learner_response}

Return a JSON object with exactly this shape:
{
  "intelligent_feedback": {
    "backend_intelligence": {
      "overview": "...",
      "strengths": ["..."],
      "weaknesses": ["..."],
      "subskill_ratings": [{"subskill": "...", "rating": "..."}]
    },
    "learner_feedback": {
      "overall": "...",
      "strengths": "...",
      "opportunities": "..."
    }
  }
}`,
}

// requiredVariables lists the context keys each phase template needs.
var requiredVariables = map[string][]string{
	PhaseCombined: {
		"activity_title", "activity_type", "activity_description",
		"target_skill", "target_evidence_volume", "rubric",
		"learner_response", "assistance_log",
	},
	PhaseIntelligentFeedback: {
		"activity_title", "target_skill", "evaluation_summary",
		"historical_summary", "learner_response",
	},
}

// outputSchemas declare the expected top-level fields per phase. The
// pipeline validates decoded responses against these before accepting them.
var outputSchemas = map[string]map[string]interface{}{
	PhaseCombined: {
		"required": []string{"overall_score", "validity_modifier"},
		"fields": []string{
			"aspect_scores", "overall_score", "rationale",
			"validity_modifier", "validity_analysis", "validity_reason",
			"evidence_quality", "assistance_impact",
			"evidence_volume_assessment", "assessment_confidence",
			"key_observations",
		},
	},
	PhaseIntelligentFeedback: {
		"required": []string{"intelligent_feedback"},
		"fields":   []string{"intelligent_feedback"},
	},
}

// componentOverrides is the shape of the optional prompts.yaml file.
type componentOverrides struct {
	Components map[string]string `yaml:"components"`
}

// LoadOverrides replaces named components from a YAML file. Unknown names
// are rejected so typos do not silently leave defaults in place.
func (b *Builder) LoadOverrides(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read prompt overrides: %w", err)
	}

	var overrides componentOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse prompt overrides: %w", err)
	}

	for name, text := range overrides.Components {
		if _, ok := b.components[name]; !ok {
			return fmt.Errorf("unknown prompt component %q", name)
		}
		b.components[name] = text
	}
	return nil
}
