// Package pipeline orchestrates the four-phase evaluation of a learner
// submission: combined evaluation, scoring, intelligent feedback, and the
// disabled trend stub. Phases run strictly in order; a failed phase yields a
// schema-valid default payload and the pipeline continues.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"skillforge/internal/activity"
	"skillforge/internal/config"
	"skillforge/internal/gateway"
	"skillforge/internal/logging"
	"skillforge/internal/prompt"
	"skillforge/internal/scoring"
	"skillforge/internal/store"
	"skillforge/internal/types"
)

// LLMCaller is the gateway surface the orchestrator needs.
type LLMCaller interface {
	Call(ctx context.Context, systemPrompt, userPrompt, phase string, pc config.PhaseLLMConfig) gateway.Response
}

// Submission is one learner attempt entering the pipeline.
type Submission struct {
	ActivityID         string                 `json:"activity_id"`
	LearnerID          string                 `json:"learner_id"`
	ActivityTranscript map[string]interface{} `json:"activity_transcript"`
}

// Orchestrator wires the pipeline's collaborators together. Safe for
// concurrent use; per-learner ordering is enforced by the scoring engine.
type Orchestrator struct {
	store   *store.Store
	cfg     *config.Manager
	loader  *activity.Loader
	builder *prompt.Builder
	llm     LLMCaller
	engine  *scoring.Engine
	events  *logging.EventLog

	summaries *summaryCache
}

// New creates an orchestrator over the given collaborators.
func New(st *store.Store, cfg *config.Manager, loader *activity.Loader, builder *prompt.Builder, llm LLMCaller, engine *scoring.Engine, events *logging.EventLog) *Orchestrator {
	return &Orchestrator{
		store:     st,
		cfg:       cfg,
		loader:    loader,
		builder:   builder,
		llm:       llm,
		engine:    engine,
		events:    events,
		summaries: newSummaryCache(),
	}
}

// Evaluate runs the full pipeline for one submission. It never returns an
// error: validation failures produce a failed result with no phases, and
// phase failures produce default payloads while the pipeline advances.
func (o *Orchestrator) Evaluate(ctx context.Context, sub *Submission) *types.EvaluationResult {
	log := logging.Get(logging.CategoryPipeline)
	start := time.Now()

	result := &types.EvaluationResult{
		EvaluationID: uuid.NewString(),
		ActivityID:   sub.ActivityID,
		LearnerID:    sub.LearnerID,
		Timestamp:    types.UTCTimestamp(start),
	}
	o.events.EvaluationStart(result.EvaluationID, sub.LearnerID, sub.ActivityID)

	spec, err := o.validate(sub)
	if err != nil {
		result.Error = err.Error()
		o.events.Errorf("SubmissionValidationError", "", err, "submission rejected for learner %q, activity %q", sub.LearnerID, sub.ActivityID)
		o.events.EvaluationComplete(result.EvaluationID, false, time.Since(start).Milliseconds(), 0, 0)
		log.Warn("Submission rejected: %v", err)
		return result
	}

	// Phase 1: combined evaluation.
	combinedPhase, combined := o.runCombinedEvaluation(ctx, result, spec, sub)
	result.PipelinePhases = append(result.PipelinePhases, combinedPhase)

	// Phase 2: scoring. Never calls the LLM.
	scoringPhase, scored := o.runScoring(result, spec, combined)
	result.PipelinePhases = append(result.PipelinePhases, scoringPhase)

	// Phase 3: intelligent feedback.
	feedbackPhase := o.runIntelligentFeedback(ctx, result, spec, sub, combined, scored)
	result.PipelinePhases = append(result.PipelinePhases, feedbackPhase)

	// Phase 4: trend analysis is permanently disabled upstream.
	result.PipelinePhases = append(result.PipelinePhases, trendPhase())

	result.OverallSuccess = true
	for _, phase := range result.PipelinePhases {
		result.TotalTokens += phase.TokensUsed
		result.TotalCost += phase.CostEstimate
		if !phase.Success {
			result.OverallSuccess = false
		}
	}
	result.TotalDurationMs = time.Since(start).Milliseconds()
	result.Summary = o.buildSummary(spec, combined, scored)

	o.persist(result, sub, scoringPhase.Success)
	o.summaries.invalidate(sub.LearnerID)

	o.events.EvaluationComplete(result.EvaluationID, result.OverallSuccess,
		result.TotalDurationMs, result.TotalTokens, result.TotalCost)
	log.Info("Evaluation %s complete: success=%v, %d phases, %dms",
		result.EvaluationID, result.OverallSuccess, len(result.PipelinePhases), result.TotalDurationMs)
	return result
}

// validate rejects submissions with missing identifiers or unknown
// learner/activity references before any phase runs.
func (o *Orchestrator) validate(sub *Submission) (*types.ActivitySpec, error) {
	if sub.ActivityID == "" {
		return nil, fmt.Errorf("submission missing activity_id")
	}
	if sub.LearnerID == "" {
		return nil, fmt.Errorf("submission missing learner_id")
	}

	learner, err := o.store.GetLearner(sub.LearnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up learner %s: %w", sub.LearnerID, err)
	}
	if learner == nil {
		return nil, fmt.Errorf("unknown learner %s", sub.LearnerID)
	}

	spec, err := o.loader.Get(sub.ActivityID)
	if err != nil {
		return nil, fmt.Errorf("unknown activity %s: %w", sub.ActivityID, err)
	}
	return spec, nil
}

// historicalSummary returns the learner's summary, computing it at most once
// per (learner, row_count).
func (o *Orchestrator) historicalSummary(learnerID string) *HistoricalSummary {
	rowCount, err := o.store.HistoryRowCount(learnerID)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Error("Failed to count history for %s: %v", learnerID, err)
		return summarizeHistory(nil)
	}
	if summary, ok := o.summaries.get(learnerID, rowCount); ok {
		return summary
	}

	rows, err := o.store.LearnerHistory(learnerID)
	if err != nil {
		logging.Get(logging.CategoryPipeline).Error("Failed to load history for %s: %v", learnerID, err)
		return summarizeHistory(nil)
	}
	summary := summarizeHistory(rows)
	o.summaries.put(learnerID, rowCount, summary)
	return summary
}

// persist saves the activity record. Storage failure is logged; the caller
// still receives the in-memory result.
func (o *Orchestrator) persist(result *types.EvaluationResult, sub *Submission, scored bool) {
	record := &types.ActivityRecord{
		ActivityID:         sub.ActivityID,
		LearnerID:          sub.LearnerID,
		Timestamp:          result.Timestamp,
		EvaluationResult:   evaluationResultMap(result),
		ActivityTranscript: sub.ActivityTranscript,
		Scored:             scored,
	}
	if _, err := o.store.SaveActivityRecord(record); err != nil {
		o.events.Errorf("StorageError", "", err, "failed to persist activity record for %s", sub.LearnerID)
		logging.Get(logging.CategoryPipeline).Error("Failed to persist activity record: %v", err)
	}
}

// evaluationResultMap flattens the result for JSON storage.
func evaluationResultMap(result *types.EvaluationResult) map[string]interface{} {
	phases := make([]interface{}, 0, len(result.PipelinePhases))
	for _, phase := range result.PipelinePhases {
		phases = append(phases, map[string]interface{}{
			"phase":         phase.PhaseName,
			"success":       phase.Success,
			"result":        phase.Result,
			"error":         phase.Error,
			"duration_ms":   phase.DurationMs,
			"tokens_used":   phase.TokensUsed,
			"cost_estimate": phase.CostEstimate,
			"provider":      phase.Provider,
		})
	}
	return map[string]interface{}{
		"evaluation_id":     result.EvaluationID,
		"timestamp":         result.Timestamp,
		"overall_success":   result.OverallSuccess,
		"pipeline_phases":   phases,
		"total_duration_ms": result.TotalDurationMs,
		"total_tokens":      result.TotalTokens,
		"total_cost":        result.TotalCost,
		"summary":           result.Summary,
	}
}

func (o *Orchestrator) buildSummary(spec *types.ActivitySpec, combined map[string]interface{}, scored *scoring.Result) map[string]interface{} {
	summary := map[string]interface{}{
		"activity_title": spec.Title,
		"activity_type":  string(spec.ActivityType),
		"target_skill":   spec.TargetSkill,
	}
	if combined != nil {
		summary["overall_score"] = combined["overall_score"]
		summary["validity_modifier"] = combined["validity_modifier"]
	}
	if scored != nil {
		statuses := make(map[string]string, len(scored.Skills))
		for id, skill := range scored.Skills {
			statuses[id] = skill.OverallStatus
		}
		summary["skill_statuses"] = statuses
	}
	return summary
}
