package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"skillforge/internal/activity"
	"skillforge/internal/config"
	"skillforge/internal/gateway"
	"skillforge/internal/prompt"
	"skillforge/internal/scoring"
	"skillforge/internal/store"
	"skillforge/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubLLM scripts per-phase gateway responses and records call order.
type stubLLM struct {
	responses map[string]gateway.Response
	calls     []string
}

func (s *stubLLM) Call(ctx context.Context, system, user, phase string, pc config.PhaseLLMConfig) gateway.Response {
	s.calls = append(s.calls, phase)
	if r, ok := s.responses[phase]; ok {
		return r
	}
	return gateway.Response{Success: false, Error: "no stubbed response"}
}

func successResponse(content string) gateway.Response {
	return gateway.Response{Content: content, Provider: "openai", Success: true, TokensUsed: 150, CostEstimate: 0.0005}
}

const combinedContent = `{"aspect_scores":[],"overall_score":0.8,"rationale":"solid work",` +
	`"validity_modifier":1.0,"validity_analysis":"independent","validity_reason":"no assistance",` +
	`"evidence_quality":"good","assistance_impact":"none","evidence_volume_assessment":"adequate",` +
	`"assessment_confidence":"high","key_observations":["clear structure"]}`

const feedbackContent = `{"intelligent_feedback":{"backend_intelligence":{"overview":"ok",` +
	`"strengths":["s"],"weaknesses":["w"],"subskill_ratings":[]},` +
	`"learner_feedback":{"overall":"nice","strengths":"s","opportunities":"o"}}}`

func happyStub() *stubLLM {
	return &stubLLM{responses: map[string]gateway.Response{
		prompt.PhaseCombined:            successResponse(combinedContent),
		prompt.PhaseIntelligentFeedback: successResponse(feedbackContent),
	}}
}

func writeActivityFile(t *testing.T, dir string) {
	t.Helper()
	spec := map[string]interface{}{
		"activity_id":            "ACT-1",
		"activity_type":          "CR",
		"title":                  "Explain the tradeoff",
		"description":            "Write a short analysis of the design tradeoff.",
		"target_skill":           "S001",
		"target_evidence_volume": 4.0,
		"cognitive_level":        "L2",
		"depth_level":            "D2",
		"rubric": map[string]interface{}{
			"aspects": []map[string]interface{}{
				{"aspect_id": "A1", "name": "Clarity", "description": "Clear reasoning", "weight": 1.0},
			},
		},
		"content": map[string]interface{}{
			"prompt":              "Explain the tradeoff between X and Y.",
			"response_guidelines": "Two paragraphs, cite the constraint.",
		},
		"metadata": map[string]interface{}{},
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ACT-1.json"), data, 0644))
}

func newTestOrchestrator(t *testing.T, llm LLMCaller) (*Orchestrator, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	activityDir := t.TempDir()
	writeActivityFile(t, activityDir)
	loader, err := activity.NewLoader(activityDir)
	require.NoError(t, err)
	t.Cleanup(func() { loader.Close() })

	require.NoError(t, st.CreateLearner(&types.LearnerProfile{
		LearnerID: "L1", Name: "Test Learner", Email: "l1@example.com",
	}))

	engine := scoring.New(st, cfg)
	builder := prompt.NewBuilder(cfg)
	return New(st, cfg, loader, builder, llm, engine, nil), st
}

func submission() *Submission {
	return &Submission{
		ActivityID: "ACT-1",
		LearnerID:  "L1",
		ActivityTranscript: map[string]interface{}{
			"student_engagement": map[string]interface{}{
				"completion_status": "completed",
				"component_responses": []interface{}{
					map[string]interface{}{
						"component_id":     "C1",
						"response_content": "The tradeoff favors X because of the latency constraint.",
						"response_type":    "text",
					},
				},
				"assistance_log": []interface{}{},
			},
		},
	}
}

func TestEvaluateHappyPath(t *testing.T) {
	llm := happyStub()
	o, st := newTestOrchestrator(t, llm)

	result := o.Evaluate(context.Background(), submission())
	require.NotNil(t, result)
	assert.True(t, result.OverallSuccess)
	assert.NotEmpty(t, result.EvaluationID)

	require.Len(t, result.PipelinePhases, 4)
	names := []string{
		result.PipelinePhases[0].PhaseName,
		result.PipelinePhases[1].PhaseName,
		result.PipelinePhases[2].PhaseName,
		result.PipelinePhases[3].PhaseName,
	}
	assert.Equal(t, []string{"combined_evaluation", "scoring", "intelligent_feedback", "trend_analysis"}, names)
	assert.Equal(t, []string{"combined_evaluation", "intelligent_feedback"}, llm.calls,
		"only phases 1 and 3 reach the gateway")

	combined := result.Phase("combined_evaluation")
	require.NotNil(t, combined)
	assert.True(t, combined.Success)
	assert.Equal(t, 0.8, combined.Result["overall_score"])
	assert.Equal(t, 4.0, combined.Result["target_evidence_volume"], "spec evidence volume is authoritative")

	assert.Equal(t, 300, result.TotalTokens)
	assert.InDelta(t, 0.001, result.TotalCost, 1e-9)

	rows, err := st.HistoryChronological("L1", "S001")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.8, rows[0].PerformanceScore)
	assert.Equal(t, 4.0, rows[0].AdjustedEvidenceVolume)

	records, err := st.GetActivityRecords("L1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Scored)
}

func TestEvaluateValidationFailures(t *testing.T) {
	cases := []struct {
		name string
		sub  *Submission
	}{
		{"missing activity_id", &Submission{LearnerID: "L1"}},
		{"missing learner_id", &Submission{ActivityID: "ACT-1"}},
		{"unknown learner", &Submission{ActivityID: "ACT-1", LearnerID: "NOBODY"}},
		{"unknown activity", &Submission{ActivityID: "ACT-404", LearnerID: "L1"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			llm := happyStub()
			o, st := newTestOrchestrator(t, llm)

			result := o.Evaluate(context.Background(), c.sub)
			assert.False(t, result.OverallSuccess)
			assert.NotEmpty(t, result.Error)
			assert.Empty(t, result.PipelinePhases, "no phase runs on a rejected submission")
			assert.Empty(t, llm.calls)

			records, err := st.GetActivityRecords(c.sub.LearnerID)
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestEvaluateLLMFailureUsesDefaults(t *testing.T) {
	llm := &stubLLM{responses: map[string]gateway.Response{
		prompt.PhaseCombined:            {Success: false, Error: "all providers failed"},
		prompt.PhaseIntelligentFeedback: successResponse(feedbackContent),
	}}
	o, st := newTestOrchestrator(t, llm)

	result := o.Evaluate(context.Background(), submission())
	assert.False(t, result.OverallSuccess)
	require.Len(t, result.PipelinePhases, 4)

	combined := result.Phase("combined_evaluation")
	require.NotNil(t, combined)
	assert.False(t, combined.Success)
	assert.Equal(t, 0.5, combined.Result["overall_score"])
	assert.Equal(t, 1.0, combined.Result["validity_modifier"])
	assert.Equal(t, "unavailable", combined.Result["rationale"])

	// Scoring still ran against the defaults.
	scoringPhase := result.Phase("scoring")
	require.NotNil(t, scoringPhase)
	assert.True(t, scoringPhase.Success)

	rows, err := st.HistoryChronological("L1", "S001")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.5, rows[0].PerformanceScore)
	assert.Equal(t, 4.0, rows[0].AdjustedEvidenceVolume)

	// The record is persisted regardless of phase failures.
	records, err := st.GetActivityRecords("L1")
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestEvaluateParseFailureUsesDefaults(t *testing.T) {
	llm := &stubLLM{responses: map[string]gateway.Response{
		prompt.PhaseCombined:            successResponse("this is not JSON"),
		prompt.PhaseIntelligentFeedback: successResponse(`{"wrong_shape": true}`),
	}}
	o, _ := newTestOrchestrator(t, llm)

	result := o.Evaluate(context.Background(), submission())
	assert.False(t, result.OverallSuccess)

	combined := result.Phase("combined_evaluation")
	require.NotNil(t, combined)
	assert.False(t, combined.Success)
	assert.Equal(t, 0.5, combined.Result["overall_score"])

	feedback := result.Phase("intelligent_feedback")
	require.NotNil(t, feedback)
	assert.False(t, feedback.Success)
	assert.Contains(t, feedback.Result, "intelligent_feedback")
}

func TestTrendPhaseDisabled(t *testing.T) {
	o, _ := newTestOrchestrator(t, happyStub())

	result := o.Evaluate(context.Background(), submission())
	trend := result.Phase("trend_analysis")
	require.NotNil(t, trend)
	assert.True(t, trend.Success)
	assert.Equal(t, "disabled", trend.Result["status"])
	assert.Zero(t, trend.TokensUsed)
}

func TestSummaryCacheInvalidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, happyStub())

	// Prime the cache for the learner's empty history.
	o.historicalSummary("L1")
	o.summaries.mu.RLock()
	_, cached := o.summaries.entries["L1"]
	o.summaries.mu.RUnlock()
	require.True(t, cached)

	o.Evaluate(context.Background(), submission())

	o.summaries.mu.RLock()
	_, cached = o.summaries.entries["L1"]
	o.summaries.mu.RUnlock()
	assert.False(t, cached, "cache entry must be dropped after the submission commits")
}

func TestSummaryCacheKeyedOnRowCount(t *testing.T) {
	cache := newSummaryCache()
	summary := &HistoricalSummary{ActivityCount: 2}
	cache.put("L1", 2, summary)

	got, ok := cache.get("L1", 2)
	require.True(t, ok)
	assert.Same(t, summary, got)

	_, ok = cache.get("L1", 3)
	assert.False(t, ok, "a changed row count must miss")
}

func TestResetThenResubmitMatchesFirstRun(t *testing.T) {
	o, st := newTestOrchestrator(t, happyStub())

	first := o.Evaluate(context.Background(), submission())
	require.True(t, first.OverallSuccess)

	require.NoError(t, st.ResetLearnerHistory("L1"))
	rows, err := st.HistoryChronological("L1", "S001")
	require.NoError(t, err)
	assert.Empty(t, rows)

	second := o.Evaluate(context.Background(), submission())
	require.True(t, second.OverallSuccess)

	rows, err = st.HistoryChronological("L1", "S001")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 4.0, rows[0].CumulativeEvidence, "post-reset submission starts from zero evidence")

	progress, err := st.GetSkillProgress("L1", "S001")
	require.NoError(t, err)
	assert.Equal(t, 1, progress.ActivityCount)
}

func TestSummarizeHistory(t *testing.T) {
	row := func(score float64, activityType, ts string) types.HistoryRow {
		return types.HistoryRow{
			ActivityID:          "ACT-" + ts,
			ActivityType:        activityType,
			PerformanceScore:    score,
			CompletionTimestamp: ts,
		}
	}

	t.Run("empty history", func(t *testing.T) {
		s := summarizeHistory(nil)
		assert.Zero(t, s.ActivityCount)
		assert.Equal(t, TrendStable, s.Trend)
		assert.Equal(t, ConsistencyUnknown, s.Consistency)
	})

	t.Run("improving trend", func(t *testing.T) {
		s := summarizeHistory([]types.HistoryRow{
			row(0.4, "CR", "t1"), row(0.6, "CR", "t2"), row(0.8, "COD", "t3"),
		})
		assert.Equal(t, TrendImproving, s.Trend)
		assert.InDelta(t, 0.6, s.AverageScore, 1e-9)
		assert.Equal(t, map[string]int{"CR": 2, "COD": 1}, s.TypeDistribution)
	})

	t.Run("declining trend", func(t *testing.T) {
		s := summarizeHistory([]types.HistoryRow{
			row(0.9, "CR", "t1"), row(0.7, "CR", "t2"), row(0.5, "CR", "t3"),
		})
		assert.Equal(t, TrendDeclining, s.Trend)
	})

	t.Run("consistency bands", func(t *testing.T) {
		steady := summarizeHistory([]types.HistoryRow{
			row(0.70, "CR", "t1"), row(0.72, "CR", "t2"), row(0.71, "CR", "t3"),
		})
		assert.Equal(t, ConsistencyHigh, steady.Consistency)

		erratic := summarizeHistory([]types.HistoryRow{
			row(0.1, "CR", "t1"), row(0.9, "CR", "t2"), row(0.2, "CR", "t3"),
		})
		assert.Equal(t, ConsistencyLow, erratic.Consistency)
	})

	t.Run("last five only", func(t *testing.T) {
		var rows []types.HistoryRow
		for i := 0; i < 8; i++ {
			rows = append(rows, row(0.5, "CR", fmt.Sprintf("t%d", i)))
		}
		s := summarizeHistory(rows)
		assert.Equal(t, 8, s.ActivityCount)
		assert.Len(t, s.RecentActivities, 5)
		assert.Equal(t, "t3", s.RecentActivities[0]["timestamp"])
	})

	t.Run("short history has unknown consistency", func(t *testing.T) {
		s := summarizeHistory([]types.HistoryRow{row(0.5, "CR", "t1"), row(0.6, "CR", "t2")})
		assert.Equal(t, ConsistencyUnknown, s.Consistency)
		assert.Equal(t, TrendStable, s.Trend)
	})
}
