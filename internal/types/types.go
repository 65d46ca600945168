// Package types defines the shared data structures passed between the
// pipeline, gateway, scoring engine, and persistence layers.
package types

import "time"

// ActivityType identifies the shape of an activity's content block.
type ActivityType string

const (
	ActivityConstructedResponse ActivityType = "CR"
	ActivityCoding              ActivityType = "COD"
	ActivityRolePlay            ActivityType = "RP"
	ActivitySelectedResponse    ActivityType = "SR"
	ActivityBranching           ActivityType = "BR"
)

// ValidActivityTypes lists every recognized activity type.
var ValidActivityTypes = []ActivityType{
	ActivityConstructedResponse,
	ActivityCoding,
	ActivityRolePlay,
	ActivitySelectedResponse,
	ActivityBranching,
}

// IsValidActivityType reports whether t is a recognized activity type.
func IsValidActivityType(t ActivityType) bool {
	for _, v := range ValidActivityTypes {
		if v == t {
			return true
		}
	}
	return false
}

// RubricAspect is one scored dimension of a rubric.
type RubricAspect struct {
	AspectID    string  `json:"aspect_id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Weight      float64 `json:"weight"`
}

// Rubric holds the evaluation dimensions for rubric-scored activity types.
type Rubric struct {
	Aspects []RubricAspect `json:"aspects"`
}

// ActivitySpec is a parsed activity definition file. Immutable once loaded.
type ActivitySpec struct {
	ActivityID           string                 `json:"activity_id"`
	ActivityType         ActivityType           `json:"activity_type"`
	Title                string                 `json:"title"`
	Description          string                 `json:"description"`
	TargetSkill          string                 `json:"target_skill"`
	TargetEvidenceVolume float64                `json:"target_evidence_volume"`
	CognitiveLevel       string                 `json:"cognitive_level"`
	DepthLevel           string                 `json:"depth_level"`
	Rubric               *Rubric                `json:"rubric,omitempty"`
	Content              map[string]interface{} `json:"content"`
	Metadata             map[string]interface{} `json:"metadata"`
	Version              string                 `json:"version,omitempty"`
}

// LearnerProfile is one learner's identity record.
type LearnerProfile struct {
	LearnerID       string `json:"learner_id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	EnrollmentDate  string `json:"enrollment_date"`
	Status          string `json:"status"`
	Background      string `json:"background"`
	ExperienceLevel string `json:"experience_level"`
	Created         string `json:"created"`
	LastUpdated     string `json:"last_updated"`
}

// ActivityRecord is the append-only record of one completed evaluation.
type ActivityRecord struct {
	RecordID           int64                  `json:"record_id"`
	ActivityID         string                 `json:"activity_id"`
	LearnerID          string                 `json:"learner_id"`
	Timestamp          string                 `json:"timestamp"`
	EvaluationResult   map[string]interface{} `json:"evaluation_result"`
	ActivityTranscript map[string]interface{} `json:"activity_transcript"`
	Scored             bool                   `json:"scored"`
}

// SkillProgress is the per-(skill, learner) mastery state.
type SkillProgress struct {
	SkillID                string  `json:"skill_id"`
	LearnerID              string  `json:"learner_id"`
	SkillName              string  `json:"skill_name"`
	CumulativeScore        float64 `json:"cumulative_score"`
	TotalAdjustedEvidence  float64 `json:"total_adjusted_evidence"`
	ActivityCount          int     `json:"activity_count"`
	Gate1Status            string  `json:"gate_1_status"`
	Gate2Status            string  `json:"gate_2_status"`
	OverallStatus          string  `json:"overall_status"`
	ConfidenceIntervalLow  float64 `json:"confidence_interval_lower"`
	ConfidenceIntervalHigh float64 `json:"confidence_interval_upper"`
	StandardError          float64 `json:"standard_error"`
	LastUpdated            string  `json:"last_updated"`
}

// HistoryRow is one entry of the per-(learner, skill) evidence ledger. All
// cumulative computations read from these rows.
type HistoryRow struct {
	ID                          int64   `json:"id"`
	LearnerID                   string  `json:"learner_id"`
	ActivityID                  string  `json:"activity_id"`
	SkillID                     string  `json:"skill_id"`
	CompletionTimestamp         string  `json:"completion_timestamp"`
	ActivityType                string  `json:"activity_type"`
	ActivityTitle               string  `json:"activity_title"`
	PerformanceScore            float64 `json:"performance_score"`
	TargetEvidenceVolume        float64 `json:"target_evidence_volume"`
	ValidityModifier            float64 `json:"validity_modifier"`
	AdjustedEvidenceVolume      float64 `json:"adjusted_evidence_volume"`
	CumulativeEvidenceWeight    float64 `json:"cumulative_evidence_weight"`
	DecayFactor                 float64 `json:"decay_factor"`
	DecayAdjustedEvidenceVolume float64 `json:"decay_adjusted_evidence_volume"`
	CumulativePerformance       float64 `json:"cumulative_performance"`
	CumulativeEvidence          float64 `json:"cumulative_evidence"`
	EvaluationResult            string  `json:"evaluation_result,omitempty"`
	ActivityTranscript          string  `json:"activity_transcript,omitempty"`
}

// PhaseResult captures the outcome of one pipeline phase.
type PhaseResult struct {
	PhaseName    string                 `json:"phase_name"`
	Success      bool                   `json:"success"`
	Result       map[string]interface{} `json:"result,omitempty"`
	Error        string                 `json:"error,omitempty"`
	DurationMs   int64                  `json:"duration_ms"`
	TokensUsed   int                    `json:"tokens_used"`
	CostEstimate float64                `json:"cost_estimate"`
	Provider     string                 `json:"provider,omitempty"`
}

// EvaluationResult is the aggregate outcome of one pipeline run.
type EvaluationResult struct {
	EvaluationID    string                 `json:"evaluation_id"`
	ActivityID      string                 `json:"activity_id"`
	LearnerID       string                 `json:"learner_id"`
	Timestamp       string                 `json:"timestamp"`
	OverallSuccess  bool                   `json:"overall_success"`
	PipelinePhases  []PhaseResult          `json:"pipeline_phases"`
	TotalDurationMs int64                  `json:"total_duration_ms"`
	TotalTokens     int                    `json:"total_tokens"`
	TotalCost       float64                `json:"total_cost"`
	Error           string                 `json:"error,omitempty"`
	Summary         map[string]interface{} `json:"summary,omitempty"`
}

// Phase returns the named phase result, or nil if the phase did not run.
func (r *EvaluationResult) Phase(name string) *PhaseResult {
	for i := range r.PipelinePhases {
		if r.PipelinePhases[i].PhaseName == name {
			return &r.PipelinePhases[i]
		}
	}
	return nil
}

// UTCTimestamp formats t as UTC ISO-8601 with a terminal Z, the format used
// for every persisted timestamp.
func UTCTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000Z")
}
