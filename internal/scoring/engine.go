// Package scoring implements evidence-volume-decay cumulative scoring with
// dual-gate mastery status. All cumulative quantities derive from the
// per-(learner, skill) history ledger in the store.
package scoring

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"skillforge/internal/config"
	"skillforge/internal/logging"
	"skillforge/internal/store"
	"skillforge/internal/types"
)

// Mastery status values, ordered needs_improvement < developing <
// approaching < passed. Mastered is reserved for both gates passed.
const (
	StatusMastered         = "mastered"
	StatusPassed           = "passed"
	StatusApproaching      = "approaching"
	StatusDeveloping       = "developing"
	StatusNeedsImprovement = "needs_improvement"
	StatusUnknown          = "unknown"
)

var statusLadder = []string{StatusNeedsImprovement, StatusDeveloping, StatusApproaching, StatusPassed}

func statusLevel(status string) int {
	for i, s := range statusLadder {
		if s == status {
			return i
		}
	}
	return 0
}

// adjustedEvidence is the validity-adjusted evidence volume of one row.
func adjustedEvidence(row *types.HistoryRow) float64 {
	return row.TargetEvidenceVolume * row.ValidityModifier
}

// cumulativeScore computes the decay-weighted running average over rows
// ordered newest first. Each row's weight is its adjusted evidence decayed by
// d raised to the evidence accumulated after it; the newest row never decays.
// An empty or zero-weight set yields the prior mean.
func cumulativeScore(rows []types.HistoryRow, decayFactor, priorMean float64) float64 {
	var weightedSum, totalWeight, evidenceAfter float64

	for i := range rows {
		adjusted := adjustedEvidence(&rows[i])
		decay := math.Pow(decayFactor, evidenceAfter)
		weight := adjusted * decay

		weightedSum += rows[i].PerformanceScore * weight
		totalWeight += weight
		evidenceAfter += adjusted
	}

	if totalWeight == 0 {
		return priorMean
	}
	return weightedSum / totalWeight
}

// totalEvidence sums validity-adjusted evidence with no decay. Gate 2 reads
// this quantity.
func totalEvidence(rows []types.HistoryRow) float64 {
	var total float64
	for i := range rows {
		total += adjustedEvidence(&rows[i])
	}
	return total
}

// standardError estimates measurement error, shrinking with activity count
// and accumulated evidence. A single activity gets a fixed default.
func standardError(n int, totalEvidence float64) float64 {
	if n < 2 {
		return 0.15
	}
	sem := 0.20 / math.Sqrt(float64(n)) / math.Sqrt(math.Max(totalEvidence, 1))
	return math.Max(0.05, math.Min(0.25, sem))
}

// confidenceInterval returns the 95% interval around score, clamped to [0,1].
func confidenceInterval(score, sem float64) (float64, float64) {
	margin := 1.96 * sem
	return math.Max(0.0, score-margin), math.Min(1.0, score+margin)
}

// gate1Status bands the cumulative score. Comparisons are inclusive.
func gate1Status(score float64, t config.GateThresholds) string {
	switch {
	case score >= t.Passed:
		return StatusPassed
	case score >= t.Approaching:
		return StatusApproaching
	case score >= t.Developing:
		return StatusDeveloping
	default:
		return StatusNeedsImprovement
	}
}

// gate2Status bands the total adjusted evidence. Comparisons are inclusive.
func gate2Status(evidence float64, t config.GateThresholds) string {
	switch {
	case evidence >= t.Passed:
		return StatusPassed
	case evidence >= t.Approaching:
		return StatusApproaching
	case evidence >= t.Developing:
		return StatusDeveloping
	default:
		return StatusNeedsImprovement
	}
}

// overallStatus combines the two gates. Both passed means mastered; otherwise
// the lower gate wins, and a lone passed demotes to approaching.
func overallStatus(gate1, gate2 string) string {
	if gate1 == StatusPassed && gate2 == StatusPassed {
		return StatusMastered
	}
	overall := statusLadder[min(statusLevel(gate1), statusLevel(gate2))]
	if overall == StatusPassed {
		overall = StatusApproaching
	}
	return overall
}

// SkillScore is the scored state of one skill after an activity.
type SkillScore struct {
	SkillID          string  `json:"skill_id"`
	SkillName        string  `json:"skill_name,omitempty"`
	ActivityScore    float64 `json:"activity_score"`
	CumulativeScore  float64 `json:"cumulative_score"`
	TotalEvidence    float64 `json:"total_evidence"`
	ActivityCount    int     `json:"activity_count"`
	Gate1Status      string  `json:"gate_1_status"`
	Gate2Status      string  `json:"gate_2_status"`
	OverallStatus    string  `json:"overall_status"`
	StandardError    float64 `json:"standard_error"`
	ConfidenceLow    float64 `json:"confidence_interval_lower"`
	ConfidenceHigh   float64 `json:"confidence_interval_upper"`
	ValidityModifier float64 `json:"validity_modifier"`
	TargetEvidence   float64 `json:"target_evidence_volume"`
}

// Result is the outcome of scoring one activity across its target skills.
type Result struct {
	Success bool                  `json:"success"`
	Skills  map[string]SkillScore `json:"skills"`
	Error   string                `json:"error,omitempty"`
}

// Engine scores activities against the ledger. It holds no state beyond its
// store and configuration handles; per-learner locks serialize writes so a
// learner's ledger is never read mid-update.
type Engine struct {
	store *store.Store
	cfg   *config.Manager

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a scoring engine over the given store and configuration.
func New(st *store.Store, cfg *config.Manager) *Engine {
	return &Engine{store: st, cfg: cfg, locks: make(map[string]*sync.Mutex)}
}

func (e *Engine) learnerLock(learnerID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[learnerID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[learnerID] = l
	}
	return l
}

// ScoreActivity scores one evaluated activity for a learner: it extracts the
// target skills and their evidence triples from the evaluation payload,
// appends a history row per skill, and upserts SkillProgress. Storage
// failures mark the affected skill unknown rather than failing the call.
func (e *Engine) ScoreActivity(learnerID, activityID string, payload map[string]interface{}) *Result {
	log := logging.Get(logging.CategoryScoring)
	lock := e.learnerLock(learnerID)
	lock.Lock()
	defer lock.Unlock()

	scoring := e.cfg.Scoring()
	timestamp := payloadTimestamp(payload)
	activityType, activityTitle := activityInfo(payload)
	evaluationJSON := marshalOrEmpty(payload)

	result := &Result{Success: true, Skills: make(map[string]SkillScore)}

	for _, skillID := range ExtractTargetSkills(payload) {
		data := ExtractSkillData(payload, skillID)
		adjusted := data.TargetEvidence * data.ValidityModifier

		prior, err := e.store.HistoryRecentFirst(learnerID, skillID)
		if err != nil {
			log.Error("Failed to load history for (%s, %s): %v", learnerID, skillID, err)
			result.Skills[skillID] = SkillScore{SkillID: skillID, OverallStatus: StatusUnknown}
			result.Success = false
			continue
		}
		// A re-evaluation replaces the existing row for this activity.
		prior = withoutActivity(prior, activityID)

		var prevCumulative float64
		if len(prior) > 0 {
			prevCumulative = prior[0].CumulativeEvidence
		}

		row := types.HistoryRow{
			LearnerID:                   learnerID,
			ActivityID:                  activityID,
			SkillID:                     skillID,
			CompletionTimestamp:         timestamp,
			ActivityType:                activityType,
			ActivityTitle:               activityTitle,
			PerformanceScore:            data.PerformanceScore,
			TargetEvidenceVolume:        data.TargetEvidence,
			ValidityModifier:            data.ValidityModifier,
			AdjustedEvidenceVolume:      adjusted,
			CumulativeEvidenceWeight:    adjusted,
			DecayFactor:                 scoring.DecayFactor,
			DecayAdjustedEvidenceVolume: adjusted,
			CumulativeEvidence:          prevCumulative + adjusted,
			EvaluationResult:            evaluationJSON,
		}

		all := append([]types.HistoryRow{row}, prior...)
		score := cumulativeScore(all, scoring.DecayFactor, scoring.PriorMean)
		evidence := totalEvidence(all)
		row.CumulativePerformance = score

		if err := e.store.InsertHistoryRow(&row); err != nil {
			log.Error("Failed to insert history row for (%s, %s, %s): %v", learnerID, activityID, skillID, err)
			result.Skills[skillID] = SkillScore{SkillID: skillID, OverallStatus: StatusUnknown}
			result.Success = false
			continue
		}

		progress := e.deriveProgress(learnerID, skillID, all, score, evidence, scoring)
		if err := e.store.UpsertSkillProgress(progress); err != nil {
			log.Error("Failed to upsert skill progress for (%s, %s): %v", learnerID, skillID, err)
			result.Skills[skillID] = SkillScore{SkillID: skillID, OverallStatus: StatusUnknown}
			result.Success = false
			continue
		}

		result.Skills[skillID] = SkillScore{
			SkillID:          skillID,
			SkillName:        progress.SkillName,
			ActivityScore:    data.PerformanceScore,
			CumulativeScore:  score,
			TotalEvidence:    evidence,
			ActivityCount:    len(all),
			Gate1Status:      progress.Gate1Status,
			Gate2Status:      progress.Gate2Status,
			OverallStatus:    progress.OverallStatus,
			StandardError:    progress.StandardError,
			ConfidenceLow:    progress.ConfidenceIntervalLow,
			ConfidenceHigh:   progress.ConfidenceIntervalHigh,
			ValidityModifier: data.ValidityModifier,
			TargetEvidence:   data.TargetEvidence,
		}
		log.Info("Scored (%s, %s, %s): cumulative=%.3f evidence=%.1f status=%s",
			learnerID, activityID, skillID, score, evidence, progress.OverallStatus)
	}

	if !result.Success {
		result.Error = "one or more skills could not be scored"
	}
	return result
}

// deriveProgress builds the SkillProgress record from scored quantities.
func (e *Engine) deriveProgress(learnerID, skillID string, rows []types.HistoryRow, score, evidence float64, scoring config.ScoringConfig) *types.SkillProgress {
	sem := standardError(len(rows), evidence)
	lower, upper := confidenceInterval(score, sem)
	gate1 := gate1Status(score, scoring.Gate1)
	gate2 := gate2Status(evidence, scoring.Gate2)

	skillName := skillID
	if skill := e.cfg.Domain().SkillByID(skillID); skill != nil {
		skillName = skill.Name
	}

	return &types.SkillProgress{
		SkillID:                skillID,
		LearnerID:              learnerID,
		SkillName:              skillName,
		CumulativeScore:        score,
		TotalAdjustedEvidence:  evidence,
		ActivityCount:          len(rows),
		Gate1Status:            gate1,
		Gate2Status:            gate2,
		OverallStatus:          overallStatus(gate1, gate2),
		ConfidenceIntervalLow:  lower,
		ConfidenceIntervalHigh: upper,
		StandardError:          sem,
		LastUpdated:            types.UTCTimestamp(time.Now()),
	}
}

// Recalculate recomputes every decay column of a learner's ledger under the
// current decay factor and re-derives SkillProgress for each skill. The
// operation is idempotent: it reads only non-decay columns.
func (e *Engine) Recalculate(learnerID string) (int, error) {
	log := logging.Get(logging.CategoryScoring)
	lock := e.learnerLock(learnerID)
	lock.Lock()
	defer lock.Unlock()

	scoring := e.cfg.Scoring()
	skills, err := e.store.SkillsWithHistory(learnerID)
	if err != nil {
		return 0, fmt.Errorf("failed to list skills for %s: %w", learnerID, err)
	}

	updated := 0
	for _, skillID := range skills {
		rows, err := e.store.HistoryChronological(learnerID, skillID)
		if err != nil {
			return updated, fmt.Errorf("failed to load history for (%s, %s): %w", learnerID, skillID, err)
		}

		// Evidence accumulated after row i is the adjusted sum of rows i+1..n.
		evidenceAfter := make([]float64, len(rows))
		var running float64
		for i := len(rows) - 1; i >= 0; i-- {
			evidenceAfter[i] = running
			running += adjustedEvidence(&rows[i])
		}

		for i := range rows {
			decayAdjusted := adjustedEvidence(&rows[i]) * math.Pow(scoring.DecayFactor, evidenceAfter[i])
			if err := e.store.UpdateRowDecay(rows[i].ID, decayAdjusted, decayAdjusted); err != nil {
				return updated, fmt.Errorf("failed to update row %d: %w", rows[i].ID, err)
			}
			updated++
		}

		recentFirst := make([]types.HistoryRow, len(rows))
		for i := range rows {
			recentFirst[i] = rows[len(rows)-1-i]
		}
		score := cumulativeScore(recentFirst, scoring.DecayFactor, scoring.PriorMean)
		evidence := totalEvidence(recentFirst)
		if err := e.store.UpsertSkillProgress(e.deriveProgress(learnerID, skillID, recentFirst, score, evidence, scoring)); err != nil {
			return updated, fmt.Errorf("failed to re-derive progress for (%s, %s): %w", learnerID, skillID, err)
		}
	}

	log.Info("Recalculated %d history rows for learner %s (d=%.3f)", updated, learnerID, scoring.DecayFactor)
	return updated, nil
}

// RecalculateAll runs Recalculate for every learner in the ledger, fanning
// out across learners. Rows updated is the total across learners.
func (e *Engine) RecalculateAll(ctx context.Context) (int, error) {
	learners, err := e.store.LearnersWithHistory()
	if err != nil {
		return 0, fmt.Errorf("failed to list learners: %w", err)
	}

	var mu sync.Mutex
	total := 0
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, learnerID := range learners {
		learnerID := learnerID
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := e.Recalculate(learnerID)
			if err != nil {
				return err
			}
			mu.Lock()
			total += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

// withoutActivity filters out rows belonging to the given activity.
func withoutActivity(rows []types.HistoryRow, activityID string) []types.HistoryRow {
	out := rows[:0]
	for _, r := range rows {
		if r.ActivityID != activityID {
			out = append(out, r)
		}
	}
	return out
}

func payloadTimestamp(payload map[string]interface{}) string {
	if ts, ok := payload["timestamp"].(string); ok && ts != "" {
		return ts
	}
	return types.UTCTimestamp(time.Now())
}

func activityInfo(payload map[string]interface{}) (activityType, title string) {
	spec := subMap(payload, "activity_generation_output")
	if spec == nil {
		return "", ""
	}
	activityType, _ = spec["activity_type"].(string)
	title, _ = spec["title"].(string)
	return activityType, title
}

func marshalOrEmpty(payload map[string]interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return string(data)
}
