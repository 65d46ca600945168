package store

import (
	"database/sql"
	"fmt"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// InsertHistoryRow inserts or replaces the ledger row for
// (learner, activity, skill). Re-evaluating the same activity overwrites the
// previous row.
func (s *Store) InsertHistoryRow(row *types.HistoryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO activity_history
			(learner_id, activity_id, skill_id, completion_timestamp, activity_type, activity_title,
			 performance_score, target_evidence_volume, validity_modifier, adjusted_evidence_volume,
			 cumulative_evidence_weight, decay_factor, decay_adjusted_evidence_volume,
			 cumulative_performance, cumulative_evidence, evaluation_result, activity_transcript)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.LearnerID, row.ActivityID, row.SkillID, row.CompletionTimestamp, row.ActivityType, row.ActivityTitle,
		row.PerformanceScore, row.TargetEvidenceVolume, row.ValidityModifier, row.AdjustedEvidenceVolume,
		row.CumulativeEvidenceWeight, row.DecayFactor, row.DecayAdjustedEvidenceVolume,
		row.CumulativePerformance, row.CumulativeEvidence, row.EvaluationResult, row.ActivityTranscript)
	if err != nil {
		return fmt.Errorf("failed to insert history row (%s, %s, %s): %w",
			row.LearnerID, row.ActivityID, row.SkillID, err)
	}
	return nil
}

const historyColumns = `
	id, learner_id, activity_id, skill_id, completion_timestamp, activity_type, activity_title,
	performance_score, target_evidence_volume, validity_modifier, adjusted_evidence_volume,
	cumulative_evidence_weight, decay_factor, decay_adjusted_evidence_volume,
	cumulative_performance, cumulative_evidence, evaluation_result, activity_transcript`

func scanHistoryRows(rows *sql.Rows) ([]types.HistoryRow, error) {
	var out []types.HistoryRow
	for rows.Next() {
		var r types.HistoryRow
		if err := rows.Scan(&r.ID, &r.LearnerID, &r.ActivityID, &r.SkillID, &r.CompletionTimestamp,
			&r.ActivityType, &r.ActivityTitle, &r.PerformanceScore, &r.TargetEvidenceVolume,
			&r.ValidityModifier, &r.AdjustedEvidenceVolume, &r.CumulativeEvidenceWeight,
			&r.DecayFactor, &r.DecayAdjustedEvidenceVolume, &r.CumulativePerformance,
			&r.CumulativeEvidence, &r.EvaluationResult, &r.ActivityTranscript); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HistoryChronological returns the (learner, skill) ledger oldest first.
// Timestamp ties break on row id ascending for determinism.
func (s *Store) HistoryChronological(learnerID, skillID string) ([]types.HistoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+historyColumns+`
		FROM activity_history WHERE learner_id = ? AND skill_id = ?
		ORDER BY completion_timestamp ASC, id ASC`, learnerID, skillID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// HistoryRecentFirst returns the (learner, skill) ledger newest first.
func (s *Store) HistoryRecentFirst(learnerID, skillID string) ([]types.HistoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+historyColumns+`
		FROM activity_history WHERE learner_id = ? AND skill_id = ?
		ORDER BY completion_timestamp DESC, id DESC`, learnerID, skillID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// LearnerHistory returns every ledger row for a learner across all skills,
// oldest first.
func (s *Store) LearnerHistory(learnerID string) ([]types.HistoryRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT `+historyColumns+`
		FROM activity_history WHERE learner_id = ?
		ORDER BY completion_timestamp ASC, id ASC`, learnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load learner history: %w", err)
	}
	defer rows.Close()
	return scanHistoryRows(rows)
}

// HistoryRowCount returns the number of ledger rows for a learner across all
// skills. Used as the cache key component for historical summaries.
func (s *Store) HistoryRowCount(learnerID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM activity_history WHERE learner_id = ?`, learnerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count history rows: %w", err)
	}
	return n, nil
}

// SkillsWithHistory returns the distinct skill ids recorded for a learner.
func (s *Store) SkillsWithHistory(learnerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT DISTINCT skill_id FROM activity_history WHERE learner_id = ? ORDER BY skill_id`, learnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list skills: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan skill id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// LearnersWithHistory returns the distinct learner ids present in the ledger.
func (s *Store) LearnersWithHistory() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT DISTINCT learner_id FROM activity_history ORDER BY learner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list learners with history: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan learner id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// UpdateRowDecay writes back the recomputed decay columns for one row.
// Used by retroactive recalculation.
func (s *Store) UpdateRowDecay(id int64, decayAdjusted, cumulativeWeight float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE activity_history
		SET decay_adjusted_evidence_volume = ?, cumulative_evidence_weight = ?
		WHERE id = ?`, decayAdjusted, cumulativeWeight, id)
	if err != nil {
		return fmt.Errorf("failed to update decay for row %d: %w", id, err)
	}
	return nil
}

// ResetLearnerHistory deletes a learner's history rows, skill progress, and
// activity records in a single transaction. Foreign-key checks are disabled
// for the duration of the delete.
func (s *Store) ResetLearnerHistory(learnerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		return fmt.Errorf("failed to disable foreign keys: %w", err)
	}
	defer s.db.Exec("PRAGMA foreign_keys = ON")

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin reset transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM activity_history WHERE learner_id = ?",
		"DELETE FROM skill_progress WHERE learner_id = ?",
		"DELETE FROM activity_records WHERE learner_id = ?",
	} {
		if _, err := tx.Exec(stmt, learnerID); err != nil {
			return fmt.Errorf("failed to reset learner %s: %w", learnerID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	logging.Get(logging.CategoryStore).Info("Reset history for learner %s", learnerID)
	return nil
}
