package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// CreateLearner inserts a new learner profile. Email collisions surface as
// errors from the UNIQUE constraint.
func (s *Store) CreateLearner(p *types.LearnerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := types.UTCTimestamp(time.Now())
	if p.Created == "" {
		p.Created = now
	}
	if p.Status == "" {
		p.Status = "active"
	}
	p.LastUpdated = now

	_, err := s.db.Exec(`
		INSERT INTO learner_profiles
			(learner_id, name, email, enrollment_date, status, background, experience_level, created, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.LearnerID, p.Name, p.Email, p.EnrollmentDate, p.Status, p.Background, p.ExperienceLevel, p.Created, p.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to create learner %s: %w", p.LearnerID, err)
	}
	logging.Get(logging.CategoryStore).Info("Created learner %s", p.LearnerID)
	return nil
}

// GetLearner returns the profile for learnerID, or (nil, nil) when unknown.
func (s *Store) GetLearner(learnerID string) (*types.LearnerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT learner_id, name, email, enrollment_date, status, background, experience_level, created, last_updated
		FROM learner_profiles WHERE learner_id = ?`, learnerID)

	p := &types.LearnerProfile{}
	err := row.Scan(&p.LearnerID, &p.Name, &p.Email, &p.EnrollmentDate, &p.Status,
		&p.Background, &p.ExperienceLevel, &p.Created, &p.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load learner %s: %w", learnerID, err)
	}
	return p, nil
}

// ListLearners returns all profiles ordered by learner id.
func (s *Store) ListLearners() ([]types.LearnerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT learner_id, name, email, enrollment_date, status, background, experience_level, created, last_updated
		FROM learner_profiles ORDER BY learner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list learners: %w", err)
	}
	defer rows.Close()

	var out []types.LearnerProfile
	for rows.Next() {
		var p types.LearnerProfile
		if err := rows.Scan(&p.LearnerID, &p.Name, &p.Email, &p.EnrollmentDate, &p.Status,
			&p.Background, &p.ExperienceLevel, &p.Created, &p.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan learner: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateLearnerStatus flips a learner between active and inactive. Profiles
// are never deleted.
func (s *Store) UpdateLearnerStatus(learnerID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE learner_profiles SET status = ?, last_updated = ? WHERE learner_id = ?`,
		status, types.UTCTimestamp(time.Now()), learnerID)
	if err != nil {
		return fmt.Errorf("failed to update learner %s: %w", learnerID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("unknown learner %s", learnerID)
	}
	return nil
}

// SaveActivityRecord appends an evaluation record and returns its id.
func (s *Store) SaveActivityRecord(rec *types.ActivityRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	evalJSON, err := json.Marshal(rec.EvaluationResult)
	if err != nil {
		return 0, fmt.Errorf("failed to encode evaluation result: %w", err)
	}
	transcriptJSON, err := json.Marshal(rec.ActivityTranscript)
	if err != nil {
		return 0, fmt.Errorf("failed to encode transcript: %w", err)
	}
	if rec.Timestamp == "" {
		rec.Timestamp = types.UTCTimestamp(time.Now())
	}

	scored := 0
	if rec.Scored {
		scored = 1
	}
	res, err := s.db.Exec(`
		INSERT INTO activity_records (activity_id, learner_id, timestamp, evaluation_result, activity_transcript, scored)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ActivityID, rec.LearnerID, rec.Timestamp, string(evalJSON), string(transcriptJSON), scored)
	if err != nil {
		return 0, fmt.Errorf("failed to save activity record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read record id: %w", err)
	}
	rec.RecordID = id
	return id, nil
}

// GetActivityRecords returns a learner's records, oldest first.
func (s *Store) GetActivityRecords(learnerID string) ([]types.ActivityRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, activity_id, learner_id, timestamp, evaluation_result, activity_transcript, scored
		FROM activity_records WHERE learner_id = ?
		ORDER BY timestamp ASC, id ASC`, learnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity records: %w", err)
	}
	defer rows.Close()

	var out []types.ActivityRecord
	for rows.Next() {
		var rec types.ActivityRecord
		var evalJSON, transcriptJSON string
		var scored int
		if err := rows.Scan(&rec.RecordID, &rec.ActivityID, &rec.LearnerID, &rec.Timestamp,
			&evalJSON, &transcriptJSON, &scored); err != nil {
			return nil, fmt.Errorf("failed to scan activity record: %w", err)
		}
		rec.Scored = scored != 0
		if evalJSON != "" {
			json.Unmarshal([]byte(evalJSON), &rec.EvaluationResult)
		}
		if transcriptJSON != "" {
			json.Unmarshal([]byte(transcriptJSON), &rec.ActivityTranscript)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertSkillProgress writes the derived per-skill mastery state.
func (s *Store) UpsertSkillProgress(sp *types.SkillProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp.LastUpdated = types.UTCTimestamp(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO skill_progress
			(skill_id, learner_id, skill_name, cumulative_score, total_adjusted_evidence, activity_count,
			 gate_1_status, gate_2_status, overall_status,
			 confidence_interval_lower, confidence_interval_upper, standard_error, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(skill_id, learner_id) DO UPDATE SET
			skill_name = excluded.skill_name,
			cumulative_score = excluded.cumulative_score,
			total_adjusted_evidence = excluded.total_adjusted_evidence,
			activity_count = excluded.activity_count,
			gate_1_status = excluded.gate_1_status,
			gate_2_status = excluded.gate_2_status,
			overall_status = excluded.overall_status,
			confidence_interval_lower = excluded.confidence_interval_lower,
			confidence_interval_upper = excluded.confidence_interval_upper,
			standard_error = excluded.standard_error,
			last_updated = excluded.last_updated`,
		sp.SkillID, sp.LearnerID, sp.SkillName, sp.CumulativeScore, sp.TotalAdjustedEvidence, sp.ActivityCount,
		sp.Gate1Status, sp.Gate2Status, sp.OverallStatus,
		sp.ConfidenceIntervalLow, sp.ConfidenceIntervalHigh, sp.StandardError, sp.LastUpdated)
	if err != nil {
		return fmt.Errorf("failed to upsert skill progress (%s, %s): %w", sp.SkillID, sp.LearnerID, err)
	}
	return nil
}

// GetSkillProgress returns progress for one (learner, skill), or (nil, nil).
func (s *Store) GetSkillProgress(learnerID, skillID string) (*types.SkillProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT skill_id, learner_id, skill_name, cumulative_score, total_adjusted_evidence, activity_count,
		       gate_1_status, gate_2_status, overall_status,
		       confidence_interval_lower, confidence_interval_upper, standard_error, last_updated
		FROM skill_progress WHERE learner_id = ? AND skill_id = ?`, learnerID, skillID)

	sp := &types.SkillProgress{}
	err := row.Scan(&sp.SkillID, &sp.LearnerID, &sp.SkillName, &sp.CumulativeScore, &sp.TotalAdjustedEvidence,
		&sp.ActivityCount, &sp.Gate1Status, &sp.Gate2Status, &sp.OverallStatus,
		&sp.ConfidenceIntervalLow, &sp.ConfidenceIntervalHigh, &sp.StandardError, &sp.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load skill progress (%s, %s): %w", skillID, learnerID, err)
	}
	return sp, nil
}

// ListSkillProgress returns all skill progress rows for a learner.
func (s *Store) ListSkillProgress(learnerID string) ([]types.SkillProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT skill_id, learner_id, skill_name, cumulative_score, total_adjusted_evidence, activity_count,
		       gate_1_status, gate_2_status, overall_status,
		       confidence_interval_lower, confidence_interval_upper, standard_error, last_updated
		FROM skill_progress WHERE learner_id = ? ORDER BY skill_id`, learnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list skill progress: %w", err)
	}
	defer rows.Close()

	var out []types.SkillProgress
	for rows.Next() {
		var sp types.SkillProgress
		if err := rows.Scan(&sp.SkillID, &sp.LearnerID, &sp.SkillName, &sp.CumulativeScore, &sp.TotalAdjustedEvidence,
			&sp.ActivityCount, &sp.Gate1Status, &sp.Gate2Status, &sp.OverallStatus,
			&sp.ConfidenceIntervalLow, &sp.ConfidenceIntervalHigh, &sp.StandardError, &sp.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan skill progress: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}
