package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType identifies a structured event in the JSONL streams.
type EventType string

const (
	EventEvaluationStart    EventType = "evaluation_start"
	EventEvaluationComplete EventType = "evaluation_complete"
	EventPhaseStart         EventType = "phase_start"
	EventPhaseComplete      EventType = "phase_complete"

	EventProviderUnavailable EventType = "provider_unavailable"
	EventProviderFailed      EventType = "provider_failed"
	EventPrimarySuccess      EventType = "primary_success"
	EventFallbackSuccess     EventType = "fallback_success"

	EventError EventType = "error"
)

// Event is one JSONL entry. Error events go to errors.jsonl, everything else
// to evaluations.jsonl.
type Event struct {
	Timestamp    int64                  `json:"ts"`
	Time         string                 `json:"time"`
	EventType    EventType              `json:"event"`
	EvaluationID string                 `json:"evaluation_id,omitempty"`
	LearnerID    string                 `json:"learner_id,omitempty"`
	ActivityID   string                 `json:"activity_id,omitempty"`
	Phase        string                 `json:"phase,omitempty"`
	Provider     string                 `json:"provider,omitempty"`
	Success      bool                   `json:"success"`
	DurationMs   int64                  `json:"duration_ms,omitempty"`
	Tokens       int                    `json:"tokens,omitempty"`
	Cost         float64                `json:"cost,omitempty"`
	ErrorKind    string                 `json:"error_kind,omitempty"`
	Error        string                 `json:"error,omitempty"`
	Message      string                 `json:"msg,omitempty"`
	Fields       map[string]interface{} `json:"fields,omitempty"`
}

// EventLog appends structured events to evaluations.jsonl and errors.jsonl.
type EventLog struct {
	mu       sync.Mutex
	evalFile *os.File
	errFile  *os.File
}

// OpenEventLog opens (creating if needed) the two JSONL streams under dir.
func OpenEventLog(dir string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	evalFile, err := os.OpenFile(filepath.Join(dir, "evaluations.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open evaluations log: %w", err)
	}
	errFile, err := os.OpenFile(filepath.Join(dir, "errors.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		evalFile.Close()
		return nil, fmt.Errorf("failed to open errors log: %w", err)
	}

	return &EventLog{evalFile: evalFile, errFile: errFile}, nil
}

// Close closes both streams.
func (e *EventLog) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	if e.evalFile != nil {
		if err := e.evalFile.Close(); err != nil {
			first = err
		}
		e.evalFile = nil
	}
	if e.errFile != nil {
		if err := e.errFile.Close(); err != nil && first == nil {
			first = err
		}
		e.errFile = nil
	}
	return first
}

// Log writes one event. Nil receivers are no-ops so callers never guard.
func (e *EventLog) Log(event Event) {
	if e == nil {
		return
	}

	now := time.Now()
	if event.Timestamp == 0 {
		event.Timestamp = now.UnixMilli()
	}
	if event.Time == "" {
		event.Time = now.UTC().Format("2006-01-02T15:04:05.000000Z")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	target := e.evalFile
	if event.EventType == EventError {
		target = e.errFile
	}
	if target != nil {
		target.Write(append(data, '\n'))
	}
}

// EvaluationStart emits an evaluation_start event.
func (e *EventLog) EvaluationStart(evaluationID, learnerID, activityID string) {
	e.Log(Event{
		EventType:    EventEvaluationStart,
		EvaluationID: evaluationID,
		LearnerID:    learnerID,
		ActivityID:   activityID,
		Success:      true,
		Message:      fmt.Sprintf("Evaluation started for learner %s, activity %s", learnerID, activityID),
	})
}

// EvaluationComplete emits an evaluation_complete event with run totals.
func (e *EventLog) EvaluationComplete(evaluationID string, success bool, durationMs int64, tokens int, cost float64) {
	e.Log(Event{
		EventType:    EventEvaluationComplete,
		EvaluationID: evaluationID,
		Success:      success,
		DurationMs:   durationMs,
		Tokens:       tokens,
		Cost:         cost,
		Message:      fmt.Sprintf("Evaluation complete (success=%v, %dms, %d tokens)", success, durationMs, tokens),
	})
}

// PhaseStart emits a phase_start event.
func (e *EventLog) PhaseStart(evaluationID, learnerID, activityID, phase string) {
	e.Log(Event{
		EventType:    EventPhaseStart,
		EvaluationID: evaluationID,
		LearnerID:    learnerID,
		ActivityID:   activityID,
		Phase:        phase,
		Success:      true,
		Message:      fmt.Sprintf("Phase started: %s", phase),
	})
}

// PhaseComplete emits a phase_complete event with duration, token, and cost
// accounting.
func (e *EventLog) PhaseComplete(evaluationID, phase, provider string, success bool, durationMs int64, tokens int, cost float64, errMsg string) {
	e.Log(Event{
		EventType:    EventPhaseComplete,
		EvaluationID: evaluationID,
		Phase:        phase,
		Provider:     provider,
		Success:      success,
		DurationMs:   durationMs,
		Tokens:       tokens,
		Cost:         cost,
		Error:        errMsg,
		Message:      fmt.Sprintf("Phase completed: %s (success=%v, %dms)", phase, success, durationMs),
	})
}

// ProviderUnavailable records a provider skipped for missing credentials.
func (e *EventLog) ProviderUnavailable(phase, provider string) {
	e.Log(Event{
		EventType: EventProviderUnavailable,
		Phase:     phase,
		Provider:  provider,
		Message:   fmt.Sprintf("Provider %s unavailable, skipping", provider),
	})
}

// ProviderFailed records a single provider failure during fallback.
func (e *EventLog) ProviderFailed(phase, provider, errMsg string) {
	e.Log(Event{
		EventType: EventProviderFailed,
		Phase:     phase,
		Provider:  provider,
		Error:     errMsg,
		Message:   fmt.Sprintf("Provider %s failed: %s", provider, errMsg),
	})
}

// CallSucceeded records which provider served a gateway call. The first
// provider in the chain emits primary_success, later ones fallback_success.
func (e *EventLog) CallSucceeded(phase, provider string, primary bool, durationMs int64, tokens int, cost float64) {
	eventType := EventFallbackSuccess
	if primary {
		eventType = EventPrimarySuccess
	}
	e.Log(Event{
		EventType:  eventType,
		Phase:      phase,
		Provider:   provider,
		Success:    true,
		DurationMs: durationMs,
		Tokens:     tokens,
		Cost:       cost,
		Message:    fmt.Sprintf("Provider %s succeeded (%dms, %d tokens)", provider, durationMs, tokens),
	})
}

// Errorf emits a taxonomy-tagged entry to errors.jsonl.
func (e *EventLog) Errorf(kind, phase string, err error, format string, args ...interface{}) {
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	e.Log(Event{
		EventType: EventError,
		Phase:     phase,
		ErrorKind: kind,
		Error:     errMsg,
		Message:   fmt.Sprintf(format, args...),
	})
}
