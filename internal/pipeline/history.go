package pipeline

import (
	"math"
	"sync"

	"skillforge/internal/types"
)

// HistoricalSummary is the compact view of a learner's history handed to the
// feedback phase. Full history rows never enter a prompt.
type HistoricalSummary struct {
	ActivityCount    int                      `json:"activity_count"`
	FirstActivity    string                   `json:"first_activity,omitempty"`
	LastActivity     string                   `json:"last_activity,omitempty"`
	AverageScore     float64                  `json:"average_score"`
	Trend            string                   `json:"trend"`
	Consistency      string                   `json:"consistency"`
	RecentActivities []map[string]interface{} `json:"recent_activities,omitempty"`
	TypeDistribution map[string]int           `json:"type_distribution,omitempty"`
}

// Trend and consistency labels.
const (
	TrendImproving = "improving"
	TrendStable    = "stable"
	TrendDeclining = "declining"

	ConsistencyHigh     = "high"
	ConsistencyModerate = "moderate"
	ConsistencyLow      = "low"
	ConsistencyUnknown  = "unknown"
)

// trendMargin is the score movement below which the trend counts as stable.
const trendMargin = 0.05

// summarizeHistory condenses chronological ledger rows into a summary.
func summarizeHistory(rows []types.HistoryRow) *HistoricalSummary {
	summary := &HistoricalSummary{
		Trend:            TrendStable,
		Consistency:      ConsistencyUnknown,
		TypeDistribution: make(map[string]int),
	}
	if len(rows) == 0 {
		return summary
	}

	summary.ActivityCount = len(rows)
	summary.FirstActivity = rows[0].CompletionTimestamp
	summary.LastActivity = rows[len(rows)-1].CompletionTimestamp

	var sum float64
	scores := make([]float64, len(rows))
	for i, row := range rows {
		scores[i] = row.PerformanceScore
		sum += row.PerformanceScore
		summary.TypeDistribution[row.ActivityType]++
	}
	summary.AverageScore = sum / float64(len(rows))

	if len(scores) >= 3 {
		recent := scores[len(scores)-3:]
		switch delta := recent[2] - recent[0]; {
		case delta > trendMargin:
			summary.Trend = TrendImproving
		case delta < -trendMargin:
			summary.Trend = TrendDeclining
		}
		summary.Consistency = consistencyBand(stddev(scores))
	}

	first := len(rows) - 5
	if first < 0 {
		first = 0
	}
	for _, row := range rows[first:] {
		summary.RecentActivities = append(summary.RecentActivities, map[string]interface{}{
			"activity_id": row.ActivityID,
			"title":       row.ActivityTitle,
			"type":        row.ActivityType,
			"score":       row.PerformanceScore,
			"timestamp":   row.CompletionTimestamp,
		})
	}
	return summary
}

func stddev(scores []float64) float64 {
	var sum float64
	for _, s := range scores {
		sum += s
	}
	mean := sum / float64(len(scores))

	var variance float64
	for _, s := range scores {
		variance += (s - mean) * (s - mean)
	}
	return math.Sqrt(variance / float64(len(scores)))
}

func consistencyBand(sd float64) string {
	switch {
	case sd < 0.1:
		return ConsistencyHigh
	case sd < 0.2:
		return ConsistencyModerate
	default:
		return ConsistencyLow
	}
}

// summaryCache memoizes per-learner summaries keyed on the learner's current
// row count. Any write for a learner changes the count, so a stale entry can
// never be served; explicit invalidation after a commit keeps the map small.
type summaryCache struct {
	mu      sync.RWMutex
	entries map[string]summaryEntry
}

type summaryEntry struct {
	rowCount int
	summary  *HistoricalSummary
}

func newSummaryCache() *summaryCache {
	return &summaryCache{entries: make(map[string]summaryEntry)}
}

func (c *summaryCache) get(learnerID string, rowCount int) (*HistoricalSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[learnerID]
	if !ok || entry.rowCount != rowCount {
		return nil, false
	}
	return entry.summary, true
}

func (c *summaryCache) put(learnerID string, rowCount int, summary *HistoricalSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[learnerID] = summaryEntry{rowCount: rowCount, summary: summary}
}

func (c *summaryCache) invalidate(learnerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, learnerID)
}
