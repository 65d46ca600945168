// Package activity loads and validates activity definition files from a
// discovered directory. Parsed files are cached on modification time with a
// TTL; an optional directory watcher drops cache entries as files change.
package activity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"skillforge/internal/logging"
	"skillforge/internal/types"
)

// EnvActivitiesPath overrides the activities directory.
const EnvActivitiesPath = "ACTIVITIES_PATH"

// cacheTTL bounds how long a parsed file is trusted without re-checking mtime.
const cacheTTL = 5 * time.Minute

// requiredContentKeys maps each activity type to its mandatory content fields.
var requiredContentKeys = map[types.ActivityType][]string{
	types.ActivityConstructedResponse: {"prompt", "response_guidelines"},
	types.ActivityCoding:              {"problem_statement", "starter_code", "test_cases"},
	types.ActivityRolePlay:            {"scenario_context", "character_profile", "objectives"},
	types.ActivitySelectedResponse:    {"question", "options", "correct_answer"},
	types.ActivityBranching:           {"initial_scenario", "decision_points", "paths"},
}

// rubricTypes lists the activity types that require a rubric.
var rubricTypes = map[types.ActivityType]bool{
	types.ActivityConstructedResponse: true,
	types.ActivityCoding:              true,
	types.ActivityRolePlay:            true,
}

type cacheEntry struct {
	spec     *types.ActivitySpec
	modTime  time.Time
	loadedAt time.Time
}

// Loader reads activity files from a directory.
type Loader struct {
	dir     string
	mu      sync.RWMutex
	cache   map[string]cacheEntry
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// DefaultDir returns the activities directory, honoring ACTIVITIES_PATH.
func DefaultDir() string {
	if dir := os.Getenv(EnvActivitiesPath); dir != "" {
		return dir
	}
	return filepath.Join("data", "activities")
}

// NewLoader creates a loader for dir. The directory must exist.
func NewLoader(dir string) (*Loader, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("activities directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("activities path %s is not a directory", dir)
	}
	return &Loader{dir: dir, cache: make(map[string]cacheEntry)}, nil
}

// Watch starts a directory watcher that evicts cache entries when files
// change. Optional; the mtime check catches changes regardless.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", l.dir, err)
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop()
	return nil
}

func (l *Loader) watchLoop() {
	log := logging.Get(logging.CategoryActivity)
	for {
		select {
		case <-l.done:
			return
		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()
			log.Debug("Evicted cached activity file %s (%s)", event.Name, event.Op)
		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("Watcher error: %v", err)
		}
	}
}

// Close stops the watcher if one is running.
func (l *Loader) Close() error {
	if l.watcher != nil {
		close(l.done)
		return l.watcher.Close()
	}
	return nil
}

// Get returns the activity with the given id, or an error if no valid file
// defines it.
func (l *Loader) Get(activityID string) (*types.ActivitySpec, error) {
	// Common layout: one file per activity named after its id.
	direct := filepath.Join(l.dir, activityID+".json")
	if spec, err := l.loadFile(direct); err == nil && spec.ActivityID == activityID {
		return spec, nil
	}

	specs, err := l.List()
	if err != nil {
		return nil, err
	}
	for _, spec := range specs {
		if spec.ActivityID == activityID {
			return spec, nil
		}
	}
	return nil, fmt.Errorf("unknown activity %s", activityID)
}

// List loads every valid activity file in the directory. Invalid files are
// logged and skipped.
func (l *Loader) List() ([]*types.ActivitySpec, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read activities directory: %w", err)
	}

	log := logging.Get(logging.CategoryActivity)
	var out []*types.ActivitySpec
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(l.dir, entry.Name())
		spec, err := l.loadFile(path)
		if err != nil {
			log.Warn("Rejected activity file %s: %v", path, err)
			continue
		}
		out = append(out, spec)
	}
	return out, nil
}

// loadFile parses and validates one activity file, consulting the cache.
func (l *Loader) loadFile(path string) (*types.ActivitySpec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat activity file: %w", err)
	}

	l.mu.RLock()
	entry, ok := l.cache[path]
	l.mu.RUnlock()
	if ok && entry.modTime.Equal(info.ModTime()) && time.Since(entry.loadedAt) < cacheTTL {
		return entry.spec, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read activity file: %w", err)
	}

	spec := &types.ActivitySpec{}
	if err := json.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("invalid activity JSON: %w", err)
	}
	if err := Validate(spec); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[path] = cacheEntry{spec: spec, modTime: info.ModTime(), loadedAt: time.Now()}
	l.mu.Unlock()
	return spec, nil
}

// Validate checks an activity spec against the schema for its type.
func Validate(spec *types.ActivitySpec) error {
	if spec.ActivityID == "" {
		return fmt.Errorf("activity_id is required")
	}
	if !types.IsValidActivityType(spec.ActivityType) {
		return fmt.Errorf("activity %s: invalid activity_type %q", spec.ActivityID, spec.ActivityType)
	}
	if spec.Title == "" {
		return fmt.Errorf("activity %s: title is required", spec.ActivityID)
	}
	if spec.Description == "" {
		return fmt.Errorf("activity %s: description is required", spec.ActivityID)
	}
	if spec.TargetSkill == "" {
		return fmt.Errorf("activity %s: target_skill is required", spec.ActivityID)
	}
	if spec.TargetEvidenceVolume <= 0 {
		return fmt.Errorf("activity %s: target_evidence_volume must be positive", spec.ActivityID)
	}
	if !validLevel(spec.CognitiveLevel, "L") {
		return fmt.Errorf("activity %s: cognitive_level must be L1..L4, got %q", spec.ActivityID, spec.CognitiveLevel)
	}
	if !validLevel(spec.DepthLevel, "D") {
		return fmt.Errorf("activity %s: depth_level must be D1..D4, got %q", spec.ActivityID, spec.DepthLevel)
	}
	if spec.Content == nil {
		return fmt.Errorf("activity %s: content is required", spec.ActivityID)
	}
	if spec.Metadata == nil {
		return fmt.Errorf("activity %s: metadata is required", spec.ActivityID)
	}

	for _, key := range requiredContentKeys[spec.ActivityType] {
		if _, ok := spec.Content[key]; !ok {
			return fmt.Errorf("activity %s: content missing %q for type %s", spec.ActivityID, key, spec.ActivityType)
		}
	}

	if rubricTypes[spec.ActivityType] {
		if spec.Rubric == nil || len(spec.Rubric.Aspects) == 0 {
			return fmt.Errorf("activity %s: rubric.aspects required for type %s", spec.ActivityID, spec.ActivityType)
		}
	}
	return nil
}

func validLevel(v, prefix string) bool {
	return len(v) == 2 && strings.HasPrefix(v, prefix) && v[1] >= '1' && v[1] <= '4'
}
