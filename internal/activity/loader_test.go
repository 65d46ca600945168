package activity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillforge/internal/types"
)

func validSpec(id string, activityType types.ActivityType) map[string]interface{} {
	content := map[string]interface{}{}
	for _, key := range requiredContentKeys[activityType] {
		content[key] = "value"
	}
	spec := map[string]interface{}{
		"activity_id":            id,
		"activity_type":          string(activityType),
		"title":                  "Sample " + id,
		"description":            "A sample activity",
		"target_skill":           "S009",
		"target_evidence_volume": 4.0,
		"cognitive_level":        "L2",
		"depth_level":            "D1",
		"content":                content,
		"metadata":               map[string]interface{}{"author": "test"},
	}
	if rubricTypes[activityType] {
		spec["rubric"] = map[string]interface{}{
			"aspects": []map[string]interface{}{
				{"aspect_id": "AS1", "name": "Clarity", "weight": 1.0},
			},
		}
	}
	return spec
}

func writeActivity(t *testing.T, dir, name string, spec map[string]interface{}) string {
	t.Helper()
	data, err := json.Marshal(spec)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestLoaderGetAndList(t *testing.T) {
	dir := t.TempDir()
	writeActivity(t, dir, "A001.json", validSpec("A001", types.ActivityConstructedResponse))
	writeActivity(t, dir, "A002.json", validSpec("A002", types.ActivitySelectedResponse))
	// Invalid file: skipped by List, not fatal.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{oops"), 0644))

	l, err := NewLoader(dir)
	require.NoError(t, err)
	defer l.Close()

	spec, err := l.Get("A001")
	require.NoError(t, err)
	assert.Equal(t, types.ActivityConstructedResponse, spec.ActivityType)
	assert.Equal(t, 4.0, spec.TargetEvidenceVolume)

	all, err := l.List()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = l.Get("A404")
	assert.Error(t, err)
}

func TestLoaderFindsActivityInDifferentlyNamedFile(t *testing.T) {
	dir := t.TempDir()
	writeActivity(t, dir, "constructed_response_pack.json", validSpec("A010", types.ActivityConstructedResponse))

	l, err := NewLoader(dir)
	require.NoError(t, err)
	defer l.Close()

	spec, err := l.Get("A010")
	require.NoError(t, err)
	assert.Equal(t, "A010", spec.ActivityID)
}

func TestLoaderCacheInvalidationOnRewrite(t *testing.T) {
	dir := t.TempDir()
	path := writeActivity(t, dir, "A001.json", validSpec("A001", types.ActivitySelectedResponse))

	l, err := NewLoader(dir)
	require.NoError(t, err)
	defer l.Close()

	spec, err := l.Get("A001")
	require.NoError(t, err)
	assert.Equal(t, "Sample A001", spec.Title)

	updated := validSpec("A001", types.ActivitySelectedResponse)
	updated["title"] = "Updated title"
	data, err := json.Marshal(updated)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))
	// Force an mtime change even on coarse-grained filesystems.
	bumped := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, bumped, bumped))

	spec, err = l.Get("A001")
	require.NoError(t, err)
	assert.Equal(t, "Updated title", spec.Title)
}

func TestValidate(t *testing.T) {
	toSpec := func(m map[string]interface{}) *types.ActivitySpec {
		data, _ := json.Marshal(m)
		spec := &types.ActivitySpec{}
		_ = json.Unmarshal(data, spec)
		return spec
	}

	t.Run("valid specs for every type", func(t *testing.T) {
		for _, at := range types.ValidActivityTypes {
			assert.NoError(t, Validate(toSpec(validSpec("A1", at))), string(at))
		}
	})

	t.Run("missing content key", func(t *testing.T) {
		m := validSpec("A1", types.ActivityCoding)
		delete(m["content"].(map[string]interface{}), "starter_code")
		assert.Error(t, Validate(toSpec(m)))
	})

	t.Run("rubric required for CR COD RP", func(t *testing.T) {
		m := validSpec("A1", types.ActivityRolePlay)
		delete(m, "rubric")
		assert.Error(t, Validate(toSpec(m)))
	})

	t.Run("rubric not required for SR", func(t *testing.T) {
		m := validSpec("A1", types.ActivitySelectedResponse)
		assert.NoError(t, Validate(toSpec(m)))
	})

	t.Run("non-positive evidence volume", func(t *testing.T) {
		m := validSpec("A1", types.ActivitySelectedResponse)
		m["target_evidence_volume"] = 0.0
		assert.Error(t, Validate(toSpec(m)))
	})

	t.Run("bad levels", func(t *testing.T) {
		m := validSpec("A1", types.ActivitySelectedResponse)
		m["cognitive_level"] = "L5"
		assert.Error(t, Validate(toSpec(m)))

		m = validSpec("A1", types.ActivitySelectedResponse)
		m["depth_level"] = "X1"
		assert.Error(t, Validate(toSpec(m)))
	})

	t.Run("unknown type", func(t *testing.T) {
		m := validSpec("A1", types.ActivitySelectedResponse)
		m["activity_type"] = "ZZ"
		assert.Error(t, Validate(toSpec(m)))
	})
}
