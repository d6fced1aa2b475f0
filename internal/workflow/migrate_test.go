package workflow

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/weft/model"
)

// legacySnapshot rewrites a current snapshot into the 1.0 layout, where data
// maps were plain JSON objects.
func legacySnapshot(t *testing.T, wf *Workflow) []byte {
	t.Helper()
	raw, err := json.Marshal(wf.Snapshot())
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	doc["serializer_version"] = "1.0"

	plain := func(obj map[string]any) {
		typed, ok := obj["data"]
		if !ok {
			return
		}
		encoded, err := json.Marshal(typed)
		require.NoError(t, err)
		var d DataSnapshot
		require.NoError(t, json.Unmarshal(encoded, &d))
		obj["data"] = map[string]any(d)
	}
	for _, w := range doc["workflows"].([]any) {
		wfDoc := w.(map[string]any)
		plain(wfDoc)
		for _, task := range wfDoc["tasks"].([]any) {
			plain(task.(map[string]any))
		}
	}

	out, err := json.Marshal(doc)
	require.NoError(t, err)
	return out
}

func TestSerializer_migratesLegacyData(t *testing.T) {
	wf, resolver, ev := resumeFixture(t)
	legacy := legacySnapshot(t, wf)

	s := &Serializer{}
	v, err := s.Version(legacy)
	require.NoError(t, err)
	require.Equal(t, "1.0", v)

	restored, err := s.Deserialize(legacy, resolver, WithEvaluator(ev))
	require.NoError(t, err)
	assert.Equal(t, model.TaskStateWaiting, mustFind(t, restored, "sub").State())

	current, err := s.Serialize(wf)
	require.NoError(t, err)
	upgraded, err := s.Serialize(restored)
	require.NoError(t, err)
	assert.Equal(t, string(current), string(upgraded))

	assert.Equal(t, finishResumeFixture(t, wf), finishResumeFixture(t, restored))
}

func TestSerializer_Supports(t *testing.T) {
	s := &Serializer{}
	tests := []struct {
		version string
		want    bool
	}{
		{SerializerVersion, true},
		{"1.0", true},
		{"0.9", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := s.Supports(tt.version); got != tt.want {
			t.Errorf("Supports(%q) = %v, want %v", tt.version, got, tt.want)
		}
	}
}

func TestMigrate_unknownVersion(t *testing.T) {
	_, err := migrate([]byte(`{"serializer_version":"0.9","workflows":[]}`))
	wantCode(t, err, model.ErrVersionUnsupported)
}

func TestMigrate_currentVersionUntouched(t *testing.T) {
	raw := []byte(`{"serializer_version":"` + SerializerVersion + `","workflows":[]}`)
	out, err := migrate(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestEngine_Resume_legacySnapshot(t *testing.T) {
	wf, resolver, ev := resumeFixture(t)
	store := NewMemorySnapshotStore()
	require.NoError(t, store.Create(context.Background(), SnapshotRecord{
		ID:      wf.ID().String(),
		Data:    legacySnapshot(t, wf),
		Version: 1,
	}))

	e := NewEngine(resolver, store, WithEvaluator(ev), WithLogger(zaptest.NewLogger(t)))
	restored, err := e.Resume(context.Background(), wf.ID())
	require.NoError(t, err)
	assert.Equal(t, wf.ID(), restored.ID())
}
