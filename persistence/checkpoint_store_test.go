package persistence

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BaSui01/contentflow/types"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testState struct {
	Stage   string            `json:"stage"`
	Outputs map[string]string `json:"outputs"`
	Retries int               `json:"retries"`
}

func fastRetry() StoreOption {
	return WithRetry(RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		BackoffMultiplier: 2,
	})
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestCheckpointStore_SaveAndRecover(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore(NewMemoryBackend(), zap.NewNop(), fastRetry())
	defer store.Close()

	_, err := store.SaveCheckpoint(ctx, "flow-1", "input_validation", &testState{Stage: "input_validation"})
	require.NoError(t, err)
	cp, err := store.SaveCheckpoint(ctx, "flow-1", "research", &testState{
		Stage:   "research",
		Outputs: map[string]string{"research": "notes"},
	})
	require.NoError(t, err)
	assert.Equal(t, "testState", cp.StateClass)

	var got testState
	latest, err := store.RecoverLatestInto(ctx, "flow-1", &got)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, latest.ID)
	assert.Equal(t, "research", got.Stage)
	assert.Equal(t, "notes", got.Outputs["research"])

	infos, err := store.ListCheckpoints(ctx, "flow-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "input_validation", infos[0].Stage)
	assert.Equal(t, infos[1].ID, infos[1].Filepath)
}

func TestCheckpointStore_RecoverLatest_NotFound(t *testing.T) {
	store := NewCheckpointStore(NewMemoryBackend(), nil)
	_, err := store.RecoverLatest(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCheckpointStore_InvalidInput(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore(NewMemoryBackend(), nil)

	for _, flowID := range []string{"", "../escape", "a/b"} {
		_, err := store.SaveCheckpoint(ctx, flowID, "research", testState{})
		assert.ErrorIs(t, err, ErrInvalidInput, flowID)
	}
	_, err := store.SaveCheckpoint(ctx, "flow", "", testState{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = store.SaveCheckpoint(ctx, "flow", "research", make(chan int))
	assert.Error(t, err)
}

func TestCheckpointStore_MonotonicTimestamps(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewCheckpointStore(NewMemoryBackend(), nil, WithClock(fixedClock(now)))

	stages := []string{"input_validation", "research", "audience_align", "draft_generation"}
	for _, s := range stages {
		_, err := store.SaveCheckpoint(ctx, "flow", s, map[string]string{"stage": s})
		require.NoError(t, err)
	}

	infos, err := store.ListCheckpoints(ctx, "flow")
	require.NoError(t, err)
	require.Len(t, infos, len(stages))
	for i, info := range infos {
		assert.Equal(t, stages[i], info.Stage)
		if i > 0 {
			assert.True(t, info.Timestamp.After(infos[i-1].Timestamp))
		}
	}
}

func TestCheckpointStore_ArchiveCompleted(t *testing.T) {
	ctx := context.Background()
	store := NewCheckpointStore(NewMemoryBackend(), nil)

	for _, s := range []string{"input_validation", "research"} {
		_, err := store.SaveCheckpoint(ctx, "done", s, testState{Stage: s})
		require.NoError(t, err)
	}

	archive, err := store.ArchiveCompleted(ctx, "done", map[string]string{"draft": "text"})
	require.NoError(t, err)
	assert.Equal(t, ArchiveCompleted, archive.Status)
	assert.Equal(t, 2, archive.CheckpointsRemoved)
	assert.Equal(t, "research", archive.Stage)

	_, err = store.RecoverLatest(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)

	loaded, err := store.LoadArchive(ctx, ArchiveCompleted, "done")
	require.NoError(t, err)
	assert.JSONEq(t, `{"draft":"text"}`, string(loaded.Results))

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalCheckpoints)
	assert.Equal(t, 1, stats.CompletedFlows)
}

func TestCheckpointStore_ArchiveFailed(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, zap.NewNop())
	require.NoError(t, err)
	store := NewCheckpointStore(backend, nil)

	cp, err := store.SaveCheckpoint(ctx, "broken", "draft_generation", testState{Stage: "draft_generation"})
	require.NoError(t, err)

	infos, err := store.ListCheckpoints(ctx, "broken")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	path, err := backend.CheckpointPath(cp.ID)
	require.NoError(t, err)
	assert.Equal(t, path, infos[0].Filepath)

	cause := types.NewError(types.ErrStageFailed, "writer crashed")
	archive, err := store.ArchiveFailed(ctx, "broken", cause, "style_validation")
	require.NoError(t, err)
	require.NotNil(t, archive.Error)
	assert.Equal(t, "STAGE_FAILED", archive.Error.Type)
	assert.Equal(t, "style_validation", archive.Error.Stage)
	assert.Contains(t, archive.Error.Message, "writer crashed")

	loaded, err := store.LoadArchive(ctx, ArchiveFailed, "broken")
	require.NoError(t, err)
	assert.Equal(t, "style_validation", loaded.Stage)

	flows, err := store.Flows(ctx)
	require.NoError(t, err)
	assert.NotContains(t, flows, "broken")
}

// flakyBackend 前 n 次 Save 失败
type flakyBackend struct {
	*MemoryBackend
	failures int32
	calls    atomic.Int32
}

func (b *flakyBackend) Save(ctx context.Context, cp *Checkpoint) error {
	if b.calls.Add(1) <= b.failures {
		return errors.New("transient write failure")
	}
	return b.MemoryBackend.Save(ctx, cp)
}

func TestCheckpointStore_RetriesWrites(t *testing.T) {
	ctx := context.Background()

	backend := &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 2}
	store := NewCheckpointStore(backend, nil, fastRetry())
	_, err := store.SaveCheckpoint(ctx, "flow", "research", testState{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), backend.calls.Load())

	backend = &flakyBackend{MemoryBackend: NewMemoryBackend(), failures: 10}
	store = NewCheckpointStore(backend, nil, fastRetry())
	_, err = store.SaveCheckpoint(ctx, "flow", "research", testState{})
	require.Error(t, err)
	assert.Equal(t, int32(3), backend.calls.Load())
}

func TestNewCheckpointStoreFromConfig(t *testing.T) {
	cfg := DefaultStoreConfig()
	cfg.BaseDir = t.TempDir()
	store, err := NewCheckpointStoreFromConfig(cfg, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	assert.IsType(t, &FileBackend{}, store.Backend())
}

// 任意状态写入后 RecoverLatestInto 得到相同内容
func TestProperty_CheckpointRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("recover returns the last saved state", prop.ForAll(
		func(flowID string, outputs map[string]string, retries int) bool {
			ctx := context.Background()
			store := NewCheckpointStore(NewMemoryBackend(), nil)

			if _, err := store.SaveCheckpoint(ctx, flowID, "input_validation", testState{Stage: "input_validation"}); err != nil {
				return false
			}
			want := testState{Stage: "research", Outputs: outputs, Retries: retries}
			if _, err := store.SaveCheckpoint(ctx, flowID, "research", want); err != nil {
				return false
			}

			var got testState
			cp, err := store.RecoverLatestInto(ctx, flowID, &got)
			if err != nil || cp.Stage != "research" {
				return false
			}
			if got.Stage != want.Stage || got.Retries != want.Retries || len(got.Outputs) != len(want.Outputs) {
				return false
			}
			for k, v := range want.Outputs {
				if got.Outputs[k] != v {
					return false
				}
			}
			return true
		},
		gen.Identifier(),
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
		gen.IntRange(0, 10),
	))

	properties.TestingRun(t)
}
