package checkpoint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store"
	"github.com/argus-audit/argus/pkg/store/memory"
)

func sampleSnapshot() *Snapshot {
	return &Snapshot{
		State: models.AuditState{
			TaskID:    "task-1",
			Phase:     models.PhaseAnalysis,
			Iteration: 7,
			TechStack: map[string]float64{"go": 0.9},
		},
		Findings: []models.Finding{
			{
				ID:          "f-1",
				TaskID:      "task-1",
				Title:       "SQL injection in login",
				VulnType:    "sql-injection",
				Severity:    models.SeverityHigh,
				Fingerprint: "abc123",
				Location:    models.Location{FilePath: "app/login.go", LineStart: 10, LineEnd: 14},
			},
			{
				ID:          "f-2",
				TaskID:      "task-1",
				Title:       "Hardcoded secret",
				VulnType:    "hardcoded-secret",
				Severity:    models.SeverityMedium,
				Fingerprint: "def456",
			},
		},
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	snap := sampleSnapshot()
	blob, err := Encode(snap)
	require.NoError(t, err)

	// Header: magic + version.
	assert.Equal(t, []byte("AGCP"), blob[:4])
	assert.Equal(t, []byte{0, 1}, blob[4:6])

	decoded, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, snap.State, decoded.State)
	require.Len(t, decoded.Findings, 2)
	assert.Equal(t, "SQL injection in login", decoded.Findings[0].Title)
	assert.Equal(t, models.SeverityMedium, decoded.Findings[1].Severity)
}

func TestCodec_RejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte("NOPE....."))
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestCodec_RejectsVersionMismatch(t *testing.T) {
	blob, err := Encode(sampleSnapshot())
	require.NoError(t, err)
	blob[5] = 99

	_, err = Decode(blob)
	assert.ErrorIs(t, err, ErrVersionMismatch)
}

func TestCodec_RejectsTruncatedBlob(t *testing.T) {
	blob, err := Encode(sampleSnapshot())
	require.NoError(t, err)

	_, err = Decode(blob[:len(blob)-10])
	assert.Error(t, err)
}

func TestManager_IterationIntervalTrigger(t *testing.T) {
	cfg := config.CheckpointConfig{Enabled: true, IntervalIterations: 3, MaxPerTask: 10}
	cpStore := memory.NewCheckpointStore()
	mgr := NewManager(cfg, cpStore, nil, "task-1")
	ctx := context.Background()
	snap := sampleSnapshot()

	for i := 0; i < 2; i++ {
		cp, err := mgr.MaybeSaveIteration(ctx, snap)
		require.NoError(t, err)
		assert.Nil(t, cp, "iteration %d should not checkpoint", i)
	}
	cp, err := mgr.MaybeSaveIteration(ctx, snap)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 0, cp.Index)
	assert.Equal(t, models.TriggerIteration, cp.Trigger)
}

func TestManager_SaveRestoreRoundTrip(t *testing.T) {
	cfg := config.CheckpointConfig{Enabled: true, OnPhaseComplete: true, MaxPerTask: 10}
	cpStore := memory.NewCheckpointStore()
	mgr := NewManager(cfg, cpStore, nil, "task-1")
	ctx := context.Background()

	snap := sampleSnapshot()
	cp, err := mgr.SavePhaseBoundary(ctx, snap)
	require.NoError(t, err)
	require.NotNil(t, cp)

	restored, latest, err := mgr.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, cp.Index, latest.Index)
	assert.Equal(t, snap.State.Phase, restored.State.Phase)
	assert.Len(t, restored.Findings, 2)

	// Indices keep increasing after a restore.
	cp2, err := mgr.SavePhaseBoundary(ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, cp.Index+1, cp2.Index)
}

func TestManager_RestoreWithoutCheckpoint(t *testing.T) {
	mgr := NewManager(config.CheckpointConfig{Enabled: true}, memory.NewCheckpointStore(), nil, "task-1")
	_, _, err := mgr.Restore(context.Background())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_DisabledWritesNothing(t *testing.T) {
	cpStore := memory.NewCheckpointStore()
	mgr := NewManager(config.CheckpointConfig{Enabled: false}, cpStore, nil, "task-1")
	ctx := context.Background()

	cp, err := mgr.SaveManual(ctx, sampleSnapshot())
	require.NoError(t, err)
	assert.Nil(t, cp)

	_, err = cpStore.GetLatest(ctx, "task-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_PruneKeepsNewest(t *testing.T) {
	cfg := config.CheckpointConfig{Enabled: true, MaxPerTask: 2}
	cpStore := memory.NewCheckpointStore()
	mgr := NewManager(cfg, cpStore, nil, "task-1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := mgr.SaveManual(ctx, sampleSnapshot())
		require.NoError(t, err)
	}
	latest, err := cpStore.GetLatest(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, 4, latest.Index)
}
