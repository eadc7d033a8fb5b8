package orchestrator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/agent/provider"
	"github.com/autodev/autodev/internal/common/config"
	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/orchestrator/gitops"
	"github.com/autodev/autodev/internal/project/models"
	"github.com/autodev/autodev/internal/project/store"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *store.Store) {
	t.Helper()
	st, err := store.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	cfg := config.OrchestratorConfig{
		LoopSimilarity:            0.5,
		ChainDelaySeconds:         3,
		StaggerDelaySeconds:       2,
		FirstOutputTimeoutSeconds: 15,
		StopGraceSeconds:          5,
		KillGraceSeconds:          3,
	}
	o := New(cfg, st, bus.NewMemoryEventBus(nil), provider.DefaultRegistry(), gitops.NewGateway(nil), nil)
	return o, st
}

func testProject(t *testing.T, st *store.Store, features []models.Feature) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:          "p1",
		Name:        "demo",
		Status:      models.StatusRunning,
		Provider:    "claude",
		Concurrency: 3,
		ProjectDir:  t.TempDir(),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.SaveProject(p))
	require.NoError(t, store.WriteFeatureList(p.ProjectDir, features, false))
	return p
}

func TestClaimSelectsFirstUnfinishedUnclaimed(t *testing.T) {
	o, st := newTestOrchestrator(t)
	p := testProject(t, st, []models.Feature{
		{ID: "f1", Description: "done already", Passes: true},
		{ID: "f2", Description: "next up"},
		{ID: "f3", Description: "after that"},
	})

	got, err := o.ClaimFeature(p, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "f2", got.ID)

	got, err = o.ClaimFeature(p, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "f3", got.ID)

	got, err = o.ClaimFeature(p, 2)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestClaimMirrorsInProgressFlag(t *testing.T) {
	o, st := newTestOrchestrator(t)
	p := testProject(t, st, []models.Feature{{ID: "f1", Description: "work"}})

	_, err := o.ClaimFeature(p, 0)
	require.NoError(t, err)

	features, _, err := store.ReadFeatureList(p.ProjectDir)
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.True(t, features[0].InProgress)

	o.ReleaseClaim(p, "f1")
	features, _, err = store.ReadFeatureList(p.ProjectDir)
	require.NoError(t, err)
	assert.False(t, features[0].InProgress)
}

func TestClaimIsAtomicUnderConcurrency(t *testing.T) {
	o, st := newTestOrchestrator(t)
	features := make([]models.Feature, 8)
	for i := range features {
		features[i] = models.Feature{ID: string(rune('a' + i)), Description: "feature"}
	}
	p := testProject(t, st, features)

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := map[string]int{}
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			f, err := o.ClaimFeature(p, i)
			if err != nil || f == nil {
				return
			}
			mu.Lock()
			claimed[f.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// No feature may be claimed twice.
	for id, n := range claimed {
		assert.Equal(t, 1, n, "feature %s claimed %d times", id, n)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	o, st := newTestOrchestrator(t)
	p := testProject(t, st, []models.Feature{{ID: "f1"}})

	_, err := o.ClaimFeature(p, 0)
	require.NoError(t, err)

	o.ReleaseClaim(p, "f1")
	o.ReleaseClaim(p, "f1")

	// Feature is claimable again after release.
	got, err := o.ClaimFeature(p, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "f1", got.ID)
}
