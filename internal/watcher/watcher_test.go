package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/events/bus"
	"github.com/autodev/autodev/internal/project/models"
	"github.com/autodev/autodev/internal/project/store"
)

type stopRecorder struct {
	mu      sync.Mutex
	stopped []string
}

func (s *stopRecorder) StopAgent(_ context.Context, projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, projectID)
	return nil
}

func (s *stopRecorder) stoppedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stopped...)
}

type capturedEvent struct {
	Type    string
	Payload any
}

func newTestManager(t *testing.T) (*Manager, *store.Store, bus.EventBus, *stopRecorder) {
	t.Helper()
	st, err := store.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	eventBus := bus.NewMemoryEventBus(nil)
	m := NewManager(st, eventBus, nil)
	stopper := &stopRecorder{}
	m.SetAgentStopper(stopper)
	return m, st, eventBus, stopper
}

func seedProject(t *testing.T, st *store.Store, features []models.Feature) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:         "p1",
		Name:       "demo",
		Status:     models.StatusRunning,
		Provider:   "claude",
		ProjectDir: t.TempDir(),
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, st.SaveProject(p))
	require.NoError(t, store.WriteFeatureList(p.ProjectDir, features, false))
	return p
}

func collectEvents(t *testing.T, eventBus bus.EventBus) func() []capturedEvent {
	t.Helper()
	var mu sync.Mutex
	var events []capturedEvent
	_, err := eventBus.Subscribe(bus.SubjectAllProjects, func(_ context.Context, e *bus.Event) error {
		mu.Lock()
		events = append(events, capturedEvent{Type: e.Type, Payload: e.Payload})
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	return func() []capturedEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedEvent(nil), events...)
	}
}

func eventTypes(events []capturedEvent) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

func TestTickSyncsChangedFeaturesAndProgress(t *testing.T) {
	m, st, eventBus, _ := newTestManager(t)
	p := seedProject(t, st, []models.Feature{
		{ID: "f1", Description: "one", Passes: true},
		{ID: "f2", Description: "two"},
	})
	got := collectEvents(t, eventBus)

	done := m.tick(p.ID, p.ProjectDir)
	assert.False(t, done)

	events := got()
	require.Len(t, events, 3)
	assert.Equal(t, []string{bus.TypeFeaturesSync, bus.TypeFeatureUpdate, bus.TypeProgress}, eventTypes(events))

	update, ok := events[1].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "f1", update["featureId"])
	assert.Equal(t, true, update["passes"])

	progress, ok := events[2].Payload.(models.Progress)
	require.True(t, ok)
	assert.Equal(t, 2, progress.Total)
	assert.Equal(t, 1, progress.Passed)

	cached, err := st.LoadFeatures(p.ID)
	require.NoError(t, err)
	assert.Len(t, cached, 2)
}

func TestTickSkipsSyncWhenUnchanged(t *testing.T) {
	m, st, eventBus, _ := newTestManager(t)
	p := seedProject(t, st, []models.Feature{{ID: "f1", Description: "one"}})

	m.tick(p.ID, p.ProjectDir)
	got := collectEvents(t, eventBus)
	m.tick(p.ID, p.ProjectDir)

	// Second pass saw no change: progress only, no features_sync.
	assert.Equal(t, []string{bus.TypeProgress}, eventTypes(got()))
}

func TestTickDetectsStateFlagChanges(t *testing.T) {
	m, st, eventBus, _ := newTestManager(t)
	p := seedProject(t, st, []models.Feature{{ID: "f1", Description: "one"}})
	m.tick(p.ID, p.ProjectDir)

	features, wrapped, err := store.ReadFeatureList(p.ProjectDir)
	require.NoError(t, err)
	features[0].InProgress = true
	require.NoError(t, store.WriteFeatureList(p.ProjectDir, features, wrapped))

	got := collectEvents(t, eventBus)
	m.tick(p.ID, p.ProjectDir)
	assert.Equal(t, []string{bus.TypeFeaturesSync, bus.TypeProgress}, eventTypes(got()))
}

func TestCompletionStopsWatcherAndAgents(t *testing.T) {
	m, st, eventBus, stopper := newTestManager(t)
	p := seedProject(t, st, []models.Feature{
		{ID: "f1", Passes: true},
		{ID: "f2", Passes: true},
	})
	got := collectEvents(t, eventBus)

	// Simulate an active watcher entry so complete() can remove it.
	m.mu.Lock()
	m.watchers[p.ID] = make(chan struct{})
	m.mu.Unlock()

	done := m.tick(p.ID, p.ProjectDir)
	assert.True(t, done)

	saved, err := st.GetProject(p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, saved.Status)

	assert.Equal(t, []string{p.ID}, stopper.stoppedIDs())
	assert.Contains(t, eventTypes(got()), bus.TypeStatus)

	m.mu.Lock()
	_, stillWatching := m.watchers[p.ID]
	m.mu.Unlock()
	assert.False(t, stillWatching)
}

func TestEmptyFeatureListDoesNotComplete(t *testing.T) {
	m, st, _, stopper := newTestManager(t)
	p := seedProject(t, st, nil)

	done := m.tick(p.ID, p.ProjectDir)
	assert.False(t, done)
	assert.Empty(t, stopper.stoppedIDs())
}

func TestStartStopIdempotent(t *testing.T) {
	m, st, _, _ := newTestManager(t)
	p := seedProject(t, st, []models.Feature{{ID: "f1"}})

	m.Start(p)
	m.Start(p)
	m.mu.Lock()
	assert.Len(t, m.watchers, 1)
	m.mu.Unlock()

	m.Stop(p.ID)
	m.Stop(p.ID)
	m.mu.Lock()
	assert.Empty(t, m.watchers)
	m.mu.Unlock()
}

func TestPassFlips(t *testing.T) {
	cached := []models.Feature{{ID: "a"}, {ID: "b", Passes: true}}

	flipped := passFlips(cached, []models.Feature{
		{ID: "a", Passes: true},
		{ID: "b", Passes: true},
		{ID: "c"},
		{ID: "d", Passes: true},
	})
	ids := make([]string, len(flipped))
	for i, f := range flipped {
		ids[i] = f.ID
	}
	assert.Equal(t, []string{"a", "d"}, ids)

	assert.Empty(t, passFlips(cached, cached))
}

func TestFeaturesChanged(t *testing.T) {
	base := []models.Feature{{ID: "a"}, {ID: "b", Passes: true}}

	assert.False(t, featuresChanged(base, []models.Feature{{ID: "a"}, {ID: "b", Passes: true}}))
	assert.True(t, featuresChanged(base, []models.Feature{{ID: "a"}}))
	assert.True(t, featuresChanged(base, []models.Feature{{ID: "a", Passes: true}, {ID: "b", Passes: true}}))
	assert.True(t, featuresChanged(base, []models.Feature{{ID: "a", InProgress: true}, {ID: "b", Passes: true}}))
	assert.True(t, featuresChanged(base, []models.Feature{{ID: "a"}, {ID: "c", Passes: true}}))
}
