package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/project/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return s
}

func TestProjectRoundTrip(t *testing.T) {
	s := newTestStore(t)

	p := &models.Project{
		ID:          "p1",
		Name:        "demo",
		Spec:        "build a todo app",
		Status:      models.StatusIdle,
		Provider:    "claude",
		Concurrency: 3,
		ProjectDir:  "/tmp/demo",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.SaveProject(p))

	got, err := s.GetProject("p1")
	require.NoError(t, err)
	assert.Equal(t, p.Name, got.Name)
	assert.Equal(t, models.StatusIdle, got.Status)

	_, err = s.GetProject("missing")
	assert.True(t, errors.IsNotFound(err))

	require.NoError(t, s.DeleteProject("p1"))
	_, err = s.GetProject("p1")
	assert.True(t, errors.IsNotFound(err))
}

func TestListProjectsNewestFirst(t *testing.T) {
	s := newTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveProject(&models.Project{
			ID:        fmt.Sprintf("p%d", i),
			Name:      fmt.Sprintf("project %d", i),
			Status:    models.StatusIdle,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	projects, err := s.ListProjects()
	require.NoError(t, err)
	require.Len(t, projects, 3)
	assert.Equal(t, "p2", projects[0].ID)
	assert.Equal(t, "p0", projects[2].ID)
}

func TestUpsertSession(t *testing.T) {
	s := newTestStore(t)

	sess := models.Session{
		ID:        "s1",
		ProjectID: "p1",
		Kind:      models.SessionKindCoding,
		Status:    models.SessionRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpsertSession("p1", sess))

	sess.Status = models.SessionCompleted
	require.NoError(t, s.UpsertSession("p1", sess))

	sessions, err := s.LoadSessions("p1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionCompleted, sessions[0].Status)

	got, err := s.GetSession("p1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	_, err = s.GetSession("p1", "nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestAppendAndLoadLogs(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendLog("p1", models.LogEntry{
			ID:        fmt.Sprintf("l%d", i),
			SessionID: "s1",
			Timestamp: time.Now().UTC(),
			Kind:      models.LogAssistant,
			Content:   fmt.Sprintf("message %d", i),
		}))
	}

	entries, err := s.LoadLogs("p1")
	require.NoError(t, err)
	require.Len(t, entries, 10)
	assert.Equal(t, "l0", entries[0].ID)
	assert.Equal(t, "l9", entries[9].ID)
}

func TestLoadLogsSkipsMalformedLines(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendLog("p1", models.LogEntry{ID: "good1", Kind: models.LogSystem}))

	path := filepath.Join(s.ProjectDir("p1"), logsFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, s.AppendLog("p1", models.LogEntry{ID: "good2", Kind: models.LogSystem}))

	entries, err := s.LoadLogs("p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "good1", entries[0].ID)
	assert.Equal(t, "good2", entries[1].ID)
}

func TestLoadLogsCapsAndCompacts(t *testing.T) {
	s := newTestStore(t)

	total := MaxLogEntries + 50
	for i := 0; i < total; i++ {
		require.NoError(t, s.AppendLog("p1", models.LogEntry{
			ID:   fmt.Sprintf("l%d", i),
			Kind: models.LogAssistant,
		}))
	}

	entries, err := s.LoadLogs("p1")
	require.NoError(t, err)
	require.Len(t, entries, MaxLogEntries)
	assert.Equal(t, fmt.Sprintf("l%d", total-MaxLogEntries), entries[0].ID)
	assert.Equal(t, fmt.Sprintf("l%d", total-1), entries[len(entries)-1].ID)

	// The compacted file holds exactly the cap on the next read too.
	entries, err = s.LoadLogs("p1")
	require.NoError(t, err)
	assert.Len(t, entries, MaxLogEntries)
}

func TestLegacyLogMigration(t *testing.T) {
	s := newTestStore(t)

	legacy := []models.LogEntry{
		{ID: "old1", Kind: models.LogAssistant, Content: "first"},
		{ID: "old2", Kind: models.LogToolUse, Content: "second"},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(s.ProjectDir("p1"), 0o755))
	legacyPath := filepath.Join(s.ProjectDir("p1"), legacyLogsFile)
	require.NoError(t, os.WriteFile(legacyPath, data, 0o644))

	entries, err := s.LoadLogs("p1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "old1", entries[0].ID)

	_, err = os.Stat(legacyPath)
	assert.True(t, os.IsNotExist(err))

	// Migration is idempotent: appends land after the migrated entries.
	require.NoError(t, s.AppendLog("p1", models.LogEntry{ID: "new1", Kind: models.LogSystem}))
	entries, err = s.LoadLogs("p1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "new1", entries[2].ID)
}

func TestClaimsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	claims, err := s.LoadClaims("p1")
	require.NoError(t, err)
	assert.Empty(t, claims)

	require.NoError(t, s.SaveClaims("p1", map[int]string{0: "feat-a", 2: "feat-b"}))
	claims, err = s.LoadClaims("p1")
	require.NoError(t, err)
	assert.Equal(t, "feat-a", claims[0])
	assert.Equal(t, "feat-b", claims[2])
}

func TestHelpRequests(t *testing.T) {
	s := newTestStore(t)

	req := models.HelpRequest{
		ID:        "h1",
		ProjectID: "p1",
		SessionID: "s1",
		Message:   "stuck on migrations",
		Status:    models.HelpPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AddHelpRequest("p1", req))

	req.Status = models.HelpResolved
	req.Response = "use the ORM"
	require.NoError(t, s.UpdateHelpRequest("p1", req))

	reqs, err := s.LoadHelpRequests("p1")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, models.HelpResolved, reqs[0].Status)
	assert.Equal(t, "use the ORM", reqs[0].Response)

	err = s.UpdateHelpRequest("p1", models.HelpRequest{ID: "missing"})
	assert.True(t, errors.IsNotFound(err))
}

func TestReadFeatureListShapes(t *testing.T) {
	dir := t.TempDir()

	// Missing file is an empty list.
	features, wrapped, err := ReadFeatureList(dir)
	require.NoError(t, err)
	assert.Empty(t, features)
	assert.False(t, wrapped)

	bare := `[{"id":"f1","category":"core","description":"login","steps":["a"],"passes":false,"inProgress":false}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FeatureListName), []byte(bare), 0o644))
	features, wrapped, err = ReadFeatureList(dir)
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, "f1", features[0].ID)
	assert.False(t, wrapped)

	wrappedDoc := `{"features":[{"id":"f2","description":"logout","passes":true}]}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FeatureListName), []byte(wrappedDoc), 0o644))
	features, wrapped, err = ReadFeatureList(dir)
	require.NoError(t, err)
	require.Len(t, features, 1)
	assert.Equal(t, "f2", features[0].ID)
	assert.True(t, wrapped)

	// Writes preserve the wrapped shape.
	features[0].InProgress = true
	require.NoError(t, WriteFeatureList(dir, features, true))
	data, err := os.ReadFile(filepath.Join(dir, FeatureListName))
	require.NoError(t, err)
	var doc struct {
		Features []models.Feature `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	require.Len(t, doc.Features, 1)
	assert.True(t, doc.Features[0].InProgress)
}
