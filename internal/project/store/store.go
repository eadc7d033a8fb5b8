// Package store persists projects, features, sessions, logs, claims, and
// help requests as plain files under the data directory. Layout:
//
//	<dataDir>/projects/<projectID>/project.json
//	<dataDir>/projects/<projectID>/features.json
//	<dataDir>/projects/<projectID>/sessions.json
//	<dataDir>/projects/<projectID>/logs.jsonl
//	<dataDir>/projects/<projectID>/claimed.json
//	<dataDir>/projects/<projectID>/help-requests.json
//	<dataDir>/claude-logs/<sessionID>.log
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/common/logger"
	"github.com/autodev/autodev/internal/project/models"
)

const (
	projectFile      = "project.json"
	featuresFile     = "features.json"
	sessionsFile     = "sessions.json"
	logsFile         = "logs.jsonl"
	legacyLogsFile   = "logs.json"
	claimsFile       = "claimed.json"
	helpRequestsFile = "help-requests.json"
)

// Store is a filesystem-backed persistence layer. All document writes for a
// project are serialized through that project's mutex.
type Store struct {
	dataDir string
	logger  *logger.Logger

	mu      sync.Mutex
	projsMu map[string]*sync.Mutex
}

// NewStore creates the data directory structure and returns a Store.
func NewStore(dataDir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	s := &Store{
		dataDir: dataDir,
		logger:  log.WithFields(zap.String("component", "store")),
		projsMu: make(map[string]*sync.Mutex),
	}
	if err := os.MkdirAll(s.projectsDir(), 0o755); err != nil {
		return nil, errors.InternalError("failed to create projects directory", err)
	}
	if err := os.MkdirAll(s.RawLogDir(), 0o755); err != nil {
		return nil, errors.InternalError("failed to create raw log directory", err)
	}
	return s, nil
}

// DataDir returns the root data directory.
func (s *Store) DataDir() string {
	return s.dataDir
}

// RawLogDir returns the directory holding verbatim child-process logs.
func (s *Store) RawLogDir() string {
	return filepath.Join(s.dataDir, "claude-logs")
}

// RawLogPath returns the verbatim log path for a session.
func (s *Store) RawLogPath(sessionID string) string {
	return filepath.Join(s.RawLogDir(), sessionID+".log")
}

func (s *Store) projectsDir() string {
	return filepath.Join(s.dataDir, "projects")
}

// ProjectDir returns the persistence directory for a project.
func (s *Store) ProjectDir(projectID string) string {
	return filepath.Join(s.projectsDir(), projectID)
}

// lock returns the mutex guarding one project's files.
func (s *Store) lock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.projsMu[projectID]
	if !ok {
		m = &sync.Mutex{}
		s.projsMu[projectID] = m
	}
	return m
}

// writeDoc pretty-prints v and rewrites the named document in full.
// Caller must hold the project lock.
func (s *Store) writeDoc(projectID, name string, v any) error {
	dir := s.ProjectDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.InternalError("failed to create project directory", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.InternalError("failed to marshal "+name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return errors.InternalError("failed to write "+name, err)
	}
	return nil
}

// readDoc unmarshals the named document into v. Missing files are reported
// via os.IsNotExist on the returned error.
func (s *Store) readDoc(projectID, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.ProjectDir(projectID), name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// SaveProject rewrites project.json.
func (s *Store) SaveProject(p *models.Project) error {
	mu := s.lock(p.ID)
	mu.Lock()
	defer mu.Unlock()
	return s.writeDoc(p.ID, projectFile, p)
}

// GetProject loads a project by id.
func (s *Store) GetProject(projectID string) (*models.Project, error) {
	var p models.Project
	if err := s.readDoc(projectID, projectFile, &p); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("project", projectID)
		}
		return nil, errors.InternalError("failed to read project", err)
	}
	return &p, nil
}

// ListProjects loads every project, newest first.
func (s *Store) ListProjects() ([]*models.Project, error) {
	entries, err := os.ReadDir(s.projectsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.InternalError("failed to list projects", err)
	}
	projects := make([]*models.Project, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.GetProject(e.Name())
		if err != nil {
			// A directory without a readable project.json is skipped,
			// not fatal. Partial deletes can leave these behind.
			s.logger.Warn("skipping unreadable project",
				zap.String("project_id", e.Name()), zap.Error(err))
			continue
		}
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

// DeleteProject removes a project's entire persistence directory.
func (s *Store) DeleteProject(projectID string) error {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()
	if err := os.RemoveAll(s.ProjectDir(projectID)); err != nil {
		return errors.InternalError("failed to delete project", err)
	}
	return nil
}

// SaveFeatures rewrites the cached feature list.
func (s *Store) SaveFeatures(projectID string, features []models.Feature) error {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()
	return s.writeDoc(projectID, featuresFile, features)
}

// LoadFeatures returns the cached feature list; missing file yields empty.
func (s *Store) LoadFeatures(projectID string) ([]models.Feature, error) {
	var features []models.Feature
	if err := s.readDoc(projectID, featuresFile, &features); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.InternalError("failed to read features", err)
	}
	return features, nil
}

// SaveSessions rewrites sessions.json.
func (s *Store) SaveSessions(projectID string, sessions []models.Session) error {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()
	return s.writeDoc(projectID, sessionsFile, sessions)
}

// LoadSessions returns all session records; missing file yields empty.
func (s *Store) LoadSessions(projectID string) ([]models.Session, error) {
	var sessions []models.Session
	if err := s.readDoc(projectID, sessionsFile, &sessions); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.InternalError("failed to read sessions", err)
	}
	return sessions, nil
}

// UpsertSession inserts or replaces one session record by id.
func (s *Store) UpsertSession(projectID string, session models.Session) error {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	var sessions []models.Session
	if err := s.readDoc(projectID, sessionsFile, &sessions); err != nil && !os.IsNotExist(err) {
		return errors.InternalError("failed to read sessions", err)
	}
	found := false
	for i := range sessions {
		if sessions[i].ID == session.ID {
			sessions[i] = session
			found = true
			break
		}
	}
	if !found {
		sessions = append(sessions, session)
	}
	return s.writeDoc(projectID, sessionsFile, sessions)
}

// GetSession loads one session record by id.
func (s *Store) GetSession(projectID, sessionID string) (*models.Session, error) {
	sessions, err := s.LoadSessions(projectID)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].ID == sessionID {
			return &sessions[i], nil
		}
	}
	return nil, errors.NotFound("session", sessionID)
}

// SaveClaims rewrites the claimed.json snapshot (agent index -> feature id).
func (s *Store) SaveClaims(projectID string, claims map[int]string) error {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()
	return s.writeDoc(projectID, claimsFile, claims)
}

// LoadClaims returns the persisted claim snapshot; missing file yields empty.
func (s *Store) LoadClaims(projectID string) (map[int]string, error) {
	claims := make(map[int]string)
	if err := s.readDoc(projectID, claimsFile, &claims); err != nil {
		if os.IsNotExist(err) {
			return claims, nil
		}
		return nil, errors.InternalError("failed to read claims", err)
	}
	return claims, nil
}

// SaveHelpRequests rewrites help-requests.json.
func (s *Store) SaveHelpRequests(projectID string, reqs []models.HelpRequest) error {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()
	return s.writeDoc(projectID, helpRequestsFile, reqs)
}

// LoadHelpRequests returns all help requests; missing file yields empty.
func (s *Store) LoadHelpRequests(projectID string) ([]models.HelpRequest, error) {
	var reqs []models.HelpRequest
	if err := s.readDoc(projectID, helpRequestsFile, &reqs); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.InternalError("failed to read help requests", err)
	}
	return reqs, nil
}

// AddHelpRequest appends one help request.
func (s *Store) AddHelpRequest(projectID string, req models.HelpRequest) error {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	var reqs []models.HelpRequest
	if err := s.readDoc(projectID, helpRequestsFile, &reqs); err != nil && !os.IsNotExist(err) {
		return errors.InternalError("failed to read help requests", err)
	}
	reqs = append(reqs, req)
	return s.writeDoc(projectID, helpRequestsFile, reqs)
}

// UpdateHelpRequest replaces one help request by id.
func (s *Store) UpdateHelpRequest(projectID string, req models.HelpRequest) error {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	var reqs []models.HelpRequest
	if err := s.readDoc(projectID, helpRequestsFile, &reqs); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound("help request", req.ID)
		}
		return errors.InternalError("failed to read help requests", err)
	}
	for i := range reqs {
		if reqs[i].ID == req.ID {
			reqs[i] = req
			return s.writeDoc(projectID, helpRequestsFile, reqs)
		}
	}
	return errors.NotFound("help request", req.ID)
}
