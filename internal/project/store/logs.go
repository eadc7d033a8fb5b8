package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/autodev/autodev/internal/common/errors"
	"github.com/autodev/autodev/internal/project/models"
)

// MaxLogEntries caps logs.jsonl. When a read finds more entries than this,
// the file is truncated to the newest MaxLogEntries and rewritten in place.
const MaxLogEntries = 5000

// logScanBufferSize bounds a single JSONL line. Tool results can be large
// even after truncation at the event layer, so leave generous headroom.
const logScanBufferSize = 1024 * 1024

// AppendLog appends one entry to logs.jsonl. Entries marked temporary are
// the caller's responsibility to filter; this method persists whatever it
// is given.
func (s *Store) AppendLog(projectID string, entry models.LogEntry) error {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.migrateLegacyLogsLocked(projectID); err != nil {
		return err
	}

	dir := s.ProjectDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.InternalError("failed to create project directory", err)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return errors.InternalError("failed to marshal log entry", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, logsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.InternalError("failed to open log file", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.InternalError("failed to append log entry", err)
	}
	return nil
}

// LoadLogs returns the persisted log entries, oldest first. Malformed lines
// are skipped. When the file has grown past MaxLogEntries it is compacted to
// the newest MaxLogEntries as a side effect.
func (s *Store) LoadLogs(projectID string) ([]models.LogEntry, error) {
	mu := s.lock(projectID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.migrateLegacyLogsLocked(projectID); err != nil {
		return nil, err
	}

	path := filepath.Join(s.ProjectDir(projectID), logsFile)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.InternalError("failed to open log file", err)
	}

	var entries []models.LogEntry
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), logScanBufferSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry models.LogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	scanErr := scanner.Err()
	f.Close()
	if scanErr != nil {
		return nil, errors.InternalError("failed to read log file", scanErr)
	}
	if skipped > 0 {
		s.logger.Warn("skipped malformed log lines",
			zap.String("project_id", projectID), zap.Int("count", skipped))
	}

	if len(entries) > MaxLogEntries {
		entries = entries[len(entries)-MaxLogEntries:]
		if err := s.rewriteLogsLocked(projectID, entries); err != nil {
			// Compaction is opportunistic; the capped slice is still
			// returned even if the rewrite fails.
			s.logger.Warn("log compaction failed",
				zap.String("project_id", projectID), zap.Error(err))
		}
	}
	return entries, nil
}

// rewriteLogsLocked replaces logs.jsonl with the given entries.
// Caller must hold the project lock.
func (s *Store) rewriteLogsLocked(projectID string, entries []models.LogEntry) error {
	path := filepath.Join(s.ProjectDir(projectID), logsFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// migrateLegacyLogsLocked converts a pre-JSONL logs.json array into
// logs.jsonl once and removes the old file. A second call is a no-op.
// Caller must hold the project lock.
func (s *Store) migrateLegacyLogsLocked(projectID string) error {
	legacyPath := filepath.Join(s.ProjectDir(projectID), legacyLogsFile)
	data, err := os.ReadFile(legacyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.InternalError("failed to read legacy log file", err)
	}

	var entries []models.LogEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		// An unreadable legacy file is renamed aside rather than blocking
		// every log operation forever.
		s.logger.Warn("legacy log file is not a valid array, setting aside",
			zap.String("project_id", projectID), zap.Error(err))
		return os.Rename(legacyPath, legacyPath+".bad")
	}
	if len(entries) > MaxLogEntries {
		entries = entries[len(entries)-MaxLogEntries:]
	}
	if err := s.rewriteLogsLocked(projectID, entries); err != nil {
		return errors.InternalError("failed to migrate legacy logs", err)
	}
	if err := os.Remove(legacyPath); err != nil {
		return errors.InternalError("failed to remove legacy log file", err)
	}
	s.logger.Info("migrated legacy logs.json to logs.jsonl",
		zap.String("project_id", projectID), zap.Int("entries", len(entries)))
	return nil
}
