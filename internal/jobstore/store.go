// Package jobstore persists accepted job documents so a restarted service
// can rehydrate its in-memory job set.
package jobstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/openmash/mash/internal/models"
)

// Store writes one JSON file per job under a service-owned directory.
type Store struct {
	dir    string
	logger arbor.ILogger
}

// New creates the store, making the directory if needed.
func New(dir string, logger arbor.ILogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory %s: %w", dir, err)
	}
	return &Store{dir: dir, logger: logger}, nil
}

// Path returns the on-disk location for a job id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, "job-"+id+".json")
}

// Persist writes the job document atomically and records the file location
// in the document's job_file key. The returned document carries the
// backref; the caller's copy is not mutated.
func (s *Store) Persist(doc models.JobDocument) (models.JobDocument, error) {
	id := doc.ID()
	if id == "" {
		return nil, fmt.Errorf("job document has no id")
	}

	stored := doc.Clone()
	path := s.Path(id)
	stored["job_file"] = path

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", id, err)
	}

	// Write-then-rename so a crash never leaves a truncated document.
	tmp, err := os.CreateTemp(s.dir, "job-"+id+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for job %s: %w", id, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to write job %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to close job file %s: %w", id, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("failed to place job file %s: %w", id, err)
	}

	return stored, nil
}

// Delete removes the persisted document. Deleting a missing job is not an
// error.
func (s *Store) Delete(id string) error {
	err := os.Remove(s.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete job %s: %w", id, err)
	}
	return nil
}

// ListAll loads every persisted job document. Files that fail to parse are
// logged and skipped so one corrupt document cannot block a restart.
func (s *Store) ListAll() ([]models.JobDocument, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read job directory %s: %w", s.dir, err)
	}

	var docs []models.JobDocument
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "job-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Skipping unreadable job file")
			continue
		}
		doc, err := models.ParseJobDocument(data)
		if err != nil {
			s.logger.Warn().Err(err).Str("file", path).Msg("Skipping corrupt job file")
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
