package store

import (
	"database/sql"
	"fmt"
	"time"
)

// snapshotKey builds the persistence key for a project's collection.
func snapshotKey(projectID string) string {
	return "entities." + projectID
}

// SaveSnapshot replaces the stored blob for a project wholesale.
func (s *Store) SaveSnapshot(projectID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR REPLACE INTO snapshots (key, payload, saved_at) VALUES (?, ?, ?)`
	_, err := s.db.Exec(query, snapshotKey(projectID), payload, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the last saved blob and its save time. A missing
// snapshot returns (nil, zero, nil) — absence is not an error.
func (s *Store) LoadSnapshot(projectID string) ([]byte, time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var payload []byte
	var savedAt int64
	query := `SELECT payload, saved_at FROM snapshots WHERE key = ?`
	err := s.db.QueryRow(query, snapshotKey(projectID)).Scan(&payload, &savedAt)
	if err == sql.ErrNoRows {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return payload, time.UnixMilli(savedAt), nil
}

// DeleteSnapshot removes one project's stored blob.
func (s *Store) DeleteSnapshot(projectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM snapshots WHERE key = ?`, snapshotKey(projectID))
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// DeleteAllSnapshots removes every stored blob.
func (s *Store) DeleteAllSnapshots() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM snapshots`)
	if err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}
