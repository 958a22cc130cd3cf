package storage

import (
	"errors"
	"fmt"
)

// MarkSeen records that viewer has been notified about a ledger record.
func (s *Store) MarkSeen(viewer, recordID string, seenAt int64) error {
	if viewer == "" {
		return errors.New("viewer is required")
	}
	if recordID == "" {
		return errors.New("record_id is required")
	}
	if seenAt == 0 {
		seenAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_records (viewer, record_id, seen_at)
		VALUES (?, ?, ?)
		ON CONFLICT(viewer, record_id) DO NOTHING`,
		viewer,
		recordID,
		seenAt,
	)
	if err != nil {
		return fmt.Errorf("mark record %q seen: %w", recordID, err)
	}

	return nil
}

// HasSeen returns true if viewer was already notified about recordID.
func (s *Store) HasSeen(viewer, recordID string) (bool, error) {
	if viewer == "" {
		return false, errors.New("viewer is required")
	}
	if recordID == "" {
		return false, errors.New("record_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_records WHERE viewer = ? AND record_id = ?)`,
		viewer,
		recordID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen record %q: %w", recordID, err)
	}

	return exists == 1, nil
}

// PruneSeen removes seen_records rows older than cutoff timestamp.
func (s *Store) PruneSeen(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_records WHERE seen_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen records: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen record prune: %w", err)
	}

	return rowsAffected, nil
}
