package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"secura/models"
)

// SaveTimeline replaces the stored snapshot of viewer's timeline.
func (s *Store) SaveTimeline(viewer string, records []models.MessageRecord) error {
	if viewer == "" {
		return errors.New("viewer is required")
	}
	for _, record := range records {
		if record.ID == "" {
			return errors.New("record id is required")
		}
		if err := validateDirection(record.Direction); err != nil {
			return fmt.Errorf("record %q: %w", record.ID, err)
		}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin timeline snapshot: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM records WHERE viewer = ?`, viewer); err != nil {
		return fmt.Errorf("clear timeline snapshot for %q: %w", viewer, err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO records (
			viewer,
			record_id,
			sender,
			recipient,
			content_pointer,
			block_height,
			is_read,
			direction,
			snapshot_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare timeline insert: %w", err)
	}
	defer stmt.Close()

	snapshotAt := nowUnixMilli()
	for _, record := range records {
		if _, err := stmt.Exec(
			viewer,
			record.ID,
			record.Sender,
			record.Recipient,
			record.ContentPointer,
			int64(record.Timestamp),
			boolToInt(record.Read),
			string(record.Direction),
			snapshotAt,
		); err != nil {
			return fmt.Errorf("insert record %q: %w", record.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit timeline snapshot: %w", err)
	}
	return nil
}

// LoadTimeline returns viewer's last snapshot ordered by (block height, id).
func (s *Store) LoadTimeline(viewer string) ([]models.MessageRecord, error) {
	if viewer == "" {
		return nil, errors.New("viewer is required")
	}

	rows, err := s.db.Query(
		`SELECT record_id, sender, recipient, content_pointer, block_height, is_read, direction
		FROM records
		WHERE viewer = ?
		ORDER BY block_height ASC, record_id ASC`,
		viewer,
	)
	if err != nil {
		return nil, fmt.Errorf("load timeline for %q: %w", viewer, err)
	}
	return scanRecords(rows)
}

// LoadConversation returns the snapshot records exchanged between viewer and peer.
func (s *Store) LoadConversation(viewer, peer string) ([]models.MessageRecord, error) {
	if viewer == "" {
		return nil, errors.New("viewer is required")
	}
	if peer == "" {
		return nil, errors.New("peer is required")
	}

	rows, err := s.db.Query(
		`SELECT record_id, sender, recipient, content_pointer, block_height, is_read, direction
		FROM records
		WHERE viewer = ?
		  AND ((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))
		ORDER BY block_height ASC, record_id ASC`,
		viewer,
		viewer, peer,
		peer, viewer,
	)
	if err != nil {
		return nil, fmt.Errorf("load conversation %q/%q: %w", viewer, peer, err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]models.MessageRecord, error) {
	defer rows.Close()

	records := make([]models.MessageRecord, 0)
	for rows.Next() {
		var (
			record    models.MessageRecord
			height    int64
			isRead    int
			direction string
		)
		if err := rows.Scan(
			&record.ID,
			&record.Sender,
			&record.Recipient,
			&record.ContentPointer,
			&height,
			&isRead,
			&direction,
		); err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		record.Timestamp = uint64(height)
		record.Read = isRead == 1
		record.Direction = models.Direction(direction)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return records, nil
}
