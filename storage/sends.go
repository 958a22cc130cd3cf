package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// CreateSend starts a send log entry and returns its generated ID.
func (s *Store) CreateSend(send Send) (string, error) {
	if send.Sender == "" {
		return "", errors.New("sender is required")
	}
	if send.Recipient == "" {
		return "", errors.New("recipient is required")
	}
	if send.Kind == "" {
		send.Kind = SendKindText
	}
	if err := validateSendKind(send.Kind); err != nil {
		return "", err
	}
	if send.Status == "" {
		send.Status = SendStatusPending
	}
	if err := validateSendStatus(send.Status); err != nil {
		return "", err
	}
	if send.SendID == "" {
		send.SendID = uuid.NewString()
	}
	now := nowUnixMilli()

	_, err := s.db.Exec(
		`INSERT INTO sends (
			send_id,
			sender,
			recipient,
			kind,
			filename,
			content_address,
			blob_address,
			record_id,
			status,
			error,
			created_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		send.SendID,
		send.Sender,
		send.Recipient,
		send.Kind,
		send.Filename,
		send.ContentAddress,
		send.BlobAddress,
		send.RecordID,
		send.Status,
		send.Error,
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("insert send %q: %w", send.SendID, err)
	}
	return send.SendID, nil
}

// UpdateSend applies a status transition. Empty address and record fields
// keep their stored values.
func (s *Store) UpdateSend(sendID string, update SendUpdate) error {
	if sendID == "" {
		return errors.New("send_id is required")
	}
	if err := validateSendStatus(update.Status); err != nil {
		return err
	}

	res, err := s.db.Exec(
		`UPDATE sends
		SET status = ?,
			content_address = COALESCE(NULLIF(?, ''), content_address),
			blob_address = COALESCE(NULLIF(?, ''), blob_address),
			record_id = COALESCE(NULLIF(?, ''), record_id),
			error = ?,
			updated_at = ?
		WHERE send_id = ?`,
		update.Status,
		update.ContentAddress,
		update.BlobAddress,
		update.RecordID,
		update.Error,
		nowUnixMilli(),
		sendID,
	)
	if err != nil {
		return fmt.Errorf("update send %q: %w", sendID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for send update %q: %w", sendID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSend fetches one send log entry.
func (s *Store) GetSend(sendID string) (*Send, error) {
	if sendID == "" {
		return nil, errors.New("send_id is required")
	}

	row := s.db.QueryRow(
		`SELECT send_id, sender, recipient, kind, filename, content_address, blob_address,
			record_id, status, error, created_at, updated_at
		FROM sends
		WHERE send_id = ?`,
		sendID,
	)
	send, err := scanSend(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get send %q: %w", sendID, err)
	}
	return send, nil
}

// ListSends returns send log entries, newest first. An empty status lists all.
func (s *Store) ListSends(status string, limit int) ([]Send, error) {
	if status != "" {
		if err := validateSendStatus(status); err != nil {
			return nil, err
		}
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT send_id, sender, recipient, kind, filename, content_address, blob_address,
			record_id, status, error, created_at, updated_at
		FROM sends
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, send_id ASC
		LIMIT ?`,
		status,
		status,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list sends: %w", err)
	}
	defer rows.Close()

	sends := make([]Send, 0)
	for rows.Next() {
		send, err := scanSend(rows)
		if err != nil {
			return nil, fmt.Errorf("scan send row: %w", err)
		}
		sends = append(sends, *send)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate send rows: %w", err)
	}
	return sends, nil
}

// ListOrphans returns sends whose payload was stored but never recorded on the ledger.
func (s *Store) ListOrphans(limit int) ([]Send, error) {
	return s.ListSends(SendStatusFailed, limit)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSend(row rowScanner) (*Send, error) {
	var send Send
	if err := row.Scan(
		&send.SendID,
		&send.Sender,
		&send.Recipient,
		&send.Kind,
		&send.Filename,
		&send.ContentAddress,
		&send.BlobAddress,
		&send.RecordID,
		&send.Status,
		&send.Error,
		&send.CreatedAt,
		&send.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &send, nil
}
