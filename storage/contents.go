package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SaveContent remembers the resolved text of a content address. Content is
// immutable, so an existing row is left untouched.
func (s *Store) SaveContent(address, body string) error {
	if address == "" {
		return errors.New("address is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO contents (address, body, resolved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(address) DO NOTHING`,
		address,
		body,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save content %q: %w", address, err)
	}
	return nil
}

// LoadContent returns previously resolved text, or ErrNotFound.
func (s *Store) LoadContent(address string) (string, error) {
	if address == "" {
		return "", errors.New("address is required")
	}

	var body string
	err := s.db.QueryRow(`SELECT body FROM contents WHERE address = ?`, address).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load content %q: %w", address, err)
	}
	return body, nil
}

// CountContents returns the number of cached content rows.
func (s *Store) CountContents() (int, error) {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(1) FROM contents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count contents: %w", err)
	}
	return count, nil
}
