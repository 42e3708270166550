package relay

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"
)

// Store keeps the latest saved document of every room in sqlite.
type Store struct {
	database *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{database: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.database.Exec(
		`CREATE TABLE IF NOT EXISTS rooms (
		id text not null primary key,
		content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create rooms table: %w", err)
	}
	slog.Info("Ensured initial tables exist")
	return nil
}

// Load returns the saved document of a room, false when the room was never saved.
func (s *Store) Load(ctx context.Context, roomID string) ([]byte, bool, error) {
	var content string
	if err := s.database.QueryRowContext(ctx, `SELECT content FROM rooms WHERE id = ?`, roomID).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to query room: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode room: %w", err)
	}
	return raw, true, nil
}

// Save stores the document of a room and reports whether the stored content changed.
func (s *Store) Save(ctx context.Context, roomID string, raw []byte) (bool, error) {
	content := base64.StdEncoding.EncodeToString(raw)
	res, err := s.database.ExecContext(
		ctx, `INSERT INTO rooms (id, content) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET content = excluded.content WHERE content != excluded.content`,
		roomID,
		content,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save room: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Close() error {
	return s.database.Close()
}
