package progress

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite stores transfer progress in a local SQLite database. The server
// side of the file manager keeps one per deployment so browser clients can
// offer resume across page reloads.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and if needed initializes) the progress database at
// dbPath.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dbPath == "" {
		return nil, errors.New("dbPath must not be empty")
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	stmt := `CREATE TABLE IF NOT EXISTS upload_progress (
		persistence_id TEXT PRIMARY KEY,
		transfer_id TEXT NOT NULL,
		object_key TEXT NOT NULL,
		total_parts INTEGER NOT NULL,
		part_size_bytes INTEGER NOT NULL,
		completed_parts TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := db.Exec(stmt); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create progress table: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Put writes the record, replacing any previous state for the same
// persistence ID.
func (s *SQLite) Put(ctx context.Context, record Record) error {
	parts, err := encodeParts(record.CompletedParts)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO upload_progress (persistence_id, transfer_id, object_key, total_parts, part_size_bytes, completed_parts, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(persistence_id) DO UPDATE SET
			transfer_id = excluded.transfer_id,
			object_key = excluded.object_key,
			total_parts = excluded.total_parts,
			part_size_bytes = excluded.part_size_bytes,
			completed_parts = excluded.completed_parts,
			updated_at = excluded.updated_at`,
		record.PersistenceID, record.TransferID, record.Key, record.TotalParts, record.PartSizeBytes, parts,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("put progress record: %w", err)
	}
	return nil
}

// Get retrieves the record for persistenceID. The second return value is
// false when no record exists.
func (s *SQLite) Get(ctx context.Context, persistenceID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT transfer_id, object_key, total_parts, part_size_bytes, completed_parts
		 FROM upload_progress WHERE persistence_id = ?`,
		persistenceID,
	)

	record := Record{PersistenceID: persistenceID}
	var parts string
	err := row.Scan(&record.TransferID, &record.Key, &record.TotalParts, &record.PartSizeBytes, &parts)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get progress record: %w", err)
	}

	record.CompletedParts, err = decodeParts(parts)
	if err != nil {
		return Record{}, false, err
	}
	return record, true, nil
}

// Delete removes the record. Deleting an absent record is not an error.
func (s *SQLite) Delete(ctx context.Context, persistenceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM upload_progress WHERE persistence_id = ?`, persistenceID)
	if err != nil {
		return fmt.Errorf("delete progress record: %w", err)
	}
	return nil
}

// Part numbers are JSON object keys, so they are stored as strings.
func encodeParts(parts map[int]string) (string, error) {
	byNumber := make(map[string]string, len(parts))
	for n, tag := range parts {
		byNumber[strconv.Itoa(n)] = tag
	}
	encoded, err := json.Marshal(byNumber)
	if err != nil {
		return "", fmt.Errorf("encode completed parts: %w", err)
	}
	return string(encoded), nil
}

func decodeParts(encoded string) (map[int]string, error) {
	var byNumber map[string]string
	if err := json.Unmarshal([]byte(encoded), &byNumber); err != nil {
		return nil, fmt.Errorf("decode completed parts: %w", err)
	}
	parts := make(map[int]string, len(byNumber))
	for key, tag := range byNumber {
		n, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("decode completed parts: bad part number %q", key)
		}
		parts[n] = tag
	}
	return parts, nil
}
