// Package filestore keeps uploaded job input files until the job that
// consumes them has finished.
package filestore

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/jobkit/errors"
)

// Store persists file uploads in the file_proxies table.
type Store struct {
	db *sql.DB
}

// NewStore creates a file store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// File is a stored upload.
type File struct {
	ID         string
	Name       string
	Size       int64
	UploadedAt time.Time
}

// Store saves data and returns the handle to load it later.
func (s *Store) Store(ctx context.Context, name string, data []byte) (string, error) {
	if data == nil {
		data = []byte{}
	}
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_proxies (id, name, data, size, uploaded_at) VALUES (?, ?, ?, ?, ?)`,
		id, name, data, len(data), time.Now())
	if err != nil {
		return "", errors.WithDetail(errors.Wrap(err, "failed to store file"), "name: "+name)
	}
	return id, nil
}

// Load returns the name and contents for a handle.
func (s *Store) Load(ctx context.Context, handle string) (string, []byte, error) {
	var name string
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT name, data FROM file_proxies WHERE id = ?`, handle).Scan(&name, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil, errors.NewNotFoundError("file %s", handle)
	}
	if err != nil {
		return "", nil, errors.Wrap(err, "failed to load file")
	}
	return name, data, nil
}

// Delete removes a stored file and reports whether it existed.
func (s *Store) Delete(ctx context.Context, handle string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_proxies WHERE id = ?`, handle)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete file")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to delete file")
	}
	return n > 0, nil
}

// List returns file metadata, newest first.
func (s *Store) List(ctx context.Context) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, size, uploaded_at FROM file_proxies ORDER BY uploaded_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list files")
	}
	defer rows.Close()

	var files []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.Name, &f.Size, &f.UploadedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan file")
		}
		files = append(files, f)
	}
	return files, rows.Err()
}
