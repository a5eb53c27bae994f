// Package hooks runs receiver jobs in response to object changes (job
// hooks) and to user button presses (job buttons).
package hooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/teranos/jobkit/changes"
	"github.com/teranos/jobkit/errors"
)

// Hook triggers a hook receiver job for changes to its content types.
type Hook struct {
	ID           string
	Name         string
	ClassPath    string
	ContentTypes []string
	Enabled      bool
	TypeCreate   bool
	TypeUpdate   bool
	TypeDelete   bool
	CreatedAt    time.Time
}

// Fires reports whether the hook reacts to action on objectType.
func (h *Hook) Fires(objectType string, action changes.Action) bool {
	if !h.Enabled || !contains(h.ContentTypes, objectType) {
		return false
	}
	switch action {
	case changes.ActionCreate:
		return h.TypeCreate
	case changes.ActionUpdate:
		return h.TypeUpdate
	case changes.ActionDelete:
		return h.TypeDelete
	}
	return false
}

// Button runs a button receiver job against one object.
type Button struct {
	ID           string
	Name         string
	ClassPath    string
	ContentTypes []string
	Text         string
	Weight       int
	Confirmation bool
	Enabled      bool
	CreatedAt    time.Time
}

// AppliesTo reports whether the button is shown for objectType.
func (b *Button) AppliesTo(objectType string) bool {
	return contains(b.ContentTypes, objectType)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Store persists job hooks and job buttons.
type Store struct {
	db *sql.DB
}

// NewStore creates a hook and button store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeTypes(types []string) (string, error) {
	if types == nil {
		types = []string{}
	}
	b, err := json.Marshal(types)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode content types")
	}
	return string(b), nil
}

func decodeTypes(raw string) ([]string, error) {
	var types []string
	if err := json.Unmarshal([]byte(raw), &types); err != nil {
		return nil, errors.Wrap(err, "failed to decode content types")
	}
	return types, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const hookColumns = `id, name, class_path, content_types, enabled, type_create, type_update, type_delete, created_at`

func scanHook(row rowScanner) (*Hook, error) {
	var h Hook
	var types string
	if err := row.Scan(&h.ID, &h.Name, &h.ClassPath, &types, &h.Enabled,
		&h.TypeCreate, &h.TypeUpdate, &h.TypeDelete, &h.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if h.ContentTypes, err = decodeTypes(types); err != nil {
		return nil, errors.WithDetail(err, "hook: "+h.Name)
	}
	return &h, nil
}

// CreateHook inserts a hook. Names are unique.
func (s *Store) CreateHook(ctx context.Context, h *Hook) error {
	types, err := encodeTypes(h.ContentTypes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO job_hooks (`+hookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Name, h.ClassPath, types, h.Enabled, h.TypeCreate, h.TypeUpdate, h.TypeDelete, h.CreatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(errors.ErrConflict, "job hook %q already exists", h.Name)
	}
	if err != nil {
		return errors.Wrap(err, "failed to create job hook")
	}
	return nil
}

// GetHook loads a hook by id.
func (s *Store) GetHook(ctx context.Context, id string) (*Hook, error) {
	h, err := scanHook(s.db.QueryRowContext(ctx, `SELECT `+hookColumns+` FROM job_hooks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job hook %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job hook")
	}
	return h, nil
}

// ListHooks returns all hooks ordered by name.
func (s *Store) ListHooks(ctx context.Context) ([]*Hook, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+hookColumns+` FROM job_hooks ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job hooks")
	}
	defer rows.Close()

	var hooks []*Hook
	for rows.Next() {
		h, err := scanHook(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job hook")
		}
		hooks = append(hooks, h)
	}
	return hooks, errors.Wrap(rows.Err(), "error iterating job hooks")
}

// MatchingHooks returns the enabled hooks that fire for action on objectType.
func (s *Store) MatchingHooks(ctx context.Context, objectType string, action changes.Action) ([]*Hook, error) {
	all, err := s.ListHooks(ctx)
	if err != nil {
		return nil, err
	}
	var out []*Hook
	for _, h := range all {
		if h.Fires(objectType, action) {
			out = append(out, h)
		}
	}
	return out, nil
}

// SetHookEnabled toggles a hook.
func (s *Store) SetHookEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE job_hooks SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return errors.Wrap(err, "failed to update job hook")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job hook %s", id)
	}
	return nil
}

// DeleteHook removes a hook.
func (s *Store) DeleteHook(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_hooks WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job hook")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job hook %s", id)
	}
	return nil
}

const buttonColumns = `id, name, class_path, content_types, text, weight, confirmation, enabled, created_at`

func scanButton(row rowScanner) (*Button, error) {
	var b Button
	var types string
	if err := row.Scan(&b.ID, &b.Name, &b.ClassPath, &types, &b.Text, &b.Weight,
		&b.Confirmation, &b.Enabled, &b.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if b.ContentTypes, err = decodeTypes(types); err != nil {
		return nil, errors.WithDetail(err, "button: "+b.Name)
	}
	return &b, nil
}

// CreateButton inserts a button. Names are unique.
func (s *Store) CreateButton(ctx context.Context, b *Button) error {
	types, err := encodeTypes(b.ContentTypes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO job_buttons (`+buttonColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Name, b.ClassPath, types, b.Text, b.Weight, b.Confirmation, b.Enabled, b.CreatedAt)
	if isUniqueViolation(err) {
		return errors.Wrapf(errors.ErrConflict, "job button %q already exists", b.Name)
	}
	if err != nil {
		return errors.Wrap(err, "failed to create job button")
	}
	return nil
}

// GetButton loads a button by id.
func (s *Store) GetButton(ctx context.Context, id string) (*Button, error) {
	b, err := scanButton(s.db.QueryRowContext(ctx, `SELECT `+buttonColumns+` FROM job_buttons WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("job button %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get job button")
	}
	return b, nil
}

// ListButtons returns buttons ordered by weight then name. A non-empty
// objectType keeps only the buttons shown for that type.
func (s *Store) ListButtons(ctx context.Context, objectType string) ([]*Button, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+buttonColumns+` FROM job_buttons ORDER BY weight, name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list job buttons")
	}
	defer rows.Close()

	var buttons []*Button
	for rows.Next() {
		b, err := scanButton(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan job button")
		}
		if objectType == "" || b.AppliesTo(objectType) {
			buttons = append(buttons, b)
		}
	}
	return buttons, errors.Wrap(rows.Err(), "error iterating job buttons")
}

// DeleteButton removes a button.
func (s *Store) DeleteButton(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_buttons WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete job button")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("job button %s", id)
	}
	return nil
}
