// Package objects is a minimal generic inventory: typed objects with
// attributes, addressed by (type, pk). It resolves object-reference job
// variables and records a change event for every write.
package objects

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/teranos/jobkit/changes"
	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/vars"
)

// Store persists objects and implements vars.ObjectResolver.
type Store struct {
	db      *sql.DB
	changes *changes.Recorder
}

// NewStore creates an object store. recorder may be nil, in which case
// writes are not change-logged and change events cannot be resolved.
func NewStore(db *sql.DB, recorder *changes.Recorder) *Store {
	return &Store{db: db, changes: recorder}
}

var _ vars.ObjectResolver = (*Store)(nil)

// Save creates or updates an object and records the change.
func (s *Store) Save(ctx context.Context, obj vars.Object) (vars.Object, error) {
	if obj.Type == "" || obj.PK == "" {
		return obj, errors.Wrap(errors.ErrInvalidRequest, "object needs a type and pk")
	}
	if obj.Type == changes.ObjectType {
		return obj, errors.Wrapf(errors.ErrInvalidRequest, "%s objects are read-only", changes.ObjectType)
	}
	if obj.Attributes == nil {
		obj.Attributes = map[string]any{}
	}
	attrs, err := json.Marshal(obj.Attributes)
	if err != nil {
		return obj, errors.Wrap(err, "failed to encode attributes")
	}

	action := changes.ActionUpdate
	if _, err := s.get(ctx, obj.Type, obj.PK); errors.Is(err, errors.ErrNotFound) {
		action = changes.ActionCreate
	} else if err != nil {
		return obj, err
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `INSERT INTO objects (type, pk, display, attributes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(type, pk) DO UPDATE SET display = excluded.display,
			attributes = excluded.attributes, updated_at = excluded.updated_at`,
		obj.Type, obj.PK, obj.Display, string(attrs), now, now)
	if err != nil {
		return obj, errors.WithDetail(errors.Wrap(err, "failed to save object"), fmt.Sprintf("object: %s %s", obj.Type, obj.PK))
	}

	return obj, s.record(ctx, action, obj)
}

// Delete removes an object and records the change.
func (s *Store) Delete(ctx context.Context, objectType, pk string) error {
	obj, err := s.get(ctx, objectType, pk)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM objects WHERE type = ? AND pk = ?`, objectType, pk); err != nil {
		return errors.Wrap(err, "failed to delete object")
	}
	return s.record(ctx, changes.ActionDelete, *obj)
}

func (s *Store) record(ctx context.Context, action changes.Action, obj vars.Object) error {
	if s.changes == nil {
		return nil
	}
	_, err := s.changes.Record(ctx, changes.Event{
		Action:     action,
		ObjectType: obj.Type,
		ObjectID:   obj.PK,
		ObjectRepr: obj.Display,
		ObjectData: obj.Attributes,
	})
	return err
}

// Get resolves one object. Change events resolve from the change log.
func (s *Store) Get(ctx context.Context, objectType, pk string) (*vars.Object, error) {
	if objectType == changes.ObjectType {
		if s.changes == nil {
			return nil, errors.NewNotFoundError("object change %s", pk)
		}
		e, err := s.changes.Get(ctx, pk)
		if err != nil {
			return nil, err
		}
		obj := e.AsObject()
		return &obj, nil
	}
	return s.get(ctx, objectType, pk)
}

func (s *Store) get(ctx context.Context, objectType, pk string) (*vars.Object, error) {
	row := s.db.QueryRowContext(ctx, `SELECT type, pk, display, attributes FROM objects WHERE type = ? AND pk = ?`, objectType, pk)
	obj, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("%s %s", objectType, pk)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get object")
	}
	return obj, nil
}

// GetMany resolves the objects that exist among pks. Missing keys are
// simply absent from the result.
func (s *Store) GetMany(ctx context.Context, objectType string, pks []string) ([]vars.Object, error) {
	var out []vars.Object
	for _, pk := range pks {
		obj, err := s.Get(ctx, objectType, pk)
		if errors.Is(err, errors.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *obj)
	}
	return out, nil
}

// Find returns objects of a type whose attributes equal every filter value.
// The keys "pk" and "display" match the object's own fields.
func (s *Store) Find(ctx context.Context, objectType string, filter map[string]any) ([]vars.Object, error) {
	all, err := s.List(ctx, objectType)
	if err != nil {
		return nil, err
	}
	var out []vars.Object
	for _, obj := range all {
		if matches(obj, filter) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func matches(obj vars.Object, filter map[string]any) bool {
	for k, want := range filter {
		var have any
		switch k {
		case "pk":
			have = obj.PK
		case "display":
			have = obj.Display
		default:
			var ok bool
			if have, ok = obj.Attributes[k]; !ok {
				return false
			}
		}
		if fmt.Sprint(have) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// List returns all objects of a type ordered by pk.
func (s *Store) List(ctx context.Context, objectType string) ([]vars.Object, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT type, pk, display, attributes FROM objects WHERE type = ? ORDER BY pk`, objectType)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list objects")
	}
	defer rows.Close()

	var out []vars.Object
	for rows.Next() {
		obj, err := scanObject(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan object")
		}
		out = append(out, *obj)
	}
	return out, rows.Err()
}

// Types returns the distinct object types in the store.
func (s *Store) Types(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT type FROM objects`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list object types")
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	sort.Strings(types)
	return types, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObject(row rowScanner) (*vars.Object, error) {
	var obj vars.Object
	var attrs string
	if err := row.Scan(&obj.Type, &obj.PK, &obj.Display, &attrs); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(attrs), &obj.Attributes); err != nil {
		return nil, errors.Wrapf(err, "failed to decode attributes of %s %s", obj.Type, obj.PK)
	}
	return &obj, nil
}
