package vars

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/teranos/jobkit/errors"
)

// MissingObjectsError reports the keys of a multi-object variable that no longer resolve.
type MissingObjectsError struct {
	Variable string
	Missing  []string
}

func (e *MissingObjectsError) Error() string {
	return fmt.Sprintf("Failed to find requested objects for var %s: [%s]", e.Variable, strings.Join(e.Missing, ", "))
}

// Unwrap makes errors.Is(err, errors.ErrNotFound) hold.
func (e *MissingObjectsError) Unwrap() error { return errors.ErrNotFound }

func (v Variable) resolver(b Backends) (ObjectResolver, error) {
	if b.Objects == nil {
		return nil, errors.Newf("variable %s references %s but no object resolver is configured", v.Name, v.EntityType)
	}
	return b.Objects, nil
}

// resolveOne accepts a primary key or an attribute filter that must match exactly one entity.
func (v Variable) resolveOne(ctx context.Context, b Backends, raw any) (*Object, error) {
	r, err := v.resolver(b)
	if err != nil {
		return nil, err
	}

	switch val := raw.(type) {
	case Object:
		raw = val.PK
	case *Object:
		raw = val.PK
	case map[string]any:
		filter := make(map[string]any, len(v.QueryFilter)+len(val))
		for k, f := range v.QueryFilter {
			filter[k] = f
		}
		for k, f := range val {
			filter[k] = f
		}
		objs, err := r.Find(ctx, v.EntityType, filter)
		if err != nil {
			return nil, err
		}
		switch len(objs) {
		case 0:
			return nil, errors.NewNotFoundError("%s matching %v", v.EntityType, val)
		case 1:
			return &objs[0], nil
		default:
			return nil, invalid("get() returned more than one %s -- it returned %d!", v.EntityType, len(objs))
		}
	}

	pk, ok := asString(raw)
	if !ok {
		return nil, invalid("Enter a primary key or attribute mapping.")
	}
	return r.Get(ctx, v.EntityType, pk)
}

func (v Variable) resolveMany(ctx context.Context, b Backends, raw any) ([]Object, error) {
	r, err := v.resolver(b)
	if err != nil {
		return nil, err
	}

	var pks []string
	switch val := raw.(type) {
	case []Object:
		for _, o := range val {
			pks = append(pks, o.PK)
		}
	default:
		s, ok := asStringSlice(raw)
		if !ok {
			return nil, invalid("Enter a list of values.")
		}
		pks = s
	}

	found, err := r.GetMany(ctx, v.EntityType, pks)
	if err != nil {
		return nil, err
	}
	if len(found) < len(pks) {
		have := make(map[string]bool, len(found))
		for _, o := range found {
			have[o.PK] = true
		}
		var missing []string
		for _, pk := range pks {
			if !have[pk] {
				missing = append(missing, pk)
			}
		}
		sort.Strings(missing)
		return nil, &MissingObjectsError{Variable: v.Name, Missing: missing}
	}

	// Preserve the requested order
	byPK := make(map[string]Object, len(found))
	for _, o := range found {
		byPK[o.PK] = o
	}
	out := make([]Object, 0, len(pks))
	for _, pk := range pks {
		out = append(out, byPK[pk])
	}
	return out, nil
}
