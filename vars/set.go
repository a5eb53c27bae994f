package vars

import (
	"context"

	"github.com/teranos/jobkit/errors"
)

// MsgUnknownProperty is reported for input keys that no variable declares.
const MsgUnknownProperty = "Job data contained an unknown property"

// Set is an ordered list of variables with unique names.
type Set []Variable

// Merge combines variable layers ordered from the most basic ancestor to the
// most derived definition. A name keeps the position of its first declaration
// and takes the value of its last one, so redeclaring never duplicates.
func Merge(layers ...[]Variable) Set {
	index := make(map[string]int)
	var out Set
	for _, layer := range layers {
		for _, v := range layer {
			if i, ok := index[v.Name]; ok {
				out[i] = v
				continue
			}
			index[v.Name] = len(out)
			out = append(out, v)
		}
	}
	return out
}

// Lookup returns the variable named name.
func (s Set) Lookup(name string) (Variable, bool) {
	for _, v := range s {
		if v.Name == name {
			return v, true
		}
	}
	return Variable{}, false
}

// Names returns variable names in declaration order.
func (s Set) Names() []string {
	names := make([]string, 0, len(s))
	for _, v := range s {
		names = append(names, v.Name)
	}
	return names
}

// FileVars returns only the file-kind variables.
func (s Set) FileVars() Set {
	var out Set
	for _, v := range s {
		if v.Kind == KindFile {
			out = append(out, v)
		}
	}
	return out
}

// Ordered returns the set reordered so names in fieldOrder come first.
func (s Set) Ordered(fieldOrder []string) Set {
	if len(fieldOrder) == 0 {
		return s
	}
	out := make(Set, 0, len(s))
	used := make(map[string]bool, len(fieldOrder))
	for _, name := range fieldOrder {
		if v, ok := s.Lookup(name); ok && !used[name] {
			out = append(out, v)
			used[name] = true
		}
	}
	for _, v := range s {
		if !used[v.Name] {
			out = append(out, v)
		}
	}
	return out
}

// ValidateData checks caller input against the set and returns typed values.
// Unknown keys reject the whole mapping. Missing optional values fall back to
// their declared default.
func (s Set) ValidateData(ctx context.Context, b Backends, raw any) (map[string]any, error) {
	data, ok := raw.(map[string]any)
	if raw == nil {
		data, ok = map[string]any{}, true
	}
	if !ok {
		return nil, errors.NewValidationError(errors.NonFieldErrors, "Job data needs to be a dict")
	}

	verr := &errors.ValidationError{}
	for k := range data {
		if _, declared := s.Lookup(k); !declared {
			verr.Add(k, MsgUnknownProperty)
		}
	}
	if !verr.Empty() {
		return nil, verr
	}

	cleaned := make(map[string]any, len(s))
	for _, v := range s {
		value, present := data[v.Name]
		if !present && v.Default != nil {
			value = v.Default
		}
		typed, err := v.Validate(ctx, b, value)
		if err != nil {
			if IsInvalid(err) {
				verr.Add(v.Name, err.Error())
				continue
			}
			return nil, errors.Wrapf(err, "validating %s", v.Name)
		}
		cleaned[v.Name] = typed
	}
	if !verr.Empty() {
		return nil, verr
	}
	return cleaned, nil
}

// Serialize converts typed values into task kwargs, skipping undeclared keys.
func (s Set) Serialize(ctx context.Context, b Backends, typed map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(typed))
	for _, v := range s {
		value, ok := typed[v.Name]
		if !ok {
			continue
		}
		serialized, err := v.Serialize(ctx, b, value)
		if err != nil {
			return nil, err
		}
		out[v.Name] = serialized
	}
	return out, nil
}

// Deserialize converts task kwargs back into typed values.
// Unknown keys are skipped. A nil value for a required variable is a
// validation error; resolution failures propagate unchanged.
func (s Set) Deserialize(ctx context.Context, b Backends, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for _, v := range s {
		value, ok := data[v.Name]
		if !ok {
			continue
		}
		if value == nil {
			if v.Required && v.Kind != KindBoolean {
				return nil, errors.NewValidationError(v.Name, msgRequired)
			}
			out[v.Name] = nil
			continue
		}
		typed, err := v.Deserialize(ctx, b, value)
		if err != nil {
			return nil, err
		}
		out[v.Name] = typed
	}
	return out, nil
}

// PrepareKwargs keeps only the keys that are declared variables.
func (s Set) PrepareKwargs(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, val := range data {
		if _, ok := s.Lookup(k); ok {
			out[k] = val
		}
	}
	return out
}

// FileHandles returns the stored-file handles referenced by serialized kwargs,
// in declaration order.
func (s Set) FileHandles(data map[string]any) []string {
	var handles []string
	for _, v := range s.FileVars() {
		if h, ok := data[v.Name].(string); ok && h != "" {
			handles = append(handles, h)
		}
	}
	return handles
}
