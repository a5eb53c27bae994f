package vars

import (
	"context"
	"net/netip"

	"github.com/teranos/jobkit/errors"
)

// Serialize converts a typed value into its JSON-compatible kwargs form.
// File values carrying data are written to b.Files and replaced by their handle.
func (v Variable) Serialize(ctx context.Context, b Backends, typed any) (any, error) {
	if typed == nil {
		return nil, nil
	}

	switch v.Kind {
	case KindString, KindText, KindChoice:
		if s, ok := asString(typed); ok {
			return s, nil
		}
	case KindInteger:
		if n, ok := asInt64(typed); ok {
			return n, nil
		}
	case KindBoolean:
		if bv, ok := asBool(typed); ok {
			return bv, nil
		}
	case KindMultiChoice:
		if s, ok := asStringSlice(typed); ok {
			return s, nil
		}
	case KindObject:
		switch o := typed.(type) {
		case Object:
			return o.PK, nil
		case *Object:
			return o.PK, nil
		case string:
			return o, nil
		}
	case KindMultiObject:
		switch objs := typed.(type) {
		case []Object:
			pks := make([]string, 0, len(objs))
			for _, o := range objs {
				pks = append(pks, o.PK)
			}
			return pks, nil
		default:
			if s, ok := asStringSlice(typed); ok {
				return s, nil
			}
		}
	case KindFile:
		return v.serializeFile(ctx, b, typed)
	case KindIPAddress:
		if a, ok := typed.(netip.Addr); ok {
			return a.String(), nil
		}
	case KindIPAddressWithMask, KindIPNetwork:
		if p, ok := typed.(netip.Prefix); ok {
			return p.String(), nil
		}
	}

	return nil, errors.Newf("cannot serialize %T for %s variable %s", typed, v.Kind, v.Name)
}

func (v Variable) serializeFile(ctx context.Context, b Backends, typed any) (any, error) {
	var fv FileValue
	switch f := typed.(type) {
	case FileValue:
		fv = f
	case Upload:
		fv = FileValue{Name: f.Name, Data: f.Data}
	case string:
		return f, nil
	default:
		return nil, errors.Newf("cannot serialize %T for file variable %s", typed, v.Name)
	}
	if fv.Handle != "" {
		return fv.Handle, nil
	}
	if b.Files == nil {
		return nil, errors.Newf("file variable %s needs a file store", v.Name)
	}
	handle, err := b.Files.Store(ctx, fv.Name, fv.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to store file for %s", v.Name)
	}
	return handle, nil
}

// Deserialize converts a kwargs value back into its typed form.
// Object kinds re-resolve against b.Objects; a vanished entity yields an error
// wrapping errors.ErrNotFound.
func (v Variable) Deserialize(ctx context.Context, b Backends, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	switch v.Kind {
	case KindString, KindText, KindChoice:
		if s, ok := asString(value); ok {
			return s, nil
		}
	case KindInteger:
		if n, ok := asInt64(value); ok {
			return n, nil
		}
	case KindBoolean:
		if bv, ok := asBool(value); ok {
			return bv, nil
		}
	case KindMultiChoice:
		if s, ok := asStringSlice(value); ok {
			return s, nil
		}
	case KindObject:
		obj, err := v.resolveOne(ctx, b, value)
		if err != nil {
			return nil, errors.Wrapf(err, "var %s", v.Name)
		}
		return *obj, nil
	case KindMultiObject:
		return v.resolveMany(ctx, b, value)
	case KindFile:
		handle, ok := asString(value)
		if !ok {
			break
		}
		if b.Files == nil {
			return nil, errors.Newf("file variable %s needs a file store", v.Name)
		}
		name, data, err := b.Files.Load(ctx, handle)
		if err != nil {
			return nil, errors.Wrapf(err, "var %s", v.Name)
		}
		return FileValue{Handle: handle, Name: name, Data: data}, nil
	case KindIPAddress, KindIPAddressWithMask, KindIPNetwork:
		if s, ok := asString(value); ok {
			return v.parseIP(s, false)
		}
	}

	return nil, errors.Newf("cannot deserialize %T for %s variable %s", value, v.Kind, v.Name)
}
