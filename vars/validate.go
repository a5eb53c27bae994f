package vars

import (
	"context"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/teranos/jobkit/errors"
)

// fieldError is a validation message bound to the variable being checked.
type fieldError struct{ msg string }

func (e *fieldError) Error() string { return e.msg }

func invalid(format string, args ...any) error {
	return &fieldError{msg: fmt.Sprintf(format, args...)}
}

// IsInvalid reports whether err is a per-variable validation message
// rather than a backend failure.
func IsInvalid(err error) bool {
	var fe *fieldError
	return errors.As(err, &fe)
}

const msgRequired = "This field is required."

// Validate checks a raw caller value and returns the typed value.
// Object kinds are resolved through b.Objects so missing entities are caught
// before anything is enqueued.
func (v Variable) Validate(ctx context.Context, b Backends, raw any) (any, error) {
	if isEmpty(raw) {
		if v.Kind == KindBoolean {
			return false, nil
		}
		if v.Required {
			return nil, invalid(msgRequired)
		}
		return nil, nil
	}

	switch v.Kind {
	case KindString, KindText:
		s, ok := asString(raw)
		if !ok {
			return nil, invalid("Enter a valid string.")
		}
		return s, v.checkLength(s)

	case KindInteger:
		n, ok := asInt64(raw)
		if !ok {
			return nil, invalid("Enter a whole number.")
		}
		if v.MinValue != nil && n < *v.MinValue {
			return nil, invalid("Ensure this value is greater than or equal to %d.", *v.MinValue)
		}
		if v.MaxValue != nil && n > *v.MaxValue {
			return nil, invalid("Ensure this value is less than or equal to %d.", *v.MaxValue)
		}
		return n, nil

	case KindBoolean:
		b, ok := asBool(raw)
		if !ok {
			return nil, invalid("Enter a valid boolean.")
		}
		return b, nil

	case KindChoice:
		s, ok := asString(raw)
		if !ok || !v.hasChoice(s) {
			return nil, invalid("Select a valid choice. %v is not one of the available choices.", raw)
		}
		return s, nil

	case KindMultiChoice:
		values, ok := asStringSlice(raw)
		if !ok {
			return nil, invalid("Enter a list of values.")
		}
		for _, s := range values {
			if !v.hasChoice(s) {
				return nil, invalid("Select a valid choice. %s is not one of the available choices.", s)
			}
		}
		return values, nil

	case KindObject:
		obj, err := v.resolveOne(ctx, b, raw)
		if errors.Is(err, errors.ErrNotFound) {
			return nil, invalid("Select a valid choice. That choice is not one of the available choices.")
		}
		if err != nil {
			return nil, err
		}
		return *obj, nil

	case KindMultiObject:
		objs, err := v.resolveMany(ctx, b, raw)
		var missing *MissingObjectsError
		if errors.As(err, &missing) {
			return nil, invalid("%s", missing.Error())
		}
		if err != nil {
			return nil, err
		}
		return objs, nil

	case KindFile:
		switch f := raw.(type) {
		case Upload:
			return FileValue{Name: f.Name, Data: f.Data}, nil
		case *Upload:
			return FileValue{Name: f.Name, Data: f.Data}, nil
		case FileValue:
			return f, nil
		case string:
			return FileValue{Handle: f}, nil
		default:
			return nil, invalid("No file was submitted.")
		}

	case KindIPAddress, KindIPAddressWithMask, KindIPNetwork:
		s, ok := asString(raw)
		if !ok {
			return nil, invalid("Enter a valid IP value.")
		}
		return v.parseIP(s, true)
	}

	return nil, errors.Newf("unknown variable kind %q", v.Kind)
}

func (v Variable) checkLength(s string) error {
	n := utf8.RuneCountInString(s)
	if v.MinLength != nil && n < *v.MinLength {
		return invalid("Ensure this value has at least %d characters (it has %d).", *v.MinLength, n)
	}
	if v.MaxLength != nil && n > *v.MaxLength {
		return invalid("Ensure this value has at most %d characters (it has %d).", *v.MaxLength, n)
	}
	if v.Regex != "" {
		re, err := regexp.Compile(v.Regex)
		if err != nil {
			return errors.Wrapf(err, "variable %s has an invalid regex", v.Name)
		}
		if !re.MatchString(s) {
			return invalid("Invalid value. Must match regex: %s", v.Regex)
		}
	}
	return nil
}

func (v Variable) hasChoice(s string) bool {
	for _, c := range v.Choices {
		if c.Value == s {
			return true
		}
	}
	return false
}

// parseIP parses the textual form for the three IP kinds.
// strict enables the prefix-length constraints, which only apply to caller input.
func (v Variable) parseIP(s string, strict bool) (any, error) {
	s = strings.TrimSpace(s)
	switch v.Kind {
	case KindIPAddress:
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, invalid("Enter a valid IPv4 or IPv6 address.")
		}
		return addr, nil

	case KindIPAddressWithMask:
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, invalid("Enter a valid IPv4 or IPv6 address with mask.")
		}
		return p, nil

	default:
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return nil, invalid("Enter a valid IPv4 or IPv6 network.")
		}
		if strict {
			if masked := p.Masked(); masked != p {
				return nil, invalid("%s is not a valid prefix. Did you mean %s?", p, masked)
			}
			if v.MinPrefixLength != nil && p.Bits() < *v.MinPrefixLength {
				return nil, invalid("The prefix length must be greater than or equal to %d.", *v.MinPrefixLength)
			}
			if v.MaxPrefixLength != nil && p.Bits() > *v.MaxPrefixLength {
				return nil, invalid("The prefix length must be less than or equal to %d.", *v.MaxPrefixLength)
			}
		}
		return p, nil
	}
}
