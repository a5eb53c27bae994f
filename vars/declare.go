package vars

import (
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/teranos/jobkit/errors"
)

var declValidator = newDeclValidator()

func newDeclValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(variableStructLevel, Variable{})
	return v
}

func variableStructLevel(sl validator.StructLevel) {
	v := sl.Current().Interface().(Variable)
	if v.MinLength != nil && v.MaxLength != nil && *v.MinLength > *v.MaxLength {
		sl.ReportError(v.MinLength, "MinLength", "min_length", "ltefield", "MaxLength")
	}
	if v.MinValue != nil && v.MaxValue != nil && *v.MinValue > *v.MaxValue {
		sl.ReportError(v.MinValue, "MinValue", "min_value", "ltefield", "MaxValue")
	}
	if v.MinPrefixLength != nil && v.MaxPrefixLength != nil && *v.MinPrefixLength > *v.MaxPrefixLength {
		sl.ReportError(v.MinPrefixLength, "MinPrefixLength", "min_prefix_length", "ltefield", "MaxPrefixLength")
	}
	if v.Regex != "" {
		if _, err := regexp.Compile(v.Regex); err != nil {
			sl.ReportError(v.Regex, "Regex", "regex", "regexp", "")
		}
	}
}

// Check validates the declaration itself (not caller input).
func (v Variable) Check() error {
	if err := declValidator.Struct(v); err != nil {
		return errors.Wrapf(err, "invalid declaration for variable %q", v.Name)
	}
	return nil
}

// Check validates every declaration and rejects duplicate names.
func (s Set) Check() error {
	seen := make(map[string]bool, len(s))
	for _, v := range s {
		if err := v.Check(); err != nil {
			return err
		}
		if seen[v.Name] {
			return errors.Newf("duplicate variable %q", v.Name)
		}
		seen[v.Name] = true
	}
	return nil
}
