// Package vars implements typed job input declarations.
//
// Each Variable kind validates raw caller input, serializes typed values into
// JSON-compatible task kwargs, and deserializes those kwargs back into typed
// values on the worker. Object kinds serialize to primary keys and re-resolve
// on deserialize, so they may fail with errors.ErrNotFound at run time.
package vars

// Kind identifies a variable type.
type Kind string

const (
	KindString            Kind = "string"
	KindText              Kind = "text"
	KindInteger           Kind = "integer"
	KindBoolean           Kind = "boolean"
	KindChoice            Kind = "choice"
	KindMultiChoice       Kind = "multichoice"
	KindObject            Kind = "object"
	KindMultiObject       Kind = "multiobject"
	KindFile              Kind = "file"
	KindIPAddress         Kind = "ipaddress"
	KindIPAddressWithMask Kind = "ipaddress_with_mask"
	KindIPNetwork         Kind = "ipnetwork"
)

// Kinds lists every supported kind.
var Kinds = []Kind{
	KindString, KindText, KindInteger, KindBoolean, KindChoice, KindMultiChoice,
	KindObject, KindMultiObject, KindFile, KindIPAddress, KindIPAddressWithMask, KindIPNetwork,
}

// IsReference reports whether the kind refers to an entity or stored blob
// rather than carrying its value inline.
func (k Kind) IsReference() bool {
	return k == KindObject || k == KindMultiObject || k == KindFile
}

// Choice is a selectable value with its display label.
type Choice struct {
	Value string `json:"value" validate:"required"`
	Label string `json:"label"`
}

// Variable is a typed input declaration owned by a job definition.
type Variable struct {
	Name        string `json:"name" validate:"required,excludesall=/ "`
	Kind        Kind   `json:"kind" validate:"required,oneof=string text integer boolean choice multichoice object multiobject file ipaddress ipaddress_with_mask ipnetwork"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
	Required    bool   `json:"required"`

	// string, text
	MinLength *int   `json:"min_length,omitempty" validate:"omitempty,min=0"`
	MaxLength *int   `json:"max_length,omitempty" validate:"omitempty,min=0"`
	Regex     string `json:"regex,omitempty"`

	// integer
	MinValue *int64 `json:"min_value,omitempty"`
	MaxValue *int64 `json:"max_value,omitempty"`

	// choice, multichoice
	Choices []Choice `json:"choices,omitempty" validate:"required_if=Kind choice,required_if=Kind multichoice,dive"`

	// object, multiobject
	EntityType   string         `json:"entity_type,omitempty" validate:"required_if=Kind object,required_if=Kind multiobject"`
	QueryFilter  map[string]any `json:"query_filter,omitempty"`
	DisplayField string         `json:"display_field,omitempty"`
	NullOption   string         `json:"null_option,omitempty"`

	// ipnetwork
	MinPrefixLength *int `json:"min_prefix_length,omitempty" validate:"omitempty,min=0,max=128"`
	MaxPrefixLength *int `json:"max_prefix_length,omitempty" validate:"omitempty,min=0,max=128"`
}

// DisplayLabel returns the label, falling back to the variable name.
func (v Variable) DisplayLabel() string {
	if v.Label != "" {
		return v.Label
	}
	return v.Name
}

// String declares a required string variable.
func String(name string) Variable { return Variable{Name: name, Kind: KindString, Required: true} }

// Text declares a required multi-line text variable.
func Text(name string) Variable { return Variable{Name: name, Kind: KindText, Required: true} }

// Integer declares a required integer variable.
func Integer(name string) Variable { return Variable{Name: name, Kind: KindInteger, Required: true} }

// Boolean declares a boolean variable. Booleans are never required; absent means false.
func Boolean(name string) Variable { return Variable{Name: name, Kind: KindBoolean} }

// ChoiceOf declares a required single-choice variable.
func ChoiceOf(name string, choices ...Choice) Variable {
	return Variable{Name: name, Kind: KindChoice, Required: true, Choices: choices}
}

// MultiChoiceOf declares a required multi-choice variable.
func MultiChoiceOf(name string, choices ...Choice) Variable {
	return Variable{Name: name, Kind: KindMultiChoice, Required: true, Choices: choices}
}

// ObjectRef declares a required reference to one entity of entityType.
func ObjectRef(name, entityType string) Variable {
	return Variable{Name: name, Kind: KindObject, Required: true, EntityType: entityType, DisplayField: "display"}
}

// MultiObjectRef declares a required reference to entities of entityType.
func MultiObjectRef(name, entityType string) Variable {
	return Variable{Name: name, Kind: KindMultiObject, Required: true, EntityType: entityType, DisplayField: "display"}
}

// File declares a required file upload variable.
func File(name string) Variable { return Variable{Name: name, Kind: KindFile, Required: true} }

// IPAddress declares a required IP address variable (no mask).
func IPAddress(name string) Variable { return Variable{Name: name, Kind: KindIPAddress, Required: true} }

// IPAddressWithMask declares a required address-with-mask variable, e.g. 10.0.0.5/24.
func IPAddressWithMask(name string) Variable {
	return Variable{Name: name, Kind: KindIPAddressWithMask, Required: true}
}

// IPNetwork declares a required network variable, e.g. 10.0.0.0/24.
func IPNetwork(name string) Variable { return Variable{Name: name, Kind: KindIPNetwork, Required: true} }
