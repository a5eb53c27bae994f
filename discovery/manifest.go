package discovery

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/vars"
)

// Manifest declares command-backed jobs in one TOML or YAML file.
//
//	name = "Maintenance"
//
//	[[jobs]]
//	class = "RotateLogs"
//	command = "./rotate.sh --keep 7"
//	has_sensitive_variables = false
//
//	[[jobs.vars]]
//	name = "host"
//	kind = "string"
type Manifest struct {
	Name string        `toml:"name" yaml:"name"`
	Jobs []ManifestJob `toml:"jobs" yaml:"jobs"`
}

// ManifestJob is one job entry in a manifest.
type ManifestJob struct {
	Class                 string        `toml:"class" yaml:"class"`
	Name                  string        `toml:"name" yaml:"name"`
	Description           string        `toml:"description" yaml:"description"`
	Command               string        `toml:"command" yaml:"command"`
	Hidden                bool          `toml:"hidden" yaml:"hidden"`
	ApprovalRequired      bool          `toml:"approval_required" yaml:"approval_required"`
	HasSensitiveVariables *bool         `toml:"has_sensitive_variables" yaml:"has_sensitive_variables"`
	SoftTimeLimit         float64       `toml:"soft_time_limit" yaml:"soft_time_limit"` // seconds
	TimeLimit             float64       `toml:"time_limit" yaml:"time_limit"`           // seconds
	TaskQueues            []string      `toml:"task_queues" yaml:"task_queues"`
	ReadOnly              bool          `toml:"read_only" yaml:"read_only"`
	FieldOrder            []string      `toml:"field_order" yaml:"field_order"`
	Vars                  []ManifestVar `toml:"vars" yaml:"vars"`
}

// ManifestVar declares one input variable. Required defaults to true for
// every kind except boolean.
type ManifestVar struct {
	Name            string           `toml:"name" yaml:"name"`
	Kind            string           `toml:"kind" yaml:"kind"`
	Label           string           `toml:"label" yaml:"label"`
	Description     string           `toml:"description" yaml:"description"`
	Default         any              `toml:"default" yaml:"default"`
	Required        *bool            `toml:"required" yaml:"required"`
	MinLength       *int             `toml:"min_length" yaml:"min_length"`
	MaxLength       *int             `toml:"max_length" yaml:"max_length"`
	Regex           string           `toml:"regex" yaml:"regex"`
	MinValue        *int64           `toml:"min_value" yaml:"min_value"`
	MaxValue        *int64           `toml:"max_value" yaml:"max_value"`
	Choices         []ManifestChoice `toml:"choices" yaml:"choices"`
	EntityType      string           `toml:"entity_type" yaml:"entity_type"`
	DisplayField    string           `toml:"display_field" yaml:"display_field"`
	NullOption      string           `toml:"null_option" yaml:"null_option"`
	MinPrefixLength *int             `toml:"min_prefix_length" yaml:"min_prefix_length"`
	MaxPrefixLength *int             `toml:"max_prefix_length" yaml:"max_prefix_length"`
}

// ManifestChoice is a selectable value of a choice variable.
type ManifestChoice struct {
	Value string `toml:"value" yaml:"value"`
	Label string `toml:"label" yaml:"label"`
}

// IsManifest reports whether path has a manifest extension.
func IsManifest(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml", ".yaml", ".yml":
		return true
	}
	return false
}

// ReadManifest decodes a manifest file. Unknown keys are rejected.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read manifest %s", path)
	}

	var m Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, errors.Wrapf(err, "failed to parse manifest %s", path)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrapf(err, "failed to parse manifest %s", path)
		}
	default:
		return nil, errors.Newf("unsupported manifest format %s", filepath.Ext(path))
	}
	return &m, nil
}

// Definitions builds the manifest's job definitions. Commands run in dir.
func (m *Manifest) Definitions(dir string) ([]*job.Definition, error) {
	defs := make([]*job.Definition, 0, len(m.Jobs))
	for _, mj := range m.Jobs {
		def, err := mj.definition(dir)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (mj ManifestJob) definition(dir string) (*job.Definition, error) {
	argv, err := shellquote.Split(mj.Command)
	if err != nil {
		return nil, errors.Wrapf(err, "job %s has an unparsable command", mj.Class)
	}
	if len(argv) == 0 {
		return nil, errors.Newf("job %s has no command", mj.Class)
	}

	declared := make([]vars.Variable, 0, len(mj.Vars))
	for _, mv := range mj.Vars {
		declared = append(declared, mv.variable())
	}

	def := &job.Definition{
		Class: mj.Class,
		Dir:   dir,
		Meta: &job.Meta{
			Name:                  mj.Name,
			Description:           mj.Description,
			Hidden:                mj.Hidden,
			FieldOrder:            mj.FieldOrder,
			ApprovalRequired:      mj.ApprovalRequired,
			HasSensitiveVariables: mj.HasSensitiveVariables,
			SoftTimeLimit:         util.Seconds(mj.SoftTimeLimit),
			TimeLimit:             util.Seconds(mj.TimeLimit),
			TaskQueues:            mj.TaskQueues,
			ReadOnly:              mj.ReadOnly,
		},
		Vars: declared,
		Run:  command{argv: argv, dir: dir}.run,
	}
	if err := def.Check(); err != nil {
		return nil, err
	}
	return def, nil
}

func (mv ManifestVar) variable() vars.Variable {
	kind := vars.Kind(mv.Kind)
	required := kind != vars.KindBoolean
	if mv.Required != nil {
		required = *mv.Required
	}
	v := vars.Variable{
		Name:            mv.Name,
		Kind:            kind,
		Label:           mv.Label,
		Description:     mv.Description,
		Default:         mv.Default,
		Required:        required,
		MinLength:       mv.MinLength,
		MaxLength:       mv.MaxLength,
		Regex:           mv.Regex,
		MinValue:        mv.MinValue,
		MaxValue:        mv.MaxValue,
		EntityType:      mv.EntityType,
		DisplayField:    mv.DisplayField,
		NullOption:      mv.NullOption,
		MinPrefixLength: mv.MinPrefixLength,
		MaxPrefixLength: mv.MaxPrefixLength,
	}
	if v.DisplayField == "" && (kind == vars.KindObject || kind == vars.KindMultiObject) {
		v.DisplayField = "display"
	}
	for _, c := range mv.Choices {
		v.Choices = append(v.Choices, vars.Choice{Value: c.Value, Label: c.Label})
	}
	return v
}

// moduleName derives a dotted module name from a manifest path relative to
// its root: "network/backup.toml" becomes "network.backup".
func moduleName(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", errors.Wrapf(err, "manifest %s is outside %s", path, root)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	return strings.ReplaceAll(filepath.ToSlash(rel), "/", "."), nil
}
