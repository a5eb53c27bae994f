package job

import (
	"strings"
	"time"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/vars"
)

// RunFunc is a job body. data holds the deserialized variable values.
type RunFunc func(jc *Context, data map[string]any) Outcome

// Meta is the descriptive and policy metadata of a job.
// A definition without its own Meta uses its parent's.
type Meta struct {
	Name                  string
	Description           string
	Hidden                bool
	FieldOrder            []string
	ApprovalRequired      bool
	HasSensitiveVariables *bool // nil means true
	SoftTimeLimit         time.Duration
	TimeLimit             time.Duration
	TaskQueues            []string
	ReadOnly              bool
}

// SensitiveVariables resolves the default for HasSensitiveVariables.
func (m *Meta) SensitiveVariables() bool {
	if m == nil || m.HasSensitiveVariables == nil {
		return true
	}
	return *m.HasSensitiveVariables
}

type receiverKind int

const (
	receiverNone receiverKind = iota
	receiverHook
	receiverButton
)

// Definition is a job descriptor. Variables are declared on the definition
// itself and merged over the explicit Parent chain.
type Definition struct {
	// Class is the class-name segment of the class path.
	Class string
	// Source and Module are filled in by the loader that discovered the job.
	Source string
	Module string
	// Grouping is the display category, usually the module's display name.
	Grouping string
	// Dir is where the job's source lives; data files load relative to it.
	Dir string

	Meta   *Meta
	Vars   []vars.Variable
	Parent *Definition
	Run    RunFunc

	// Abstract definitions only serve as parents and are never registered.
	Abstract bool

	receiver receiverKind
}

// Bind returns a copy of d addressed under source and module.
func (d *Definition) Bind(source, module, grouping string) *Definition {
	c := *d
	c.Source = source
	c.Module = module
	if c.Grouping == "" {
		c.Grouping = grouping
	}
	if c.Grouping == "" {
		c.Grouping = module
	}
	return &c
}

// ClassPath returns the job's address.
func (d *Definition) ClassPath() ClassPath {
	return ClassPath{Source: d.Source, Module: d.Module, Class: d.Class}
}

// chain returns the definitions from the root ancestor down to d.
func (d *Definition) chain() []*Definition {
	var out []*Definition
	seen := map[*Definition]bool{}
	for cur := d; cur != nil && !seen[cur]; cur = cur.Parent {
		seen[cur] = true
		out = append(out, cur)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// EffectiveMeta returns the nearest Meta along the parent chain.
func (d *Definition) EffectiveMeta() *Meta {
	for cur := d; cur != nil; cur = cur.Parent {
		if cur.Meta != nil {
			return cur.Meta
		}
	}
	return &Meta{}
}

// Name returns the human name, defaulting to the class name.
func (d *Definition) Name() string {
	if m := d.EffectiveMeta(); m.Name != "" {
		return m.Name
	}
	return d.Class
}

// Description returns the trimmed description.
func (d *Definition) Description() string {
	return strings.TrimSpace(d.EffectiveMeta().Description)
}

// Variables merges declarations root-first over the parent chain and applies
// the field order.
func (d *Definition) Variables() vars.Set {
	chain := d.chain()
	layers := make([][]vars.Variable, 0, len(chain))
	for _, def := range chain {
		layers = append(layers, def.Vars)
	}
	return vars.Merge(layers...).Ordered(d.EffectiveMeta().FieldOrder)
}

// Runner returns the nearest Run along the parent chain.
func (d *Definition) Runner() RunFunc {
	for cur := d; cur != nil; cur = cur.Parent {
		if cur.Run != nil {
			return cur.Run
		}
	}
	return nil
}

// IsHookReceiver reports whether d descends from the hook receiver base.
func (d *Definition) IsHookReceiver() bool { return d.has(receiverHook) }

// IsButtonReceiver reports whether d descends from the button receiver base.
func (d *Definition) IsButtonReceiver() bool { return d.has(receiverButton) }

func (d *Definition) has(kind receiverKind) bool {
	for _, def := range d.chain() {
		if def.receiver == kind {
			return true
		}
	}
	return false
}

// Check validates the definition's declarations.
func (d *Definition) Check() error {
	if d.Class == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "job definition needs a class name")
	}
	if strings.Contains(d.Class, "/") {
		return errors.Wrapf(errors.ErrInvalidRequest, "job class name %q must not contain '/'", d.Class)
	}
	if d.Runner() == nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "job %s has no run function", d.Class)
	}
	m := d.EffectiveMeta()
	if m.SoftTimeLimit < 0 || m.TimeLimit < 0 {
		return errors.Wrapf(errors.ErrInvalidRequest, "job %s has a negative time limit", d.Class)
	}
	if err := d.Variables().Check(); err != nil {
		return errors.Wrapf(err, "job %s", d.Class)
	}
	return nil
}
