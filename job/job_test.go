package job

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
	"github.com/teranos/jobkit/vars"
)

func TestParseClassPath(t *testing.T) {
	cp, err := ParseClassPath("git.my-repo/jobs.backup/Backup")
	require.NoError(t, err)
	assert.Equal(t, ClassPath{Source: "git.my-repo", Module: "jobs.backup", Class: "Backup"}, cp)
	assert.Equal(t, "my-repo", cp.RepositorySlug())
	assert.Equal(t, "git.my-repo.jobs.backup.Backup", cp.Dotted())

	for _, bad := range []string{"", "local", "local/module", "local//Class", "/a/b"} {
		_, err := ParseClassPath(bad)
		assert.True(t, errors.Is(err, errors.ErrInvalidRequest), bad)
	}
}

func TestVariablesFollowParentChain(t *testing.T) {
	base := &Definition{
		Class:    "Base",
		Abstract: true,
		Vars:     []vars.Variable{vars.String("device"), vars.Integer("timeout")},
	}
	timeout := vars.Integer("timeout")
	timeout.Label = "Timeout"
	child := &Definition{
		Class:  "Child",
		Parent: base,
		Vars:   []vars.Variable{vars.Boolean("dry_run"), timeout},
		Run:    func(*Context, map[string]any) Outcome { return Success(nil) },
	}

	set := child.Variables()
	assert.Equal(t, []string{"device", "timeout", "dry_run"}, set.Names())
	v, _ := set.Lookup("timeout")
	assert.Equal(t, "Timeout", v.Label)

	child.Meta = &Meta{FieldOrder: []string{"dry_run"}}
	assert.Equal(t, []string{"dry_run", "device", "timeout"}, child.Variables().Names())
	require.NoError(t, child.Check())
}

func TestDefinitionDefaults(t *testing.T) {
	d := &Definition{Class: "Hello", Run: func(*Context, map[string]any) Outcome { return Success("hi") }}
	bound := d.Bind(SourceLocal, "greetings", "")

	assert.Equal(t, "local/greetings/Hello", bound.ClassPath().String())
	assert.Equal(t, "Hello", bound.Name())
	assert.Equal(t, "greetings", bound.Grouping)
	assert.True(t, bound.EffectiveMeta().SensitiveVariables())
	assert.Empty(t, d.Source, "Bind copies")

	assert.Error(t, (&Definition{Class: "NoRun"}).Check())
	assert.Error(t, (&Definition{Class: "a/b", Run: d.Run}).Check())
}

func TestReceiverFlags(t *testing.T) {
	hook := HookReceiver("Audit", nil, func(*Context, vars.Object, string, *vars.Object) Outcome { return Success(nil) })
	button := ButtonReceiver("Ping", nil, func(*Context, vars.Object) Outcome { return Success(nil) })

	assert.True(t, hook.IsHookReceiver())
	assert.False(t, hook.IsButtonReceiver())
	assert.Equal(t, []string{VarObjectChange}, hook.Variables().Names())

	assert.True(t, button.IsButtonReceiver())
	assert.Equal(t, []string{VarObjectPK, VarObjectModelName}, button.Variables().Names())
}

type stubObjects struct{ objs map[string]vars.Object }

func (s stubObjects) Get(_ context.Context, typ, pk string) (*vars.Object, error) {
	o, ok := s.objs[typ+"/"+pk]
	if !ok {
		return nil, errors.NewNotFoundError("%s %s", typ, pk)
	}
	return &o, nil
}
func (s stubObjects) GetMany(context.Context, string, []string) ([]vars.Object, error) { return nil, nil }
func (s stubObjects) Find(context.Context, string, map[string]any) ([]vars.Object, error) {
	return nil, nil
}

func TestHookReceiverRun(t *testing.T) {
	device := vars.Object{Type: "dcim.device", PK: "d1", Display: "edge-1"}
	objs := stubObjects{objs: map[string]vars.Object{"dcim.device/d1": device}}
	jc := NewContext(context.Background(), ContextOptions{Backends: vars.Backends{Objects: objs}})

	var gotAction string
	var gotChanged *vars.Object
	hook := HookReceiver("Audit", nil, func(_ *Context, _ vars.Object, action string, changed *vars.Object) Outcome {
		gotAction, gotChanged = action, changed
		return Success(nil)
	})

	change := vars.Object{Type: ObjectChangeType, PK: "c1", Attributes: map[string]any{
		"action": "update", "changed_object_type": "dcim.device", "changed_object_id": "d1",
	}}
	out := hook.Runner()(jc, map[string]any{VarObjectChange: change})
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "update", gotAction)
	require.NotNil(t, gotChanged)
	assert.Equal(t, device, *gotChanged)

	change.Attributes["changed_object_id"] = "gone"
	hook.Runner()(jc, map[string]any{VarObjectChange: change})
	assert.Nil(t, gotChanged, "deleted objects are passed as nil")
}

type memSink struct {
	mu      sync.Mutex
	entries []Entry
}

func (m *memSink) AppendLog(_ context.Context, _ string, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func TestContextLogging(t *testing.T) {
	sink := &memSink{}
	jc := NewContext(context.Background(), ContextOptions{ResultID: "r1", Sink: sink})

	jc.LogInfo("starting %d", 3)
	jc.SetPhase(PhaseRun)
	jc.LogWarning("careful")
	out := jc.LogFailure("boom")

	assert.True(t, jc.Failed())
	assert.Equal(t, Failure("boom"), out)
	require.Len(t, sink.entries, 3)
	assert.Equal(t, Entry{Level: LevelInfo, Message: "starting 3", Grouping: PhaseInitialization}, sink.entries[0])
	assert.Equal(t, PhaseRun, sink.entries[1].Grouping)
	assert.Equal(t, Entry{Level: LevelFailure, Message: "boom", Grouping: PhaseRun}, sink.entries[2])

	// a literal percent survives when there are no args
	jc.LogInfo("100%")
	assert.Equal(t, "100%", sink.entries[3].Message)
}

func TestContextLoggingForObject(t *testing.T) {
	sink := &memSink{}
	jc := NewContext(context.Background(), ContextOptions{ResultID: "r2", Sink: sink})
	jc.SetPhase(PhaseRun)
	rack := &vars.Object{Type: "dcim.rack", PK: "rack-12", Display: "R12"}

	jc.LogInfoFor(rack, "checking %s", rack.Display)
	jc.LogSuccessFor(rack, "cabled")
	jc.LogWarningFor(rack, "half full")
	assert.False(t, jc.Failed())

	out := jc.LogFailureFor(rack, "power feed %s missing", "B")
	assert.True(t, jc.Failed())
	assert.Equal(t, Failure("power feed B missing"), out)

	require.Len(t, sink.entries, 4)
	for _, e := range sink.entries {
		assert.Equal(t, rack, e.Object)
	}
	assert.Equal(t, Entry{Level: LevelFailure, Message: "power feed B missing", Grouping: PhaseRun, Object: rack}, sink.entries[3])
}

func TestLoadDataFileWithoutDirectory(t *testing.T) {
	jc := NewContext(context.Background(), ContextOptions{ClassPath: "local/racks/Audit"})
	var v map[string]any
	err := jc.LoadYAML("racks.yaml", &v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no source directory")
}

func TestModelRefreshKeepsOverrides(t *testing.T) {
	d := (&Definition{
		Class: "Backup",
		Meta: &Meta{
			Name:                  "Backup configs",
			HasSensitiveVariables: util.Ptr(false),
			SoftTimeLimit:         30 * time.Second,
			TaskQueues:            []string{"fast", "slow"},
		},
		Run: func(*Context, map[string]any) Outcome { return Success(nil) },
	}).Bind(SourceLocal, "backup", "Backups")

	m := NewModel(d)
	assert.Equal(t, "local/backup/Backup", m.ClassPath)
	assert.Equal(t, "Backup configs", m.Name)
	assert.Equal(t, 30.0, m.SoftTimeLimit)
	assert.False(t, m.Enabled)
	assert.False(t, m.HasSensitiveVariables)
	assert.Equal(t, "fast", m.DefaultQueue("default"))
	assert.True(t, m.AllowsQueue("slow", "default"))
	assert.False(t, m.AllowsQueue("default", "default"))

	m.Name, m.NameOverride = "Custom", true
	d.Meta = &Meta{Name: "Renamed", Description: "  new  "}
	assert.True(t, m.Refresh(d))
	assert.Equal(t, "Custom", m.Name)
	assert.Equal(t, "new", m.Description)
	assert.True(t, m.HasSensitiveVariables, "meta default is sensitive")
	assert.False(t, m.Refresh(d))
}

func TestModelValidateFlagsBothFields(t *testing.T) {
	m := &Model{ApprovalRequired: true, HasSensitiveVariables: true}
	verr, ok := errors.AsValidationError(m.Validate())
	require.True(t, ok)
	assert.Equal(t, []string{"approval_required", "has_sensitive_variables"}, verr.FieldNames())

	m.HasSensitiveVariables = false
	assert.NoError(t, m.Validate())
}
