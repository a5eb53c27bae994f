package job

import (
	"time"

	"github.com/google/uuid"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
)

// MsgSensitiveApproval is reported on both flags when they are set together.
const MsgSensitiveApproval = "A job with sensitive variables cannot also be marked as requiring approval"

// Model is the persisted execution policy for a discovered job.
// Fields with an Override flag keep their stored value across re-discovery.
type Model struct {
	ID                    string
	ClassPath             string
	Source                string
	ModuleName            string
	JobClassName          string
	Grouping              string
	Name                  string
	Description           string
	Hidden                bool
	Installed             bool
	Enabled               bool
	ApprovalRequired      bool
	HasSensitiveVariables bool
	SoftTimeLimit         float64 // seconds, 0 means the worker default
	TimeLimit             float64 // seconds, 0 means the worker default
	TaskQueues            []string
	ReadOnly              bool
	IsJobHookReceiver     bool
	IsJobButtonReceiver   bool

	GroupingOverride              bool
	NameOverride                  bool
	DescriptionOverride           bool
	HiddenOverride                bool
	ApprovalRequiredOverride      bool
	HasSensitiveVariablesOverride bool
	SoftTimeLimitOverride         bool
	TimeLimitOverride             bool
	TaskQueuesOverride            bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewModel creates a disabled, installed model mirroring d.
func NewModel(d *Definition) *Model {
	cp := d.ClassPath()
	now := time.Now()
	m := &Model{
		ID:           uuid.NewString(),
		ClassPath:    cp.String(),
		Source:       cp.Source,
		ModuleName:   cp.Module,
		JobClassName: cp.Class,
		Installed:    true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.Refresh(d)
	return m
}

// Refresh copies definition metadata into every field not overridden and
// reports whether anything changed.
func (m *Model) Refresh(d *Definition) bool {
	meta := d.EffectiveMeta()
	changed := false
	set := func(override bool, apply func() bool) {
		if !override && apply() {
			changed = true
		}
	}

	set(m.GroupingOverride, func() bool { return assign(&m.Grouping, d.Grouping) })
	set(m.NameOverride, func() bool { return assign(&m.Name, d.Name()) })
	set(m.DescriptionOverride, func() bool { return assign(&m.Description, d.Description()) })
	set(m.HiddenOverride, func() bool { return assign(&m.Hidden, meta.Hidden) })
	set(m.ApprovalRequiredOverride, func() bool { return assign(&m.ApprovalRequired, meta.ApprovalRequired) })
	set(m.HasSensitiveVariablesOverride, func() bool {
		return assign(&m.HasSensitiveVariables, meta.SensitiveVariables())
	})
	set(m.SoftTimeLimitOverride, func() bool { return assign(&m.SoftTimeLimit, util.ToSeconds(meta.SoftTimeLimit)) })
	set(m.TimeLimitOverride, func() bool { return assign(&m.TimeLimit, util.ToSeconds(meta.TimeLimit)) })
	set(m.TaskQueuesOverride, func() bool {
		if equalStrings(m.TaskQueues, meta.TaskQueues) {
			return false
		}
		m.TaskQueues = append([]string(nil), meta.TaskQueues...)
		return true
	})
	set(false, func() bool { return assign(&m.ReadOnly, meta.ReadOnly) })
	set(false, func() bool { return assign(&m.IsJobHookReceiver, d.IsHookReceiver()) })
	set(false, func() bool { return assign(&m.IsJobButtonReceiver, d.IsButtonReceiver()) })
	set(false, func() bool { return assign(&m.Installed, true) })

	if changed {
		m.UpdatedAt = time.Now()
	}
	return changed
}

func assign[T comparable](dst *T, v T) bool {
	if *dst == v {
		return false
	}
	*dst = v
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Validate checks the record-level invariants. Approval and sensitive
// variables are mutually exclusive, and both fields are flagged.
func (m *Model) Validate() error {
	verr := &errors.ValidationError{}
	if m.ApprovalRequired && m.HasSensitiveVariables {
		verr.Add("approval_required", MsgSensitiveApproval)
		verr.Add("has_sensitive_variables", MsgSensitiveApproval)
	}
	if m.SoftTimeLimit < 0 {
		verr.Add("soft_time_limit", "Ensure this value is greater than or equal to 0.")
	}
	if m.TimeLimit < 0 {
		verr.Add("time_limit", "Ensure this value is greater than or equal to 0.")
	}
	return verr.OrNil()
}

// Runnable reports whether the model allows execution.
func (m *Model) Runnable() bool { return m.Enabled && m.Installed }

// DefaultQueue returns the first allowed queue, or fallback when any queue is allowed.
func (m *Model) DefaultQueue(fallback string) string {
	if len(m.TaskQueues) > 0 {
		return m.TaskQueues[0]
	}
	return fallback
}

// AllowsQueue reports whether queue is permitted. An empty list permits only fallback.
func (m *Model) AllowsQueue(queue, fallback string) bool {
	if len(m.TaskQueues) == 0 {
		return queue == fallback
	}
	for _, q := range m.TaskQueues {
		if q == queue {
			return true
		}
	}
	return false
}
