// Package changes records object change events and notifies listeners
// synchronously, before Record returns to the caller.
package changes

import (
	"context"
	"time"

	"github.com/teranos/jobkit/vars"
)

// Action is the kind of change made to an object.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// ContextKind says what produced a change.
type ContextKind string

const (
	ContextWeb     ContextKind = "web"
	ContextJob     ContextKind = "job"
	ContextJobHook ContextKind = "jobhook"
	ContextORM     ContextKind = "orm"
)

// ObjectType is the entity type under which change events resolve as objects.
const ObjectType = "extras.objectchange"

// Scope attributes changes made under a context.Context to one actor.
type Scope struct {
	Kind      ContextKind
	Detail    string
	User      string
	RequestID string
}

type scopeKey struct{}

// WithScope opens a change-tracking scope on ctx.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

// ScopeFrom returns the scope opened on ctx, if any.
func ScopeFrom(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Event is one recorded object change.
type Event struct {
	ID            string
	Time          time.Time
	User          string
	Action        Action
	ObjectType    string
	ObjectID      string
	ObjectRepr    string
	ObjectData    map[string]any
	Context       ContextKind
	ContextDetail string
	RequestID     string
}

// AsObject exposes the event as a resolvable object for object variables.
func (e Event) AsObject() vars.Object {
	return vars.Object{
		Type:    ObjectType,
		PK:      e.ID,
		Display: e.ObjectRepr + " " + string(e.Action) + "d",
		Attributes: map[string]any{
			"action":                string(e.Action),
			"changed_object_type":   e.ObjectType,
			"changed_object_id":     e.ObjectID,
			"object_repr":           e.ObjectRepr,
			"object_data":           e.ObjectData,
			"user":                  e.User,
			"time":                  e.Time.Format(time.RFC3339Nano),
			"change_context":        string(e.Context),
			"change_context_detail": e.ContextDetail,
			"request_id":            e.RequestID,
		},
	}
}
