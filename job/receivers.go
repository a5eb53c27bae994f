package job

import (
	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/vars"
)

// Entity type and variable names used by receivers.
const (
	ObjectChangeType   = "extras.objectchange"
	VarObjectChange    = "object_change"
	VarObjectPK        = "object_pk"
	VarObjectModelName = "object_model_name"
)

// HookFunc handles one object change. changed is nil when the object no
// longer exists, as after a delete.
type HookFunc func(jc *Context, change vars.Object, action string, changed *vars.Object) Outcome

// ButtonFunc handles a button press for obj.
type ButtonFunc func(jc *Context, obj vars.Object) Outcome

var hookReceiverBase = &Definition{
	Class:    "JobHookReceiver",
	Abstract: true,
	Vars:     []vars.Variable{vars.ObjectRef(VarObjectChange, ObjectChangeType)},
	receiver: receiverHook,
}

var buttonReceiverBase = &Definition{
	Class:    "JobButtonReceiver",
	Abstract: true,
	Vars:     []vars.Variable{vars.String(VarObjectPK), vars.String(VarObjectModelName)},
	receiver: receiverButton,
}

// HookReceiver builds a job that is triggered by object changes rather than
// run by hand.
func HookReceiver(class string, meta *Meta, fn HookFunc) *Definition {
	return &Definition{
		Class:  class,
		Meta:   meta,
		Parent: hookReceiverBase,
		Run: func(jc *Context, data map[string]any) Outcome {
			change, ok := data[VarObjectChange].(vars.Object)
			if !ok {
				return Errored(errors.Newf("%s is not a resolved object change", VarObjectChange))
			}
			action, _ := change.Attributes["action"].(string)
			changed, err := changedObject(jc, change)
			if err != nil {
				return Errored(err)
			}
			return fn(jc, change, action, changed)
		},
	}
}

func changedObject(jc *Context, change vars.Object) (*vars.Object, error) {
	objType, _ := change.Attributes["changed_object_type"].(string)
	objPK, _ := change.Attributes["changed_object_id"].(string)
	if objType == "" || objPK == "" || jc.Backends.Objects == nil {
		return nil, nil
	}
	obj, err := jc.Backends.Objects.Get(jc.Context(), objType, objPK)
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	return obj, err
}

// ButtonReceiver builds a job that is triggered from an object's button.
func ButtonReceiver(class string, meta *Meta, fn ButtonFunc) *Definition {
	return &Definition{
		Class:  class,
		Meta:   meta,
		Parent: buttonReceiverBase,
		Run: func(jc *Context, data map[string]any) Outcome {
			pk, _ := data[VarObjectPK].(string)
			modelName, _ := data[VarObjectModelName].(string)
			if jc.Backends.Objects == nil {
				return Errored(errors.New("no object resolver configured"))
			}
			obj, err := jc.Backends.Objects.Get(jc.Context(), modelName, pk)
			if err != nil {
				return Errored(errors.Wrapf(err, "button object %s %s", modelName, pk))
			}
			return fn(jc, *obj)
		},
	}
}
