package changes

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/logger"
)

// Listener is notified of every recorded change.
type Listener interface {
	OnChange(ctx context.Context, e Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, e Event)

func (f ListenerFunc) OnChange(ctx context.Context, e Event) { f(ctx, e) }

// Recorder persists change events to object_changes and fans them out to
// listeners on the caller's goroutine.
type Recorder struct {
	db  *sql.DB
	log *zap.SugaredLogger

	mu        sync.RWMutex
	listeners []Listener
}

// NewRecorder creates a change recorder.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db, log: logger.ComponentLogger("changes")}
}

// Subscribe registers a listener.
func (r *Recorder) Subscribe(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Record persists e and calls every listener before returning. Missing
// attribution is taken from the scope opened on ctx; without one the change
// counts as a web change.
func (r *Recorder) Record(ctx context.Context, e Event) (Event, error) {
	if e.ObjectType == "" || e.ObjectID == "" {
		return e, errors.Wrap(errors.ErrInvalidRequest, "change event needs an object type and id")
	}
	switch e.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return e, errors.Wrapf(errors.ErrInvalidRequest, "unknown change action %q", e.Action)
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if scope, ok := ScopeFrom(ctx); ok {
		if e.Context == "" {
			e.Context = scope.Kind
			e.ContextDetail = scope.Detail
		}
		if e.User == "" {
			e.User = scope.User
		}
		if e.RequestID == "" {
			e.RequestID = scope.RequestID
		}
	}
	if e.Context == "" {
		e.Context = ContextWeb
	}

	var data sql.NullString
	if e.ObjectData != nil {
		raw, err := json.Marshal(e.ObjectData)
		if err != nil {
			return e, errors.Wrap(err, "failed to encode object data")
		}
		data = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO object_changes (
			id, time, user, action, changed_object_type, changed_object_id,
			object_repr, object_data, change_context, change_context_detail, request_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time, e.User, e.Action, e.ObjectType, e.ObjectID,
		e.ObjectRepr, data, e.Context, e.ContextDetail, e.RequestID)
	if err != nil {
		return e, errors.WithDetail(errors.Wrap(err, "failed to record change"),
			"object: "+e.ObjectType+" "+e.ObjectID)
	}

	r.log.Debugw("Recorded change",
		"action", e.Action,
		"object_type", e.ObjectType,
		"object_id", e.ObjectID,
		"change_context", e.Context)

	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l.OnChange(ctx, e)
	}
	return e, nil
}

const eventColumns = `id, time, user, action, changed_object_type, changed_object_id,
	object_repr, object_data, change_context, change_context_detail, request_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	var e Event
	var data sql.NullString
	if err := row.Scan(&e.ID, &e.Time, &e.User, &e.Action, &e.ObjectType, &e.ObjectID,
		&e.ObjectRepr, &data, &e.Context, &e.ContextDetail, &e.RequestID); err != nil {
		return nil, err
	}
	if data.Valid {
		if err := json.Unmarshal([]byte(data.String), &e.ObjectData); err != nil {
			return nil, errors.Wrapf(err, "failed to decode object data for change %s", e.ID)
		}
	}
	return &e, nil
}

// Get loads a recorded change by id.
func (r *Recorder) Get(ctx context.Context, id string) (*Event, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM object_changes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("object change %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get object change")
	}
	return e, nil
}

// ListForObject returns the history of one object, oldest first.
func (r *Recorder) ListForObject(ctx context.Context, objectType, objectID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM object_changes
		WHERE changed_object_type = ? AND changed_object_id = ? ORDER BY time`, objectType, objectID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list object changes")
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan object change")
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}
