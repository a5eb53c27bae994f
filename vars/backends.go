package vars

import "context"

// Object is a resolved domain entity referenced by an object variable.
type Object struct {
	Type       string         `json:"type"`
	PK         string         `json:"pk"`
	Display    string         `json:"display"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ObjectResolver looks up live entities for object variables.
type ObjectResolver interface {
	// Get returns the entity or an error wrapping errors.ErrNotFound.
	Get(ctx context.Context, entityType, pk string) (*Object, error)
	// GetMany returns the subset of pks that exist.
	GetMany(ctx context.Context, entityType string, pks []string) ([]Object, error)
	// Find returns entities whose attributes match every filter entry.
	Find(ctx context.Context, entityType string, filter map[string]any) ([]Object, error)
}

// FileStore persists uploaded bytes for file variables.
type FileStore interface {
	Store(ctx context.Context, name string, data []byte) (string, error)
	Load(ctx context.Context, handle string) (name string, data []byte, err error)
	Delete(ctx context.Context, handle string) (bool, error)
}

// Backends carries the collaborators reference kinds need.
// Either field may be nil when no variable of the matching kind is used.
type Backends struct {
	Objects ObjectResolver
	Files   FileStore
}

// Upload is raw file input supplied by a caller before it is stored.
type Upload struct {
	Name string
	Data []byte
}

// FileValue is the typed value of a file variable.
type FileValue struct {
	Handle string
	Name   string
	Data   []byte
}
