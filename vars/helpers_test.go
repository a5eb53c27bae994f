package vars

import (
	"context"
	"fmt"
	"sync"

	"github.com/teranos/jobkit/errors"
)

type memObjects struct {
	objects map[string]map[string]Object
}

func newMemObjects(objs ...Object) *memObjects {
	m := &memObjects{objects: map[string]map[string]Object{}}
	for _, o := range objs {
		if m.objects[o.Type] == nil {
			m.objects[o.Type] = map[string]Object{}
		}
		m.objects[o.Type][o.PK] = o
	}
	return m
}

func (m *memObjects) Get(_ context.Context, entityType, pk string) (*Object, error) {
	o, ok := m.objects[entityType][pk]
	if !ok {
		return nil, errors.NewNotFoundError("%s %s", entityType, pk)
	}
	return &o, nil
}

func (m *memObjects) GetMany(_ context.Context, entityType string, pks []string) ([]Object, error) {
	var out []Object
	for _, pk := range pks {
		if o, ok := m.objects[entityType][pk]; ok {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memObjects) Find(_ context.Context, entityType string, filter map[string]any) ([]Object, error) {
	var out []Object
	for _, o := range m.objects[entityType] {
		match := true
		for k, want := range filter {
			if fmt.Sprint(o.Attributes[k]) != fmt.Sprint(want) {
				match = false
			}
		}
		if match {
			out = append(out, o)
		}
	}
	return out, nil
}

type memFiles struct {
	mu      sync.Mutex
	next    int
	files   map[string]Upload
	deleted []string
}

func newMemFiles() *memFiles { return &memFiles{files: map[string]Upload{}} }

func (m *memFiles) Store(_ context.Context, name string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	h := fmt.Sprintf("file-%d", m.next)
	m.files[h] = Upload{Name: name, Data: data}
	return h, nil
}

func (m *memFiles) Load(_ context.Context, handle string) (string, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[handle]
	if !ok {
		return "", nil, errors.NewNotFoundError("file %s", handle)
	}
	return f.Name, f.Data, nil
}

func (m *memFiles) Delete(_ context.Context, handle string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, handle)
	_, ok := m.files[handle]
	delete(m.files, handle)
	return ok, nil
}
