package discovery

import (
	"context"
	"fmt"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/vars"
)

// RepositoryObjectType is the object type git repositories are offered
// under to object variables. The primary key is the repository slug.
const RepositoryObjectType = "extras.gitrepository"

// ObjectResolver answers object variables of RepositoryObjectType from the
// repository store and hands every other type to the next resolver.
type ObjectResolver struct {
	repos *RepositoryStore
	next  vars.ObjectResolver
}

// NewObjectResolver creates an ObjectResolver. next may be nil.
func NewObjectResolver(repos *RepositoryStore, next vars.ObjectResolver) *ObjectResolver {
	return &ObjectResolver{repos: repos, next: next}
}

func (o *ObjectResolver) Get(ctx context.Context, entityType, pk string) (*vars.Object, error) {
	if entityType != RepositoryObjectType {
		if o.next == nil {
			return nil, errors.NewNotFoundError("%s %s", entityType, pk)
		}
		return o.next.Get(ctx, entityType, pk)
	}
	repo, err := o.repos.Get(ctx, pk)
	if err != nil {
		return nil, err
	}
	obj := repositoryObject(repo)
	return &obj, nil
}

func (o *ObjectResolver) GetMany(ctx context.Context, entityType string, pks []string) ([]vars.Object, error) {
	if entityType != RepositoryObjectType {
		if o.next == nil {
			return nil, nil
		}
		return o.next.GetMany(ctx, entityType, pks)
	}
	out := make([]vars.Object, 0, len(pks))
	for _, pk := range pks {
		repo, err := o.repos.Get(ctx, pk)
		if errors.IsNotFoundError(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, repositoryObject(repo))
	}
	return out, nil
}

func (o *ObjectResolver) Find(ctx context.Context, entityType string, filter map[string]any) ([]vars.Object, error) {
	if entityType != RepositoryObjectType {
		if o.next == nil {
			return nil, nil
		}
		return o.next.Find(ctx, entityType, filter)
	}
	repos, err := o.repos.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []vars.Object
	for _, repo := range repos {
		obj := repositoryObject(repo)
		if attributesMatch(obj.Attributes, filter) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func repositoryObject(r *Repository) vars.Object {
	return vars.Object{
		Type:    RepositoryObjectType,
		PK:      r.Slug,
		Display: r.Name,
		Attributes: map[string]any{
			"slug":         r.Slug,
			"name":         r.Name,
			"remote_url":   r.RemoteURL,
			"branch":       r.Branch,
			"current_head": r.CurrentHead,
		},
	}
}

func attributesMatch(attrs, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := attrs[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}
