package discovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/jobkit/config"
	"github.com/teranos/jobkit/errors"
)

// ContentJobs marks a repository whose jobs/ directory provides jobs.
const ContentJobs = "extras.job"

// Repository is a git repository that may provide jobs.
type Repository struct {
	ID               string
	Slug             string
	Name             string
	RemoteURL        string
	Branch           string
	CurrentHead      string // commit to check out; empty follows the branch tip
	ProvidedContents []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ProvidesJobs reports whether the repository is a job source.
func (r *Repository) ProvidesJobs() bool {
	for _, c := range r.ProvidedContents {
		if c == ContentJobs {
			return true
		}
	}
	return false
}

// RepositoryStore persists git repositories.
type RepositoryStore struct {
	db *sql.DB
}

// NewRepositoryStore creates a repository store.
func NewRepositoryStore(db *sql.DB) *RepositoryStore {
	return &RepositoryStore{db: db}
}

const repositoryColumns = `id, slug, name, remote_url, branch, current_head, provided_contents, created_at, updated_at`

func scanRepository(row interface{ Scan(...any) error }) (*Repository, error) {
	var r Repository
	var contents string
	if err := row.Scan(&r.ID, &r.Slug, &r.Name, &r.RemoteURL, &r.Branch, &r.CurrentHead,
		&contents, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(contents), &r.ProvidedContents); err != nil {
		return nil, errors.Wrapf(err, "failed to decode provided contents for %s", r.Slug)
	}
	return &r, nil
}

// Upsert inserts a repository or updates the one with the same slug. An
// empty CurrentHead keeps the recorded head.
func (s *RepositoryStore) Upsert(ctx context.Context, r *Repository) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Branch == "" {
		r.Branch = "main"
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	contents := r.ProvidedContents
	if contents == nil {
		contents = []string{}
	}
	encoded, err := json.Marshal(contents)
	if err != nil {
		return errors.Wrap(err, "failed to encode provided contents")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO git_repositories (`+repositoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(slug) DO UPDATE SET
			name = excluded.name,
			remote_url = excluded.remote_url,
			branch = excluded.branch,
			current_head = CASE WHEN excluded.current_head != '' THEN excluded.current_head ELSE git_repositories.current_head END,
			provided_contents = excluded.provided_contents,
			updated_at = excluded.updated_at`,
		r.ID, r.Slug, r.Name, r.RemoteURL, r.Branch, r.CurrentHead, string(encoded), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to save git repository %s", r.Slug)
	}
	return nil
}

// Seed records the configured repositories.
func (s *RepositoryStore) Seed(ctx context.Context, repos []config.RepositoryConfig) error {
	for _, rc := range repos {
		name := rc.Name
		if name == "" {
			name = rc.Slug
		}
		if err := s.Upsert(ctx, &Repository{
			Slug:             rc.Slug,
			Name:             name,
			RemoteURL:        rc.RemoteURL,
			Branch:           rc.Branch,
			CurrentHead:      rc.CurrentHead,
			ProvidedContents: rc.ProvidedContents,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Get loads a repository by slug.
func (s *RepositoryStore) Get(ctx context.Context, slug string) (*Repository, error) {
	r, err := scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM git_repositories WHERE slug = ?`, slug))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("git repository %s", slug)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get git repository")
	}
	return r, nil
}

// List returns every repository ordered by slug.
func (s *RepositoryStore) List(ctx context.Context) ([]*Repository, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+repositoryColumns+` FROM git_repositories ORDER BY slug`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list git repositories")
	}
	defer rows.Close()

	var repos []*Repository
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan git repository")
		}
		repos = append(repos, r)
	}
	return repos, errors.Wrap(rows.Err(), "error iterating git repositories")
}

// SetHead records the commit a repository was synced to.
func (s *RepositoryStore) SetHead(ctx context.Context, slug, head string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE git_repositories SET current_head = ?, updated_at = ? WHERE slug = ?`,
		head, time.Now().UTC(), slug)
	if err != nil {
		return errors.Wrap(err, "failed to update git repository head")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("git repository %s", slug)
	}
	return nil
}

// Delete removes a repository record. Its clone is removed as an orphan on
// the next discovery.
func (s *RepositoryStore) Delete(ctx context.Context, slug string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM git_repositories WHERE slug = ?`, slug)
	if err != nil {
		return errors.Wrap(err, "failed to delete git repository")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("git repository %s", slug)
	}
	return nil
}
