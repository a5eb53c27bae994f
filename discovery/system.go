package discovery

import (
	"context"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/internal/util"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/vars"
)

// SystemExtensionName is the extension the built-in jobs are registered
// under, so they live at plugins/jobkit.core/<Class>.
const SystemExtensionName = "jobkit.core"

// Class names of the built-in git jobs.
const (
	GitSyncJob   = "GitRepositoryPullAndRefreshData"
	GitDryRunJob = "GitRepositoryDiffOriginalAndLocal"
)

// SystemExtension returns the built-in jobs bound to r. Register it with
// r.RegisterExtension.
func SystemExtension(r *Registry) *Extension {
	repoVar := vars.ObjectRef("repository", RepositoryObjectType)
	repoVar.Description = "Git repository to operate on"

	return &Extension{
		Name: SystemExtensionName,
		Jobs: []*job.Definition{
			{
				Class: GitSyncJob,
				Meta: &job.Meta{
					Name:                  "Git Repository: Sync",
					Description:           "Clone or pull the repository to its branch tip, then reload jobs.",
					HasSensitiveVariables: util.Ptr(false),
				},
				Vars: []vars.Variable{repoVar},
				Run:  r.runGitSync,
			},
			{
				Class: GitDryRunJob,
				Meta: &job.Meta{
					Name:                  "Git Repository: Dry-Run",
					Description:           "Fetch the repository and report how the remote branch differs from the local checkout.",
					HasSensitiveVariables: util.Ptr(false),
					ReadOnly:              true,
				},
				Vars: []vars.Variable{repoVar},
				Run:  r.runGitDryRun,
			},
		},
	}
}

// jobRepository loads the repository named by the job's object variable.
func (r *Registry) jobRepository(jc *job.Context, data map[string]any) (*Repository, *vars.Object, error) {
	obj, ok := data["repository"].(vars.Object)
	if !ok {
		return nil, nil, errors.Wrap(errors.ErrInvalidRequest, "repository variable is missing")
	}
	if r.opts.Repositories == nil || r.opts.GitRoot == "" {
		return nil, &obj, errors.New("git repositories are not configured")
	}
	repo, err := r.opts.Repositories.Get(jc.Context(), obj.PK)
	if err != nil {
		return nil, &obj, err
	}
	return repo, &obj, nil
}

func (r *Registry) runGitSync(jc *job.Context, data map[string]any) job.Outcome {
	repo, obj, err := r.jobRepository(jc, data)
	if err != nil {
		return jc.LogFailureFor(obj, "%v", err)
	}
	ctx := jc.Context()

	jc.LogInfoFor(obj, "Pulling %s (branch %s)", repo.RemoteURL, repo.Branch)
	tip := *repo
	tip.CurrentHead = ""
	head, err := syncRepository(ctx, filepath.Join(r.opts.GitRoot, repo.Slug), &tip, r.log)
	if err != nil {
		return jc.LogFailureFor(obj, "Failed to sync repository: %v", err)
	}
	if err := r.opts.Repositories.SetHead(ctx, repo.Slug, head); err != nil {
		return job.Errored(err)
	}
	if head == repo.CurrentHead {
		jc.LogInfoFor(obj, "Repository is already at %s", head)
	} else {
		jc.LogSuccessFor(obj, "Repository synced to %s", head)
	}

	if !repo.ProvidesJobs() {
		return job.Success(map[string]any{"head": head})
	}
	jc.LogInfo("Refreshing jobs")
	if err := r.Reload(ctx); err != nil {
		return jc.LogFailureFor(obj, "Failed to reload jobs: %v", err)
	}
	for _, serr := range r.SourceErrors() {
		if serr.Source == job.GitSource(repo.Slug) {
			jc.LogWarningFor(obj, "%s: %v", serr.Path, serr.Err)
		}
	}
	return job.Success(map[string]any{"head": head})
}

func (r *Registry) runGitDryRun(jc *job.Context, data map[string]any) job.Outcome {
	repo, obj, err := r.jobRepository(jc, data)
	if err != nil {
		return jc.LogFailureFor(obj, "%v", err)
	}
	ctx := jc.Context()

	diff, err := diffRepository(ctx, filepath.Join(r.opts.GitRoot, repo.Slug), repo, r)
	if err != nil {
		return jc.LogFailureFor(obj, "Failed to compare repository: %v", err)
	}
	if diff.Local == diff.Remote {
		jc.LogSuccessFor(obj, "Local checkout matches %s/%s at %s", git.DefaultRemoteName, repo.Branch, diff.Local)
		return job.Success(diff)
	}

	jc.LogInfoFor(obj, "Local %s differs from %s/%s at %s", diff.Local, git.DefaultRemoteName, repo.Branch, diff.Remote)
	for _, c := range diff.Changes {
		jc.LogInfoFor(obj, "%s: %s", c.Action, c.Path)
	}
	return job.Success(diff)
}

// RepositoryDiff is the result of a dry-run comparison.
type RepositoryDiff struct {
	Local   string       `json:"local"`
	Remote  string       `json:"remote"`
	Changes []FileChange `json:"changes"`
}

// FileChange is one path that differs between two commits.
type FileChange struct {
	Action string `json:"action"` // added, removed or modified
	Path   string `json:"path"`
}

// diffRepository fetches the clone in dir and compares its HEAD with the
// remote branch tip. The working tree is left untouched.
func diffRepository(ctx context.Context, dir string, repo *Repository, r *Registry) (*RepositoryDiff, error) {
	g, err := openOrClone(ctx, dir, repo, r.log)
	if err != nil {
		return nil, err
	}
	err = g.FetchContext(ctx, &git.FetchOptions{RemoteName: git.DefaultRemoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return nil, errors.Wrapf(err, "failed to fetch %s", repo.RemoteURL)
	}

	head, err := g.Head()
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve local HEAD")
	}
	remote, err := g.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, repo.Branch), true)
	if err != nil {
		return nil, errors.Wrapf(err, "branch %s not found in %s", repo.Branch, repo.Slug)
	}

	diff := &RepositoryDiff{Local: head.Hash().String(), Remote: remote.Hash().String()}
	if head.Hash() == remote.Hash() {
		return diff, nil
	}

	from, err := commitTree(g, head.Hash())
	if err != nil {
		return nil, err
	}
	to, err := commitTree(g, remote.Hash())
	if err != nil {
		return nil, err
	}
	changes, err := from.DiffContext(ctx, to)
	if err != nil {
		return nil, errors.Wrap(err, "failed to diff trees")
	}
	for _, c := range changes {
		action, err := c.Action()
		if err != nil {
			return nil, errors.Wrap(err, "failed to classify change")
		}
		fc := FileChange{Path: c.To.Name}
		switch action {
		case merkletrie.Insert:
			fc.Action = "added"
		case merkletrie.Delete:
			fc.Action = "removed"
			fc.Path = c.From.Name
		default:
			fc.Action = "modified"
		}
		diff.Changes = append(diff.Changes, fc)
	}
	return diff, nil
}

func commitTree(g *git.Repository, hash plumbing.Hash) (*object.Tree, error) {
	commit, err := g.CommitObject(hash)
	if err != nil {
		return nil, errors.Wrapf(err, "commit %s not found", hash)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read tree of %s", hash)
	}
	return tree, nil
}
