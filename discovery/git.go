package discovery

import (
	"context"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/logger"
)

// gitJobsDir is the directory inside a clone that holds job manifests.
const gitJobsDir = "jobs"

// syncRepository brings the clone in dir to the repository's recorded head,
// or to the tip of its branch when no head is recorded, and returns the
// checked out commit. A clone already at the target is left untouched.
func syncRepository(ctx context.Context, dir string, repo *Repository, log *zap.SugaredLogger) (string, error) {
	r, err := openOrClone(ctx, dir, repo, log)
	if err != nil {
		return "", err
	}

	if repo.CurrentHead != "" {
		if head, err := r.Head(); err == nil && head.Hash().String() == repo.CurrentHead {
			return repo.CurrentHead, nil
		}
	}

	err = r.FetchContext(ctx, &git.FetchOptions{RemoteName: git.DefaultRemoteName})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", errors.Wrapf(err, "failed to fetch %s", repo.RemoteURL)
	}

	target := plumbing.NewHash(repo.CurrentHead)
	if repo.CurrentHead == "" {
		ref, err := r.Reference(plumbing.NewRemoteReferenceName(git.DefaultRemoteName, repo.Branch), true)
		if err != nil {
			return "", errors.Wrapf(err, "branch %s not found in %s", repo.Branch, repo.Slug)
		}
		target = ref.Hash()
	}

	if head, err := r.Head(); err == nil && head.Hash() == target {
		return target.String(), nil
	}

	wt, err := r.Worktree()
	if err != nil {
		return "", errors.Wrap(err, "failed to open worktree")
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: target, Force: true}); err != nil {
		return "", errors.Wrapf(err, "failed to check out %s", target)
	}
	log.Infow("Checked out repository commit",
		logger.FieldRepo, repo.Slug,
		"commit", target.String())
	return target.String(), nil
}

func openOrClone(ctx context.Context, dir string, repo *Repository, log *zap.SugaredLogger) (*git.Repository, error) {
	r, err := git.PlainOpen(dir)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, errors.Wrapf(err, "failed to open clone %s", dir)
	}

	log.Infow("Cloning repository",
		logger.FieldRepo, repo.Slug,
		"url", repo.RemoteURL,
		"branch", repo.Branch,
		logger.FieldPath, dir)

	r, err = git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           repo.RemoteURL,
		ReferenceName: plumbing.NewBranchReferenceName(repo.Branch),
		SingleBranch:  true,
	})
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		return git.PlainOpen(dir)
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, errors.Wrapf(err, "failed to clone %s", repo.RemoteURL)
	}
	return r, nil
}

// isGitClone reports whether dir contains a git repository.
func isGitClone(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, git.GitDirName))
	return err == nil && info.IsDir()
}

// removeOrphanClones deletes clones under root whose slug is not in keep.
// Plain files and directories that are not clones are left alone.
func removeOrphanClones(root string, keep map[string]bool, log *zap.SugaredLogger) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnw("Failed to read git root", logger.FieldPath, root, logger.FieldError, err)
		}
		return
	}

	for _, e := range entries {
		path := filepath.Join(root, e.Name())
		if keep[e.Name()] {
			continue
		}
		if !e.IsDir() {
			log.Warnw("Unexpected file in git root", logger.FieldPath, path)
			continue
		}
		if !isGitClone(path) {
			log.Warnw("Directory in git root is not a repository clone", logger.FieldPath, path)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warnw("Failed to remove orphaned clone", logger.FieldPath, path, logger.FieldError, err)
			continue
		}
		log.Infow("Removed orphaned clone", logger.FieldRepo, e.Name(), logger.FieldPath, path)
	}
}
