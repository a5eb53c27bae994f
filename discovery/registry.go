// Package discovery finds job definitions in the local jobs root, in git
// repositories and in extensions, and mirrors them into job models.
//
// Discovery produces a Tree snapshot. Lookups read the last snapshot and only
// trigger discovery when none has been taken yet.
package discovery

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/logger"
	"github.com/teranos/jobkit/version"
)

// Module is one discovered module and its jobs keyed by class name.
type Module struct {
	Name string
	Jobs map[string]*job.Definition
}

// Tree maps source grouping to module name to module.
type Tree map[string]map[string]Module

// Options configures a Registry.
type Options struct {
	Root         string // local jobs root
	GitRoot      string // parent directory for repository clones
	PluginsRoot  string // extension directories with a plugin.toml
	Repositories *RepositoryStore
	Models       *job.ModelStore
	HostVersion  string // defaults to the build version
	Logger       *zap.SugaredLogger
}

// Registry discovers jobs and answers class path lookups.
type Registry struct {
	opts Options
	log  *zap.SugaredLogger

	discoverMu sync.Mutex // one discovery at a time

	mu         sync.RWMutex
	extensions []*Extension
	tree       Tree
	index      map[string]*job.Definition
	errs       []*SourceError
}

// NewRegistry creates a job registry. Nothing is discovered until the first
// lookup or an explicit Discover.
func NewRegistry(opts Options) *Registry {
	log := opts.Logger
	if log == nil {
		log = logger.Logger
	}
	if opts.HostVersion == "" {
		opts.HostVersion = version.Get().Version
	}
	return &Registry{
		opts: opts,
		log:  logger.AddDiscoverySymbol(log.Named("discovery")),
	}
}

// RegisterExtension adds an in-process extension. It is picked up by the next
// discovery.
func (r *Registry) RegisterExtension(ext *Extension) error {
	if err := ext.check(r.opts.HostVersion); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.extensions {
		if existing.Name == ext.Name {
			return errors.Wrapf(errors.ErrConflict, "extension %s already registered", ext.Name)
		}
	}
	r.extensions = append(r.extensions, ext)
	r.index = nil
	return nil
}

// treeBuilder accumulates one discovery pass.
type treeBuilder struct {
	tree  Tree
	index map[string]*job.Definition
	errs  []*SourceError
	log   *zap.SugaredLogger
}

func (b *treeBuilder) fail(source, path string, err error) {
	b.log.Warnw("Failed to load job source",
		logger.FieldSource, source,
		logger.FieldPath, path,
		logger.FieldError, err)
	b.errs = append(b.errs, &SourceError{Source: source, Path: path, Err: err})
}

func (b *treeBuilder) add(source, module, grouping string, defs []*job.Definition) {
	for _, def := range defs {
		if def.Abstract {
			continue
		}
		bound := def.Bind(source, module, grouping)
		if err := bound.Check(); err != nil {
			b.fail(source, module, err)
			continue
		}
		cp := bound.ClassPath().String()
		if _, dup := b.index[cp]; dup {
			b.fail(source, module, errors.Newf("duplicate job %s", cp))
			continue
		}

		modules, ok := b.tree[source]
		if !ok {
			modules = make(map[string]Module)
			b.tree[source] = modules
		}
		mod, ok := modules[module]
		if !ok {
			name := grouping
			if name == "" {
				name = module
			}
			mod = Module{Name: name, Jobs: make(map[string]*job.Definition)}
			modules[module] = mod
		}
		mod.Jobs[bound.Class] = bound
		b.index[cp] = bound
	}
}

// Discover loads every source and replaces the snapshot. Failures of single
// sources are logged and reported by SourceErrors; only cancellation fails
// the whole pass.
func (r *Registry) Discover(ctx context.Context) (Tree, error) {
	r.discoverMu.Lock()
	defer r.discoverMu.Unlock()

	start := time.Now()
	b := &treeBuilder{
		tree:  make(Tree),
		index: make(map[string]*job.Definition),
		log:   r.log,
	}

	if r.opts.Root != "" {
		r.loadManifests(b, job.SourceLocal, r.opts.Root, false)
	}
	r.discoverGit(ctx, b)
	r.discoverExtensions(b)

	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "job discovery cancelled")
	}

	r.mu.Lock()
	r.tree, r.index, r.errs = b.tree, b.index, b.errs
	r.mu.Unlock()

	r.log.Infow("Job discovery complete",
		logger.FieldCount, len(b.index),
		"sources", len(b.tree),
		"errors", len(b.errs),
		logger.FieldDurationMS, time.Since(start).Milliseconds())
	return b.tree, nil
}

// loadManifests adds every manifest below root under source. A missing root
// is only worth a warning for sources that promise one.
func (r *Registry) loadManifests(b *treeBuilder, source, root string, mustExist bool) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			if mustExist {
				r.log.Warnw("Job source has no jobs directory", logger.FieldSource, source, logger.FieldPath, root)
			} else {
				r.log.Debugw("Jobs root does not exist", logger.FieldPath, root)
			}
			return
		}
		b.fail(source, root, err)
		return
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			b.fail(source, path, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !IsManifest(path) {
			return nil
		}

		module, err := moduleName(root, path)
		if err != nil {
			b.fail(source, path, err)
			return nil
		}
		m, err := ReadManifest(path)
		if err != nil {
			b.fail(source, path, err)
			return nil
		}
		defs, err := m.Definitions(filepath.Dir(path))
		if err != nil {
			b.fail(source, path, err)
			return nil
		}
		b.add(source, module, m.Name, defs)
		return nil
	})
	if err != nil {
		b.fail(source, root, err)
	}
}

// discoverGit syncs every repository that provides jobs and loads its jobs
// directory. A repository that fails to sync is skipped.
func (r *Registry) discoverGit(ctx context.Context, b *treeBuilder) {
	if r.opts.Repositories == nil || r.opts.GitRoot == "" {
		return
	}

	repos, err := r.opts.Repositories.List(ctx)
	if err != nil {
		b.fail("git", r.opts.GitRoot, err)
		return
	}

	keep := make(map[string]bool, len(repos))
	for _, repo := range repos {
		keep[repo.Slug] = true
		if !repo.ProvidesJobs() {
			continue
		}
		source := job.GitSource(repo.Slug)
		dir := filepath.Join(r.opts.GitRoot, repo.Slug)

		head, err := syncRepository(ctx, dir, repo, r.log)
		if err != nil {
			r.log.Errorw("Failed to sync git repository",
				logger.FieldRepo, repo.Slug,
				logger.FieldError, err)
			b.errs = append(b.errs, &SourceError{Source: source, Path: dir, Err: err})
			continue
		}
		if head != repo.CurrentHead {
			if err := r.opts.Repositories.SetHead(ctx, repo.Slug, head); err != nil {
				r.log.Warnw("Failed to record repository head", logger.FieldRepo, repo.Slug, logger.FieldError, err)
			}
		}
		r.loadManifests(b, source, filepath.Join(dir, gitJobsDir), true)
	}

	removeOrphanClones(r.opts.GitRoot, keep, r.log)
}

func (r *Registry) discoverExtensions(b *treeBuilder) {
	r.mu.RLock()
	exts := append([]*Extension(nil), r.extensions...)
	r.mu.RUnlock()

	if r.opts.PluginsRoot != "" {
		loaded, errs := readExtensions(r.opts.PluginsRoot)
		for _, e := range errs {
			b.fail(e.Source, e.Path, e.Err)
		}
		exts = append(exts, loaded...)
	}

	seen := make(map[string]bool, len(exts))
	for _, ext := range exts {
		if err := ext.check(r.opts.HostVersion); err != nil {
			b.fail(job.SourcePlugins, ext.Name, err)
			continue
		}
		if seen[ext.Name] {
			b.fail(job.SourcePlugins, ext.Name, errors.Newf("duplicate extension %s", ext.Name))
			continue
		}
		seen[ext.Name] = true
		r.log.Debugw("Loading extension", logger.FieldExtension, ext.Name, "version", ext.Version)
		b.add(job.SourcePlugins, ext.Module(), ext.Name, ext.Jobs)
	}
}

// snapshot returns the current index, discovering once if there is none.
func (r *Registry) snapshot() map[string]*job.Definition {
	r.mu.RLock()
	index := r.index
	r.mu.RUnlock()
	if index != nil {
		return index
	}

	if _, err := r.Discover(context.Background()); err != nil {
		r.log.Errorw("Job discovery failed", logger.FieldError, err)
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.index
}

// GetJob returns the definition at classPath, or nil when it is malformed or
// unknown.
func (r *Registry) GetJob(classPath string) *job.Definition {
	cp, err := job.ParseClassPath(classPath)
	if err != nil {
		r.log.Warnw("Malformed job class path", logger.FieldClassPath, classPath, logger.FieldError, err)
		return nil
	}
	return r.snapshot()[cp.String()]
}

// ListClassPaths returns the set of known class paths.
func (r *Registry) ListClassPaths() map[string]struct{} {
	index := r.snapshot()
	out := make(map[string]struct{}, len(index))
	for cp := range index {
		out[cp] = struct{}{}
	}
	return out
}

// Tree returns the last snapshot, discovering once if there is none.
func (r *Registry) Tree() Tree {
	r.snapshot()
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tree
}

// SourceErrors returns the failures of the last discovery.
func (r *Registry) SourceErrors() []*SourceError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*SourceError(nil), r.errs...)
}

// SyncReport counts the model changes made by Sync.
type SyncReport struct {
	Created     int
	Updated     int
	Uninstalled int
	Failed      int
}

// Sync mirrors the snapshot into job models. New jobs get a disabled model,
// known ones are refreshed except for overridden fields, and models whose job
// disappeared are marked uninstalled and disabled. A model that cannot be
// saved is logged and counted without stopping the rest.
func (r *Registry) Sync(ctx context.Context) (*SyncReport, error) {
	if r.opts.Models == nil {
		return nil, errors.New("no job model store configured")
	}
	index := r.snapshot()

	models, err := r.opts.Models.List(ctx)
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*job.Model, len(models))
	for _, m := range models {
		byPath[m.ClassPath] = m
	}

	paths := make([]string, 0, len(index))
	for cp := range index {
		paths = append(paths, cp)
	}
	sort.Strings(paths)

	report := &SyncReport{}
	for _, cp := range paths {
		def := index[cp]
		m, ok := byPath[cp]
		if !ok {
			m = job.NewModel(def)
			r.warnInvalid(m)
			if err := r.opts.Models.Create(ctx, m); err != nil {
				r.syncFailed(report, cp, err)
				continue
			}
			report.Created++
			r.log.Infow("Installed job", logger.FieldClassPath, cp)
			continue
		}
		if !m.Refresh(def) {
			continue
		}
		r.warnInvalid(m)
		if err := r.opts.Models.Update(ctx, m); err != nil {
			r.syncFailed(report, cp, err)
			continue
		}
		report.Updated++
	}

	for _, m := range models {
		if _, ok := index[m.ClassPath]; ok || !m.Installed {
			continue
		}
		m.Installed = false
		m.Enabled = false
		m.UpdatedAt = time.Now()
		if err := r.opts.Models.Update(ctx, m); err != nil {
			r.syncFailed(report, m.ClassPath, err)
			continue
		}
		report.Uninstalled++
		r.log.Infow("Job no longer installed", logger.FieldClassPath, m.ClassPath)
	}

	r.log.Infow("Job models synced",
		"created", report.Created,
		"updated", report.Updated,
		"uninstalled", report.Uninstalled,
		"failed", report.Failed)
	return report, nil
}

func (r *Registry) syncFailed(report *SyncReport, classPath string, err error) {
	report.Failed++
	r.log.Errorw("Failed to sync job model", logger.FieldClassPath, classPath, logger.FieldError, err)
}

func (r *Registry) warnInvalid(m *job.Model) {
	if err := m.Validate(); err != nil {
		r.log.Warnw("Job model is invalid and cannot be submitted until fixed",
			logger.FieldClassPath, m.ClassPath, logger.FieldError, err)
	}
}

// Reload runs discovery followed by a model sync.
func (r *Registry) Reload(ctx context.Context) error {
	if _, err := r.Discover(ctx); err != nil {
		return err
	}
	if r.opts.Models == nil {
		return nil
	}
	_, err := r.Sync(ctx)
	return err
}
