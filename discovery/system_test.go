package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobkit/errors"
	jobtest "github.com/teranos/jobkit/internal/testing"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/vars"
)

func observatoryWithSystemJobs(t *testing.T) (*Registry, *RepositoryStore, *upstream, string) {
	t.Helper()
	ctx := context.Background()
	up := newUpstream(t)
	first := up.commit(map[string]string{"jobs/astro.toml": stargazeManifest}, "stargaze")

	database := jobtest.CreateTestDB(t)
	repos := NewRepositoryStore(database)
	require.NoError(t, repos.Upsert(ctx, &Repository{
		Slug:             "observatory",
		Name:             "Observatory jobs",
		RemoteURL:        up.dir,
		Branch:           "main",
		ProvidedContents: []string{ContentJobs},
	}))

	r := newTestRegistry(t, Options{GitRoot: t.TempDir(), Repositories: repos, Models: job.NewModelStore(database)})
	require.NoError(t, r.RegisterExtension(SystemExtension(r)))
	_, err := r.Discover(ctx)
	require.NoError(t, err)
	return r, repos, up, first
}

func observatoryObject() map[string]any {
	return map[string]any{"repository": vars.Object{Type: RepositoryObjectType, PK: "observatory", Display: "Observatory jobs"}}
}

func TestSystemJobsRegistered(t *testing.T) {
	r, _, _, _ := observatoryWithSystemJobs(t)

	for class, name := range map[string]string{
		GitSyncJob:   "Git Repository: Sync",
		GitDryRunJob: "Git Repository: Dry-Run",
	} {
		def := r.GetJob(job.SourcePlugins + "/" + SystemExtensionName + "/" + class)
		require.NotNil(t, def, class)
		assert.Equal(t, name, def.Name())
		assert.Equal(t, SystemExtensionName, def.Grouping)
		assert.False(t, def.EffectiveMeta().SensitiveVariables())

		declared := def.Variables()
		require.Len(t, declared, 1)
		assert.Equal(t, vars.KindObject, declared[0].Kind)
		assert.Equal(t, RepositoryObjectType, declared[0].EntityType)
	}
}

func TestGitDryRunReportsDiffWithoutMoving(t *testing.T) {
	r, repos, up, first := observatoryWithSystemJobs(t)
	second := up.commit(map[string]string{
		"jobs/comets.toml": cometManifest,
		"jobs/astro.toml":  stargazeManifest + "\n# retuned\n",
	}, "comets")

	def := r.GetJob(job.SourcePlugins + "/" + SystemExtensionName + "/" + GitDryRunJob)
	jc, sink := newJobContext(t)
	out := def.Runner()(jc, observatoryObject())

	require.Equal(t, job.OutcomeSuccess, out.Kind, "logs: %v", sink.messages())
	diff := out.Value.(*RepositoryDiff)
	assert.Equal(t, first, diff.Local)
	assert.Equal(t, second, diff.Remote)
	assert.ElementsMatch(t, []FileChange{
		{Action: "added", Path: "jobs/comets.toml"},
		{Action: "modified", Path: "jobs/astro.toml"},
	}, diff.Changes)
	assert.Contains(t, sink.messages(), "added: jobs/comets.toml")
	for _, e := range sink.entries {
		require.NotNil(t, e.Object)
		assert.Equal(t, "observatory", e.Object.PK)
	}

	repo, err := repos.Get(context.Background(), "observatory")
	require.NoError(t, err)
	assert.Equal(t, first, repo.CurrentHead, "a dry run records nothing")
	assert.Nil(t, r.GetJob("git.observatory/comets/TrackComet"))
}

func TestGitSyncPullsAndReloads(t *testing.T) {
	r, repos, up, _ := observatoryWithSystemJobs(t)
	second := up.commit(map[string]string{"jobs/comets.toml": cometManifest}, "comets")
	assert.Nil(t, r.GetJob("git.observatory/comets/TrackComet"))

	def := r.GetJob(job.SourcePlugins + "/" + SystemExtensionName + "/" + GitSyncJob)
	jc, sink := newJobContext(t)
	out := def.Runner()(jc, observatoryObject())

	require.Equal(t, job.OutcomeSuccess, out.Kind, "logs: %v", sink.messages())
	assert.Equal(t, map[string]any{"head": second}, out.Value)
	assert.Contains(t, sink.messages(), "Repository synced to "+second)

	repo, err := repos.Get(context.Background(), "observatory")
	require.NoError(t, err)
	assert.Equal(t, second, repo.CurrentHead)
	assert.NotNil(t, r.GetJob("git.observatory/comets/TrackComet"))

	m, err := r.opts.Models.GetByClassPath(context.Background(), "git.observatory/comets/TrackComet")
	require.NoError(t, err)
	assert.False(t, m.Enabled, "reload installs new jobs disabled")
}

func TestGitSyncUnknownRepository(t *testing.T) {
	r, _, _, _ := observatoryWithSystemJobs(t)
	def := r.GetJob(job.SourcePlugins + "/" + SystemExtensionName + "/" + GitSyncJob)

	jc, _ := newJobContext(t)
	out := def.Runner()(jc, map[string]any{"repository": vars.Object{Type: RepositoryObjectType, PK: "planetarium"}})
	assert.Equal(t, job.OutcomeFailure, out.Kind)
	assert.True(t, jc.Failed())
}

// fakeResolver serves a fixed set of objects of any type.
type fakeResolver struct {
	objects map[string]vars.Object
}

func (f *fakeResolver) Get(_ context.Context, _, pk string) (*vars.Object, error) {
	obj, ok := f.objects[pk]
	if !ok {
		return nil, errors.NewNotFoundError("object %s", pk)
	}
	return &obj, nil
}

func (f *fakeResolver) GetMany(_ context.Context, _ string, pks []string) ([]vars.Object, error) {
	var out []vars.Object
	for _, pk := range pks {
		if obj, ok := f.objects[pk]; ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (f *fakeResolver) Find(context.Context, string, map[string]any) ([]vars.Object, error) {
	return nil, nil
}

func TestObjectResolverServesRepositories(t *testing.T) {
	ctx := context.Background()
	repos := NewRepositoryStore(jobtest.CreateTestDB(t))
	require.NoError(t, repos.Upsert(ctx, &Repository{Slug: "observatory", Name: "Observatory jobs", RemoteURL: "/srv/obs", Branch: "main"}))
	require.NoError(t, repos.Upsert(ctx, &Repository{Slug: "planetarium", Name: "Planetarium", RemoteURL: "/srv/planet", Branch: "dome"}))

	next := &fakeResolver{objects: map[string]vars.Object{"telescope-1": {Type: "astro.telescope", PK: "telescope-1", Display: "Main"}}}
	res := NewObjectResolver(repos, next)

	obj, err := res.Get(ctx, RepositoryObjectType, "observatory")
	require.NoError(t, err)
	assert.Equal(t, "Observatory jobs", obj.Display)
	assert.Equal(t, "/srv/obs", obj.Attributes["remote_url"])

	_, err = res.Get(ctx, RepositoryObjectType, "missing")
	assert.True(t, errors.IsNotFoundError(err))

	many, err := res.GetMany(ctx, RepositoryObjectType, []string{"observatory", "missing", "planetarium"})
	require.NoError(t, err)
	assert.Len(t, many, 2)

	found, err := res.Find(ctx, RepositoryObjectType, map[string]any{"branch": "dome"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "planetarium", found[0].PK)

	telescope, err := res.Get(ctx, "astro.telescope", "telescope-1")
	require.NoError(t, err)
	assert.Equal(t, "Main", telescope.Display)

	// object variables resolve through it
	v := vars.ObjectRef("repository", RepositoryObjectType)
	data, err := vars.Set{v}.Deserialize(ctx, vars.Backends{Objects: res}, map[string]any{"repository": "planetarium"})
	require.NoError(t, err)
	assert.Equal(t, "Planetarium", data["repository"].(vars.Object).Display)
}
