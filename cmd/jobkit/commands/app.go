package commands

import (
	"context"
	"database/sql"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/teranos/jobkit/changes"
	"github.com/teranos/jobkit/config"
	"github.com/teranos/jobkit/db"
	"github.com/teranos/jobkit/discovery"
	"github.com/teranos/jobkit/errors"
	"github.com/teranos/jobkit/execution"
	"github.com/teranos/jobkit/filestore"
	"github.com/teranos/jobkit/hooks"
	"github.com/teranos/jobkit/internal/util"
	"github.com/teranos/jobkit/job"
	"github.com/teranos/jobkit/logger"
	"github.com/teranos/jobkit/objects"
	"github.com/teranos/jobkit/pulse/async"
	"github.com/teranos/jobkit/pulse/schedule"
	"github.com/teranos/jobkit/result"
	"github.com/teranos/jobkit/vars"
)

// App holds the wired stores and services one command invocation needs.
type App struct {
	Config       *config.Config
	DB           *sql.DB
	Log          *zap.SugaredLogger
	Registry     *discovery.Registry
	Repositories *discovery.RepositoryStore
	Models       *job.ModelStore
	Results      *result.Store
	Queue        *async.Queue
	Recorder     *changes.Recorder
	Objects      *objects.Store
	Files        *filestore.Store
	Scheduler    *schedule.Scheduler
	Hooks        *hooks.Store
	Dispatcher   *hooks.Dispatcher
}

// loadConfig honours the --config flag, otherwise searches the usual places.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// openApp loads config, opens and migrates the database and wires every
// service. The repositories from config are seeded on the way.
func openApp(cmd *cobra.Command) (*App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}

	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	log := logger.Logger
	app := &App{
		Config:       cfg,
		DB:           database,
		Log:          log,
		Repositories: discovery.NewRepositoryStore(database),
		Models:       job.NewModelStore(database),
		Results:      result.NewStore(database),
		Queue:        async.NewQueue(database),
		Recorder:     changes.NewRecorder(database),
		Files:        filestore.NewStore(database),
		Hooks:        hooks.NewStore(database),
	}
	app.Objects = objects.NewStore(database, app.Recorder)

	if err := app.Repositories.Seed(cmd.Context(), cfg.Jobs.Repositories); err != nil {
		database.Close()
		return nil, err
	}

	app.Registry = discovery.NewRegistry(discovery.Options{
		Root:         cfg.Jobs.Root,
		GitRoot:      cfg.Jobs.GitRoot,
		PluginsRoot:  cfg.Jobs.PluginsRoot,
		Repositories: app.Repositories,
		Models:       app.Models,
		Logger:       log,
	})
	if err := app.Registry.RegisterExtension(discovery.SystemExtension(app.Registry)); err != nil {
		database.Close()
		return nil, err
	}

	app.Scheduler = schedule.NewScheduler(schedule.Options{
		Registry:     app.Registry,
		Models:       app.Models,
		Store:        schedule.NewStore(database),
		Enqueuer:     app.Queue,
		Backends:     app.Backends(),
		DefaultQueue: cfg.Worker.DefaultQueue,
		Logger:       log,
	})

	app.Dispatcher = hooks.NewDispatcher(hooks.Options{
		Store:     app.Hooks,
		Registry:  app.Registry,
		Submitter: app.Scheduler,
		Tracked:   changes.NewRegistry(cfg.Changes.TrackedTypes...),
		Objects:   app.Objects,
		Logger:    log,
	})
	app.Recorder.Subscribe(app.Dispatcher)

	return app, nil
}

// Backends returns the resolvers reference variables use. Git repositories
// resolve as objects of discovery.RepositoryObjectType.
func (a *App) Backends() vars.Backends {
	return vars.Backends{
		Objects: discovery.NewObjectResolver(a.Repositories, a.Objects),
		Files:   a.Files,
	}
}

// Controller builds the job run handler for a worker pool.
func (a *App) Controller() *execution.Controller {
	return execution.NewController(execution.Options{
		Registry:             a.Registry,
		Models:               a.Models,
		Results:              a.Results,
		Backends:             a.Backends(),
		Logger:               a.Log,
		DefaultSoftTimeLimit: util.Seconds(a.Config.Worker.SoftTimeLimitSecs),
		DefaultTimeLimit:     util.Seconds(a.Config.Worker.TimeLimitSecs),
	})
}

// Reload runs discovery and model sync.
func (a *App) Reload(ctx context.Context) (*discovery.SyncReport, error) {
	if _, err := a.Registry.Discover(ctx); err != nil {
		return nil, err
	}
	return a.Registry.Sync(ctx)
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}

// openDatabase opens and migrates the database at dbPath.
func openDatabase(dbPath string) (*sql.DB, error) {
	database, err := db.OpenWithMigrations(dbPath, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", dbPath)
	}
	return database, nil
}

// currentUser names the caller for submissions made from the CLI.
func currentUser(cmd *cobra.Command) string {
	if u, _ := cmd.Flags().GetString("user"); u != "" {
		return u
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "jobkit"
}
