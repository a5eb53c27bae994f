package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/jobkit/discovery"
	"github.com/teranos/jobkit/pulse/schedule"
)

// Test universe: a bakery whose ovens are preheated and loaves proofed by
// jobs run from the command line.

const ovensManifest = `
name = "Ovens"

[[jobs]]
class = "Preheat"
command = "sh -c 'cat'"
has_sensitive_variables = false

[[jobs.vars]]
name = "oven"
kind = "string"
`

func runFlags() *cobra.Command {
	cmd := &cobra.Command{Use: "run"}
	cmd.Flags().String("interval", "", "")
	cmd.Flags().String("name", "", "")
	cmd.Flags().String("start", "", "")
	cmd.Flags().String("crontab", "", "")
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("user", "", "")
	return cmd
}

func TestParseData(t *testing.T) {
	data, err := parseData([]string{"loaf=rye", "topping=seeds", "topping=salt"}, `{"loaf": "spelt", "count": 3}`)
	require.NoError(t, err)
	assert.Equal(t, "rye", data["loaf"], "pairs win over JSON")
	assert.Equal(t, float64(3), data["count"])
	assert.Equal(t, []any{"seeds", "salt"}, data["topping"])

	_, err = parseData([]string{"=rye"}, "")
	assert.Error(t, err)
	_, err = parseData(nil, `["not", "an", "object"]`)
	assert.Error(t, err)
}

func TestReadFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipe.txt")
	require.NoError(t, os.WriteFile(path, []byte("flour, water, salt"), 0o644))

	files, err := readFiles([]string{"recipe=" + path})
	require.NoError(t, err)
	assert.Equal(t, "recipe.txt", files["recipe"].Name)
	assert.Equal(t, []byte("flour, water, salt"), files["recipe"].Data)

	files, err = readFiles(nil)
	require.NoError(t, err)
	assert.Nil(t, files)

	_, err = readFiles([]string{"recipe"})
	assert.Error(t, err)
	_, err = readFiles([]string{"recipe=" + filepath.Join(t.TempDir(), "missing.txt")})
	assert.Error(t, err)
}

func TestParseSpec(t *testing.T) {
	cmd := runFlags()
	spec, err := parseSpec(cmd)
	require.NoError(t, err)
	assert.Nil(t, spec, "no scheduling flags means run now")

	cmd = runFlags()
	require.NoError(t, cmd.Flags().Set("crontab", "0 5 * * *"))
	spec, err = parseSpec(cmd)
	require.NoError(t, err)
	assert.Equal(t, schedule.IntervalCustom, spec.Interval)

	cmd = runFlags()
	require.NoError(t, cmd.Flags().Set("start", "2026-11-01T04:30:00Z"))
	require.NoError(t, cmd.Flags().Set("name", "early batch"))
	spec, err = parseSpec(cmd)
	require.NoError(t, err)
	assert.Equal(t, schedule.IntervalFuture, spec.Interval)
	assert.Equal(t, "early batch", spec.Name)
	assert.True(t, spec.StartTime.Equal(time.Date(2026, 11, 1, 4, 30, 0, 0, time.UTC)))

	cmd = runFlags()
	require.NoError(t, cmd.Flags().Set("start", "tomorrow morning"))
	_, err = parseSpec(cmd)
	assert.Error(t, err)
}

func TestCurrentUser(t *testing.T) {
	cmd := runFlags()
	require.NoError(t, cmd.Flags().Set("user", "baker"))
	assert.Equal(t, "baker", currentUser(cmd))

	t.Setenv("USER", "apprentice")
	assert.Equal(t, "apprentice", currentUser(runFlags()))
}

func TestOpenAppSyncsAndQueues(t *testing.T) {
	dir := t.TempDir()
	jobsRoot := filepath.Join(dir, "jobs")
	require.NoError(t, os.MkdirAll(jobsRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(jobsRoot, "ovens.toml"), []byte(ovensManifest), 0o644))

	configPath := filepath.Join(dir, "jobkit.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
[database]
path = "`+filepath.Join(dir, "bakery.db")+`"

[jobs]
root = "`+jobsRoot+`"
git_root = "`+filepath.Join(dir, "git")+`"
`), 0o644))

	cmd := runFlags()
	require.NoError(t, cmd.Flags().Set("config", configPath))
	ctx := context.Background()
	cmd.SetContext(ctx)

	app, err := openApp(cmd)
	require.NoError(t, err)
	defer app.Close()

	report, err := app.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Created, "the ovens job plus the two built-in git jobs")
	assert.NotNil(t, app.Registry.GetJob("plugins/"+discovery.SystemExtensionName+"/"+discovery.GitSyncJob))

	const classPath = "local/ovens/Preheat"
	model, err := app.Models.GetByClassPath(ctx, classPath)
	require.NoError(t, err)
	assert.False(t, model.Enabled, "new jobs start disabled")

	_, err = app.Models.SetEnabled(ctx, classPath, true)
	require.NoError(t, err)

	_, taskID, err := app.Scheduler.Submit(ctx, schedule.Request{
		ClassPath: classPath,
		Data:      map[string]any{"oven": "stone"},
	}, "baker")
	require.NoError(t, err)

	task, err := app.Queue.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, classPath, task.ClassPath)
	assert.Equal(t, "baker", task.User)

	assert.NotNil(t, app.Controller())
}
