package command

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/joeycumines/framesync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runConfig returns a config rendering back to back, isolated from the
// environment.
func runConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, opt := range config.DefaultSchema().Options() {
		if opt.EnvVar != "" {
			t.Setenv(opt.EnvVar, "")
			require.NoError(t, os.Unsetenv(opt.EnvVar))
		}
	}
	cfg := config.NewConfig()
	cfg.SetGlobalOption("width", "64")
	cfg.SetGlobalOption("height", "32")
	cfg.SetCommandOption("run", "frame-interval", "0s")
	return cfg
}

func TestRunCommand_Demo(t *testing.T) {
	stdout, stderr, err := execute(t, NewRunCommand(runConfig(t)))
	require.NoError(t, err)

	assert.Regexp(t, `(?m)^frames\s+3$`, stdout)
	assert.Regexp(t, `(?m)^export waits\s+0$`, stdout)
	assert.Regexp(t, `(?m)^resources\s+1\(published\) 3\(published\)$`, stdout)
	assert.Regexp(t, `(?m)^unsafe destroys\s+0$`, stdout)
	for _, id := range []string{"1", "2", "3"} {
		assert.Contains(t, stderr, `"msg":"resource `+id+` ready: 64x32 rgba8unorm"`)
	}
}

func TestRunCommand_ExportFrames(t *testing.T) {
	cfg := runConfig(t)
	cfg.SetCommandOption("run", "export-every", "3")

	stdout, _, err := execute(t, NewRunCommand(cfg), "-frames", "4", "-export", "2")
	require.NoError(t, err)
	assert.Regexp(t, `(?m)^frames\s+4$`, stdout)
	assert.Regexp(t, `(?m)^export waits\s+2$`, stdout, "flag beats config")
	assert.Regexp(t, `(?m)^unsafe destroys\s+0$`, stdout)
}

func TestRunCommand_Script(t *testing.T) {
	path := filepath.Join(t.TempDir(), "one.js")
	require.NoError(t, os.WriteFile(path, []byte(`
		createResource(5, {format: 'bgra8unorm'}).then(function (h) {
			console.log('got ' + h.format);
		});
	`), 0600))

	stdout, stderr, err := execute(t, NewRunCommand(runConfig(t)), "-script", path, "-frames", "1")
	require.NoError(t, err)
	assert.Regexp(t, `(?m)^resources\s+5\(published\)$`, stdout)
	assert.Contains(t, stderr, `"msg":"got bgra8unorm"`)
}

func TestRunCommand_ScriptErrors(t *testing.T) {
	_, _, err := execute(t, NewRunCommand(runConfig(t)), "-script", filepath.Join(t.TempDir(), "missing.js"))
	require.ErrorContains(t, err, "reading script")

	path := filepath.Join(t.TempDir(), "throws.js")
	require.NoError(t, os.WriteFile(path, []byte(`throw new Error('boom');`), 0600))
	stdout, _, err := execute(t, NewRunCommand(runConfig(t)), "-script", path)
	require.ErrorContains(t, err, "failed to run throws.js")
	assert.Regexp(t, `(?m)^resources\s+none$`, stdout, "summary is still printed")
	assert.Regexp(t, `(?m)^frames\s+0$`, stdout)
}

func TestRunCommand_Metrics(t *testing.T) {
	stdout, _, err := execute(t, NewRunCommand(runConfig(t)), "-frames", "1", "-metrics-addr", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`metrics: http://127\.0\.0\.1:\d+/metrics`), stdout)
}

func TestRunCommand_BadArguments(t *testing.T) {
	_, stderr, err := execute(t, NewRunCommand(runConfig(t)), "extra")
	require.Error(t, err)
	assert.Contains(t, stderr, "unexpected arguments")

	_, _, err = execute(t, NewRunCommand(runConfig(t)), "-frames", "-1")
	require.ErrorContains(t, err, "must not be negative")

	cfg := runConfig(t)
	cfg.SetGlobalOption("texture-format", "rgb565")
	_, _, err = execute(t, NewRunCommand(cfg))
	require.ErrorContains(t, err, "texture-format")
}
