package command

import (
	"strings"
	"testing"

	"github.com/joeycumines/framesync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHelpCommand(t *testing.T) {
	registry := NewRegistry()
	registry.Register(NewVersionCommand("1.0.0"))
	registry.Register(NewRunCommand(nil))
	cmd := NewHelpCommand(registry)
	registry.Register(cmd)

	t.Run("general help", func(t *testing.T) {
		stdout, _, err := execute(t, cmd)
		require.NoError(t, err)
		for _, part := range []string{
			"framesync - ",
			"Usage: framesync <command>",
			"Available commands:",
			"  help ",
			"  run ",
			"  version ",
		} {
			assert.Contains(t, stdout, part)
		}
	})

	t.Run("command help lists flags", func(t *testing.T) {
		stdout, _, err := execute(t, cmd, "run")
		require.NoError(t, err)
		assert.Contains(t, stdout, "Command: run")
		assert.Contains(t, stdout, "Usage: run [options]")
		assert.Contains(t, stdout, "Flags:")
		assert.Contains(t, stdout, "-metrics-addr")
	})

	t.Run("unknown command", func(t *testing.T) {
		_, stderr, err := execute(t, cmd, "nope")
		require.Error(t, err)
		assert.Contains(t, stderr, "Unknown command: nope")
	})
}

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand("1.2.3")
	if cmd.Name() != "version" {
		t.Errorf("Expected name 'version', got %s", cmd.Name())
	}

	stdout, _, err := execute(t, cmd)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if stdout != "framesync version 1.2.3\n" {
		t.Errorf("unexpected output %q", stdout)
	}

	_, stderr, err := execute(t, cmd, "extra")
	if err == nil {
		t.Fatal("expected error for unexpected arguments")
	}
	if !strings.Contains(stderr, "unexpected arguments") {
		t.Errorf("unexpected stderr %q", stderr)
	}
}

func TestConfigCommand(t *testing.T) {
	t.Setenv("FRAMESYNC_WIDTH", "")
	cfg, err := config.LoadFromReader(strings.NewReader("height 720\nframe-interval 1ms\n[run]\nframe-interval 2ms\nframes 9\n"))
	require.NoError(t, err)

	t.Run("usage", func(t *testing.T) {
		stdout, _, err := execute(t, NewConfigCommand(cfg))
		require.NoError(t, err)
		assert.Contains(t, stdout, "config validate")
	})

	t.Run("all", func(t *testing.T) {
		stdout, _, err := execute(t, NewConfigCommand(cfg), "-all")
		require.NoError(t, err)
		assert.Equal(t, `Global configuration:
  frame-interval: 1ms
  height: 720

Command-specific configuration:
  [run]
    frame-interval: 2ms
    frames: 9
`, stdout)
	})

	t.Run("global", func(t *testing.T) {
		stdout, _, err := execute(t, NewConfigCommand(cfg), "-global")
		require.NoError(t, err)
		assert.NotContains(t, stdout, "[run]")
	})

	t.Run("resolve", func(t *testing.T) {
		stdout, _, err := execute(t, NewConfigCommand(cfg), "frame-interval")
		require.NoError(t, err)
		assert.Equal(t, "frame-interval: 1ms\n", stdout)

		stdout, _, err = execute(t, NewConfigCommand(cfg), "-section", "run", "frame-interval")
		require.NoError(t, err)
		assert.Equal(t, "frame-interval: 2ms\n", stdout)

		stdout, _, err = execute(t, NewConfigCommand(cfg), "texture-format")
		require.NoError(t, err)
		assert.Equal(t, "texture-format: rgba8unorm\n", stdout, "schema default")

		stdout, _, err = execute(t, NewConfigCommand(cfg), "width")
		require.NoError(t, err)
		assert.Equal(t, "width: \n", stdout, "an empty env var still overrides")

		stdout, _, err = execute(t, NewConfigCommand(cfg), "frames")
		require.NoError(t, err)
		assert.Contains(t, stdout, "not found", "frames is only known to [run]")
	})

	t.Run("validate", func(t *testing.T) {
		stdout, _, err := execute(t, NewConfigCommand(cfg), "validate")
		require.NoError(t, err)
		assert.Equal(t, "Configuration is valid.\n", stdout)

		bad := config.NewConfig()
		bad.SetGlobalOption("gpu-latency", "soon")
		stdout, _, err = execute(t, NewConfigCommand(bad), "validate")
		require.NoError(t, err)
		assert.Contains(t, stdout, "Configuration has 1 issue(s):")
		assert.Contains(t, stdout, `global option "gpu-latency": expected duration, got "soon"`)
	})

	t.Run("schema", func(t *testing.T) {
		stdout, _, err := execute(t, NewConfigCommand(nil), "schema")
		require.NoError(t, err)
		assert.Contains(t, stdout, "[run] Options:")
	})

	t.Run("too many arguments", func(t *testing.T) {
		_, _, err := execute(t, NewConfigCommand(cfg), "a", "b")
		require.Error(t, err)
	})
}
