package command

import (
	"bytes"
	"flag"
	"testing"

	"github.com/stretchr/testify/require"
)

// execute parses args with the command's flags and runs it, the way
// cmd/framesync does.
func execute(t *testing.T, cmd Command, args ...string) (string, string, error) {
	t.Helper()
	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	cmd.SetupFlags(fs)
	require.NoError(t, fs.Parse(args))
	var stdout, stderr bytes.Buffer
	err := cmd.Execute(fs.Args(), &stdout, &stderr)
	return stdout.String(), stderr.String(), err
}
