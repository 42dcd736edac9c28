package command

import (
	"flag"
	"io"
)

// Command is a framesync subcommand.
type Command interface {
	// Name returns the command name.
	Name() string

	// Description returns a short description of the command.
	Description() string

	// Usage returns the usage string for the command.
	Usage() string

	// SetupFlags registers the command's flags. It is called once per parse,
	// before Execute.
	SetupFlags(fs *flag.FlagSet)

	// Execute runs the command with the arguments left after flag parsing.
	Execute(args []string, stdout, stderr io.Writer) error
}

// BaseCommand provides a basic implementation that other commands can embed.
type BaseCommand struct {
	name        string
	description string
	usage       string
}

// NewBaseCommand creates a new BaseCommand.
func NewBaseCommand(name, description, usage string) *BaseCommand {
	return &BaseCommand{
		name:        name,
		description: description,
		usage:       usage,
	}
}

func (c *BaseCommand) Name() string {
	return c.name
}

func (c *BaseCommand) Description() string {
	return c.description
}

func (c *BaseCommand) Usage() string {
	return c.usage
}

// SetupFlags registers no flags.
func (c *BaseCommand) SetupFlags(fs *flag.FlagSet) {}
