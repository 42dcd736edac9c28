package command

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/joeycumines/framesync/internal/config"
)

// HelpCommand displays help information for commands.
type HelpCommand struct {
	*BaseCommand
	registry *Registry
}

func NewHelpCommand(registry *Registry) *HelpCommand {
	return &HelpCommand{
		BaseCommand: NewBaseCommand(
			"help",
			"Display help information for commands",
			"help [command]",
		),
		registry: registry,
	}
}

func (c *HelpCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		_, _ = fmt.Fprintln(stdout, "framesync - frame-synchronized shared GPU resources for scripted hosts")
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Usage: framesync <command> [options] [args...]")
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Available commands:")

		w := tabwriter.NewWriter(stdout, 0, 8, 2, ' ', 0)
		for _, name := range c.registry.List() {
			if cmd, err := c.registry.Get(name); err == nil {
				_, _ = fmt.Fprintf(w, "  %s\t%s\n", name, cmd.Description())
			}
		}
		_ = w.Flush()

		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Use 'framesync help <command>' for more information about a specific command (includes flags).")
		return nil
	}

	cmdName := args[0]
	cmd, err := c.registry.Get(cmdName)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", cmdName)
		return err
	}

	_, _ = fmt.Fprintf(stdout, "Command: %s\n", cmd.Name())
	_, _ = fmt.Fprintf(stdout, "Description: %s\n", cmd.Description())
	_, _ = fmt.Fprintf(stdout, "Usage: %s\n", cmd.Usage())

	fs := flag.NewFlagSet(cmd.Name(), flag.ContinueOnError)
	buf := &bytes.Buffer{}
	fs.SetOutput(buf)
	cmd.SetupFlags(fs)
	fs.PrintDefaults()
	if buf.Len() > 0 {
		_, _ = fmt.Fprintln(stdout, "")
		_, _ = fmt.Fprintln(stdout, "Flags:")
		_, _ = fmt.Fprint(stdout, buf.String())
	}
	return nil
}

// VersionCommand displays version information.
type VersionCommand struct {
	*BaseCommand
	version string
}

func NewVersionCommand(version string) *VersionCommand {
	return &VersionCommand{
		BaseCommand: NewBaseCommand(
			"version",
			"Display version information",
			"version",
		),
		version: version,
	}
}

func (c *VersionCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) > 0 {
		_, _ = fmt.Fprintf(stderr, "unexpected arguments: %v\n", args)
		return fmt.Errorf("unexpected arguments")
	}
	_, _ = fmt.Fprintf(stdout, "framesync version %s\n", c.version)
	return nil
}

// ConfigCommand shows the loaded and effective configuration.
type ConfigCommand struct {
	*BaseCommand
	config     *config.Config
	showGlobal bool
	showAll    bool
	section    string
}

func NewConfigCommand(cfg *config.Config) *ConfigCommand {
	if cfg == nil {
		cfg = config.NewConfig()
	}
	return &ConfigCommand{
		BaseCommand: NewBaseCommand(
			"config",
			"Show configuration settings",
			"config [options] [key | validate | schema]",
		),
		config: cfg,
	}
}

func (c *ConfigCommand) SetupFlags(fs *flag.FlagSet) {
	fs.BoolVar(&c.showGlobal, "global", false, "Show only global configuration")
	fs.BoolVar(&c.showAll, "all", false, "Show all configuration (global and command-specific)")
	fs.StringVar(&c.section, "section", "", "Resolve keys as seen by this command section")
}

func (c *ConfigCommand) Execute(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		switch {
		case c.showAll:
			_, _ = fmt.Fprintln(stdout, "Global configuration:")
			printOptions(stdout, "  ", c.config.Global)
			_, _ = fmt.Fprintln(stdout, "\nCommand-specific configuration:")
			for _, cmd := range sortedKeys(c.config.Commands) {
				_, _ = fmt.Fprintf(stdout, "  [%s]\n", cmd)
				printOptions(stdout, "    ", c.config.Commands[cmd])
			}
		case c.showGlobal:
			_, _ = fmt.Fprintln(stdout, "Global configuration:")
			printOptions(stdout, "  ", c.config.Global)
		default:
			_, _ = fmt.Fprintln(stdout, "Configuration:")
			_, _ = fmt.Fprintln(stdout, "  config <key>          - Show the effective value of a key")
			_, _ = fmt.Fprintln(stdout, "  config -global        - Show global configuration")
			_, _ = fmt.Fprintln(stdout, "  config -all           - Show all configuration")
			_, _ = fmt.Fprintln(stdout, "  config validate       - Validate configuration")
			_, _ = fmt.Fprintln(stdout, "  config schema         - Show configuration schema")
		}
		return nil
	}

	if len(args) > 1 {
		_, _ = fmt.Fprintln(stderr, "Invalid number of arguments")
		return fmt.Errorf("invalid arguments")
	}

	schema := config.DefaultSchema()
	switch args[0] {
	case "validate":
		return c.executeValidate(stdout, schema)
	case "schema":
		_, _ = fmt.Fprint(stdout, schema.FormatHelp())
		return nil
	}

	key := args[0]
	if !schema.IsKnown(c.section, key) {
		_, _ = fmt.Fprintf(stdout, "Configuration key '%s' not found\n", key)
		return nil
	}
	_, _ = fmt.Fprintf(stdout, "%s: %s\n", key, schema.Resolve(c.config, c.section, key))
	return nil
}

func (c *ConfigCommand) executeValidate(stdout io.Writer, schema *config.ConfigSchema) error {
	issues := config.ValidateConfig(c.config, schema)
	if len(issues) == 0 {
		_, _ = fmt.Fprintln(stdout, "Configuration is valid.")
		return nil
	}
	_, _ = fmt.Fprintf(stdout, "Configuration has %d issue(s):\n", len(issues))
	for _, issue := range issues {
		_, _ = fmt.Fprintf(stdout, "  - %s\n", issue)
	}
	return nil
}

func printOptions(w io.Writer, indent string, options map[string]string) {
	for _, key := range sortedKeys(options) {
		_, _ = fmt.Fprintf(w, "%s%s: %s\n", indent, key, options[key])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
