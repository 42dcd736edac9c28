package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joeycumines/framesync/internal/command"
	"github.com/joeycumines/framesync/internal/config"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if s, err := config.DefaultSchema().Settings(cfg, ""); err == nil {
		level = s.LogLevel
	}
	slog.SetDefault(command.NewLogger(os.Stderr, level))

	registry := command.NewRegistry()
	helpCmd := command.NewHelpCommand(registry)
	registry.Register(helpCmd)
	registry.Register(command.NewVersionCommand(version))
	registry.Register(command.NewConfigCommand(cfg))
	registry.Register(command.NewRunCommand(cfg))

	if len(os.Args) < 2 {
		return helpCmd.Execute(nil, os.Stdout, os.Stderr)
	}

	cmdName := os.Args[1]
	if cmdName == "-h" || cmdName == "--help" {
		return helpCmd.Execute(nil, os.Stdout, os.Stderr)
	}

	cmd, err := registry.Get(cmdName)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmdName)
		_, _ = fmt.Fprintln(os.Stderr, "Use 'framesync help' to see available commands.")
		return err
	}

	fs := flag.NewFlagSet(cmd.Name(), flag.ExitOnError)
	fs.Usage = func() {
		_, _ = fmt.Fprintf(os.Stderr, "Usage: %s\n", cmd.Usage())
		_, _ = fmt.Fprintf(os.Stderr, "\n%s\n\n", cmd.Description())
		_, _ = fmt.Fprintln(os.Stderr, "Options:")
		fs.PrintDefaults()
	}
	cmd.SetupFlags(fs)
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	return cmd.Execute(fs.Args(), os.Stdout, os.Stderr)
}
