package commands

import (
	"github.com/urfave/cli/v3"

	"github.com/doctrine-review/inkwell/internal/config"
)

// version is stamped into heartbeat files and the MCP handshake.
const version = "0.1.0"

// NewRootCommand returns the top-level CLI command.
func NewRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "inkwell",
		Usage: "AI document review service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewServeCommand(),
			NewStatusCommand(),
			NewSubmitCommand(),
			NewTasksCommand(),
			NewLogsCommand(),
			NewAdminCommand(),
			NewSecretsCommand(),
			NewMCPCommand(),
		},
	}
}
