package commands

import (
	"github.com/urfave/cli/v2"
)

// GetCommands returns every available command
func GetCommands() []*cli.Command {
	return []*cli.Command{
		GetServerCommand(),
		GetVerifyCommand(),
		GetBenchmarkCommand(),
		GetVersionCommand(),
	}
}
