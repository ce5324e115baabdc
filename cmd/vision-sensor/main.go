package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"vision-sensor/internal/app/commands"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	commands.Version = Version
	commands.Commit = Commit
	commands.BuildDate = BuildDate

	app := &cli.App{
		Name:                 "vision-sensor",
		Usage:                "Stream captured display frames and steer the capture region",
		Version:              Version,
		Flags:                commands.GlobalFlags(),
		Commands:             commands.GetCommands(),
		DefaultCommand:       "server",
		EnableBashCompletion: true,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
