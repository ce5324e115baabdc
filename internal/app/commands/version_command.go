package commands

import (
	"fmt"
	"runtime"

	"github.com/urfave/cli/v2"
)

// GetVersionCommand returns the command that prints build metadata
func GetVersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			w := c.App.Writer
			fmt.Fprintf(w, "Vision Sensor\n")
			fmt.Fprintf(w, "Version:    %s\n", Version)
			fmt.Fprintf(w, "Commit:     %s\n", Commit)
			fmt.Fprintf(w, "Build Date: %s\n", BuildDate)
			fmt.Fprintf(w, "Go:         %s\n", runtime.Version())
			return nil
		},
	}
}
