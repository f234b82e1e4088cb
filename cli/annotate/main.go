// Package main is the annotate command itself.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"go.viam.com/annotator/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
		os.Exit(1)
	}
}
