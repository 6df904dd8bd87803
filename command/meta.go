// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"

	"github.com/hashicorp/cli"
	colorable "github.com/mattn/go-colorable"
	"golang.org/x/crypto/ssh/terminal"
)

// Meta contains the meta-options and functionality that nearly every
// Conductor command inherits.
type Meta struct {
	Ui cli.Ui
}

// SetupUi builds the Ui for the invocation, wiring color through to the
// terminal when it supports it.
func (m *Meta) SetupUi(args []string) {
	noColor := os.Getenv(EnvConductorCLINoColor) != ""
	forceColor := os.Getenv(EnvConductorCLIForceColor) != ""

	for _, arg := range args {
		// Check if color is set
		if arg == "-no-color" || arg == "--no-color" {
			noColor = true
		} else if arg == "-force-color" || arg == "--force-color" {
			forceColor = true
		}
	}

	m.Ui = &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      colorable.NewColorableStdout(),
		ErrorWriter: colorable.NewColorableStderr(),
	}

	// Only use colored UI if not disabled and stdout is a tty or colors are
	// forced.
	isTerminal := terminal.IsTerminal(int(os.Stdout.Fd()))
	useColor := !noColor && (isTerminal || forceColor)
	if useColor {
		m.Ui = &cli.ColoredUi{
			ErrorColor: cli.UiColorRed,
			WarnColor:  cli.UiColorYellow,
			InfoColor:  cli.UiColorGreen,
			Ui:         m.Ui,
		}
	}
}
