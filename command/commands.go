// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"os"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/conductor/command/agent"
	"github.com/hashicorp/conductor/version"
	colorable "github.com/mattn/go-colorable"
)

const (
	// EnvConductorCLINoColor is an env var that toggles colored UI output.
	EnvConductorCLINoColor = `CONDUCTOR_CLI_NO_COLOR`

	// EnvConductorCLIForceColor is an env var that forces colored UI output.
	EnvConductorCLIForceColor = `CONDUCTOR_CLI_FORCE_COLOR`
)

// Commands returns the mapping of CLI commands for Conductor. The meta
// parameter lets you set meta options for all commands.
func Commands(metaPtr *Meta, agentUi cli.Ui) map[string]cli.CommandFactory {
	if metaPtr == nil {
		metaPtr = new(Meta)
	}

	meta := *metaPtr
	if meta.Ui == nil {
		meta.Ui = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      colorable.NewColorableStdout(),
			ErrorWriter: colorable.NewColorableStderr(),
		}
	}

	all := map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{
				Version:    version.GetVersion(),
				Ui:         agentUi,
				ShutdownCh: make(chan struct{}),
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Version: version.GetVersion(),
				Ui:      meta.Ui,
			}, nil
		},
	}

	return all
}
