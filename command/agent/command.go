// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/cli"
	log "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/posener/complete"

	flaghelper "github.com/hashicorp/conductor/helper/flags"
	"github.com/hashicorp/conductor/version"
)

// gracefulTimeout controls how long we wait before forcefully terminating.
// In-flight deploy requests get a chance to finish their current delivery.
const gracefulTimeout = 60 * time.Second

// Command is a Command implementation that runs a Conductor agent.
// The command will not end unless a shutdown message is sent on the
// ShutdownCh. If two messages are sent on the ShutdownCh it will forcibly
// exit.
type Command struct {
	Version    *version.VersionInfo
	Ui         cli.Ui
	ShutdownCh <-chan struct{}

	args  []string
	agent *Agent
}

func (c *Command) readConfig() *Config {
	var dev bool
	var configPath []string

	// Make a new, empty config.
	cmdConfig := &Config{
		KV:       &KVConfig{},
		Deployer: &DeployerConfig{},
	}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	// Role options
	flags.BoolVar(&dev, "dev", false, "")

	// General options
	flags.Var((*flaghelper.StringFlag)(&configPath), "config", "config")
	flags.StringVar(&cmdConfig.Environment, "environment", "", "")
	flags.StringVar(&cmdConfig.DataDir, "data-dir", "", "")
	flags.StringVar(&cmdConfig.StatePath, "state-path", "", "")
	flags.StringVar(&cmdConfig.AppsDir, "apps-dir", "", "")
	flags.IntVar(&cmdConfig.Workers, "workers", 0, "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")
	flags.BoolVar(&cmdConfig.LogJson, "log-json", false, "")

	// KV options
	flags.StringVar(&cmdConfig.KV.Backend, "kv-backend", "", "")
	flags.StringVar(&cmdConfig.KV.Address, "kv-address", "", "")
	flags.StringVar(&cmdConfig.KV.Token, "kv-token", "", "")
	flags.StringVar(&cmdConfig.KV.Base, "kv-base", "", "")

	if err := flags.Parse(c.args); err != nil {
		return nil
	}

	// Load the configuration
	var config *Config
	if dev {
		config = DevConfig()
	} else {
		config = DefaultConfig()
	}
	for _, path := range configPath {
		current, err := LoadConfig(path)
		if err != nil {
			c.Ui.Error(fmt.Sprintf(
				"Error loading configuration from %s: %s", path, err))
			return nil
		}

		if config == nil {
			config = current
		} else {
			config = config.Merge(current)
		}
	}

	// Merge any CLI options over config file options
	config = config.Merge(cmdConfig)

	// Set the version info
	config.Version = c.Version

	if dev {
		// A config file cannot demote an agent started with -dev.
		config.DevMode = true
	}

	if !config.DevMode && config.DataDir == "" && config.StatePath == "" {
		c.Ui.Error("Must specify one of data_dir or state_path")
		return nil
	}
	if !config.DevMode && config.AppsDir == "" {
		c.Ui.Error("Must specify apps_dir outside of dev mode")
		return nil
	}
	if config.Workers < 0 {
		c.Ui.Error(fmt.Sprintf("Invalid worker count: %d", config.Workers))
		return nil
	}

	return config
}

// setupLoggers is used to set up the logger for the agent and everything
// underneath it.
func (c *Command) setupLoggers(config *Config) (log.InterceptLogger, io.Writer, error) {
	level := log.LevelFromString(config.LogLevel)
	if level == log.NoLevel {
		return nil, nil, fmt.Errorf("unknown log level: %s", config.LogLevel)
	}

	logOutput := io.Writer(os.Stderr)
	logger := log.NewInterceptLogger(&log.LoggerOptions{
		Name:       "agent",
		Level:      level,
		Output:     logOutput,
		JSONFormat: config.LogJson,
	})
	return logger, logOutput, nil
}

// setupTelemetry is used to set up the telemetry sub-systems.
func (c *Command) setupTelemetry(config *Config) (*metrics.InmemSink, error) {
	/* Setup telemetry
	Aggregate on 10 second intervals for 1 minute. Expose the
	metrics over stderr when there is a SIGUSR1 received.
	*/
	inm := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(inm)

	var telConfig *Telemetry
	if config.Telemetry == nil {
		telConfig = &Telemetry{}
	} else {
		telConfig = config.Telemetry
	}

	metricsConf := metrics.DefaultConfig("conductor")
	metricsConf.EnableHostname = !telConfig.DisableHostname
	if telConfig.collectionInterval != 0 {
		metricsConf.ProfileInterval = telConfig.collectionInterval
	}

	// Configure the statsite sink
	var fanout metrics.FanoutSink
	if telConfig.StatsiteAddr != "" {
		sink, err := metrics.NewStatsiteSink(telConfig.StatsiteAddr)
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, sink)
	}

	// Configure the statsd sink
	if telConfig.StatsdAddr != "" {
		sink, err := metrics.NewStatsdSink(telConfig.StatsdAddr)
		if err != nil {
			return inm, err
		}
		fanout = append(fanout, sink)
	}

	// Initialize the global sink
	if len(fanout) > 0 {
		fanout = append(fanout, inm)
		if _, err := metrics.NewGlobal(metricsConf, fanout); err != nil {
			return inm, err
		}
	} else {
		metricsConf.EnableHostname = false
		if _, err := metrics.NewGlobal(metricsConf, inm); err != nil {
			return inm, err
		}
	}
	return inm, nil
}

func (c *Command) Run(args []string) int {
	c.Ui = &cli.PrefixedUi{
		OutputPrefix: "==> ",
		InfoPrefix:   "    ",
		ErrorPrefix:  "==> ",
		Ui:           c.Ui,
	}

	// Parse our configs
	c.args = args
	config := c.readConfig()
	if config == nil {
		return 1
	}

	// Set up the log outputs
	logger, logOutput, err := c.setupLoggers(config)
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	// Log config files
	if len(config.Files) > 0 {
		c.Ui.Output(fmt.Sprintf("Loaded configuration from %s",
			strings.Join(config.Files, ", ")))
	} else {
		c.Ui.Output("No configuration files loaded")
	}

	// Initialize the telemetry
	inmem, err := c.setupTelemetry(config)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error initializing telemetry: %s", err))
		return 1
	}

	// Create the agent
	agent, err := NewAgent(config, logger, logOutput, inmem)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting agent: %s", err))
		return 1
	}
	c.agent = agent
	defer c.agent.Shutdown()

	// Agent configuration output
	info := map[string]string{
		"version":     config.Version.VersionNumber(),
		"environment": config.Environment,
		"workers":     strconv.Itoa(agentWorkerCount(config)),
		"kv backend":  kvBackendName(config),
		"apps dir":    config.AppsDir,
		"log level":   config.LogLevel,
		"dev mode":    strconv.FormatBool(config.DevMode),
	}

	// Sort the keys for output
	infoKeys := make([]string, 0, len(info))
	for key := range info {
		infoKeys = append(infoKeys, key)
	}
	sort.Strings(infoKeys)

	// Agent configuration output
	padding := 18
	c.Ui.Output("Conductor agent configuration:\n")
	for _, k := range infoKeys {
		c.Ui.Info(fmt.Sprintf(
			"%s%s: %s",
			strings.Repeat(" ", padding-len(k)),
			strings.Title(k),
			info[k]))
	}
	c.Ui.Output("")

	// Output the header that the agent has started
	c.Ui.Output("Conductor agent started! Log data will stream in below:\n")

	// Wait for exit
	return c.handleSignals()
}

func agentWorkerCount(config *Config) int {
	if config.Workers != 0 {
		return config.Workers
	}
	return runtime.NumCPU()
}

func kvBackendName(config *Config) string {
	if config.KV != nil && config.KV.Backend != "" {
		return config.KV.Backend
	}
	return "consul"
}

// handleSignals blocks until we get an exit-causing signal
func (c *Command) handleSignals() int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGPIPE)

	// Wait for a signal
WAIT:
	var sig os.Signal
	select {
	case s := <-signalCh:
		sig = s
	case <-c.ShutdownCh:
		sig = os.Interrupt
	}

	// Skip any SIGPIPE signal and don't try to log it
	if sig == syscall.SIGPIPE {
		goto WAIT
	}

	c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))

	// Check if this is a SIGHUP
	if sig == syscall.SIGHUP {
		c.handleReload()
		goto WAIT
	}

	// Check if we should do a graceful leave
	graceful := false
	if sig == os.Interrupt || sig == syscall.SIGTERM {
		graceful = true
	}

	// Bail fast if not doing a graceful leave
	if !graceful {
		return 1
	}

	// Attempt a graceful leave
	gracefulCh := make(chan struct{})
	c.Ui.Output("Gracefully shutting down agent...")
	go func() {
		if err := c.agent.Shutdown(); err != nil {
			c.Ui.Error(fmt.Sprintf("Error: %s", err))
			return
		}
		close(gracefulCh)
	}()

	// Wait for leave or another signal
	select {
	case <-signalCh:
		return 1
	case <-time.After(gracefulTimeout):
		return 1
	case <-gracefulCh:
		return 0
	}
}

// handleReload is invoked when we should reload our configs, e.g. SIGHUP
func (c *Command) handleReload() {
	c.Ui.Output("Reloading configuration...")
	newConf := c.readConfig()
	if newConf == nil {
		c.Ui.Error("Failed to reload configs")
		return
	}

	if err := c.agent.Reload(newConf); err != nil {
		c.agent.logger.Error("failed to reload the config", "error", err)
	}
}

// AutocompleteFlags returns a set of flag completions for the given flag set.
func (c *Command) AutocompleteFlags() complete.Flags {
	configFilePredictor := complete.PredictOr(
		complete.PredictFiles("*.json"),
		complete.PredictFiles("*.hcl"))

	return map[string]complete.Predictor{
		"-dev":         complete.PredictNothing,
		"-config":      configFilePredictor,
		"-environment": complete.PredictAnything,
		"-data-dir":    complete.PredictDirs("*"),
		"-state-path":  complete.PredictFiles("*"),
		"-apps-dir":    complete.PredictDirs("*"),
		"-workers":     complete.PredictAnything,
		"-log-level":   complete.PredictAnything,
		"-log-json":    complete.PredictNothing,
		"-kv-backend":  complete.PredictSet("consul", "inmem"),
		"-kv-address":  complete.PredictAnything,
		"-kv-token":    complete.PredictAnything,
		"-kv-base":     complete.PredictAnything,
	}
}

// AutocompleteArgs returns the argument predictor for this command.
func (c *Command) AutocompleteArgs() complete.Predictor {
	return complete.PredictNothing
}

func (c *Command) Synopsis() string {
	return "Runs a Conductor agent"
}

func (c *Command) Help() string {
	helpText := `
Usage: conductor agent [options]

  Starts the Conductor agent and runs until an interrupt is received.
  The agent correlates webhook signals into deployment jobs and drives
  the configured deployers.

  The Conductor agent's configuration primarily comes from the config
  files used, but a subset of the options may also be passed directly
  as CLI arguments, listed below.

General Options:

  -config=<path>
    The path to either a single config file or a directory of config
    files to use for configuring the Conductor agent. This option may be
    specified multiple times. If multiple config files are used, the
    values from each will be merged together. During merging, values
    from files found later in the list are merged over values from
    previously parsed files.

  -data-dir=<path>
    The data directory used to store state and other persistent data.
    The state file defaults to <data-dir>/conductor.db.

  -state-path=<path>
    The path of the bolt file holding jobs, events and the task queue.
    Overrides the location derived from -data-dir.

  -apps-dir=<path>
    The directory of per-application configuration files, laid out as
    <apps-dir>/<owner>/<repo>/<ref>.json. Required outside of dev mode.

  -environment=<name>
    The name of the environment this agent orchestrates deployments
    for. Defaults to "local".

  -workers=<number>
    The number of pipeline workers to run. Defaults to the number of
    CPUs.

  -log-level=<level>
    Specify the verbosity level of Conductor's logs. Valid values
    include DEBUG, INFO, and WARN, in decreasing order of verbosity.
    The default is INFO.

  -log-json
    Output logs in a JSON format. The default is false.

  -dev
    Start the agent in development mode. This runs against an in-memory
    KV store and a throwaway state file, with verbose logging. Never
    run -dev in production.

KV Options:

  -kv-backend=<backend>
    The key/value store implementation carrying application locks and
    freeze flags, either "consul" or "inmem". Defaults to "consul".

  -kv-address=<addr>
    The address of the Consul agent, in the form host:port. When unset,
    the standard Consul client environment applies.

  -kv-token=<token>
    The Consul ACL token used for KV operations.

  -kv-base=<prefix>
    The prefix put in front of every lock and freeze key. Defaults to
    "conductor".
`
	return strings.TrimSpace(helpText)
}
