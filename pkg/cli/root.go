// Package cli provides the command-line interface for pproc
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bengfort/pproc/pkg/command"
	"github.com/bengfort/pproc/pkg/logger"
	"github.com/bengfort/pproc/pkg/mux"
	"github.com/bengfort/pproc/pkg/process"
)

// ExitError carries a process exit status through cobra's error return.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// CLI encapsulates the command-line interface without global state so
// tests can drive it with their own writers.
type CLI struct {
	rootCmd  *cobra.Command
	version  string
	output   io.Writer
	errorOut io.Writer

	cfgFile   string
	timeout   float64
	debug     bool
	prefix    bool
	summary   bool
	verbosity string
}

// New creates a CLI writing to stdout/stderr
func New(version string) *CLI {
	return NewWithOutput(version, os.Stdout, os.Stderr)
}

// NewWithOutput creates a CLI with custom output writers (for testing)
func NewWithOutput(version string, output, errorOut io.Writer) *CLI {
	c := &CLI{
		version:  version,
		output:   output,
		errorOut: errorOut,
	}
	c.setupCommands()
	return c
}

// Execute runs the CLI against os.Args and returns the process exit code
func Execute(version string) int {
	return New(version).Run(os.Args[1:])
}

// Run executes the CLI with the given arguments and returns the exit
// code: the aggregate child status on a completed run, 2 on usage or
// tokenization errors, 1 on runtime failures.
func (c *CLI) Run(args []string) int {
	c.rootCmd.SetArgs(args)
	if err := c.rootCmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			if exitErr.Err != nil {
				c.printError(exitErr.Error())
			}
			return exitErr.Code
		}
		c.printError(err.Error())
		return 2
	}
	return 0
}

func (c *CLI) setupCommands() {
	c.rootCmd = &cobra.Command{
		Use:   "pproc [flags] command [command ...]",
		Short: "Run multiple subprocesses in parallel, serializing stdout",
		Long: `pproc runs each command string as an independent child process, reads
their standard output as it becomes available, and serializes the
interleaved stream onto its own stdout without blocking on any one child.

Surround each command in quotes so the outer shell passes it through as a
single token; use --debug to verify the parsed argv before executing
anything.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: c.initConfig,
		RunE:              c.run,
	}

	c.rootCmd.SetOut(c.output)
	c.rootCmd.SetErr(c.errorOut)

	c.rootCmd.Version = c.version
	c.rootCmd.SetVersionTemplate("pproc v{{.Version}}\n")

	c.setupFlags()
	c.rootCmd.AddCommand(c.newVersionCmd())
}

func (c *CLI) setupFlags() {
	flags := c.rootCmd.Flags()

	flags.Float64VarP(&c.timeout, "timeout", "t", 0.1, "readiness wait timeout in seconds per poll iteration")
	flags.BoolVarP(&c.debug, "debug", "d", false, "print the parsed commands and exit without spawning")
	flags.BoolVar(&c.prefix, "prefix", false, "tag each output line with the child pid")
	flags.BoolVar(&c.summary, "summary", false, "print a per-child exit report after the run completes")
	flags.StringVarP(&c.verbosity, "verbosity", "v", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: pproc.config.yaml)")

	viper.BindPFlag("timeout", flags.Lookup("timeout"))
	viper.BindPFlag("prefix", flags.Lookup("prefix"))
	viper.BindPFlag("summary", flags.Lookup("summary"))
	viper.BindPFlag("verbosity", flags.Lookup("verbosity"))
}

func (c *CLI) initConfig(cmd *cobra.Command, args []string) error {
	if c.cfgFile != "" {
		viper.SetConfigFile(c.cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("pproc.config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PPROC")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && c.verbosity == "debug" {
		fmt.Fprintln(c.errorOut, "Using config file:", viper.ConfigFileUsed())
	}

	return nil
}

func (c *CLI) run(cmd *cobra.Command, args []string) error {
	// A single malformed command aborts the batch before anything spawns
	commands, err := command.ParseAll(args)
	if err != nil {
		return &ExitError{Code: 2, Err: err}
	}

	if c.debug {
		for _, parsed := range commands {
			fmt.Fprintln(c.output, parsed)
		}
		return nil
	}

	log := logger.CreateLogger(viper.GetString("verbosity"))
	timeout := time.Duration(viper.GetFloat64("timeout") * float64(time.Second))
	if timeout <= 0 {
		timeout = mux.BusyPollTimeout
	}

	ctx, cancel := context.WithCancel(cmd.Context())

	mgr := process.NewManager(log)
	mgr.RegisterShutdownHandler(cancel)
	mgr.Start(ctx)
	defer mgr.Stop()
	defer cancel()

	supervisor := mux.NewSupervisor(mux.Options{
		PollTimeout: timeout,
		Output:      c.output,
		Prefix:      viper.GetBool("prefix"),
		Logger:      log,
	})

	results, err := supervisor.Run(ctx, commands)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}

	if viper.GetBool("summary") {
		c.printSummary(supervisor, results)
	}

	if status := mux.Aggregate(results); status != 0 {
		return &ExitError{Code: status}
	}
	return nil
}

func (c *CLI) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of pproc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(c.output, "pproc v%s\n", c.version)
		},
	}
}

// printSummary writes the per-child exit report to stderr so the
// combined stdout stream stays clean.
func (c *CLI) printSummary(supervisor *mux.Supervisor, results []mux.Result) {
	fmt.Fprintf(c.errorOut, "run %s: %d commands\n", supervisor.RunID(), len(results))
	for _, r := range results {
		if r.SpawnErr != nil {
			fmt.Fprintf(c.errorOut, "  %s %s\n", color.RedString("[spawn failed]"), r.SpawnErr)
			continue
		}
		status := color.GreenString("exit %d", r.ExitCode)
		if r.ExitCode != 0 {
			status = color.RedString("exit %d", r.ExitCode)
		}
		fmt.Fprintf(c.errorOut, "  [%d] %s (%s in %s)\n",
			r.PID, r.Command.Raw(), status, r.Duration.Round(time.Millisecond))
	}
}

func (c *CLI) printError(message string) {
	fmt.Fprintf(c.errorOut, "%s %s\n", color.RedString("[pproc]"), message)
}
