// Package cli provides the certpath command-line interface.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/georgepadayatti/certpath/config"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Exit codes.
const (
	ExitOK      = 0
	ExitInvalid = 1
	ExitUsage   = 2
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// exitError carries the process exit code for an error.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

func usageError(format string, args ...any) error {
	return &exitError{code: ExitUsage, err: fmt.Errorf(format, args...)}
}

// exitCode maps an error returned by a command to a process exit code.
// Errors not tagged by a command are flag or argument errors.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return ExitUsage
}

// globalOptions are the persistent flags of the root command.
type globalOptions struct {
	configFile string
	logLevel   string
	logFormat  string
	logOutput  string

	// cfg is loaded in PersistentPreRunE.
	cfg       *config.Config
	logCloser io.Closer
}

// NewRootCommand builds the certpath command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&globalOptions{})
}

func newRootCommand(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "certpath",
		Short: "X.509 certification path validation",
		Long: `certpath validates X.509 certification paths following RFC 5280 section 6.1.

Examples:
  # Validate a chain against a root
  certpath validate chain.pem --anchor root.pem

  # Check revocation against a CRL database
  certpath crl import --db crls.db root.crl inter.crl
  certpath validate chain.pem --anchor root.pem --revocation --crl-db crls.db`,
		Version:       fmt.Sprintf("%s (built: %s)", Version, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "YAML configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVar(&opts.logOutput, "log-output", "", "Log output (stdout, stderr or a file path)")

	root.AddCommand(newValidateCommand(opts), newCRLCommand(opts))
	return root
}

// load reads the configuration file, applies the logging flags and
// configures the logger.
func (o *globalOptions) load(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.configFile != "" {
		loaded, err := config.LoadConfig(o.configFile)
		if err != nil {
			return &exitError{code: ExitUsage, err: err}
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Logging.Level = o.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format = o.logFormat
	}
	if flags.Changed("log-output") {
		cfg.Logging.Output = o.logOutput
	}
	if err := cfg.Logging.Validate(); err != nil {
		return &exitError{code: ExitUsage, err: err}
	}

	closer, err := configureLogging(cfg.Logging, cmd.ErrOrStderr(), cmd.OutOrStdout())
	if err != nil {
		return &exitError{code: ExitUsage, err: err}
	}
	o.cfg = cfg
	o.logCloser = closer
	return nil
}

// configureLogging applies c to the standard logger behind log.L. The
// returned closer is non-nil when output goes to a file.
func configureLogging(c *config.LoggingConfig, stderr, stdout io.Writer) (io.Closer, error) {
	if err := log.SetLevel(c.Level); err != nil {
		return nil, &config.ConfigError{Field: "level", Message: err.Error(), Err: err}
	}
	if err := log.SetFormat(log.OutputFormat(c.Format)); err != nil {
		return nil, &config.ConfigError{Field: "format", Message: err.Error(), Err: err}
	}

	switch c.Output {
	case "", "stderr":
		logrus.SetOutput(stderr)
	case "stdout":
		logrus.SetOutput(stdout)
	default:
		f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log output: %w", err)
		}
		logrus.SetOutput(f)
		return f, nil
	}
	return nil, nil
}

// Run executes the CLI with the given arguments, without the program
// name, and returns the exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	opts := &globalOptions{}
	root := newRootCommand(opts)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if opts.logCloser != nil {
		logrus.SetOutput(stderr)
		opts.logCloser.Close()
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// Main runs the CLI on the process arguments and exits.
func Main() {
	osExit(Run(os.Args[1:], os.Stdout, os.Stderr))
}
