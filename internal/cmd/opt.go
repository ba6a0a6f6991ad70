package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/AdguardTeam/AdGuardDHCP/internal/version"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/osutil"
)

// options are the command-line options.
type options struct {
	// confFile is the path to the configuration file.
	confFile string

	// pidFile is the path to the file where to store the PID, if any.
	pidFile string

	// workDir is the optional working directory to switch to.
	workDir string

	// verbose enables debug-level logging.
	verbose bool

	// showVersion makes the program print the version and exit.
	showVersion bool
}

// Default values of the command-line options.
const (
	defaultConfFile = "AdGuardDHCP.yaml"
)

// parseOptions parses the command-line options.
func parseOptions(cmdName string, args []string) (opts *options, err error) {
	flags := flag.NewFlagSet(cmdName, flag.ContinueOnError)

	opts = &options{}
	flags.StringVar(&opts.confFile, "c", defaultConfFile, "path to the configuration file")
	flags.StringVar(&opts.pidFile, "pidfile", "", "path to the pid file")
	flags.StringVar(&opts.workDir, "w", "", "path to the working directory")
	flags.BoolVar(&opts.verbose, "v", false, "enable verbose logging")
	flags.BoolVar(&opts.showVersion, "version", false, "print the version and exit")

	err = flags.Parse(args)
	if err != nil {
		// Don't wrap the error since it's informative enough as is.
		return nil, err
	}

	if rest := flags.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected arguments: %q", rest)
	}

	return opts, nil
}

// processOptions decides whether AdGuard DHCP should exit depending on the
// results of command-line option parsing.
func processOptions(
	opts *options,
	cmdName string,
	parseErr error,
) (exitCode osutil.ExitCode, needExit bool) {
	if parseErr != nil {
		needExit = true
		exitCode = osutil.ExitCodeArgumentError

		if errors.Is(parseErr, flag.ErrHelp) {
			exitCode = osutil.ExitCodeSuccess
		} else {
			_, _ = fmt.Fprintf(os.Stderr, "%s: %s\n", cmdName, parseErr)
		}

		return exitCode, needExit
	}

	if opts.showVersion {
		_, _ = io.WriteString(os.Stdout, version.Full()+"\n")

		return osutil.ExitCodeSuccess, true
	}

	return osutil.ExitCodeSuccess, false
}
