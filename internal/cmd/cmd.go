// Package cmd is the AdGuard DHCP entry point.  It assembles the
// configuration, sets up logging and signal processing, and starts the
// services.
package cmd

import (
	"context"
	"os"

	"github.com/AdguardTeam/AdGuardDHCP/internal/dhcpd"
	"github.com/AdguardTeam/AdGuardDHCP/internal/version"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"github.com/AdguardTeam/golibs/service"
	"github.com/AdguardTeam/golibs/timeutil"
)

// Main is the entry point of AdGuard DHCP.
func Main() {
	ctx := context.Background()

	cmdName := os.Args[0]
	opts, err := parseOptions(cmdName, os.Args[1:])
	exitCode, needExit := processOptions(opts, cmdName, err)
	if needExit {
		os.Exit(exitCode)
	}

	conf, err := readConfig(opts.confFile)
	errors.Check(err)

	baseLogger := newBaseLogger(opts, conf)

	baseLogger.InfoContext(
		ctx,
		"starting adguard dhcp",
		"version", version.Version(),
		"pid", os.Getpid(),
	)

	if opts.workDir != "" {
		baseLogger.InfoContext(ctx, "changing working directory", "dir", opts.workDir)

		err = os.Chdir(opts.workDir)
		errors.Check(err)
	}

	clock := timeutil.SystemClock{}

	srv, err := dhcpd.New(ctx, conf.toDHCPConfig(
		baseLogger.With(slogutil.KeyPrefix, "dhcpv4"),
		clock,
	))
	errors.Check(err)

	err = srv.Start(ctx)
	errors.Check(err)

	svcs := []service.Interface{srv}

	if conf.HTTPAddr != "" {
		web := newWebService(baseLogger.With(slogutil.KeyPrefix, "websvc"), conf.HTTPAddr, srv)

		err = web.Start(ctx)
		errors.Check(err)

		svcs = append(svcs, web)
	}

	sigHdlr := newSignalHandler(
		baseLogger.With(slogutil.KeyPrefix, service.SignalHandlerPrefix),
		opts.pidFile,
		svcs...,
	)

	os.Exit(sigHdlr.handle(ctx))
}
