package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/AdguardTeam/golibs/logutil/slogutil"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log file rotation parameters.
const (
	logFileMaxSizeMB  = 100
	logFileMaxBackups = 3
)

// newBaseLogger returns the base logger for the program.  Logs go to stdout
// unless the configuration names a log file, in which case they go to the
// rotated file.
func newBaseLogger(opts *options, conf *configuration) (baseLogger *slog.Logger) {
	output := io.Writer(os.Stdout)
	if conf.LogFile != "" {
		output = &lumberjack.Logger{
			Filename:   conf.LogFile,
			MaxSize:    logFileMaxSizeMB,
			MaxBackups: logFileMaxBackups,
		}
	}

	lvl := slog.LevelInfo
	if opts.verbose {
		lvl = slog.LevelDebug
	}

	return slogutil.New(&slogutil.Config{
		Output:       output,
		Format:       slogutil.FormatDefault,
		Level:        lvl,
		AddTimestamp: true,
	})
}
