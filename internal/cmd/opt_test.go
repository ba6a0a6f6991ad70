package cmd

import (
	"testing"

	"github.com/AdguardTeam/golibs/osutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		opts, err := parseOptions("adguarddhcp", nil)
		require.NoError(t, err)

		assert.Equal(t, defaultConfFile, opts.confFile)
		assert.False(t, opts.verbose)
		assert.False(t, opts.showVersion)
	})

	t.Run("all_set", func(t *testing.T) {
		opts, err := parseOptions("adguarddhcp", []string{
			"-c", "conf.yaml",
			"-pidfile", "run.pid",
			"-w", "/tmp",
			"-v",
		})
		require.NoError(t, err)

		assert.Equal(t, "conf.yaml", opts.confFile)
		assert.Equal(t, "run.pid", opts.pidFile)
		assert.Equal(t, "/tmp", opts.workDir)
		assert.True(t, opts.verbose)
	})

	t.Run("unexpected_args", func(t *testing.T) {
		_, err := parseOptions("adguarddhcp", []string{"extra"})
		assert.Error(t, err)
	})

	t.Run("version", func(t *testing.T) {
		opts, err := parseOptions("adguarddhcp", []string{"-version"})
		require.NoError(t, err)

		code, needExit := processOptions(opts, "adguarddhcp", nil)
		assert.True(t, needExit)
		assert.Equal(t, osutil.ExitCodeSuccess, code)
	})
}
