package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValue(t *testing.T) {
	assert.Equal(t, true, parseValue("true"))
	assert.Equal(t, float64(60000), parseValue("60000"))
	assert.Equal(t, "quoted", parseValue(`"quoted"`))
	assert.Nil(t, parseValue("null"))
	assert.Equal(t, "plain text", parseValue("plain text"))
}

func TestProtectionLabel(t *testing.T) {
	assert.Equal(t, "ON", protectionLabel(true, true))
	assert.Equal(t, "ON (monitor stopped)", protectionLabel(true, false))
	assert.Equal(t, "OFF (monitor still running)", protectionLabel(false, true))
	assert.Equal(t, "OFF", protectionLabel(false, false))
}

func TestCommandTree(t *testing.T) {
	paths := [][]string{
		{"run"}, {"start"}, {"status"}, {"version"},
		{"config", "show"},
		{"service", "install"}, {"service", "uninstall"}, {"service", "status"},
		{"pref", "get"}, {"pref", "set"}, {"delay"},
		{"timer", "start"}, {"timer", "cancel"}, {"timer", "status"},
		{"prime-delete"},
		{"protection", "on"}, {"protection", "off"}, {"protection", "status"},
		{"block", "list"}, {"block", "add-site"}, {"block", "remove-site"},
		{"dns", "status"}, {"dns", "on"},
		{"safe-search", "status"}, {"safe-search", "on"},
		{"apps", "list"}, {"apps", "close"},
		{"events"},
	}
	for _, p := range paths {
		cmd, rest, err := rootCmd.Find(p)
		require.NoError(t, err, p)
		assert.Empty(t, rest, p)
		assert.Equal(t, p[len(p)-1], cmd.Name(), p)
	}

	run, _, err := rootCmd.Find([]string{"run"})
	require.NoError(t, err)
	flag := run.Flags().Lookup("as-service")
	require.NotNil(t, flag)
	assert.True(t, flag.Hidden)
}
