package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConstraints(t *testing.T) {
	out, err := parseConstraints([]string{"category=finance", "platform=alpaca", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"category": "finance",
		"platform": "alpaca",
		"note":     "a=b",
	}, out)
}

func TestParseConstraintsRejectsBareKey(t *testing.T) {
	_, err := parseConstraints([]string{"category"})
	assert.Error(t, err)

	_, err = parseConstraints([]string{"=value"})
	assert.Error(t, err)
}

func TestParseConstraintsEmpty(t *testing.T) {
	out, err := parseConstraints(nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "build", "modules", "config"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}
