package main

import (
	"bytes"
	"regexp"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"habit-marathon/internal/config"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("SERVER_TIMEZONE", "UTC")

	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"marathon", "--config", t.TempDir(), "--store", "memory", "--log-level", "error"}, args...))
	return out.String(), err
}

func TestCommands(t *testing.T) {
	var names []string
	for _, c := range newApp().Commands {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"serve", "migrate", "codes"}, names)
}

func TestCodesCommand(t *testing.T) {
	out, err := runApp(t, "codes", "--count", "3", "--target", "42")
	require.NoError(t, err)

	lines := strings.Fields(out)
	require.Len(t, lines, 3)
	for _, l := range lines {
		assert.Regexp(t, regexp.MustCompile(`^[A-Z0-9]{8}$`), l)
	}
}

func TestCodesCommand_InvalidCount(t *testing.T) {
	_, err := runApp(t, "codes", "--count", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count must be between")
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	_, err := runApp(t, "migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}

func TestSetupLogger(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	require.NoError(t, setupLogger(config.LogConfig{Level: "WARN"}))
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())

	assert.Error(t, setupLogger(config.LogConfig{Level: "loud"}))
}
