package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandoo/activebee"
)

func writeConfig(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "hive.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigLayers(t *testing.T) {
	base := activebee.HiveConfig{
		Addr:         "localhost:7767",
		Location:     "flag",
		ConnTimeout:  time.Second,
		SnapshotArgs: true,
	}
	path := writeConfig(t, `
location = "file"
conn_timeout = "3s"
instrument = true

[locations]
h2 = "10.0.0.2:7767"
`)

	cfg, err := loadConfig(base, path, map[string]string{
		"ACTIVEBEE_LOCATION":      "env",
		"ACTIVEBEE_REPLY_RETRIES": "7",
		"UNRELATED":               "x",
	})
	require.NoError(t, err)

	assert.Equal(t, "localhost:7767", cfg.Addr, "flag value is kept")
	assert.Equal(t, "env", cfg.Location, "env overrides the file")
	assert.Equal(t, 3*time.Second, cfg.ConnTimeout, "file overrides flags")
	assert.Equal(t, 7, cfg.ReplyRetries)
	assert.True(t, cfg.Instrument)
	assert.True(t, cfg.SnapshotArgs)
	assert.Equal(t, map[string]string{"h2": "10.0.0.2:7767"}, cfg.Locations)
}

func TestLoadConfigWithoutFile(t *testing.T) {
	base := activebee.HiveConfig{Addr: "localhost:7767"}
	cfg, err := loadConfig(base, "", map[string]string{
		"ACTIVEBEE_ADDR": "0.0.0.0:9000",
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Addr)
}

func TestLoadConfigErrors(t *testing.T) {
	base := activebee.HiveConfig{}

	_, err := loadConfig(base, filepath.Join(t.TempDir(), "missing.toml"), nil)
	assert.Error(t, err)

	_, err = loadConfig(base, writeConfig(t, "conn_timeout = [1, 2]"), nil)
	assert.Error(t, err)

	_, err = loadConfig(base, "", map[string]string{
		"ACTIVEBEE_REPLY_RETRIES": "many",
	})
	assert.Error(t, err)
}

func TestParseArgs(t *testing.T) {
	args := parseArgs([]string{"1", "-2", "x", "3.5", "true"})
	assert.Equal(t, []interface{}{1, -2, "x", "3.5", "true"}, args)
}
