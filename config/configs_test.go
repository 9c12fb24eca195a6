package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.xml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `<config>
	<host>db</host>
	<user>gis</user>
	<password>secret</password>
	<dbname>layers</dbname>
</config>`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "5432", cfg.Port)
	assert.Equal(t, DefaultSchema, cfg.Schema)
	assert.Equal(t, DefaultLatClamp, cfg.LatClamp)
	assert.Equal(t, DefaultBatchSize, cfg.BatchSize)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "host=db user=gis password=secret dbname=layers port=5432 sslmode=disable TimeZone=UTC", cfg.DSN())
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `<config>
	<host>db</host>
	<port>6432</port>
	<schema>vl</schema>
	<latclamp>85.5</latclamp>
	<batchsize>250</batchsize>
	<loglevel> INFO </loglevel>
</config>`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "vl", cfg.Schema)
	assert.Equal(t, 85.5, cfg.LatClamp)
	assert.Equal(t, 250, cfg.BatchSize)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Contains(t, cfg.DSN(), "port=6432")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.xml"))
	assert.Error(t, err)
}
