package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetKeys() {
	Keys = ProgramConfig{
		Source: SourceConfig{
			Kind:           SourceFile,
			ConnectTimeout: "5s",
		},
		AckTimeout: "2s",
		FilterMax:  30,
		StatusAPI: StatusAPIConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8081",
		},
		Maintenance: MaintenanceConfig{
			CheckpointInterval: "1m",
			StatsInterval:      "5m",
		},
	}
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	resetKeys()
	dir := t.TempDir()
	require.NoError(t, Load(filepath.Join(dir, "missing.json"), ""))
	require.Equal(t, SourceFile, Keys.Source.Kind)
	require.Equal(t, 30, Keys.FilterMax)
}

func TestLoad_ValidFileOverridesDefaults(t *testing.T) {
	resetKeys()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"source": {"kind": "socket", "address": "127.0.0.1", "port": 3490},
		"filterMax": 10
	}`), 0o644))

	require.NoError(t, Load(path, ""))
	require.Equal(t, SourceSocket, Keys.Source.Kind)
	require.Equal(t, "127.0.0.1", Keys.Source.Address)
	require.Equal(t, 10, Keys.FilterMax)
}

func TestLoad_RejectsUnknownField(t *testing.T) {
	resetKeys()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"source": {"kind": "file", "path": "x"},
		"bogusField": true
	}`), 0o644))

	require.Error(t, Load(path, ""))
}

func TestLoad_RejectsInvalidSourceKind(t *testing.T) {
	resetKeys()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"source": {"kind": "carrier-pigeon"}}`), 0o644))

	require.Error(t, Load(path, ""))
}
