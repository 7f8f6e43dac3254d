package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDevices(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestRegistryMissingFileIsEmpty(t *testing.T) {
	r, err := NewRegistry(filepath.Join(t.TempDir(), "devices.yaml"))
	require.NoError(t, err)
	defer r.Close()

	assert.Empty(t, r.Devices())
	_, ok := r.DeviceForRack("r1")
	assert.False(t, ok)
}

func TestRegistryRackResolution(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	writeDevices(t, path, `
devices:
  - id: crah-01
    rack: r1
    site: site-a
    proto: modbus
    host: 10.0.0.5
    port: 502
    map: crah_default
`)
	r, err := NewRegistry(path)
	require.NoError(t, err)
	defer r.Close()

	id, ok := r.DeviceForRack("r1")
	require.True(t, ok)
	assert.Equal(t, "crah-01", id)
}

func TestRegistryAppendDedup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	r, err := NewRegistry(path)
	require.NoError(t, err)
	defer r.Close()

	outcome, err := r.Append(Device{ID: "crah-01", Rack: "r1", Proto: "modbus", Host: "10.0.0.5", Port: 502})
	require.NoError(t, err)
	assert.Equal(t, "appended", outcome)

	// Same id updates in place.
	outcome, err = r.Append(Device{ID: "crah-01", Rack: "r2", Proto: "modbus", Host: "10.0.0.5", Port: 502})
	require.NoError(t, err)
	assert.Equal(t, "updated", outcome)
	require.Len(t, r.Devices(), 1)

	// Same (host, proto, port) with a new id also updates.
	outcome, err = r.Append(Device{ID: "crah-99", Proto: "modbus", Host: "10.0.0.5", Port: 502})
	require.NoError(t, err)
	assert.Equal(t, "updated", outcome)
	require.Len(t, r.Devices(), 1)
	assert.Equal(t, "crah-99", r.Devices()[0].ID)

	// A different endpoint appends.
	outcome, err = r.Append(Device{ID: "crah-02", Rack: "r2", Proto: "snmp", Host: "10.0.0.6", Port: 161})
	require.NoError(t, err)
	assert.Equal(t, "appended", outcome)
	assert.Len(t, r.Devices(), 2)

	// The rewrite survives a fresh load.
	r2, err := NewRegistry(path)
	require.NoError(t, err)
	defer r2.Close()
	assert.Len(t, r2.Devices(), 2)
}

func TestRegistryRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	r, err := NewRegistry(path)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Append(Device{ID: "crah-01", Rack: "r1"})
	require.NoError(t, err)

	removed, err := r.Remove("crah-01")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Empty(t, r.Devices())

	removed, err = r.Remove("crah-01")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestRegistryReloadPicksUpExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devices.yaml")
	writeDevices(t, path, "devices: []\n")

	r, err := NewRegistry(path)
	require.NoError(t, err)
	defer r.Close()
	assert.Empty(t, r.Devices())

	writeDevices(t, path, `
devices:
  - id: crah-01
    rack: r1
`)
	require.NoError(t, r.Reload())
	id, ok := r.DeviceForRack("r1")
	require.True(t, ok)
	assert.Equal(t, "crah-01", id)
}
