package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadMergesDefaultsAndServices(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.json", `{
		"AUTO_RELOAD": 30,
		"QUEUE_SIZE": 2000,
		"LOKI_IP": "http://loki:3100"
	}`)
	writeFile(t, dir, "nginx.json", `{
		"nginx": {
			"access": {
				"path_file": "/var/log/nginx/access.log",
				"rate_limit": 50,
				"buffer_size": 10,
				"disk_buffer": "disk"
			}
		}
	}`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 30, cfg.AutoReloadSeconds)
	assert.Equal(t, 2000, cfg.QueueSize)
	assert.True(t, cfg.QueueSizeSet)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "LOKI", cfg.Backends[0].Kind)
	assert.Equal(t, []string{"http://loki:3100"}, cfg.Backends[0].Endpoints)

	spec := cfg.Services["nginx"]["access"]
	assert.Equal(t, "/var/log/nginx/access.log", spec.Path)
	assert.Equal(t, 50.0, spec.RateLimit)
	assert.Equal(t, 10, spec.BufferSize)
	assert.Equal(t, "DISK", spec.OverflowPolicy)
}

func TestLoadIgnoresGlobalKeysOutsideDefaultFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nginx.json", `{"AUTO_RELOAD": 99, "nginx": {"access": {"path_file": "/var/log/a.log"}}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.AutoReloadSeconds)
}

func TestLoadBackendWithEndpointList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.json", `{"KAFKA_IP": ["broker1:9092", "broker2:9092"]}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, "KAFKA", cfg.Backends[0].Kind)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.Backends[0].Endpoints)
}

func TestLoadRejectsRelativePath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nginx.json", `{"nginx": {"access": {"path_file": "relative/path.log"}}}`)

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadRejectsQueueSizeZeroWhenSet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.json", `{"QUEUE_SIZE": 0}`)

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestLoadDefaultsForOptionalSourceFields(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "nginx.json", `{"nginx": {"access": {"path_file": "/var/log/a.log"}}}`)

	cfg, err := Load(dir)
	require.NoError(t, err)
	spec := cfg.Services["nginx"]["access"]
	assert.Equal(t, "\n", spec.Delimiter)
	assert.Equal(t, 1, spec.BufferSize)
	assert.Equal(t, "DROP", spec.OverflowPolicy)
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.yaml", "AUTO_RELOAD: 15\nLOKI_IP: http://loki:3100\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 15, cfg.AutoReloadSeconds)
	require.Len(t, cfg.Backends, 1)
}

func TestLoadRejectsBackendWithNoEndpoints(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "default.json", `{"LOKI_IP": []}`)

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestIsGlobDetectsMetacharacters(t *testing.T) {
	assert.True(t, SourceSpec{Path: "/var/log/*.log"}.IsGlob())
	assert.False(t, SourceSpec{Path: "/var/log/a.log"}.IsGlob())
}
