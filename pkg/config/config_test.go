package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreInternallyValidOnceNamesAreSet(t *testing.T) {
	cfg := Defaults()
	cfg.NodeName = "node-1"
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cluster_name: prod
node_name: node-a
votes: 2
hello_timer: 2s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.ClusterName)
	assert.Equal(t, "node-a", cfg.NodeName)
	assert.Equal(t, uint32(2), cfg.Votes)
	assert.Equal(t, 2*time.Second, cfg.HelloTimer)
	// untouched fields keep their default values
	assert.Equal(t, 128, cfg.MaxNodes)
	assert.Equal(t, 30*time.Second, cfg.JoinTimeout)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadMalformedYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsEmptyClusterName(t *testing.T) {
	cfg := Defaults()
	cfg.ClusterName = ""
	cfg.NodeName = "node-1"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyNodeName(t *testing.T) {
	cfg := Defaults()
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveMaxNodes(t *testing.T) {
	cfg := Defaults()
	cfg.NodeName = "node-1"
	cfg.MaxNodes = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveTransitionRestarts(t *testing.T) {
	cfg := Defaults()
	cfg.NodeName = "node-1"
	cfg.TransitionRestarts = 0
	assert.Error(t, cfg.Validate())
}
