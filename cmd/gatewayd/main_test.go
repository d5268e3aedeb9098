package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kcchien/iiot-gateway/internal/config"
)

func TestOsEnvironMap_SplitsKeyValue(t *testing.T) {
	t.Setenv("GATEWAYD_TEST_VAR", "hello")
	vars := osEnvironMap()
	require.Equal(t, "hello", vars["GATEWAYD_TEST_VAR"])
}

func TestOsEnvironMap_IgnoresMalformedEntries(t *testing.T) {
	vars := osEnvironMap()
	for k := range vars {
		require.NotContains(t, k, "=")
	}
}

func TestLoadWorkspace_MissingFileIsNotFatal(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "does-not-exist.yaml")

	// loadWorkspace must tolerate a missing workspace file: a fresh
	// gatewayd install has none yet. It returns before touching any of
	// the components, so nil components are fine here.
	loadWorkspace(config.Config{Workspace: missing}, nil, nil, nil, nil, zerolog.Nop())

	// It reads the path the same way loadWorkspace does before deciding
	// whether to warn.
	_, err := os.ReadFile(missing)
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}
