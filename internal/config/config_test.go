package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"GATEWAYD_CONFIG_FILE", "GATEWAYD_LISTEN_HOST", "GATEWAYD_LISTEN_PORT",
		"GATEWAYD_ENGINE_BINARY", "GATEWAYD_MODEL_PATH", "GATEWAYD_ENGINE_PORT",
		"GATEWAYD_THREADS", "GATEWAYD_GPU_LAYERS", "GATEWAYD_CONTEXT_WINDOW",
		"GATEWAYD_REGISTRY_PATH", "GATEWAYD_LOG_LEVEL", "GATEWAYD_LOG_PATH",
		"GATEWAYD_PER_IP_PER_MINUTE", "GATEWAYD_MAX_CONCURRENT_PER_IP",
		"GATEWAYD_GLOBAL_PER_MINUTE", "GATEWAYD_CLEANUP_INTERVAL_SECONDS",
	} {
		require.NoError(t, os.Unsetenv(name))
	}
}

func TestLoadAppliesDefaultsWithNoEnvOrFile(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("GATEWAYD_CONFIG_FILE", "/nonexistent/path.json")
	defer os.Unsetenv("GATEWAYD_CONFIG_FILE")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", cfg.ListenHost)
	require.Equal(t, 8080, cfg.ListenPort)
}

func TestLoadRejectsNonLoopbackHost(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("GATEWAYD_CONFIG_FILE", "/nonexistent/path.json")
	os.Setenv("GATEWAYD_LISTEN_HOST", "0.0.0.0")
	defer clearGatewayEnv(t)

	_, err := Load()
	require.Error(t, err)
}

func TestEnvOverridesApplyOnTopOfDefaults(t *testing.T) {
	clearGatewayEnv(t)
	os.Setenv("GATEWAYD_CONFIG_FILE", "/nonexistent/path.json")
	os.Setenv("GATEWAYD_LISTEN_PORT", "9999")
	os.Setenv("GATEWAYD_THREADS", "16")
	defer clearGatewayEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 9999, cfg.ListenPort)
	require.Equal(t, 16, cfg.Threads)
}
