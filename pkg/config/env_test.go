package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvVars_DefaultFallback(t *testing.T) {
	os.Unsetenv("MAICE_TEST_VAR")
	assert.Equal(t, "fallback", expandEnvVars("${MAICE_TEST_VAR:-fallback}"))
}

func TestExpandEnvVars_BracedAndSimpleForms(t *testing.T) {
	t.Setenv("MAICE_TEST_VAR", "set")
	assert.Equal(t, "set", expandEnvVars("${MAICE_TEST_VAR}"))
	assert.Equal(t, "set", expandEnvVars("$MAICE_TEST_VAR"))
}

func TestExpandEnvVars_NoDollarSignIsUnchanged(t *testing.T) {
	assert.Equal(t, "plain value", expandEnvVars("plain value"))
}

func TestGetProviderAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "ant-key")
	assert.Equal(t, "ant-key", GetProviderAPIKey("anthropic"))
	assert.Equal(t, "", GetProviderAPIKey("unknown"))
}
