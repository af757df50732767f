package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("SESSION_CREDENTIAL_TTL", "30m")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("HUB_BUS_ENABLED", "false")
	t.Setenv("LIVEKIT_URL", "wss://media.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 30*time.Minute, cfg.LiveKit.CredentialTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	assert.False(t, cfg.Hub.BusEnabled)
	assert.NotEmpty(t, cfg.Hub.InstanceID)
	assert.Equal(t, "wss://media.example", cfg.LiveKit.PublicURL())
}

func TestPublicURLFallsBackToHost(t *testing.T) {
	c := LiveKitConfig{HostIP: "10.0.0.5", Port: "7880"}
	assert.Equal(t, "ws://10.0.0.5:7880", c.PublicURL())
}

func TestLoadClientRequiresToken(t *testing.T) {
	t.Setenv("CONSULT_TOKEN", "")
	_, err := LoadClient()
	assert.Error(t, err)

	t.Setenv("CONSULT_TOKEN", "tok")
	t.Setenv("CONSULT_RECONNECT_ATTEMPTS", "3")
	cfg, err := LoadClient()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.ReconnectAttempts)
	assert.Equal(t, "tok", cfg.Token)
}
