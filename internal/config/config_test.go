package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.BindAddr)
	assert.Equal(t, uint16(50000), cfg.UDPPortMin)
	assert.Equal(t, uint16(50199), cfg.UDPPortMax)
	assert.Len(t, cfg.Codecs, 2)
	assert.Less(t, cfg.PingInterval, cfg.PongWait)
	assert.Empty(t, cfg.BackendBaseURL)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CLASSCAST_BIND_ADDR", ":9000")
	t.Setenv("CLASSCAST_RTC_UDP_PORT_MIN", "40000")
	t.Setenv("CLASSCAST_RTC_UDP_PORT_MAX", "40099")
	t.Setenv("CLASSCAST_WS_PONG_WAIT", "1m")
	t.Setenv("CLASSCAST_ICE_SERVERS", "stun:stun.example.org:3478, turn:turn.example.org:3478")
	t.Setenv("CLASSCAST_BACKEND_BASE_URL", "http://backend.local/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.BindAddr)
	assert.Equal(t, uint16(40000), cfg.UDPPortMin)
	assert.Equal(t, uint16(40099), cfg.UDPPortMax)
	assert.Equal(t, time.Minute, cfg.PongWait)
	assert.Equal(t, []string{"stun:stun.example.org:3478", "turn:turn.example.org:3478"}, cfg.ICEServers)
	assert.Equal(t, "http://backend.local/", cfg.BackendBaseURL)

	// Unset fields keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.BackendTimeout)
	assert.Len(t, cfg.Codecs, 2)
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("CLASSCAST_WS_PONG_WAIT", "soonish")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("CLASSCAST_WS_PONG_WAIT", "1m")
	t.Setenv("CLASSCAST_RTC_UDP_PORT_MIN", "not-a-port")
	_, err = Load()
	assert.Error(t, err)
}
