package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.test.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "A", cfg.Roster.Sender)
	assert.Equal(t, []string{"B", "C", "D"}, cfg.Roster.Receivers)
	assert.Equal(t, 10*time.Second, cfg.Engine.CallTimeout)
	assert.Equal(t, uint16(10000), cfg.Engine.UDPPortMin)
	assert.Equal(t, uint16(10100), cfg.Engine.UDPPortMax)
	assert.Equal(t, 25*time.Second, cfg.PingPeriod)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	path := writeConfig(t, `
port: 9000
log_level: debug
roster:
  sender: S
  receivers: [R1, R2]
engine:
  call_timeout: 3s
`)
	t.Setenv("RELAY_ENGINE_ICE_SERVERS", "stun:a.example:3478, stun:b.example:3478")
	t.Setenv("RELAY_LIMITS_REGISTER_INTERVAL", "30s")

	cfg, err := Load([]string{"--config", path, "--port", "9100"})
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "S", cfg.Roster.Sender)
	assert.Equal(t, []string{"R1", "R2"}, cfg.Roster.Receivers)
	assert.Equal(t, 3*time.Second, cfg.Engine.CallTimeout)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.Engine.ICEServers)
	assert.Equal(t, 30*time.Second, cfg.Limits.RegisterInterval)
	assert.Equal(t, "audio+video", cfg.Roster.DefaultMediaType)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")})
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
pong_wait: 1s
ping_period: 5s
`)
	_, err := Load([]string{"--config", path})
	assert.ErrorContains(t, err, "invalid config")

	path = writeConfig(t, "engine:\n  announced_ip: not-an-ip\n")
	_, err = Load([]string{"--config", path})
	assert.ErrorContains(t, err, "invalid config")
}

func TestOnChange_ReloadsLogLevel(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)

	levels := make(chan string, 16)
	cfg.OnChange(func(next *Config) {
		select {
		case levels <- next.LogLevel:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))

	// A truncate may be observed before the write lands.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case lvl := <-levels:
			if lvl == "warn" {
				return
			}
		case <-deadline:
			t.Fatal("config change not observed")
		}
	}
}
