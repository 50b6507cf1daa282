package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/raskyld/rendezvous/transport"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	SetDefaults()

	path := filepath.Join(t.TempDir(), "rendezvous.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
machine_id: 3
hostname: worker-3
port: 7000
neighbours: [10.0.0.1:6174, 10.0.0.2:6174]
peers:
  "0": 10.0.0.1:6174
  "3": 10.0.0.4:7000
ctrl:
  addr: 10.0.0.1:6174
log_level: debug
grace_period: 2s
`), 0o600))
	viper.SetConfigFile(path)
	require.NoError(t, viper.ReadInConfig())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(3), cfg.MachineID)
	assert.Equal(t, "worker-3", cfg.Hostname)
	assert.Equal(t, "0.0.0.0", cfg.BindAddr)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, []string{"10.0.0.1:6174", "10.0.0.2:6174"}, cfg.Neighbours)
	assert.Equal(t, "10.0.0.1:6174", cfg.Ctrl.Addr)
	assert.False(t, cfg.Ctrl.Host)
	assert.Equal(t, 2*time.Second, cfg.GracePeriod)
	assert.Equal(t, 30*time.Second, cfg.DialTimeout)

	peers, err := cfg.StaticPeers()
	require.NoError(t, err)
	assert.Equal(t, map[transport.MachineID]string{0: "10.0.0.1:6174", 3: "10.0.0.4:7000"}, peers)

	lvl, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestConfig_Invalid(t *testing.T) {
	cfg := &Config{Peers: map[string]string{"first": "10.0.0.1:6174"}}
	_, err := cfg.StaticPeers()
	assert.Error(t, err)

	cfg = &Config{LogLevel: "chatty"}
	_, err = cfg.Level()
	assert.Error(t, err)

	cfg = &Config{TLS: TLSConfig{Cert: "cert.pem"}}
	_, err = cfg.Options(slog.Default().Handler())
	assert.ErrorIs(t, err, errIncompleteTLS)
}
