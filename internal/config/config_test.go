package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sebas/agentline/internal/telephony"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
line:
  uri: sip:1001@pbx.example.com
  credential: secret
  transport_endpoint: wss://pbx.example.com:8089/ws
  register_expires: 300s
auto_join: true
bind_port: 5070
ring_timeout: 45s
api_addr: 127.0.0.1:9000
log_level: debug
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agentline.yaml", sampleConfig)

	cfg, err := Load([]string{"-config", path})
	require.NoError(t, err)

	assert.Equal(t, "sip:1001@pbx.example.com", cfg.Line.URI)
	assert.Equal(t, 300*time.Second, cfg.Line.RegisterExpires)
	assert.Equal(t, telephony.DefaultUserAgent, cfg.Line.UserAgent)
	assert.True(t, cfg.AutoJoin)
	assert.Equal(t, 5070, cfg.BindPort)
	assert.Equal(t, 45*time.Second, cfg.RingTimeout)
	assert.Equal(t, telephony.DefaultTransferTimeout, cfg.TransferTimeout)
	assert.Equal(t, "127.0.0.1:9000", cfg.APIAddr)
}

func TestFlagsBeatFileAndEnvBeatsFlags(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agentline.yaml", sampleConfig)
	t.Setenv("AGENTLINE_CREDENTIAL", "from-env")
	t.Setenv("AGENTLINE_PORT", "6000")

	cfg, err := Load([]string{"-config", path, "-port", "5080", "-api", "127.0.0.1:9100"})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.APIAddr, "flag overrides file")
	assert.Equal(t, 6000, cfg.BindPort, "env overrides flag")
	assert.Equal(t, "from-env", cfg.Line.Credential)
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()

	_, err := Load([]string{"-endpoint", "wss://pbx.example.com/ws"})
	assert.ErrorIs(t, err, telephony.ErrInvalidConfig, "missing uri")

	path := writeFile(t, dir, "bad.yaml", sampleConfig+"udp_port_min: 20000\nudp_port_max: 10000\n")
	_, err = Load([]string{"-config", path})
	var cerr *telephony.ConfigError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, "udp_port_min", cerr.Field)

	_, err = Load([]string{"-config", filepath.Join(dir, "missing.yaml")})
	assert.ErrorIs(t, err, telephony.ErrInvalidConfig)

	t.Setenv("AGENTLINE_DEBUG", "maybe")
	_, err = Load([]string{"-config", writeFile(t, dir, "ok.yaml", sampleConfig)})
	assert.ErrorIs(t, err, telephony.ErrInvalidConfig)
}

func TestLoadICEServers(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "ice.yaml", `
ice_servers:
  - urls: ["stun:stun.example.com:3478"]
  - urls: ["turn:turn.example.com:3478"]
    username: agent
    credential: secret
`)
	servers, err := LoadICEServers(good)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "agent", servers[1].Username)

	bad := writeFile(t, dir, "bad.yaml", "ice_servers:\n  - urls: [\"http://nope\"]\n")
	_, err = LoadICEServers(bad)
	assert.ErrorIs(t, err, telephony.ErrInvalidConfig)

	empty := writeFile(t, dir, "empty.yaml", "ice_servers: []\n")
	_, err = LoadICEServers(empty)
	assert.ErrorIs(t, err, telephony.ErrInvalidConfig)
}

func TestICEWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "ice.yaml", "ice_servers:\n  - urls: [\"stun:a.example.com\"]\n")

	var mu sync.Mutex
	var applied [][]telephony.ICEServer
	w := NewICEWatcher(path, func(s []telephony.ICEServer) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, s)
		return nil
	})
	require.NoError(t, w.Start(t.Context()))
	defer w.Stop()

	// invalid content is ignored
	require.NoError(t, os.WriteFile(path, []byte("ice_servers: []\n"), 0o600))
	time.Sleep(2 * reloadDebounce)

	require.NoError(t, os.WriteFile(path, []byte("ice_servers:\n  - urls: [\"stun:b.example.com\"]\n"), 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, applied, 1)
	assert.Equal(t, "stun:b.example.com", applied[0][0].URLs[0])
}
