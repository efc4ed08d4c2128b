package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.WebSocket.Host)
	assert.Equal(t, 3001, cfg.WebSocket.Port)
	assert.Equal(t, 8080, cfg.AdminPort)
	assert.FileExists(t, path)
}

func TestLoadParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	content := `
[websocket]
host = gateway.local
port = 6700
path = /onebot
token = secret
heartbeat_interval = 30000
reconnect_interval = 2000
max_reconnect_attempts = 0

[plugin]
plugins_dir = exts
enable_scripted = true
enable_native = false

[log]
log_level = debug

[general]
data_dir = /var/lib/lchbot
admin_port = 9090
master_qq = 111, 222,333

[ai]
api_url = http://ai.local/chat
api_key = k
model = gemini

; unknown keys are ignored
[websocket2]
whatever = 1
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "gateway.local", cfg.WebSocket.Host)
	assert.Equal(t, 6700, cfg.WebSocket.Port)
	assert.Equal(t, "/onebot", cfg.WebSocket.Path)
	assert.Equal(t, "secret", cfg.WebSocket.Token)
	assert.Equal(t, 30000, cfg.WebSocket.HeartbeatIntervalMS)
	assert.Equal(t, 0, cfg.WebSocket.MaxReconnectAttempts)

	assert.Equal(t, "exts", cfg.Plugin.PluginsDir)
	assert.False(t, cfg.Plugin.EnableNative)

	assert.Equal(t, "debug", cfg.Log.LogLevel)
	assert.Equal(t, "/var/lib/lchbot", cfg.DataDir)
	assert.Equal(t, 9090, cfg.AdminPort)
	assert.Equal(t, []int64{111, 222, 333}, cfg.MasterQQ)
	assert.Equal(t, "http://ai.local/chat", cfg.AI.APIURL)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	cfg := Default()
	cfg.WebSocket.Host = "example.com"
	cfg.MasterQQ = []int64{42}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "example.com", loaded.WebSocket.Host)
	assert.Equal(t, []int64{42}, loaded.MasterQQ)
	assert.Equal(t, cfg.WebSocket.HeartbeatIntervalMS, loaded.WebSocket.HeartbeatIntervalMS)
}

func TestBadMasterQQIsError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte("[general]\nmaster_qq = notanumber\n"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
