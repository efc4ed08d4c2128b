// Package config loads the bot's INI configuration.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

// WebSocket configures the outbound gateway connection.
type WebSocket struct {
	Host                 string `ini:"host"`
	Port                 int    `ini:"port"`
	Path                 string `ini:"path"`
	Token                string `ini:"token"`
	HeartbeatIntervalMS  int    `ini:"heartbeat_interval"`
	ReconnectIntervalMS  int    `ini:"reconnect_interval"`
	MaxReconnectAttempts int    `ini:"max_reconnect_attempts"`
}

// Plugin configures the plugin host.
type Plugin struct {
	PluginsDir      string `ini:"plugins_dir"`
	EnableScripted  bool   `ini:"enable_scripted"`
	EnableNative    bool   `ini:"enable_native"`
	ReloadIntervalS int    `ini:"reload_interval"`
}

// Log configures logging output.
type Log struct {
	LogDir        string `ini:"log_dir"`
	LogLevel      string `ini:"log_level"`
	ConsoleOutput bool   `ini:"console_output"`
	FileOutput    bool   `ini:"file_output"`
	MaxFileSize   int64  `ini:"max_file_size"`
	MaxFiles      int    `ini:"max_files"`
}

// AI configures the upstream chat endpoint.
type AI struct {
	APIURL string `ini:"api_url"`
	APIKey string `ini:"api_key"`
	Model  string `ini:"model"`
}

// Config is the full bot configuration.
type Config struct {
	WebSocket WebSocket
	Plugin    Plugin
	Log       Log
	AI        AI

	DataDir   string
	ConfigDir string
	AdminPort int
	MasterQQ  []int64
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		WebSocket: WebSocket{
			Host:                 "127.0.0.1",
			Port:                 3001,
			Path:                 "/",
			HeartbeatIntervalMS:  60000,
			ReconnectIntervalMS:  5000,
			MaxReconnectAttempts: 10,
		},
		Plugin: Plugin{
			PluginsDir:      "plugins",
			EnableScripted:  true,
			EnableNative:    true,
			ReloadIntervalS: 5,
		},
		Log: Log{
			LogDir:        "logs",
			LogLevel:      "info",
			ConsoleOutput: true,
			FileOutput:    true,
			MaxFileSize:   10485760,
			MaxFiles:      10,
		},
		DataDir:   "data",
		ConfigDir: "config",
		AdminPort: 8080,
	}
}

// Load reads the INI file at path over the defaults. A missing file writes
// the defaults back and returns them; a malformed file is a hard error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	f, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: load %q", path)
	}

	if err := f.Section("websocket").MapTo(&cfg.WebSocket); err != nil {
		return nil, errors.Wrap(err, "config: [websocket]")
	}
	if err := f.Section("plugin").MapTo(&cfg.Plugin); err != nil {
		return nil, errors.Wrap(err, "config: [plugin]")
	}
	if err := f.Section("log").MapTo(&cfg.Log); err != nil {
		return nil, errors.Wrap(err, "config: [log]")
	}
	if err := f.Section("ai").MapTo(&cfg.AI); err != nil {
		return nil, errors.Wrap(err, "config: [ai]")
	}

	general := f.Section("general")
	if general.HasKey("data_dir") {
		cfg.DataDir = general.Key("data_dir").String()
	}
	if general.HasKey("config_dir") {
		cfg.ConfigDir = general.Key("config_dir").String()
	}
	if general.HasKey("admin_port") {
		cfg.AdminPort = general.Key("admin_port").MustInt(cfg.AdminPort)
	}
	if general.HasKey("master_qq") {
		cfg.MasterQQ = nil
		for _, tok := range strings.Split(general.Key("master_qq").String(), ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			id, err := strconv.ParseInt(tok, 10, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "config: bad master_qq entry %q", tok)
			}
			cfg.MasterQQ = append(cfg.MasterQQ, id)
		}
	}
	return cfg, nil
}

// Save writes the configuration as INI.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrap(err, "config: create dir")
		}
	}

	f := ini.Empty()
	if err := f.Section("websocket").ReflectFrom(&c.WebSocket); err != nil {
		return errors.Wrap(err, "config: [websocket]")
	}
	if err := f.Section("plugin").ReflectFrom(&c.Plugin); err != nil {
		return errors.Wrap(err, "config: [plugin]")
	}
	if err := f.Section("log").ReflectFrom(&c.Log); err != nil {
		return errors.Wrap(err, "config: [log]")
	}
	if err := f.Section("ai").ReflectFrom(&c.AI); err != nil {
		return errors.Wrap(err, "config: [ai]")
	}

	general := f.Section("general")
	general.Key("data_dir").SetValue(c.DataDir)
	general.Key("admin_port").SetValue(strconv.Itoa(c.AdminPort))
	if len(c.MasterQQ) > 0 {
		parts := make([]string, len(c.MasterQQ))
		for i, id := range c.MasterQQ {
			parts[i] = strconv.FormatInt(id, 10)
		}
		general.Key("master_qq").SetValue(strings.Join(parts, ","))
	}

	return errors.Wrapf(f.SaveTo(path), "config: save %q", path)
}
