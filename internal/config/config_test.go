package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/robotctl/internal/robot"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "", cfg.Serial.Port)
	assert.Equal(t, 9600, cfg.Serial.Options.BaudRate)
	assert.Equal(t, "N", cfg.Serial.Options.Parity)
	assert.Equal(t, 600*time.Millisecond, cfg.Protocol.BaseTimeout)
	assert.Equal(t, 3, cfg.Protocol.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Protocol.SettleTime)
	assert.Equal(t, 5, cfg.Reconnect.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.BaseDelay)
	assert.True(t, cfg.Reconnect.PingCheck)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "robot.yaml", `
serial:
  port: /dev/ttyACM0
  baud_rate: 115200
  parity: E
protocol:
  base_timeout: 250ms
  max_retries: 10
  alive_marker: PONG
reconnect:
  ping_check: false
log:
  level: debug
  file:
    filename: /var/log/robotctl.log
admin:
  listen: 127.0.0.1:8089
batch:
  rate: 2.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyACM0", cfg.Serial.Port)
	assert.Equal(t, 115200, cfg.Serial.Options.BaudRate)
	assert.Equal(t, "E", cfg.Serial.Options.Parity)
	assert.Equal(t, 8, cfg.Serial.Options.DataBits, "unset keys keep defaults")
	assert.Equal(t, 250*time.Millisecond, cfg.Protocol.BaseTimeout)
	assert.Equal(t, 10, cfg.Protocol.MaxRetries)
	assert.Equal(t, "PONG", cfg.Protocol.AliveMarker)
	assert.False(t, cfg.Reconnect.PingCheck)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/robotctl.log", cfg.Log.File.Filename)
	assert.Equal(t, "127.0.0.1:8089", cfg.Admin.Listen)
	assert.Equal(t, 2.5, cfg.Batch.Rate)
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "robot.json", `{"serial": {"port": "COM7"}, "protocol": {"max_retries": 4}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "COM7", cfg.Serial.Port)
	assert.Equal(t, 4, cfg.Protocol.MaxRetries)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "robot.toml", "[serial]\nport = \"/dev/ttyUSB0\"\n")
	t.Setenv("ROBOT_SERIAL_PORT", "/dev/ttyUSB9")
	t.Setenv("ROBOT_PROTOCOL_MAX_RETRIES", "7")
	t.Setenv("ROBOT_RECONNECT_BASE_DELAY", "2s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB9", cfg.Serial.Port)
	assert.Equal(t, 7, cfg.Protocol.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.BaseDelay)
}

func TestLoad_PathFromEnv(t *testing.T) {
	path := writeFile(t, "robot.yaml", "serial:\n  port: /dev/ttyS1\n")
	t.Setenv(EnvConfigPath, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS1", cfg.Serial.Port)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "protocol:\n  max_retries: 0\n"))
	assert.ErrorContains(t, err, "protocol.max_retries")

	_, err = Load(writeFile(t, "bad.json", `{"serial": {"stop_bits": 3}}`))
	assert.ErrorContains(t, err, "stop bits")
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Serial.Port = "/dev/ttyUSB0"
	cfg.Protocol.AliveMarker = "PONG"

	lc := cfg.LinkConfig()
	assert.Equal(t, "/dev/ttyUSB0", lc.Port)
	assert.Equal(t, "PONG", lc.AliveMarker)
	assert.Equal(t, 50*time.Millisecond, lc.ResetPulse)

	ro := cfg.ReconnectOptions()
	assert.Equal(t, robot.ReconnectOptions{MaxRetries: 5, BaseDelay: 500 * time.Millisecond, OpenTimeout: time.Second, PingCheck: true}, ro)

	c := robot.NewClient(nil, cfg.ClientOptions()...)
	assert.Equal(t, 600*time.Millisecond, c.BaseTimeout())
	assert.Equal(t, 3, c.MaxRetries())
}

func TestLoadWithFlags(t *testing.T) {
	path := writeFile(t, "robot.yaml", "serial:\n  port: /dev/ttyUSB0\n  baud_rate: 19200\nadmin:\n  listen: :9000\n")
	t.Setenv("ROBOT_ADMIN_LISTEN", "localhost:9001")

	fs := pflag.NewFlagSet("robotctl", pflag.ContinueOnError)
	fs.String("port", "", "")
	fs.Int("baud", 9600, "")
	fs.String("listen", "", "")
	fs.Float64("rate", 0, "")
	require.NoError(t, fs.Parse([]string{"--port", "/dev/ttyACM1", "--rate", "4"}))

	cfg, err := LoadWithFlags(path, fs)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM1", cfg.Serial.Port, "flag beats file")
	assert.Equal(t, 19200, cfg.Serial.Options.BaudRate, "unset flag default does not beat file")
	assert.Equal(t, "localhost:9001", cfg.Admin.Listen, "env beats file when no flag is set")
	assert.Equal(t, 4.0, cfg.Batch.Rate)
}
