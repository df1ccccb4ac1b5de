package nioproxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	tomlConfig, err := LoadConfig("./cmd/config.toml")
	require.NoError(t, err)
	require.Equal(t, "info", tomlConfig.Global.LogLevel)
	require.Equal(t, "MainLoop", tomlConfig.Loop.Name)
	require.True(t, tomlConfig.Loop.LockOsThread)
	require.Equal(t, 300, tomlConfig.Loop.IdleTimeoutSec)
	require.Len(t, tomlConfig.Frontends, 1)
	require.Equal(t, "web-servers", tomlConfig.Frontends[0].BackendGroup)
	require.Len(t, tomlConfig.Backends, 1)
	require.Len(t, tomlConfig.Backends[0].Backends, 2)
	require.Equal(t, "tcp", tomlConfig.Backends[0].Backends[1].Net, "net defaults to tcp")
	require.Len(t, tomlConfig.Transfers, 1)
	require.True(t, tomlConfig.Socket.NoDelay)

	loopConfig := tomlConfig.EventLoopConfig()
	require.Equal(t, 300*time.Second, loopConfig.IdleTimeout)
	require.Equal(t, 8192, loopConfig.SocketOptions.RcvBuffer)

	yamlConfig, err := LoadConfig("./cmd/config.yaml")
	require.NoError(t, err)
	require.Equal(t, "debug", yamlConfig.Global.LogLevel)
	require.Equal(t, 4096, yamlConfig.Loop.WindowSize)
	require.Equal(t, 500*time.Millisecond, yamlConfig.EventLoopConfig().PollTimeout)
	require.Equal(t, "proxy-events", yamlConfig.EventRouter.KafkaTopic)
	require.Equal(t, "tcp", yamlConfig.Frontends[0].Net)
	require.Len(t, yamlConfig.Backends[0].Backends, 3)
	require.Equal(t, "unix", yamlConfig.Backends[0].Backends[2].Net)
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig(writeConfig(t, "empty.yml", "global: {}\n"))
	require.NoError(t, err)
	require.Equal(t, "info", config.Global.LogLevel)
	require.Equal(t, "MainLoop", config.Loop.Name)
	require.Equal(t, 256, config.Loop.EventBufferSize)
	require.Equal(t, defWindowSize, config.Loop.WindowSize)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "config.json", "{}"))
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "broken.toml", "[global\nlog_level = 1"))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "unknown_group.yaml", `
frontends:
  - name: web
    address: "127.0.0.1:0"
    backend_group: nowhere
`))
	require.ErrorIs(t, err, ErrBalancerNotFound)

	_, err = LoadConfig(writeConfig(t, "no_address.yaml", `
backends:
  - name: group
    servers:
      - name: one
`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "half_router.yaml", `
event_router:
  kafka_brokers: "localhost:9092"
`))
	require.Error(t, err)
}
