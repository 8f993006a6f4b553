package control_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"gotest.tools/assert"

	"github.com/momentics/hioload-proxy/control"
)

const sampleConfig = `
workers: 2
admin_address: "127.0.0.1:9901"
log_level: debug
listeners:
  - address: "tcp://127.0.0.1:10000"
    use_proxy_proto: true
  - address: "tcp://0.0.0.0:10001"
    use_original_dst: true
    per_connection_buffer_limit_bytes: 8192
clusters:
  - name: web
    host: "tcp://10.0.0.1:80"
    connect_timeout: 250ms
    max_connections: 8
    max_requests_per_connection: 100
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := control.Load(writeConfig(t, sampleConfig))
	assert.NilError(t, err)

	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "127.0.0.1:9901", cfg.AdminAddress)
	assert.Equal(t, 2, len(cfg.Listeners))
	assert.Assert(t, cfg.Listeners[0].UseProxyProto)
	assert.Assert(t, cfg.Listeners[0].Options().BindToPort)
	assert.Equal(t, uint32(8192), cfg.Listeners[1].PerConnectionBufferLimitBytes)

	web := cfg.Clusters[0]
	assert.Equal(t, 250*time.Millisecond, web.ConnectTimeout.Std())
	assert.Equal(t, uint64(8), web.MaxConnections)
	// Unset limits take defaults.
	assert.Equal(t, uint64(1024), web.MaxPendingRequests)
	assert.Equal(t, uint64(3), web.MaxRetries)
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := control.Load(writeConfig(t, "listeners: []\n"))
	assert.NilError(t, err)
	assert.Assert(t, cfg.Workers > 0)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigRejectsBadAddress(t *testing.T) {
	_, err := control.Load(writeConfig(t, `
listeners:
  - address: "127.0.0.1:10000"
`))
	assert.Assert(t, err != nil)
}

func TestLoadConfigRejectsDuplicateCluster(t *testing.T) {
	_, err := control.Load(writeConfig(t, `
clusters:
  - name: web
    host: "tcp://10.0.0.1:80"
  - name: web
    host: "tcp://10.0.0.2:80"
`))
	assert.Assert(t, err != nil)
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	_, err := control.Load(writeConfig(t, `
clusters:
  - name: web
    host: "tcp://10.0.0.1:80"
    connect_timeout: soon
`))
	assert.Assert(t, err != nil)
}

func TestConfigStoreReloadHooks(t *testing.T) {
	cfg, err := control.Load(writeConfig(t, sampleConfig))
	assert.NilError(t, err)

	store := control.NewConfigStore(cfg)
	var got *control.Config
	store.OnReload(func(c *control.Config) { got = c })

	next := *cfg
	next.LogLevel = "warning"
	store.Set(&next)

	assert.Assert(t, got != nil)
	assert.Equal(t, "warning", got.LogLevel)
	assert.Equal(t, "warning", store.Snapshot().LogLevel)
}

func TestConfigWatcherReloads(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := control.Load(path)
	assert.NilError(t, err)

	store := control.NewConfigStore(cfg)
	reloaded := make(chan *control.Config, 4)
	store.OnReload(func(c *control.Config) { reloaded <- c })

	watcher, err := control.NewConfigWatcher(path, store)
	assert.NilError(t, err)
	defer watcher.Close()

	updated := sampleConfig + "base_id: 7\n"
	assert.NilError(t, os.WriteFile(path, []byte(updated), 0644))

	select {
	case c := <-reloaded:
		assert.Equal(t, uint32(7), c.BaseID)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never fired")
	}
}

func TestConfigWatcherKeepsOldConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := control.Load(path)
	assert.NilError(t, err)

	store := control.NewConfigStore(cfg)
	reloaded := make(chan *control.Config, 4)
	store.OnReload(func(c *control.Config) { reloaded <- c })

	watcher, err := control.NewConfigWatcher(path, store)
	assert.NilError(t, err)
	defer watcher.Close()

	assert.NilError(t, os.WriteFile(path, []byte("listeners: [address: nope"), 0644))

	select {
	case <-reloaded:
		t.Fatal("invalid config must not be published")
	case <-time.After(500 * time.Millisecond):
	}
	assert.Equal(t, 2, store.Snapshot().Workers)
}
