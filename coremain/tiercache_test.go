package coremain

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/tiercache/pkg/cache"
)

func memoryConfig() *Config {
	return &Config{
		L2: L2Config{Driver: "memory"},
		L3: L3Config{Driver: "memory"},
	}
}

func TestTiercache_api(t *testing.T) {
	tc, err := NewTiercache(context.Background(), memoryConfig(), nil)
	require.NoError(t, err)
	defer tc.closeManager()

	ts := httptest.NewServer(tc.GetHTTPAPIMux())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/cache/user:1", strings.NewReader("alice"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/cache/user:1")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "alice", string(b))
	assert.Equal(t, "l1", resp.Header.Get("X-Cache-Tier"))

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	b, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(b), `tiercache_tier_hits_total{tier="l1"} 1`)
	assert.Contains(t, string(b), "tiercache_writeback_queue_depth 0")

	resp, err = http.Get(ts.URL + "/debug/pprof/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "pprof is off by default")
}

func TestTiercache_startStop(t *testing.T) {
	cfg := memoryConfig()
	cfg.API.HTTP = "127.0.0.1:0"
	cfg.Write = WriteConfig{Policy: "back", ReconcileCron: "@every 1s"}
	tc, err := NewTiercache(context.Background(), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- tc.Start(ctx) }()
	require.NoError(t, tc.GetManager().Put(ctx, "k", []byte("v")))
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return")
	}
	assert.ErrorIs(t, tc.GetManager().Put(context.Background(), "k", []byte("v")), cache.ErrClosed)
}

func TestTiercache_listenError(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := memoryConfig()
	cfg.API.HTTP = busy.Addr().String()
	tc, err := NewTiercache(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.Error(t, tc.Start(context.Background()))
}

func TestNewTiercache_errors(t *testing.T) {
	cfg := memoryConfig()
	cfg.Write = WriteConfig{Policy: "back", ReconcileCron: "not a schedule"}
	_, err := NewTiercache(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.API.Allow = []string{"bogus"}
	_, err = NewTiercache(context.Background(), cfg, nil)
	assert.Error(t, err)

	cfg = memoryConfig()
	cfg.L3.Driver = "cassandra"
	_, err = NewTiercache(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestOpenL3(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	tests := []struct {
		name    string
		cfg     L3Config
		wantErr bool
	}{
		{"bolt", L3Config{Driver: "bolt", Path: filepath.Join(dir, "l3.db")}, false},
		{"sqlite", L3Config{Driver: "sqlite", DSN: filepath.Join(dir, "l3.sqlite")}, false},
		{"memory", L3Config{Driver: "memory"}, false},
		{"postgres without dsn", L3Config{Driver: "postgres"}, true},
		{"unknown", L3Config{Driver: "tape"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := openL3(ctx, tt.cfg, nil)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer b.Close()
			require.NoError(t, b.Put(ctx, "k", []byte("v"), 0))
			v, found, err := b.Get(ctx, "k")
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("v"), v)
		})
	}
}

func TestOpenL2_unknownDriver(t *testing.T) {
	_, err := openL2(context.Background(), L2Config{Driver: "memcached"}, nil)
	assert.Error(t, err)
}

func TestCacheCmds(t *testing.T) {
	cfgFile := writeConfig(t, `
l2:
  driver: memory
l3:
  driver: bolt
  path: `+filepath.Join(t.TempDir(), "cmd.db")+`
`)

	run := func(cmdArgs ...string) (string, string, error) {
		cmd := map[string]func() *cobra.Command{
			"get": newGetCmd,
			"put": newPutCmd,
			"del": newDelCmd,
		}[cmdArgs[0]]()
		var out, errOut bytes.Buffer
		cmd.SetOut(&out)
		cmd.SetErr(&errOut)
		cmd.SetArgs(append([]string{"-c", cfgFile}, cmdArgs[1:]...))
		err := cmd.Execute()
		return out.String(), errOut.String(), err
	}

	_, _, err := run("put", "greeting", "hello")
	require.NoError(t, err)

	out, errOut, err := run("get", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Contains(t, errOut, "hit l3")

	_, _, err = run("del", "greeting")
	require.NoError(t, err)
	_, _, err = run("get", "greeting")
	assert.Error(t, err)
}
