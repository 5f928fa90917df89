package builder

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vdsm/dsmbake/internal/shared/config"
	"github.com/vdsm/dsmbake/internal/shared/poll"
)

func testConfig(t *testing.T) *config.BuilderConfig {
	t.Helper()
	return &config.BuilderConfig{
		LogLevel:      "info",
		BaseImage:     "vdsm/virtual-dsm:test",
		ImageName:     "vdsm/prebaked-test",
		ImageTag:      "7.2.2",
		ServerName:    "vdsm-test",
		AdminUser:     "admin",
		AdminPass:     "secret",
		GuestIP:       "20.20.20.21",
		InstanceName:  "dsm-build-test",
		HostPort:      5000,
		SmokePort:     5001,
		GuestPort:     5000,
		MonitorSocket: "/run/qemu.sock",
		Version:       "7.2.2",
		Build:         "72806",
		CacheDir:      t.TempDir(),
		AutomationBin: "true", // a no-op stand-in for the real driver
		VideoDir:      t.TempDir(),
		StartTimeout:  time.Second,
		BootTimeout:   500 * time.Millisecond,
		SmokeTimeout:  200 * time.Millisecond,
	}
}

func testService(t *testing.T, cfg *config.BuilderConfig, rt ContainerRuntime, opts Options) *Service {
	t.Helper()
	if opts.Accel == "" {
		opts.Accel = AccelTCG
	}
	logger := slog.New(slog.DiscardHandler)
	s := NewService(cfg, opts, rt, logger)
	s.waiter = poll.Waiter{Logger: logger, Interval: 5 * time.Millisecond, Progress: time.Hour}
	return s
}

// testEndpoint serves 200s on a real port, standing in for the guest's
// host-facing web UI.
func testEndpoint(t *testing.T) int {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	t.Cleanup(srv.Close)
	return portOf(t, srv.Listener.Addr().String())
}

// closedPort returns a port nothing is listening on.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := portOf(t, l.Addr().String())
	require.NoError(t, l.Close())
	return port
}

func portOf(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

// seedPayload puts the installer payload for the test version into the cache
// so stages never hit the network.
func seedPayload(t *testing.T, cfg *config.BuilderConfig) {
	t.Helper()
	path := filepath.Join(cfg.CacheDir, "dsm_"+cfg.Version+"-"+cfg.Build+".pat")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
}
