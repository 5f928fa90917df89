package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBuilderConfig_Defaults(t *testing.T) {
	cfg, err := LoadBuilderConfig()
	require.NoError(t, err)

	assert.Equal(t, "vdsm/virtual-dsm:latest", cfg.BaseImage)
	assert.Equal(t, "vdsm/dsm-prebaked", cfg.ImageName)
	assert.Empty(t, cfg.ImageTag)
	assert.Equal(t, "dsm-build", cfg.InstanceName)
	assert.Equal(t, "20.20.20.21", cfg.GuestIP)
	assert.Equal(t, 5000, cfg.HostPort)
	assert.Equal(t, 5001, cfg.SmokePort)
	assert.Equal(t, 30*time.Second, cfg.StartTimeout)
	assert.Equal(t, 10*time.Minute, cfg.BootTimeout)
	assert.Equal(t, 60*time.Second, cfg.SmokeTimeout)
}

func TestLoadBuilderConfig_Overrides(t *testing.T) {
	t.Setenv("DSM_IMAGE_NAME", "example/dsm")
	t.Setenv("DSM_IMAGE_TAG", "7.3.0")
	t.Setenv("DSM_HOST_PORT", "15000")
	t.Setenv("DSM_BOOT_TIMEOUT", "2m")

	cfg, err := LoadBuilderConfig()
	require.NoError(t, err)
	assert.Equal(t, "example/dsm", cfg.ImageName)
	assert.Equal(t, "7.3.0", cfg.ImageTag)
	assert.Equal(t, 15000, cfg.HostPort)
	assert.Equal(t, 2*time.Minute, cfg.BootTimeout)
}
