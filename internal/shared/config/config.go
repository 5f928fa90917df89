package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// BuilderConfig contains everything the build pipeline needs. It is parsed
// from the environment exactly once in main and passed down; no other
// component reads ambient environment state.
type BuilderConfig struct {
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, production

	// Images
	BaseImage string `env:"DSM_BASE_IMAGE" envDefault:"vdsm/virtual-dsm:latest"` // image the fresh instance boots from
	ImageName string `env:"DSM_IMAGE_NAME" envDefault:"vdsm/dsm-prebaked"`       // target image base name
	ImageTag  string `env:"DSM_IMAGE_TAG"`                                       // defaults to the resolved DSM version

	// Guest settings handed to the automation driver
	ServerName string `env:"DSM_SERVER_NAME" envDefault:"vdsm-ci"`
	AdminUser  string `env:"DSM_ADMIN_USER" envDefault:"ciadmin"`
	AdminPass  string `env:"DSM_ADMIN_PASS" envDefault:"F4k3Pass1!"`
	GuestIP    string `env:"DSM_GUEST_IP" envDefault:"20.20.20.21"` // private-network address the guest configures for itself

	// Instance wiring
	InstanceName  string `env:"DSM_INSTANCE_NAME" envDefault:"dsm-build"`
	HostPort      int    `env:"DSM_HOST_PORT" envDefault:"5000"`
	SmokePort     int    `env:"DSM_SMOKE_PORT" envDefault:"5001"`
	GuestPort     int    `env:"DSM_GUEST_PORT" envDefault:"5000"`
	MonitorSocket string `env:"DSM_MONITOR_SOCKET" envDefault:"/run/qemu.sock"` // QEMU monitor inside the instance

	// Installer payload
	Version  string `env:"DSM_VERSION"` // e.g. 7.2.2; scraped when empty
	Build    string `env:"DSM_BUILD"`   // e.g. 72806; scraped when empty
	CacheDir string `env:"DSM_CACHE_DIR" envDefault:".cache/dsm"`

	// Automation driver
	AutomationBin string `env:"DSM_AUTOMATION_BIN" envDefault:"./provision-dsm.py"`
	VideoDir      string `env:"DSM_VIDEO_DIR" envDefault:"videos"`

	// Per-wait timeouts
	StartTimeout time.Duration `env:"DSM_START_TIMEOUT" envDefault:"30s"`
	BootTimeout  time.Duration `env:"DSM_BOOT_TIMEOUT" envDefault:"10m"`
	SmokeTimeout time.Duration `env:"DSM_SMOKE_TIMEOUT" envDefault:"60s"`
}

// LoadBuilderConfig loads configuration for the build pipeline
func LoadBuilderConfig() (*BuilderConfig, error) {
	cfg, err := env.ParseAs[BuilderConfig]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse builder config: %w", err)
	}
	return &cfg, nil
}
