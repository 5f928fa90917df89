package builder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/vdsm/dsmbake/internal/shared/config"
)

// Automation driver commands, run in this order by the configure stage.
const (
	CmdWaitForBoot     = "wait-for-boot"
	CmdConfigureAdmin  = "configure-admin"
	CmdPostWizard      = "post-wizard"
	CmdConfigureSystem = "configure-system"
)

// AutomationDriver invokes the browser-automation executable as an opaque
// step: one named command per invocation, pass/fail decided solely by its
// exit status, per-command configuration passed as environment pairs. The
// driver records one video per command under the recordings directory,
// overwriting the file on re-run.
type AutomationDriver struct {
	bin    string
	env    []string
	logger *slog.Logger
}

func NewAutomationDriver(cfg *config.BuilderConfig, logger *slog.Logger) *AutomationDriver {
	return &AutomationDriver{
		bin: cfg.AutomationBin,
		env: []string{
			fmt.Sprintf("DSM_BASE_URL=http://127.0.0.1:%d", cfg.HostPort),
			"DSM_SERVER_NAME=" + cfg.ServerName,
			"DSM_ADMIN_USER=" + cfg.AdminUser,
			"DSM_ADMIN_PASS=" + cfg.AdminPass,
			"PLAYWRIGHT_VIDEO_DIR=" + cfg.VideoDir,
		},
		logger: logger,
	}
}

// Run executes one automation command against the guest. Driver output is
// streamed through so automation progress is visible live.
func (d *AutomationDriver) Run(ctx context.Context, command, vmIP string) error {
	d.logger.Info("running automation step", "command", command)
	start := time.Now()

	cmd := exec.CommandContext(ctx, d.bin, command, "--vm-ip", vmIP)
	cmd.Env = append(os.Environ(), d.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("automation step %s failed: %w", command, err)
	}

	d.logger.Info("automation step complete",
		"command", command,
		"duration", time.Since(start).Round(time.Second),
	)
	return nil
}
