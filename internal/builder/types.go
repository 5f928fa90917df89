// Package builder orchestrates the checkpointed Virtual DSM appliance build:
// boot the guest, drive its first-run configuration, flatten the result into
// a distributable image, and persist restartable checkpoints along the way.
package builder

import (
	"fmt"
	"os"
)

// AccelMode is the virtualization variant the guest runs under. Snapshots
// taken under one mode are not valid under the other, so the mode is fixed
// at instance creation and recorded on every checkpoint.
type AccelMode string

const (
	AccelKVM AccelMode = "kvm"
	AccelTCG AccelMode = "tcg"
)

const kvmDevice = "/dev/kvm"

// Instance is the single ephemeral build container. At most one exists per
// target; the runtime enforces this by force-removing anything already
// registered under the instance name.
type Instance struct {
	ID     string
	Name   string
	Source string // image or checkpoint reference it was started from
	Accel  AccelMode
}

// ResolveAccel picks the acceleration mode. Forcing both variants is an
// error; forcing KVM on a host without the device is fatal rather than a
// silent fallback. With no flags the mode is detected from host capability,
// falling back to software emulation.
func ResolveAccel(forceKVM, forceTCG bool) (AccelMode, error) {
	if forceKVM && forceTCG {
		return "", fmt.Errorf("--kvm and --tcg are mutually exclusive")
	}
	if forceKVM {
		if !kvmAvailable() {
			return "", fmt.Errorf("--kvm requested but %s is not available", kvmDevice)
		}
		return AccelKVM, nil
	}
	if forceTCG {
		return AccelTCG, nil
	}
	if kvmAvailable() {
		return AccelKVM, nil
	}
	return AccelTCG, nil
}

func kvmAvailable() bool {
	_, err := os.Stat(kvmDevice)
	return err == nil
}
