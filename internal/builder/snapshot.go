package builder

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// The QEMU monitor inside the instance is a control channel that accepts one
// textual command and returns free text. Success cannot be read off the exit
// code alone: the monitor reports failure as prose. The failure-text match is
// a heuristic; the authoritative check is that the snapshot is listed
// afterwards.
var snapshotFailureText = regexp.MustCompile(`(?i)\b(error|failed|could not|cannot|denied)\b`)

// SnapshotResult distinguishes "operation completed, outcome unknown" from
// "operation explicitly reported failure".
type SnapshotResult struct {
	Output string // free-text monitor response to savevm
	Listed bool   // snapshot present in a post-creation listing
}

func (r SnapshotResult) Check(name string) error {
	if snapshotFailureText.MatchString(r.Output) {
		return fmt.Errorf("snapshot %q reported failure: %s", name, strings.TrimSpace(r.Output))
	}
	if !r.Listed {
		return fmt.Errorf("snapshot %q not listed after creation", name)
	}
	return nil
}

// takeSnapshot creates a named hypervisor-level state snapshot of the running
// guest and verifies it is listed post-creation rather than trusting the
// savevm output text alone.
func takeSnapshot(ctx context.Context, rt ContainerRuntime, logger *slog.Logger, instanceID, socket, name string) error {
	logger.Info("taking hypervisor snapshot", "name", name)

	out, err := monitorCommand(ctx, rt, instanceID, socket, "savevm "+name)
	if err != nil {
		return fmt.Errorf("savevm %s: %w", name, err)
	}

	res := SnapshotResult{Output: out}
	if snapshotFailureText.MatchString(out) {
		// explicit failure text; no point consulting the listing
		return res.Check(name)
	}

	list, err := monitorCommand(ctx, rt, instanceID, socket, "info snapshots")
	if err != nil {
		// a dead monitor channel is its own failure, not an absent snapshot
		return fmt.Errorf("listing snapshots after savevm %s: %w", name, err)
	}
	res.Listed = strings.Contains(list, name)
	if err := res.Check(name); err != nil {
		return err
	}

	logger.Info("hypervisor snapshot created", "name", name)
	return nil
}

func monitorCommand(ctx context.Context, rt ContainerRuntime, instanceID, socket, command string) (string, error) {
	shell := fmt.Sprintf("echo %q | nc -U -w 5 %q", command, socket)
	res, err := rt.Exec(ctx, instanceID, []string{"sh", "-c", shell})
	if err != nil {
		return "", fmt.Errorf("monitor command %q: %w", command, err)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("monitor command %q exited %d: %s", command, res.ExitCode, strings.TrimSpace(res.Output))
	}
	return res.Output, nil
}
