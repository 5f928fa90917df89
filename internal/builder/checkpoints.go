package builder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/samber/lo"
)

// Checkpoint names form a closed set and a strict linear chain, ordered
// least to most advanced. A checkpoint is write-once: once its tag exists it
// is never mutated, only superseded by a --no-cache rebuild.
const (
	CheckpointStartReady = "start-ready" // guest booted, payload cleaned, wizard untouched
	CheckpointFinal      = "final"       // wizard completed, system configured
)

var checkpointNames = []string{CheckpointStartReady, CheckpointFinal}

// CheckpointStore names, probes and creates checkpoints backed by tagged
// images plus a hypervisor state capture. It does not verify predecessor
// existence; stage ordering is the executor's responsibility.
type CheckpointStore struct {
	rt            ContainerRuntime
	imageName     string
	monitorSocket string
	logger        *slog.Logger
}

func NewCheckpointStore(rt ContainerRuntime, imageName, monitorSocket string, logger *slog.Logger) *CheckpointStore {
	return &CheckpointStore{
		rt:            rt,
		imageName:     imageName,
		monitorSocket: monitorSocket,
		logger:        logger,
	}
}

// Names returns the closed checkpoint name set, least advanced first.
func (cs *CheckpointStore) Names() []string {
	return append([]string(nil), checkpointNames...)
}

// Ref is the image reference backing a checkpoint. Existence of this tag is
// what defines checkpoint existence; there are no side files.
func (cs *CheckpointStore) Ref(name string) string {
	return fmt.Sprintf("%s:checkpoint-%s", cs.imageName, name)
}

func (cs *CheckpointStore) Exists(ctx context.Context, name string) (bool, error) {
	return cs.rt.ImageExists(ctx, cs.Ref(name))
}

// Normalize resolves a user-supplied checkpoint name by unique prefix.
// Unknown or ambiguous input is an error listing the valid names.
func (cs *CheckpointStore) Normalize(input string) (string, error) {
	matches := lo.Filter(checkpointNames, func(n string, _ int) bool {
		return strings.HasPrefix(n, input)
	})
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return "", fmt.Errorf("unknown checkpoint %q; available checkpoints: %s", input, strings.Join(checkpointNames, ", "))
	default:
		return "", fmt.Errorf("ambiguous checkpoint %q matches %s", input, strings.Join(matches, ", "))
	}
}

// Create persists the instance as checkpoint name: snapshot the running
// guest, stop the container, commit it with restore arguments that auto-load
// the snapshot on next start, and destroy the instance handle. Any reported
// snapshot failure aborts before the commit.
func (cs *CheckpointStore) Create(ctx context.Context, inst *Instance, name string) (string, error) {
	ref := cs.Ref(name)
	cs.logger.Info("creating checkpoint", "checkpoint", name, "ref", ref)

	if err := takeSnapshot(ctx, cs.rt, cs.logger, inst.ID, cs.monitorSocket, name); err != nil {
		return "", err
	}

	if err := cs.rt.StopInstance(ctx, inst.ID); err != nil {
		return "", fmt.Errorf("stopping instance for checkpoint %s: %w", name, err)
	}

	spec := CommitSpec{
		Comment: fmt.Sprintf("dsmbake checkpoint %s", name),
		Labels:  baseLabels(RoleCheckpoint),
		Env:     restoreArguments(name),
	}
	spec.Labels[LabelCheckpoint] = name
	spec.Labels[LabelAccel] = string(inst.Accel)

	if _, err := cs.rt.Commit(ctx, inst.ID, ref, spec); err != nil {
		return "", fmt.Errorf("committing checkpoint %s: %w", name, err)
	}

	if err := cs.rt.RemoveInstance(ctx, inst.ID); err != nil {
		cs.logger.Warn("failed to remove committed instance", "instance", inst.Name, "error", err)
	}

	cs.logger.Info("checkpoint created", "checkpoint", name, "ref", ref)
	return ref, nil
}

func joinNames(names []string) string {
	return strings.Join(names, ", ")
}

// restoreArguments are the runtime parameters baked into a checkpoint image
// so a container started from it resumes the named snapshot.
func restoreArguments(name string) map[string]string {
	return map[string]string{
		"ARGUMENTS": "-loadvm " + name,
	}
}
