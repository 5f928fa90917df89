package builder

import (
	"context"
	"fmt"
)

// Stage is one ordered unit of pipeline work. The set is fixed:
// boot → configure → flatten.
type Stage int

const (
	StageBoot Stage = iota
	StageConfigure
	StageFlatten
	StageDone
)

func (s Stage) String() string {
	switch s {
	case StageBoot:
		return "boot"
	case StageConfigure:
		return "configure"
	case StageFlatten:
		return "flatten"
	case StageDone:
		return "done"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// stageAfterCheckpoint maps persisted state to the stage the pipeline
// resumes at. Pure data instead of nested conditionals; the final-artifact
// short-circuit to StageDone is handled before this table is consulted.
var stageAfterCheckpoint = map[string]Stage{
	"":                   StageBoot,
	CheckpointStartReady: StageConfigure,
	CheckpointFinal:      StageFlatten,
}

// resumePoint is where a run starts: the first stage to execute, and the
// checkpoint a fresh instance is restored from (empty means boot from the
// base image).
type resumePoint struct {
	stage      Stage
	checkpoint string
}

// pipelineState is what stages hand to each other: the running instance, if
// any, and the image the flatten stage derives the final artifact from.
type pipelineState struct {
	inst       *Instance
	flattenSrc string
	tempCommit bool // flattenSrc is a temporary tag, delete it after flatten
}

// resolveResume decides the resume point, in priority order: existing final
// artifact, explicit --from-checkpoint, most-advanced existing checkpoint,
// from scratch.
func (s *Service) resolveResume(ctx context.Context) (resumePoint, error) {
	if !s.opts.NoCache {
		ok, err := s.rt.ImageExists(ctx, s.finalRef())
		if err != nil {
			return resumePoint{}, err
		}
		if ok {
			return resumePoint{stage: StageDone}, nil
		}
	}

	if s.opts.FromCheckpoint != "" {
		name, err := s.store.Normalize(s.opts.FromCheckpoint)
		if err != nil {
			return resumePoint{}, err
		}
		ok, err := s.store.Exists(ctx, name)
		if err != nil {
			return resumePoint{}, err
		}
		if !ok {
			return resumePoint{}, fmt.Errorf("checkpoint %q does not exist; available checkpoints: %s",
				name, joinNames(s.store.Names()))
		}
		return resumePoint{stage: stageAfterCheckpoint[name], checkpoint: name}, nil
	}

	if !s.opts.NoCache {
		// most advanced first
		names := s.store.Names()
		for i := len(names) - 1; i >= 0; i-- {
			ok, err := s.store.Exists(ctx, names[i])
			if err != nil {
				return resumePoint{}, err
			}
			if ok {
				return resumePoint{stage: stageAfterCheckpoint[names[i]], checkpoint: names[i]}, nil
			}
		}
	}

	return resumePoint{stage: StageBoot}, nil
}

func (s *Service) runStage(ctx context.Context, stage Stage, st *pipelineState) error {
	switch stage {
	case StageBoot:
		return s.stageBoot(ctx, st)
	case StageConfigure:
		return s.stageConfigure(ctx, st)
	case StageFlatten:
		return s.stageFlatten(ctx, st)
	}
	return fmt.Errorf("unknown stage %s", stage)
}

// stageBoot starts a fresh instance from the base image, waits for both
// readiness signals, and removes the installer payload from guest storage so
// it never ends up in the artifact. Persists start-ready when checkpointing
// is enabled.
func (s *Service) stageBoot(ctx context.Context, st *pipelineState) error {
	v, err := s.resolveVersion(ctx)
	if err != nil {
		return err
	}
	payload, err := s.ensurePayload(ctx, v)
	if err != nil {
		return err
	}
	bind, err := s.payloadBind(payload)
	if err != nil {
		return err
	}

	inst, err := s.startInstance(ctx, s.cfg.BaseImage, nil, []string{bind})
	if err != nil {
		return err
	}

	if err := s.waitExternalReady(ctx, s.cfg.HostPort); err != nil {
		return err
	}
	if err := s.waitGuestReady(ctx, inst); err != nil {
		return err
	}

	// One-time: the installer has been consumed into the guest disks by now.
	// The mounted payload is read-only and untouched; this removes only
	// copies the entrypoint left under guest storage, which would otherwise
	// bloat every commit.
	res, err := s.rt.Exec(ctx, inst.ID, []string{"sh", "-c", "rm -f /storage/*.pat"})
	if err != nil {
		return fmt.Errorf("removing installer payload: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("removing installer payload: exit %d: %s", res.ExitCode, res.Output)
	}

	if s.opts.Checkpoints {
		if _, err := s.store.Create(ctx, inst, CheckpointStartReady); err != nil {
			return err
		}
		// the next stage restores from the checkpoint it just produced
		s.current = nil
		st.inst = nil
		return nil
	}

	st.inst = inst
	return nil
}

// stageConfigure drives the first-run wizard through the automation driver
// and captures the final hypervisor snapshot. The snapshot is taken even
// when checkpointing is off: without it the flattened image cannot resume
// the configured guest.
func (s *Service) stageConfigure(ctx context.Context, st *pipelineState) error {
	if st.inst == nil {
		inst, err := s.restoreInstance(ctx, CheckpointStartReady)
		if err != nil {
			return err
		}
		st.inst = inst
	}

	for _, command := range []string{CmdWaitForBoot, CmdConfigureAdmin, CmdPostWizard, CmdConfigureSystem} {
		if err := s.driver.Run(ctx, command, s.cfg.GuestIP); err != nil {
			return err
		}
	}

	if s.opts.Checkpoints {
		ref, err := s.store.Create(ctx, st.inst, CheckpointFinal)
		if err != nil {
			return err
		}
		s.current = nil
		st.inst = nil
		st.flattenSrc = ref
		return nil
	}

	// no checkpoint artifact wanted: snapshot, then commit to a temporary
	// tag the flatten stage consumes and deletes
	if err := takeSnapshot(ctx, s.rt, s.logger, st.inst.ID, s.cfg.MonitorSocket, CheckpointFinal); err != nil {
		return err
	}
	if err := s.rt.StopInstance(ctx, st.inst.ID); err != nil {
		return fmt.Errorf("stopping configured instance: %w", err)
	}

	spec := CommitSpec{
		Comment: "dsmbake configured guest (pre-flatten)",
		Labels:  baseLabels(RoleTemp),
		Env:     restoreArguments(CheckpointFinal),
	}
	spec.Labels[LabelAccel] = string(st.inst.Accel)
	if _, err := s.rt.Commit(ctx, st.inst.ID, s.tempRef(), spec); err != nil {
		return fmt.Errorf("committing configured instance: %w", err)
	}
	if err := s.rt.RemoveInstance(ctx, st.inst.ID); err != nil {
		s.logger.Warn("failed to remove committed instance", "error", err)
	}
	s.current = nil
	st.inst = nil
	st.flattenSrc = s.tempRef()
	st.tempCommit = true
	return nil
}
