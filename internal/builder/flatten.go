package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// stageFlatten derives the final artifact from the configured image: a fresh
// build on top of the clean base image that carries over only the guest
// storage, stripping build-time tooling and layer history. The version alias
// is applied only after the smoke test passes.
func (s *Service) stageFlatten(ctx context.Context, st *pipelineState) error {
	src := st.flattenSrc
	if src == "" {
		// resuming straight into flatten without a temp commit: the final
		// checkpoint is the only possible source
		src = s.store.Ref(CheckpointFinal)
	}

	before, err := s.rt.ImageSize(ctx, src)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", src, err)
	}

	dir, err := os.MkdirTemp("", "dsmbake-flatten-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(s.flattenDockerfile(src)), 0o644); err != nil {
		return err
	}

	target := s.finalRef()
	s.logger.Info("flattening image", "source", src, "target", target)
	if err := s.rt.BuildImage(ctx, dir, []string{target}); err != nil {
		return fmt.Errorf("flatten build: %w", err)
	}

	after, err := s.rt.ImageSize(ctx, target)
	if err != nil {
		return fmt.Errorf("inspecting %s: %w", target, err)
	}
	s.logger.Info("image flattened",
		"before", humanize.Bytes(uint64(before)),
		"after", humanize.Bytes(uint64(after)),
	)

	if st.tempCommit {
		// best effort; a stale temp tag does not affect the next run
		if err := s.rt.RemoveImage(ctx, s.tempRef()); err != nil {
			s.logger.Warn("failed to remove temporary image", "ref", s.tempRef(), "error", err)
		}
	}

	if err := s.smokeTest(ctx, target); err != nil {
		return err
	}

	if err := s.rt.TagImage(ctx, target, s.aliasRef()); err != nil {
		return fmt.Errorf("tagging %s: %w", s.aliasRef(), err)
	}
	return nil
}

// flattenDockerfile is the no-tooling derivation: only /storage survives
// from the build, everything else comes from the pristine base image. The
// restore arguments make a container started from the artifact resume the
// final snapshot.
func (s *Service) flattenDockerfile(src string) string {
	labels := baseLabels(RoleFinal)
	labels[LabelAccel] = string(s.opts.Accel)
	if s.version != nil {
		labels["org.opencontainers.image.version"] = s.version.String()
	}

	spec := CommitSpec{Labels: labels, Env: restoreArguments(CheckpointFinal), ExposedPorts: []int{s.cfg.GuestPort}}

	out := fmt.Sprintf("FROM %s AS built\n\nFROM %s\nCOPY --from=built /storage /storage\n", src, s.cfg.BaseImage)
	for _, change := range spec.Changes() {
		out += change + "\n"
	}
	return out
}
