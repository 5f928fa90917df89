package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/moby/go-archive"
	"github.com/vdsm/dsmbake/internal/builder"
)

// ImageExists reports whether a correspondingly-tagged image is present.
func (r *Runtime) ImageExists(ctx context.Context, ref string) (bool, error) {
	if _, err := r.client.ImageInspect(ctx, ref); err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image: %w", err)
	}
	return true, nil
}

func (r *Runtime) ImageLabels(ctx context.Context, ref string) (map[string]string, error) {
	inspect, err := r.client.ImageInspect(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect image: %w", err)
	}
	if inspect.Config == nil {
		return nil, nil
	}
	return inspect.Config.Labels, nil
}

func (r *Runtime) ImageSize(ctx context.Context, ref string) (int64, error) {
	inspect, err := r.client.ImageInspect(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect image: %w", err)
	}
	return inspect.Size, nil
}

func (r *Runtime) TagImage(ctx context.Context, source, target string) error {
	if err := r.client.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("failed to tag image: %w", err)
	}
	return nil
}

func (r *Runtime) RemoveImage(ctx context.Context, ref string) error {
	if _, err := r.client.ImageRemove(ctx, ref, image.RemoveOptions{PruneChildren: true}); err != nil {
		return fmt.Errorf("failed to remove image: %w", err)
	}
	return nil
}

// BuildImage builds the Dockerfile in contextDir and tags the result.
func (r *Runtime) BuildImage(ctx context.Context, contextDir string, tags []string) error {
	buildContext, err := archive.TarWithOptions(contextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildContext.Close()

	resp, err := r.client.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        tags,
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
		Labels:      map[string]string{builder.LabelManaged: "true"},
	})
	if err != nil {
		return fmt.Errorf("docker build failed: %w", err)
	}
	defer resp.Body.Close()

	// The daemon streams JSON messages with a 200 status even when the
	// build fails; failure shows up as an error message in the stream.
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read build output: %w", err)
	}
	if bytes.Contains(out, []byte(`"errorDetail"`)) {
		return fmt.Errorf("docker build reported an error: %s", lastLine(out))
	}

	r.logger.Debug("image built", "tags", tags)
	return nil
}

func lastLine(out []byte) string {
	lines := bytes.Split(bytes.TrimSpace(out), []byte("\n"))
	return string(lines[len(lines)-1])
}

// PruneImages removes dangling images carrying the managed-by label.
func (r *Runtime) PruneImages(ctx context.Context) (uint64, error) {
	report, err := r.client.ImagesPrune(ctx, filters.NewArgs(
		filters.Arg("dangling", "true"),
		filters.Arg("label", builder.LabelManaged+"=true"),
	))
	if err != nil {
		return 0, fmt.Errorf("failed to prune images: %w", err)
	}
	return report.SpaceReclaimed, nil
}
