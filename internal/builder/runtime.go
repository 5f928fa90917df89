package builder

import (
	"context"
	"time"
)

// StartSpec describes the container an instance runs in.
type StartSpec struct {
	Image     string
	Name      string
	Env       []string
	Binds     []string
	HostPort  int // host port published to the guest web port
	GuestPort int
	KVM       bool // expose /dev/kvm to the instance
}

// ExecResult is the outcome of a command run inside an instance.
type ExecResult struct {
	ExitCode int
	Output   string
}

// ContainerRuntime is the instance runtime collaborator: named instances and
// tagged artifact images with label-based filtering for cleanup. The Docker
// implementation lives in runtime/docker; tests use a fake.
type ContainerRuntime interface {
	// StartInstance force-removes any container already registered under
	// spec.Name before creating a new one.
	StartInstance(ctx context.Context, spec StartSpec) (string, error)
	WaitRunning(ctx context.Context, id string, timeout time.Duration) error
	StopInstance(ctx context.Context, id string) error
	RemoveInstance(ctx context.Context, id string) error
	InstanceLogs(ctx context.Context, id string, tail int) (string, error)
	Exec(ctx context.Context, id string, cmd []string) (ExecResult, error)

	// Commit persists the instance's state into a tagged image carrying the
	// metadata rendered from spec.
	Commit(ctx context.Context, id, ref string, spec CommitSpec) (string, error)

	ImageExists(ctx context.Context, ref string) (bool, error)
	ImageLabels(ctx context.Context, ref string) (map[string]string, error)
	ImageSize(ctx context.Context, ref string) (int64, error)
	TagImage(ctx context.Context, source, target string) error
	RemoveImage(ctx context.Context, ref string) error
	BuildImage(ctx context.Context, contextDir string, tags []string) error

	// PruneImages removes dangling images owned by this system, identified
	// by the managed-by label. Returns reclaimed bytes.
	PruneImages(ctx context.Context) (uint64, error)

	Close() error
}
