package builder

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vdsm/dsmbake/internal/shared/config"
	"github.com/vdsm/dsmbake/internal/shared/poll"
)

// Options are the per-run switches from the command line.
type Options struct {
	Keep                bool   // skip instance cleanup on exit
	NoCache             bool   // ignore checkpoints and the final artifact
	DisableImageCleanup bool   // skip dangling managed-image GC
	FromCheckpoint      string // force the resume point (prefix-normalized)
	Explore             bool   // restore a checkpoint and stop; requires FromCheckpoint
	Checkpoints         bool   // persist checkpoint artifacts during this run
	Accel               AccelMode
}

// Service is the build orchestrator. Execution is single-threaded and
// strictly sequential; the only concurrency-adjacent behavior is blocking
// polls on the calling goroutine.
type Service struct {
	cfg    *config.BuilderConfig
	opts   Options
	rt     ContainerRuntime
	store  *CheckpointStore
	driver *AutomationDriver
	waiter poll.Waiter
	logger *slog.Logger

	httpClient  *http.Client
	releases    *releaseClient
	payloadBase string

	version *VersionInfo // resolved lazily, at most once per run
	current *Instance    // the registered build instance, nil when none
}

func NewService(cfg *config.BuilderConfig, opts Options, rt ContainerRuntime, logger *slog.Logger) *Service {
	httpClient := &http.Client{Timeout: 30 * time.Second}
	return &Service{
		cfg:         cfg,
		opts:        opts,
		rt:          rt,
		store:       NewCheckpointStore(rt, cfg.ImageName, cfg.MonitorSocket, logger),
		driver:      NewAutomationDriver(cfg, logger),
		waiter:      poll.New(logger),
		logger:      logger,
		httpClient:  httpClient,
		releases:    newReleaseClient(httpClient),
		payloadBase: defaultPayloadBase,
	}
}

// Run executes the pipeline from the resolved resume point to completion.
func (s *Service) Run(ctx context.Context) error {
	if _, err := s.targetRef(ctx); err != nil {
		return err
	}

	rp, err := s.resolveResume(ctx)
	if err != nil {
		return err
	}

	if rp.stage == StageDone {
		s.logger.Info("final artifact already exists, nothing to do", "ref", s.finalRef())
		return nil
	}

	st := &pipelineState{}
	if rp.checkpoint != "" {
		if rp.checkpoint == CheckpointFinal {
			// flatten works straight off the checkpoint image; a running
			// instance is only needed for exploration
			st.flattenSrc = s.store.Ref(CheckpointFinal)
		}
		if s.opts.Explore || rp.checkpoint != CheckpointFinal {
			inst, err := s.restoreInstance(ctx, rp.checkpoint)
			if err != nil {
				return err
			}
			st.inst = inst
		}
		if s.opts.Explore {
			s.logger.Info("exploring checkpoint, no further stages will run",
				"checkpoint", rp.checkpoint,
				"instance", s.cfg.InstanceName,
				"url", fmt.Sprintf("http://127.0.0.1:%d", s.cfg.HostPort),
			)
			return nil
		}
	}

	for stage := rp.stage; stage < StageDone; stage++ {
		s.logger.Info("running stage", "stage", stage)
		if err := s.runStage(ctx, stage, st); err != nil {
			s.dumpInstanceLogs(ctx)
			return fmt.Errorf("stage %s: %w", stage, err)
		}
	}

	if !s.opts.DisableImageCleanup {
		s.pruneImages(ctx)
	}

	s.logger.Info("build complete", "ref", s.finalRef(), "alias", s.aliasRef())
	return nil
}

// Cleanup stops and removes the registered build instance. It runs on every
// exit path; failures are logged and ignored since they do not affect the
// correctness of the next run.
func (s *Service) Cleanup(ctx context.Context) {
	if s.current == nil {
		return
	}
	if s.opts.Keep || s.opts.Explore {
		s.logger.Info("keeping build instance", "instance", s.current.Name)
		return
	}
	s.logger.Info("cleaning up build instance", "instance", s.current.Name)
	if err := s.rt.RemoveInstance(ctx, s.current.ID); err != nil {
		s.logger.Warn("failed to remove build instance", "instance", s.current.Name, "error", err)
	}
	s.current = nil
}

// targetRef resolves the final artifact reference, scraping the DSM version
// when no explicit tag is configured.
func (s *Service) targetRef(ctx context.Context) (string, error) {
	if s.cfg.ImageTag == "" {
		v, err := s.resolveVersion(ctx)
		if err != nil {
			return "", err
		}
		s.cfg.ImageTag = v.Version
	}
	return s.finalRef(), nil
}

func (s *Service) finalRef() string {
	return s.cfg.ImageName + ":" + s.cfg.ImageTag
}

// aliasRef is the version alias applied only after the smoke test passes.
func (s *Service) aliasRef() string {
	return s.cfg.ImageName + ":latest"
}

func (s *Service) tempRef() string {
	return s.cfg.ImageName + ":build-temp"
}

func (s *Service) resolveVersion(ctx context.Context) (VersionInfo, error) {
	if s.version != nil {
		return *s.version, nil
	}
	if s.cfg.Version != "" && s.cfg.Build != "" {
		s.version = &VersionInfo{Version: s.cfg.Version, Build: s.cfg.Build}
		return *s.version, nil
	}
	v, err := s.releases.Latest(ctx)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("resolving DSM version: %w", err)
	}
	s.logger.Info("resolved DSM version", "version", v.Version, "build", v.Build)
	s.version = &v
	return v, nil
}

// startInstance starts a container and registers it as the current build
// instance. Starting force-removes anything holding the instance name, which
// keeps the single-build-at-a-time invariant.
func (s *Service) startInstance(ctx context.Context, source string, env, binds []string) (*Instance, error) {
	spec := StartSpec{
		Image:     source,
		Name:      s.cfg.InstanceName,
		Env:       env,
		Binds:     binds,
		HostPort:  s.cfg.HostPort,
		GuestPort: s.cfg.GuestPort,
		KVM:       s.opts.Accel == AccelKVM,
	}
	if s.opts.Accel == AccelTCG {
		spec.Env = append(spec.Env, "KVM=N")
	}

	id, err := s.rt.StartInstance(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("starting instance from %s: %w", source, err)
	}
	inst := &Instance{ID: id, Name: s.cfg.InstanceName, Source: source, Accel: s.opts.Accel}
	s.current = inst

	if err := s.rt.WaitRunning(ctx, id, s.cfg.StartTimeout); err != nil {
		return nil, fmt.Errorf("instance never reached running state: %w", err)
	}
	return inst, nil
}

// restoreInstance materializes a running instance from a checkpoint. A
// checkpoint taken under the other acceleration mode is rejected before any
// container is started; its snapshot would not load cleanly.
func (s *Service) restoreInstance(ctx context.Context, name string) (*Instance, error) {
	ok, err := s.store.Exists(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("checkpoint %q does not exist; available checkpoints: %s",
			name, joinNames(s.store.Names()))
	}

	ref := s.store.Ref(name)
	labels, err := s.rt.ImageLabels(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("inspecting checkpoint %s: %w", name, err)
	}
	if accel := labels[LabelAccel]; accel != "" && accel != string(s.opts.Accel) {
		return nil, fmt.Errorf("checkpoint %q was created under %s acceleration, current mode is %s",
			name, accel, s.opts.Accel)
	}

	s.logger.Info("restoring instance from checkpoint", "checkpoint", name, "ref", ref)
	inst, err := s.startInstance(ctx, ref, nil, nil)
	if err != nil {
		return nil, err
	}
	if err := s.waitExternalReady(ctx, s.cfg.HostPort); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *Service) waitExternalReady(ctx context.Context, port int) error {
	url := fmt.Sprintf("http://127.0.0.1:%d", port)
	probe := poll.HTTPProbe(&http.Client{Timeout: 2 * time.Second}, url)
	return s.waiter.WaitUntil(ctx, probe, s.cfg.BootTimeout, "external endpoint "+url)
}

// waitGuestReady probes the guest's private-network address from inside the
// instance. The guest's stack initializes asynchronously relative to the
// host-facing endpoint, so this runs as a separate wait with its own
// diagnostics.
func (s *Service) waitGuestReady(ctx context.Context, inst *Instance) error {
	url := fmt.Sprintf("http://%s:%d", s.cfg.GuestIP, s.cfg.GuestPort)
	probe := func(ctx context.Context) bool {
		res, err := s.rt.Exec(ctx, inst.ID, []string{"wget", "-q", "-O-", "-T", "2", url})
		return err == nil && res.ExitCode == 0
	}
	return s.waiter.WaitUntil(ctx, probe, s.cfg.BootTimeout, "guest endpoint "+url)
}

// dumpInstanceLogs attaches the instance's recent output to a failing run.
func (s *Service) dumpInstanceLogs(ctx context.Context) {
	if s.current == nil {
		return
	}
	logs, err := s.rt.InstanceLogs(ctx, s.current.ID, 50)
	if err != nil {
		s.logger.Warn("failed to fetch instance logs", "error", err)
		return
	}
	s.logger.Error("instance log tail", "instance", s.current.Name, "logs", logs)
}

func (s *Service) pruneImages(ctx context.Context) {
	reclaimed, err := s.rt.PruneImages(ctx)
	if err != nil {
		s.logger.Warn("image cleanup failed", "error", err)
		return
	}
	if reclaimed > 0 {
		s.logger.Info("removed dangling managed images", "reclaimed", humanize.Bytes(reclaimed))
	}
}

// guestPayloadPath is where the base image's entrypoint picks up a
// pre-supplied installer.
const guestPayloadPath = "/boot.pat"

// payloadBind mounts the cached installer into the instance, read-only and
// as a single file. The guest's /storage must stay inside the container
// filesystem: commits do not capture bind-mounted paths, and /storage is
// exactly what checkpoints and the flatten derivation need to capture.
func (s *Service) payloadBind(payloadPath string) (string, error) {
	abs, err := filepath.Abs(payloadPath)
	if err != nil {
		return "", err
	}
	return abs + ":" + guestPayloadPath + ":ro", nil
}
