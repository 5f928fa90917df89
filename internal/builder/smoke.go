package builder

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/vdsm/dsmbake/internal/shared/poll"
)

// smokeTest boots a throwaway instance from the artifact on the alternate
// port and waits for its endpoint. On success the instance is torn down; on
// failure it is left running and its logs are dumped, trading automatic
// cleanup for debuggability.
func (s *Service) smokeTest(ctx context.Context, ref string) error {
	name := fmt.Sprintf("%s-smoke-%s", s.cfg.InstanceName, uuid.NewString()[:8])
	s.logger.Info("smoke testing artifact", "ref", ref, "instance", name)

	spec := StartSpec{
		Image:     ref,
		Name:      name,
		HostPort:  s.cfg.SmokePort,
		GuestPort: s.cfg.GuestPort,
		KVM:       s.opts.Accel == AccelKVM,
	}
	if s.opts.Accel == AccelTCG {
		spec.Env = append(spec.Env, "KVM=N")
	}

	id, err := s.rt.StartInstance(ctx, spec)
	if err != nil {
		return fmt.Errorf("smoke test: %w", err)
	}
	if err := s.rt.WaitRunning(ctx, id, s.cfg.StartTimeout); err != nil {
		return fmt.Errorf("smoke test: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d", s.cfg.SmokePort)
	probe := poll.HTTPProbe(&http.Client{Timeout: 2 * time.Second}, url)
	if err := s.waiter.WaitUntil(ctx, probe, s.cfg.SmokeTimeout, "smoke endpoint "+url); err != nil {
		if logs, lerr := s.rt.InstanceLogs(ctx, id, 50); lerr == nil {
			s.logger.Error("smoke instance log tail", "instance", name, "logs", logs)
		}
		return fmt.Errorf("smoke test failed, instance %s left running for inspection: %w", name, err)
	}

	if err := s.rt.StopInstance(ctx, id); err != nil {
		s.logger.Warn("failed to stop smoke instance", "instance", name, "error", err)
	}
	if err := s.rt.RemoveInstance(ctx, id); err != nil {
		s.logger.Warn("failed to remove smoke instance", "instance", name, "error", err)
	}

	s.logger.Info("smoke test passed", "ref", ref)
	return nil
}
