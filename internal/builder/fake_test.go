package builder

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeRuntime is an in-memory ContainerRuntime for pipeline tests. It tracks
// images by reference, running containers by id, and records every mutating
// call in order.
type fakeRuntime struct {
	mu sync.Mutex

	images     map[string]map[string]string  // ref -> labels
	running    map[string]string             // container id -> name
	execFn     func(cmd []string) ExecResult // overridable per test
	calls      []string
	startSpecs []StartSpec
	nextID     int
	startErr   error
	commitErr  error
	removedImg []string
}

func newFakeRuntime() *fakeRuntime {
	f := &fakeRuntime{
		images:  map[string]map[string]string{},
		running: map[string]string{},
	}
	// Default exec behavior: everything succeeds, and snapshot listings
	// contain both checkpoint names.
	f.execFn = func(cmd []string) ExecResult {
		if len(cmd) == 3 && strings.Contains(cmd[2], "info snapshots") {
			return ExecResult{Output: "ID  TAG\n1   start-ready\n2   final\n"}
		}
		return ExecResult{}
	}
	return f
}

func (f *fakeRuntime) addImage(ref string, labels map[string]string) {
	if labels == nil {
		labels = map[string]string{}
	}
	f.images[ref] = labels
}

func (f *fakeRuntime) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeRuntime) StartInstance(_ context.Context, spec StartSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.running[id] = spec.Name
	f.startSpecs = append(f.startSpecs, spec)
	f.record("start %s from %s", spec.Name, spec.Image)
	return id, nil
}

func (f *fakeRuntime) WaitRunning(context.Context, string, time.Duration) error { return nil }

func (f *fakeRuntime) StopInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", id)
	return nil
}

func (f *fakeRuntime) RemoveInstance(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, id)
	f.record("remove %s", id)
	return nil
}

func (f *fakeRuntime) InstanceLogs(context.Context, string, int) (string, error) {
	return "fake logs", nil
}

func (f *fakeRuntime) Exec(_ context.Context, id string, cmd []string) (ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("exec %s %v", id, cmd)
	return f.execFn(cmd), nil
}

func (f *fakeRuntime) Commit(_ context.Context, id, ref string, spec CommitSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return "", f.commitErr
	}
	f.images[ref] = spec.Labels
	f.record("commit %s -> %s", id, ref)
	return "sha256:" + ref, nil
}

func (f *fakeRuntime) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.images[ref]
	return ok, nil
}

func (f *fakeRuntime) ImageLabels(_ context.Context, ref string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	labels, ok := f.images[ref]
	if !ok {
		return nil, fmt.Errorf("no such image: %s", ref)
	}
	return labels, nil
}

func (f *fakeRuntime) ImageSize(context.Context, string) (int64, error) { return 1 << 30, nil }

func (f *fakeRuntime) TagImage(_ context.Context, source, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	labels, ok := f.images[source]
	if !ok {
		return fmt.Errorf("no such image: %s", source)
	}
	f.images[target] = labels
	f.record("tag %s -> %s", source, target)
	return nil
}

func (f *fakeRuntime) RemoveImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.images, ref)
	f.removedImg = append(f.removedImg, ref)
	f.record("rmi %s", ref)
	return nil
}

func (f *fakeRuntime) BuildImage(_ context.Context, _ string, tags []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tag := range tags {
		f.images[tag] = map[string]string{LabelManaged: "true"}
	}
	f.record("build %v", tags)
	return nil
}

func (f *fakeRuntime) PruneImages(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("prune")
	return 0, nil
}

func (f *fakeRuntime) Close() error { return nil }
