package builder

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(rt ContainerRuntime) *CheckpointStore {
	return NewCheckpointStore(rt, "vdsm/prebaked-test", "/run/qemu.sock", slog.New(slog.DiscardHandler))
}

func TestCheckpointRef(t *testing.T) {
	cs := testStore(newFakeRuntime())
	assert.Equal(t, "vdsm/prebaked-test:checkpoint-start-ready", cs.Ref(CheckpointStartReady))
	assert.Equal(t, "vdsm/prebaked-test:checkpoint-final", cs.Ref(CheckpointFinal))
}

func TestCheckpointNamesOrder(t *testing.T) {
	cs := testStore(newFakeRuntime())
	assert.Equal(t, []string{CheckpointStartReady, CheckpointFinal}, cs.Names())
}

func TestNormalize(t *testing.T) {
	cs := testStore(newFakeRuntime())

	for input, want := range map[string]string{
		"start-ready": CheckpointStartReady,
		"start":       CheckpointStartReady,
		"s":           CheckpointStartReady,
		"final":       CheckpointFinal,
		"f":           CheckpointFinal,
	} {
		got, err := cs.Normalize(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, got, "input %q", input)
	}

	_, err := cs.Normalize("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start-ready, final")

	// the empty string prefixes every name
	_, err = cs.Normalize("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")
}

func TestCreate_CommitsWithRestoreArguments(t *testing.T) {
	rt := newFakeRuntime()
	cs := testStore(rt)
	inst := &Instance{ID: "ctr-1", Name: "dsm-build-test", Accel: AccelKVM}

	ref, err := cs.Create(context.Background(), inst, CheckpointStartReady)
	require.NoError(t, err)
	assert.Equal(t, "vdsm/prebaked-test:checkpoint-start-ready", ref)

	labels, ok := rt.images[ref]
	require.True(t, ok)
	assert.Equal(t, "true", labels[LabelManaged])
	assert.Equal(t, RoleCheckpoint, labels[LabelRole])
	assert.Equal(t, CheckpointStartReady, labels[LabelCheckpoint])
	assert.Equal(t, string(AccelKVM), labels[LabelAccel])

	// snapshot before stop, stop before commit, commit before remove
	joined := strings.Join(rt.calls, "\n")
	snapIdx := strings.Index(joined, "savevm")
	stopIdx := strings.Index(joined, "stop ctr-1")
	commitIdx := strings.Index(joined, "commit ctr-1")
	removeIdx := strings.Index(joined, "remove ctr-1")
	require.GreaterOrEqual(t, snapIdx, 0)
	assert.Greater(t, stopIdx, snapIdx)
	assert.Greater(t, commitIdx, stopIdx)
	assert.Greater(t, removeIdx, commitIdx)
}

func TestCreate_AbortsOnSnapshotFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.execFn = func(cmd []string) ExecResult {
		// monitor reports failure as prose with a clean exit code
		return ExecResult{ExitCode: 0, Output: "Error: No block device supports snapshots"}
	}
	cs := testStore(rt)

	_, err := cs.Create(context.Background(), &Instance{ID: "ctr-1", Accel: AccelTCG}, CheckpointFinal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reported failure")

	// nothing may be committed after a failed snapshot
	_, ok := rt.images[cs.Ref(CheckpointFinal)]
	assert.False(t, ok)
	assert.NotContains(t, strings.Join(rt.calls, "\n"), "commit")
}

func TestRestoreArguments(t *testing.T) {
	args := restoreArguments(CheckpointFinal)
	assert.Equal(t, map[string]string{"ARGUMENTS": "-loadvm final"}, args)
}
