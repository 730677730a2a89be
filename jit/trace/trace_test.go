package trace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loxxgo/tracejit/jit/ir"
	"github.com/loxxgo/tracejit/jit/snapshot"
)

func snapshotAt(ref ir.Ref) snapshot.Snapshot {
	return snapshot.Snapshot{IRRef: ref, NextIP: snapshot.PendingIP}
}

func TestPatchPendingResumeIPs(t *testing.T) {
	tr := newTestTrace(0)
	tr.AddSnapshot(snapshotAt(1))
	resolved := snapshotAt(3)
	resolved.NextIP = 99
	tr.AddSnapshot(resolved)
	tr.AddSnapshot(snapshotAt(5))

	tr.PatchPendingResumeIPs(42)
	require.Equal(t, 42, tr.Snapshots[0].NextIP)
	require.Equal(t, 99, tr.Snapshots[1].NextIP, "already-resolved snapshots are left alone")
	require.Equal(t, 42, tr.Snapshots[2].NextIP)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "RECORDING", Recording.String())
	require.Equal(t, "COMPILED", Compiled.String())
	require.Equal(t, "BLACKLISTED", Blacklisted.String())
}
