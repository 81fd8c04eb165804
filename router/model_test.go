package router

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestModel() *Model {
	return NewModel(ModelConfig{Levels: 2, Inputs: 12, Outputs: 12})
}

func TestNewModel_DefaultIdentityRouting(t *testing.T) {
	m := newTestModel()
	snap := m.Snapshot(0)
	require.Equal(t, "Video", snap.LevelNames[0])
	require.Equal(t, "Audio 1", snap.LevelNames[1])
	for l := 0; l < snap.Levels; l++ {
		for d := 0; d < snap.Outputs; d++ {
			require.Equal(t, d, snap.Routes[l][d])
		}
	}
}

func TestSetRoute_BoundsInvariant(t *testing.T) {
	m := newTestModel()
	applied, err := m.SetRoute(0, 3, 99, 1)
	require.False(t, applied)
	require.Error(t, err)
	var be *BoundsError
	require.ErrorAs(t, err, &be)

	snap := m.Snapshot(0)
	require.Equal(t, 3, snap.Routes[0][3]) // unchanged
}

func TestSetRoute_Success(t *testing.T) {
	m := newTestModel()
	var got []RouteEntry
	m.Subscribe(func(ev Event) {
		if rc, ok := ev.(RoutingChanged); ok {
			got = append(got, rc.Changes...)
		}
	})
	applied, err := m.SetRoute(0, 3, 7, 1)
	require.True(t, applied)
	require.NoError(t, err)
	require.Equal(t, []RouteEntry{{Level: 0, Dest: 3, Source: 7}}, got)

	snap := m.Snapshot(0)
	require.Equal(t, 7, snap.Routes[0][3])
}

func TestSetRoute_NoopStillOk(t *testing.T) {
	m := newTestModel()
	applied, err := m.SetRoute(0, 3, 3, 1)
	require.True(t, applied)
	require.NoError(t, err)
}

func TestLock_OwnershipScoping(t *testing.T) {
	m := newTestModel()
	const peerA, peerB ConnID = 1, 2

	require.NoError(t, m.SetLock(0, LockOwn, peerA))

	_, err := m.SetRoute(0, 0, 5, peerB)
	require.Error(t, err)
	var le *LockError
	require.ErrorAs(t, err, &le)

	applied, err := m.SetRoute(0, 0, 5, peerA)
	require.True(t, applied)
	require.NoError(t, err)
}

func TestLock_PeerRelativeView(t *testing.T) {
	m := newTestModel()
	const peerA, peerB ConnID = 1, 2
	require.NoError(t, m.SetLock(0, LockOwn, peerA))

	viewA := m.Snapshot(peerA)
	viewB := m.Snapshot(peerB)
	require.Equal(t, ViewOwned, viewA.Locks[0])
	require.Equal(t, ViewLocked, viewB.Locks[0])
}

func TestLock_ReleaseOnDisconnect(t *testing.T) {
	m := newTestModel()
	const peerA ConnID = 1
	require.NoError(t, m.SetLock(0, LockOwn, peerA))
	require.NoError(t, m.SetLock(1, LockOwn, peerA))

	changed := m.ReleaseLocksHeldBy(peerA)
	require.ElementsMatch(t, []int{0, 1}, changed)

	snap := m.Snapshot(0)
	for _, d := range []int{0, 1} {
		require.Equal(t, ViewUnlocked, snap.Locks[d])
	}
}

func TestLock_UnlockByNonOwnerRejected(t *testing.T) {
	m := newTestModel()
	const peerA, peerB ConnID = 1, 2
	require.NoError(t, m.SetLock(0, LockOwn, peerA))
	err := m.SetLock(0, LockUnlock, peerB)
	require.Error(t, err)
}

func TestLock_ForceAlwaysSucceeds(t *testing.T) {
	m := newTestModel()
	const peerA, peerB ConnID = 1, 2
	require.NoError(t, m.SetLock(0, LockOwn, peerA))
	require.NoError(t, m.SetLock(0, LockForce, peerB))
	snap := m.Snapshot(peerA)
	require.Equal(t, ViewUnlocked, snap.Locks[0])
}

// TestConcurrentRoutesConverge exercises the concurrency property from
// spec.md §8: one caller per destination racing set_route(d, s) on
// distinct destinations each observe their own write after the dust settles,
// and the model's internal mutex makes every mutation atomic so no
// write is lost or torn.
func TestConcurrentRoutesConverge(t *testing.T) {
	m := newTestModel()
	var wg sync.WaitGroup
	for d := 0; d < m.Outputs(); d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			src := (d + 1) % m.Inputs()
			_, err := m.SetRoute(0, d, src, ConnID(d+1))
			require.NoError(t, err)
		}(d)
	}
	wg.Wait()

	snap := m.Snapshot(0)
	for d := 0; d < m.Outputs(); d++ {
		require.Equal(t, (d+1)%m.Inputs(), snap.Routes[0][d])
	}
}

func TestSetRoutes_PartialSuccess(t *testing.T) {
	m := newTestModel()
	applied, rejected := m.SetRoutes(0, map[int]int{1: 2, 99: 5}, 1)
	require.Len(t, applied, 1)
	require.Len(t, rejected, 1)
	require.Contains(t, applied, 1)
	require.Contains(t, rejected, 99)
}

func TestLabels_BoundsAndChangeEvents(t *testing.T) {
	m := newTestModel()
	var changed []int
	m.Subscribe(func(ev Event) {
		if c, ok := ev.(InputLabelsChanged); ok {
			changed = append(changed, c.Indices...)
		}
	})
	require.NoError(t, m.SetInputLabel(0, "Camera 1"))
	require.Error(t, m.SetInputLabel(99, "nope"))
	require.Equal(t, []int{0}, changed)
}

func TestBus_SlowConsumerDegradesWithoutBlockingOthers(t *testing.T) {
	b := NewBus()
	slowID, slowCh := b.Subscribe()
	_, fastCh := b.Subscribe()

	for i := 0; i < consumerQueueSize+10; i++ {
		b.Publish(ServerStarted{Port: i})
	}

	require.True(t, b.Degraded(slowID))
	require.Len(t, slowCh, consumerQueueSize)
	require.Len(t, fastCh, consumerQueueSize)
}
