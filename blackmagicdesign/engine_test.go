package blackmagicdesign

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"puzzlekraken.com/routerhub/router"
)

// startTestEngine starts a VideoHub engine on loopback and returns it
// together with its bound address, torn down on test cleanup.
func startTestEngine(t *testing.T, inputs, outputs int) (*Engine, string) {
	t.Helper()
	e := NewEngine(router.EngineConfig{Inputs: inputs, Outputs: outputs, Levels: 1})
	port, err := e.Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })
	return e, fmt.Sprintf("127.0.0.1:%d", port)
}

// dialPeer connects to addr and bounds every Read/Write on the
// returned socket so a protocol mistake fails the test instead of
// hanging it.
func dialPeer(t *testing.T, addr string) *VideohubSocket {
	t.Helper()
	sock, err := DialVideohub(addr)
	require.NoError(t, err)
	require.NoError(t, sock.Conn.(interface{ SetDeadline(time.Time) error }).SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { sock.Close() })
	return sock
}

// drainInitialDump reads and discards the accept-time status dump up
// to and including EndPreludeBlock (spec §4.3).
func drainInitialDump(t *testing.T, sock *VideohubSocket) {
	t.Helper()
	for i := 0; i < 10; i++ {
		blk, err := sock.Read()
		require.NoError(t, err)
		if _, ok := blk.(*EndPreludeBlock); ok {
			return
		}
	}
	t.Fatal("initial dump did not terminate with EndPreludeBlock")
}

// S1: PING is answered with ACK.
func TestScenario_Ping(t *testing.T) {
	_, addr := startTestEngine(t, 4, 4)
	sock := dialPeer(t, addr)
	drainInitialDump(t, sock)

	require.NoError(t, sock.Write(&PingBlock{}))
	blk, err := sock.Read()
	require.NoError(t, err)
	require.IsType(t, &AckBlock{}, blk)
}

// An empty-body block is a query, not an update request: it must be
// ack'd and answered with the full current section, never NAK'd (spec
// §4.2.1). Exercises the VideoOutputRoutingBlock/OutputLabelsBlock/
// VideoOutputLocksBlock query path, not just non-empty update bodies.
func TestScenario_EmptyBodyIsQueryNotUpdate(t *testing.T) {
	e, addr := startTestEngine(t, 4, 4)
	e.SetOutputLabel(2, "Program")
	sock := dialPeer(t, addr)
	drainInitialDump(t, sock)

	require.NoError(t, sock.Write(&VideoOutputRoutingBlock{}))
	blk, err := sock.Read()
	require.NoError(t, err)
	require.IsType(t, &AckBlock{}, blk)
	blk, err = sock.Read()
	require.NoError(t, err)
	rb, ok := blk.(*VideoOutputRoutingBlock)
	require.True(t, ok)
	require.Len(t, rb.Routing, 4)

	require.NoError(t, sock.Write(&OutputLabelsBlock{}))
	blk, err = sock.Read()
	require.NoError(t, err)
	require.IsType(t, &AckBlock{}, blk)
	blk, err = sock.Read()
	require.NoError(t, err)
	lb, ok := blk.(*OutputLabelsBlock)
	require.True(t, ok)
	require.Equal(t, "Program", lb.Labels[2])

	require.NoError(t, sock.Write(&VideoOutputLocksBlock{}))
	blk, err = sock.Read()
	require.NoError(t, err)
	require.IsType(t, &AckBlock{}, blk)
	blk, err = sock.Read()
	require.NoError(t, err)
	_, ok = blk.(*VideoOutputLocksBlock)
	require.True(t, ok)
}

// S2: an in-range route update is accepted, acked, and broadcast with
// the applied delta.
func TestScenario_RouteUpdateSuccess(t *testing.T) {
	e, addr := startTestEngine(t, 4, 4)
	sock := dialPeer(t, addr)
	drainInitialDump(t, sock)

	require.NoError(t, sock.Write(&VideoOutputRoutingBlock{Routing: Routing{3: 1}}))

	blk, err := sock.Read()
	require.NoError(t, err)
	require.IsType(t, &AckBlock{}, blk)

	blk, err = sock.Read()
	require.NoError(t, err)
	rb, ok := blk.(*VideoOutputRoutingBlock)
	require.True(t, ok)
	require.Equal(t, 1, rb.Routing[3])

	snap := e.GetState()
	require.Equal(t, 1, snap.Routes[0][3])
}

// S3: a source index outside [0,inputs) is rejected with NAK and
// leaves the model untouched.
func TestScenario_RouteUpdateOutOfRange(t *testing.T) {
	e, addr := startTestEngine(t, 4, 4)
	sock := dialPeer(t, addr)
	drainInitialDump(t, sock)

	before := e.GetState().Routes[0][3]

	require.NoError(t, sock.Write(&VideoOutputRoutingBlock{Routing: Routing{3: 99}}))
	blk, err := sock.Read()
	require.NoError(t, err)
	require.IsType(t, &NakBlock{}, blk)

	require.Equal(t, before, e.GetState().Routes[0][3])
}

// S4: lock ownership is scoped to the owning peer. A second peer sees
// the destination as Locked (not Owned), cannot take it while held, and
// regains the ability to take it once the owner disconnects and its
// lock is released.
func TestScenario_LockOwnershipScoping(t *testing.T) {
	e, addr := startTestEngine(t, 4, 4)
	a := dialPeer(t, addr)
	drainInitialDump(t, a)
	b := dialPeer(t, addr)
	drainInitialDump(t, b)

	require.NoError(t, a.Write(&VideoOutputLocksBlock{Locks: Locks{0: LockOwned}}))

	blk, err := a.Read()
	require.NoError(t, err)
	require.IsType(t, &AckBlock{}, blk)

	blk, err = a.Read()
	require.NoError(t, err)
	aLocks, ok := blk.(*VideoOutputLocksBlock)
	require.True(t, ok)
	require.Equal(t, LockOwned, aLocks.Locks[0])

	blk, err = b.Read()
	require.NoError(t, err)
	bLocks, ok := blk.(*VideoOutputLocksBlock)
	require.True(t, ok)
	require.Equal(t, LockLocked, bLocks.Locks[0])

	// B cannot take the locked destination.
	require.NoError(t, b.Write(&VideoOutputRoutingBlock{Routing: Routing{0: 2}}))
	blk, err = b.Read()
	require.NoError(t, err)
	require.IsType(t, &NakBlock{}, blk)
	require.NotEqual(t, 2, e.GetState().Routes[0][0])

	// A disconnects; its lock is released and broadcast to the survivors.
	require.NoError(t, a.Close())
	blk, err = b.Read()
	require.NoError(t, err)
	bLocks, ok = blk.(*VideoOutputLocksBlock)
	require.True(t, ok)
	require.Equal(t, LockUnlocked, bLocks.Locks[0])

	// B can now take it.
	require.NoError(t, b.Write(&VideoOutputRoutingBlock{Routing: Routing{0: 2}}))
	blk, err = b.Read()
	require.NoError(t, err)
	require.IsType(t, &AckBlock{}, blk)

	blk, err = b.Read()
	require.NoError(t, err)
	rb, ok := blk.(*VideoOutputRoutingBlock)
	require.True(t, ok)
	require.Equal(t, 2, rb.Routing[0])

	require.Equal(t, 2, e.GetState().Routes[0][0])
}
