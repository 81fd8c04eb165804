package probel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"puzzlekraken.com/routerhub/router"
)

func startTestEngine(t *testing.T, levels, inputs, outputs int) (*Engine, string) {
	t.Helper()
	e := NewEngine(router.EngineConfig{Inputs: inputs, Outputs: outputs, Levels: levels})
	port, err := e.Start(context.Background(), "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { e.Stop() })
	return e, fmt.Sprintf("127.0.0.1:%d", port)
}

func dialPeer(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp4", addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, scan *bufio.Scanner) Frame {
	t.Helper()
	require.True(t, scan.Scan())
	f, err := Decode(scan.Bytes())
	require.NoError(t, err)
	return f
}

// S5: a crosspoint connect is ack'd at the link layer, applied to the
// model, and confirmed with a Crosspoint Connected broadcast.
func TestScenario_CrosspointConnect(t *testing.T) {
	e, addr := startTestEngine(t, 1, 4, 4)
	conn := dialPeer(t, addr)
	scan := NewScanner(bufio.NewReader(conn))

	frame := EncodeCrosspoint(OpCrosspointConnect, Crosspoint{Dest: 2, Src: 1, Level: 0})
	_, err := conn.Write(frame)
	require.NoError(t, err)

	ack := readFrame(t, scan)
	require.True(t, ack.Ack)

	connected := readFrame(t, scan)
	require.Equal(t, OpCrosspointConnected, connected.Op)
	cp, err := DecodeCrosspoint(connected)
	require.NoError(t, err)
	require.Equal(t, 2, cp.Dest)
	require.Equal(t, 1, cp.Src)

	require.Equal(t, 1, e.GetState().Routes[0][2])
}

// An interrogate for a destination with no prior connect reports its
// identity-mapped default source, and a dump request after a connect
// reflects the applied crosspoint.
func TestScenario_InterrogateAndDump(t *testing.T) {
	_, addr := startTestEngine(t, 1, 4, 4)
	conn := dialPeer(t, addr)
	scan := NewScanner(bufio.NewReader(conn))

	_, err := conn.Write(EncodeCrosspoint(OpCrosspointInterrogate, Crosspoint{Dest: 1, Level: 0}))
	require.NoError(t, err)
	readFrame(t, scan) // link ack
	tally := readFrame(t, scan)
	cp, err := DecodeCrosspoint(tally)
	require.NoError(t, err)
	require.Equal(t, 1, cp.Src) // identity default: dest 1 <- src 1

	_, err = conn.Write(EncodeCrosspoint(OpCrosspointConnect, Crosspoint{Dest: 1, Src: 3, Level: 0}))
	require.NoError(t, err)
	readFrame(t, scan) // link ack
	readFrame(t, scan) // connected broadcast

	_, err = conn.Write(EncodeTallyDumpRequest(OpTallyDumpRequest, 0))
	require.NoError(t, err)
	readFrame(t, scan) // link ack
	for i := 0; i < 4; i++ {
		tally = readFrame(t, scan)
		cp, err = DecodeCrosspoint(tally)
		require.NoError(t, err)
		if cp.Dest == 1 {
			require.Equal(t, 3, cp.Src)
		}
	}
}

// Connect must not return until the initial Crosspoint Tally has been
// observed (spec §4.4); the rest of the requested tally dump then fills
// in the mirror from the read loop.
func TestClient_ConnectWaitsForInitialTally(t *testing.T) {
	_, addr := startTestEngine(t, 1, 4, 4)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := NewClient(router.ClientConfig{Host: host, Port: port, Inputs: 4, Outputs: 4, Levels: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	require.True(t, c.IsConnected())
	require.Eventually(t, func() bool {
		snap := c.GetState()
		for dest := 0; dest < 4; dest++ {
			if snap.Routes[0][dest] != dest { // identity default, observed via the initial tally dump
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

// A peer that accepts the connection but never sends a tally leaves
// Connect blocked on initial state; the connect timeout must still
// return control to the caller instead of hanging forever.
func TestClient_ConnectTimesOutWithoutInitialTally(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		<-time.After(2 * time.Second) // holds the connection open, then closes it without ever replying
	}()

	c := NewClient(router.ClientConfig{Host: "127.0.0.1", Port: mustPort(t, l.Addr().String()), Inputs: 4, Outputs: 4, Levels: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.Error(t, c.Connect(ctx))
}

func mustPort(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}
