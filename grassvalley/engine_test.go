package grassvalley

import (
	"bufio"
	"context"
	"fmt"
	"net"
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

func dialPeer(t *testing.T, addr string) (net.Conn, *bufio.Scanner) {
	t.Helper()
	conn, err := net.Dial("tcp4", addr)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn, NewScanner(bufio.NewReader(conn))
}

func readMessage(t *testing.T, scan *bufio.Scanner) Message {
	t.Helper()
	require.True(t, scan.Scan())
	msg, err := Decode(scan.Bytes())
	require.NoError(t, err)
	return msg
}

// S6: a TI take by index is ack'd with ER,00 and broadcast as an AT
// tally, and lands in the model.
func TestScenario_TakeByIndex(t *testing.T) {
	e, addr := startTestEngine(t, 1, 4, 4)
	conn, scan := dialPeer(t, addr)

	_, err := conn.Write(Encode(Message{Command: "TI", Params: []string{"0002", "0001", "0000"}}))
	require.NoError(t, err)

	ack := readMessage(t, scan)
	require.Equal(t, "ER", ack.Command)
	require.Equal(t, []string{"00"}, ack.Params)

	tally := readMessage(t, scan)
	require.Equal(t, "AT", tally.Command)
	require.Equal(t, "0002", tally.Params[0])
	require.Equal(t, "0001", tally.Params[1])

	require.Equal(t, 1, e.GetState().Routes[0][2])
}

// A take on an out-of-range source is rejected with a nonzero ER code
// and never reaches the model.
func TestScenario_TakeByIndexOutOfRange(t *testing.T) {
	e, addr := startTestEngine(t, 1, 4, 4)
	conn, scan := dialPeer(t, addr)

	before := e.GetState().Routes[0][2]

	_, err := conn.Write(Encode(Message{Command: "TI", Params: []string{"0002", "0099", "0000"}}))
	require.NoError(t, err)

	ack := readMessage(t, scan)
	require.Equal(t, "ER", ack.Command)
	require.NotEqual(t, []string{"00"}, ack.Params)

	require.Equal(t, before, e.GetState().Routes[0][2])
}
