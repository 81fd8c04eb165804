package grassvalley

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	msg := Message{Command: "TI", Params: []string{"0003", "0007", "0000"}}
	frame := Encode(msg)

	got := decodeOne(t, frame)
	require.Equal(t, msg, got)
}

func TestEncodeDecode_NoParams(t *testing.T) {
	msg := Message{Command: "QJ"}
	frame := Encode(msg)

	got := decodeOne(t, frame)
	require.Equal(t, "QJ", got.Command)
	require.Empty(t, got.Params)
}

func TestDecode_ChecksumMismatchReturnsMessageAndError(t *testing.T) {
	frame := Encode(Message{Command: "TI", Params: []string{"0003", "0007", "0000"}})
	corrupt := append([]byte(nil), frame...)
	// flip a parameter byte (leaving the "N0TI" header and the trailing
	// checksum/EOT alone) so the frame still parses but the checksum no
	// longer matches.
	corrupt[6] ^= 0xFF

	msg, err := Decode(corrupt)
	require.Error(t, err)
	require.Equal(t, "TI", msg.Command) // spec.md §4.3: still dispatched despite the warning
}

func TestDecode_MalformedFrameRejected(t *testing.T) {
	_, err := Decode([]byte{soh, 'N', '0'})
	require.Error(t, err)
}

func TestScanner_SplitsConsecutiveFrames(t *testing.T) {
	buf := append(Encode(Message{Command: "QJ"}), Encode(Message{Command: "QN", Params: []string{"S"}})...)
	scan := NewScanner(bufio.NewReader(bytes.NewReader(buf)))

	require.True(t, scan.Scan())
	m1 := mustDecode(t, scan.Bytes())
	require.Equal(t, "QJ", m1.Command)

	require.True(t, scan.Scan())
	m2 := mustDecode(t, scan.Bytes())
	require.Equal(t, "QN", m2.Command)
	require.Equal(t, []string{"S"}, m2.Params)
}

func TestLevelBitmap_RoundTrip(t *testing.T) {
	for _, levels := range [][]int{
		{0},
		{0, 1, 2},
		{31},
		{0, 31},
		{},
	} {
		hex := EncodeLevelBitmap(levels)
		got, err := DecodeLevelBitmap(hex)
		require.NoError(t, err)
		if len(levels) == 0 {
			require.Empty(t, got)
		} else {
			require.Equal(t, levels, got)
		}
	}
}

func TestLevelBitmap_EightHexDigitsUppercase(t *testing.T) {
	hex := EncodeLevelBitmap([]int{0})
	require.Len(t, hex, 8)
	require.Equal(t, "00000001", hex)
}

func TestPaired_SwapsCommandLetters(t *testing.T) {
	require.Equal(t, "NQ", paired("QN"))
	require.Equal(t, "JQ", paired("QJ"))
	require.Equal(t, "dQ", paired("Qd"))
}

func decodeOne(t *testing.T, frame []byte) Message {
	t.Helper()
	msg, err := Decode(frame)
	require.NoError(t, err)
	return msg
}

func mustDecode(t *testing.T, token []byte) Message {
	t.Helper()
	msg, err := Decode(token)
	require.NoError(t, err)
	return msg
}
