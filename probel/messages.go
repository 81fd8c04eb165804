package probel

import "fmt"

// packSingle/unpackSingle encode one 10-bit index (dest or source,
// standalone, not sharing a byte with the other side) the same way
// packAddress splits an index: 3 high bits, 7 low bits.
func packSingle(idx int) [2]byte {
	return [2]byte{byte((idx >> 7) & 0x07), byte(idx & 0x7F)}
}

func unpackSingle(b [2]byte) int {
	return int(b[0]&0x07)<<7 | int(b[1]&0x7F)
}

func packSingleExt(idx int) [2]byte {
	return [2]byte{byte(idx >> 8), byte(idx)}
}

func unpackSingleExt(b [2]byte) int {
	return int(b[0])<<8 | int(b[1])
}

// Crosspoint is the decoded payload of Interrogate/Connect/Tally/
// Connected messages: a destination, its source (0 for an Interrogate
// request, which has none yet), and the matrix/level selector.
type Crosspoint struct {
	Dest  int
	Src   int
	Level int
}

// EncodeCrosspoint renders op (any of the eight crosspoint opcodes,
// standard or extended) with c's fields.
func EncodeCrosspoint(op Opcode, c Crosspoint) []byte {
	var data []byte
	if op.Extended() {
		a := packAddressExt(c.Dest, c.Src)
		data = append(a[:], byte(c.Level))
	} else {
		a := packAddress(c.Dest, c.Src)
		data = append(a[:], byte(c.Level))
	}
	return Encode(op, data)
}

// DecodeCrosspoint parses the payload of a crosspoint-family frame.
func DecodeCrosspoint(f Frame) (Crosspoint, error) {
	if f.Op.Extended() {
		if len(f.Data) < 5 {
			return Crosspoint{}, fmt.Errorf("probel: extended crosspoint frame too short")
		}
		dest, src := unpackAddressExt([4]byte(f.Data[:4]))
		return Crosspoint{Dest: dest, Src: src, Level: int(f.Data[4])}, nil
	}
	if len(f.Data) < 4 {
		return Crosspoint{}, fmt.Errorf("probel: crosspoint frame too short")
	}
	dest, src := unpackAddress([3]byte(f.Data[:3]))
	return Crosspoint{Dest: dest, Src: src, Level: int(f.Data[3])}, nil
}

// TallyDumpRequest's payload is just the requested level.
func EncodeTallyDumpRequest(op Opcode, level int) []byte {
	return Encode(op, []byte{byte(level)})
}

func DecodeTallyDumpRequest(f Frame) (level int, err error) {
	if len(f.Data) < 1 {
		return 0, fmt.Errorf("probel: tally dump request missing level byte")
	}
	return int(f.Data[0]), nil
}

// NameRequest asks for the label of a single source or destination
// index, requesting a particular fixed character length.
type NameRequest struct {
	Index    int
	CharLen  int // 4, 8 or 12
}

func EncodeNameRequest(op Opcode, r NameRequest) []byte {
	var addr [2]byte
	if op.Extended() {
		addr = packSingleExt(r.Index)
	} else {
		addr = packSingle(r.Index)
	}
	return Encode(op, append(addr[:], byte(charLenIndex(r.CharLen))))
}

func DecodeNameRequest(f Frame) (NameRequest, error) {
	if len(f.Data) < 3 {
		return NameRequest{}, fmt.Errorf("probel: name request frame too short")
	}
	var idx int
	if f.Op.Extended() {
		idx = unpackSingleExt([2]byte(f.Data[:2]))
	} else {
		idx = unpackSingle([2]byte(f.Data[:2]))
	}
	return NameRequest{Index: idx, CharLen: charLen(int(f.Data[2]))}, nil
}

// NameResponse carries the resolved label. EncodeNameResponse pads it
// with spaces to the requested fixed width; DecodeNameResponse trims
// that padding again.
type NameResponse struct {
	Index int
	Name  string
}

func EncodeNameResponse(op Opcode, r NameResponse, charLenWanted int) []byte {
	var addr [2]byte
	if op.Extended() {
		addr = packSingleExt(r.Index)
	} else {
		addr = packSingle(r.Index)
	}
	n := charLen(charLenIndex(charLenWanted))
	data := append(addr[:], byte(charLenIndex(charLenWanted)))
	data = append(data, padName(r.Name, n)...)
	return Encode(op, data)
}

func DecodeNameResponse(f Frame) (NameResponse, error) {
	if len(f.Data) < 3 {
		return NameResponse{}, fmt.Errorf("probel: name response frame too short")
	}
	var idx int
	if f.Op.Extended() {
		idx = unpackSingleExt([2]byte(f.Data[:2]))
	} else {
		idx = unpackSingle([2]byte(f.Data[:2]))
	}
	n := charLen(int(f.Data[2]))
	name := f.Data[3:]
	if len(name) > n {
		name = name[:n]
	}
	return NameResponse{Index: idx, Name: trimPad(string(name))}, nil
}

func padName(s string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = ' '
	}
	copy(b, s)
	return b
}

func trimPad(s string) string {
	i := len(s)
	for i > 0 && s[i-1] == ' ' {
		i--
	}
	return s[:i]
}
