package grassvalley

import (
	"fmt"
	"strconv"
	"strings"
)

// labelWidth is GV Native's fixed source/destination name length
// (spec.md §3: "GV Native is 8").
const labelWidth = 8

func padLabel(s string) string {
	if len(s) > labelWidth {
		return s[:labelWidth]
	}
	return s + strings.Repeat(" ", labelWidth-len(s))
}

func trimLabel(s string) string {
	return strings.TrimRight(s, " ")
}

// paired swaps a two-character command mnemonic into its query
// response code (spec.md §4.2.3: "Responses use the paired two-letter
// code (e.g. QN → NQ, QJ → JQ)").
func paired(cmd string) string {
	if len(cmd) != 2 {
		return cmd
	}
	return string([]byte{cmd[1], cmd[0]})
}

// errAck renders the ER,<code> acknowledgement a take or malformed
// request gets in place of a paired-code response (spec.md §4.2.3, S6:
// "TI → ER,00").
func errAck(code int) Message {
	return Message{Command: "ER", Params: []string{fmt.Sprintf("%02d", code)}}
}

func okAck() Message { return errAck(0) }

// Change-flag bits tracked by the server and polled by the client via
// BK F (spec.md §4.4 "1 Hz poll of BK F for change flags").
const (
	changeRouting = 1 << iota
	changeInputLabels
	changeOutputLabels
	changeLevelNames
)

func padAll(labels []string) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = padLabel(l)
	}
	return out
}

// indexedAll renders the "IS"/"ID" QN variant: each entry prefixed
// with its zero-padded index, e.g. "0003:CAM 1   ".
func indexedAll(labels []string) []string {
	out := make([]string, len(labels))
	for i, l := range labels {
		out[i] = fmt.Sprintf("%04d:%s", i, padLabel(l))
	}
	return out
}

func copyTrimmed(dst []string, src []string) {
	for i := 0; i < len(dst) && i < len(src); i++ {
		dst[i] = trimLabel(src[i])
	}
}

// applyIndexed parses "idx:name" tokens (the IS/ID QN response shape)
// into dst by index, ignoring tokens outside dst's bounds.
func applyIndexed(dst []string, tokens []string) {
	for _, tok := range tokens {
		idxStr, name, ok := strings.Cut(tok, ":")
		if !ok {
			continue
		}
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 || idx >= len(dst) {
			continue
		}
		dst[idx] = trimLabel(name)
	}
}

// findByName resolves a (trimmed, case-insensitive) label to its
// index, as used by QD/Qd/TA/TD to address a destination or source by
// name instead of by index.
func findByName(labels []string, name string) (int, bool) {
	want := strings.TrimRight(strings.ToUpper(name), " ")
	for i, l := range labels {
		if strings.ToUpper(trimLabel(l)) == want {
			return i, true
		}
	}
	return 0, false
}
