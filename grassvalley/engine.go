package grassvalley

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"puzzlekraken.com/routerhub/router"
)

const connQueueSize = 256

func init() {
	router.RegisterEngine("grassvalley", func(cfg router.EngineConfig) router.Engine {
		return NewEngine(cfg)
	})
}

type peerConn struct {
	id  router.ConnID
	raw net.Conn
	out chan []byte
}

func (p *peerConn) send(msg Message) {
	frame := Encode(msg)
	select {
	case p.out <- frame:
	default:
		p.raw.Close()
	}
}

// Engine is the GV Native Series 7000 server engine. Like SW-P-08 it
// sends nothing proactively on accept and waits for the peer to query
// or take (spec.md §4.3); unlike SW-P-08 it also tracks a per-engine
// change-flags bitmap so that a connected client's 1 Hz "BK F" poll
// (spec.md §4.4) has something meaningful to observe.
type Engine struct {
	Log zerolog.Logger

	mu         sync.Mutex
	model      *router.Model
	cfg        router.EngineConfig
	listener   net.Listener
	conns      map[router.ConnID]*peerConn
	nextID     atomic.Uint64
	stopping   bool
	echo       bool
	changeBits uint32

	uiBus *router.Bus
}

func NewEngine(cfg router.EngineConfig) *Engine {
	if cfg.Levels < 1 {
		cfg.Levels = 1
	}
	e := &Engine{
		model: router.NewModel(router.ModelConfig{Levels: cfg.Levels, Inputs: cfg.Inputs, Outputs: cfg.Outputs}),
		cfg:   cfg,
		conns: make(map[router.ConnID]*peerConn),
		uiBus: router.NewBus(),
		echo:  true,
	}
	e.model.Subscribe(func(ev router.Event) {
		e.uiBus.Publish(ev)
		e.mu.Lock()
		switch ev.(type) {
		case router.RoutingChanged:
			e.changeBits |= changeRouting
		case router.InputLabelsChanged:
			e.changeBits |= changeInputLabels
		case router.OutputLabelsChanged:
			e.changeBits |= changeOutputLabels
		}
		e.mu.Unlock()
	})
	return e
}

func (e *Engine) Start(ctx context.Context, bindAddr string) (int, error) {
	e.mu.Lock()
	if e.listener != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("grassvalley: engine already started")
	}
	if bindAddr == "" {
		bindAddr = fmt.Sprintf("0.0.0.0:%d", portOrDefault(e.cfg.Port))
	}
	l, err := net.Listen("tcp4", bindAddr)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	e.listener = l
	e.stopping = false
	e.mu.Unlock()

	port := l.Addr().(*net.TCPAddr).Port
	go e.acceptLoop()
	e.uiBus.Publish(router.ServerStarted{Port: port})
	e.Log.Info().Int("port", port).Msg("grassvalley engine started")
	return port, nil
}

func portOrDefault(p int) int {
	if p == 0 {
		return 12345
	}
	return p
}

func (e *Engine) Stop() error {
	e.mu.Lock()
	e.stopping = true
	l := e.listener
	e.listener = nil
	peers := make([]*peerConn, 0, len(e.conns))
	for _, p := range e.conns {
		peers = append(peers, p)
	}
	e.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	for _, p := range peers {
		p.raw.Close()
	}
	e.uiBus.Publish(router.ServerStopped{})
	return err
}

func (e *Engine) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			e.mu.Lock()
			stopping := e.stopping
			e.mu.Unlock()
			if stopping {
				return
			}
			e.Log.Warn().Err(err).Msg("grassvalley accept error")
			return
		}
		id := router.ConnID(e.nextID.Add(1))
		go e.serve(id, conn)
	}
}

func (e *Engine) serve(id router.ConnID, conn net.Conn) {
	pc := &peerConn{id: id, raw: conn, out: make(chan []byte, connQueueSize)}

	e.mu.Lock()
	e.conns[id] = pc
	e.mu.Unlock()
	e.uiBus.Publish(router.ClientConnected{ID: id})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range pc.out {
			if _, err := conn.Write(frame); err != nil {
				conn.Close()
				return
			}
		}
	}()

	scan := NewScanner(bufio.NewReader(conn))
	for scan.Scan() {
		msg, err := Decode(scan.Bytes())
		if err != nil {
			e.Log.Warn().Err(err).Msg("grassvalley checksum mismatch; dispatching anyway")
		}
		if msg.Command != "" {
			e.handle(pc, msg)
		}
	}

	e.mu.Lock()
	delete(e.conns, id)
	e.mu.Unlock()
	close(pc.out)
	<-done
	e.uiBus.Publish(router.ClientDisconnected{ID: id})
}

func (e *Engine) echoEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.echo
}

// handle dispatches one decoded command from peer pc. Unrecognized
// commands are ignored silently, matching VideoHub's "unknown headers
// are ignored" texture (spec.md §4.2.1), generalized here to GV
// Native's two-letter mnemonics.
func (e *Engine) handle(pc *peerConn, msg Message) {
	e.uiBus.Publish(router.CommandReceived{ID: pc.id, Description: msg.Command})
	switch msg.Command {
	case "QN":
		e.handleQN(pc, msg)
	case "QD", "Qd":
		e.handleQD(pc, msg)
	case "QJ", "Qj":
		e.handleQJ(pc, msg)
	case "QI", "Qi":
		e.handleQI(pc, msg)
	case "TA":
		e.handleTakeByName(pc, msg, false)
	case "TD":
		e.handleTakeByName(pc, msg, true)
	case "TI":
		e.handleTakeByIndex(pc, msg, false)
	case "TJ":
		e.handleTakeByIndex(pc, msg, true)
	case "BK":
		e.handleBK(pc, msg)
	case "QE":
		pc.send(Message{Command: "EQ", Params: []string{"00"}})
	case "QT":
		pc.send(Message{Command: "TQ", Params: []string{time.Now().UTC().Format("20060102150405")}})
	}
}

func (e *Engine) handleQN(pc *peerConn, msg Message) {
	if len(msg.Params) < 1 {
		pc.send(errAck(2))
		return
	}
	sub := msg.Params[0]
	status := e.model.Snapshot(pc.id)
	var names []string
	switch sub {
	case "S", "XS":
		names = padAll(status.InputLabels)
	case "D", "XD":
		names = padAll(status.OutputLabels)
	case "L", "XL":
		names = append([]string(nil), status.LevelNames...)
	case "IS":
		names = indexedAll(status.InputLabels)
	case "ID":
		names = indexedAll(status.OutputLabels)
	default:
		pc.send(errAck(2))
		return
	}
	pc.send(Message{Command: "NQ", Params: append([]string{sub}, names...)})
	if e.echoEnabled() {
		pc.send(okAck())
	}
}

func (e *Engine) handleQD(pc *peerConn, msg Message) {
	if len(msg.Params) < 1 {
		pc.send(errAck(2))
		return
	}
	status := e.model.Snapshot(pc.id)
	dest, ok := findByName(status.OutputLabels, msg.Params[0])
	if !ok {
		pc.send(errAck(1))
		return
	}
	params := []string{msg.Params[0]}
	for level := 0; level < status.Levels; level++ {
		src := status.Routes[level][dest]
		name := ""
		if src >= 0 && src < len(status.InputLabels) {
			name = trimLabel(status.InputLabels[src])
		}
		params = append(params, name)
	}
	pc.send(Message{Command: paired(msg.Command), Params: params})
}

func (e *Engine) handleQJ(pc *peerConn, msg Message) {
	status := e.model.Snapshot(pc.id)
	start, count := 0, status.Outputs
	if len(msg.Params) >= 1 {
		if v, err := strconv.Atoi(msg.Params[0]); err == nil {
			start = v
		}
	}
	if len(msg.Params) >= 2 {
		if v, err := strconv.Atoi(msg.Params[1]); err == nil {
			count = v
		}
	}
	if start < 0 || start > status.Outputs {
		pc.send(errAck(1))
		return
	}
	end := start + count
	if end > status.Outputs {
		end = status.Outputs
	}
	params := make([]string, 0, end-start)
	for d := start; d < end; d++ {
		params = append(params, fmt.Sprintf("%04d:%04d", d, status.Routes[0][d]))
	}
	pc.send(Message{Command: paired(msg.Command), Params: params})
	if e.echoEnabled() {
		pc.send(okAck())
	}
}

func (e *Engine) handleQI(pc *peerConn, msg Message) {
	if len(msg.Params) < 2 {
		pc.send(errAck(2))
		return
	}
	dest, err1 := strconv.Atoi(msg.Params[0])
	level, err2 := strconv.Atoi(msg.Params[1])
	if err1 != nil || err2 != nil {
		pc.send(errAck(2))
		return
	}
	status := e.model.Snapshot(pc.id)
	if dest < 0 || dest >= status.Outputs || level < 0 || level >= status.Levels {
		pc.send(errAck(1))
		return
	}
	src := status.Routes[level][dest]
	pc.send(Message{Command: paired(msg.Command), Params: []string{msg.Params[0], msg.Params[1], fmt.Sprintf("%04d", src)}})
}

func (e *Engine) handleTakeByName(pc *peerConn, msg Message, withBitmap bool) {
	if len(msg.Params) < 2 {
		pc.send(errAck(2))
		return
	}
	status := e.model.Snapshot(pc.id)
	dest, ok := findByName(status.OutputLabels, msg.Params[0])
	if !ok {
		pc.send(errAck(1))
		return
	}
	src, ok := findByName(status.InputLabels, msg.Params[1])
	if !ok {
		pc.send(errAck(1))
		return
	}
	levels := []int{0}
	if withBitmap && len(msg.Params) >= 3 {
		lv, err := DecodeLevelBitmap(msg.Params[2])
		if err != nil {
			pc.send(errAck(2))
			return
		}
		levels = lv
	}
	e.applyTake(pc, dest, src, levels)
}

func (e *Engine) handleTakeByIndex(pc *peerConn, msg Message, multiLevel bool) {
	if len(msg.Params) < 3 {
		pc.send(errAck(2))
		return
	}
	dest, err1 := strconv.Atoi(msg.Params[0])
	src, err2 := strconv.Atoi(msg.Params[1])
	if err1 != nil || err2 != nil {
		pc.send(errAck(2))
		return
	}
	var levels []int
	if multiLevel {
		lv, err := DecodeLevelBitmap(msg.Params[2])
		if err != nil {
			pc.send(errAck(2))
			return
		}
		levels = lv
	} else {
		level, err := strconv.Atoi(msg.Params[2])
		if err != nil {
			pc.send(errAck(2))
			return
		}
		levels = []int{level}
	}
	e.applyTake(pc, dest, src, levels)
}

// applyTake writes (level, dest) -> src for every requested level
// under the model's single critical section per level, then reports a
// single ER,00 iff at least one level was applied -- matching the
// "partial success still acknowledges" texture of the VideoHub batch
// path (spec.md §4.2.1) carried over to GV Native's multi-level takes.
func (e *Engine) applyTake(pc *peerConn, dest, src int, levels []int) {
	appliedAny := false
	var applied []int
	for _, level := range levels {
		ok, err := e.model.SetRoute(level, dest, src, pc.id)
		if err == nil && ok {
			appliedAny = true
			applied = append(applied, level)
		}
	}
	if !appliedAny {
		pc.send(errAck(1))
		return
	}
	pc.send(okAck())
	e.broadcastTally(dest, applied)
}

func (e *Engine) broadcastTally(dest int, levels []int) {
	status := e.model.Snapshot(0)
	bitmap := EncodeLevelBitmap(levels)
	src := 0
	if len(levels) > 0 {
		lvl := levels[0]
		if lvl >= 0 && lvl < status.Levels && dest >= 0 && dest < status.Outputs {
			src = status.Routes[lvl][dest]
		}
	}
	msg := Message{Command: "AT", Params: []string{fmt.Sprintf("%04d", dest), fmt.Sprintf("%04d", src), bitmap}}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.conns {
		p.send(msg)
	}
}

func (e *Engine) handleBK(pc *peerConn, msg Message) {
	if len(msg.Params) < 1 {
		pc.send(errAck(2))
		return
	}
	sub := msg.Params[0]
	switch sub {
	case "N":
		pc.send(Message{Command: "KB", Params: []string{"N", e.cfg.FriendlyName}})
	case "d":
		status := e.model.Snapshot(pc.id)
		pc.send(Message{Command: "KB", Params: []string{
			"d", e.cfg.ModelName, e.cfg.FriendlyName,
			strconv.Itoa(status.Inputs), strconv.Itoa(status.Outputs), strconv.Itoa(status.Levels),
		}})
	case "I":
		status := e.model.Snapshot(pc.id)
		pc.send(Message{Command: "KB", Params: []string{"I", strconv.Itoa(status.Inputs)}})
	case "D":
		status := e.model.Snapshot(pc.id)
		pc.send(Message{Command: "KB", Params: []string{"D", strconv.Itoa(status.Outputs)}})
	case "F":
		e.mu.Lock()
		bits := e.changeBits
		e.mu.Unlock()
		pc.send(Message{Command: "KB", Params: []string{"F", fmt.Sprintf("%08X", bits)}})
	case "f":
		e.mu.Lock()
		e.changeBits = 0
		e.mu.Unlock()
		pc.send(okAck())
	case "R", "T", "t", "E", "A", "P":
		// Reset, time get/set, error-table and port-config sub-codes are
		// accepted and acknowledged but carry no state in this
		// simulator; production control software probes them without
		// depending on their values to operate a crosspoint.
		pc.send(okAck())
	default:
		pc.send(errAck(2))
	}
}

func (e *Engine) UpdateConfig(cfg router.EngineConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.ModelName = cfg.ModelName
	e.cfg.FriendlyName = cfg.FriendlyName
}

func (e *Engine) SetRoute(level, dest, src int) bool {
	applied, err := e.model.SetRoute(level, dest, src, 0)
	if err != nil || !applied {
		return false
	}
	e.broadcastTally(dest, []int{level})
	return true
}

func (e *Engine) SetInputLabel(i int, s string) {
	e.model.SetInputLabel(i, s)
}

func (e *Engine) SetOutputLabel(o int, s string) {
	e.model.SetOutputLabel(o, s)
}

// SetLock is a no-op: GV Native carries no per-destination lock
// concept on the wire (spec.md §3 "Destination locks (VideoHub
// only)").
func (e *Engine) SetLock(dest int, op router.LockOp) {}

func (e *Engine) GetState() router.Status {
	return e.model.Snapshot(0)
}

func (e *Engine) Subscribe() (int, <-chan router.Event) {
	return e.uiBus.Subscribe()
}

func (e *Engine) Unsubscribe(id int) {
	e.uiBus.Unsubscribe(id)
}

var _ router.Engine = (*Engine)(nil)
