package probel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"puzzlekraken.com/routerhub/router"
)

const connQueueSize = 256

func init() {
	router.RegisterEngine("probel", func(cfg router.EngineConfig) router.Engine {
		return NewEngine(cfg)
	})
}

type peerConn struct {
	id  router.ConnID
	w   *bufio.Writer
	raw net.Conn
	out chan []byte
}

func (p *peerConn) send(frame []byte) {
	select {
	case p.out <- frame:
	default:
		p.raw.Close()
	}
}

// Engine is the SW-P-08 server engine. Unlike VideoHub it never pushes
// state proactively: a freshly accepted connection sits idle until the
// peer sends a query (spec.md §4.3, "SW-P-08 and GV Native send nothing
// proactively"). Malformed frames get a link-level DLE NAK and the
// connection stays open (spec.md §4.3), instead of VideoHub's
// silent-ignore or a dropped connection.
type Engine struct {
	Log zerolog.Logger

	mu       sync.Mutex
	model    *router.Model
	cfg      router.EngineConfig
	listener net.Listener
	conns    map[router.ConnID]*peerConn
	nextID   atomic.Uint64
	stopping bool

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
	}
	e.model.Subscribe(func(ev router.Event) { e.uiBus.Publish(ev) })
	return e
}

func (e *Engine) Start(ctx context.Context, bindAddr string) (int, error) {
	e.mu.Lock()
	if e.listener != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("probel: engine already started")
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
	e.Log.Info().Int("port", port).Msg("probel engine started")
	return port, nil
}

func portOrDefault(p int) int {
	if p == 0 {
		return 8910
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
			e.Log.Warn().Err(err).Msg("probel accept error")
			return
		}
		id := router.ConnID(e.nextID.Add(1))
		go e.serve(id, conn)
	}
}

func (e *Engine) serve(id router.ConnID, conn net.Conn) {
	pc := &peerConn{id: id, raw: conn, w: bufio.NewWriter(conn), out: make(chan []byte, connQueueSize)}

	e.mu.Lock()
	e.conns[id] = pc
	e.mu.Unlock()
	e.uiBus.Publish(router.ClientConnected{ID: id})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for frame := range pc.out {
			if _, err := pc.w.Write(frame); err != nil || pc.w.Flush() != nil {
				conn.Close()
				return
			}
		}
	}()

	scan := NewScanner(bufio.NewReader(conn))
	for scan.Scan() {
		frame, err := Decode(scan.Bytes())
		if err != nil {
			pc.send(EncodeNak())
			continue
		}
		pc.send(EncodeAck())
		e.handle(pc, frame)
	}

	e.mu.Lock()
	delete(e.conns, id)
	e.mu.Unlock()
	close(pc.out)
	<-done
	e.uiBus.Publish(router.ClientDisconnected{ID: id})
}

func (e *Engine) handle(pc *peerConn, f Frame) {
	if f.Ack || f.Nak {
		return // this engine does not push unsolicited frames pending peer ack
	}
	switch f.Op {
	case OpCrosspointInterrogate, OpExtCrosspointInterrogate:
		cp, err := DecodeCrosspoint(f)
		if err != nil {
			return
		}
		src := e.currentSource(cp.Level, cp.Dest)
		tallyOp := OpCrosspointTally
		if f.Op.Extended() {
			tallyOp = OpExtCrosspointTally
		}
		pc.send(EncodeCrosspoint(tallyOp, Crosspoint{Dest: cp.Dest, Src: src, Level: cp.Level}))

	case OpCrosspointConnect, OpExtCrosspointConnect:
		cp, err := DecodeCrosspoint(f)
		if err != nil {
			return
		}
		applied, err := e.model.SetRoute(cp.Level, cp.Dest, cp.Src, 0)
		e.uiBus.Publish(router.CommandReceived{ID: pc.id, Description: "Crosspoint Connect"})
		if err != nil || !applied {
			return
		}
		connectedOp := OpCrosspointConnected
		if f.Op.Extended() {
			connectedOp = OpExtCrosspointConnected
		}
		e.broadcast(EncodeCrosspoint(connectedOp, cp))

	case OpTallyDumpRequest, OpExtTallyDumpRequest:
		level, err := DecodeTallyDumpRequest(f)
		if err != nil {
			return
		}
		tallyOp := OpCrosspointTally
		if f.Op.Extended() {
			tallyOp = OpExtCrosspointTally
		}
		status := e.model.Snapshot(0)
		if level < 0 || level >= status.Levels {
			return
		}
		for dest, src := range status.Routes[level] {
			pc.send(EncodeCrosspoint(tallyOp, Crosspoint{Dest: dest, Src: src, Level: level}))
		}

	case OpSourceNameRequest, OpExtSourceNameRequest:
		req, err := DecodeNameRequest(f)
		if err != nil {
			return
		}
		status := e.model.Snapshot(0)
		name := ""
		if req.Index >= 0 && req.Index < len(status.InputLabels) {
			name = status.InputLabels[req.Index]
		}
		respOp := OpSourceNameResponse
		if f.Op.Extended() {
			respOp = OpExtSourceNameResponse
		}
		pc.send(EncodeNameResponse(respOp, NameResponse{Index: req.Index, Name: name}, req.CharLen))

	case OpDestNameRequest, OpExtDestNameRequest:
		req, err := DecodeNameRequest(f)
		if err != nil {
			return
		}
		status := e.model.Snapshot(0)
		name := ""
		if req.Index >= 0 && req.Index < len(status.OutputLabels) {
			name = status.OutputLabels[req.Index]
		}
		respOp := OpDestNameResponse
		if f.Op.Extended() {
			respOp = OpExtDestNameResponse
		}
		pc.send(EncodeNameResponse(respOp, NameResponse{Index: req.Index, Name: name}, req.CharLen))
	}
}

func (e *Engine) currentSource(level, dest int) int {
	status := e.model.Snapshot(0)
	if level < 0 || level >= status.Levels || dest < 0 || dest >= status.Outputs {
		return 0
	}
	return status.Routes[level][dest]
}

func (e *Engine) broadcast(frame []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.conns {
		p.send(frame)
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
	e.broadcast(EncodeCrosspoint(OpCrosspointConnected, Crosspoint{Dest: dest, Src: src, Level: level}))
	return true
}

func (e *Engine) SetInputLabel(i int, s string) {
	e.model.SetInputLabel(i, s)
}

func (e *Engine) SetOutputLabel(o int, s string) {
	e.model.SetOutputLabel(o, s)
}

// SetLock is a no-op: this implemented opcode subset carries no
// locking command, so SW-P-08 destinations are never lockable over the
// wire.
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
