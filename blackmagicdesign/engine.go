package blackmagicdesign

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"puzzlekraken.com/routerhub/router"
)

// connQueueSize bounds each peer's outbound block queue (spec §4.5).
const connQueueSize = 256

func init() {
	router.RegisterEngine("videohub", func(cfg router.EngineConfig) router.Engine {
		return NewEngine(cfg)
	})
}

// peerConn is one accepted connection: its socket, its serialized
// outbound queue and the single writer goroutine draining it.
type peerConn struct {
	id   router.ConnID
	sock *VideohubSocket
	out  chan VideohubBlock
}

// send enqueues blk without blocking. If the queue is already full the
// peer is considered a slow consumer and its connection is torn down
// (spec §4.5: "if a consumer's outbound queue exceeds an
// implementation-chosen high-water mark, that consumer is
// disconnected").
func (p *peerConn) send(blk VideohubBlock) {
	select {
	case p.out <- blk:
	default:
		p.sock.Close()
	}
}

// Engine is the VideoHub server engine (spec §4.3 C3): it accepts TCP
// connections, frames and dispatches VideoHub commands against a
// router.Model, and broadcasts resulting changes to every connected
// peer. Its accept-loop shape is grounded in VideohubListener; its
// per-command dispatch borrows the mux/recover-and-respond structure
// of panasonic.CameraServer.wrapAW, adapted from HTTP request/response
// to framed TCP request/response.
type Engine struct {
	Log zerolog.Logger

	mu       sync.Mutex // serializes: model mutation + reply/broadcast enqueue + conns bookkeeping
	model    *router.Model
	cfg      router.EngineConfig
	listener *VideohubListener
	conns    map[router.ConnID]*peerConn
	nextID   atomic.Uint64
	stopping bool

	uiBus      *router.Bus
	unsubModel func()
	uniqueID   string
}

// NewEngine constructs an unstarted Engine from cfg. The device's
// "Unique ID" (the 12-hex-digit identifier VideoHub clients display
// next to the friendly name) is derived once from a generated UUID,
// using google/uuid as helixml-helix does for its request IDs.
func NewEngine(cfg router.EngineConfig) *Engine {
	if cfg.Levels < 1 {
		cfg.Levels = 1 // VideoHub has exactly one level
	}
	e := &Engine{
		model:    router.NewModel(router.ModelConfig{Levels: 1, Inputs: cfg.Inputs, Outputs: cfg.Outputs}),
		cfg:      cfg,
		conns:    make(map[router.ConnID]*peerConn),
		uiBus:    router.NewBus(),
		uniqueID: strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
	}
	e.unsubModel = e.model.Subscribe(func(ev router.Event) { e.uiBus.Publish(ev) })
	return e
}

// Start begins listening on bindAddr (host:port, or just ":port"/"" for
// all interfaces using the configured/default port 9990) and returns
// the bound port.
func (e *Engine) Start(ctx context.Context, bindAddr string) (int, error) {
	e.mu.Lock()
	if e.listener != nil {
		e.mu.Unlock()
		return 0, fmt.Errorf("blackmagicdesign: engine already started")
	}
	if bindAddr == "" {
		bindAddr = fmt.Sprintf("0.0.0.0:%d", portOrDefault(e.cfg.Port))
	}
	l, err := ListenVideohub(bindAddr)
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
	e.Log.Info().Int("port", port).Msg("videohub engine started")
	return port, nil
}

func portOrDefault(p int) int {
	if p == 0 {
		return 9990
	}
	return p
}

// Stop closes the listener and every connected peer, releasing their
// locks, then waits for nothing further (connections clean themselves
// up in their own goroutines; Stop is a request to begin shutdown, not
// a barrier — matching spec §4.3's "close listener, close all peers,
// drain").
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
		p.sock.Close()
	}
	e.uiBus.Publish(router.ServerStopped{})
	return err
}

func (e *Engine) acceptLoop() {
	for {
		sock, err := e.listener.Accept()
		if err != nil {
			e.mu.Lock()
			stopping := e.stopping
			e.mu.Unlock()
			if stopping {
				return
			}
			e.Log.Warn().Err(err).Msg("videohub accept error")
			return
		}
		id := router.ConnID(e.nextID.Add(1))
		go e.serve(id, sock)
	}
}

func (e *Engine) serve(id router.ConnID, sock *VideohubSocket) {
	pc := &peerConn{id: id, sock: sock, out: make(chan VideohubBlock, connQueueSize)}

	e.mu.Lock()
	e.conns[id] = pc
	e.mu.Unlock()
	e.uiBus.Publish(router.ClientConnected{ID: id})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for blk := range pc.out {
			if err := sock.Write(blk); err != nil {
				sock.Close()
				return
			}
		}
	}()

	e.sendInitialDump(pc)

	for {
		blk, err := sock.Read()
		if blk != nil {
			e.handle(pc, blk)
		}
		if err != nil {
			break
		}
	}

	e.mu.Lock()
	delete(e.conns, id)
	e.mu.Unlock()
	close(pc.out)
	<-done

	changed := e.model.ReleaseLocksHeldBy(id)
	if len(changed) > 0 {
		e.broadcastLocks(changed)
	}
	e.uiBus.Publish(router.ClientDisconnected{ID: id})
}

// sendInitialDump pushes the full status dump a freshly accepted peer
// expects before it reaches Ready (spec §4.3: "on accept, VideoHub
// pushes the full initial status dump").
func (e *Engine) sendInitialDump(pc *peerConn) {
	status := e.model.Snapshot(pc.id)
	pc.send(&ProtocolPreambleBlock{Version: VersionNumber{Major: 2, Minor: 8}})
	pc.send(&VideohubDeviceBlock{
		DevicePresent:          DevicePresentTrue,
		ModelName:              e.cfg.ModelName,
		FriendlyName:           e.cfg.FriendlyName,
		UniqueID:               e.deviceID(),
		VideoInputs:            status.Inputs,
		VideoProcessingUnits:   0,
		VideoOutputs:           status.Outputs,
		VideoMonitoringOutputs: 0,
		SerialPorts:            0,
	})
	pc.send(&InputLabelsBlock{Labels: labelsFromSlice(status.InputLabels)})
	pc.send(&OutputLabelsBlock{Labels: labelsFromSlice(status.OutputLabels)})
	pc.send(&VideoOutputRoutingBlock{Routing: routingFromLevel(status.Routes[0])})
	pc.send(&VideoOutputLocksBlock{Locks: locksFromView(status.Locks)})
	pc.send(&EndPreludeBlock{})
}

func labelsFromSlice(s []string) Labels {
	l := make(Labels, len(s))
	for i, v := range s {
		l[i] = v
	}
	return l
}

func routingFromLevel(level []int) Routing {
	r := make(Routing, len(level))
	for d, s := range level {
		r[d] = s
	}
	return r
}

func locksFromView(views []router.LockView) Locks {
	l := make(Locks, len(views))
	for d, v := range views {
		switch v {
		case router.ViewOwned:
			l[d] = LockOwned
		case router.ViewLocked:
			l[d] = LockLocked
		default:
			l[d] = LockUnlocked
		}
	}
	return l
}

func toLockOp(l Lock) router.LockOp {
	switch l {
	case LockUnlocked:
		return router.LockUnlock
	case LockForced:
		return router.LockForce
	default: // LockOwned, LockLocked: both observed as "take ownership" requests
		return router.LockOwn
	}
}

// handle dispatches one decoded block from peer pc.
func (e *Engine) handle(pc *peerConn, blk VideohubBlock) {
	switch v := blk.(type) {
	case *PingBlock:
		pc.send(&AckBlock{})

	case *VideoOutputRoutingBlock:
		if v.Routing == nil {
			pc.send(&AckBlock{})
			status := e.model.Snapshot(pc.id)
			pc.send(&VideoOutputRoutingBlock{Routing: routingFromLevel(status.Routes[0])})
			return
		}
		e.mu.Lock()
		applied, _ := e.model.SetRoutes(0, map[int]int(v.Routing), pc.id)
		e.uiBus.Publish(router.CommandReceived{ID: pc.id, Description: "VIDEO OUTPUT ROUTING"})
		if len(applied) > 0 {
			pc.send(&AckBlock{})
			e.broadcastLocked(&VideoOutputRoutingBlock{Routing: Routing(applied)})
		} else {
			pc.send(&NakBlock{})
		}
		e.mu.Unlock()

	case *VideoOutputLocksBlock:
		if v.Locks == nil {
			pc.send(&AckBlock{})
			status := e.model.Snapshot(pc.id)
			pc.send(&VideoOutputLocksBlock{Locks: locksFromView(status.Locks)})
			return
		}
		e.mu.Lock()
		var okCount int
		dests := make([]int, 0, len(v.Locks))
		for dest, lock := range v.Locks {
			if err := e.model.SetLock(dest, toLockOp(lock), pc.id); err == nil {
				okCount++
				dests = append(dests, dest)
			}
		}
		e.uiBus.Publish(router.CommandReceived{ID: pc.id, Description: "VIDEO OUTPUT LOCKS"})
		if okCount > 0 {
			pc.send(&AckBlock{})
			e.broadcastLockedDests(dests)
		} else {
			pc.send(&NakBlock{})
		}
		e.mu.Unlock()

	case *InputLabelsBlock:
		if v.Labels == nil {
			pc.send(&AckBlock{})
			status := e.model.Snapshot(pc.id)
			pc.send(&InputLabelsBlock{Labels: labelsFromSlice(status.InputLabels)})
			return
		}
		e.mu.Lock()
		applied, _ := e.model.SetInputLabels(map[int]string(v.Labels))
		e.uiBus.Publish(router.CommandReceived{ID: pc.id, Description: "INPUT LABELS"})
		if len(applied) > 0 {
			pc.send(&AckBlock{})
			e.broadcastLocked(&InputLabelsBlock{Labels: Labels(applied)})
		} else {
			pc.send(&NakBlock{})
		}
		e.mu.Unlock()

	case *OutputLabelsBlock:
		if v.Labels == nil {
			pc.send(&AckBlock{})
			status := e.model.Snapshot(pc.id)
			pc.send(&OutputLabelsBlock{Labels: labelsFromSlice(status.OutputLabels)})
			return
		}
		e.mu.Lock()
		applied, _ := e.model.SetOutputLabels(map[int]string(v.Labels))
		e.uiBus.Publish(router.CommandReceived{ID: pc.id, Description: "OUTPUT LABELS"})
		if len(applied) > 0 {
			pc.send(&AckBlock{})
			e.broadcastLocked(&OutputLabelsBlock{Labels: Labels(applied)})
		} else {
			pc.send(&NakBlock{})
		}
		e.mu.Unlock()

	default:
		// Recognized-but-unmodeled and unknown blocks are ignored per
		// spec §4.2.1 ("Unknown headers are ignored silently").
	}
}

// broadcastLocked sends blk to every connected peer, including the
// originator, reflecting the post-mutation state (spec §3 I4). Caller
// must hold e.mu, which keeps this enqueue step ordered consistently
// with the model mutation order across concurrent commands.
func (e *Engine) broadcastLocked(blk VideohubBlock) {
	for _, p := range e.conns {
		p.send(blk)
	}
}

// broadcastLockedDests renders and sends a per-peer lock view delta for
// the given destinations to every connected peer (each peer gets its
// own O/U/L rendering of the same destinations).
func (e *Engine) broadcastLockedDests(dests []int) {
	for _, p := range e.conns {
		status := e.model.Snapshot(p.id)
		l := make(Locks, len(dests))
		for _, d := range dests {
			l[d] = viewToLock(status.Locks[d])
		}
		p.send(&VideoOutputLocksBlock{Locks: l})
	}
}

func (e *Engine) broadcastLocks(dests []int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.broadcastLockedDests(dests)
}

func viewToLock(v router.LockView) Lock {
	switch v {
	case router.ViewOwned:
		return LockOwned
	case router.ViewLocked:
		return LockLocked
	default:
		return LockUnlocked
	}
}

func (e *Engine) deviceID() string {
	return e.uniqueID
}

// UpdateConfig applies new device metadata; routing dimensions are
// fixed for the lifetime of a Model and are not reconfigured in place.
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
	e.mu.Lock()
	e.broadcastLocked(&VideoOutputRoutingBlock{Routing: Routing{dest: src}})
	e.mu.Unlock()
	return true
}

func (e *Engine) SetInputLabel(i int, s string) {
	if e.model.SetInputLabel(i, s) == nil {
		e.mu.Lock()
		e.broadcastLocked(&InputLabelsBlock{Labels: Labels{i: s}})
		e.mu.Unlock()
	}
}

func (e *Engine) SetOutputLabel(o int, s string) {
	if e.model.SetOutputLabel(o, s) == nil {
		e.mu.Lock()
		e.broadcastLocked(&OutputLabelsBlock{Labels: Labels{o: s}})
		e.mu.Unlock()
	}
}

func (e *Engine) SetLock(dest int, op router.LockOp) {
	if e.model.SetLock(dest, op, 0) == nil {
		e.broadcastLocks([]int{dest})
	}
}

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
