package blackmagicdesign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"puzzlekraken.com/routerhub/router"
)

func init() {
	router.RegisterClient("videohub", func(cfg router.ClientConfig) router.Client {
		return NewHub(cfg)
	})
}

// pendingKey identifies one optimistically-applied write awaiting
// authoritative confirmation (spec.md §4.4/§9).
type pendingKey struct {
	kind   string
	target int
}

// Hub is the VideoHub controller-side connection (spec §7 C4): it
// dials a server, keeps a local mirror of device state updated from
// its broadcast stream, applies writes optimistically pending
// confirmation, and reconnects with backoff on failure. Its retry loop
// is grounded in hsproto.go's SwitcherClient.command, generalized from
// a synchronous per-call retry to a persistent background reconnect
// loop built on retry-go/v4.
type Hub struct {
	Log zerolog.Logger

	cfg router.ClientConfig

	mu           sync.Mutex
	sock         *VideohubSocket
	connected    bool
	levelNames   []string
	inputLabels  []string
	outputLabels []string
	routing      []int
	locks        []Lock
	pending      map[pendingKey]any

	writeMu sync.Mutex

	bus    *router.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub constructs an unconnected Hub targeting cfg.Host:cfg.Port.
func NewHub(cfg router.ClientConfig) *Hub {
	return &Hub{
		cfg:     cfg,
		pending: make(map[pendingKey]any),
		bus:     router.NewBus(),
	}
}

// Connect dials the server, reads the initial status dump, and starts
// the background goroutine that applies the server's ongoing broadcast
// stream to the local mirror. If cfg.AutoReconnect is set, a lost
// connection is retried in the background with exponential backoff
// (1s, doubling, capped at 30s) instead of surfacing as a terminal
// error to the caller of Connect.
func (h *Hub) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	if err := h.dialOnce(addr); err != nil {
		return &router.ConnError{Err: err}
	}

	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.readLoop(runCtx, addr)
	return nil
}

func (h *Hub) dialOnce(addr string) error {
	sock, err := DialVideohub(addr)
	if err != nil {
		h.Log.Debug().Err(err).Str("addr", addr).Msg("videohub dial failed")
		return err
	}
	if err := h.readInitialDump(sock); err != nil {
		sock.Close()
		return err
	}
	h.mu.Lock()
	h.sock = sock
	h.connected = true
	h.pending = make(map[pendingKey]any)
	h.mu.Unlock()
	h.Log.Info().Str("addr", addr).Msg("videohub connected")
	h.bus.Publish(router.RouterConnected{})
	return nil
}

func (h *Hub) readInitialDump(sock *VideohubSocket) error {
	var inputLabels, outputLabels []string
	var routing []int
	var locks []Lock
	for {
		blk, err := sock.Read()
		if err != nil {
			return err
		}
		switch v := blk.(type) {
		case *VideohubDeviceBlock:
			inputLabels = make([]string, v.VideoInputs)
			outputLabels = make([]string, v.VideoOutputs)
			routing = make([]int, v.VideoOutputs)
			locks = make([]Lock, v.VideoOutputs)
		case *InputLabelsBlock:
			applyLabels(inputLabels, v.Labels)
		case *OutputLabelsBlock:
			applyLabels(outputLabels, v.Labels)
		case *VideoOutputRoutingBlock:
			for d, s := range v.Routing {
				if d >= 0 && d < len(routing) {
					routing[d] = s
				}
			}
		case *VideoOutputLocksBlock:
			for d, l := range v.Locks {
				if d >= 0 && d < len(locks) {
					locks[d] = l
				}
			}
		case *EndPreludeBlock:
			h.mu.Lock()
			h.levelNames = []string{"Video"}
			h.inputLabels = inputLabels
			h.outputLabels = outputLabels
			h.routing = routing
			h.locks = locks
			h.mu.Unlock()
			return nil
		}
	}
}

func applyLabels(dst []string, labels Labels) {
	for n, l := range labels {
		if n >= 0 && n < len(dst) {
			dst[n] = l
		}
	}
}

// readLoop consumes the post-prelude broadcast stream and, on a
// connection error, either reconnects (AutoReconnect) or marks the hub
// disconnected for good.
func (h *Hub) readLoop(ctx context.Context, addr string) {
	defer close(h.done)
	for {
		h.mu.Lock()
		sock := h.sock
		h.mu.Unlock()

		for {
			blk, err := sock.Read()
			if err != nil {
				break
			}
			h.applyUpdate(blk)
		}

		h.mu.Lock()
		h.connected = false
		h.mu.Unlock()
		h.bus.Publish(router.RouterDisconnected{})

		if ctx.Err() != nil || !h.cfg.AutoReconnect {
			return
		}

		attempt := 0
		err := retry.Do(func() error {
			attempt++
			h.bus.Publish(router.RouterReconnecting{Attempt: attempt})
			return h.dialOnce(addr)
		},
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(time.Second),
			retry.MaxDelay(30*time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return // ctx canceled
		}
	}
}

// applyUpdate folds one post-prelude block into the local mirror and
// clears any pending optimistic entry it confirms. A NAK wipes the
// entire pending ledger and triggers a full re-sync query, reproducing
// the coarse rollback behavior observed in the original firmware
// (spec.md §9 open question, resolved this way).
func (h *Hub) applyUpdate(blk VideohubBlock) {
	switch v := blk.(type) {
	case *InputLabelsBlock:
		h.mu.Lock()
		applyLabels(h.inputLabels, v.Labels)
		for n := range v.Labels {
			delete(h.pending, pendingKey{"input-label", n})
		}
		h.mu.Unlock()
		h.bus.Publish(router.InputLabelsChanged{Indices: keysOf(v.Labels)})

	case *OutputLabelsBlock:
		h.mu.Lock()
		applyLabels(h.outputLabels, v.Labels)
		for n := range v.Labels {
			delete(h.pending, pendingKey{"output-label", n})
		}
		h.mu.Unlock()
		h.bus.Publish(router.OutputLabelsChanged{Indices: keysOf(v.Labels)})

	case *VideoOutputRoutingBlock:
		var changes []router.RouteEntry
		h.mu.Lock()
		for d, s := range v.Routing {
			if d >= 0 && d < len(h.routing) {
				h.routing[d] = s
			}
			delete(h.pending, pendingKey{"route", d})
			changes = append(changes, router.RouteEntry{Level: 0, Dest: d, Source: s})
		}
		h.mu.Unlock()
		h.bus.Publish(router.RoutingChanged{Changes: changes})

	case *VideoOutputLocksBlock:
		var dests []int
		h.mu.Lock()
		for d, l := range v.Locks {
			if d >= 0 && d < len(h.locks) {
				h.locks[d] = l
			}
			delete(h.pending, pendingKey{"lock", d})
			dests = append(dests, d)
		}
		h.mu.Unlock()
		h.bus.Publish(router.LocksChanged{Dests: dests})

	case *NakBlock:
		h.mu.Lock()
		h.pending = make(map[pendingKey]any)
		sock := h.sock
		h.mu.Unlock()
		if sock != nil {
			sock.Write(&VideoOutputRoutingBlock{})
			sock.Write(&VideoOutputLocksBlock{})
		}
		h.bus.Publish(router.ErrorEvent{Message: "command rejected (NAK); re-syncing"})
	}
}

func keysOf(labels Labels) []int {
	idx := make([]int, 0, len(labels))
	for n := range labels {
		idx = append(idx, n)
	}
	return idx
}

// Disconnect tears down the connection and stops the reconnect loop.
func (h *Hub) Disconnect() error {
	if h.cancel != nil {
		h.cancel()
	}
	h.mu.Lock()
	sock := h.sock
	h.connected = false
	h.mu.Unlock()
	var err error
	if sock != nil {
		err = sock.Close()
	}
	if h.done != nil {
		<-h.done
	}
	return err
}

func (h *Hub) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *Hub) write(blk VideohubBlock) error {
	h.mu.Lock()
	sock := h.sock
	connected := h.connected
	h.mu.Unlock()
	if !connected || sock == nil {
		return &router.ConnError{Err: fmt.Errorf("not connected")}
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return sock.Write(blk)
}

// SetRoute optimistically applies dest->src to the local mirror and
// sends the change to the server; a subsequent NAK rolls the whole
// pending ledger back via re-sync (see applyUpdate).
func (h *Hub) SetRoute(level, dest, src int) error {
	if level != 0 {
		return &router.BoundsError{Field: "level", Value: level, Max: 1}
	}
	h.mu.Lock()
	if dest < 0 || dest >= len(h.routing) {
		h.mu.Unlock()
		return &router.BoundsError{Field: "dest", Value: dest, Max: len(h.routing)}
	}
	h.routing[dest] = src
	h.pending[pendingKey{"route", dest}] = src
	h.mu.Unlock()
	return h.write(&VideoOutputRoutingBlock{Routing: Routing{dest: src}})
}

func (h *Hub) SetInputLabel(i int, s string) error {
	h.mu.Lock()
	if i < 0 || i >= len(h.inputLabels) {
		h.mu.Unlock()
		return &router.BoundsError{Field: "input", Value: i, Max: len(h.inputLabels)}
	}
	h.inputLabels[i] = s
	h.pending[pendingKey{"input-label", i}] = s
	h.mu.Unlock()
	return h.write(&InputLabelsBlock{Labels: Labels{i: s}})
}

func (h *Hub) SetOutputLabel(o int, s string) error {
	h.mu.Lock()
	if o < 0 || o >= len(h.outputLabels) {
		h.mu.Unlock()
		return &router.BoundsError{Field: "output", Value: o, Max: len(h.outputLabels)}
	}
	h.outputLabels[o] = s
	h.pending[pendingKey{"output-label", o}] = s
	h.mu.Unlock()
	return h.write(&OutputLabelsBlock{Labels: Labels{o: s}})
}

func (h *Hub) SetLock(dest int, op router.LockOp) error {
	var l Lock
	switch op {
	case router.LockOwn:
		l = LockOwned
	case router.LockUnlock:
		l = LockUnlocked
	case router.LockForce:
		l = LockForced
	}
	h.mu.Lock()
	if dest < 0 || dest >= len(h.locks) {
		h.mu.Unlock()
		return &router.BoundsError{Field: "dest", Value: dest, Max: len(h.locks)}
	}
	h.pending[pendingKey{"lock", dest}] = l
	h.mu.Unlock()
	return h.write(&VideoOutputLocksBlock{Locks: Locks{dest: l}})
}

// GetState renders the local mirror as a router.Status. Lock views are
// already peer-relative as reported by the device (O means this
// connection owns it), so they map directly to router.LockView.
func (h *Hub) GetState() router.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := router.Status{
		Levels:       1,
		Inputs:       len(h.inputLabels),
		Outputs:      len(h.outputLabels),
		LevelNames:   append([]string(nil), h.levelNames...),
		InputLabels:  append([]string(nil), h.inputLabels...),
		OutputLabels: append([]string(nil), h.outputLabels...),
		Routes:       [][]int{append([]int(nil), h.routing...)},
		Locks:        make([]router.LockView, len(h.locks)),
	}
	for d, l := range h.locks {
		switch l {
		case LockOwned:
			s.Locks[d] = router.ViewOwned
		case LockLocked, LockForced:
			s.Locks[d] = router.ViewLocked
		default:
			s.Locks[d] = router.ViewUnlocked
		}
	}
	return s
}

func (h *Hub) Subscribe() (int, <-chan router.Event) {
	return h.bus.Subscribe()
}

func (h *Hub) Unsubscribe(id int) {
	h.bus.Unsubscribe(id)
}

var _ router.Client = (*Hub)(nil)
