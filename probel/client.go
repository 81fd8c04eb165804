package probel

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"puzzlekraken.com/routerhub/router"
)

func init() {
	router.RegisterClient("probel", func(cfg router.ClientConfig) router.Client {
		return NewClient(cfg)
	})
}

type pendingKey struct {
	level, dest int
}

// Client is the SW-P-08 controller-side connection (spec §7 C4). It
// has no device-discovery opcode in the implemented subset, so its
// dimensions come from router.ClientConfig and "initial state" reduces
// to observing at least one Crosspoint Tally, which dialOnce requests
// explicitly via a Tally Dump Request on every configured level. Connect
// blocks on that first tally (or the connect timeout) before returning,
// the same readiness gate grassvalley.Client uses.
type Client struct {
	Log zerolog.Logger

	cfg router.ClientConfig

	mu           sync.Mutex
	conn         net.Conn
	w            *bufio.Writer
	connected    bool
	haveTally    bool
	routing      [][]int
	inputLabels  []string
	outputLabels []string
	pending      map[pendingKey]int

	writeMu   sync.Mutex
	bus       *router.Bus
	cancel    context.CancelFunc
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
}

func NewClient(cfg router.ClientConfig) *Client {
	if cfg.Levels < 1 {
		cfg.Levels = 1
	}
	c := &Client{
		cfg:     cfg,
		pending: make(map[pendingKey]int),
		bus:     router.NewBus(),
	}
	c.routing = make([][]int, cfg.Levels)
	for l := range c.routing {
		c.routing[l] = make([]int, cfg.Outputs)
	}
	c.inputLabels = make([]string, cfg.Inputs)
	c.outputLabels = make([]string, cfg.Outputs)
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	defer connectCancel()

	c.mu.Lock()
	c.ready = make(chan struct{})
	c.readyOnce = sync.Once{}
	c.haveTally = false
	c.mu.Unlock()

	if err := c.dialOnce(ctx, addr); err != nil {
		return &router.ConnError{Err: err}
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.readLoop(runCtx, addr)

	select {
	case <-c.ready:
		return nil
	case <-connectCtx.Done():
		c.Disconnect()
		return &router.ConnError{Err: fmt.Errorf("probel: timed out waiting for initial state")}
	}
}

func (c *Client) dialOnce(ctx context.Context, addr string) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.w = bufio.NewWriter(conn)
	c.connected = true
	c.pending = make(map[pendingKey]int)
	c.mu.Unlock()

	// Request initial crosspoint state on every configured level;
	// "initial state" is reached once at least one tally is observed
	// by readLoop.
	for level := 0; level < c.cfg.Levels; level++ {
		c.writeFrame(EncodeTallyDumpRequest(OpTallyDumpRequest, level))
	}
	c.bus.Publish(router.RouterConnected{})
	return nil
}

func (c *Client) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	w := c.w
	c.mu.Unlock()
	if w == nil {
		return &router.ConnError{Err: fmt.Errorf("not connected")}
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	return w.Flush()
}

func (c *Client) readLoop(ctx context.Context, addr string) {
	defer close(c.done)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		scan := NewScanner(bufio.NewReader(conn))
		for scan.Scan() {
			frame, err := Decode(scan.Bytes())
			if err != nil {
				continue
			}
			c.applyUpdate(frame)
		}

		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.bus.Publish(router.RouterDisconnected{})

		if ctx.Err() != nil || !c.cfg.AutoReconnect {
			return
		}

		attempt := 0
		err := retry.Do(func() error {
			attempt++
			c.bus.Publish(router.RouterReconnecting{Attempt: attempt})
			return c.dialOnce(ctx, addr)
		},
			retry.Context(ctx),
			retry.Attempts(0),
			retry.Delay(time.Second),
			retry.MaxDelay(30*time.Second),
			retry.DelayType(retry.BackOffDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return
		}
	}
}

func (c *Client) applyUpdate(f Frame) {
	if f.Ack || f.Nak {
		if f.Nak {
			c.mu.Lock()
			c.pending = make(map[pendingKey]int)
			c.mu.Unlock()
			c.bus.Publish(router.ErrorEvent{Message: "command rejected (NAK); re-syncing"})
			for level := 0; level < c.cfg.Levels; level++ {
				c.writeFrame(EncodeTallyDumpRequest(OpTallyDumpRequest, level))
			}
		}
		return
	}
	switch f.Op {
	case OpCrosspointTally, OpExtCrosspointTally, OpCrosspointConnected, OpExtCrosspointConnected:
		cp, err := DecodeCrosspoint(f)
		if err != nil {
			return
		}
		c.mu.Lock()
		if cp.Level >= 0 && cp.Level < len(c.routing) && cp.Dest >= 0 && cp.Dest < len(c.routing[cp.Level]) {
			c.routing[cp.Level][cp.Dest] = cp.Src
		}
		delete(c.pending, pendingKey{cp.Level, cp.Dest})
		c.mu.Unlock()
		c.bus.Publish(router.RoutingChanged{Changes: []router.RouteEntry{{Level: cp.Level, Dest: cp.Dest, Source: cp.Src}}})
		if f.Op == OpCrosspointTally || f.Op == OpExtCrosspointTally {
			c.markReady()
		}

	case OpSourceNameResponse, OpExtSourceNameResponse:
		resp, err := DecodeNameResponse(f)
		if err != nil {
			return
		}
		c.mu.Lock()
		if resp.Index >= 0 && resp.Index < len(c.inputLabels) {
			c.inputLabels[resp.Index] = resp.Name
		}
		c.mu.Unlock()
		c.bus.Publish(router.InputLabelsChanged{Indices: []int{resp.Index}})

	case OpDestNameResponse, OpExtDestNameResponse:
		resp, err := DecodeNameResponse(f)
		if err != nil {
			return
		}
		c.mu.Lock()
		if resp.Index >= 0 && resp.Index < len(c.outputLabels) {
			c.outputLabels[resp.Index] = resp.Name
		}
		c.mu.Unlock()
		c.bus.Publish(router.OutputLabelsChanged{Indices: []int{resp.Index}})
	}
}

func (c *Client) Disconnect() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	conn := c.conn
	c.connected = false
	c.mu.Unlock()
	var err error
	if conn != nil {
		err = conn.Close()
	}
	if c.done != nil {
		<-c.done
	}
	return err
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// markReady records that at least one Crosspoint Tally has been
// observed and, the first time, unblocks Connect (spec §4.4: initial
// state known once the first tally arrives).
func (c *Client) markReady() {
	c.mu.Lock()
	c.haveTally = true
	ready := c.ready
	c.mu.Unlock()
	c.readyOnce.Do(func() { close(ready) })
}

// SetRoute optimistically applies dest->src and sends a Crosspoint
// Connect; the pending entry clears when the matching Connected
// broadcast or Tally arrives.
func (c *Client) SetRoute(level, dest, src int) error {
	c.mu.Lock()
	if level < 0 || level >= len(c.routing) {
		c.mu.Unlock()
		return &router.BoundsError{Field: "level", Value: level, Max: len(c.routing)}
	}
	if dest < 0 || dest >= len(c.routing[level]) {
		c.mu.Unlock()
		return &router.BoundsError{Field: "dest", Value: dest, Max: len(c.routing[level])}
	}
	c.routing[level][dest] = src
	c.pending[pendingKey{level, dest}] = src
	c.mu.Unlock()
	return c.writeFrame(EncodeCrosspoint(OpCrosspointConnect, Crosspoint{Dest: dest, Src: src, Level: level}))
}

func (c *Client) SetInputLabel(i int, s string) error {
	return fmt.Errorf("probel: source names are not settable over the wire in this implementation")
}

func (c *Client) SetOutputLabel(o int, s string) error {
	return fmt.Errorf("probel: destination names are not settable over the wire in this implementation")
}

// SetLock always fails: SW-P-08 carries no locking command here.
func (c *Client) SetLock(dest int, op router.LockOp) error {
	return fmt.Errorf("probel: locking is not supported by this protocol")
}

func (c *Client) GetState() router.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := router.Status{
		Levels:       len(c.routing),
		Inputs:       len(c.inputLabels),
		Outputs:      len(c.outputLabels),
		LevelNames:   make([]string, len(c.routing)),
		InputLabels:  append([]string(nil), c.inputLabels...),
		OutputLabels: append([]string(nil), c.outputLabels...),
		Routes:       make([][]int, len(c.routing)),
		Locks:        make([]router.LockView, len(c.outputLabels)),
	}
	for l := range c.routing {
		s.Routes[l] = append([]int(nil), c.routing[l]...)
	}
	return s
}

func (c *Client) Subscribe() (int, <-chan router.Event) {
	return c.bus.Subscribe()
}

func (c *Client) Unsubscribe(id int) {
	c.bus.Unsubscribe(id)
}

var _ router.Client = (*Client)(nil)
