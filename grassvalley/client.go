package grassvalley

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"puzzlekraken.com/routerhub/router"
)

func init() {
	router.RegisterClient("grassvalley", func(cfg router.ClientConfig) router.Client {
		return NewClient(cfg)
	})
}

type pendingKey struct {
	level, dest int
}

// Client is the GV Native controller-side connection (spec.md §7 C4).
// It has no proactive initial dump to wait for the way VideoHub does,
// so on connect it drives the protocol's own discovery sequence (BK N,
// BK d, QN IS, QN ID, QN L, QJ) and declares "initial state" reached
// once input count, output count and at least one routing entry are
// known (spec.md §4.4). It also runs a 1 Hz BK F poller, the same
// ticker-driven shape as hsproto.go's keepAliveThread generalized from
// a bare keep-alive ping into "poll, and requery whatever changed".
type Client struct {
	Log zerolog.Logger

	cfg router.ClientConfig

	mu           sync.Mutex
	conn         net.Conn
	w            *bufio.Writer
	connected    bool
	haveInputs   bool
	haveOutputs  bool
	haveRoute    bool
	routing      [][]int
	inputLabels  []string
	outputLabels []string
	levelNames   []string
	modelName    string
	friendlyName string
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
	c.levelNames = make([]string, cfg.Levels)
	return c
}

func (c *Client) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	connectCtx, connectCancel := context.WithTimeout(ctx, 5*time.Second)
	defer connectCancel()

	c.mu.Lock()
	c.ready = make(chan struct{})
	c.readyOnce = sync.Once{}
	c.haveInputs, c.haveOutputs, c.haveRoute = false, false, false
	c.mu.Unlock()

	if err := c.dialOnce(ctx, addr); err != nil {
		return &router.ConnError{Err: err}
	}

	runCtx, runCancel := context.WithCancel(ctx)
	c.cancel = runCancel
	c.done = make(chan struct{})
	go c.readLoop(runCtx, addr)
	go c.pollLoop(runCtx)

	select {
	case <-c.ready:
		return nil
	case <-connectCtx.Done():
		c.Disconnect()
		return &router.ConnError{Err: fmt.Errorf("grassvalley: timed out waiting for initial state")}
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

	c.writeMsg(Message{Command: "BK", Params: []string{"N"}})
	c.writeMsg(Message{Command: "BK", Params: []string{"d"}})
	c.writeMsg(Message{Command: "QN", Params: []string{"IS"}})
	c.writeMsg(Message{Command: "QN", Params: []string{"ID"}})
	c.writeMsg(Message{Command: "QN", Params: []string{"L"}})
	c.writeMsg(Message{Command: "QJ"})
	c.bus.Publish(router.RouterConnected{})
	return nil
}

func (c *Client) writeMsg(msg Message) error {
	return c.writeFrame(Encode(msg))
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

func (c *Client) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			connected := c.connected
			c.mu.Unlock()
			if connected {
				c.writeMsg(Message{Command: "BK", Params: []string{"F"}})
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, addr string) {
	defer close(c.done)
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		scan := NewScanner(bufio.NewReader(conn))
		for scan.Scan() {
			msg, err := Decode(scan.Bytes())
			if err != nil {
				c.Log.Warn().Err(err).Msg("grassvalley: checksum mismatch, dispatching anyway")
			}
			if msg.Command != "" {
				c.applyUpdate(msg)
			}
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

func (c *Client) applyUpdate(msg Message) {
	switch msg.Command {
	case "NQ":
		c.handleNQ(msg)
	case "JQ", "jQ":
		c.handleJQ(msg)
	case "DQ", "dQ":
		c.handleDQ(msg)
	case "IQ", "iQ":
		c.handleIQ(msg)
	case "AT":
		c.handleAT(msg)
	case "KB":
		c.handleKB(msg)
	case "ER":
		c.handleER(msg)
	}
	c.maybeReady()
}

func (c *Client) handleNQ(msg Message) {
	if len(msg.Params) < 1 {
		return
	}
	sub := msg.Params[0]
	names := msg.Params[1:]
	c.mu.Lock()
	switch sub {
	case "S", "XS":
		copyTrimmed(c.inputLabels, names)
		c.haveInputs = true
	case "D", "XD":
		copyTrimmed(c.outputLabels, names)
		c.haveOutputs = true
	case "L", "XL":
		copyTrimmed(c.levelNames, names)
	case "IS":
		applyIndexed(c.inputLabels, names)
		c.haveInputs = true
	case "ID":
		applyIndexed(c.outputLabels, names)
		c.haveOutputs = true
	}
	c.mu.Unlock()
	switch sub {
	case "S", "XS", "IS":
		c.bus.Publish(router.InputLabelsChanged{})
	case "D", "XD", "ID":
		c.bus.Publish(router.OutputLabelsChanged{})
	}
}

func (c *Client) handleJQ(msg Message) {
	c.mu.Lock()
	var changed []router.RouteEntry
	for _, tok := range msg.Params {
		destStr, srcStr, ok := splitPair(tok)
		if !ok {
			continue
		}
		dest, err1 := strconv.Atoi(destStr)
		src, err2 := strconv.Atoi(srcStr)
		if err1 != nil || err2 != nil || len(c.routing) == 0 || dest < 0 || dest >= len(c.routing[0]) {
			continue
		}
		c.routing[0][dest] = src
		delete(c.pending, pendingKey{0, dest})
		changed = append(changed, router.RouteEntry{Level: 0, Dest: dest, Source: src})
	}
	if len(changed) > 0 {
		c.haveRoute = true
	}
	c.mu.Unlock()
	if len(changed) > 0 {
		c.bus.Publish(router.RoutingChanged{Changes: changed})
	}
}

func splitPair(tok string) (a, b string, ok bool) {
	for i := 0; i < len(tok); i++ {
		if tok[i] == ':' {
			return tok[:i], tok[i+1:], true
		}
	}
	return "", "", false
}

func (c *Client) handleDQ(msg Message) {
	if len(msg.Params) < 2 {
		return
	}
	c.mu.Lock()
	dest, ok := findByName(c.outputLabels, msg.Params[0])
	if !ok {
		c.mu.Unlock()
		return
	}
	var changed []router.RouteEntry
	for level, name := range msg.Params[1:] {
		if level >= len(c.routing) {
			break
		}
		src, ok := findByName(c.inputLabels, name)
		if !ok {
			continue
		}
		c.routing[level][dest] = src
		delete(c.pending, pendingKey{level, dest})
		changed = append(changed, router.RouteEntry{Level: level, Dest: dest, Source: src})
	}
	if len(changed) > 0 {
		c.haveRoute = true
	}
	c.mu.Unlock()
	if len(changed) > 0 {
		c.bus.Publish(router.RoutingChanged{Changes: changed})
	}
}

func (c *Client) handleIQ(msg Message) {
	if len(msg.Params) < 3 {
		return
	}
	dest, err1 := strconv.Atoi(msg.Params[0])
	level, err2 := strconv.Atoi(msg.Params[1])
	src, err3 := strconv.Atoi(msg.Params[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	c.setMirrorRoute(level, dest, src)
}

func (c *Client) handleAT(msg Message) {
	if len(msg.Params) < 3 {
		return
	}
	dest, err1 := strconv.Atoi(msg.Params[0])
	src, err2 := strconv.Atoi(msg.Params[1])
	if err1 != nil || err2 != nil {
		return
	}
	levels, err := DecodeLevelBitmap(msg.Params[2])
	if err != nil {
		return
	}
	for _, level := range levels {
		c.setMirrorRoute(level, dest, src)
	}
}

func (c *Client) setMirrorRoute(level, dest, src int) {
	c.mu.Lock()
	if level < 0 || level >= len(c.routing) || dest < 0 || dest >= len(c.routing[level]) {
		c.mu.Unlock()
		return
	}
	c.routing[level][dest] = src
	delete(c.pending, pendingKey{level, dest})
	c.haveRoute = true
	c.mu.Unlock()
	c.bus.Publish(router.RoutingChanged{Changes: []router.RouteEntry{{Level: level, Dest: dest, Source: src}}})
}

func (c *Client) handleKB(msg Message) {
	if len(msg.Params) < 2 {
		return
	}
	switch msg.Params[0] {
	case "d":
		if len(msg.Params) >= 6 {
			c.mu.Lock()
			c.modelName = msg.Params[1]
			c.friendlyName = msg.Params[2]
			c.mu.Unlock()
		}
	case "N":
		c.mu.Lock()
		c.friendlyName = msg.Params[1]
		c.mu.Unlock()
	case "F":
		var bits uint32
		if _, err := fmt.Sscanf(msg.Params[1], "%08X", &bits); err != nil || bits == 0 {
			return
		}
		if bits&changeRouting != 0 {
			c.writeMsg(Message{Command: "QJ"})
		}
		if bits&changeInputLabels != 0 {
			c.writeMsg(Message{Command: "QN", Params: []string{"IS"}})
		}
		if bits&changeOutputLabels != 0 {
			c.writeMsg(Message{Command: "QN", Params: []string{"ID"}})
		}
		c.writeMsg(Message{Command: "BK", Params: []string{"f"}})
	}
}

// handleER processes the ER,<code> acknowledgement a take receives
// instead of a paired-code response. A nonzero code wipes every
// pending record (spec.md §4.4/§9: the source rolls back every pending
// change of the same kind on one rejection, reproduced here for
// interoperability rather than correlating by sequence number) and
// re-queries the level-0 routing (QJ) so the mirror converges on the
// server's state.
func (c *Client) handleER(msg Message) {
	if len(msg.Params) < 1 || msg.Params[0] == "00" {
		return
	}
	c.mu.Lock()
	c.pending = make(map[pendingKey]int)
	c.mu.Unlock()
	c.writeMsg(Message{Command: "QJ"})
	c.bus.Publish(router.ErrorEvent{Message: "command rejected (ER," + msg.Params[0] + "); re-syncing"})
}

func (c *Client) maybeReady() {
	c.mu.Lock()
	ready := c.haveInputs && c.haveOutputs && c.haveRoute
	c.mu.Unlock()
	if ready {
		c.readyOnce.Do(func() { close(c.ready) })
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

// SetRoute optimistically applies dest->src and issues a TI (take by
// index, single level) request; the pending entry clears when the
// matching AT notification, or the section's next query response,
// arrives.
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
	c.bus.Publish(router.RoutingChanged{Changes: []router.RouteEntry{{Level: level, Dest: dest, Source: src}}})
	return c.writeMsg(Message{Command: "TI", Params: []string{
		fmt.Sprintf("%04d", dest), fmt.Sprintf("%04d", src), fmt.Sprintf("%04d", level),
	}})
}

// SetInputLabel and SetOutputLabel always fail: the handled command
// subset has no name-assignment opcode, only QN's read-only query
// (spec.md §4.2.3).
func (c *Client) SetInputLabel(i int, s string) error {
	return fmt.Errorf("grassvalley: source names are not settable over the wire in this implementation")
}

func (c *Client) SetOutputLabel(o int, s string) error {
	return fmt.Errorf("grassvalley: destination names are not settable over the wire in this implementation")
}

// SetLock always fails: GV Native carries no per-destination lock
// concept on the wire (spec.md §3 "Destination locks (VideoHub
// only)").
func (c *Client) SetLock(dest int, op router.LockOp) error {
	return fmt.Errorf("grassvalley: locking is not supported by this protocol")
}

func (c *Client) GetState() router.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := router.Status{
		Levels:       len(c.routing),
		Inputs:       len(c.inputLabels),
		Outputs:      len(c.outputLabels),
		LevelNames:   append([]string(nil), c.levelNames...),
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
