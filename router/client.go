package router

import (
	"context"
	"fmt"
)

// ClientConfig configures a controller-side connection to a running
// server engine (spec.md §6.4).
type ClientConfig struct {
	Protocol      string
	Host          string
	Port          int
	AutoReconnect bool
	// Inputs, Outputs and Levels provision the local mirror's
	// dimensions for protocols with no wire discovery message of their
	// own (SW-P-08, GV Native); VideoHub ignores these and discovers
	// dimensions from the server's initial status dump instead.
	Inputs  int
	Outputs int
	Levels  int
}

// Client is the capability set every protocol's controller-side
// implementation satisfies (spec.md §7 C4). Mirrors Engine's shape so
// cmd/routerhubctl can treat any protocol uniformly.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	SetRoute(level, dest, src int) error
	SetInputLabel(i int, s string) error
	SetOutputLabel(o int, s string) error
	SetLock(dest int, op LockOp) error
	GetState() Status
	Subscribe() (id int, events <-chan Event)
	Unsubscribe(id int)
}

// ClientFactory builds a new, unconnected Client from its configuration.
type ClientFactory func(cfg ClientConfig) Client

var clientFactories = make(map[string]ClientFactory)

// RegisterClient adds protocol to the dispatch table used by NewClient,
// mirroring RegisterEngine on the controller side.
func RegisterClient(protocol string, factory ClientFactory) {
	clientFactories[protocol] = factory
}

// NewClient looks up protocol in the dispatch table and constructs a
// fresh, unconnected Client for it.
func NewClient(cfg ClientConfig) (Client, error) {
	factory, ok := clientFactories[cfg.Protocol]
	if !ok {
		return nil, fmt.Errorf("router: unknown protocol %q", cfg.Protocol)
	}
	return factory(cfg), nil
}
