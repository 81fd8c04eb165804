package router

import (
	"context"
	"fmt"
)

// EngineConfig is the programmatic configuration surface shared by
// every protocol engine (spec.md §6.3).
type EngineConfig struct {
	Protocol     string
	Inputs       int
	Outputs      int
	Levels       int
	Port         int
	ModelName    string
	FriendlyName string
}

// Engine is the capability set every protocol's server implementation
// satisfies (spec.md §9: "rather than inheritance, each protocol is a
// concrete implementation of the capability set"). The UI/dispatch
// layer only ever sees this interface, never the concrete blackmagicdesign.Engine,
// probel.Engine or grassvalley.Engine type.
type Engine interface {
	Start(ctx context.Context, bindAddr string) (port int, err error)
	Stop() error
	UpdateConfig(cfg EngineConfig)
	SetRoute(level, dest, src int) bool
	SetInputLabel(i int, s string)
	SetOutputLabel(o int, s string)
	SetLock(dest int, op LockOp)
	GetState() Status
	Subscribe() (id int, events <-chan Event)
	Unsubscribe(id int)
}

// EngineFactory builds a new, unstarted Engine from its configuration.
type EngineFactory func(cfg EngineConfig) Engine

var engineFactories = make(map[string]EngineFactory)

// RegisterEngine adds protocol to the dispatch table used by NewEngine.
// Each protocol package (blackmagicdesign, probel, grassvalley) calls
// this from an init() func, mirroring the registration-table dispatch
// sony.createParameter uses for its parameter codecs (sony/factory.go),
// generalized here from per-parameter codecs to whole engine
// implementations.
func RegisterEngine(protocol string, factory EngineFactory) {
	engineFactories[protocol] = factory
}

// NewEngine looks up protocol in the dispatch table and constructs a
// fresh Engine for it. The UI never needs to import blackmagicdesign,
// probel or grassvalley directly to start one.
func NewEngine(cfg EngineConfig) (Engine, error) {
	factory, ok := engineFactories[cfg.Protocol]
	if !ok {
		return nil, fmt.Errorf("router: unknown protocol %q", cfg.Protocol)
	}
	return factory(cfg), nil
}
