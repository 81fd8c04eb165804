// Command routerhubd runs a single configured protocol engine (one of
// videohub, probel, grassvalley) until interrupted. It is the
// standalone, headless sibling of the GUI's embedded engine: the
// process lifecycle this binary owns (accept loop, signal handling) is
// exactly what the GUI's IPC bridge otherwise manages on the engine's
// behalf (spec.md §1 "out of scope: ... the inter-process bridge
// between the GUI and the engine").
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	_ "puzzlekraken.com/routerhub/blackmagicdesign"
	_ "puzzlekraken.com/routerhub/grassvalley"
	_ "puzzlekraken.com/routerhub/probel"
	"puzzlekraken.com/routerhub/rhconfig"
	"puzzlekraken.com/routerhub/router"
)

var (
	flagConfig       string
	flagProtocol     string
	flagInputs       int
	flagOutputs      int
	flagLevels       int
	flagPort         int
	flagBind         string
	flagModelName    string
	flagFriendlyName string
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:   "routerhubd",
		Short: "Run a VideoHub, SW-P-08 or GV Native router simulator engine",
		RunE:  runServe,
	}
	root.Flags().StringVar(&flagConfig, "config", "", "path to a persisted settings file (spec.md §6.4); flags below override its contents")
	root.Flags().StringVar(&flagProtocol, "protocol", "", "videohub, probel or grassvalley")
	root.Flags().IntVar(&flagInputs, "inputs", 0, "number of sources")
	root.Flags().IntVar(&flagOutputs, "outputs", 0, "number of destinations")
	root.Flags().IntVar(&flagLevels, "levels", 0, "number of routing levels (VideoHub is always 1)")
	root.Flags().IntVar(&flagPort, "port", 0, "TCP port (0 = protocol default)")
	root.Flags().StringVar(&flagBind, "bind", "", "bind address (default all interfaces)")
	root.Flags().StringVar(&flagModelName, "model-name", "", "device model name reported on the wire")
	root.Flags().StringVar(&flagFriendlyName, "friendly-name", "", "device friendly name reported on the wire")

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("routerhubd exited")
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	settings := rhconfig.Default()
	if flagConfig != "" {
		var err error
		settings, err = rhconfig.Load(flagConfig)
		if err != nil {
			return err
		}
	}
	applyOverrides(&settings)

	cfg := router.EngineConfig{
		Protocol:     settings.Protocol,
		Inputs:       settings.Inputs,
		Outputs:      settings.Outputs,
		Levels:       settings.Levels,
		Port:         settings.Port,
		ModelName:    settings.ModelName,
		FriendlyName: settings.FriendlyName,
	}
	engine, err := router.NewEngine(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, events := engine.Subscribe()
	defer engine.Unsubscribe(id)
	go logEvents(events)

	port, err := engine.Start(ctx, flagBind)
	if err != nil {
		return fmt.Errorf("routerhubd: start: %w", err)
	}
	log.Info().Str("protocol", settings.Protocol).Int("port", port).
		Int("inputs", settings.Inputs).Int("outputs", settings.Outputs).Int("levels", settings.Levels).
		Msg("serving")

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return engine.Stop()
}

func applyOverrides(s *rhconfig.Settings) {
	if flagProtocol != "" {
		s.Protocol = flagProtocol
	}
	if flagInputs != 0 {
		s.Inputs = flagInputs
	}
	if flagOutputs != 0 {
		s.Outputs = flagOutputs
	}
	if flagLevels != 0 {
		s.Levels = flagLevels
	}
	if flagPort != 0 {
		s.Port = flagPort
	}
	if flagModelName != "" {
		s.ModelName = flagModelName
	}
	if flagFriendlyName != "" {
		s.FriendlyName = flagFriendlyName
	}
}

func logEvents(events <-chan router.Event) {
	for ev := range events {
		switch e := ev.(type) {
		case router.ClientConnected:
			log.Info().Uint64("conn", uint64(e.ID)).Msg("peer connected")
		case router.ClientDisconnected:
			log.Info().Uint64("conn", uint64(e.ID)).Msg("peer disconnected")
		case router.CommandReceived:
			log.Debug().Uint64("conn", uint64(e.ID)).Str("command", e.Description).Msg("command received")
		case router.ErrorEvent:
			log.Warn().Str("message", e.Message).Msg("engine error")
		}
	}
}
