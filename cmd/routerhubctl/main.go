// Command routerhubctl scripts a running router engine (server or
// real hardware speaking one of the three wire protocols) from the
// shell: dump a snapshot, take a crosspoint, set a label, or change a
// lock. Each invocation connects, performs one operation, and
// disconnects -- it is the scriptable counterpart to the GUI, built on
// the exact same router.Client surface (spec.md §6.3).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	_ "puzzlekraken.com/routerhub/blackmagicdesign"
	_ "puzzlekraken.com/routerhub/grassvalley"
	_ "puzzlekraken.com/routerhub/probel"
	"puzzlekraken.com/routerhub/router"
)

var (
	flagHost     string
	flagPort     int
	flagProtocol string
	flagInputs   int
	flagOutputs  int
	flagLevels   int
	flagTimeout  time.Duration
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	root := &cobra.Command{
		Use:   "routerhubctl",
		Short: "Script a VideoHub, SW-P-08 or GV Native router from the command line",
	}
	root.PersistentFlags().StringVar(&flagHost, "host", "127.0.0.1", "router host")
	root.PersistentFlags().IntVar(&flagPort, "port", 0, "router port (0 = protocol default)")
	root.PersistentFlags().StringVar(&flagProtocol, "protocol", "videohub", "videohub, probel or grassvalley")
	root.PersistentFlags().IntVar(&flagInputs, "inputs", 12, "source count (sizes the mirror for protocols with no on-wire discovery)")
	root.PersistentFlags().IntVar(&flagOutputs, "outputs", 12, "destination count (same caveat as --inputs)")
	root.PersistentFlags().IntVar(&flagLevels, "levels", 1, "routing level count")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 5*time.Second, "connect timeout")

	root.AddCommand(snapshotCmd(), takeCmd(), lockCmd(), labelCmd())

	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("routerhubctl exited")
	}
}

func connect(ctx context.Context) (router.Client, error) {
	cfg := router.ClientConfig{
		Protocol: flagProtocol,
		Host:     flagHost,
		Port:     flagPort,
		Inputs:   flagInputs,
		Outputs:  flagOutputs,
		Levels:   flagLevels,
	}
	client, err := router.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, flagTimeout)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return client, nil
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Connect, print the full routing state, and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Disconnect()
			printSnapshot(client.GetState())
			return nil
		},
	}
}

func printSnapshot(s router.Status) {
	fmt.Printf("levels=%d inputs=%d outputs=%d\n", s.Levels, s.Inputs, s.Outputs)
	for i, name := range s.InputLabels {
		fmt.Printf("input  %3d: %s\n", i, name)
	}
	for o, name := range s.OutputLabels {
		lock := ""
		if o < len(s.Locks) {
			switch s.Locks[o] {
			case router.ViewOwned:
				lock = " [O]"
			case router.ViewLocked:
				lock = " [L]"
			}
		}
		fmt.Printf("output %3d: %s%s\n", o, name, lock)
	}
	for level, row := range s.Routes {
		name := ""
		if level < len(s.LevelNames) {
			name = s.LevelNames[level]
		}
		fmt.Printf("level %d (%s):\n", level, name)
		for dest, src := range row {
			fmt.Printf("  %d <- %d\n", dest, src)
		}
	}
}

func takeCmd() *cobra.Command {
	var level, dest, src int
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Route a source to a destination on one level",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Disconnect()
			if err := client.SetRoute(level, dest, src); err != nil {
				return err
			}
			time.Sleep(200 * time.Millisecond) // let the frame reach the wire before disconnecting
			return nil
		},
	}
	cmd.Flags().IntVar(&level, "level", 0, "routing level")
	cmd.Flags().IntVar(&dest, "dest", 0, "destination index")
	cmd.Flags().IntVar(&src, "src", 0, "source index")
	cmd.MarkFlagRequired("dest")
	cmd.MarkFlagRequired("src")
	return cmd
}

func lockCmd() *cobra.Command {
	var dest int
	var opName string
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Own, unlock or force-unlock a destination (VideoHub only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var op router.LockOp
			switch strings.ToLower(opName) {
			case "own":
				op = router.LockOwn
			case "unlock":
				op = router.LockUnlock
			case "force":
				op = router.LockForce
			default:
				return fmt.Errorf("unknown --op %q (want own, unlock or force)", opName)
			}
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Disconnect()
			if err := client.SetLock(dest, op); err != nil {
				return err
			}
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}
	cmd.Flags().IntVar(&dest, "dest", 0, "destination index")
	cmd.Flags().StringVar(&opName, "op", "own", "own, unlock or force")
	return cmd
}

func labelCmd() *cobra.Command {
	var kind string
	var index int
	var value string
	cmd := &cobra.Command{
		Use:   "label",
		Short: "Set an input or output label",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer client.Disconnect()
			switch strings.ToLower(kind) {
			case "input":
				err = client.SetInputLabel(index, value)
			case "output":
				err = client.SetOutputLabel(index, value)
			default:
				return fmt.Errorf("unknown --kind %q (want input or output)", kind)
			}
			if err != nil {
				return err
			}
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "input", "input or output")
	cmd.Flags().IntVar(&index, "index", 0, "label index")
	cmd.Flags().StringVar(&value, "value", "", "new label text")
	return cmd
}
