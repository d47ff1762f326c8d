// Command ditctld is the tether-offload control daemon: it owns the
// Ioctl Gateway, the Conntrack and Netlink Manager singletons, and the
// Offload Control state machine, and keeps them running until
// interrupted. It does not expose an RPC listener (out of scope); the
// add-downstream, remove-downstream and set-upstream subcommands drive
// Offload Control directly for manual/scripted operation instead.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"ditctl"
	"ditctl/config"
	"ditctl/internal/conntrack"
	"ditctl/internal/control"
	"ditctl/internal/ioctlgw"
	"ditctl/internal/logging"
	"ditctl/internal/netlinkmgr"

	"github.com/spf13/cobra"
)

const version = "dev"

// statsLogInterval is how often the run loop writes a debug-level
// heartbeat line. The heartbeat does not read or log forwarded-byte
// counters.
const statsLogInterval = 30 * time.Second

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var debug bool
	var devices []string
	var configPath string

	cmd := &cobra.Command{
		Use:     "ditctld",
		Short:   "Tether offload control daemon",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctl, err := buildControl(configPath, devices)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				cb := ditctl.EventCallbackFunc(func(ev ditctl.OffloadEvent) {
					slog.Info("offload event", "num", ev.Num)
				})
				if err := ctl.InitOffload(ctx, cb); err != nil {
					return err
				}
				<-ctx.Done()
				return ctl.StopOffload()
			})
			g.Go(func() error {
				logForwardedStats(ctx)
				return nil
			})
			return g.Wait()
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().StringSliceVar(&devices, "device", nil, "Accelerator device candidate path (repeatable)")
	cmd.PersistentFlags().StringVar(&configPath, "config", config.Path(), "Config file path")

	cmd.AddCommand(addDownstreamCmd(&configPath, &devices), removeDownstreamCmd(&configPath, &devices))
	cmd.AddCommand(setUpstreamCmd(&configPath, &devices))
	return cmd
}

// buildControl wires the Ioctl Gateway and the two manager singletons
// into a fresh Offload Control, applying any config-file or flag
// overrides to the device candidate list.
func buildControl(configPath string, deviceFlags []string) (*control.Control, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	devices := deviceFlags
	if len(devices) == 0 {
		devices = cfg.Devices
	}

	gw := ioctlgw.New(devices)
	ctl := control.New(control.Config{
		Gateway:   gw,
		Conntrack: conntrack.GetInstance(gw),
		Netlink:   netlinkmgr.GetInstance(),
	})
	return ctl, nil
}

// noopCallback discards device-initiated events for the one-shot
// subcommands, which only care about the single operation's result.
type noopCallback struct{}

func (noopCallback) OnEvent(ditctl.OffloadEvent) {}

func logForwardedStats(ctx context.Context) {
	ticker := time.NewTicker(statsLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Debug("ditctld heartbeat")
		}
	}
}
