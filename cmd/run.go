// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/uoe/internal/config"
	"firestige.xyz/uoe/internal/engine"
	"firestige.xyz/uoe/internal/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the offload engine in foreground",
	Long: `Run the offload engine in foreground.

The engine will:
  1. Load configuration from the config file
  2. Open the configured link driver and program the register file
  3. Start the datapath, ARP resolver and optional DHCP client
  4. Serve Prometheus metrics and export status to Kafka (if configured)
  5. Shut down gracefully on SIGTERM or SIGINT

Examples:
  uoe run -c uoe.yml
  uoe run -c uoe.yml -t 30s`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runEngine(); err != nil {
			exitWithError("engine", err)
		}
	},
}

var shutdownTimeout time.Duration

func init() {
	runCmd.Flags().DurationVarP(&shutdownTimeout, "shutdown-timeout", "t", 5*time.Second,
		"graceful shutdown timeout")
}

func runEngine() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	log.Init(cfg.Log)

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		return err
	}
	go drain(ctx, eng)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.GetLogger().Infof("received %s, shutting down", sig)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	return eng.Stop(stopCtx)
}

// drain plays the host processor: it consumes every inbound application
// queue so the datapath never stalls on a full FIFO.
func drain(ctx context.Context, eng *engine.Engine) {
	l := log.GetLogger().WithField("stage", "host")
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-eng.UDPIn():
			if l.IsDebugEnabled() {
				l.Debugf("udp rx: %d bytes from %s:%d", len(d.Payload), d.Meta.Addr, d.Meta.SrcPort)
			}
		case d := <-eng.RawIn():
			if l.IsDebugEnabled() {
				l.Debugf("raw rx: %d bytes type 0x%04X", len(d.Data), d.EtherType)
			}
		case f := <-eng.External():
			if l.IsDebugEnabled() {
				l.Debugf("external rx: %d bytes", len(f.Data))
			}
		}
	}
}
