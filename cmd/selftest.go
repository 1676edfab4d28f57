// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/uoe/internal/config"
	"firestige.xyz/uoe/internal/engine"
	"firestige.xyz/uoe/internal/events"
	"firestige.xyz/uoe/internal/log"
	"firestige.xyz/uoe/internal/regs"
)

var selftestCmd = &cobra.Command{
	Use:   "selftest",
	Short: "Run the built-in generator/checker loopback test",
	Long: `Run the built-in traffic generator against the checker over a loopback.

The loopback point comes from selftest.loopback in the config file:
  mac   frames leave the UDP/IPv4 stack, turn around at the MAC boundary
        and climb back up through the router, so the whole datapath is
        exercised
  udp   datagrams short-circuit below the UDP layer, isolating the
        generator and checker themselves

The command programs the test register block, pulses the checker and
generator start bits and waits for both results.

Examples:
  uoe selftest -c uoe.yml
  uoe selftest -c uoe.yml --frames 10000`,
	Run: func(cmd *cobra.Command, args []string) {
		ok, err := runSelfTest()
		if err != nil {
			exitWithError("self test", err)
		}
		if !ok {
			os.Exit(1)
		}
	},
}

var selftestFrames int

func init() {
	selftestCmd.Flags().IntVar(&selftestFrames, "frames", 0,
		"number of frames to generate (overrides selftest.frames)")
}

func runSelfTest() (bool, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return false, err
	}
	log.Init(cfg.Log)

	if selftestFrames > 0 {
		cfg.SelfTest.Frames = selftestFrames
	}
	st := cfg.SelfTest
	if st.Loopback == "mac" {
		if cfg.Node.DHCP {
			return false, fmt.Errorf("mac loopback needs a static node.ip, not dhcp")
		}
		// The looped frames must resolve the destination MAC without a
		// peer on the wire: pin it to our own address.
		cfg.ARP.TableEnabled = true
		cfg.ARP.StaticEntries = append(cfg.ARP.StaticEntries, config.StaticEntryConfig{
			IP:  st.ParsedDestIP.String(),
			MAC: cfg.Node.MAC,
		})
		if err := cfg.ValidateAndApplyDefaults(); err != nil {
			return false, err
		}
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return false, err
	}

	results := make(chan events.SelfTestEvent, 4)
	eng.Bus().Subscribe(events.TopicSelfTest, func(ev *events.Event) error {
		if p, ok := ev.Payload.(events.SelfTestEvent); ok {
			results <- p
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Start(ctx); err != nil {
		return false, err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if stopErr := eng.Stop(stopCtx); stopErr != nil {
			log.GetLogger().WithError(stopErr).Warnf("engine stop")
		}
	}()

	target := uint64(st.Frames) * uint64(st.FrameSize)
	fmt.Printf("self test: loopback=%s frames=%d size=%d rate=%s target=%d bytes\n",
		st.Loopback, st.Frames, st.FrameSize, rateName(st.RateLimit), target)

	if err := program(eng.TestBlock(), st, target); err != nil {
		return false, err
	}

	return await(results, st.ParsedTimeout, eng)
}

// program arms the test block: endpoints, generator and checker
// parameters, byte targets, then the start pulses. Every control write
// carries the loopback switch, which is stored state.
func program(tb *regs.TestBlock, st config.SelfTestConfig, target uint64) error {
	params := regs.EncodeGenConfig(regs.GenParams{
		RandomSize: st.RandomSize,
		StaticSize: uint16(st.FrameSize),
		RateLimit:  uint8(st.RateLimit),
	})
	loop := uint32(regs.CtlLoopbackMAC)
	if st.Loopback == "udp" {
		loop = regs.CtlLoopbackUDP
	}

	writes := []struct{ addr, val uint32 }{
		{regs.RegLbGenDestIP, st.ParsedDestIP.Uint32()},
		{regs.RegLbGenUDPPort, uint32(st.SrcPort)<<16 | uint32(st.DstPort)},
		{regs.RegChkUDPPort, uint32(st.DstPort)},
		{regs.RegGenConfig, params},
		{regs.RegGenNbBytesLSB, uint32(target)},
		{regs.RegGenNbBytesMSB, uint32(target >> 32)},
		{regs.RegChkConfig, params},
		{regs.RegChkNbBytesLSB, uint32(target)},
		{regs.RegChkNbBytesMSB, uint32(target >> 32)},
		// Checker first, so it is listening before the first frame.
		{regs.RegGenChkControl, loop | regs.CtlChkStart},
		{regs.RegGenChkControl, loop | regs.CtlGenStart},
	}
	for _, w := range writes {
		if err := tb.Write32(w.addr, w.val); err != nil {
			return fmt.Errorf("program test register 0x%02X: %w", w.addr, err)
		}
	}
	return nil
}

// await collects the generator and checker results, printing each as it
// lands. Both runs are bounded by the configured timeout, so the grace
// period only covers scheduling slack.
func await(results <-chan events.SelfTestEvent, timeout time.Duration, eng *engine.Engine) (bool, error) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	deadline := time.After(timeout + 5*time.Second)

	pass := true
	var haveGen, haveChk bool
	for !haveGen || !haveChk {
		select {
		case ev := <-results:
			switch ev.Kind {
			case "generator":
				haveGen = true
			case "checker":
				haveChk = true
			default:
				continue
			}
			report(ev)
			if !ev.Pass {
				pass = false
			}
		case <-deadline:
			return false, fmt.Errorf("no result within %s", timeout+5*time.Second)
		case sig := <-signals:
			return false, fmt.Errorf("interrupted by %s", sig)
		}
	}

	if !pass {
		printErrorBits(eng)
	}
	return pass, nil
}

func report(ev events.SelfTestEvent) {
	status := "PASS"
	if !ev.Pass {
		status = "FAIL"
	}
	line := fmt.Sprintf("%-10s %s  %d bytes in %s", ev.Kind+":", status, ev.Bytes, ev.Duration.Round(time.Microsecond))
	if ev.Duration > 0 {
		mbps := float64(ev.Bytes) * 8 / ev.Duration.Seconds() / 1e6
		line += fmt.Sprintf(" (%.1f Mbit/s)", mbps)
	}
	if ev.Detail != "" {
		line += " - " + ev.Detail
	}
	fmt.Println(line)
}

// printErrorBits lists the latched test interrupt sources, which name
// the failure more precisely than the pass flag.
func printErrorBits(eng *engine.Engine) {
	status, err := eng.TestBlock().Read32(regs.RegTestIRQStatus)
	if err != nil {
		return
	}
	for bit := regs.TestInterrupt(0); status != 0; bit++ {
		mask := uint32(1) << uint(bit)
		if status&mask == 0 {
			continue
		}
		status &^= mask
		fmt.Printf("  irq: %s\n", bit)
	}
}

// rateName formats the generator pacing for the run banner.
func rateName(limit int) string {
	if limit == 0 {
		return "unthrottled"
	}
	return fmt.Sprintf("%d Mbit/s", limit)
}
