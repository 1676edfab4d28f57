// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// configFile is the global config flag, shared by every subcommand.
var configFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "uoe",
	Short: "UOE - UDP offload engine over raw Ethernet links",
	Long: `UOE is a user-space UDP offload engine: it owns one Ethernet link and
runs the full datapath below the application - frame routing and MAC
filtering, ARP resolution, IPv4 with fragmentation and reassembly, UDP,
a raw Ethernet channel and an optional DHCP client - behind a register
compatible configuration and monitoring surface.

Features:
  - Hardware-model register file: drop counters, interrupt banks, self-test block
  - Link drivers: afpacket (live NIC), pcap (replay/capture files), pipe (loopback)
  - Built-in traffic generator and checker with MAC/UDP loopback switches
  - Status export to Kafka, Prometheus metrics endpoint`,
	Version: "0.1.0",
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "/etc/uoe/uoe.yml",
		"config file path")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(selftestCmd)
	rootCmd.AddCommand(validateCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
