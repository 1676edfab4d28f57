// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/uoe/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an engine configuration file",
	Long: `Validate an engine configuration file without starting anything.

This is useful for pre-checking configuration before deploying. The file
is loaded, defaults are applied and every section is validated exactly
as the run command would.

Examples:
  uoe validate -c uoe.yml
  uoe validate -c /etc/uoe/uoe.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

func runValidateCommand() {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	ip := cfg.Node.IP
	if cfg.Node.DHCP {
		ip = "dhcp"
	}
	fmt.Printf("VALID: node %s ip %s link %s - %d multicast group(s), %d static ARP entry(s)\n",
		cfg.Node.ParsedMAC, ip, cfg.Link.Type,
		len(cfg.Filters.ParsedGroups), len(cfg.ARP.ParsedStatic))
}
