// Package cmd implements CLI commands.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/uoe/internal/regs"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("uoe %s (register contract %d.%d)\n",
			rootCmd.Version, regs.Version&0xFF, regs.Version>>8&0xFF)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
