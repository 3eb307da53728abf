//go:build !linux

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage tabrelay as a background service",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("Service management is only available on Linux (systemd user units).")
	},
}

func init() {
	rootCmd.AddCommand(serviceCmd)
}
