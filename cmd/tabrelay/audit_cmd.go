package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tabrelay/agent/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the capture session journal",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Check the journal's hash chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path = cfg.AuditLog
		}
		if path == "" {
			return fmt.Errorf("audit journal disabled (audit_log is empty)")
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		n, err := audit.Verify(f)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Printf("%s: %d entries, chain intact\n", path, n)
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}
