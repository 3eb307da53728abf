package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabrelay/agent/internal/archive"
)

const archiveTimeout = 2 * time.Minute

var recordingsCmd = &cobra.Command{
	Use:   "recordings",
	Short: "Manage recordings in the configured archive",
}

var recordingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), archiveTimeout)
		defer cancel()
		p, prefix, err := archiveProvider(ctx)
		if err != nil {
			return err
		}
		names, err := p.List(ctx, prefix)
		if err != nil {
			return fmt.Errorf("list %s: %w", p.Name(), err)
		}
		if len(names) == 0 {
			fmt.Println("No archived recordings.")
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var recordingsDeleteCmd = &cobra.Command{
	Use:   "delete <name>...",
	Short: "Delete archived recordings",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), archiveTimeout)
		defer cancel()
		p, _, err := archiveProvider(ctx)
		if err != nil {
			return err
		}
		for _, name := range args {
			if err := p.Delete(ctx, name); err != nil {
				return fmt.Errorf("delete %s: %w", name, err)
			}
			fmt.Printf("Deleted %s\n", name)
		}
		return nil
	},
}

func init() {
	recordingsCmd.AddCommand(recordingsListCmd, recordingsDeleteCmd)
	rootCmd.AddCommand(recordingsCmd)
}

func archiveProvider(ctx context.Context) (archive.Provider, string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, "", err
	}
	p, err := archive.New(ctx, cfg.Archive)
	if err != nil {
		return nil, "", err
	}
	if p == nil {
		return nil, "", fmt.Errorf("no archive provider configured (set archive.provider)")
	}
	return p, cfg.Archive.Prefix, nil
}
