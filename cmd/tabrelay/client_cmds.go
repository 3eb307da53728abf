package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/tabrelay/agent/internal/panel"
	"github.com/tabrelay/agent/internal/tabs"
	"github.com/tabrelay/agent/internal/websocket"
)

const requestTimeout = 40 * time.Second

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show capture status and component health of the running agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		reply, err := client.Status(ctx)
		fmt.Println(panel.Render(panel.Initial().Loaded(reply, err)))
		if err != nil {
			return fmt.Errorf("agent not reachable: %w", err)
		}

		report, err := client.Health(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Health: %s\n", report.Status)
		for _, c := range report.Checks {
			line := fmt.Sprintf("  %-10s %s", c.Name, c.Status)
			if c.Message != "" {
				line += "  " + c.Message
			}
			fmt.Println(line)
		}
		return nil
	},
}

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Start or stop capturing the active tab",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		reply, err := client.Toggle(ctx)
		view := panel.Initial().Toggled(reply, err)
		fmt.Println(panel.Render(view))
		if err != nil {
			return err
		}
		if reply.Error != "" {
			return fmt.Errorf("%s", reply.Error)
		}
		return nil
	},
}

var panelCmd = &cobra.Command{
	Use:   "panel",
	Short: "Open the interactive capture panel",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		return panel.Run(cmd.Context(), client, os.Stdin, os.Stdout)
	},
}

var tabsCmd = &cobra.Command{
	Use:   "tabs",
	Short: "List or switch capture sources",
}

var tabsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured tabs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		list, err := client.Tabs(ctx)
		if err != nil {
			return err
		}
		printTabs(list)
		return nil
	},
}

var tabsUseCmd = &cobra.Command{
	Use:   "use <tab-id>",
	Short: "Make a tab the active capture source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := controlClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		list, err := client.SetActiveTab(ctx, args[0])
		if err != nil {
			return err
		}
		printTabs(list)
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print transcripts broadcast by the listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		initLogging(cfg)

		sock := websocket.New(websocket.Config{
			URL:            cfg.Socket.URL,
			ReconnectDelay: cfg.Socket.ReconnectDelay,
			MaxReconnects:  cfg.Socket.MaxReconnects,
		})
		sock.OnText(func(text string) { fmt.Println(text) })
		go sock.Start()
		defer sock.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

func init() {
	tabsCmd.AddCommand(tabsListCmd, tabsUseCmd)
	rootCmd.AddCommand(statusCmd, toggleCmd, panelCmd, tabsCmd, watchCmd)
}

func controlClient() (*panel.Client, error) {
	if controlAddr != "" {
		return panel.NewClient(controlAddr), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return panel.NewClient(cfg.Control.Addr), nil
}

func printTabs(list []tabs.Tab) {
	if len(list) == 0 {
		fmt.Println("No tabs configured.")
		return
	}
	for _, t := range list {
		marker := " "
		if t.Active {
			marker = "*"
		}
		fmt.Printf("%s %-12s %s\n", marker, t.ID, t.Title)
	}
}
