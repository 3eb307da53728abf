//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// Units run per user: capture needs the user's audio session.
const (
	agentUnitName    = "tabrelay.service"
	listenerUnitName = "tabrelay-listener.service"
)

const unitTemplate = `[Unit]
Description=%s
After=graphical-session.target pipewire-pulse.service

[Service]
Type=simple
ExecStart=%s %s
Restart=on-failure
RestartSec=2
StartLimitIntervalSec=60
StartLimitBurst=5

[Install]
WantedBy=default.target
`

var withListener bool

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage tabrelay as a systemd user service",
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and enable the systemd user unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		exePath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to determine executable path: %w", err)
		}
		exePath, err = filepath.EvalSymlinks(exePath)
		if err != nil {
			return fmt.Errorf("failed to resolve executable path: %w", err)
		}

		dir, err := userUnitDir()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}

		units := map[string]string{
			agentUnitName: renderUnit("tabrelay capture agent", exePath, "run --no-prompt"),
		}
		if withListener {
			units[listenerUnitName] = renderUnit("tabrelay chunk listener", exePath, "listen")
		}
		for name, body := range units {
			dst := filepath.Join(dir, name)
			if err := os.WriteFile(dst, []byte(body), 0o644); err != nil {
				return fmt.Errorf("failed to write unit file: %w", err)
			}
			fmt.Printf("Systemd unit installed to %s\n", dst)
		}

		if out, err := systemctl("daemon-reload"); err != nil {
			return fmt.Errorf("failed to reload systemd: %s", out)
		}
		for name := range units {
			if out, err := systemctl("enable", name); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to enable %s: %s\n", name, out)
			}
		}

		fmt.Println()
		fmt.Println("tabrelay service installed and enabled.")
		fmt.Println("  Start:  tabrelay service start")
		fmt.Println("  Logs:   journalctl --user -u tabrelay -f")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop, disable and remove the systemd user units",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := userUnitDir()
		if err != nil {
			return err
		}
		for _, name := range []string{agentUnitName, listenerUnitName} {
			systemctl("stop", name)
			systemctl("disable", name)
			os.Remove(filepath.Join(dir, name))
		}
		systemctl("daemon-reload")
		fmt.Println("tabrelay service uninstalled.")
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serviceAction("start", "started")
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serviceAction("stop", "stopped")
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := userUnitDir()
		if err != nil {
			return err
		}
		if _, err := os.Stat(filepath.Join(dir, agentUnitName)); os.IsNotExist(err) {
			fmt.Println("Service: not installed")
			return nil
		}
		// non-zero exit just means the unit is not running
		out, _ := systemctl("status", agentUnitName, "--no-pager")
		fmt.Println(out)
		return nil
	},
}

func init() {
	serviceInstallCmd.Flags().BoolVar(&withListener, "with-listener", false, "also install a unit for tabrelay listen")
	serviceCmd.AddCommand(serviceInstallCmd, serviceUninstallCmd, serviceStartCmd, serviceStopCmd, serviceStatusCmd)
	rootCmd.AddCommand(serviceCmd)
}

func renderUnit(description, exePath, subcommand string) string {
	return fmt.Sprintf(unitTemplate, description, exePath, subcommand)
}

func userUnitDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "systemd", "user"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}

func serviceAction(action, done string) error {
	dir, err := userUnitDir()
	if err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, agentUnitName)); os.IsNotExist(err) {
		return fmt.Errorf("service not installed, run 'tabrelay service install' first")
	}
	names := []string{agentUnitName}
	if _, err := os.Stat(filepath.Join(dir, listenerUnitName)); err == nil {
		names = append(names, listenerUnitName)
	}
	for _, name := range names {
		if out, err := systemctl(action, name); err != nil {
			return fmt.Errorf("failed to %s %s: %s", action, name, out)
		}
	}
	fmt.Printf("tabrelay service %s.\n", done)
	return nil
}

func systemctl(args ...string) (string, error) {
	out, err := exec.Command("systemctl", append([]string{"--user"}, args...)...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
