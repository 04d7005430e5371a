package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/armctl/internal/config"
	"github.com/fentz26/armctl/internal/controlplane"
	"github.com/fentz26/armctl/internal/tui"
)

var monitorCmd = &cobra.Command{
	Use:     "monitor",
	Aliases: []string{"tui"},
	Short:   "Launch the interactive robot monitor",
	RunE:    runMonitor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of armctl",
	Run:   runVersion,
}

var noAutostart bool

func init() {
	monitorCmd.Flags().BoolVar(&noAutostart, "no-autostart", false, "Do not start a daemon when none is running")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	// 1. Check if Daemon is running
	if !isDaemonRunning() {
		if noAutostart {
			return fmt.Errorf("daemon not reachable at %s", apiAddr)
		}
		fmt.Println("⚡ armctl daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	// 2. Launch TUI
	app := tui.New(apiAddr)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning() bool {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	health, err := CheckHealth(client)
	return err == nil && health.OK
}

func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	// Start "armctl daemon" in background
	cmd := exec.Command(exe, "daemon")
	// Detach process so it survives monitor exit
	configureDaemonProc(cmd)

	// Logs go to a file so they do not draw over the monitor.
	logPath := filepath.Join(config.Dir(), "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		return err
	}

	// Wait for it to become ready
	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ { // Wait up to 5 seconds
		if isDaemonRunning() {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s (see %s)", apiAddr, logPath)
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("armctl version %s\n", controlplane.Version)
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go version: %s\n", runtime.Version())
	if health, err := CheckHealth(apiClient); err == nil {
		fmt.Printf("  Daemon: %s (%d robots)\n", health.Version, health.Robots)
	}
}
