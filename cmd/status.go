package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/quantumclaw/quantumclaw/internal/config"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running and what it reports",
		Run: func(cmd *cobra.Command, args []string) {
			runStatus()
		},
	}
}

func runStatus() {
	dir := config.Dir()

	pid := readPID(config.PIDPath(dir))
	if pid == 0 {
		fmt.Println("qclaw: not running")
		return
	}
	fmt.Printf("qclaw: running (pid %d)\n", pid)

	c, err := dialDaemon()
	if err != nil {
		fmt.Printf("  dashboard: %s\n", err)
		return
	}

	var st map[string]interface{}
	if err := c.do("GET", "/api/status", nil, &st); err != nil {
		fmt.Printf("  dashboard: unreachable (%s)\n", err)
		return
	}
	fmt.Printf("  version:   %v\n", st["version"])
	fmt.Printf("  uptime:    %v\n", st["uptime"])
	fmt.Printf("  dashboard: %s\n", c.baseURL)
	if v, ok := st["tunnelUrl"]; ok {
		fmt.Printf("  tunnel:    %v\n", v)
	}
	if v, ok := st["agents"]; ok {
		fmt.Printf("  agents:    %v\n", v)
	}
	if v, ok := st["pendingApprovals"]; ok {
		fmt.Printf("  approvals: %v pending\n", v)
	}
	if v, ok := st["pendingPairings"]; ok {
		fmt.Printf("  pairings:  %v pending\n", v)
	}
}

func readPID(path string) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0
	}
	// Stale pid files are common after a crash; probe the process.
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0
	}
	return pid
}
