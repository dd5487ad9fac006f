package cmd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/clawd-io/clawd/internal/config"
	"github.com/clawd-io/clawd/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check system environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawd doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Data directory:")
	checkDir("Data dir", cfg.Gateway.DataDir)
	checkFileMode("Auth token", filepath.Join(cfg.Gateway.DataDir, "auth_token"), 0o600)
	checkFile("Database", cfg.Database.Path)
	checkDir("Worktrees root", cfg.Worktrees.Root)

	fmt.Println()
	fmt.Println("  Provider CLIs:")
	checkBinary(cfg.Providers.ClaudeBin)
	checkBinary(cfg.Providers.CodexBin)
	checkBinary(cfg.Providers.CursorBin)

	fmt.Println()
	fmt.Println("  External tools:")
	checkBinary("git")

	fmt.Println()
	fmt.Printf("  Gateway:  %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("  Accounts configured: %d\n", len(cfg.Accounts))

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDir(label, path string) {
	if path == "" {
		fmt.Printf("    %-16s (not configured)\n", label+":")
		return
	}
	info, err := os.Stat(path)
	switch {
	case err != nil:
		fmt.Printf("    %-16s %s (NOT FOUND)\n", label+":", path)
	case !info.IsDir():
		fmt.Printf("    %-16s %s (NOT A DIRECTORY)\n", label+":", path)
	default:
		fmt.Printf("    %-16s %s (OK)\n", label+":", path)
	}
}

func checkFile(label, path string) {
	if path == "" {
		fmt.Printf("    %-16s (not configured)\n", label+":")
		return
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Printf("    %-16s %s (not yet created)\n", label+":", path)
		return
	}
	fmt.Printf("    %-16s %s (OK)\n", label+":", path)
}

func checkFileMode(label, path string, want os.FileMode) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("    %-16s %s (not yet created)\n", label+":", path)
		return
	}
	if info.Mode().Perm() != want {
		fmt.Printf("    %-16s %s (mode %04o, expected %04o)\n", label+":", path, info.Mode().Perm(), want)
		return
	}
	fmt.Printf("    %-16s %s (OK, mode %04o)\n", label+":", path, want)
}

func checkBinary(name string) {
	if name == "" {
		return
	}
	path, err := exec.LookPath(name)
	if err != nil {
		fmt.Printf("    %-16s NOT FOUND\n", name+":")
	} else {
		fmt.Printf("    %-16s %s\n", name+":", path)
	}
}
