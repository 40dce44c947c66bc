// termhostd – the background daemon that owns PTY-backed terminal sessions
// for GUI clients.
//
// Usage:
//
//	termhostd [--home <dir>] [--config <file>]
//
// The daemon listens on a Unix domain socket at <home>/terminal-host.sock
// and serves the control/stream protocol described in internal/proto. It is
// normally started automatically by a client; you do not need to run it by
// hand.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/ianremillard/termhostd/internal/config"
	"github.com/ianremillard/termhostd/internal/daemon"
)

func main() {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("cannot determine home directory: %v", err)
	}
	defaultHome := filepath.Join(homeDir, ".termhost")
	if env := os.Getenv("TERMHOSTD_HOME"); env != "" {
		defaultHome = env
	}

	home := flag.String("home", defaultHome, "daemon data directory (env: TERMHOSTD_HOME)")
	configPath := flag.String("config", "", "YAML config file (default: <home>/config.yaml)")
	flag.Parse()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(*home, "config.yaml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config %s: %v", cfgPath, err)
	}

	os.Exit(run(*home, cfg))
}

// run wraps Supervisor.Run in a recover so a panic on the main goroutine
// (startup, or the wait for shutdown) is logged and turned into a normal
// non-zero exit instead of a crash dump (spec §4.6 "Uncaught exceptions").
// Connection handlers, PTY readers and host timers run on other goroutines
// and recover their own panics.
func run(home string, cfg config.Config) (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "termhostd: fatal: %v\n", r)
			code = 1
		}
	}()
	return daemon.New(home, cfg).Run()
}
