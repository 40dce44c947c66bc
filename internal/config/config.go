// Package config loads daemon-wide tunables that spec.md leaves as
// parameters rather than constants (scrollback cap, spawn concurrency,
// timeouts, default shell/env). Absence of the file is not an error;
// defaults apply, the same "missing file is fine" shape the teacher uses
// for its own project YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ianremillard/termhostd/internal/emulator"
	"github.com/ianremillard/termhostd/internal/host"
)

// Config is the daemon-wide configuration overlay.
type Config struct {
	// DefaultShell is the shell every new session runs; createOrAttach
	// requests carry no shell of their own. Empty means "sh".
	DefaultShell string `yaml:"defaultShell"`

	// DefaultEnv is merged under any per-request env; the result is layered
	// over the daemon's own environment and TERM=xterm-256color, so either
	// may override TERM (see session.mergeEnv).
	DefaultEnv map[string]string `yaml:"defaultEnv"`

	// ScrollbackBytes caps each session's emulator scrollback buffer.
	ScrollbackBytes int `yaml:"scrollbackBytes"`

	// SpawnLimit caps in-flight PTY spawns (spec §4.4, §8).
	SpawnLimit int64 `yaml:"spawnLimit"`

	// SpawnReadyTimeout bounds how long createOrAttach waits for a freshly
	// spawned session to become ready (spec §4.4 step 4, §5).
	SpawnReadyTimeout time.Duration `yaml:"spawnReadyTimeout"`

	// KillGraceTimeout bounds how long a terminating session is given
	// before force-dispose (spec §4.4 "kill").
	KillGraceTimeout time.Duration `yaml:"killGraceTimeout"`

	// ShutdownGrace is the best-effort delay between replying to a
	// shutdown request and actually exiting (spec §4.5, §5, §9).
	ShutdownGrace time.Duration `yaml:"shutdownGrace"`

	// StaleProbeTimeout bounds the connect probe used to decide whether an
	// existing socket file belongs to a live daemon (spec §4.6, §5).
	StaleProbeTimeout time.Duration `yaml:"staleProbeTimeout"`
}

// Default returns the configuration used when no file is present or a
// field is left unset.
func Default() Config {
	return Config{
		DefaultShell:      "",
		DefaultEnv:        nil,
		ScrollbackBytes:   emulator.DefaultScrollbackBytes,
		SpawnLimit:        host.SpawnLimit,
		SpawnReadyTimeout: 5 * time.Second,
		KillGraceTimeout:  5 * time.Second,
		ShutdownGrace:     100 * time.Millisecond,
		StaleProbeTimeout: 1 * time.Second,
	}
}

// Load reads path and overlays it onto Default(). A missing file is not an
// error: it returns the defaults unchanged, mirroring the teacher's
// loadInRepoConfig behavior for an absent project.yaml.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.ScrollbackBytes <= 0 {
		cfg.ScrollbackBytes = emulator.DefaultScrollbackBytes
	}
	if cfg.SpawnLimit <= 0 {
		cfg.SpawnLimit = host.SpawnLimit
	}
	if cfg.SpawnReadyTimeout <= 0 {
		cfg.SpawnReadyTimeout = 5 * time.Second
	}
	if cfg.KillGraceTimeout <= 0 {
		cfg.KillGraceTimeout = 5 * time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 100 * time.Millisecond
	}
	if cfg.StaleProbeTimeout <= 0 {
		cfg.StaleProbeTimeout = 1 * time.Second
	}
	return cfg, nil
}
