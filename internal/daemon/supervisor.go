// Package daemon implements the Connection & Auth Registry (C2), the
// Request Dispatcher (C5), and the Daemon Supervisor (C6): everything
// scoped to one daemon run rather than to a single PTY session.
package daemon

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/ianremillard/termhostd/internal/config"
	"github.com/ianremillard/termhostd/internal/host"
	"github.com/ianremillard/termhostd/internal/proto"
	"github.com/ianremillard/termhostd/internal/session"
)

// Supervisor is the Daemon Supervisor (C6): it owns the home directory,
// socket, token and PID files, and the signal-driven shutdown sequence.
type Supervisor struct {
	homeDir    string
	socketPath string
	tokenPath  string
	pidPath    string

	cfg config.Config

	listener   net.Listener
	fileLock   *flock.Flock
	host       *host.Host
	registry   *Registry
	dispatcher *Dispatcher

	shutdownOnce sync.Once
	done         chan struct{}
}

// New prepares a Supervisor rooted at homeDir (mode 0700). It does not yet
// bind the socket; call Run for that.
func New(homeDir string, cfg config.Config) *Supervisor {
	return &Supervisor{
		homeDir:    homeDir,
		socketPath: filepath.Join(homeDir, "terminal-host.sock"),
		tokenPath:  filepath.Join(homeDir, "terminal-host.token"),
		pidPath:    filepath.Join(homeDir, "terminal-host.pid"),
		cfg:        cfg,
		done:       make(chan struct{}),
	}
}

// Run executes the full C6 startup sequence, then blocks serving
// connections until a shutdown is triggered (signal or "shutdown"
// request). It returns the process exit code (spec §6 "Process exit codes").
func (s *Supervisor) Run() int {
	if err := s.startup(); err != nil {
		log.Printf("fatal: %v", err)
		return 1
	}
	defer s.cleanupFiles()

	s.installSignalHandlers()

	log.Printf("termhostd listening on %s (pid %d)", s.socketPath, os.Getpid())
	go s.acceptLoop()

	<-s.done
	return 0
}

// startup implements spec §4.6 "On startup".
func (s *Supervisor) startup() error {
	if err := os.MkdirAll(s.homeDir, 0o700); err != nil {
		return fmt.Errorf("create home dir %s: %w", s.homeDir, err)
	}

	// Advisory lock on the PID file itself closes the TOCTOU race window
	// between "stale socket probe fails" and "bind succeeds" that a bare
	// probe-and-unlink leaves open.
	s.fileLock = flock.New(s.pidPath)
	locked, err := s.fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire pid file lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon is already running (pid file locked)")
	}

	if err := s.reclaimStaleSocket(); err != nil {
		return err
	}

	token, err := s.loadOrCreateToken()
	if err != nil {
		return fmt.Errorf("token file: %w", err)
	}

	h := host.NewWithOptions(host.Options{
		SpawnLimit:        s.cfg.SpawnLimit,
		SpawnReadyTimeout: s.cfg.SpawnReadyTimeout,
		KillGraceTimeout:  s.cfg.KillGraceTimeout,
	})
	s.host = h

	reg := NewRegistry(token, os.Getpid(), h)
	s.registry = reg

	h.OnUnattachedExit = func(sess *session.Session, info session.ExitInfo) {
		signum := 0
		var signalPtr *int
		if info.Signal != nil {
			signum = *info.Signal
			signalPtr = &signum
		}
		reg.BroadcastStream(proto.NewEvent(sess.ID, proto.EventExit, proto.ExitEventPayload{
			Type:     "exit",
			ExitCode: info.ExitCode,
			Signal:   signalPtr,
		}))
	}

	s.dispatcher = NewDispatcher(reg, h, s.cfg, os.Getpid(), s.requestShutdown)

	l, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		l.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = l

	if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		l.Close()
		return fmt.Errorf("write pid file: %w", err)
	}

	return nil
}

// reclaimStaleSocket probes an existing socket file with a 1-second connect
// timeout; a live daemon fails startup, otherwise the stale socket and PID
// file are unlinked (spec §4.6, §8 E6).
func (s *Supervisor) reclaimStaleSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", s.socketPath, s.cfg.StaleProbeTimeout)
	if err == nil {
		conn.Close()
		return fmt.Errorf("another daemon is already running on %s", s.socketPath)
	}
	os.Remove(s.socketPath)
	os.Remove(s.pidPath)
	return nil
}

// loadOrCreateToken reads terminal-host.token, generating 32 random bytes
// hex-encoded (mode 0600) if absent (spec §4.6).
func (s *Supervisor) loadOrCreateToken() (string, error) {
	data, err := os.ReadFile(s.tokenPath)
	if err == nil {
		return string(data), nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	token := hex.EncodeToString(raw)
	if err := os.WriteFile(s.tokenPath, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	return token, nil
}

// installSignalHandlers wires SIGINT/SIGTERM/SIGHUP to graceful shutdown
// (spec §4.6).
func (s *Supervisor) installSignalHandlers() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		log.Printf("termhostd: received %s, shutting down", sig)
		s.requestShutdown(false)
	}()
}

// acceptLoop accepts connections until the listener is closed.
func (s *Supervisor) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handleConn(conn)
	}
}

// handleConn decodes NDJSON requests off conn and dispatches each one,
// evicting the peer from the registry on disconnect (spec §4.1, §4.2). A
// panic while dispatching a single request only tears down this connection:
// it must never take the rest of the daemon's sessions and clients with it
// (spec §4.6).
func (s *Supervisor) handleConn(conn net.Conn) {
	peer := NewPeer(conn)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("termhostd: recovered panic in connection handler: %v", r)
		}
		s.registry.Disconnect(peer)
		conn.Close()
	}()

	dec := proto.NewDecoder(conn, func(rawLine string, err error) {
		log.Printf("termhostd: decode error: %s", proto.RedactLine(rawLine))
	})
	for {
		req, err := dec.Next()
		if err != nil {
			return
		}
		s.dispatcher.Dispatch(peer, req)
	}
}

// requestShutdown implements spec §4.5/§4.6 shutdown: optionally kill every
// session, wait the configured grace period, dispose the host, and close
// the listener.
func (s *Supervisor) requestShutdown(killAll bool) {
	s.shutdownOnce.Do(func() {
		if killAll {
			s.host.KillAll(false)
		}
		time.Sleep(s.cfg.ShutdownGrace)

		s.host.Dispose()
		if s.listener != nil {
			s.listener.Close()
		}
		close(s.done)
	})
}

// cleanupFiles unlinks the socket and PID files (best effort) and releases
// the PID file lock (spec §4.6 "On shutdown").
func (s *Supervisor) cleanupFiles() {
	if s.fileLock != nil {
		s.fileLock.Unlock()
	}
	os.Remove(s.socketPath)
	os.Remove(s.pidPath)
}
