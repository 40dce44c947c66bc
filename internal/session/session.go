// Package session implements one PTY-backed terminal session: its child
// process, its server-side emulator state, and the set of stream sockets
// currently attached to it (spec §3, §4.3).
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ianremillard/termhostd/internal/emulator"
	"github.com/ianremillard/termhostd/internal/proto"
)

// state is the session's position in the spawning → alive → terminating →
// dead lifecycle (spec §3).
type state int

const (
	stateSpawning state = iota
	stateAlive
	stateTerminating
	stateDead
)

// killGrace records the 5-second kill grace of spec §4.4. Nothing in this
// package reads it: Kill only sends SIGTERM, and the force-dispose timer is
// armed by the Host with its own configured timeout.
const killGrace = 5 * time.Second

// AttachedSocket is the narrow interface a session needs from whatever
// transport object the daemon's registry attaches to it: enough to
// address it by client and fan events out to it, without session needing
// to know about net.Conn or the wire codec directly.
type AttachedSocket interface {
	ClientID() string
	Send(evt proto.Event) error
}

// ExitInfo describes how a session's child process ended.
type ExitInfo struct {
	ExitCode int
	Signal   *int
}

// Session owns one PTY child process, its emulator, and its attached
// stream sockets (spec §3).
type Session struct {
	ID          string
	WorkspaceID string
	PaneID      string
	TabID       string
	Shell       string
	CreatedAt   time.Time

	// OnExit is invoked exactly once, from the PTY reader goroutine, when
	// the child process is observed to have exited. A session whose child
	// was never started has no PTY reader, so OnExit is never invoked for it.
	OnExit func(s *Session, info ExitInfo)

	mu             sync.Mutex
	state          state
	pid            int
	ptm            *os.File
	cmd            *exec.Cmd
	cols, rows     int
	emu            *emulator.Emulator
	attached       map[string]AttachedSocket // keyed by clientID (invariant I4)
	lastAttachedAt time.Time
	killRequested  bool

	ready  chan struct{}
	exited chan struct{}

	disposeOnce sync.Once
}

// New constructs a Session in the spawning state. Call Spawn to start its
// child process.
func New(id, workspaceID, paneID, tabID string) *Session {
	return &Session{
		ID:          id,
		WorkspaceID: workspaceID,
		PaneID:      paneID,
		TabID:       tabID,
		CreatedAt:   time.Now(),
		attached:    make(map[string]AttachedSocket),
		ready:       make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

// SpawnOptions configures a new PTY child process.
type SpawnOptions struct {
	Shell           string
	ShellArgs       []string
	Cwd             string
	Cols, Rows      int
	Env             map[string]string
	ScrollbackBytes int
}

// Spawn starts the PTY child process (spec §4.3 "spawn"). On success the
// session transitions spawning → alive; if the child exits before Spawn
// even returns (vanishingly rare but possible under pty.Start), it is
// caught by WaitForReady rather than here, since pty.Start's own error
// return only covers fork/exec failure.
func (s *Session) Spawn(opts SpawnOptions) error {
	cwd := opts.Cwd
	if cwd == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cwd = home
		}
	}
	shell := opts.Shell
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.Command(shell, opts.ShellArgs...)
	cmd.Dir = cwd
	cmd.Env = mergeEnv(opts.Env)

	ptm, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("pty.Start: %w", err)
	}
	if err := pty.Setsize(ptm, &pty.Winsize{Cols: uint16(opts.Cols), Rows: uint16(opts.Rows)}); err != nil {
		log.Printf("session %s: initial setsize: %v", s.ID, err)
	}

	s.mu.Lock()
	s.Shell = shell
	s.ptm = ptm
	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.cols, s.rows = opts.Cols, opts.Rows
	s.emu = emulator.New(opts.Cols, opts.Rows, opts.ScrollbackBytes)
	s.state = stateAlive
	s.mu.Unlock()

	close(s.ready)
	go s.ptyReader()

	return nil
}

// mergeEnv layers the requested env on top of the daemon's own environment
// plus TERM, the same default the teacher uses in startAgent (SPEC_FULL.md
// §C.4) so a GUI-launched shell still has a normal PATH etc.
func mergeEnv(extra map[string]string) []string {
	env := append([]string(nil), os.Environ()...)
	env = append(env, "TERM=xterm-256color")
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// WaitForReady blocks until the PTY is ready for writes, the child has
// already exited, or ctx is done (callers apply a 5s timeout per spec
// §4.4, §5).
func (s *Session) WaitForReady(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-s.exited:
		return errSpawnExitedImmediately
	case <-ctx.Done():
		return ctx.Err()
	}
	// Re-check: the child may have exited in the window between ready
	// closing and now (spec §5: "re-check isAlive after each await").
	if !s.IsAlive() {
		return errSpawnExitedImmediately
	}
	return nil
}

var errSpawnExitedImmediately = errors.New("session exited immediately")

// Ready returns the channel that closes once Spawn has started the child.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Exited returns the channel that closes once the child process has been
// observed to exit.
func (s *Session) Exited() <-chan struct{} { return s.exited }

// ptyReader drains the PTY master: every chunk is fed to the emulator
// before fan-out (spec §4.3 emulator invariant), and the loop exits only
// when the PTY read itself errors out (slave side closed). A panic in this
// goroutine (a corrupt grid in Feed, a nil emulator) must not take the
// daemon process down with it: it's recovered and the session is still
// finalized as dead, the same as any other exit, so it doesn't wedge as a
// permanently "alive" zombie that Dispose can never clean up.
func (s *Session) ptyReader() {
	finalized := false
	defer func() {
		if r := recover(); r != nil {
			log.Printf("termhostd: recovered panic in session %s pty reader: %v", s.ID, r)
			if !finalized {
				s.finalizeExit(ExitInfo{})
			}
		}
	}()

	buf := make([]byte, 4096)
	for {
		n, err := s.ptm.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.mu.Lock()
			s.emu.Feed(chunk)
			sockets := s.socketsLocked()
			s.mu.Unlock()
			s.fanOut(sockets, chunk)
		}
		if err != nil {
			break
		}
	}

	waitErr := s.cmd.Wait()

	info := ExitInfo{}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		info.ExitCode = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			signum := int(ws.Signal())
			info.Signal = &signum
		}
	}

	finalized = true
	s.finalizeExit(info)
}

// finalizeExit marks the session dead, closes the exited channel, and fires
// OnExit. It must run at most once per session (it closes exited): both the
// normal ptyReader exit path and its panic-recovery path call it, never
// both (the recover path calls it only when the normal call was not reached).
func (s *Session) finalizeExit(info ExitInfo) {
	s.mu.Lock()
	if s.ptm != nil {
		s.ptm.Close()
		s.ptm = nil
	}
	s.state = stateDead
	s.mu.Unlock()

	close(s.exited)

	if s.OnExit != nil {
		s.OnExit(s, info)
	}
}

// socketsLocked returns a snapshot of attached sockets. Caller must hold mu.
func (s *Session) socketsLocked() []AttachedSocket {
	out := make([]AttachedSocket, 0, len(s.attached))
	for _, sock := range s.attached {
		out = append(out, sock)
	}
	return out
}

// fanOut delivers a PTY output chunk to every attached socket. A write
// failure destroys that one socket without stalling the others or the
// read loop (spec §4.3 "Fan-out and backpressure").
func (s *Session) fanOut(sockets []AttachedSocket, chunk []byte) {
	evt := proto.NewEvent(s.ID, proto.EventData, proto.DataEventPayload{Data: string(chunk)})
	for _, sock := range sockets {
		if err := sock.Send(evt); err != nil {
			s.Detach(sock.ClientID())
		}
	}
}

// Attach registers sock as a subscriber of this session's output and
// returns a snapshot of the current emulator state (spec §4.3 "attach").
// Fan-out of subsequent output begins immediately after the snapshot is
// taken; bytes read between snapshot and registration are never lost
// because both happen while mu is held.
func (s *Session) Attach(sock AttachedSocket) (emulator.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.attached[sock.ClientID()] = sock
	s.lastAttachedAt = time.Now()
	if s.emu == nil {
		return emulator.Snapshot{}, errors.New("session has no emulator")
	}
	return s.emu.Snapshot(), nil
}

// Detach removes sock from the attached set; no error if absent (spec
// §4.3 "detach").
func (s *Session) Detach(clientID string) {
	s.mu.Lock()
	delete(s.attached, clientID)
	s.mu.Unlock()
}

// AttachedClients returns the number of currently attached stream sockets.
func (s *Session) AttachedClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attached)
}

// Write sends data to the PTY's input. Fails with WRITE_FAILED if the
// session is not attachable (spec §4.3 "write").
func (s *Session) Write(data []byte) error {
	s.mu.Lock()
	ptm := s.ptm
	attachable := s.isAttachableLocked()
	s.mu.Unlock()

	if !attachable || ptm == nil {
		return proto.NewError(proto.ErrWriteFailed, "session "+s.ID+" is not attachable")
	}
	if _, err := ptm.Write(data); err != nil {
		return proto.NewError(proto.ErrWriteFailed, err.Error())
	}
	return nil
}

// Resize updates the PTY window size and the emulator's dimensions. No-op
// if the session is not attachable (spec §4.3 "resize", I3).
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	ptm := s.ptm
	emu := s.emu
	attachable := s.isAttachableLocked()
	if attachable {
		s.cols, s.rows = cols, rows
	}
	s.mu.Unlock()

	if !attachable || ptm == nil {
		return nil
	}
	if err := pty.Setsize(ptm, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)}); err != nil {
		return err
	}
	emu.Resize(cols, rows)
	return nil
}

// signalNumbers maps the wire signal names a client may request onto their
// numeric value; only a conservative, commonly useful subset is accepted.
var signalNumbers = map[string]unix.Signal{
	"SIGINT":   unix.SIGINT,
	"SIGTERM":  unix.SIGTERM,
	"SIGKILL":  unix.SIGKILL,
	"SIGHUP":   unix.SIGHUP,
	"SIGQUIT":  unix.SIGQUIT,
	"SIGUSR1":  unix.SIGUSR1,
	"SIGUSR2":  unix.SIGUSR2,
	"SIGWINCH": unix.SIGWINCH,
}

// SendSignal forwards an OS signal to the child without marking the
// session as terminating (spec §4.3 "sendSignal").
func (s *Session) SendSignal(name string) error {
	sig, ok := signalNumbers[name]
	if !ok {
		return fmt.Errorf("unsupported signal %q", name)
	}
	s.mu.Lock()
	pid := s.pid
	attachable := s.isAttachableLocked()
	s.mu.Unlock()
	if !attachable || pid == 0 {
		return nil
	}
	return killProcessGroup(pid, sig)
}

// Kill marks the session terminating and sends SIGTERM to the child. The
// caller (Host) is responsible for arming the fail-safe force-dispose
// timer (spec §4.3 "kill", §4.4).
func (s *Session) Kill() error {
	s.mu.Lock()
	pid := s.pid
	alive := s.state == stateAlive || s.state == stateTerminating
	if alive {
		s.state = stateTerminating
	}
	s.killRequested = true
	s.mu.Unlock()

	if !alive || pid == 0 {
		return nil
	}
	return killProcessGroup(pid, unix.SIGTERM)
}

// killProcessGroup signals the process group led by pid, falling back to
// signaling just the process if the group lookup fails (mirrors the
// teacher's destroy(), translated to golang.org/x/sys/unix per
// SPEC_FULL.md §B).
func killProcessGroup(pid int, sig unix.Signal) error {
	pgid, err := unix.Getpgid(pid)
	if err == nil && pgid > 0 {
		if err := unix.Kill(-pgid, sig); err != nil {
			return unix.Kill(pid, sig)
		}
		return nil
	}
	return unix.Kill(pid, sig)
}

// ClearScrollback resets the emulator's scrollback without touching the
// PTY (spec §4.3 "clearScrollback").
func (s *Session) ClearScrollback() {
	s.mu.Lock()
	emu := s.emu
	s.mu.Unlock()
	if emu != nil {
		emu.ClearScrollback()
	}
}

// Dispose idempotently releases the PTY and clears the attached set (spec
// §4.3 "dispose"). Safe to call from both the exit path and the
// force-dispose path.
func (s *Session) Dispose() {
	s.disposeOnce.Do(func() {
		s.mu.Lock()
		ptm := s.ptm
		pid := s.pid
		alive := s.state != stateDead
		s.ptm = nil
		s.state = stateDead
		s.attached = make(map[string]AttachedSocket)
		s.mu.Unlock()

		if alive && pid != 0 {
			_ = killProcessGroup(pid, unix.SIGKILL)
		}
		if ptm != nil {
			ptm.Close()
		}
	})
}

func (s *Session) isAttachableLocked() bool {
	return s.state == stateAlive
}

// IsAlive reports whether the child process has not exited.
func (s *Session) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateAlive || s.state == stateTerminating
}

// IsTerminating reports whether Kill has been requested but exit has not
// yet been observed.
func (s *Session) IsTerminating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateTerminating
}

// IsAttachable reports isAlive ∧ ¬isTerminating (spec §3 I2).
func (s *Session) IsAttachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAttachableLocked()
}

// Descriptor fields for listSessions (spec §4.4). isAlive is deliberately
// IsAttachable, not "child hasn't exited" — see spec §9.
func (s *Session) Descriptor() proto.SessionDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastAttached int64
	if !s.lastAttachedAt.IsZero() {
		lastAttached = s.lastAttachedAt.Unix()
	}
	return proto.SessionDescriptor{
		SessionID:       s.ID,
		WorkspaceID:     s.WorkspaceID,
		PaneID:          s.PaneID,
		IsAlive:         s.isAttachableLocked(),
		AttachedClients: len(s.attached),
		PID:             s.pid,
		CreatedAt:       s.CreatedAt.Unix(),
		LastAttachedAt:  lastAttached,
		Shell:           s.Shell,
	}
}

// PID returns the PTY child's OS process id.
func (s *Session) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pid
}

// Snapshot returns a fresh emulator snapshot without attaching a socket.
func (s *Session) Snapshot() emulator.Snapshot {
	s.mu.Lock()
	emu := s.emu
	s.mu.Unlock()
	if emu == nil {
		return emulator.Snapshot{}
	}
	return emu.Snapshot()
}

// WriteInitialCommands writes commands joined by " && " and terminated by
// "\n" into the PTY (spec §4.4 createOrAttach step 4). Failures are
// logged non-fatal by the caller.
func (s *Session) WriteInitialCommands(commands []string) error {
	if len(commands) == 0 {
		return nil
	}
	line := joinAnd(commands) + "\n"
	return s.Write([]byte(line))
}

func joinAnd(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " && "
		}
		out += p
	}
	return out
}
