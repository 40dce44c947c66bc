// Package host implements the Terminal Host (spec §4.4): it owns the
// session table, bounds spawn concurrency, and coordinates create-or-attach,
// kill, resize, and broadcast-on-unattached-exit across every session.
package host

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ianremillard/termhostd/internal/emulator"
	"github.com/ianremillard/termhostd/internal/proto"
	"github.com/ianremillard/termhostd/internal/session"
)

// SpawnLimit bounds in-flight spawns to avoid a fork/exec storm on burst
// attach (spec §4.4, §5; value is policy, not contract).
const SpawnLimit = 3

const (
	defaultSpawnReadyTimeout = 5 * time.Second
	defaultKillGraceTimeout  = 5 * time.Second
	cleanupDelay             = 5 * time.Second
	disposeAllTimeout        = 5 * time.Second
)

// CreateOrAttachRequest is the parsed form of a createOrAttach payload.
type CreateOrAttachRequest struct {
	SessionID       string
	WorkspaceID     string
	PaneID          string
	TabID           string
	Cols, Rows      int
	Cwd             string
	Env             map[string]string
	InitialCommands []string
	ScrollbackBytes int
	Shell           string
}

// CreateOrAttachResult is everything the dispatcher needs to build a
// createOrAttach response.
type CreateOrAttachResult struct {
	IsNew        bool
	WasRecovered bool
	PID          int
	Snapshot     emulator.Snapshot
}

// Host owns every Session for one daemon run (spec §4.4).
type Host struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	timers   map[string]*time.Timer

	spawnSem *semaphore.Weighted

	spawnReadyTimeout time.Duration
	killGraceTimeout  time.Duration

	// OnUnattachedExit is invoked when a session's child exits while it has
	// zero attached clients, so the dispatcher can broadcast an exit event
	// to every stream socket (spec §4.4 "Exit handling").
	OnUnattachedExit func(s *session.Session, info session.ExitInfo)
}

// Options configures a Host, letting daemon-wide config override the
// spec's default timeouts (spec §9 Open Questions: "parameterize rather
// than guess").
type Options struct {
	SpawnLimit        int64
	SpawnReadyTimeout time.Duration
	KillGraceTimeout  time.Duration
}

// New constructs a Host with the given spawn concurrency cap and the
// spec's default timeouts.
func New(spawnLimit int64) *Host {
	return NewWithOptions(Options{SpawnLimit: spawnLimit})
}

// NewWithOptions constructs a Host from a fully-specified Options, falling
// back to spec defaults for any zero field.
func NewWithOptions(opts Options) *Host {
	if opts.SpawnLimit <= 0 {
		opts.SpawnLimit = SpawnLimit
	}
	if opts.SpawnReadyTimeout <= 0 {
		opts.SpawnReadyTimeout = defaultSpawnReadyTimeout
	}
	if opts.KillGraceTimeout <= 0 {
		opts.KillGraceTimeout = defaultKillGraceTimeout
	}
	return &Host{
		sessions:          make(map[string]*session.Session),
		timers:            make(map[string]*time.Timer),
		spawnSem:          semaphore.NewWeighted(opts.SpawnLimit),
		spawnReadyTimeout: opts.SpawnReadyTimeout,
		killGraceTimeout:  opts.KillGraceTimeout,
	}
}

// CreateOrAttach implements spec §4.4 steps 1-6.
func (h *Host) CreateOrAttach(ctx context.Context, sock session.AttachedSocket, req CreateOrAttachRequest) (CreateOrAttachResult, error) {
	h.mu.Lock()
	existing := h.sessions[req.SessionID]
	h.mu.Unlock()

	if existing != nil {
		if existing.IsTerminating() || !existing.IsAlive() {
			h.remove(req.SessionID)
			existing = nil
		}
	}

	isNew := existing == nil
	var sess *session.Session

	if isNew {
		var err error
		sess, err = h.spawnSession(ctx, req)
		if err != nil {
			return CreateOrAttachResult{}, err
		}
		h.mu.Lock()
		h.sessions[req.SessionID] = sess
		h.mu.Unlock()

		if len(req.InitialCommands) > 0 {
			if err := sess.WriteInitialCommands(req.InitialCommands); err != nil {
				log.Printf("host: session %s initial commands: %v", req.SessionID, err)
			}
		}
	} else {
		sess = existing
		if err := sess.Resize(req.Cols, req.Rows); err != nil {
			log.Printf("host: session %s resize on attach: %v", req.SessionID, err)
		}
	}

	snap, err := sess.Attach(sock)
	if err != nil {
		return CreateOrAttachResult{}, proto.NewError(proto.ErrCreateAttachFailed, err.Error())
	}

	return CreateOrAttachResult{
		IsNew:        isNew,
		WasRecovered: !isNew && sess.IsAlive(),
		PID:          sess.PID(),
		Snapshot:     snap,
	}, nil
}

// spawnSession acquires a spawn permit, constructs and starts a new Session,
// and waits for it to become ready (spec §4.4 step 4).
func (h *Host) spawnSession(ctx context.Context, req CreateOrAttachRequest) (*session.Session, error) {
	if err := h.spawnSem.Acquire(ctx, 1); err != nil {
		return nil, proto.NewError(proto.ErrCreateAttachFailed, "spawn limiter: "+err.Error())
	}
	defer h.spawnSem.Release(1)

	sess := session.New(req.SessionID, req.WorkspaceID, req.PaneID, req.TabID)
	sess.OnExit = h.onSessionExit

	if err := sess.Spawn(session.SpawnOptions{
		Shell:           req.Shell,
		ShellArgs:       nil,
		Cwd:             req.Cwd,
		Cols:            req.Cols,
		Rows:            req.Rows,
		Env:             req.Env,
		ScrollbackBytes: req.ScrollbackBytes,
	}); err != nil {
		return nil, proto.NewError(proto.ErrCreateAttachFailed, err.Error())
	}

	readyCtx, cancel := context.WithTimeout(ctx, h.spawnReadyTimeout)
	defer cancel()
	if err := sess.WaitForReady(readyCtx); err != nil {
		log.Printf("host: session %s waitForReady: %v", req.SessionID, err)
	}

	if !sess.IsAlive() {
		sess.Dispose()
		return nil, proto.NewError(proto.ErrCreateAttachFailed, "session exited before becoming ready")
	}
	return sess, nil
}

// Write routes to the session's Write, translating a missing session into
// SESSION_NOT_FOUND (spec §4.4 "write").
func (h *Host) Write(sessionID string, data []byte) error {
	sess := h.get(sessionID)
	if sess == nil {
		return proto.NewError(proto.ErrSessionNotFound, "session "+sessionID+" not found")
	}
	if !sess.IsAttachable() {
		return proto.NewError(proto.ErrSessionNotAttachable, "session "+sessionID+" is not attachable")
	}
	return sess.Write(data)
}

// Resize silently no-ops on a missing or non-attachable session (spec §4.4
// "resize": avoids races with concurrent kills).
func (h *Host) Resize(sessionID string, cols, rows int) {
	sess := h.get(sessionID)
	if sess == nil || !sess.IsAttachable() {
		return
	}
	if err := sess.Resize(cols, rows); err != nil {
		log.Printf("host: session %s resize: %v", sessionID, err)
	}
}

// Signal silently no-ops on a missing or non-attachable session (spec §4.4
// "signal").
func (h *Host) Signal(sessionID, name string) {
	sess := h.get(sessionID)
	if sess == nil || !sess.IsAttachable() {
		return
	}
	if err := sess.SendSignal(name); err != nil {
		log.Printf("host: session %s signal %s: %v", sessionID, name, err)
	}
}

// Kill marks the session terminating and idempotently arms its fail-safe
// disposal timer (spec §4.4 "kill").
func (h *Host) Kill(sessionID string) error {
	sess := h.get(sessionID)
	if sess == nil {
		return proto.NewError(proto.ErrSessionNotFound, "session "+sessionID+" not found")
	}
	if err := sess.Kill(); err != nil {
		return fmt.Errorf("kill session %s: %w", sessionID, err)
	}
	h.armKillTimer(sessionID)
	return nil
}

// KillAll kills every known session. deleteHistory is accepted and ignored
// per spec §4.4 ("propagated but does not alter behavior").
func (h *Host) KillAll(deleteHistory bool) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.Kill(id); err != nil {
			log.Printf("host: killAll session %s: %v", id, err)
		}
	}
}

// ClearScrollback routes to the session if present; absent sessions are a
// no-op (mirrors resize/signal semantics).
func (h *Host) ClearScrollback(sessionID string) {
	if sess := h.get(sessionID); sess != nil {
		sess.ClearScrollback()
	}
}

// Detach removes sock from the named session, if present.
func (h *Host) Detach(sessionID, clientID string) {
	if sess := h.get(sessionID); sess != nil {
		sess.Detach(clientID)
	}
}

// DetachFromAllSessions is called by the connection registry on disconnect
// (spec §4.4 "detachFromAllSessions"): detach everywhere, and dispose any
// session that is now dead with zero clients.
func (h *Host) DetachFromAllSessions(clientID string) {
	h.mu.Lock()
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.mu.Unlock()

	for _, sess := range sessions {
		sess.Detach(clientID)
		if !sess.IsAlive() && sess.AttachedClients() == 0 {
			h.remove(sess.ID)
		}
	}
}

// ListSessions returns one descriptor per known session (spec §4.4
// "listSessions").
func (h *Host) ListSessions() []proto.SessionDescriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]proto.SessionDescriptor, 0, len(h.sessions))
	for _, sess := range h.sessions {
		out = append(out, sess.Descriptor())
	}
	return out
}

// Dispose clears all kill timers and disposes every session with a 5-second
// wall-clock cap (spec §4.4 "dispose").
func (h *Host) Dispose() {
	h.mu.Lock()
	for id, t := range h.timers {
		t.Stop()
		delete(h.timers, id)
	}
	sessions := make([]*session.Session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		sessions = append(sessions, sess)
	}
	h.sessions = make(map[string]*session.Session)
	h.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Dispose()
		}(sess)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(disposeAllTimeout):
		log.Printf("host: dispose: %d sessions did not finish within %s", len(sessions), disposeAllTimeout)
	}
}

// get returns the session, or nil if absent.
func (h *Host) get(sessionID string) *session.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[sessionID]
}

// remove disarms the kill timer and removes and disposes the named
// session, if any. Safe to call without holding h.mu.
func (h *Host) remove(sessionID string) {
	h.mu.Lock()
	sess, ok := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	if t, ok := h.timers[sessionID]; ok {
		t.Stop()
		delete(h.timers, sessionID)
	}
	h.mu.Unlock()

	if ok {
		sess.Dispose()
	}
}

// armKillTimer idempotently starts the 5-second fail-safe force-dispose
// timer for a session currently terminating (spec §4.4 "kill").
func (h *Host) armKillTimer(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.timers[sessionID]; exists {
		return
	}
	h.timers[sessionID] = time.AfterFunc(h.killGraceTimeout, func() {
		defer recoverTimerPanic("kill timer", sessionID)
		h.mu.Lock()
		sess, ok := h.sessions[sessionID]
		delete(h.timers, sessionID)
		h.mu.Unlock()
		if ok && sess.IsTerminating() {
			h.remove(sessionID)
		}
	})
}

// recoverTimerPanic is deferred at the top of every time.AfterFunc callback
// the host schedules. These callbacks run on their own goroutine with
// nothing else on the call stack to catch a panic, so without this a bug in
// cleanup logic for one session would crash the whole daemon and every
// other session with it (spec §4.6).
func recoverTimerPanic(timer, sessionID string) {
	if r := recover(); r != nil {
		log.Printf("termhostd: recovered panic in %s for session %s: %v", timer, sessionID, r)
	}
}

// onSessionExit is wired as every Session's OnExit callback (spec §4.4
// "Exit handling"): clear the kill timer, broadcast if unattached, and
// schedule cleanup.
func (h *Host) onSessionExit(sess *session.Session, info session.ExitInfo) {
	h.mu.Lock()
	if t, ok := h.timers[sess.ID]; ok {
		t.Stop()
		delete(h.timers, sess.ID)
	}
	h.mu.Unlock()

	if sess.AttachedClients() == 0 && h.OnUnattachedExit != nil {
		h.OnUnattachedExit(sess, info)
	}
	h.scheduleCleanup(sess.ID)
}

// scheduleCleanup disposes and removes the session 5 seconds after exit
// only if it still has zero attached clients; otherwise it reschedules,
// giving clients time to receive the exit event and detach (spec §4.4).
func (h *Host) scheduleCleanup(sessionID string) {
	time.AfterFunc(cleanupDelay, func() {
		defer recoverTimerPanic("cleanup timer", sessionID)
		sess := h.get(sessionID)
		if sess == nil {
			return
		}
		if sess.AttachedClients() == 0 {
			h.remove(sessionID)
			return
		}
		h.scheduleCleanup(sessionID)
	})
}
