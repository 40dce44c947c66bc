package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/ianremillard/termhostd/internal/config"
	"github.com/ianremillard/termhostd/internal/host"
	"github.com/ianremillard/termhostd/internal/proto"
)

// notifyPrefix marks a write request id as eligible for response
// suppression (spec §4.5 "Notify-write optimization").
const notifyPrefix = "notify_"

// Dispatcher is the Request Dispatcher (C5): it authenticates requests
// against the registry, routes to the Host or to hello handling, and
// formats responses, including the notify-write suppression/reroute rule.
type Dispatcher struct {
	registry  *Registry
	host      *host.Host
	cfg       config.Config
	daemonPID int

	// shutdown is started on its own goroutine once the reply to a
	// "shutdown" request has been written; it is the daemon supervisor's
	// hook to terminate and applies the response grace delay itself
	// (spec §4.5, §4.6).
	shutdown func(killAll bool)
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(reg *Registry, h *host.Host, cfg config.Config, daemonPID int, shutdown func(killAll bool)) *Dispatcher {
	return &Dispatcher{registry: reg, host: h, cfg: cfg, daemonPID: daemonPID, shutdown: shutdown}
}

// Dispatch handles one decoded request from peer p, writing a response (or
// suppressing/rerouting it per the notify-write rule) as appropriate.
// hello is handled here too since it is the one request type requiring no
// prior authentication (spec §4.2, §4.5).
func (d *Dispatcher) Dispatch(p *Peer, req proto.Request) {
	if req.Type == proto.TypeHello {
		d.handleHello(p, req)
		return
	}

	if !p.Authenticated() {
		d.reply(p, req, nil, proto.NewError(proto.ErrNotAuthenticated, "hello required before "+req.Type))
		return
	}
	if p.Role() != proto.RoleControl {
		d.reply(p, req, nil, proto.NewError(proto.ErrInvalidRole, req.Type+" requires role=control"))
		return
	}

	switch req.Type {
	case proto.TypeCreateOrAttach:
		d.handleCreateOrAttach(p, req)
	case proto.TypeWrite:
		d.handleWrite(p, req)
	case proto.TypeResize:
		d.handleResize(p, req)
	case proto.TypeDetach:
		d.handleDetach(p, req)
	case proto.TypeKill:
		d.handleKill(p, req)
	case proto.TypeSignal:
		d.handleSignal(p, req)
	case proto.TypeKillAll:
		d.handleKillAll(p, req)
	case proto.TypeListSessions:
		d.handleListSessions(p, req)
	case proto.TypeClearScrollback:
		d.handleClearScrollback(p, req)
	case proto.TypeShutdown:
		d.handleShutdown(p, req)
	default:
		d.reply(p, req, nil, proto.NewError(proto.ErrUnknownRequest, "unknown request type: "+req.Type))
	}
}

func (d *Dispatcher) handleHello(p *Peer, req proto.Request) {
	var hello proto.HelloPayload
	if err := json.Unmarshal(req.Payload, &hello); err != nil {
		d.reply(p, req, nil, proto.NewError(proto.ErrInvalidHello, "malformed hello payload"))
		return
	}
	if wireErr := d.registry.Authenticate(p, hello); wireErr != nil {
		d.reply(p, req, nil, wireErr)
		return
	}
	d.reply(p, req, proto.HelloResult{
		ProtocolVersion: proto.ProtocolVersion,
		DaemonVersion:   proto.DaemonVersion,
		DaemonPID:       d.daemonPID,
	}, nil)
}

func (d *Dispatcher) handleCreateOrAttach(p *Peer, req proto.Request) {
	var payload proto.CreateOrAttachPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		d.reply(p, req, nil, proto.NewError(proto.ErrInvalidHello, "malformed createOrAttach payload"))
		return
	}
	if payload.SessionID == "" {
		payload.SessionID = uuid.NewString()
	}

	stream := d.registry.Lookup(p.ClientID(), proto.RoleStream)
	if stream == nil {
		d.reply(p, req, nil, proto.NewError(proto.ErrStreamNotConnected, "no stream socket registered for this client"))
		return
	}

	env := mergeConfigEnv(d.cfg.DefaultEnv, payload.Env)

	// No outer deadline: blocking on the spawn semaphore itself is
	// unbounded by design (spec §5 "createOrAttach awaits the spawn
	// semaphore"); the 5s readiness bound is applied internally by Host.
	res, err := d.host.CreateOrAttach(context.Background(), stream, host.CreateOrAttachRequest{
		SessionID:       payload.SessionID,
		WorkspaceID:     payload.WorkspaceID,
		PaneID:          payload.PaneID,
		TabID:           payload.TabID,
		Cols:            payload.Cols,
		Rows:            payload.Rows,
		Cwd:             payload.Cwd,
		Env:             env,
		InitialCommands: payload.InitialCommands,
		ScrollbackBytes: d.cfg.ScrollbackBytes,
		Shell:           d.cfg.DefaultShell,
	})
	if err != nil {
		d.reply(p, req, nil, asWireError(err))
		return
	}
	d.reply(p, req, proto.CreateOrAttachResult{
		IsNew:        res.IsNew,
		WasRecovered: res.WasRecovered,
		PID:          res.PID,
		Snapshot:     res.Snapshot,
	}, nil)
}

func mergeConfigEnv(base, overlay map[string]string) map[string]string {
	if len(base) == 0 {
		return overlay
	}
	merged := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}

func (d *Dispatcher) handleWrite(p *Peer, req proto.Request) {
	var payload proto.WritePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		d.reply(p, req, nil, proto.NewError(proto.ErrInvalidHello, "malformed write payload"))
		return
	}

	err := d.host.Write(payload.SessionID, []byte(payload.Data))
	if !isNotifyWrite(req.ID) {
		if err != nil {
			d.reply(p, req, nil, asWireError(err))
			return
		}
		d.reply(p, req, nil, nil)
		return
	}

	// Notify write: success is always suppressed; failure reroutes to the
	// stream socket as an error event (spec §4.5 "Notify-write optimization").
	if err != nil {
		d.routeNotifyError(p, payload.SessionID, asWireError(err))
	}
}

func isNotifyWrite(id string) bool {
	return strings.HasPrefix(id, notifyPrefix)
}

// routeNotifyError emits a session-scoped error event on the client's
// stream socket; if none is registered the failure is logged and dropped.
func (d *Dispatcher) routeNotifyError(p *Peer, sessionID string, wireErr *proto.Error) {
	stream := d.registry.Lookup(p.ClientID(), proto.RoleStream)
	if stream == nil {
		log.Printf("termhostd: notify write to session %s failed with no stream socket: %v", sessionID, wireErr)
		return
	}
	_ = stream.Send(proto.NewEvent(sessionID, proto.EventError, proto.ErrorEventPayload{
		Code:    wireErr.Code,
		Message: wireErr.Message,
	}))
}

func (d *Dispatcher) handleResize(p *Peer, req proto.Request) {
	var payload proto.ResizePayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		d.reply(p, req, nil, proto.NewError(proto.ErrInvalidHello, "malformed resize payload"))
		return
	}
	d.host.Resize(payload.SessionID, payload.Cols, payload.Rows)
	d.reply(p, req, nil, nil)
}

func (d *Dispatcher) handleDetach(p *Peer, req proto.Request) {
	var payload proto.SessionIDPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		d.reply(p, req, nil, proto.NewError(proto.ErrInvalidHello, "malformed detach payload"))
		return
	}
	d.host.Detach(payload.SessionID, p.ClientID())
	d.reply(p, req, nil, nil)
}

func (d *Dispatcher) handleKill(p *Peer, req proto.Request) {
	var payload proto.SessionIDPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		d.reply(p, req, nil, proto.NewError(proto.ErrInvalidHello, "malformed kill payload"))
		return
	}
	if err := d.host.Kill(payload.SessionID); err != nil {
		d.reply(p, req, nil, asWireError(err))
		return
	}
	d.reply(p, req, nil, nil)
}

func (d *Dispatcher) handleSignal(p *Peer, req proto.Request) {
	var payload proto.SignalPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		d.reply(p, req, nil, proto.NewError(proto.ErrInvalidHello, "malformed signal payload"))
		return
	}
	d.host.Signal(payload.SessionID, payload.Signal)
	d.reply(p, req, nil, nil)
}

func (d *Dispatcher) handleKillAll(p *Peer, req proto.Request) {
	var payload proto.KillAllPayload
	_ = json.Unmarshal(req.Payload, &payload)
	d.host.KillAll(payload.DeleteHistory)
	d.reply(p, req, nil, nil)
}

func (d *Dispatcher) handleListSessions(p *Peer, req proto.Request) {
	d.reply(p, req, proto.ListSessionsResult{Sessions: d.host.ListSessions()}, nil)
}

func (d *Dispatcher) handleClearScrollback(p *Peer, req proto.Request) {
	var payload proto.SessionIDPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		d.reply(p, req, nil, proto.NewError(proto.ErrInvalidHello, "malformed clearScrollback payload"))
		return
	}
	d.host.ClearScrollback(payload.SessionID)
	d.reply(p, req, nil, nil)
}

func (d *Dispatcher) handleShutdown(p *Peer, req proto.Request) {
	var payload proto.ShutdownPayload
	_ = json.Unmarshal(req.Payload, &payload)
	d.reply(p, req, nil, nil)
	if d.shutdown != nil {
		go d.shutdown(payload.KillAll)
	}
}

// reply always writes exactly one response; ok is derived from
// wireErr == nil.
func (d *Dispatcher) reply(p *Peer, req proto.Request, payload interface{}, wireErr *proto.Error) {
	var resp proto.Response
	if wireErr != nil {
		resp = proto.ErrResponse(req.ID, wireErr)
	} else {
		resp = proto.OKResponse(req.ID, payload)
	}
	_ = p.SendResponse(resp)
}

// asWireError recovers a *proto.Error from err, falling back to
// INTERNAL_ERROR for anything else (spec §4.5 "Internal exceptions produce
// INTERNAL_ERROR with the exception message").
func asWireError(err error) *proto.Error {
	if wireErr, ok := err.(*proto.Error); ok {
		return wireErr
	}
	return proto.NewError(proto.ErrInternal, fmt.Sprintf("%v", err))
}
