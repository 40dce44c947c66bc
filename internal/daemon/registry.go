package daemon

import (
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ianremillard/termhostd/internal/host"
	"github.com/ianremillard/termhostd/internal/proto"
)

// errPeerStalled and errPeerClosed are returned by Send and never wrapped
// into the caller's own error value: callers only care that Send failed,
// not why. fanOut detaches the socket on any error; routeNotifyError
// discards the error (a stalled peer has already been closed by Send).
var (
	errPeerStalled = errors.New("daemon: peer outbox full, destroying stalled socket")
	errPeerClosed  = errors.New("daemon: peer already closed")
)

// peerKey identifies one authenticated (clientId, role) pair (spec §4.2).
type peerKey struct {
	clientID string
	role     proto.Role
}

// outboxCapacity bounds how many undelivered events a peer may queue before
// it is treated as stalled (spec §4.3 "Fan-out and backpressure"). A reader
// that can't keep up gets destroyed rather than ever blocking the sender.
const outboxCapacity = 256

// eventWriteTimeout bounds a single event write once it reaches the wire, so
// a peer that accepts into its queue but never drains its kernel socket
// buffer is destroyed instead of wedging the writer goroutine indefinitely.
const eventWriteTimeout = 5 * time.Second

// Peer is one authenticated connection: either a client's control socket or
// its stream socket. It implements session.AttachedSocket so a Session can
// address it directly without knowing about net.Conn.
//
// Event delivery (Send) is asynchronous: each Peer owns a bounded outbox
// drained by its own writer goroutine, so a slow stream-socket reader can
// never block the PTY read loop that's fanning out to it, nor the unrelated
// control connection that triggered a notify-write error reroute (spec §4.3,
// §9 Design Note #1). Responses (SendResponse) stay synchronous: per-socket
// response ordering is already tied to that connection's own request order.
type Peer struct {
	conn net.Conn
	enc  *proto.Encoder

	mu            sync.Mutex
	authenticated bool
	clientID      string
	role          proto.Role

	outbox     chan proto.Event
	closeOnce  sync.Once
	writerDone chan struct{}
}

// NewPeer wraps a freshly accepted connection in ConnectionState{authenticated:false}
// (spec §4.2).
func NewPeer(conn net.Conn) *Peer {
	p := &Peer{
		conn:       conn,
		enc:        proto.NewEncoder(conn),
		outbox:     make(chan proto.Event, outboxCapacity),
		writerDone: make(chan struct{}),
	}
	go p.writeLoop()
	return p
}

// ClientID satisfies session.AttachedSocket.
func (p *Peer) ClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

// Role reports the role this peer authenticated as, or "" before hello.
func (p *Peer) Role() proto.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Authenticated reports whether hello has succeeded on this connection.
func (p *Peer) Authenticated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated
}

// authenticate records a successful handshake (spec §4.2 "On success").
func (p *Peer) authenticate(clientID string, role proto.Role) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authenticated = true
	p.clientID = clientID
	p.role = role
}

// Send queues an event for delivery on this peer's writer goroutine and
// returns immediately. It never blocks on the network: a peer whose outbox
// is already full is treated as stalled and destroyed, same as a write
// failure, so one slow reader can't stall the PTY read loop fanning out to
// it or any other caller of Send (spec §4.3, §9 Design Note #1).
func (p *Peer) Send(evt proto.Event) error {
	select {
	case p.outbox <- evt:
		return nil
	case <-p.writerDone:
		return errPeerClosed
	default:
		// Outbox full: this peer isn't draining fast enough. Destroy it
		// rather than block the sender.
		_ = p.Close()
		return errPeerStalled
	}
}

// writeLoop drains the outbox and performs the actual network writes, one
// event at a time, off of whichever goroutine called Send. Each write is
// bounded by eventWriteTimeout so a peer that accepts into its queue but
// never drains its kernel socket buffer still gets destroyed rather than
// wedging this goroutine forever. The outbox is never closed (only ranged
// over via select against writerDone), since Send may race a concurrent
// Close and must never send on a closed channel.
func (p *Peer) writeLoop() {
	for {
		select {
		case evt := <-p.outbox:
			_ = p.conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := p.enc.Encode(evt); err != nil {
				log.Printf("termhostd: peer write failed, destroying: %v", err)
				_ = p.Close()
				return
			}
		case <-p.writerDone:
			return
		}
	}
}

// SendResponse writes a control-socket response synchronously. Response
// ordering is already tied to the issuing connection's own request order
// (one response per request, same goroutine), so there is no backpressure
// hazard to isolate here the way there is for fan-out events.
func (p *Peer) SendResponse(resp proto.Response) error { return p.enc.Encode(resp) }

// Close closes the underlying connection and stops the writer goroutine. It
// is safe to call more than once or concurrently.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.writerDone)
		err = p.conn.Close()
	})
	return err
}

// Registry is the Connection & Auth Registry (C2): it tracks every
// authenticated (clientId, role) pair and evicts stale peers.
type Registry struct {
	token     string
	daemonPID int
	host      *host.Host

	mu    sync.Mutex
	peers map[peerKey]*Peer
}

// NewRegistry constructs a Registry bound to host h and daemon auth token.
func NewRegistry(token string, daemonPID int, h *host.Host) *Registry {
	return &Registry{
		token:     token,
		daemonPID: daemonPID,
		host:      h,
		peers:     make(map[peerKey]*Peer),
	}
}

// Authenticate processes a hello request (spec §4.2). On success it
// performs stale-peer eviction and publishes p under (clientId, role).
func (r *Registry) Authenticate(p *Peer, hello proto.HelloPayload) *proto.Error {
	if hello.ProtocolVersion != proto.ProtocolVersion {
		return proto.NewError(proto.ErrProtocolMismatch, "daemon speaks protocol version "+strconv.Itoa(proto.ProtocolVersion))
	}
	if hello.Token != r.token {
		return proto.NewError(proto.ErrAuthFailed, "invalid token")
	}
	if hello.ClientID == "" {
		return proto.NewError(proto.ErrInvalidHello, "clientId must not be empty")
	}
	role := proto.Role(hello.Role)
	if role != proto.RoleControl && role != proto.RoleStream {
		return proto.NewError(proto.ErrInvalidHello, "role must be \"control\" or \"stream\"")
	}

	key := peerKey{clientID: hello.ClientID, role: role}

	r.mu.Lock()
	stale, existed := r.peers[key]
	r.peers[key] = p
	r.mu.Unlock()

	if existed && stale != p {
		r.evict(stale, key)
	}

	p.authenticate(hello.ClientID, role)
	return nil
}

// evict detaches a superseded peer from every session it was attached to
// and destroys its connection (spec §4.2 "Stale-peer eviction"). Sessions
// key attachments by clientID and only stream sockets are ever attached, so
// a superseded control socket has nothing to detach.
func (r *Registry) evict(stale *Peer, key peerKey) {
	if key.role == proto.RoleStream {
		r.host.DetachFromAllSessions(key.clientID)
	}
	_ = stale.Close()
}

// Lookup returns the peer registered for (clientID, role), or nil.
func (r *Registry) Lookup(clientID string, role proto.Role) *Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[peerKey{clientID: clientID, role: role}]
}

// BroadcastStream delivers evt to every currently registered stream-role
// peer (spec §4.4 "Exit handling": an unattached exit has no subscriber of
// its own, so it is broadcast to all of them).
func (r *Registry) BroadcastStream(evt proto.Event) {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.peers))
	for key, p := range r.peers {
		if key.role == proto.RoleStream {
			peers = append(peers, p)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		_ = p.Send(evt)
	}
}

// Disconnect handles connection teardown (spec §4.2 "On disconnect"):
// detach the peer from every session, then remove it from the client map
// if it is still the registered socket for its (clientId, role). Sessions
// key attachments by clientID, so only the client's currently registered
// stream socket can be the attached one: a control socket is never
// attached, and a superseded stream socket was already detached by evict.
func (r *Registry) Disconnect(p *Peer) {
	if !p.Authenticated() {
		return
	}
	clientID, role := p.ClientID(), p.Role()
	key := peerKey{clientID: clientID, role: role}

	r.mu.Lock()
	registered := r.peers[key] == p
	r.mu.Unlock()
	if registered && role == proto.RoleStream {
		r.host.DetachFromAllSessions(clientID)
	}

	r.mu.Lock()
	if r.peers[key] == p {
		delete(r.peers, key)
	}
	r.mu.Unlock()
}
