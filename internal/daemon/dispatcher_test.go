package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianremillard/termhostd/internal/config"
	"github.com/ianremillard/termhostd/internal/host"
	"github.com/ianremillard/termhostd/internal/proto"
)

// testHarness bundles a Dispatcher wired to a real Host and Registry;
// readResponse and readEvent read whatever a peer's client-side conn
// receives, for assertions against raw wire responses/events.
type testHarness struct {
	reg  *Registry
	h    *host.Host
	disp *Dispatcher
}

func newHarness(t *testing.T, shutdownFn func(bool)) *testHarness {
	t.Helper()
	h := host.New(host.SpawnLimit)
	t.Cleanup(h.Dispose)
	reg := NewRegistry("tok", 999, h)
	cfg := config.Default()
	disp := NewDispatcher(reg, h, cfg, 999, shutdownFn)
	return &testHarness{reg: reg, h: h, disp: disp}
}

func readResponse(t *testing.T, conn net.Conn) proto.Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var resp proto.Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	return resp
}

func readEvent(t *testing.T, conn net.Conn) proto.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	require.True(t, scanner.Scan())
	var evt proto.Event
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &evt))
	return evt
}

func authenticatedPeer(t *testing.T, h *testHarness, clientID string, role proto.Role) (*Peer, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	p := NewPeer(server)
	wireErr := h.reg.Authenticate(p, proto.HelloPayload{
		ProtocolVersion: proto.ProtocolVersion,
		Token:           "tok",
		ClientID:        clientID,
		Role:            string(role),
	})
	require.Nil(t, wireErr)
	return p, client
}

func TestDispatchHelloOverWire(t *testing.T) {
	h := newHarness(t, nil)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	p := NewPeer(server)

	payload, _ := json.Marshal(proto.HelloPayload{ProtocolVersion: proto.ProtocolVersion, Token: "tok", ClientID: "c1", Role: "control"})
	go h.disp.Dispatch(p, proto.Request{ID: "h1", Type: proto.TypeHello, Payload: payload})

	resp := readResponse(t, client)
	assert.Equal(t, "h1", resp.ID)
	assert.True(t, resp.OK)
	assert.True(t, p.Authenticated())
}

func TestDispatchRejectsUnauthenticatedRequest(t *testing.T) {
	h := newHarness(t, nil)
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	p := NewPeer(server)

	go h.disp.Dispatch(p, proto.Request{ID: "l1", Type: proto.TypeListSessions})

	resp := readResponse(t, client)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, proto.ErrNotAuthenticated, resp.Error.Code)
}

func TestDispatchRejectsStreamRoleForControlOnlyRequest(t *testing.T) {
	h := newHarness(t, nil)
	p, client := authenticatedPeer(t, h, "c1", proto.RoleStream)
	defer client.Close()

	go h.disp.Dispatch(p, proto.Request{ID: "l1", Type: proto.TypeListSessions})

	resp := readResponse(t, client)
	assert.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, proto.ErrInvalidRole, resp.Error.Code)
}

func TestDispatchUnknownRequestType(t *testing.T) {
	h := newHarness(t, nil)
	p, client := authenticatedPeer(t, h, "c1", proto.RoleControl)
	defer client.Close()

	go h.disp.Dispatch(p, proto.Request{ID: "z1", Type: "bogus"})

	resp := readResponse(t, client)
	assert.False(t, resp.OK)
	assert.Equal(t, proto.ErrUnknownRequest, resp.Error.Code)
}

func TestDispatchCreateOrAttachRequiresStreamSocket(t *testing.T) {
	h := newHarness(t, nil)
	p, client := authenticatedPeer(t, h, "c1", proto.RoleControl)
	defer client.Close()

	payload, _ := json.Marshal(proto.CreateOrAttachPayload{SessionID: "s1", Cols: 80, Rows: 24})
	go h.disp.Dispatch(p, proto.Request{ID: "c", Type: proto.TypeCreateOrAttach, Payload: payload})

	resp := readResponse(t, client)
	assert.False(t, resp.OK)
	assert.Equal(t, proto.ErrStreamNotConnected, resp.Error.Code)
}

func TestDispatchCreateOrAttachEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	control, controlConn := authenticatedPeer(t, h, "c1", proto.RoleControl)
	defer controlConn.Close()
	_, streamConn := authenticatedPeer(t, h, "c1", proto.RoleStream)
	defer streamConn.Close()

	payload, _ := json.Marshal(proto.CreateOrAttachPayload{SessionID: "s1", Cols: 80, Rows: 24})
	go h.disp.Dispatch(control, proto.Request{ID: "c", Type: proto.TypeCreateOrAttach, Payload: payload})

	resp := readResponse(t, controlConn)
	require.True(t, resp.OK)
}

func TestDispatchNotifyWriteSuppressesSuccessResponse(t *testing.T) {
	h := newHarness(t, nil)
	control, controlConn := authenticatedPeer(t, h, "c1", proto.RoleControl)
	defer controlConn.Close()
	_, streamConn := authenticatedPeer(t, h, "c1", proto.RoleStream)
	defer streamConn.Close()

	createPayload, _ := json.Marshal(proto.CreateOrAttachPayload{SessionID: "s1", Cols: 80, Rows: 24})
	go h.disp.Dispatch(control, proto.Request{ID: "c", Type: proto.TypeCreateOrAttach, Payload: createPayload})
	require.True(t, readResponse(t, controlConn).OK)

	writePayload, _ := json.Marshal(proto.WritePayload{SessionID: "s1", Data: "x"})
	done := make(chan struct{})
	go func() {
		h.disp.Dispatch(control, proto.Request{ID: "notify_1", Type: proto.TypeWrite, Payload: writePayload})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return")
	}

	// A normal (non-notify) write on the same healthy session still gets a
	// response, proving the control socket wasn't left mid-write.
	writePayload2, _ := json.Marshal(proto.WritePayload{SessionID: "s1", Data: "y"})
	go h.disp.Dispatch(control, proto.Request{ID: "w2", Type: proto.TypeWrite, Payload: writePayload2})
	resp := readResponse(t, controlConn)
	assert.Equal(t, "w2", resp.ID)
	assert.True(t, resp.OK)
}

func TestDispatchNotifyWriteFailureReroutesToStreamSocketAsErrorEvent(t *testing.T) {
	h := newHarness(t, nil)
	control, controlConn := authenticatedPeer(t, h, "c1", proto.RoleControl)
	defer controlConn.Close()
	_, streamConn := authenticatedPeer(t, h, "c1", proto.RoleStream)
	defer streamConn.Close()

	writePayload, _ := json.Marshal(proto.WritePayload{SessionID: "nonexistent", Data: "x"})
	go h.disp.Dispatch(control, proto.Request{ID: "notify_1", Type: proto.TypeWrite, Payload: writePayload})

	evt := readEvent(t, streamConn)
	assert.Equal(t, proto.EventError, evt.Event)
	assert.Equal(t, "nonexistent", evt.SessionID)
}

func TestDispatchShutdownInvokesCallbackAfterReply(t *testing.T) {
	called := make(chan bool, 1)
	h := newHarness(t, func(killAll bool) { called <- killAll })
	p, client := authenticatedPeer(t, h, "c1", proto.RoleControl)
	defer client.Close()

	payload, _ := json.Marshal(proto.ShutdownPayload{KillAll: true})
	go h.disp.Dispatch(p, proto.Request{ID: "s1", Type: proto.TypeShutdown, Payload: payload})

	resp := readResponse(t, client)
	assert.True(t, resp.OK)

	select {
	case killAll := <-called:
		assert.True(t, killAll)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown callback was not invoked")
	}
}
