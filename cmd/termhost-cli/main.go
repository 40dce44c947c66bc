// termhost-cli – a reference client for termhostd.
//
// Usage:
//
//	termhost-cli attach <sessionId> [--cwd <dir>]
//	termhost-cli list
//	termhost-cli kill <sessionId>
//
// attach opens the two required connections (control + stream), performs the
// handshake on each, creates or re-attaches the named session, and then
// copies between the session's PTY and this process's own terminal until the
// session exits or the user detaches with Ctrl-].
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/ianremillard/termhostd/internal/proto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "attach":
		cmdAttach()
	case "list":
		cmdList()
	case "kill":
		cmdKill()
	default:
		fmt.Fprintf(os.Stderr, "termhost-cli: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `termhost-cli – reference client for termhostd

  attach <sessionId> [--cwd <dir>]   Create or re-attach a terminal session
  list                                List known sessions
  kill <sessionId>                    Kill a session`)
}

// conn bundles a dialed control-role connection with its encoder. Responses
// are read line-by-line directly in request (see readResponseLine) rather
// than through proto.Decoder, which frames Requests, not Responses.
type conn struct {
	c   net.Conn
	enc *proto.Encoder
}

func dial() *conn {
	c, err := net.Dial("unix", socketPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "termhost-cli: cannot connect to daemon: %v\n", err)
		os.Exit(1)
	}
	return &conn{c: c, enc: proto.NewEncoder(c)}
}

var reqCounter int64

func nextRequestID() string {
	return "r" + strconv.FormatInt(atomic.AddInt64(&reqCounter, 1), 10)
}

func (cn *conn) request(reqType string, payload interface{}) proto.Response {
	raw, _ := json.Marshal(payload)
	req := proto.Request{ID: nextRequestID(), Type: reqType, Payload: raw}
	if err := cn.enc.Encode(req); err != nil {
		fmt.Fprintf(os.Stderr, "termhost-cli: write failed: %v\n", err)
		os.Exit(1)
	}
	for {
		resp, err := readResponseLine(cn.c)
		if err != nil {
			fmt.Fprintf(os.Stderr, "termhost-cli: read failed: %v\n", err)
			os.Exit(1)
		}
		if resp.ID == req.ID {
			return resp
		}
		// A response to a different (stale) request id is ignored rather
		// than treated as a protocol error: hello/attach round-trips are
		// strictly sequential per connection in this client.
	}
}

func readResponseLine(c net.Conn) (proto.Response, error) {
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 4096), 4<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return proto.Response{}, err
		}
		return proto.Response{}, fmt.Errorf("connection closed")
	}
	var resp proto.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return proto.Response{}, err
	}
	return resp, nil
}

func hello(cn *conn, clientID string, role proto.Role) {
	resp := cn.request(proto.TypeHello, proto.HelloPayload{
		ProtocolVersion: proto.ProtocolVersion,
		Token:           token(),
		ClientID:        clientID,
		Role:            string(role),
	})
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "termhost-cli: hello failed: %s\n", resp.Error.Message)
		os.Exit(1)
	}
}

func socketPath() string { return filepath.Join(homeDir(), "terminal-host.sock") }
func tokenPath() string  { return filepath.Join(homeDir(), "terminal-host.token") }

func homeDir() string {
	if env := os.Getenv("TERMHOSTD_HOME"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "termhost-cli: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}
	return filepath.Join(home, ".termhost")
}

func token() string {
	data, err := os.ReadFile(tokenPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "termhost-cli: cannot read token at %s: %v\n", tokenPath(), err)
		fmt.Fprintf(os.Stderr, "termhost-cli: is termhostd running?\n")
		os.Exit(1)
	}
	return string(data)
}

func cmdList() {
	cn := dial()
	defer cn.c.Close()
	hello(cn, "termhost-cli-"+uuid.NewString(), proto.RoleControl)

	resp := cn.request(proto.TypeListSessions, nil)
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "termhost-cli: %s\n", resp.Error.Message)
		os.Exit(1)
	}

	raw, _ := json.Marshal(resp.Payload)
	var result proto.ListSessionsResult
	json.Unmarshal(raw, &result)

	if len(result.Sessions) == 0 {
		fmt.Println("no sessions")
		return
	}
	fmt.Printf("%-36s  %-6s  %-6s  %s\n", "SESSION", "ALIVE", "PID", "CLIENTS")
	for _, s := range result.Sessions {
		fmt.Printf("%-36s  %-6t  %-6d  %d\n", s.SessionID, s.IsAlive, s.PID, s.AttachedClients)
	}
}

func cmdKill() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: termhost-cli kill <sessionId>")
		os.Exit(1)
	}
	cn := dial()
	defer cn.c.Close()
	hello(cn, "termhost-cli-"+uuid.NewString(), proto.RoleControl)

	resp := cn.request(proto.TypeKill, proto.SessionIDPayload{SessionID: os.Args[2]})
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "termhost-cli: %s\n", resp.Error.Message)
		os.Exit(1)
	}
	fmt.Printf("killed %s\n", os.Args[2])
}

func cmdAttach() {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "usage: termhost-cli attach <sessionId> [--cwd <dir>]")
		os.Exit(1)
	}
	sessionID := os.Args[2]

	fs := flag.NewFlagSet("attach", flag.ExitOnError)
	cwd := fs.String("cwd", "", "working directory for a newly spawned session")
	fs.Parse(os.Args[3:])

	clientID := "termhost-cli-" + uuid.NewString()

	control := dial()
	defer control.c.Close()
	hello(control, clientID, proto.RoleControl)

	stream := dial()
	defer stream.c.Close()
	hello(stream, clientID, proto.RoleStream)

	fd := int(os.Stdin.Fd())
	cols, rows, err := term.GetSize(fd)
	if err != nil {
		cols, rows = 80, 24
	}

	resp := control.request(proto.TypeCreateOrAttach, proto.CreateOrAttachPayload{
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
		Cwd:       *cwd,
	})
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "termhost-cli: %s\n", resp.Error.Message)
		os.Exit(1)
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termhost-cli: cannot set raw mode: %v\n", err)
		os.Exit(1)
	}
	defer term.Restore(fd, oldState)

	fmt.Fprintf(os.Stdout, "\r\n[termhost-cli] attached to %s  (detach: Ctrl-])\r\n", sessionID)

	done := make(chan struct{}, 1)
	signalDone := func() {
		select {
		case done <- struct{}{}:
		default:
		}
	}

	// The stream socket only ever carries server->client Events, never
	// Requests, so this decodes those directly rather than through
	// proto.Decoder (which expects a Request envelope).
	go streamEvents(stream.c, signalDone)

	// Goroutine: stdin -> write requests (notify_ so responses are suppressed).
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				for i := 0; i < n; i++ {
					if buf[i] == 0x1D {
						signalDone()
						return
					}
				}
				payload, _ := json.Marshal(proto.WritePayload{SessionID: sessionID, Data: string(buf[:n])})
				control.enc.Encode(proto.Request{ID: "notify_" + nextRequestID(), Type: proto.TypeWrite, Payload: payload})
			}
			if err != nil {
				signalDone()
				return
			}
		}
	}()

	winchCh := make(chan os.Signal, 1)
	signal.Notify(winchCh, syscall.SIGWINCH)
	defer signal.Stop(winchCh)
	go func() {
		for range winchCh {
			if c, r, err := term.GetSize(fd); err == nil {
				payload, _ := json.Marshal(proto.ResizePayload{SessionID: sessionID, Cols: c, Rows: r})
				control.enc.Encode(proto.Request{ID: "notify_" + nextRequestID(), Type: proto.TypeResize, Payload: payload})
			}
		}
	}()

	<-done
	term.Restore(fd, oldState)
	fmt.Fprintf(os.Stdout, "\n[termhost-cli] detached from %s\n", sessionID)
}

// streamEvents reads raw Event envelopes off the stream socket (not Request
// envelopes) and renders data/exit/error to the terminal.
func streamEvents(c net.Conn, onClose func()) {
	scanner := bufio.NewScanner(c)
	scanner.Buffer(make([]byte, 0, 4096), 4<<20)
	for scanner.Scan() {
		var evt proto.Event
		if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
			continue
		}
		switch evt.Event {
		case proto.EventData:
			raw, _ := json.Marshal(evt.Payload)
			var data proto.DataEventPayload
			json.Unmarshal(raw, &data)
			os.Stdout.WriteString(data.Data)
		case proto.EventExit:
			onClose()
			return
		case proto.EventError:
			raw, _ := json.Marshal(evt.Payload)
			var errEvt proto.ErrorEventPayload
			json.Unmarshal(raw, &errEvt)
			fmt.Fprintf(os.Stderr, "\r\n[termhost-cli] error: %s: %s\r\n", errEvt.Code, errEvt.Message)
		}
	}
	onClose()
}
