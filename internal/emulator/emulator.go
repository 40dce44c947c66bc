// Package emulator holds the server-side headless terminal state that
// backs Session.attach snapshots (spec §4.3, §9 "Emulator on the server").
//
// Every byte read from a PTY is fed to the Emulator before fan-out so the
// grid/cursor state it reports is always authoritative; a client that
// attaches later sees exactly the same screen as one attached throughout.
package emulator

import (
	"sync"

	"github.com/hinshun/vt10x"
)

// DefaultScrollbackBytes mirrors the one rolling-buffer precedent in the
// corpus (the teacher's maxLogBytes) and is used when a daemon config
// leaves ScrollbackBytes unset (SPEC_FULL.md §C.2).
const DefaultScrollbackBytes = 1 << 20

// Cell is one glyph of the emulator's current screen grid.
type Cell struct {
	Char string `json:"ch"`
	FG   int    `json:"fg"`
	BG   int    `json:"bg"`
}

// Snapshot is a serializable capture of an Emulator sufficient for a client
// to reconstruct its visible screen and scrollback from scratch.
type Snapshot struct {
	Cols          int      `json:"cols"`
	Rows          int      `json:"rows"`
	Scrollback    string   `json:"scrollback"`
	Grid          [][]Cell `json:"grid"`
	CursorX       int      `json:"cursorX"`
	CursorY       int      `json:"cursorY"`
	CursorVisible bool     `json:"cursorVisible"`
}

// Emulator is a headless VT100-class terminal plus a capped scrollback
// ring buffer. It is safe for concurrent use.
type Emulator struct {
	mu   sync.Mutex
	vt   vt10x.Terminal
	cols int
	rows int

	scrollback    []byte
	scrollbackCap int
}

// New creates an Emulator sized cols×rows with scrollback capped at
// scrollbackBytes (DefaultScrollbackBytes if <= 0).
func New(cols, rows, scrollbackBytes int) *Emulator {
	if scrollbackBytes <= 0 {
		scrollbackBytes = DefaultScrollbackBytes
	}
	return &Emulator{
		vt:            vt10x.New(vt10x.WithSize(cols, rows)),
		cols:          cols,
		rows:          rows,
		scrollbackCap: scrollbackBytes,
	}
}

// Feed consumes PTY output: it updates the grid/cursor state and appends to
// the scrollback buffer, trimming from the front if the cap is exceeded.
// Must be called for every byte read from the PTY, in order, before any
// fan-out (spec §4.3 "Emulator invariant").
func (e *Emulator) Feed(data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, _ = e.vt.Write(data)
	e.scrollback = append(e.scrollback, data...)
	if over := len(e.scrollback) - e.scrollbackCap; over > 0 {
		e.scrollback = e.scrollback[over:]
	}
}

// Resize updates the emulator's dimensions (spec I3: the emulator's size
// tracks the last successful resize).
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vt.Resize(cols, rows)
	e.cols, e.rows = cols, rows
}

// ClearScrollback discards buffered history without touching the live grid.
func (e *Emulator) ClearScrollback() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.scrollback = nil
}

// Snapshot captures the current grid, cursor, and scrollback. The caller
// must have already fed every byte read so far (spec §4.3) so concurrently
// attaching clients observe the same final screen.
func (e *Emulator) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	grid := make([][]Cell, e.rows)
	for y := 0; y < e.rows; y++ {
		row := make([]Cell, e.cols)
		for x := 0; x < e.cols; x++ {
			g := e.vt.Cell(x, y)
			row[x] = Cell{Char: string(g.Char), FG: int(g.FG), BG: int(g.BG)}
		}
		grid[y] = row
	}

	cursor := e.vt.Cursor()
	return Snapshot{
		Cols:          e.cols,
		Rows:          e.rows,
		Scrollback:    string(e.scrollback),
		Grid:          grid,
		CursorX:       cursor.X,
		CursorY:       cursor.Y,
		CursorVisible: e.vt.CursorVisible(),
	}
}

// Size returns the emulator's current dimensions.
func (e *Emulator) Size() (cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cols, e.rows
}
