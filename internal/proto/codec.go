package proto

import (
	"bufio"
	"encoding/json"
	"io"
	"regexp"
	"sync"
)

// maxLineBytes bounds a single NDJSON line the decoder will accept. It is
// generous relative to any real request; the 100-character cap in §4.1
// applies only to error logging, not to what the decoder will parse.
const maxLineBytes = 4 << 20

// truncateLogBytes is the "100 characters" cap from §4.1 applied to the
// offending line before it is logged.
const truncateLogBytes = 100

// redactPattern matches secret-like "key: value" or "key=value" substrings
// so decode-error logging never leaks a token, password, or auth header.
var redactPattern = regexp.MustCompile(`(?i)(token|secret|password|key|auth)\s*[:=]\s*\S+`)

// RedactLine truncates line to 100 characters and replaces any substring
// matching redactPattern with "[REDACTED]". Used when logging a line that
// failed to decode (§4.1).
func RedactLine(line string) string {
	if len(line) > truncateLogBytes {
		line = line[:truncateLogBytes]
	}
	return redactPattern.ReplaceAllString(line, "[REDACTED]")
}

// Decoder reads NDJSON-framed Requests from a byte stream, tolerating and
// logging malformed lines instead of failing the whole connection (§4.1).
type Decoder struct {
	scanner *bufio.Scanner
	onBad   func(rawLine string, err error)
}

// NewDecoder wraps r. onBad, if non-nil, is called with the redacted,
// truncated offending line whenever a line fails to decode as a Request;
// decoding continues with the next line regardless.
func NewDecoder(r io.Reader, onBad func(rawLine string, err error)) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineBytes)
	return &Decoder{scanner: s, onBad: onBad}
}

// Next reads and decodes the next non-empty line as a Request. It returns
// io.EOF when the stream ends cleanly.
func (d *Decoder) Next() (Request, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		trimmed := trimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(trimmed, &req); err != nil {
			if d.onBad != nil {
				d.onBad(RedactLine(string(trimmed)), err)
			}
			continue
		}
		return req, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Request{}, err
	}
	return Request{}, io.EOF
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

// Encoder writes one JSON value per line to the underlying writer. Writes
// are serialized: multiple goroutines may share an Encoder (control
// responses and, separately, stream events each get their own Encoder in
// practice, but concurrent callers are still safe).
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals v and writes it followed by a single '\n'. Writes are
// best-effort from the caller's perspective: a failure here should cause
// the caller to destroy the underlying socket (§4.1).
func (e *Encoder) Encode(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}
