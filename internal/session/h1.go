package session

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/bc-dunia/h2drill/internal/request"
)

type h1State int

const (
	h1StatusLine h1State = iota
	h1Headers
	h1Body
	h1ChunkSize
	h1ChunkData
	h1ChunkEnd
	h1Trailers
	h1UntilClose
)

type h1Request struct {
	id   uint32
	head bool
}

// h1Session pipelines requests up to the stream limit and matches responses
// to them in order.
type h1Session struct {
	cb   Callbacks
	opts Options
	out  *bytes.Buffer
	in   []byte

	queue  []h1Request
	nextID uint32

	state       h1State
	status      int
	remaining   int64
	headerBytes int
	chunked     bool
	closeAfter  bool

	// closing is set once either side asked for Connection: close, or a
	// stream was reset; no further requests are submitted.
	closing bool
	broken  bool
}

func newH1(out *bytes.Buffer, cb Callbacks, opts Options) *h1Session {
	return &h1Session{cb: cb, opts: opts, out: out, nextID: 1}
}

func (s *h1Session) Protocol() string { return ProtoH1 }

func (s *h1Session) OnConnect() {}

func (s *h1Session) OnWrite() {}

func (s *h1Session) Submit(d *request.Data) (uint32, error) {
	if s.closing {
		return 0, ErrGoAway
	}
	if len(s.queue) >= s.MaxConcurrentStreams() {
		return 0, ErrAtCapacity
	}
	id := s.nextID
	s.nextID += 2

	method, _, authority, path := pseudo(d)
	fmt.Fprintf(s.out, "%s %s HTTP/1.1\r\nHost: %s\r\n", method, path, authority)
	for _, h := range d.Headers {
		if h.Name == "host" || strings.HasPrefix(h.Name, ":") || skipHeader(h.Name) {
			continue
		}
		fmt.Fprintf(s.out, "%s: %s\r\n", h.Name, h.Value)
	}
	if !hasUserAgent(d) {
		s.out.WriteString("User-Agent: " + UserAgent + "\r\n")
	}
	if len(d.Payload) > 0 || method == "POST" || method == "PUT" || method == "PATCH" {
		s.out.WriteString("Content-Length: " + strconv.Itoa(len(d.Payload)) + "\r\n")
	}
	s.out.WriteString("\r\n")
	s.out.Write(d.Payload)

	s.queue = append(s.queue, h1Request{id: id, head: method == "HEAD"})
	s.cb.OnRequestStart(id)
	return id, nil
}

func (s *h1Session) OnRead(p []byte) error {
	if s.broken {
		return nil
	}
	s.in = append(s.in, p...)
	for {
		progressed, err := s.step()
		if err != nil {
			return &Error{Proto: ProtoH1, Op: "parse response", Err: err}
		}
		if !progressed {
			break
		}
	}
	if len(s.in) == 0 {
		s.in = nil
	}
	return nil
}

func (s *h1Session) line() (string, bool) {
	i := bytes.Index(s.in, []byte("\r\n"))
	if i < 0 {
		return "", false
	}
	l := string(s.in[:i])
	s.in = s.in[i+2:]
	s.headerBytes += i + 2
	return l, true
}

// step consumes one parser unit. It reports false when more input is needed.
func (s *h1Session) step() (bool, error) {
	switch s.state {
	case h1StatusLine:
		if len(s.in) == 0 {
			return false, nil
		}
		if len(s.queue) == 0 {
			return false, fmt.Errorf("%w: response without request", ErrProtocol)
		}
		l, ok := s.line()
		if !ok {
			return false, nil
		}
		code, err := parseStatusLine(l)
		if err != nil {
			return false, err
		}
		s.status = code
		s.remaining = -1
		s.chunked = false
		s.closeAfter = false
		s.state = h1Headers
		if code >= 200 {
			s.cb.OnStatusCode(s.queue[0].id, code)
		}
		return true, nil

	case h1Headers:
		l, ok := s.line()
		if !ok {
			return false, nil
		}
		if l != "" {
			return true, s.header(l)
		}
		s.cb.OnHeaderBytes(s.headerBytes, s.headerBytes)
		s.headerBytes = 0
		if s.status < 200 {
			// interim response; the final one follows
			s.state = h1StatusLine
			return true, nil
		}
		switch {
		case s.queue[0].head || s.status == 204 || s.status == 304:
			s.finish(true)
		case s.chunked:
			s.state = h1ChunkSize
		case s.remaining == 0:
			s.finish(true)
		case s.remaining > 0:
			s.state = h1Body
		default:
			s.closeAfter = true
			s.state = h1UntilClose
		}
		return true, nil

	case h1Body:
		if len(s.in) == 0 {
			return false, nil
		}
		n := min(int64(len(s.in)), s.remaining)
		s.data(int(n))
		s.remaining -= n
		if s.remaining == 0 {
			s.finish(true)
		}
		return true, nil

	case h1ChunkSize:
		l, ok := s.line()
		if !ok {
			return false, nil
		}
		s.headerBytes = 0
		if i := strings.IndexByte(l, ';'); i >= 0 {
			l = l[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(l), 16, 64)
		if err != nil || size < 0 {
			return false, fmt.Errorf("%w: bad chunk size %q", ErrProtocol, l)
		}
		if size == 0 {
			s.state = h1Trailers
		} else {
			s.remaining = size
			s.state = h1ChunkData
		}
		return true, nil

	case h1ChunkData:
		if len(s.in) == 0 {
			return false, nil
		}
		n := min(int64(len(s.in)), s.remaining)
		s.data(int(n))
		s.remaining -= n
		if s.remaining == 0 {
			s.state = h1ChunkEnd
		}
		return true, nil

	case h1ChunkEnd:
		if len(s.in) < 2 {
			return false, nil
		}
		if s.in[0] != '\r' || s.in[1] != '\n' {
			return false, fmt.Errorf("%w: missing chunk terminator", ErrProtocol)
		}
		s.in = s.in[2:]
		s.state = h1ChunkSize
		return true, nil

	case h1Trailers:
		l, ok := s.line()
		if !ok {
			return false, nil
		}
		s.headerBytes = 0
		if l == "" {
			s.finish(true)
		}
		return true, nil

	case h1UntilClose:
		if len(s.in) == 0 {
			return false, nil
		}
		s.data(len(s.in))
		return true, nil
	}
	return false, nil
}

func (s *h1Session) header(l string) error {
	i := strings.IndexByte(l, ':')
	if i <= 0 {
		return fmt.Errorf("%w: malformed header line", ErrProtocol)
	}
	name := strings.ToLower(strings.TrimSpace(l[:i]))
	value := strings.TrimSpace(l[i+1:])
	switch name {
	case "content-length":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: bad content-length %q", ErrProtocol, value)
		}
		s.remaining = n
	case "transfer-encoding":
		if strings.Contains(strings.ToLower(value), "chunked") {
			s.chunked = true
		}
	case "connection":
		if strings.EqualFold(value, "close") {
			s.closing = true
		}
	}
	if s.status >= 200 && s.opts.wants(name) {
		s.cb.OnHeader(s.queue[0].id, name, value)
	}
	return nil
}

func (s *h1Session) data(n int) {
	p := s.in[:n]
	s.in = s.in[n:]
	s.cb.OnDataChunk(s.queue[0].id, p)
}

func (s *h1Session) finish(success bool) {
	r := s.queue[0]
	s.queue = s.queue[1:]
	s.state = h1StatusLine
	s.cb.OnStreamClose(r.id, success, s.closing)
}

// OnEOF completes a response delimited by connection close.
func (s *h1Session) OnEOF() {
	s.closing = true
	if s.state == h1UntilClose && len(s.queue) > 0 {
		s.finish(true)
	}
}

// Reset cannot cancel one exchange on HTTP/1.1: responses are ordered, so
// every outstanding request fails and the connection must be replaced.
func (s *h1Session) Reset(id uint32) {
	found := false
	for _, r := range s.queue {
		if r.id == id {
			found = true
			break
		}
	}
	if !found {
		return
	}
	s.closing = true
	s.broken = true
	q := s.queue
	s.queue = nil
	for _, r := range q {
		s.cb.OnStreamClose(r.id, false, true)
	}
}

func (s *h1Session) Terminate() { s.closing = true }

func (s *h1Session) Active() int { return len(s.queue) }

func (s *h1Session) MaxConcurrentStreams() int {
	return max(1, s.opts.MaxConcurrentStreams)
}

func (s *h1Session) Draining() bool { return s.closing }

func parseStatusLine(l string) (int, error) {
	if !strings.HasPrefix(l, "HTTP/1.") {
		return 0, fmt.Errorf("%w: bad status line %q", ErrProtocol, l)
	}
	fields := strings.SplitN(l, " ", 3)
	if len(fields) < 2 || len(fields[1]) != 3 {
		return 0, fmt.Errorf("%w: bad status line %q", ErrProtocol, l)
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, fmt.Errorf("%w: bad status code %q", ErrProtocol, fields[1])
	}
	return code, nil
}
