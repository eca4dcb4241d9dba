// Package session converts between requests and wire bytes for one
// connection. A Session never touches the socket: it appends outgoing bytes
// to a buffer owned by the client and consumes whatever the client read.
package session

import (
	"bytes"
	"strings"

	"github.com/bc-dunia/h2drill/internal/request"
)

// Protocol names as negotiated or configured.
const (
	ProtoH2   = "h2"
	ProtoH2C  = "h2c"
	ProtoH1   = "http/1.1"
	UserAgent = "h2drill"
)

// Callbacks receive response events. Every method runs on the client's loop
// in wire arrival order.
type Callbacks interface {
	OnRequestStart(id uint32)
	OnHeader(id uint32, name, value string)
	OnStatusCode(id uint32, status int)
	// OnDataChunk hands over response body bytes. p is only valid during
	// the call.
	OnDataChunk(id uint32, p []byte)
	// OnStreamClose reports the end of a stream. final means the connection
	// will not accept further requests.
	OnStreamClose(id uint32, success, final bool)
	// OnHeaderBytes reports one received header block, as sent on the wire
	// and after decompression.
	OnHeaderBytes(compressed, decompressed int)
}

// Session is a protocol driver bound to one connection.
type Session interface {
	// Protocol returns the protocol name used for reporting.
	Protocol() string
	// OnConnect writes the connection preface, if any.
	OnConnect()
	// OnRead consumes received bytes. An error is fatal for the connection.
	OnRead(p []byte) error
	// OnWrite moves application data that became sendable into the output
	// buffer.
	OnWrite()
	// OnEOF reports the orderly end of the read side.
	OnEOF()
	// Submit encodes d and returns its stream id. It fails with
	// ErrAtCapacity when no further stream may be opened and with
	// ErrGoAway once the connection is draining.
	Submit(d *request.Data) (uint32, error)
	// Reset cancels one stream. The stream is closed as failed.
	Reset(id uint32)
	// Terminate asks the peer to close the connection gracefully.
	Terminate()
	// Active is the number of open streams.
	Active() int
	// MaxConcurrentStreams is the effective stream limit.
	MaxConcurrentStreams() int
	// Draining reports that no new requests will be accepted.
	Draining() bool
}

// Options tune a session.
type Options struct {
	MaxConcurrentStreams   int
	WindowBits             int
	ConnectionWindowBits   int
	HeaderTableSize        uint32
	EncoderHeaderTableSize uint32
	// WantedHeaders limits OnHeader to these lowercase names; nil delivers
	// every header.
	WantedHeaders []string
}

func (o Options) wants(name string) bool {
	if o.WantedHeaders == nil {
		return true
	}
	for _, w := range o.WantedHeaders {
		if w == name {
			return true
		}
	}
	return false
}

// Select maps a negotiated ALPN protocol to the session protocol. Cleartext
// connections use noTLSProto. TLS connections that negotiated nothing fall
// back to HTTP/1.1.
func Select(alpn string, tls bool, noTLSProto string) (string, bool) {
	if !tls {
		alpn = noTLSProto
	}
	switch strings.ToLower(alpn) {
	case ProtoH2, ProtoH2C, "h2-16", "h2-14":
		return ProtoH2, true
	case ProtoH1, "":
		return ProtoH1, true
	}
	return "", false
}

// New builds the session for proto, writing into out.
func New(proto string, out *bytes.Buffer, cb Callbacks, opts Options) (Session, error) {
	switch proto {
	case ProtoH2:
		return newH2(out, cb, opts), nil
	case ProtoH1:
		return newH1(out, cb, opts), nil
	}
	return nil, &Error{Proto: proto, Op: "select", Err: ErrUnsupported}
}

// Error is a session failure with the protocol and operation that raised it.
type Error struct {
	Proto string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return "session " + e.Proto + ": " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

var (
	// ErrAtCapacity is returned by Submit when the stream limit is reached.
	ErrAtCapacity = errorString("max concurrent streams reached")
	// ErrGoAway is returned by Submit once the connection is draining.
	ErrGoAway = errorString("connection is going away")
	// ErrProtocol marks malformed input from the peer.
	ErrProtocol = errorString("protocol error")
	// ErrUnsupported marks an unknown protocol name.
	ErrUnsupported = errorString("unsupported protocol")
)

type errorString string

func (e errorString) Error() string { return string(e) }

// skipHeader reports headers that are never forwarded: connection-specific
// ones and content-length, which each encoder writes itself.
func skipHeader(name string) bool {
	switch name {
	case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade", "content-length":
		return true
	}
	return false
}

// pseudo returns the request line fields with header overrides applied.
func pseudo(d *request.Data) (method, scheme, authority, path string) {
	method, scheme, authority, path = d.Method, d.Scheme, d.Authority, d.Path
	for _, h := range d.Headers {
		switch h.Name {
		case ":method":
			method = h.Value
		case ":scheme":
			scheme = h.Value
		case ":authority", "host":
			authority = h.Value
		case ":path":
			path = h.Value
		}
	}
	if path == "" {
		path = "/"
	}
	return method, scheme, authority, path
}

func hasUserAgent(d *request.Data) bool {
	_, ok := d.Header("user-agent")
	return ok
}
