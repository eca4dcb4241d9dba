package session

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/bc-dunia/h2drill/internal/request"
)

const (
	frameHeaderLen      = 9
	defaultWindow       = 65535
	defaultMaxFrameSize = 16384
	maxStreamID         = 1<<31 - 1
	// advertised to the peer; pushes are refused
	peerPushStreams = 100
)

type h2Stream struct {
	id         uint32
	body       []byte
	sendWindow int64
	consumed   int64
}

type h2Session struct {
	cb   Callbacks
	opts Options
	out  *bytes.Buffer
	in   bytes.Buffer
	fr   *http2.Framer

	enc    *hpack.Encoder
	encBuf bytes.Buffer
	dec    *hpack.Decoder

	streams map[uint32]*h2Stream
	sending []uint32
	nextID  uint32

	peerMaxStreams    uint32
	peerInitialWindow int64
	maxFrameSize      uint32
	connSendWindow    int64

	streamRecvWindow int64
	connRecvWindow   int64
	connConsumed     int64

	// header block being reassembled from HEADERS and CONTINUATION frames
	blockStream    uint32
	block          []byte
	blockEndStream bool
	decStream      uint32
	decompressed   int

	goAway bool
}

func newH2(out *bytes.Buffer, cb Callbacks, opts Options) *h2Session {
	s := &h2Session{
		cb:                cb,
		opts:              opts,
		out:               out,
		streams:           make(map[uint32]*h2Stream),
		nextID:            1,
		peerMaxStreams:    math.MaxUint32,
		peerInitialWindow: defaultWindow,
		maxFrameSize:      defaultMaxFrameSize,
		connSendWindow:    defaultWindow,
		streamRecvWindow:  window(opts.WindowBits),
		connRecvWindow:    window(opts.ConnectionWindowBits),
	}
	s.fr = http2.NewFramer(out, &s.in)
	s.enc = hpack.NewEncoder(&s.encBuf)
	if opts.EncoderHeaderTableSize > 0 {
		s.enc.SetMaxDynamicTableSizeLimit(opts.EncoderHeaderTableSize)
	}
	tableSize := opts.HeaderTableSize
	if tableSize == 0 {
		tableSize = 4096
	}
	s.dec = hpack.NewDecoder(tableSize, s.emit)
	return s
}

func window(bits int) int64 {
	if bits <= 0 {
		return 0
	}
	return int64(1)<<uint(bits) - 1
}

func (s *h2Session) Protocol() string { return ProtoH2 }

func (s *h2Session) OnConnect() {
	s.out.WriteString(http2.ClientPreface)
	settings := []http2.Setting{
		{ID: http2.SettingEnablePush, Val: 0},
		{ID: http2.SettingMaxConcurrentStreams, Val: peerPushStreams},
		{ID: http2.SettingInitialWindowSize, Val: uint32(s.streamRecvWindow)},
	}
	if s.opts.HeaderTableSize != 0 && s.opts.HeaderTableSize != 4096 {
		settings = append(settings, http2.Setting{ID: http2.SettingHeaderTableSize, Val: s.opts.HeaderTableSize})
	}
	_ = s.fr.WriteSettings(settings...)
	if s.connRecvWindow > defaultWindow {
		_ = s.fr.WriteWindowUpdate(0, uint32(s.connRecvWindow-defaultWindow))
	}
}

func (s *h2Session) OnRead(p []byte) error {
	s.in.Write(p)
	for {
		b := s.in.Bytes()
		if len(b) < frameHeaderLen || len(b) < frameHeaderLen+int(frameLength(b)) {
			return nil
		}
		f, err := s.fr.ReadFrame()
		if err != nil {
			return &Error{Proto: ProtoH2, Op: "read frame", Err: fmt.Errorf("%w: %v", ErrProtocol, err)}
		}
		if err := s.handle(f); err != nil {
			return err
		}
	}
}

func (s *h2Session) handle(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		err := f.ForeachSetting(s.applySetting)
		if err != nil {
			return &Error{Proto: ProtoH2, Op: "settings", Err: err}
		}
		_ = s.fr.WriteSettingsAck()
		s.OnWrite()
	case *http2.PingFrame:
		if !f.IsAck() {
			_ = s.fr.WritePing(true, f.Data)
		}
	case *http2.GoAwayFrame:
		s.goAway = true
		for id := range s.streams {
			if id > f.LastStreamID {
				s.closeStream(id, false)
			}
		}
	case *http2.RSTStreamFrame:
		if _, ok := s.streams[f.StreamID]; ok {
			s.closeStream(f.StreamID, false)
		}
	case *http2.HeadersFrame:
		s.blockStream = f.StreamID
		s.block = append(s.block[:0], f.HeaderBlockFragment()...)
		s.blockEndStream = f.StreamEnded()
		if f.HeadersEnded() {
			return s.endBlock()
		}
	case *http2.ContinuationFrame:
		if f.StreamID != s.blockStream {
			return &Error{Proto: ProtoH2, Op: "continuation", Err: ErrProtocol}
		}
		s.block = append(s.block, f.HeaderBlockFragment()...)
		if f.HeadersEnded() {
			return s.endBlock()
		}
	case *http2.DataFrame:
		s.onData(f)
	case *http2.WindowUpdateFrame:
		if f.StreamID == 0 {
			s.connSendWindow += int64(f.Increment)
		} else if st, ok := s.streams[f.StreamID]; ok {
			st.sendWindow += int64(f.Increment)
		}
		s.OnWrite()
	case *http2.PushPromiseFrame:
		// push is disabled in our SETTINGS, so a promise is a protocol error
		return &Error{Proto: ProtoH2, Op: "push promise", Err: ErrProtocol}
	}
	return nil
}

func (s *h2Session) applySetting(st http2.Setting) error {
	switch st.ID {
	case http2.SettingMaxConcurrentStreams:
		s.peerMaxStreams = st.Val
	case http2.SettingInitialWindowSize:
		delta := int64(st.Val) - s.peerInitialWindow
		s.peerInitialWindow = int64(st.Val)
		for _, str := range s.streams {
			str.sendWindow += delta
		}
	case http2.SettingMaxFrameSize:
		s.maxFrameSize = st.Val
	case http2.SettingHeaderTableSize:
		s.enc.SetMaxDynamicTableSize(st.Val)
	}
	return nil
}

func (s *h2Session) endBlock() error {
	id := s.blockStream
	s.decStream = id
	s.decompressed = 0
	if _, err := s.dec.Write(s.block); err != nil {
		return &Error{Proto: ProtoH2, Op: "decode headers", Err: err}
	}
	if err := s.dec.Close(); err != nil {
		return &Error{Proto: ProtoH2, Op: "decode headers", Err: err}
	}
	s.cb.OnHeaderBytes(len(s.block), s.decompressed)
	s.blockStream = 0
	if s.blockEndStream {
		if _, ok := s.streams[id]; ok {
			s.closeStream(id, true)
		}
	}
	return nil
}

// emit is the hpack callback. Headers of streams we no longer track are
// still decoded to keep the dynamic table in sync, then dropped.
func (s *h2Session) emit(f hpack.HeaderField) {
	s.decompressed += len(f.Name) + len(f.Value)
	if _, ok := s.streams[s.decStream]; !ok {
		return
	}
	if f.Name == ":status" {
		code, err := strconv.Atoi(f.Value)
		if err == nil {
			s.cb.OnStatusCode(s.decStream, code)
		}
		return
	}
	if s.opts.wants(f.Name) {
		s.cb.OnHeader(s.decStream, f.Name, f.Value)
	}
}

func (s *h2Session) onData(f *http2.DataFrame) {
	n := int64(f.Header().Length)
	s.connConsumed += n
	if s.connConsumed >= max(1, s.connRecvWindow/2) {
		_ = s.fr.WriteWindowUpdate(0, uint32(s.connConsumed))
		s.connConsumed = 0
	}

	st, ok := s.streams[f.StreamID]
	if !ok {
		return
	}
	if len(f.Data()) > 0 {
		s.cb.OnDataChunk(f.StreamID, f.Data())
	}
	if f.StreamEnded() {
		s.closeStream(f.StreamID, true)
		return
	}
	st.consumed += n
	if st.consumed >= max(1, s.streamRecvWindow/2) {
		_ = s.fr.WriteWindowUpdate(f.StreamID, uint32(st.consumed))
		st.consumed = 0
	}
}

// OnWrite sends as much pending request body as the flow-control windows
// allow.
func (s *h2Session) OnWrite() {
	for progress := true; progress && s.connSendWindow > 0; {
		progress = false
		for i := 0; i < len(s.sending); i++ {
			st, ok := s.streams[s.sending[i]]
			if !ok || len(st.body) == 0 {
				s.sending = append(s.sending[:i], s.sending[i+1:]...)
				i--
				continue
			}
			n := min(int64(len(st.body)), st.sendWindow, s.connSendWindow, int64(s.maxFrameSize))
			if n <= 0 {
				continue
			}
			end := n == int64(len(st.body))
			_ = s.fr.WriteData(st.id, end, st.body[:n])
			st.body = st.body[n:]
			st.sendWindow -= n
			s.connSendWindow -= n
			progress = true
		}
	}
}

func (s *h2Session) OnEOF() {}

func (s *h2Session) Submit(d *request.Data) (uint32, error) {
	if s.goAway || s.nextID > maxStreamID {
		return 0, ErrGoAway
	}
	if len(s.streams) >= s.MaxConcurrentStreams() {
		return 0, ErrAtCapacity
	}

	id := s.nextID
	s.nextID += 2

	method, scheme, authority, path := pseudo(d)
	s.encBuf.Reset()
	s.writeField(":method", method)
	s.writeField(":scheme", scheme)
	s.writeField(":authority", authority)
	s.writeField(":path", path)
	for _, h := range d.Headers {
		if h.Name == "host" || len(h.Name) > 0 && h.Name[0] == ':' || skipHeader(h.Name) {
			continue
		}
		s.writeField(h.Name, h.Value)
	}
	if !hasUserAgent(d) {
		s.writeField("user-agent", UserAgent)
	}
	if len(d.Payload) > 0 {
		s.writeField("content-length", strconv.Itoa(len(d.Payload)))
	}

	block := s.encBuf.Bytes()
	first := block[:min(len(block), int(s.maxFrameSize))]
	rest := block[len(first):]
	_ = s.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      id,
		BlockFragment: first,
		EndStream:     len(d.Payload) == 0,
		EndHeaders:    len(rest) == 0,
	})
	for len(rest) > 0 {
		chunk := rest[:min(len(rest), int(s.maxFrameSize))]
		rest = rest[len(chunk):]
		_ = s.fr.WriteContinuation(id, len(rest) == 0, chunk)
	}

	st := &h2Stream{id: id, sendWindow: s.peerInitialWindow}
	s.streams[id] = st
	s.cb.OnRequestStart(id)
	if len(d.Payload) > 0 {
		st.body = d.Payload
		s.sending = append(s.sending, id)
		s.OnWrite()
	}
	return id, nil
}

func (s *h2Session) writeField(name, value string) {
	_ = s.enc.WriteField(hpack.HeaderField{Name: name, Value: value})
}

func (s *h2Session) Reset(id uint32) {
	if _, ok := s.streams[id]; !ok {
		return
	}
	_ = s.fr.WriteRSTStream(id, http2.ErrCodeCancel)
	s.closeStream(id, false)
}

func (s *h2Session) Terminate() {
	if s.goAway {
		return
	}
	s.goAway = true
	_ = s.fr.WriteGoAway(0, http2.ErrCodeNo, nil)
}

func (s *h2Session) closeStream(id uint32, success bool) {
	delete(s.streams, id)
	s.cb.OnStreamClose(id, success, s.goAway)
}

func (s *h2Session) Active() int { return len(s.streams) }

func (s *h2Session) MaxConcurrentStreams() int {
	limit := s.opts.MaxConcurrentStreams
	if limit <= 0 {
		limit = 1
	}
	if uint64(s.peerMaxStreams) < uint64(limit) {
		return int(s.peerMaxStreams)
	}
	return limit
}

func (s *h2Session) Draining() bool { return s.goAway }

// frameLength reads the payload length from a frame header.
func frameLength(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
