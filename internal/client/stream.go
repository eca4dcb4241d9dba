package client

import (
	"time"

	"github.com/bc-dunia/h2drill/internal/request"
	"github.com/bc-dunia/h2drill/internal/stats"
)

// Stream is one open request/response exchange of a client.
type Stream struct {
	ID   uint32
	Req  *request.Data
	Stat stats.RequestStat

	// statusSuccess is set once a 2xx or 3xx status arrived.
	statusSuccess bool
	headers       map[string]string
	body          []byte
	deadline      time.Time

	// rps streams hold a slot of the per-client rate gate.
	rps bool
}

func newStream(id uint32, d *request.Data, now time.Time, timeout time.Duration) *Stream {
	st := &Stream{
		ID:  id,
		Req: d,
		Stat: stats.RequestStat{
			RequestTime: now,
		},
	}
	if d != nil {
		st.Stat.ScenarioIndex = d.ScenarioIndex
		st.Stat.RequestIndex = d.RequestIndex
	}
	if timeout > 0 {
		st.deadline = now.Add(timeout)
	}
	return st
}

// Extra reports a CRUD follow-up outside the request budget.
func (s *Stream) Extra() bool { return s.Req != nil && s.Req.Extra }

func (s *Stream) expired(now time.Time) bool {
	return !s.deadline.IsZero() && !now.Before(s.deadline)
}

func (s *Stream) response() request.Response {
	return request.Response{Status: s.Stat.Status, Headers: s.headers, Body: s.body}
}

func (s *Stream) setHeader(name, value string) {
	if s.headers == nil {
		s.headers = make(map[string]string, 2)
	}
	s.headers[name] = value
}
