// Package request builds concrete requests from templates: variable
// substitution, scenario chaining across responses and the CRUD follow-up
// workflow.
package request

import (
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/bc-dunia/h2drill/internal/script"
)

// Header is one request header. Names are kept lowercase.
type Header struct {
	Name  string
	Value string
}

// Op marks a request's role in the CRUD workflow.
type Op int

const (
	OpNone Op = iota
	OpCreate
	OpRead
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpRead:
		return "read"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "none"
	}
}

// Data is one concrete request ready for submission.
type Data struct {
	Method    string
	Scheme    string
	Authority string
	Path      string
	Headers   []Header
	Payload   []byte

	ScenarioIndex int
	RequestIndex  int
	// NextRequest is the template index to issue after this one completes,
	// or zero when the scenario chain ends here.
	NextRequest   int
	VariableValue uint64

	Op          Op
	ResourceURI string
	// Extra requests are issued on top of the request budget.
	Extra bool
}

// Header returns the value of the named header, if present.
func (d *Data) Header(name string) (string, bool) {
	for _, h := range d.Headers {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// SetPayload replaces the body and rewrites content-length to match it.
func (d *Data) SetPayload(p []byte) {
	d.Payload = p
	hs := d.Headers[:0]
	for _, h := range d.Headers {
		if h.Name != "content-length" {
			hs = append(hs, h)
		}
	}
	d.Headers = hs
	if len(p) > 0 {
		d.Headers = append(d.Headers, Header{Name: "content-length", Value: strconv.Itoa(len(p))})
	}
}

// Response is what a finished stream reports back for chaining. Body is
// only kept when a script needs it.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// Succeeded reports a 2xx or 3xx status.
func (r Response) Succeeded() bool {
	return r.Status >= 200 && r.Status < 400
}

// pathFromURI returns the request path for a URI taken from a response
// header. Absolute URIs contribute their path and query; relative ones are
// used as they are, and a bare identifier is appended to base.
func pathFromURI(uri, base string) (string, bool) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return "", false
	}
	if strings.Contains(uri, "://") {
		u, err := url.Parse(uri)
		if err != nil {
			return "", false
		}
		return u.RequestURI(), true
	}
	if strings.HasPrefix(uri, "/") {
		return uri, true
	}
	return strings.TrimRight(base, "/") + "/" + uri, true
}

// requestMessage is d as a script sees it: pseudo-headers first, then the
// regular headers except content-length.
func requestMessage(d *Data) script.Message {
	hs := make(map[string]string, len(d.Headers)+4)
	hs[":method"] = d.Method
	hs[":path"] = d.Path
	hs[":scheme"] = d.Scheme
	hs[":authority"] = d.Authority
	for _, h := range d.Headers {
		if h.Name != "content-length" {
			hs[h.Name] = h.Value
		}
	}
	return script.Message{Headers: hs, Payload: string(d.Payload)}
}

// responseMessage is the response to req: its headers, :status and the
// request line of req.
func responseMessage(req *Data, resp Response) script.Message {
	hs := make(map[string]string, len(resp.Headers)+5)
	hs[":method"] = req.Method
	hs[":path"] = req.Path
	hs[":scheme"] = req.Scheme
	hs[":authority"] = req.Authority
	for k, v := range resp.Headers {
		hs[k] = v
	}
	hs[":status"] = strconv.Itoa(resp.Status)
	return script.Message{Headers: hs, Payload: string(resp.Body)}
}

// fromMessage takes over what a make_request hook returned. Pseudo-headers
// set the request line; missing ones keep the current value.
func (d *Data) fromMessage(m script.Message) {
	names := make([]string, 0, len(m.Headers))
	for k := range m.Headers {
		names = append(names, k)
	}
	sort.Strings(names)

	hs := make([]Header, 0, len(names))
	for _, k := range names {
		v := m.Headers[k]
		switch name := strings.ToLower(k); name {
		case ":method":
			if v != "" {
				d.Method = v
			}
		case ":path":
			if v != "" {
				d.Path = v
			}
		case ":scheme":
			if v != "" {
				d.Scheme = v
			}
		case ":authority":
			if v != "" {
				d.Authority = v
			}
		case "content-length":
		default:
			hs = append(hs, Header{Name: name, Value: v})
		}
	}
	d.Headers = hs
	d.SetPayload([]byte(m.Payload))
}

func cloneHeaders(hs []Header) []Header {
	out := make([]Header, len(hs), len(hs)+1)
	copy(out, hs)
	return out
}
