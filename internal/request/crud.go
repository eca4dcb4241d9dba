package request

import (
	"strings"

	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/stats"
)

// CRUD tracks the create/read/update/delete chains of one client. Each chain
// starts with a create response carrying the resource header; the next
// operation is queued only when the previous one has answered successfully.
//
// Requests are correlated by stream id: Submitted records a request under
// its id and Completed consults exactly that entry, so a response can never
// advance a chain it does not belong to.
type CRUD struct {
	header string

	readMethod    string
	updateMethod  string
	deleteMethod  string
	updatePayload []byte
	headers       []Header

	waiting map[uint32]*Data

	toRead   []*Data
	toUpdate []*Data
	toDelete []*Data

	stats *stats.CRUDStats
}

// NewCRUD returns a tracker for cfg, or nil when the workflow is disabled.
// Counters are written to st.
func NewCRUD(cfg *config.Config, st *stats.CRUDStats) *CRUD {
	if !cfg.CRUD.Enabled() {
		return nil
	}
	if st == nil {
		st = &stats.CRUDStats{}
	}
	return &CRUD{
		header:        strings.ToLower(cfg.CRUD.ResourceHeader),
		readMethod:    cfg.CRUD.ReadMethod,
		updateMethod:  cfg.CRUD.UpdateMethod,
		deleteMethod:  cfg.CRUD.DeleteMethod,
		updatePayload: cfg.CRUD.UpdatePayload,
		headers:       parseHeaders(cfg.Headers),
		waiting:       make(map[uint32]*Data),
		stats:         st,
	}
}

// Enabled is nil-safe.
func (c *CRUD) Enabled() bool { return c != nil }

// ResourceHeader is the lowercase response header carrying the identifier.
func (c *CRUD) ResourceHeader() string {
	if c == nil {
		return ""
	}
	return c.header
}

// DecorateCreate marks a base request as the first step of a chain.
func (c *CRUD) DecorateCreate(d *Data) {
	if c == nil || d == nil {
		return
	}
	d.Op = OpCreate
}

// Submitted records d as in flight on stream id.
func (c *CRUD) Submitted(id uint32, d *Data) {
	if c == nil || d == nil || d.Op == OpNone {
		return
	}
	c.waiting[id] = d
}

// Completed settles the request on stream id and queues the next operation
// of its chain. It returns the operation that completed, OpNone when the
// stream was not part of a chain.
func (c *CRUD) Completed(id uint32, resp Response, success bool) Op {
	if c == nil {
		return OpNone
	}
	d, ok := c.waiting[id]
	if !ok {
		return OpNone
	}
	delete(c.waiting, id)

	if !success || !resp.Succeeded() {
		if d.Op != OpCreate {
			c.stats.Failed++
		}
		return d.Op
	}

	switch d.Op {
	case OpCreate:
		uri, ok := resp.Headers[c.header]
		if !ok || strings.TrimSpace(uri) == "" {
			return d.Op
		}
		path, ok := pathFromURI(uri, d.Path)
		if !ok {
			return d.Op
		}
		c.stats.Created++
		c.toRead = append(c.toRead, c.follow(d, OpRead, c.readMethod, strings.TrimSpace(uri), path, nil))
	case OpRead:
		c.stats.Read++
		c.toUpdate = append(c.toUpdate, c.follow(d, OpUpdate, c.updateMethod, d.ResourceURI, d.Path, c.updatePayload))
	case OpUpdate:
		c.stats.Updated++
		c.toDelete = append(c.toDelete, c.follow(d, OpDelete, c.deleteMethod, d.ResourceURI, d.Path, nil))
	case OpDelete:
		c.stats.Deleted++
	}
	return d.Op
}

func (c *CRUD) follow(prev *Data, op Op, method, uri, path string, payload []byte) *Data {
	d := &Data{
		Method:        method,
		Scheme:        prev.Scheme,
		Authority:     prev.Authority,
		Path:          path,
		Headers:       cloneHeaders(c.headers),
		ScenarioIndex: prev.ScenarioIndex,
		RequestIndex:  prev.RequestIndex,
		VariableValue: prev.VariableValue,
		Op:            op,
		ResourceURI:   uri,
		Extra:         true,
	}
	d.SetPayload(payload)
	return d
}

// Next pops the next ready follow-up. Chains closest to completion go first
// so resources are released before new ones pile up.
func (c *CRUD) Next() *Data {
	if c == nil {
		return nil
	}
	for _, q := range []*[]*Data{&c.toDelete, &c.toUpdate, &c.toRead} {
		if len(*q) > 0 {
			d := (*q)[0]
			(*q)[0] = nil
			*q = (*q)[1:]
			return d
		}
	}
	return nil
}

// Requeue puts back a follow-up that could not be submitted, ahead of the
// others of its kind.
func (c *CRUD) Requeue(d *Data) {
	if c == nil || d == nil {
		return
	}
	var q *[]*Data
	switch d.Op {
	case OpRead:
		q = &c.toRead
	case OpUpdate:
		q = &c.toUpdate
	case OpDelete:
		q = &c.toDelete
	default:
		return
	}
	*q = append([]*Data{d}, *q...)
}

// Pending is the number of follow-ups ready for submission.
func (c *CRUD) Pending() int {
	if c == nil {
		return 0
	}
	return len(c.toRead) + len(c.toUpdate) + len(c.toDelete)
}

// InFlight is the number of chain requests awaiting a response.
func (c *CRUD) InFlight() int {
	if c == nil {
		return 0
	}
	return len(c.waiting)
}

// AbandonInFlight drops the chain requests awaiting a response, for example
// when their connection is lost. Queued follow-ups are kept. It returns how
// many follow-ups were dropped.
func (c *CRUD) AbandonInFlight() int {
	if c == nil {
		return 0
	}
	n := 0
	for id, d := range c.waiting {
		if d.Op != OpCreate {
			n++
		}
		delete(c.waiting, id)
	}
	c.stats.Aborted += uint64(n)
	return n
}

// Abandon drops every in-flight and queued follow-up, for example when the
// connection is lost. It returns how many follow-ups were dropped.
func (c *CRUD) Abandon() int {
	if c == nil {
		return 0
	}
	n := c.AbandonInFlight() + c.Pending()
	c.stats.Aborted += uint64(c.Pending())
	c.toRead, c.toUpdate, c.toDelete = nil, nil, nil
	return n
}
