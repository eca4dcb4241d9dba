package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/stats"
)

func TestVariableWrapsAndPads(t *testing.T) {
	v := NewVariable("$id", 8, 10)
	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, v.Format(v.Next()))
	}
	assert.Equal(t, []string{"08", "09", "10", "08", "09"}, got)
	assert.Equal(t, "/items/09?x=09", v.Apply("/items/$id?x=$id", 9, 0))
}

func TestVariableUserIDRows(t *testing.T) {
	v := NewVariable("$u", 0, 1)
	v.Rows = [][]string{{"alice", "alice-2"}, {"bob"}}

	assert.Equal(t, "/u/alice", v.Apply("/u/$u", 0, 0))
	assert.Equal(t, "/u/alice-2", v.Apply("/u/$u", 0, 1), "column per request index")
	assert.Equal(t, "/u/bob", v.Apply("/u/$u", 1, 1), "short rows fall back to the first column")

	s := v.Slice(1, 2)
	assert.Equal(t, uint64(1), s.Start)
	assert.Equal(t, "bob", s.Value(1, 0), "slices keep the rows")
}

func TestGeneratorRandomStartWithoutSlicing(t *testing.T) {
	cfg := config.Default()
	cfg.Path = "/v/$v"
	cfg.Variable = config.Variable{Name: "$v", Start: 100, End: 199}
	scs := Compile(cfg)

	starts := map[uint64]bool{}
	for i := 0; i < 20; i++ {
		g := NewGenerator("http", "h", scs, i, 20)
		d := g.First()
		require.GreaterOrEqual(t, d.VariableValue, uint64(100))
		require.LessOrEqual(t, d.VariableValue, uint64(199))
		starts[d.VariableValue] = true
	}
	assert.Greater(t, len(starts), 1, "clients do not all start at the same value")

	g := NewGenerator("http", "h", scs, 0, 1)
	assert.Equal(t, uint64(100), g.First().VariableValue, "a single client starts at the range start")
}

func TestGeneratorCyclesPaths(t *testing.T) {
	cfg := config.Default()
	cfg.Paths = []string{"/a", "/b?q=1", "/c"}
	g := NewGenerator("http", "h", Compile(cfg), 0, 1)

	var got []string
	for i := 0; i < 4; i++ {
		got = append(got, g.First().Path)
	}
	assert.Equal(t, []string{"/a", "/b?q=1", "/c", "/a"}, got)
}

func TestVariableSlice(t *testing.T) {
	v := NewVariable("$id", 0, 9)

	tests := []struct {
		i, n       int
		start, end uint64
	}{
		{0, 3, 0, 3},
		{1, 3, 4, 6},
		{2, 3, 7, 9},
		{0, 1, 0, 9},
	}
	for _, tt := range tests {
		s := v.Slice(tt.i, tt.n)
		assert.Equal(t, tt.start, s.Start, "client %d/%d", tt.i, tt.n)
		assert.Equal(t, tt.end, s.End, "client %d/%d", tt.i, tt.n)
	}

	small := NewVariable("$id", 0, 1).Slice(3, 5)
	assert.Equal(t, uint64(0), small.Start)
	assert.Equal(t, uint64(1), small.End)
}

func TestSetPayloadRewritesContentLength(t *testing.T) {
	d := &Data{Headers: []Header{{Name: "content-length", Value: "99"}, {Name: "x-a", Value: "1"}}}
	d.SetPayload([]byte("hello"))

	v, ok := d.Header("content-length")
	require.True(t, ok)
	assert.Equal(t, "5", v)
	assert.Len(t, d.Headers, 2)

	d.SetPayload(nil)
	_, ok = d.Header("content-length")
	assert.False(t, ok)
}

func TestPathFromURI(t *testing.T) {
	tests := []struct {
		uri, base, want string
		ok              bool
	}{
		{"http://h:8080/res/1?a=b", "/res", "/res/1?a=b", true},
		{"/other/2", "/res", "/other/2", true},
		{"3", "/res/", "/res/3", true},
		{"  ", "/res", "", false},
	}
	for _, tt := range tests {
		got, ok := pathFromURI(tt.uri, tt.base)
		assert.Equal(t, tt.ok, ok, tt.uri)
		assert.Equal(t, tt.want, got, tt.uri)
	}
}

func scenarioConfig() *config.Config {
	cfg := config.Default()
	cfg.Headers = []string{"x-base: 1"}
	cfg.Scenarios = []config.ScenarioSchema{{
		Name:          "users",
		VariableName:  "$n",
		VariableStart: 1,
		VariableEnd:   3,
		Requests: []config.RequestSchema{
			{Method: "post", Path: config.PathSchema{Source: "input", Input: "/users"}, Payload: `{"n":$n}`},
			{Method: "get", Path: config.PathSchema{Source: "extractFromLastResponseHeader", HeaderToExtract: "Location"}},
			{Method: "delete", Path: config.PathSchema{Source: "sameWithLastUri"}},
		},
	}}
	return cfg
}

func TestGeneratorChainsScenario(t *testing.T) {
	scs := Compile(scenarioConfig())
	require.Len(t, scs, 1)
	g := NewGenerator("http", "h:80", scs, 0, 1)
	assert.Equal(t, []string{"location"}, g.WantedHeaders())

	first := g.First()
	require.NotNil(t, first)
	assert.Equal(t, "POST", first.Method)
	assert.Equal(t, "/users", first.Path)
	assert.Equal(t, `{"n":1}`, string(first.Payload))
	assert.Equal(t, 1, first.NextRequest)
	v, _ := first.Header("x-base")
	assert.Equal(t, "1", v)

	second, ok := g.Follow(first, Response{Status: 201, Headers: map[string]string{"location": "http://h/users/1"}})
	require.True(t, ok)
	assert.Equal(t, "GET", second.Method)
	assert.Equal(t, "/users/1", second.Path)

	third, ok := g.Follow(second, Response{Status: 200})
	require.True(t, ok)
	assert.Equal(t, "DELETE", third.Method)
	assert.Equal(t, "/users/1", third.Path)
	assert.Equal(t, 0, third.NextRequest)

	_, ok = g.Follow(third, Response{Status: 200})
	assert.False(t, ok, "chain ends after the last template")

	next := g.First()
	assert.Equal(t, `{"n":2}`, string(next.Payload))
}

func TestGeneratorMissingHeaderAbortsChain(t *testing.T) {
	g := NewGenerator("http", "h", Compile(scenarioConfig()), 0, 1)
	first := g.First()
	_, ok := g.Follow(first, Response{Status: 201, Headers: map[string]string{}})
	assert.False(t, ok)
}

func scriptedConfig() *config.Config {
	cfg := config.Default()
	cfg.Scenarios = []config.ScenarioSchema{{
		Name: "login",
		Requests: []config.RequestSchema{
			{Method: "post", Path: config.PathSchema{Input: "/login"}, Payload: `{"user":"u"}`},
			{Method: "get", Path: config.PathSchema{Input: "/orders", LuaScript: `
function make_request(resp_headers, resp_payload, req_headers, req_payload)
  if resp_headers[":status"] ~= "200" then error("login failed") end
  req_headers["authorization"] = "Bearer " .. resp_payload
  req_headers[":path"] = req_headers[":path"] .. "?from=" .. resp_headers[":path"]
  return req_headers, "{}"
end

function validate_response(resp_headers, resp_payload)
  return resp_headers["x-ok"] == "yes"
end
`}},
		},
	}}
	return cfg
}

func TestGeneratorRunsScriptHooks(t *testing.T) {
	g := NewGenerator("http", "h", Compile(scriptedConfig()), 0, 1)
	defer g.Close()
	require.True(t, g.Scripted())

	first := g.First()
	next, ok := g.Follow(first, Response{Status: 200, Body: []byte("tok")})
	require.True(t, ok)
	assert.Equal(t, "GET", next.Method)
	assert.Equal(t, "/orders?from=/login", next.Path)
	v, _ := next.Header("authorization")
	assert.Equal(t, "Bearer tok", v)
	assert.Equal(t, "{}", string(next.Payload))
	cl, _ := next.Header("content-length")
	assert.Equal(t, "2", cl)

	ok, has := g.Validate(next, Response{Status: 200, Headers: map[string]string{"x-ok": "yes"}})
	assert.True(t, has)
	assert.True(t, ok)
	ok, _ = g.Validate(next, Response{Status: 200})
	assert.False(t, ok)
	_, has = g.Validate(first, Response{Status: 200})
	assert.False(t, has, "the first template has no script")

	_, ok = g.Follow(first, Response{Status: 500})
	assert.False(t, ok, "a failing hook ends the chain")
	assert.Equal(t, uint64(1), g.HookErrors())
}

func TestCompileDefaultScenario(t *testing.T) {
	cfg := config.Default()
	cfg.Path = "/x/$v"
	cfg.Variable = config.Variable{Name: "$v", Start: 0, End: 99}
	scs := Compile(cfg)
	require.Len(t, scs, 1)

	g := NewGenerator("https", "h:443", scs, 0, 1)
	d := g.First()
	assert.Equal(t, "GET", d.Method)
	assert.Equal(t, "/x/00", d.Path)
	assert.Equal(t, 0, d.NextRequest)
	assert.Equal(t, "/x/01", g.First().Path)
}

func crudConfig() *config.Config {
	cfg := config.Default()
	cfg.Path = "/res"
	cfg.CRUD.ResourceHeader = "X-Resource"
	cfg.CRUD.UpdatePayload = []byte(`{"v":2}`)
	return cfg
}

func TestCRUDOrdering(t *testing.T) {
	cfg := crudConfig()
	st := &stats.CRUDStats{}
	c := NewCRUD(cfg, st)
	require.True(t, c.Enabled())

	create := &Data{Method: "POST", Path: "/res"}
	c.DecorateCreate(create)
	c.Submitted(1, create)
	assert.Nil(t, c.Next(), "nothing is ready before the create response")

	op := c.Completed(1, Response{Status: 201, Headers: map[string]string{"x-resource": "/res/X"}}, true)
	assert.Equal(t, OpCreate, op)

	var issued []Op
	id := uint32(3)
	for {
		d := c.Next()
		if d == nil {
			break
		}
		assert.Equal(t, "/res/X", d.Path)
		assert.Equal(t, "/res/X", d.ResourceURI)
		assert.True(t, d.Extra)
		assert.Nil(t, c.Next(), "the next operation waits for this response")
		issued = append(issued, d.Op)
		c.Submitted(id, d)
		c.Completed(id, Response{Status: 200}, true)
		id += 2
	}
	assert.Equal(t, []Op{OpRead, OpUpdate, OpDelete}, issued)
	assert.Equal(t, stats.CRUDStats{Created: 1, Read: 1, Updated: 1, Deleted: 1}, *st)
	assert.Equal(t, 0, c.InFlight())
}

func TestCRUDUpdateCarriesPayload(t *testing.T) {
	c := NewCRUD(crudConfig(), nil)
	create := &Data{Op: OpCreate, Path: "/res"}
	c.Submitted(1, create)
	c.Completed(1, Response{Status: 201, Headers: map[string]string{"x-resource": "7"}}, true)

	read := c.Next()
	assert.Equal(t, "/res/7", read.Path)
	c.Submitted(3, read)
	c.Completed(3, Response{Status: 200}, true)

	update := c.Next()
	require.NotNil(t, update)
	assert.Equal(t, "PATCH", update.Method)
	assert.Equal(t, `{"v":2}`, string(update.Payload))
	v, _ := update.Header("content-length")
	assert.Equal(t, "7", v)
}

func TestCRUDFailureStopsChain(t *testing.T) {
	st := &stats.CRUDStats{}
	c := NewCRUD(crudConfig(), st)

	c.Submitted(1, &Data{Op: OpCreate})
	c.Completed(1, Response{Status: 201}, true)
	assert.Equal(t, 0, c.Pending(), "create without the resource header starts no chain")

	c.Submitted(3, &Data{Op: OpCreate})
	c.Completed(3, Response{Status: 201, Headers: map[string]string{"x-resource": "/r/1"}}, true)
	read := c.Next()
	c.Submitted(5, read)
	c.Completed(5, Response{Status: 404}, true)
	assert.Nil(t, c.Next())
	assert.Equal(t, uint64(1), st.Failed)

	assert.Equal(t, OpNone, c.Completed(99, Response{Status: 200}, true), "unknown stream ids are ignored")
}

func TestCRUDAbandon(t *testing.T) {
	st := &stats.CRUDStats{}
	c := NewCRUD(crudConfig(), st)
	for i := uint32(1); i <= 3; i += 2 {
		c.Submitted(i, &Data{Op: OpCreate})
		c.Completed(i, Response{Status: 201, Headers: map[string]string{"x-resource": "/r"}}, true)
	}
	c.Submitted(5, c.Next())
	c.Submitted(7, &Data{Op: OpCreate})

	assert.Equal(t, 2, c.Abandon())
	assert.Equal(t, uint64(2), st.Aborted)
	assert.Equal(t, 0, c.Pending())
	assert.Equal(t, 0, c.InFlight())
}

func TestCRUDAbandonInFlightKeepsQueued(t *testing.T) {
	st := &stats.CRUDStats{}
	c := NewCRUD(crudConfig(), st)
	for i := uint32(1); i <= 3; i += 2 {
		c.Submitted(i, &Data{Op: OpCreate})
		c.Completed(i, Response{Status: 201, Headers: map[string]string{"x-resource": "/r"}}, true)
	}
	c.Submitted(5, c.Next())

	assert.Equal(t, 1, c.AbandonInFlight())
	assert.Equal(t, uint64(1), st.Aborted)
	assert.Equal(t, 0, c.InFlight())
	require.Equal(t, 1, c.Pending(), "the second chain waits for a new connection")
	assert.Equal(t, OpRead, c.Next().Op)
}

func TestCRUDDisabled(t *testing.T) {
	c := NewCRUD(config.Default(), nil)
	assert.False(t, c.Enabled())
	assert.Nil(t, c.Next())
	assert.Equal(t, OpNone, c.Completed(1, Response{}, true))
	c.DecorateCreate(&Data{})
}
