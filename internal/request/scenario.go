package request

import (
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/script"
)

// PathSource selects where a scenario request takes its path from.
type PathSource string

const (
	PathInput              PathSource = "input"
	PathSameWithLastURI    PathSource = "sameWithLastUri"
	PathFromResponseHeader PathSource = "extractFromLastResponseHeader"
)

// Template is one compiled request template.
type Template struct {
	Method  string
	Source  PathSource
	Path    string
	Header  string // response header carrying the path, for PathFromResponseHeader
	Payload string
	Headers []Header
	// Script is Lua source defining make_request and/or validate_response.
	Script string
}

// Scenario is an ordered chain of templates sharing one variable.
type Scenario struct {
	Name      string
	Templates []Template
	Variable  *Variable
	Slicing   bool
	// Paths replace the first template's path in turn, one per chain.
	Paths []string
}

// Compile turns the configuration into scenarios. Without configured
// scenarios the single request described by the URI, method, headers and
// data file becomes a one-template scenario.
func Compile(cfg *config.Config) []Scenario {
	baseHeaders := parseHeaders(cfg.Headers)

	if len(cfg.Scenarios) == 0 {
		method := cfg.Method
		payload := string(cfg.Payload)
		if cfg.CRUD.Enabled() {
			method = cfg.CRUD.CreateMethod
			if len(cfg.CRUD.CreatePayload) > 0 {
				payload = string(cfg.CRUD.CreatePayload)
			}
		}
		var v *Variable
		if cfg.Variable.Name != "" {
			v = NewVariable(cfg.Variable.Name, cfg.Variable.Start, cfg.Variable.End)
		}
		return []Scenario{{
			Name: "default",
			Templates: []Template{{
				Method:  method,
				Source:  PathInput,
				Path:    cfg.Path,
				Payload: payload,
				Headers: baseHeaders,
			}},
			Variable: v,
			Slicing:  cfg.Variable.Slicing,
			Paths:    slices.Clone(cfg.Paths),
		}}
	}

	out := make([]Scenario, 0, len(cfg.Scenarios))
	for i, s := range cfg.Scenarios {
		sc := Scenario{Name: s.Name, Slicing: s.VariableSlicing}
		if sc.Name == "" {
			sc.Name = "scenario-" + strconv.Itoa(i)
		}
		if s.VariableName != "" {
			sc.Variable = NewVariable(s.VariableName, s.VariableStart, s.VariableEnd)
			sc.Variable.Rows = s.UserIDs
		}
		for _, r := range s.Requests {
			t := Template{
				Method:  strings.ToUpper(r.Method),
				Source:  PathSource(r.Path.Source),
				Path:    r.Path.Input,
				Header:  strings.ToLower(r.Path.HeaderToExtract),
				Payload: r.Payload,
				Headers: append(cloneHeaders(baseHeaders), parseHeaders(r.Headers())...),
				Script:  r.Path.LuaScript,
			}
			if t.Method == "" {
				t.Method = config.DefaultMethod
			}
			if t.Source == "" {
				t.Source = PathInput
			}
			if t.Source == PathFromResponseHeader && t.Header == "" {
				t.Header = strings.ToLower(r.Path.Input)
			}
			sc.Templates = append(sc.Templates, t)
		}
		out = append(out, sc)
	}
	return out
}

func parseHeaders(in []string) []Header {
	out := make([]Header, 0, len(in))
	for _, h := range in {
		name, value, ok := config.SplitHeader(h)
		if !ok {
			continue
		}
		out = append(out, Header{Name: name, Value: value})
	}
	return out
}

// Generator produces one client's requests. It owns per-client variable
// cursors and script interpreters, so it must not be shared between clients.
type Generator struct {
	scheme    string
	authority string
	scenarios []Scenario
	vars      []*Variable
	next      int
	nextPath  int

	hooks    [][]*script.State
	hookErrs uint64
}

// NewGenerator returns a generator for client index i of n. Scenarios with
// range slicing give each client its own part of the variable range; without
// slicing each of several clients starts at a random point of the range.
func NewGenerator(scheme, authority string, scenarios []Scenario, i, n int) *Generator {
	g := &Generator{
		scheme:    scheme,
		authority: authority,
		scenarios: scenarios,
		vars:      make([]*Variable, len(scenarios)),
		hooks:     make([][]*script.State, len(scenarios)),
	}
	for k, s := range scenarios {
		for j, t := range s.Templates {
			if t.Script == "" {
				continue
			}
			if g.hooks[k] == nil {
				g.hooks[k] = make([]*script.State, len(s.Templates))
			}
			// scripts are checked when the configuration is validated
			g.hooks[k][j], _ = script.Load(t.Script)
		}
		if !s.Variable.Enabled() {
			continue
		}
		if s.Slicing {
			g.vars[k] = s.Variable.Slice(i, n)
			continue
		}
		v := s.Variable.Copy()
		if span := v.End - v.Start + 1; n > 1 && span > 0 {
			v.Seek(v.Start + rand.Uint64N(span))
		}
		g.vars[k] = v
	}
	return g
}

// Close releases the script interpreters.
func (g *Generator) Close() {
	for _, hs := range g.hooks {
		for _, h := range hs {
			h.Close()
		}
	}
	g.hooks = nil
}

// Scripted reports whether any template carries a script. Scripts see every
// response header and the response body.
func (g *Generator) Scripted() bool {
	for _, s := range g.scenarios {
		for _, t := range s.Templates {
			if t.Script != "" {
				return true
			}
		}
	}
	return false
}

// HookErrors counts script calls that failed.
func (g *Generator) HookErrors() uint64 { return g.hookErrs }

// WantedHeaders lists the response headers chaining needs.
func (g *Generator) WantedHeaders() []string {
	var out []string
	for _, s := range g.scenarios {
		for _, t := range s.Templates {
			if t.Source == PathFromResponseHeader && t.Header != "" {
				out = append(out, t.Header)
			}
		}
	}
	return out
}

// First starts a new chain on the next scenario, round robin, with the next
// variable value.
func (g *Generator) First() *Data {
	if len(g.scenarios) == 0 {
		return nil
	}
	idx := g.next
	g.next = (g.next + 1) % len(g.scenarios)

	var val uint64
	if v := g.vars[idx]; v != nil {
		val = v.Next()
	}
	s := g.scenarios[idx]
	path := s.Templates[0].Path
	if len(s.Paths) > 0 {
		path = s.Paths[g.nextPath%len(s.Paths)]
		g.nextPath = (g.nextPath + 1) % len(s.Paths)
	}
	d := g.build(idx, 0, val)
	d.Path = g.apply(idx, path, val, 0)
	return d
}

// Follow returns the request that continues prev's chain, if any. The chain
// ends after the last template, when a path cannot be derived from resp, or
// when the template's make_request hook fails.
func (g *Generator) Follow(prev *Data, resp Response) (*Data, bool) {
	if prev == nil || prev.NextRequest == 0 {
		return nil, false
	}
	s := g.scenarios[prev.ScenarioIndex]
	t := s.Templates[prev.NextRequest]
	d := g.build(prev.ScenarioIndex, prev.NextRequest, prev.VariableValue)

	switch t.Source {
	case PathSameWithLastURI:
		d.Path = prev.Path
	case PathFromResponseHeader:
		v, ok := resp.Headers[t.Header]
		if !ok {
			return nil, false
		}
		p, ok := pathFromURI(v, prev.Path)
		if !ok {
			return nil, false
		}
		d.Path = p
	default:
		d.Path = g.apply(prev.ScenarioIndex, t.Path, prev.VariableValue, prev.NextRequest)
	}

	if h := g.hook(d.ScenarioIndex, d.RequestIndex); h.HasMakeRequest() {
		out, err := h.MakeRequest(responseMessage(prev, resp), requestMessage(d))
		if err != nil {
			g.hookErrs++
			return nil, false
		}
		d.fromMessage(out)
	}
	return d, true
}

// Validate runs the validate_response hook of d's template. has is false
// when the template has none.
func (g *Generator) Validate(d *Data, resp Response) (ok, has bool) {
	if g == nil || d == nil {
		return false, false
	}
	h := g.hook(d.ScenarioIndex, d.RequestIndex)
	if !h.HasValidateResponse() {
		return false, false
	}
	ok, err := h.ValidateResponse(responseMessage(d, resp))
	if err != nil {
		g.hookErrs++
	}
	return ok, true
}

func (g *Generator) hook(scenario, index int) *script.State {
	if scenario < 0 || scenario >= len(g.hooks) || index < 0 || index >= len(g.hooks[scenario]) {
		return nil
	}
	return g.hooks[scenario][index]
}

func (g *Generator) build(scenario, index int, val uint64) *Data {
	s := g.scenarios[scenario]
	t := s.Templates[index]
	d := &Data{
		Method:        t.Method,
		Scheme:        g.scheme,
		Authority:     g.authority,
		Headers:       cloneHeaders(t.Headers),
		ScenarioIndex: scenario,
		RequestIndex:  index,
		NextRequest:   (index + 1) % len(s.Templates),
		VariableValue: val,
	}
	d.SetPayload([]byte(g.apply(scenario, t.Payload, val, index)))
	return d
}

func (g *Generator) apply(scenario int, s string, val uint64, req int) string {
	v := g.vars[scenario]
	if v == nil {
		return s
	}
	return v.Apply(s, val, req)
}

// Variable returns the variable cursor of a scenario, nil when it has none.
func (g *Generator) Variable(scenario int) *Variable {
	if scenario < 0 || scenario >= len(g.vars) {
		return nil
	}
	return g.vars[scenario]
}
