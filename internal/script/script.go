// Package script runs the Lua hooks a scenario request may carry:
//
//	make_request(resp_headers, resp_payload, req_headers, req_payload) -> headers, payload
//	validate_response(resp_headers, resp_payload) -> bool
//
// Header tables hold pseudo-headers (:method, :path, :scheme, :authority)
// next to the regular ones. A State is not safe for concurrent use; each
// client owns its own.
package script

import (
	"fmt"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

const (
	makeRequestFn      = "make_request"
	validateResponseFn = "validate_response"
)

// Message is one side of an exchange as the hooks see it.
type Message struct {
	Headers map[string]string
	Payload string
}

// State is a loaded script.
type State struct {
	l          *lua.LState
	makeFn     *lua.LFunction
	validateFn *lua.LFunction
}

// Load runs src and picks up the hook functions it defines.
func Load(src string) (*State, error) {
	L := lua.NewState()
	if err := L.DoString(src); err != nil {
		L.Close()
		return nil, fmt.Errorf("load lua script: %w", err)
	}
	s := &State{l: L}
	if fn, ok := L.GetGlobal(makeRequestFn).(*lua.LFunction); ok {
		s.makeFn = fn
	}
	if fn, ok := L.GetGlobal(validateResponseFn).(*lua.LFunction); ok {
		s.validateFn = fn
	}
	return s, nil
}

// Check reports whether src loads.
func Check(src string) error {
	s, err := Load(src)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}

// HasMakeRequest reports whether the script defines make_request.
func (s *State) HasMakeRequest() bool { return s != nil && s.makeFn != nil }

// HasValidateResponse reports whether the script defines validate_response.
func (s *State) HasValidateResponse() bool { return s != nil && s.validateFn != nil }

// MakeRequest calls make_request. A missing return value leaves that part of
// req unchanged; anything that is neither a table nor a string is an error.
func (s *State) MakeRequest(resp, req Message) (Message, error) {
	out := Message{Headers: req.Headers, Payload: req.Payload}
	if !s.HasMakeRequest() {
		return out, nil
	}
	L := s.l
	top := L.GetTop()
	err := L.CallByParam(lua.P{Fn: s.makeFn, NRet: 2, Protect: true},
		s.table(resp.Headers), lua.LString(resp.Payload),
		s.table(req.Headers), lua.LString(req.Payload))
	if err != nil {
		return out, fmt.Errorf("%s: %w", makeRequestFn, err)
	}
	defer L.SetTop(top)

	for i := top + 1; i <= L.GetTop(); i++ {
		switch v := L.Get(i).(type) {
		case *lua.LNilType:
		case lua.LString:
			out.Payload = string(v)
		case *lua.LTable:
			hs, err := headers(v)
			if err != nil {
				return out, err
			}
			out.Headers = hs
		default:
			return out, fmt.Errorf("%s returned a %s", makeRequestFn, v.Type())
		}
	}
	return out, nil
}

// ValidateResponse calls validate_response. Anything but a boolean result
// counts as a failed validation.
func (s *State) ValidateResponse(resp Message) (bool, error) {
	if !s.HasValidateResponse() {
		return true, nil
	}
	L := s.l
	top := L.GetTop()
	err := L.CallByParam(lua.P{Fn: s.validateFn, NRet: 1, Protect: true},
		s.table(resp.Headers), lua.LString(resp.Payload))
	if err != nil {
		return false, fmt.Errorf("%s: %w", validateResponseFn, err)
	}
	defer L.SetTop(top)

	v, ok := L.Get(-1).(lua.LBool)
	if !ok {
		return false, fmt.Errorf("%s returned a %s", validateResponseFn, L.Get(-1).Type())
	}
	return bool(v), nil
}

// Close releases the interpreter.
func (s *State) Close() {
	if s != nil && s.l != nil {
		s.l.Close()
	}
}

func (s *State) table(hs map[string]string) *lua.LTable {
	t := s.l.CreateTable(0, len(hs))
	// insertion order is what pairs() walks
	keys := make([]string, 0, len(hs))
	for k := range hs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.RawSetString(k, lua.LString(hs[k]))
	}
	return t
}

func headers(t *lua.LTable) (map[string]string, error) {
	out := make(map[string]string)
	var bad lua.LValue
	t.ForEach(func(k, v lua.LValue) {
		ks, kok := k.(lua.LString)
		vs, vok := v.(lua.LString)
		if !kok || !vok {
			bad = k
			return
		}
		out[string(ks)] = string(vs)
	})
	if bad != nil {
		return nil, fmt.Errorf("%s returned a header that is not a string pair: %s", makeRequestFn, bad.String())
	}
	return out, nil
}
