package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tokenScript = `
function make_request(resp_headers, resp_payload, req_headers, req_payload)
  req_headers["authorization"] = "Bearer " .. resp_headers["x-token"]
  req_headers[":path"] = "/orders/" .. string.match(resp_payload, '"id":"(%w+)"')
  return req_headers, '{"from":"' .. resp_headers[":status"] .. '"}'
end

function validate_response(resp_headers, resp_payload)
  return resp_headers[":status"] == "200" and resp_payload ~= ""
end
`

func TestMakeRequest(t *testing.T) {
	s, err := Load(tokenScript)
	require.NoError(t, err)
	defer s.Close()
	require.True(t, s.HasMakeRequest())
	require.True(t, s.HasValidateResponse())

	out, err := s.MakeRequest(
		Message{Headers: map[string]string{":status": "201", "x-token": "abc"}, Payload: `{"id":"o42"}`},
		Message{Headers: map[string]string{":method": "GET", ":path": "/orders/x"}, Payload: ""},
	)
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", out.Headers["authorization"])
	assert.Equal(t, "/orders/o42", out.Headers[":path"])
	assert.Equal(t, "GET", out.Headers[":method"])
	assert.Equal(t, `{"from":"201"}`, out.Payload)
}

func TestValidateResponse(t *testing.T) {
	s, err := Load(tokenScript)
	require.NoError(t, err)
	defer s.Close()

	ok, err := s.ValidateResponse(Message{Headers: map[string]string{":status": "200"}, Payload: "x"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ValidateResponse(Message{Headers: map[string]string{":status": "200"}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHookErrors(t *testing.T) {
	_, err := Load("function broken(")
	assert.Error(t, err)
	assert.Error(t, Check("return +"))
	assert.NoError(t, Check("x = 1"))

	s, err := Load(`
function make_request() return 42 end
function validate_response() return "yes" end
`)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.MakeRequest(Message{}, Message{})
	assert.ErrorContains(t, err, "make_request returned a number")

	ok, err := s.ValidateResponse(Message{})
	assert.Error(t, err)
	assert.False(t, ok)

	s2, err := Load(`function make_request() error("no token") end`)
	require.NoError(t, err)
	defer s2.Close()
	_, err = s2.MakeRequest(Message{}, Message{})
	assert.ErrorContains(t, err, "no token")
}

func TestScriptWithoutHooks(t *testing.T) {
	s, err := Load("x = 1")
	require.NoError(t, err)
	defer s.Close()

	assert.False(t, s.HasMakeRequest())
	req := Message{Headers: map[string]string{"a": "b"}, Payload: "p"}
	out, err := s.MakeRequest(Message{}, req)
	require.NoError(t, err)
	assert.Equal(t, req, out)

	ok, err := s.ValidateResponse(Message{})
	require.NoError(t, err)
	assert.True(t, ok)
}
