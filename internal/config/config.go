// Package config holds the immutable run configuration: defaults, the
// optional YAML/JSON config file, URI parsing and validation.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bc-dunia/h2drill/internal/script"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errorString("invalid configuration")

type errorString string

func (e errorString) Error() string { return string(e) }

// Duration accepts either a number of seconds or a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if tag := n.ShortTag(); tag == "!!int" || tag == "!!float" {
		secs, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return err
		}
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	return d.Set(n.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ParseDuration reads a bare number as seconds and anything else as a Go
// duration string.
func ParseDuration(s string) (Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return Duration(secs * float64(time.Second)), nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("duration %q: %w", s, err)
	}
	return Duration(v), nil
}

// Set implements the flag value interface.
func (d *Duration) Set(s string) error {
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func (d Duration) String() string { return time.Duration(d).String() }

// Type names the flag value type.
func (d Duration) Type() string { return "duration" }

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// Millis is a Duration whose bare numbers are milliseconds.
type Millis Duration

func (m *Millis) UnmarshalYAML(n *yaml.Node) error {
	if tag := n.ShortTag(); tag == "!!int" || tag == "!!float" {
		ms, err := strconv.ParseFloat(n.Value, 64)
		if err != nil {
			return err
		}
		*m = Millis(ms * float64(time.Millisecond))
		return nil
	}
	return m.Set(n.Value)
}

func (m Millis) MarshalYAML() (interface{}, error) {
	return time.Duration(m).String(), nil
}

// Set implements the flag value interface.
func (m *Millis) Set(s string) error {
	if ms, err := strconv.ParseFloat(s, 64); err == nil {
		*m = Millis(ms * float64(time.Millisecond))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*m = Millis(v)
	return nil
}

func (m Millis) String() string { return time.Duration(m).String() }

// Type names the flag value type.
func (m Millis) Type() string { return "duration" }

// D returns the value as a time.Duration.
func (m Millis) D() time.Duration { return time.Duration(m) }

// PathSchema says where a scenario request takes its path from.
type PathSchema struct {
	// Source is "input", "sameWithLastUri" or "extractFromLastResponseHeader".
	Source          string `yaml:"source" json:"source"`
	Input           string `yaml:"input" json:"input"`
	HeaderToExtract string `yaml:"headerToExtract" json:"headerToExtract"`

	// LuaScript is inline Lua or the name of a file holding it. Finalize
	// replaces a file name with the file's contents.
	LuaScript string `yaml:"luaScript" json:"luaScript"`
}

// RequestSchema is one request template of a scenario.
type RequestSchema struct {
	Path    PathSchema `yaml:"path" json:"path"`
	Method  string     `yaml:"method" json:"method"`
	Payload string     `yaml:"payload" json:"payload"`
	// The misspelled key is what existing config files use.
	AdditonalHeaders  []string `yaml:"additonalHeaders" json:"additonalHeaders"`
	AdditionalHeaders []string `yaml:"additionalHeaders" json:"additionalHeaders"`
}

// Headers returns the additional headers under either spelling.
func (r RequestSchema) Headers() []string {
	out := make([]string, 0, len(r.AdditonalHeaders)+len(r.AdditionalHeaders))
	out = append(out, r.AdditonalHeaders...)
	return append(out, r.AdditionalHeaders...)
}

// ScenarioSchema is an ordered chain of request templates.
type ScenarioSchema struct {
	Name            string          `yaml:"name" json:"name"`
	VariableName    string          `yaml:"variable-name-in-path-and-data" json:"variable-name-in-path-and-data"`
	VariableStart   uint64          `yaml:"variable-range-start" json:"variable-range-start"`
	VariableEnd     uint64          `yaml:"variable-range-end" json:"variable-range-end"`
	VariableSlicing bool            `yaml:"variable-range-slicing" json:"variable-range-slicing"`
	Requests        []RequestSchema `yaml:"requests" json:"requests"`

	// UserIDListFile is a CSV file whose rows replace the variable range.
	UserIDListFile string `yaml:"user-id-list-file" json:"user-id-list-file"`

	// UserIDs holds the rows of UserIDListFile, loaded by Finalize.
	UserIDs [][]string `yaml:"-" json:"-"`
}

// CRUD configures the create/read/update/delete follow-up workflow.
type CRUD struct {
	ResourceHeader string `yaml:"resource-header-name"`
	CreateMethod   string `yaml:"create-method"`
	ReadMethod     string `yaml:"read-method"`
	UpdateMethod   string `yaml:"update-method"`
	DeleteMethod   string `yaml:"delete-method"`
	CreateDataFile string `yaml:"create-data-file"`
	UpdateDataFile string `yaml:"update-data-file"`

	CreatePayload []byte `yaml:"-"`
	UpdatePayload []byte `yaml:"-"`
}

// Enabled reports whether CRUD chaining is configured.
func (c CRUD) Enabled() bool { return c.ResourceHeader != "" }

// Variable is the request variable applied to the URI and payload.
type Variable struct {
	Name    string `yaml:"name"`
	Start   uint64 `yaml:"start"`
	End     uint64 `yaml:"end"`
	Slicing bool   `yaml:"slicing"`
}

// Telemetry selects the OpenTelemetry exporter.
type Telemetry struct {
	Exporter     string  `yaml:"exporter"`
	OTLPEndpoint string  `yaml:"otlp-endpoint"`
	OTLPInsecure bool    `yaml:"otlp-insecure"`
	SampleRate   float64 `yaml:"trace-sample-rate"`
}

// Config is the run configuration. It is built once and only read afterwards.
type Config struct {
	Scheme     string   `yaml:"schema"`
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	Path       string   `yaml:"path"`
	Method     string   `yaml:"method"`
	Headers    []string `yaml:"headers"`
	DataFile   string   `yaml:"data-file"`
	UnixSocket string   `yaml:"unix-socket"`
	ConnectTo  string   `yaml:"connect-to"`

	// InputFile lists request URIs, one per line. BaseURI, a URI or
	// unix:PATH, overrides the scheme, host and port of every request URI.
	InputFile        string `yaml:"input-file"`
	BaseURI          string `yaml:"base-uri"`
	TimingScriptFile string `yaml:"timing-script-file"`

	Requests             uint64 `yaml:"requests"`
	Clients              int    `yaml:"clients"`
	Threads              int    `yaml:"threads"`
	MaxConcurrentStreams int    `yaml:"max-concurrent-streams"`

	WindowBits             int    `yaml:"window-bits"`
	ConnectionWindowBits   int    `yaml:"connection-window-bits"`
	HeaderTableSize        uint32 `yaml:"header-table-size"`
	EncoderHeaderTableSize uint32 `yaml:"encoder-header-table-size"`
	Ciphers                string `yaml:"ciphers"`
	NPNList                string `yaml:"npn-list"`
	NoTLSProto             string `yaml:"no-tls-proto"`
	InsecureSkipVerify     bool   `yaml:"insecure"`
	CAFile                 string `yaml:"ca-file"`

	Rate       int      `yaml:"rate"`
	RatePeriod Duration `yaml:"rate-period"`
	Duration   Duration `yaml:"duration"`
	WarmUpTime Duration `yaml:"warm-up-time"`
	RPS        float64  `yaml:"rps"`
	RPSFile    string   `yaml:"rps-file"`

	ConnectTimeout        Duration `yaml:"connect-timeout"`
	ConnActiveTimeout     Duration `yaml:"connection-active-timeout"`
	ConnInactivityTimeout Duration `yaml:"connection-inactivity-timeout"`
	StreamTimeout         Millis   `yaml:"stream-timeout"`
	ConnectRetries        int      `yaml:"connect-retries"`
	ReconnectDelay        Duration `yaml:"reconnect-delay"`
	ReconnectMaxDelay     Duration `yaml:"reconnect-max-delay"`

	Variable  Variable         `yaml:"variable"`
	CRUD      CRUD             `yaml:"crud"`
	Scenarios []ScenarioSchema `yaml:"scenarios"`

	RequestLog  string    `yaml:"log-file"`
	Output      string    `yaml:"output"`
	Progress    bool      `yaml:"progress"`
	MetricsAddr string    `yaml:"metrics-addr"`
	Verbose     bool      `yaml:"verbose"`
	Telemetry   Telemetry `yaml:"telemetry"`

	// Payload is the contents of DataFile, loaded by Finalize.
	Payload []byte `yaml:"-"`

	// Paths are the request paths taken in turn when more than one URI was
	// given. Timings are the send offsets of a timing script, one per path.
	Paths   []string        `yaml:"-"`
	Timings []time.Duration `yaml:"-"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	return &Config{
		Scheme:                 DefaultScheme,
		Path:                   DefaultPath,
		Method:                 DefaultMethod,
		Requests:               DefaultRequests,
		Clients:                DefaultClients,
		Threads:                DefaultThreads,
		MaxConcurrentStreams:   DefaultMaxConcurrentStreams,
		WindowBits:             DefaultWindowBits,
		ConnectionWindowBits:   DefaultConnectionWindowBits,
		HeaderTableSize:        DefaultHeaderTableSize,
		EncoderHeaderTableSize: DefaultEncoderHeaderTableSize,
		NPNList:                DefaultNPNList,
		NoTLSProto:             DefaultNoTLSProto,
		RatePeriod:             Duration(DefaultRatePeriod),
		StreamTimeout:          Millis(DefaultStreamTimeout),
		ConnectTimeout:         Duration(DefaultConnectTimeout),
		ConnectRetries:         DefaultConnectRetries,
		ReconnectDelay:         Duration(DefaultReconnectInitialDelay),
		ReconnectMaxDelay:      Duration(DefaultReconnectMaxDelay),
		Output:                 "text",
		Telemetry:              Telemetry{Exporter: "none", SampleRate: 1},
		CRUD: CRUD{
			CreateMethod: DefaultCRUDCreateMethod,
			ReadMethod:   DefaultCRUDReadMethod,
			UpdateMethod: DefaultCRUDUpdateMethod,
			DeleteMethod: DefaultCRUDDeleteMethod,
		},
	}
}

// fileConfig is the on-disk form: every Config key plus the key names
// older config files use. Aliases win over the Config keys when both appear.
type fileConfig struct {
	Config `yaml:",inline"`

	TotalRequests       *uint64   `yaml:"total-requests"`
	RequestPerSecond    *float64  `yaml:"request-per-second"`
	ConnInactiveTimeout *Duration `yaml:"connection-inactive-timeout"`
	VariableName        *string   `yaml:"variable-name-in-path-and-data"`
	VariableStart       *uint64   `yaml:"variable-range-start"`
	VariableEnd         *uint64   `yaml:"variable-range-end"`
}

func (f *fileConfig) apply() {
	if f.TotalRequests != nil {
		f.Requests = *f.TotalRequests
	}
	if f.RequestPerSecond != nil {
		f.RPS = *f.RequestPerSecond
	}
	if f.ConnInactiveTimeout != nil {
		f.ConnInactivityTimeout = *f.ConnInactiveTimeout
	}
	if f.VariableName != nil {
		f.Variable.Name = *f.VariableName
	}
	if f.VariableStart != nil {
		f.Variable.Start = *f.VariableStart
	}
	if f.VariableEnd != nil {
		f.Variable.End = *f.VariableEnd
	}
}

// LoadFile decodes a YAML or JSON config file on top of c. Unknown keys are
// an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	f := fileConfig{Config: *c}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	f.apply()
	*c = f.Config
	return nil
}

// SetURI fills scheme, host, port and path from a request URI.
func (c *Config) SetURI(raw string) error {
	return c.SetURIs([]string{raw})
}

// Finalize fills derived values and loads referenced files. It must run
// after every source has been applied and before Validate.
func (c *Config) Finalize() error {
	c.Scheme = strings.ToLower(c.Scheme)
	if c.Port == 0 {
		c.Port = DefaultHTTPPort
		if c.TLS() {
			c.Port = DefaultHTTPSPort
		}
	}
	if c.Path == "" {
		c.Path = DefaultPath
	}
	if c.TimingMode() {
		c.Requests = 0
	}
	if n := uint64(len(c.Timings)); n > 0 && (c.Requests == 0 || c.Requests > n) {
		// every client walks the script once at most
		c.Requests = n
	}
	if c.DataFile != "" {
		b, err := os.ReadFile(c.DataFile)
		if err != nil {
			return fmt.Errorf("read data file: %w", err)
		}
		c.Payload = b
		if c.Method == DefaultMethod {
			c.Method = "POST"
		}
	}
	if c.CRUD.CreateDataFile != "" {
		b, err := os.ReadFile(c.CRUD.CreateDataFile)
		if err != nil {
			return fmt.Errorf("read crud create data file: %w", err)
		}
		c.CRUD.CreatePayload = b
	}
	if c.CRUD.UpdateDataFile != "" {
		b, err := os.ReadFile(c.CRUD.UpdateDataFile)
		if err != nil {
			return fmt.Errorf("read crud update data file: %w", err)
		}
		c.CRUD.UpdatePayload = b
	}
	for i := range c.Scenarios {
		if err := c.Scenarios[i].load(); err != nil {
			return err
		}
	}
	return nil
}

// load reads the user id list and any Lua script given as a file name.
func (s *ScenarioSchema) load() error {
	if s.UserIDListFile != "" {
		rows, err := ReadUserIDs(s.UserIDListFile)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: no user ids in %s", ErrInvalid, s.UserIDListFile)
		}
		s.UserIDs = rows
		s.VariableStart = 0
		s.VariableEnd = uint64(len(rows) - 1)
	}
	for j := range s.Requests {
		p := &s.Requests[j].Path
		if p.LuaScript == "" || strings.ContainsAny(p.LuaScript, "\n(") {
			continue
		}
		if fi, err := os.Stat(p.LuaScript); err == nil && fi.Mode().IsRegular() {
			b, err := os.ReadFile(p.LuaScript)
			if err != nil {
				return fmt.Errorf("read lua script: %w", err)
			}
			p.LuaScript = string(b)
		}
	}
	return nil
}

// Validate checks option combinations.
func (c *Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	switch {
	case c.Host == "" && c.UnixSocket == "":
		return fail("no target host")
	case c.Scheme != "http" && c.Scheme != "https":
		return fail("scheme must be http or https, got %q", c.Scheme)
	case c.Threads < 1:
		return fail("threads must be at least 1")
	case c.Clients < 1:
		return fail("clients must be at least 1")
	case c.Threads > c.Clients:
		return fail("-t, -c: the number of threads must not exceed the clients")
	case c.MaxConcurrentStreams < 1:
		return fail("max concurrent streams must be at least 1")
	case c.WindowBits < 0 || c.WindowBits > MaxWindowBits:
		return fail("window bits must be in [0, %d]", MaxWindowBits)
	case c.ConnectionWindowBits < 0 || c.ConnectionWindowBits > MaxWindowBits:
		return fail("connection window bits must be in [0, %d]", MaxWindowBits)
	case c.TimingMode() && c.RateMode():
		return fail("-r, -D: they are mutually exclusive")
	case !c.TimingMode() && c.Requests == 0:
		return fail("-n: the number of requests must be strictly greater than 0 if timing-based test is not being run")
	case !c.TimingMode() && !c.TimingScript() && c.Requests < uint64(c.Clients):
		return fail("-n, -c: the number of requests must be greater than or equal to the clients")
	case c.WarmUpTime > 0 && !c.TimingMode():
		return fail("--warm-up-time requires -D")
	case c.RateMode() && c.Rate < c.Threads:
		return fail("-r, -t: the connection rate must be greater than or equal to the number of threads")
	case c.RateMode() && c.RatePeriod <= 0:
		return fail("rate period must be positive")
	case c.RPS < 0:
		return fail("--rps must be positive")
	case c.RPS > 0 && 1/c.RPS < 1e-6:
		return fail("--rps is too large")
	case c.Variable.Name != "" && c.Variable.End < c.Variable.Start:
		return fail("variable range end must not be smaller than its start")
	case c.Output != "text" && c.Output != "json" && c.Output != "html":
		return fail("output must be text, json or html")
	case c.TimingScriptFile != "" && !c.TimingScript():
		return fail("--timing-script-file: the script has not been loaded")
	case c.TimingScript() && c.RPSEnabled():
		return fail("--timing-script-file, --rps: they are mutually exclusive")
	case c.TimingScript() && c.TimingMode():
		return fail("--timing-script-file, -D: they are mutually exclusive")
	}

	for i, s := range c.Scenarios {
		if len(s.Requests) == 0 {
			return fail("scenario %d has no requests", i)
		}
		if s.VariableName != "" && s.VariableEnd < s.VariableStart {
			return fail("scenario %d: variable range end must not be smaller than its start", i)
		}
		for j, r := range s.Requests {
			switch r.Path.Source {
			case "", "input", "sameWithLastUri", "extractFromLastResponseHeader":
			default:
				return fail("scenario %d request %d: unknown path source %q", i, j, r.Path.Source)
			}
			if j == 0 && r.Path.Source != "" && r.Path.Source != "input" {
				return fail("scenario %d: the first request must take its path from input", i)
			}
			if r.Path.Source == "extractFromLastResponseHeader" && r.Path.HeaderToExtract == "" && r.Path.Input == "" {
				return fail("scenario %d request %d: no header to extract", i, j)
			}
			if r.Path.LuaScript != "" {
				if err := script.Check(r.Path.LuaScript); err != nil {
					return fail("scenario %d request %d: %v", i, j, err)
				}
			}
		}
	}

	for _, h := range c.Headers {
		if _, _, ok := SplitHeader(h); !ok {
			return fail("bad header %q, want name: value", h)
		}
	}
	if c.ConnectTo != "" {
		if _, _, err := c.DialHostPort(); err != nil {
			return fail("--connect-to: %v", err)
		}
	}
	return nil
}

// TimingMode reports a duration-based run.
func (c *Config) TimingMode() bool { return c.Duration > 0 }

// RateMode reports ramped client creation.
func (c *Config) RateMode() bool { return c.Rate > 0 }

// RPSEnabled reports per-client request rate limiting.
func (c *Config) RPSEnabled() bool { return c.RPS > 0 || c.RPSFile != "" }

// TLS reports whether connections use TLS.
func (c *Config) TLS() bool { return c.Scheme == "https" }

// Authority returns host[:port], omitting the scheme's default port.
func (c *Config) Authority() string {
	host := c.Host
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if (c.Scheme == "http" && c.Port == DefaultHTTPPort) || (c.Scheme == "https" && c.Port == DefaultHTTPSPort) {
		return host
	}
	return host + ":" + strconv.Itoa(c.Port)
}

// URI returns the base URI requests are sent to.
func (c *Config) URI() string {
	if c.UnixSocket != "" && c.Host == "" {
		return "unix:" + c.UnixSocket + c.Path
	}
	return c.Scheme + "://" + c.Authority() + c.Path
}

// DialHostPort returns where to connect, honoring --connect-to.
func (c *Config) DialHostPort() (string, int, error) {
	if c.ConnectTo == "" {
		return c.Host, c.Port, nil
	}
	host, portStr, err := net.SplitHostPort(c.ConnectTo)
	if err != nil {
		// no port given
		return strings.Trim(c.ConnectTo, "[]"), c.Port, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q", portStr)
	}
	return host, port, nil
}

// ALPN returns the protocols offered during the TLS handshake.
func (c *Config) ALPN() []string {
	var out []string
	for _, p := range strings.Split(c.NPNList, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SplitHeader parses "name: value". The name is lowercased.
func SplitHeader(h string) (name, value string, ok bool) {
	// pseudo headers such as ":authority: x" start with a colon
	from := 0
	if strings.HasPrefix(h, ":") {
		from = 1
	}
	i := strings.Index(h[from:], ":")
	if i < 0 {
		return "", "", false
	}
	i += from
	name = strings.ToLower(strings.TrimSpace(h[:i]))
	value = strings.TrimSpace(h[i+1:])
	if name == "" {
		return "", "", false
	}
	return name, value, true
}
