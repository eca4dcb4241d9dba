// Package main provides the h2drill CLI binary, an HTTP/2 and HTTP/1.1
// load generator.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bc-dunia/h2drill/internal/config"
	"github.com/bc-dunia/h2drill/internal/events"
	"github.com/bc-dunia/h2drill/internal/report"
	"github.com/bc-dunia/h2drill/internal/runner"
)

var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, _ := newRootCmd(os.Stdout, os.Stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// rootOptions holds the flag values. flags is a Config the flags write into;
// only the flags that were set are copied over the file configuration.
type rootOptions struct {
	configFile     string
	sysmonInterval time.Duration
	flags          *config.Config
}

func newRootCmd(stdout, stderr io.Writer) (*cobra.Command, *rootOptions) {
	o := &rootOptions{flags: config.Default(), sysmonInterval: time.Second}

	cmd := &cobra.Command{
		Use:   "h2drill [flags] <URI>...",
		Short: "HTTP/2 and HTTP/1.1 load generator",
		Long: `h2drill opens a number of client connections to a target and issues
requests over them, then prints an h2load style summary.

Examples:
  h2drill -n 10000 -c 100 -m 10 https://localhost:8443/
  h2drill -D 30 --warm-up-time 5 -c 50 --rps 20 http://localhost:8080/items
  h2drill --config-file run.yaml -o json
  h2drill -c 4 --timing-script-file script.tsv -B https://localhost:8443`,
		Version:       version,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.config(cmd.Flags(), args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, o.sysmonInterval, stdout, stderr)
		},
	}
	o.bindFlags(cmd.Flags())
	return cmd, o
}

func (o *rootOptions) bindFlags(fs *pflag.FlagSet) {
	f := o.flags
	fs.StringVar(&o.configFile, "config-file", "", "YAML or JSON run configuration; flags that are set take precedence")
	fs.DurationVar(&o.sysmonInterval, "sysmon-interval", o.sysmonInterval, "host sampling period, 0 disables sampling")

	fs.Uint64VarP(&f.Requests, "requests", "n", f.Requests, "number of requests across all clients")
	fs.IntVarP(&f.Clients, "clients", "c", f.Clients, "number of concurrent clients")
	fs.IntVarP(&f.Threads, "threads", "t", f.Threads, "number of worker threads")
	fs.IntVarP(&f.MaxConcurrentStreams, "max-concurrent-streams", "m", f.MaxConcurrentStreams, "max concurrent streams per connection")
	fs.IntVarP(&f.WindowBits, "window-bits", "w", f.WindowBits, "stream window size is 2**N-1")
	fs.IntVarP(&f.ConnectionWindowBits, "connection-window-bits", "W", f.ConnectionWindowBits, "connection window size is 2**N-1")
	fs.StringArrayVarP(&f.Headers, "header", "H", nil, "add or override a request header, name: value")
	fs.StringVar(&f.Method, "method", f.Method, "request method")
	fs.StringVarP(&f.DataFile, "data", "d", "", "post the contents of this file; the method becomes POST")

	fs.IntVarP(&f.Rate, "rate", "r", 0, "clients started per rate period")
	fs.Var(&f.RatePeriod, "rate-period", "period between client starts with --rate")
	fs.VarP(&f.Duration, "duration", "D", "main measurement duration; switches to a timed run")
	fs.Var(&f.WarmUpTime, "warm-up-time", "warm-up time before measurement in a timed run")
	fs.Float64Var(&f.RPS, "rps", 0, "requests per second per client")
	fs.StringVar(&f.RPSFile, "rps-file", "", "file holding the rps value, re-read while running")

	fs.VarP(&f.ConnActiveTimeout, "connection-active-timeout", "T", "close a connection after this time")
	fs.VarP(&f.ConnInactivityTimeout, "connection-inactivity-timeout", "N", "close a connection idle for this long")
	fs.Var(&f.StreamTimeout, "stream-timeout", "reset streams older than this; a bare number is milliseconds")
	fs.Var(&f.ConnectTimeout, "connect-timeout", "dial and handshake timeout")
	fs.IntVar(&f.ConnectRetries, "connect-retries", f.ConnectRetries, "reconnect attempts after a connection failure")
	fs.Var(&f.ReconnectDelay, "reconnect-delay", "initial reconnect backoff")
	fs.Var(&f.ReconnectMaxDelay, "reconnect-max-delay", "maximum reconnect backoff")

	fs.StringVar(&f.Ciphers, "ciphers", "", "TLS 1.2 cipher list, OpenSSL or IANA names")
	fs.StringVar(&f.NPNList, "npn-list", f.NPNList, "ALPN protocols offered, comma separated")
	fs.StringVar(&f.NoTLSProto, "no-tls-proto", f.NoTLSProto, "protocol for plain-text connections: h2c or http/1.1")
	fs.BoolVarP(&f.InsecureSkipVerify, "insecure", "k", false, "skip certificate verification")
	fs.StringVar(&f.CAFile, "ca-file", "", "PEM bundle of trusted roots")
	fs.Uint32Var(&f.HeaderTableSize, "header-table-size", f.HeaderTableSize, "HPACK decoder table size")
	fs.Uint32Var(&f.EncoderHeaderTableSize, "encoder-header-table-size", f.EncoderHeaderTableSize, "HPACK encoder table size")
	fs.StringVar(&f.ConnectTo, "connect-to", "", "dial host[:port] instead of the URI authority")
	fs.StringVar(&f.UnixSocket, "unix-socket", "", "dial this unix socket")
	fs.StringVarP(&f.InputFile, "input-file", "i", "", "file of request URIs, one per line, used in turn; - reads stdin")
	fs.StringVarP(&f.BaseURI, "base-uri", "B", "", "URI or unix:PATH whose scheme, host and port every request uses")
	fs.StringVar(&f.TimingScriptFile, "timing-script-file", "", "file of <offset ms>\\t<URI> lines each client sends on schedule; - reads stdin")

	fs.StringVar(&f.Variable.Name, "variable-name", "", "placeholder replaced in the path and payload")
	fs.Uint64Var(&f.Variable.Start, "variable-range-start", 0, "first variable value")
	fs.Uint64Var(&f.Variable.End, "variable-range-end", 0, "last variable value")
	fs.BoolVar(&f.Variable.Slicing, "variable-range-slicing", false, "give each client its own slice of the range")

	fs.StringVar(&f.CRUD.ResourceHeader, "crud-resource-header", "", "response header naming a created resource, enables CRUD follow-ups")
	fs.StringVar(&f.CRUD.CreateMethod, "crud-create-method", f.CRUD.CreateMethod, "method that creates a resource")
	fs.StringVar(&f.CRUD.ReadMethod, "crud-read-method", f.CRUD.ReadMethod, "method that reads a resource")
	fs.StringVar(&f.CRUD.UpdateMethod, "crud-update-method", f.CRUD.UpdateMethod, "method that updates a resource")
	fs.StringVar(&f.CRUD.DeleteMethod, "crud-delete-method", f.CRUD.DeleteMethod, "method that deletes a resource")
	fs.StringVar(&f.CRUD.CreateDataFile, "crud-create-data", "", "payload file for create requests")
	fs.StringVar(&f.CRUD.UpdateDataFile, "crud-update-data", "", "payload file for update requests")

	fs.StringVar(&f.RequestLog, "log-file", "", "write one line per request; a .gz name compresses")
	fs.StringVarP(&f.Output, "output", "o", f.Output, "summary format: text, json or html")
	fs.BoolVar(&f.Progress, "progress", false, "print a progress line every second (default on in timed and rps runs)")
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	fs.BoolVarP(&f.Verbose, "verbose", "v", false, "debug logging")

	fs.StringVar(&f.Telemetry.Exporter, "otel-exporter", f.Telemetry.Exporter, "OpenTelemetry exporter: none, stdout, otlp-grpc or otlp-http")
	fs.StringVar(&f.Telemetry.OTLPEndpoint, "otlp-endpoint", "", "OTLP collector endpoint")
	fs.BoolVar(&f.Telemetry.OTLPInsecure, "otlp-insecure", false, "plain-text OTLP")
	fs.Float64Var(&f.Telemetry.SampleRate, "trace-sample-rate", f.Telemetry.SampleRate, "fraction of connection spans sampled")
}

// overlay copies one flag's value from src to dst.
var overlay = map[string]func(dst, src *config.Config){
	"requests":                      func(d, s *config.Config) { d.Requests = s.Requests },
	"clients":                       func(d, s *config.Config) { d.Clients = s.Clients },
	"threads":                       func(d, s *config.Config) { d.Threads = s.Threads },
	"max-concurrent-streams":        func(d, s *config.Config) { d.MaxConcurrentStreams = s.MaxConcurrentStreams },
	"window-bits":                   func(d, s *config.Config) { d.WindowBits = s.WindowBits },
	"connection-window-bits":        func(d, s *config.Config) { d.ConnectionWindowBits = s.ConnectionWindowBits },
	"header":                        func(d, s *config.Config) { d.Headers = append(d.Headers, s.Headers...) },
	"method":                        func(d, s *config.Config) { d.Method = s.Method },
	"data":                          func(d, s *config.Config) { d.DataFile = s.DataFile },
	"rate":                          func(d, s *config.Config) { d.Rate = s.Rate },
	"rate-period":                   func(d, s *config.Config) { d.RatePeriod = s.RatePeriod },
	"duration":                      func(d, s *config.Config) { d.Duration = s.Duration },
	"warm-up-time":                  func(d, s *config.Config) { d.WarmUpTime = s.WarmUpTime },
	"rps":                           func(d, s *config.Config) { d.RPS = s.RPS },
	"rps-file":                      func(d, s *config.Config) { d.RPSFile = s.RPSFile },
	"connection-active-timeout":     func(d, s *config.Config) { d.ConnActiveTimeout = s.ConnActiveTimeout },
	"connection-inactivity-timeout": func(d, s *config.Config) { d.ConnInactivityTimeout = s.ConnInactivityTimeout },
	"stream-timeout":                func(d, s *config.Config) { d.StreamTimeout = s.StreamTimeout },
	"connect-timeout":               func(d, s *config.Config) { d.ConnectTimeout = s.ConnectTimeout },
	"connect-retries":               func(d, s *config.Config) { d.ConnectRetries = s.ConnectRetries },
	"reconnect-delay":               func(d, s *config.Config) { d.ReconnectDelay = s.ReconnectDelay },
	"reconnect-max-delay":           func(d, s *config.Config) { d.ReconnectMaxDelay = s.ReconnectMaxDelay },
	"ciphers":                       func(d, s *config.Config) { d.Ciphers = s.Ciphers },
	"npn-list":                      func(d, s *config.Config) { d.NPNList = s.NPNList },
	"no-tls-proto":                  func(d, s *config.Config) { d.NoTLSProto = s.NoTLSProto },
	"insecure":                      func(d, s *config.Config) { d.InsecureSkipVerify = s.InsecureSkipVerify },
	"ca-file":                       func(d, s *config.Config) { d.CAFile = s.CAFile },
	"header-table-size":             func(d, s *config.Config) { d.HeaderTableSize = s.HeaderTableSize },
	"encoder-header-table-size":     func(d, s *config.Config) { d.EncoderHeaderTableSize = s.EncoderHeaderTableSize },
	"connect-to":                    func(d, s *config.Config) { d.ConnectTo = s.ConnectTo },
	"unix-socket":                   func(d, s *config.Config) { d.UnixSocket = s.UnixSocket },
	"input-file":                    func(d, s *config.Config) { d.InputFile = s.InputFile },
	"base-uri":                      func(d, s *config.Config) { d.BaseURI = s.BaseURI },
	"timing-script-file":            func(d, s *config.Config) { d.TimingScriptFile = s.TimingScriptFile },
	"variable-name":                 func(d, s *config.Config) { d.Variable.Name = s.Variable.Name },
	"variable-range-start":          func(d, s *config.Config) { d.Variable.Start = s.Variable.Start },
	"variable-range-end":            func(d, s *config.Config) { d.Variable.End = s.Variable.End },
	"variable-range-slicing":        func(d, s *config.Config) { d.Variable.Slicing = s.Variable.Slicing },
	"crud-resource-header":          func(d, s *config.Config) { d.CRUD.ResourceHeader = s.CRUD.ResourceHeader },
	"crud-create-method":            func(d, s *config.Config) { d.CRUD.CreateMethod = s.CRUD.CreateMethod },
	"crud-read-method":              func(d, s *config.Config) { d.CRUD.ReadMethod = s.CRUD.ReadMethod },
	"crud-update-method":            func(d, s *config.Config) { d.CRUD.UpdateMethod = s.CRUD.UpdateMethod },
	"crud-delete-method":            func(d, s *config.Config) { d.CRUD.DeleteMethod = s.CRUD.DeleteMethod },
	"crud-create-data":              func(d, s *config.Config) { d.CRUD.CreateDataFile = s.CRUD.CreateDataFile },
	"crud-update-data":              func(d, s *config.Config) { d.CRUD.UpdateDataFile = s.CRUD.UpdateDataFile },
	"log-file":                      func(d, s *config.Config) { d.RequestLog = s.RequestLog },
	"output":                        func(d, s *config.Config) { d.Output = s.Output },
	"progress":                      func(d, s *config.Config) { d.Progress = s.Progress },
	"metrics-addr":                  func(d, s *config.Config) { d.MetricsAddr = s.MetricsAddr },
	"verbose":                       func(d, s *config.Config) { d.Verbose = s.Verbose },
	"otel-exporter":                 func(d, s *config.Config) { d.Telemetry.Exporter = s.Telemetry.Exporter },
	"otlp-endpoint":                 func(d, s *config.Config) { d.Telemetry.OTLPEndpoint = s.Telemetry.OTLPEndpoint },
	"otlp-insecure":                 func(d, s *config.Config) { d.Telemetry.OTLPInsecure = s.Telemetry.OTLPInsecure },
	"trace-sample-rate":             func(d, s *config.Config) { d.Telemetry.SampleRate = s.Telemetry.SampleRate },
}

// config merges defaults, the config file, the flags that were set and the
// URIs, then finalizes and validates the result.
func (o *rootOptions) config(fs *pflag.FlagSet, args []string, stdin io.Reader) (*config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		if err := cfg.LoadFile(o.configFile); err != nil {
			return nil, err
		}
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := overlay[f.Name]; ok {
			apply(cfg, o.flags)
		}
	})
	if err := cfg.ResolveTargets(args, stdin); err != nil {
		return nil, err
	}
	if cfg.TimingScriptFile != "" && !fs.Changed("requests") && cfg.Requests == config.DefaultRequests {
		// without -n each client sends the whole script
		cfg.Requests = 0
	}
	if !fs.Changed("progress") && (cfg.Duration > 0 || cfg.RPS > 0 || cfg.RPSFile != "") {
		cfg.Progress = true
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, cfg *config.Config, sysmonInterval time.Duration, stdout, stderr io.Writer) error {
	runID := uuid.NewString()
	ev := events.NewEventLoggerWithWriter(runID, "main", stderr, cfg.Verbose)
	events.SetGlobalEventLogger(ev)

	tel, err := setupTelemetry(ctx, cfg, runID)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			ev.LogConfigWarning("otel-exporter", err.Error())
		}
	}()

	// progress lines would corrupt a machine-readable summary
	console := stdout
	if cfg.Output != "text" {
		console = stderr
	}

	r := runner.New(runner.Options{
		RunID:          runID,
		Config:         cfg,
		Stdout:         console,
		Events:         ev,
		Metrics:        tel.metrics,
		Tracer:         tel.tracer,
		SysmonInterval: sysmonInterval,
	})
	summary, err := r.Run(ctx)
	if summary != nil {
		if werr := report.Write(stdout, cfg.Output, summary); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
