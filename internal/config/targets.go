package config

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ResolveTargets applies the request URIs. A timing script or an input file
// takes the place of args; the file name "-" reads stdin. BaseURI, when set,
// then overrides the scheme, host and port.
func (c *Config) ResolveTargets(args []string, stdin io.Reader) error {
	uris := args
	switch {
	case c.TimingScriptFile != "":
		err := withInput(c.TimingScriptFile, stdin, func(r io.Reader) error {
			var err error
			c.Timings, uris, err = ReadTimingScript(r)
			return err
		})
		if err != nil {
			return err
		}
		if len(uris) == 0 {
			return fmt.Errorf("%w: timing script %s has no entries", ErrInvalid, c.TimingScriptFile)
		}
	case c.InputFile != "":
		err := withInput(c.InputFile, stdin, func(r io.Reader) error {
			var err error
			uris, err = ReadURIs(r)
			return err
		})
		if err != nil {
			return err
		}
		if len(uris) == 0 {
			return fmt.Errorf("%w: input file %s holds no URI", ErrInvalid, c.InputFile)
		}
	}
	if len(uris) > 0 {
		if err := c.SetURIs(uris); err != nil {
			return err
		}
	}
	if c.BaseURI != "" {
		return c.applyBaseURI()
	}
	return nil
}

// SetURIs takes the scheme, host and port from the first URI and a request
// path from every URI, used in order. Later URIs may be bare paths, and so
// may the first one when a base URI is configured.
func (c *Config) SetURIs(uris []string) error {
	if len(uris) == 0 {
		return fmt.Errorf("%w: no URI given", ErrInvalid)
	}
	paths := make([]string, 0, len(uris))
	for i, raw := range uris {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("%w: uri %q: %v", ErrInvalid, raw, err)
		}
		if i == 0 {
			switch {
			case u.IsAbs():
				if err := c.setOrigin(u, raw); err != nil {
					return err
				}
			case c.BaseURI == "":
				return fmt.Errorf("%w: uri %q: scheme must be http or https", ErrInvalid, raw)
			}
		}
		paths = append(paths, u.RequestURI())
	}
	c.Path = paths[0]
	c.Paths = nil
	if len(paths) > 1 || len(c.Timings) > 0 {
		c.Paths = paths
	}
	return nil
}

func (c *Config) setOrigin(u *url.URL, raw string) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: uri %q: scheme must be http or https", ErrInvalid, raw)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: uri %q: missing host", ErrInvalid, raw)
	}
	c.Scheme = u.Scheme
	c.Host = strings.ToLower(u.Hostname())
	c.Port = 0
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("%w: uri %q: bad port", ErrInvalid, raw)
		}
		c.Port = port
	}
	return nil
}

// applyBaseURI overrides the origin. A unix: base keeps the scheme of the
// request URIs and dials the socket.
func (c *Config) applyBaseURI() error {
	if path, ok := strings.CutPrefix(c.BaseURI, "unix:"); ok {
		if path == "" {
			return fmt.Errorf("%w: --base-uri: empty unix socket path", ErrInvalid)
		}
		c.UnixSocket = path
		return nil
	}
	u, err := url.Parse(c.BaseURI)
	if err != nil {
		return fmt.Errorf("%w: --base-uri %q: %v", ErrInvalid, c.BaseURI, err)
	}
	return c.setOrigin(u, c.BaseURI)
}

// TimingScript reports a run driven by a timing script.
func (c *Config) TimingScript() bool { return len(c.Timings) > 0 }

// ReadTimingScript parses "<offset ms>\t<URI>" lines. Empty lines are
// skipped.
func ReadTimingScript(r io.Reader) ([]time.Duration, []string, error) {
	var (
		timings []time.Duration
		uris    []string
	)
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		offset, uri, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, nil, fmt.Errorf("%w: timing script line %d: no tab character", ErrInvalid, n)
		}
		ms, err := strconv.ParseFloat(strings.TrimSpace(offset), 64)
		if err != nil || ms < 0 || math.IsInf(ms, 0) || math.IsNaN(ms) {
			return nil, nil, fmt.Errorf("%w: timing script line %d: bad time value %q", ErrInvalid, n, offset)
		}
		timings = append(timings, time.Duration(ms*float64(time.Millisecond)))
		uris = append(uris, uri)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read timing script: %w", err)
	}
	return timings, uris, nil
}

// ReadURIs returns the non-empty lines of r.
func ReadURIs(r io.Reader) ([]string, error) {
	var uris []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if l := strings.TrimSpace(sc.Text()); l != "" {
			uris = append(uris, l)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input file: %w", err)
	}
	return uris, nil
}

// ReadUserIDs loads a user id list: one CSV row per variable value, one
// column per scenario request.
func ReadUserIDs(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read user id list: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse user id list %s: %w", path, err)
	}
	return rows, nil
}

func withInput(name string, stdin io.Reader, fn func(io.Reader) error) error {
	if name == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		return fn(stdin)
	}
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("%w: cannot read input file: %v", ErrInvalid, err)
	}
	defer f.Close()
	return fn(f)
}
