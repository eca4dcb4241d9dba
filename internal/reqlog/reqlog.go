// Package reqlog appends one line per completed request to a log file:
//
//	<request start, unix us>\t<status or -1>\t<latency us>\n
//
// Workers hand records over through a buffered channel and a single
// goroutine formats and writes them, so no event loop ever blocks on disk.
// A path ending in ".gz" is written gzip-compressed.
package reqlog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/gzip"
)

const (
	defaultBufferSize    = 65536
	defaultFlushInterval = time.Second
)

type record struct {
	start   time.Time
	status  int
	latency time.Duration
}

// Writer is an asynchronous request log. It implements client.RequestLogger.
type Writer struct {
	records chan record
	done    chan struct{}
	closing sync.Once

	file io.Closer
	gz   *gzip.Writer
	bw   *bufio.Writer

	flushInterval time.Duration
	err           error

	written atomic.Int64
	dropped atomic.Int64
}

// Option configures a Writer.
type Option func(*Writer)

// WithFlushInterval sets how often buffered lines reach the file.
func WithFlushInterval(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.flushInterval = d
		}
	}
}

// WithBufferSize sets how many records may be queued before new ones are
// dropped.
func WithBufferSize(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.records = make(chan record, n)
		}
	}
}

// Open creates or appends to path.
func Open(path string, opts ...Option) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open request log: %w", err)
	}
	w := newWriter(f, f, strings.HasSuffix(path, ".gz"), opts...)
	return w, nil
}

// New writes to out. Close does not close out.
func New(out io.Writer, compress bool, opts ...Option) *Writer {
	return newWriter(out, nil, compress, opts...)
}

func newWriter(out io.Writer, file io.Closer, compress bool, opts ...Option) *Writer {
	w := &Writer{
		records:       make(chan record, defaultBufferSize),
		done:          make(chan struct{}),
		file:          file,
		flushInterval: defaultFlushInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	if compress {
		w.gz = gzip.NewWriter(out)
		out = w.gz
	}
	w.bw = bufio.NewWriterSize(out, 64<<10)

	go w.run()
	return w
}

// Log queues one record. status < 0 marks a failed request. It never blocks;
// when the queue is full the record is dropped and counted.
func (w *Writer) Log(start time.Time, status int, latency time.Duration) {
	select {
	case w.records <- record{start: start, status: status, latency: latency}:
	default:
		w.dropped.Add(1)
	}
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	line := make([]byte, 0, 64)
	for {
		select {
		case rec, ok := <-w.records:
			if !ok {
				w.setErr(w.bw.Flush())
				return
			}
			line = appendRecord(line[:0], rec)
			if _, err := w.bw.Write(line); err != nil {
				w.setErr(err)
				continue
			}
			w.written.Add(1)
		case <-ticker.C:
			w.setErr(w.bw.Flush())
		}
	}
}

func appendRecord(b []byte, rec record) []byte {
	b = strconv.AppendInt(b, rec.start.UnixMicro(), 10)
	b = append(b, '\t')
	if rec.status < 0 {
		b = append(b, '-', '1')
	} else {
		b = strconv.AppendInt(b, int64(rec.status), 10)
	}
	b = append(b, '\t')
	b = strconv.AppendInt(b, rec.latency.Microseconds(), 10)
	return append(b, '\n')
}

// setErr keeps the first write error. Only the run goroutine calls it.
func (w *Writer) setErr(err error) {
	if err != nil && w.err == nil {
		w.err = err
	}
}

// Close drains queued records, flushes and closes the file. Log must not
// be called concurrently with or after Close.
func (w *Writer) Close() error {
	w.closing.Do(func() {
		close(w.records)
		<-w.done
		if w.gz != nil {
			w.setErr(w.gz.Close())
		}
		if w.file != nil {
			w.setErr(w.file.Close())
		}
	})
	return w.err
}

// Stats returns how many records were written and dropped.
func (w *Writer) Stats() (written, dropped int64) {
	return w.written.Load(), w.dropped.Load()
}
