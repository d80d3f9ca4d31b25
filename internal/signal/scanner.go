// Package signal turns raw hardware input into scan events: a barcode
// scanner attached to a serial port, or any line-oriented reader (stdin,
// keyboard-wedge scanners, test fixtures).
package signal

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// maxLine bounds a single barcode; longer garbage is discarded by the scanner.
const maxLine = 256

// ScanHandler receives each accepted barcode.
type ScanHandler func(barcode string)

// Debouncer drops a barcode repeated within the window. Scanners often
// report the same label several times while it sits under the reader.
type Debouncer struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last string
	at   time.Time
}

// NewDebouncer creates a debouncer; a non-positive window disables it.
func NewDebouncer(window time.Duration, now func() time.Time) *Debouncer {
	if now == nil {
		now = time.Now
	}
	return &Debouncer{window: window, now: now}
}

// Allow reports whether barcode should be forwarded.
func (d *Debouncer) Allow(barcode string) bool {
	if d.window <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if barcode == d.last && now.Sub(d.at) < d.window {
		return false
	}
	d.last = barcode
	d.at = now
	return true
}

// LineReader reads barcodes terminated by CR, LF or CRLF.
type LineReader struct {
	debounce *Debouncer
	log      *zap.Logger
}

// NewLineReader creates a reader. debounce may be nil.
func NewLineReader(debounce *Debouncer, logger *zap.Logger) *LineReader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce == nil {
		debounce = NewDebouncer(0, nil)
	}
	return &LineReader{debounce: debounce, log: logger.Named("scanner")}
}

// Run reads r until EOF, a read error or ctx cancellation, passing every
// non-empty, debounced line to handler. When ctx is cancelled and r is an
// io.Closer, r is closed to unblock the pending read.
func (l *LineReader) Run(ctx context.Context, r io.Reader, handler ScanHandler) error {
	if c, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, maxLine), maxLine)
	sc.Split(splitBarcode)

	for sc.Scan() {
		barcode := strings.TrimSpace(sc.Text())
		if barcode == "" {
			continue
		}
		if !l.debounce.Allow(barcode) {
			l.log.Debug("repeated scan dropped", zap.String("barcode", barcode))
			continue
		}
		handler(barcode)
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := sc.Err(); err != nil {
		return eris.Wrap(err, "read scanner input")
	}
	return nil
}

// splitBarcode is bufio.ScanLines extended to accept a bare CR terminator.
func splitBarcode(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		advance = i + 1
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			advance++
		}
		return advance, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
