package pipeline

import (
	"bytes"
	"io"
	"sync"
)

// lineWriter is shared by every step of a run. Each step writes through
// its own prefixed view so concurrent output stays line-atomic.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLineWriter(w io.Writer) *lineWriter {
	if w == nil {
		return nil
	}
	return &lineWriter{w: w}
}

func (lw *lineWriter) prefixed(prefix string) *prefixWriter {
	if lw == nil {
		return nil
	}
	return &prefixWriter{out: lw, prefix: []byte(prefix)}
}

func (lw *lineWriter) writeLine(prefix, line []byte) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, _ = lw.w.Write(prefix)
	_, _ = lw.w.Write(line)
}

type prefixWriter struct {
	out    *lineWriter
	prefix []byte
	buf    []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		p.out.writeLine(p.prefix, p.buf[:i+1])
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

// Flush writes a trailing partial line.
func (p *prefixWriter) Flush() {
	if p == nil || len(p.buf) == 0 {
		return
	}
	p.out.writeLine(p.prefix, append(p.buf, '\n'))
	p.buf = nil
}

// asWriter keeps a nil *prefixWriter from becoming a non-nil io.Writer.
func asWriter(p *prefixWriter) io.Writer {
	if p == nil {
		return nil
	}
	return p
}
