// Package progress reports how fast image bytes are being written to
// the target.
package progress

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krazyimg/imgtool/humanize"
)

// A Reporter periodically prints the write rate and, once a total is
// known, the completion percentage. Writes are counted by wrapping
// the target writer via Writer.
type Reporter struct {
	written uint64
	total   uint64

	mu     sync.Mutex
	status string
}

// Writer returns a writer which forwards to w and counts the written
// bytes towards this reporter.
func (p *Reporter) Writer(w io.Writer) io.Writer {
	return &countingWriter{p: p, w: w}
}

type countingWriter struct {
	p *Reporter
	w io.Writer
}

func (cw *countingWriter) Write(b []byte) (n int, err error) {
	n, err = cw.w.Write(b)
	atomic.AddUint64(&cw.p.written, uint64(n))
	return n, err
}

func (p *Reporter) SetStatus(status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

func (p *Reporter) SetTotal(total uint64) {
	atomic.StoreUint64(&p.total, total)
}

func (p *Reporter) getStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Reporter) Report(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	last := atomic.LoadUint64(&p.written)
	for {
		select {
		case <-ticker.C:
			written := atomic.LoadUint64(&p.written)
			bytesPerS := written - last
			last = written
			rate := humanize.BPS(bytesPerS)
			status := rate
			if total := atomic.LoadUint64(&p.total); total > 0 {
				pct := float64(written) / float64(total) * 100
				status = fmt.Sprintf("%02.2f%% of %s, writing at %s",
					pct,
					humanize.Bytes(total),
					rate)
			}
			fmt.Printf("\r[%s] %s                 ", p.getStatus(), status)
		case <-ctx.Done():
			return
		}
	}
}
