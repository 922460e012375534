package confine

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
)

// probe counts how often it is dropped.
type probe struct {
	id    int
	drops *atomic.Int32
}

func newProbe(id int) probe {
	return probe{id: id, drops: new(atomic.Int32)}
}

func (p probe) Drop() {
	p.drops.Add(1)
}

// onOther runs fn on a fresh goroutine, waits for it and returns whatever
// it panicked with.
func onOther(fn func()) (recovered any) {
	done := make(chan any, 1)
	go func() {
		defer func() { done <- recover() }()
		fn()
	}()
	return <-done
}

// syncBuffer is a bytes.Buffer safe for the report writer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureReports redirects violation reports for the duration of the test.
func captureReports(t *testing.T) *syncBuffer {
	t.Helper()
	var buf syncBuffer
	SetReportOutput(&buf)
	t.Cleanup(func() { SetReportOutput(nil) })
	return &buf
}

// withConfig activates cfg for the duration of the test.
func withConfig(t *testing.T, cfg Config) {
	t.Helper()
	prev := CurrentConfig()
	if err := Configure(cfg); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	t.Cleanup(func() { _ = Configure(prev) })
}
