package serial

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-bxcan/internal/can"
)

type fakePort struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (p *fakePort) Read(b []byte) (int, error) { return 0, nil }
func (p *fakePort) Close() error               { return nil }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Write(b)
}

func (p *fakePort) contents() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.String()
}

func TestTXWriterEncodesLines(t *testing.T) {
	port := &fakePort{}
	w := NewTXWriter(context.Background(), port, 8)
	defer w.Close()

	frames := []can.Frame{
		{ID: 0x123, Len: 2, Data: [8]byte{0xAB, 0x01}},
		{ID: 0x1ABCDEF | can.FlagExtended, Len: 1, Data: [8]byte{0xFF}},
	}
	for _, f := range frames {
		if err := w.SendFrame(f); err != nil {
			t.Fatalf("SendFrame: %v", err)
		}
	}

	want := "t1232AB01\rT01ABCDEF1FF\r"
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && port.contents() != want {
		time.Sleep(5 * time.Millisecond)
	}
	if got := port.contents(); got != want {
		t.Fatalf("port saw %q, want %q", got, want)
	}
}

func TestTXWriterSkipsUnrepresentable(t *testing.T) {
	port := &fakePort{}
	w := NewTXWriter(context.Background(), port, 8)
	defer w.Close()

	if err := w.SendFrame(can.Frame{ID: 0x1 | can.FlagError}); err != nil {
		t.Fatalf("enqueue must succeed, encoding fails in the worker: %v", err)
	}
	if err := w.SendFrame(can.Frame{ID: 0x777, Len: 1, Data: [8]byte{0x42}}); err != nil {
		t.Fatalf("SendFrame: %v", err)
	}

	want := "t777142\r"
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && port.contents() != want {
		time.Sleep(5 * time.Millisecond)
	}
	if got := port.contents(); got != want {
		t.Fatalf("port saw %q, want only the representable frame %q", got, want)
	}
}
