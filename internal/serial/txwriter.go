package serial

import (
	"context"
	"errors"

	"github.com/kstaniek/go-bxcan/internal/can"
	"github.com/kstaniek/go-bxcan/internal/logging"
	"github.com/kstaniek/go-bxcan/internal/metrics"
	"github.com/kstaniek/go-bxcan/internal/slcan"
	"github.com/kstaniek/go-bxcan/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all serial writes through one goroutine, encoding each
// frame as an SLCAN line. Frames without an SLCAN representation are counted
// and skipped rather than wedging the line.
type TXWriter struct{ base *transport.AsyncTx }

var _ transport.FrameSink = (*TXWriter)(nil)

// NewTXWriter creates a serial TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, sp Port, buf int) *TXWriter {
	var codec slcan.Codec
	send := func(fr can.Frame) error {
		line, err := codec.Encode(fr)
		if err != nil {
			return err
		}
		_, err = sp.Write(line)
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("slcan_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSlcanTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendFrame queues a frame for asynchronous write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) SendFrame(fr can.Frame) error { return w.base.SendFrame(fr) }

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }
