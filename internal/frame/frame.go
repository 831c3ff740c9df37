// SPDX-License-Identifier: MIT

// Package frame implements the fixed-size raw-frame path: FrameReader reads
// 640x480 RGB24 records off the media tool's stdout and offers them to a
// shared, bounded queue; FrameConsumer drains that queue with a single
// worker and applies a user-supplied analysis callback.
//
// Grounded on original_source/app/stream_processor.py's _frame_reader and
// _processing_loop: fixed frame_size = 640*480*3, bounded put with drop on
// full, single consumer with a bounded get and swallowed callback errors.
package frame

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shifty-eyed/camrecd/internal/util"
)

const (
	Width    = 640
	Height   = 480
	Channels = 3
	// Size is the fixed byte length of one raw RGB24 frame record.
	Size = Width * Height * Channels
)

// Frame is one decoded fixed-dimension RGB24 image tagged with its source
// camera and arrival time.
type Frame struct {
	CamID   string
	Data    []byte
	Arrival time.Time
}

// DefaultQueueCapacity is the frame queue's default bound (spec.md §5).
const DefaultQueueCapacity = 100

// DefaultOfferTimeout is how long a FrameReader waits before dropping a
// frame it cannot enqueue (spec.md §4.4).
const DefaultOfferTimeout = 500 * time.Millisecond

// DefaultDequeueTimeout is how long FrameConsumer waits on an empty queue
// before re-checking cancellation (spec.md §4.5).
const DefaultDequeueTimeout = time.Second

// Reader reads fixed-size frame records from one camera's child-process
// stdout and offers them to a shared queue, dropping on backpressure.
type Reader struct {
	camID        string
	offerTimeout time.Duration
	logger       *slog.Logger
	drops        atomic.Int64
}

// NewReader constructs a Reader for camID with the default 500ms offer
// timeout.
func NewReader(camID string, logger *slog.Logger) *Reader {
	return &Reader{camID: camID, offerTimeout: DefaultOfferTimeout, logger: logger}
}

// Drops returns the number of frames dropped due to a full queue.
func (fr *Reader) Drops() int64 { return fr.drops.Load() }

// Run reads fixed Size-byte records from r until EOF or a short read, and
// offers each decoded Frame to queue with a bounded wait. It returns once r
// is exhausted or ctx is cancelled.
func (fr *Reader) Run(ctx context.Context, r io.Reader, queue chan<- Frame) {
	buf := make([]byte, Size)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := io.ReadFull(r, buf)
		if err != nil {
			if n == 0 {
				// Stream ended cleanly.
				return
			}
			if fr.logger != nil {
				fr.logger.Warn("frame reader short read", "camera", fr.camID, "bytes", n, "want", Size)
			}
			return
		}

		data := make([]byte, Size)
		copy(data, buf)
		f := Frame{CamID: fr.camID, Data: data, Arrival: time.Now()}

		timer := time.NewTimer(fr.offerTimeout)
		select {
		case queue <- f:
			timer.Stop()
		case <-timer.C:
			fr.drops.Add(1)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// AnalysisFunc is the user-supplied analysis callback invoked by Consumer.
// A nil AnalysisFunc is a no-op.
type AnalysisFunc func(Frame) error

// Consumer is the single worker draining the shared frame queue.
type Consumer struct {
	queue          <-chan Frame
	callback       AnalysisFunc
	dequeueTimeout time.Duration
	logger         *slog.Logger
}

// NewConsumer constructs a Consumer reading from queue. A nil callback is
// replaced with a no-op.
func NewConsumer(queue <-chan Frame, callback AnalysisFunc, logger *slog.Logger) *Consumer {
	if callback == nil {
		callback = func(Frame) error { return nil }
	}
	return &Consumer{queue: queue, callback: callback, dequeueTimeout: DefaultDequeueTimeout, logger: logger}
}

// Name identifies the consumer to the supervision tree (internal/supervisor.Service).
func (c *Consumer) Name() string { return "frame-consumer" }

// Run dequeues one frame at a time with a bounded wait, invoking the
// analysis callback for each. Callback errors are logged and swallowed;
// they never stop the consumer. Returns nil when ctx is cancelled
// (internal/supervisor.Service).
func (c *Consumer) Run(ctx context.Context) error {
	for {
		timer := time.NewTimer(c.dequeueTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case f := <-c.queue:
			timer.Stop()
			c.invoke(f)
		case <-timer.C:
		}
	}
}

// invoke runs the analysis callback through util.RecoverToPanic so a panic
// inside the user-supplied callback becomes an error instead of crashing the
// single consumer goroutine (spec.md §4.5).
func (c *Consumer) invoke(f Frame) {
	if err := util.RecoverToPanic(func() error { return c.callback(f) }); err != nil && c.logger != nil {
		c.logger.Error("frame analysis callback failed", "camera", f.CamID, "error", err)
	}
}
