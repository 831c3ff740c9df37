// SPDX-License-Identifier: MIT

// Package pipeline owns one ChildProcess, one LogRing, one SegmentTracker,
// and optionally one FrameReader for a single configured camera, driving its
// startup, steady-state, and teardown.
//
// Grounded on the teacher repo's internal/stream/manager.go Manager, with
// its restart loop removed: spec.md §9 calls the source's restart logic
// "vestigial" and deliberately excludes it from the core. Run blocks until
// its context is cancelled even after the child process fails, so a
// supervisor backed by github.com/thejerf/suture/v4 never restarts a failed
// pipeline (see internal/supervisor).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shifty-eyed/camrecd/internal/childproc"
	"github.com/shifty-eyed/camrecd/internal/config"
	"github.com/shifty-eyed/camrecd/internal/frame"
	"github.com/shifty-eyed/camrecd/internal/logring"
	"github.com/shifty-eyed/camrecd/internal/mover"
	"github.com/shifty-eyed/camrecd/internal/segment"
)

// State is the camera pipeline's lifecycle state (spec.md §3).
type State int

const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// readerJoinTimeout bounds how long teardown waits for reader goroutines to
// notice cancellation before giving up (spec.md §4.6 step 4).
const readerJoinTimeout = 2 * time.Second

// Config bundles everything a Pipeline needs beyond the camera's own spec.
type Config struct {
	Camera     config.CameraSpec
	ScratchDir string
	FFmpegPath string
	Logger     *slog.Logger

	// HandoffCh is the shared, multi-producer mover queue.
	HandoffCh chan<- mover.Handoff
	// FrameQueue is the shared, multi-producer frame queue. May be nil when
	// no camera in the supervisor enables detection.
	FrameQueue chan<- frame.Frame
}

// Pipeline is one camera's capture lifecycle.
type Pipeline struct {
	cfg Config

	ring        *logring.Ring
	tracker     *segment.Tracker
	frameReader *frame.Reader

	state atomic.Value // State

	mu       sync.Mutex
	proc     *childproc.Process
	lastErr  error
	attempts int

	teardownOnce sync.Once
	cancelWork   context.CancelFunc
	workersDone  sync.WaitGroup
}

// New constructs a Pipeline for one camera.
func New(cfg Config) *Pipeline {
	p := &Pipeline{
		cfg:  cfg,
		ring: logring.New(logring.DefaultCapacity),
	}
	p.tracker = segment.New(cfg.Camera.ID, p.ring, cfg.Logger)
	if cfg.Camera.DetectionInterval > 0 {
		p.frameReader = frame.NewReader(cfg.Camera.ID, cfg.Logger)
	}
	p.state.Store(StateStarting)
	return p
}

// Name identifies the pipeline to the supervision tree; it is the camera's
// id (internal/supervisor.Service).
func (p *Pipeline) Name() string { return p.cfg.Camera.ID }

// State returns the pipeline's current lifecycle state.
func (p *Pipeline) State() State {
	return p.state.Load().(State)
}

// LastError returns the most recently recorded failure, if any.
func (p *Pipeline) LastError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// LogSnapshot returns the camera's retained log lines.
func (p *Pipeline) LogSnapshot() []string {
	return p.ring.Snapshot()
}

// DropCount returns the number of frames dropped by this camera's reader.
func (p *Pipeline) DropCount() int64 {
	if p.frameReader == nil {
		return 0
	}
	return p.frameReader.Drops()
}

func (p *Pipeline) setState(s State) { p.state.Store(s) }

func (p *Pipeline) setErr(err error) {
	p.mu.Lock()
	p.lastErr = err
	p.mu.Unlock()
}

// Run drives the pipeline's full lifecycle: spawn, steady-state, teardown.
// It returns only once ctx is cancelled. A spawn failure or child crash
// transitions the pipeline to Failed/Stopped but does NOT make Run return
// early — the core never auto-restarts a camera pipeline (spec.md §9); a
// restart policy, if wanted, is layered on top by the operator.
func (p *Pipeline) Run(ctx context.Context) error {
	camID := p.cfg.Camera.ID

	if err := os.MkdirAll(p.cfg.ScratchDir, 0o750); err != nil {
		p.setState(StateFailed)
		p.setErr(fmt.Errorf("%w: creating scratch dir: %v", childproc.ErrSpawn, err))
		p.logError("failed to create scratch directory", err)
		<-ctx.Done()
		return ctx.Err()
	}

	args := BuildFFmpegArgs(p.cfg.ScratchDir, p.cfg.Camera)
	p.proc = childproc.New(p.cfg.FFmpegPath, args)

	p.mu.Lock()
	p.attempts++
	p.mu.Unlock()

	// The child is not bound to ctx: cancelling ctx would SIGKILL it before
	// Teardown's graceful Terminate could run and decide the final hand-off.
	if err := p.proc.Spawn(context.Background()); err != nil {
		p.setState(StateFailed)
		p.setErr(err)
		p.logError("failed to spawn child process", err)
		<-ctx.Done()
		return ctx.Err()
	}

	workCtx, cancelWork := context.WithCancel(context.Background())
	p.cancelWork = cancelWork

	p.workersDone.Add(1)
	go func() {
		defer p.workersDone.Done()
		p.tracker.Scan(p.proc.Stderr(), p.cfg.HandoffCh)
	}()

	if p.frameReader != nil && p.cfg.FrameQueue != nil {
		p.workersDone.Add(1)
		go func() {
			defer p.workersDone.Done()
			p.frameReader.Run(workCtx, p.proc.Stdout(), p.cfg.FrameQueue)
		}()
	}

	p.setState(StateRunning)
	if p.cfg.Logger != nil {
		p.cfg.Logger.Info("pipeline running", "camera", camID)
	}

	select {
	case <-ctx.Done():
	case <-p.proc.Done():
		if p.cfg.Logger != nil {
			p.cfg.Logger.Warn("child process exited unexpectedly", "camera", camID)
		}
	}

	p.Teardown()

	<-ctx.Done()
	return ctx.Err()
}

// Teardown drives the pipeline through Draining to Stopped. It is re-entrant
// safe: a second call is a no-op (spec.md §4.6, "Idempotent teardown").
func (p *Pipeline) Teardown() {
	p.teardownOnce.Do(func() {
		p.setState(StateDraining)

		if p.cancelWork != nil {
			p.cancelWork()
		}

		p.proc.Terminate()
		waitErr := p.proc.Wait()

		joined := make(chan struct{})
		go func() {
			p.workersDone.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(readerJoinTimeout):
			if p.cfg.Logger != nil {
				p.cfg.Logger.Warn("reader workers did not join in time", "camera", p.cfg.Camera.ID)
			}
		}

		if waitErr == nil {
			if current := p.tracker.Current(); current != "" && finalSegmentHasContent(current) {
				p.cfg.HandoffCh <- mover.Handoff{CamID: p.cfg.Camera.ID, ScratchPath: current}
			}
		}

		p.setState(StateStopped)
		if p.cfg.Logger != nil {
			p.cfg.Logger.Info("pipeline stopped", "camera", p.cfg.Camera.ID)
		}
	})
}

func finalSegmentHasContent(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

func (p *Pipeline) logError(msg string, err error) {
	if p.cfg.Logger != nil {
		p.cfg.Logger.Error(msg, "camera", p.cfg.Camera.ID, "error", err)
	}
}

// BuildFFmpegArgs constructs the exact argument vector the media tool is
// invoked with (spec.md §4.1), verbatim except for substituted values.
func BuildFFmpegArgs(scratchDir string, cam config.CameraSpec) []string {
	pattern := filepath.Join(scratchDir, cam.ID+"_%Y_%m_%d_%H_%M_%S.mp4")

	args := []string{
		"-rtsp_transport", "tcp",
		"-i", cam.URL,
		"-c:v", "copy",
		"-an",
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%g", cam.SegmentSeconds()),
		"-segment_format", "mp4",
		"-strftime", "1",
		"-reset_timestamps", "1",
		pattern,
	}

	if cam.DetectionInterval > 0 {
		args = append(args,
			"-vf", fmt.Sprintf("select=not(mod(n\\,%d)),scale=%d:%d", cam.DetectionInterval, frame.Width, frame.Height),
			"-vsync", "vfr",
			"-f", "rawvideo",
			"-pix_fmt", "rgb24",
			"pipe:1",
		)
	}

	return args
}
