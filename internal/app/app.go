// SPDX-License-Identifier: MIT

// Package app is the composition root: it wires one CameraPipeline per
// enabled camera plus the process-wide FileMover, FrameConsumer, and
// SpaceEnforcer ticker into a single internal/supervisor.Supervisor, runs
// the scratch-directory leftover sweep on start, and exposes the status and
// log-tail views the optional HTTP surface (internal/httpapi) reads.
//
// Grounded on the teacher repo's cmd/lyrebird-stream/main.go composition
// (build components, hand them to a supervisor, block on Run(ctx)) and on
// internal/stream/manager.go's pipeline-table-under-RWMutex pattern for
// PipelineStatus/LogTail (spec.md §5, "the pipeline table ... a
// reader-writer lock suffices").
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/shifty-eyed/camrecd/internal/config"
	"github.com/shifty-eyed/camrecd/internal/frame"
	"github.com/shifty-eyed/camrecd/internal/mover"
	"github.com/shifty-eyed/camrecd/internal/pipeline"
	"github.com/shifty-eyed/camrecd/internal/spaceenforcer"
	"github.com/shifty-eyed/camrecd/internal/supervisor"
)

// DefaultFFmpegPath is used when Config.FFmpegPath is empty.
const DefaultFFmpegPath = "ffmpeg"

// Config bundles everything App needs beyond the loaded SupervisorSpec.
type Config struct {
	Spec       config.SupervisorSpec
	FFmpegPath string
	Logger     *slog.Logger
	// RunID stamps every structured log line and the status snapshot so an
	// operator can correlate lines across a restart of the whole process.
	RunID string
	// AnalysisFunc is the detection/analysis placeholder callback invoked
	// for every extracted frame; nil is a no-op (spec.md §4.5).
	AnalysisFunc frame.AnalysisFunc
}

// PipelineStatus is one camera's observable health, drawn from
// internal/pipeline.Pipeline plus the supervisor's own restart bookkeeping.
type PipelineStatus struct {
	CamID     string
	State     string
	Attempts  int
	LastError string
	DropCount int64
}

// Status is the supervisor-wide snapshot exposed by the optional HTTP
// surface and logged at shutdown (spec.md §3, "[SUPPLEMENTED] run identity
// and status snapshot").
type Status struct {
	RunID      string
	Pipelines  []PipelineStatus
	QueueDepth int
}

// App owns every long-lived component of one supervisor run.
type App struct {
	cfg Config
	sup *supervisor.Supervisor

	scratchDir string
	archiveDir string

	handoffCh  chan mover.Handoff
	frameQueue chan frame.Frame

	mu        sync.RWMutex
	pipelines map[string]*pipeline.Pipeline
}

// New constructs an App from cfg. It does not start anything; call Run.
func New(cfg Config) *App {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = DefaultFFmpegPath
	}

	a := &App{
		cfg:        cfg,
		scratchDir: cfg.Spec.ScratchDir,
		archiveDir: cfg.Spec.OutputDir,
		handoffCh:  make(chan mover.Handoff, 64),
		pipelines:  make(map[string]*pipeline.Pipeline),
	}

	needsFrames := false
	for _, c := range cfg.Spec.EnabledCameras() {
		if c.DetectionInterval > 0 {
			needsFrames = true
			break
		}
	}
	if needsFrames {
		a.frameQueue = make(chan frame.Frame, frame.DefaultQueueCapacity)
	}

	a.sup = supervisor.New(supervisor.Config{
		Name:   "camrecd",
		Logger: cfg.Logger,
	})

	return a
}

// Run creates the scratch directory, performs the leftover-segment sweep,
// registers every process-wide worker and camera pipeline with the
// supervision tree, and blocks until ctx is cancelled (spec.md §4.9).
func (a *App) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.scratchDir, 0o750); err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}

	enforcer := spaceenforcer.New(a.archiveDir, a.cfg.Spec.MaxOccupiedMiB, a.cfg.Logger)
	m := mover.New(a.archiveDir, a.cfg.Logger)
	m.AfterMove = func() {
		if err := enforcer.Ensure(); err != nil && a.cfg.Logger != nil {
			a.cfg.Logger.Error("space enforcer pass failed", "error", err)
		}
	}

	if err := mover.SweepLeftovers(a.scratchDir, a.handoffCh); err != nil && a.cfg.Logger != nil {
		a.cfg.Logger.Warn("leftover sweep failed", "error", err)
	}

	if err := a.sup.Add(&moverService{m: m, handoffCh: a.handoffCh}); err != nil {
		return err
	}
	if err := a.sup.Add(enforcer); err != nil {
		return err
	}
	if a.frameQueue != nil {
		consumer := frame.NewConsumer(a.frameQueue, a.cfg.AnalysisFunc, a.cfg.Logger)
		if err := a.sup.Add(consumer); err != nil {
			return err
		}
	}

	for _, cam := range a.cfg.Spec.EnabledCameras() {
		p := pipeline.New(pipeline.Config{
			Camera:     cam,
			ScratchDir: a.scratchDir,
			FFmpegPath: a.cfg.FFmpegPath,
			Logger:     a.cfg.Logger,
			HandoffCh:  a.handoffCh,
			FrameQueue: frameSink(a.frameQueue, cam),
		})
		a.mu.Lock()
		a.pipelines[cam.ID] = p
		a.mu.Unlock()
		if err := a.sup.Add(p); err != nil {
			return err
		}
	}

	if a.cfg.Logger != nil {
		a.cfg.Logger.Info("camrecd starting", "run_id", a.cfg.RunID, "cameras", len(a.cfg.Spec.EnabledCameras()))
	}

	err := a.sup.Run(ctx)

	if a.cfg.Logger != nil {
		a.cfg.Logger.Info("camrecd stopped", "run_id", a.cfg.RunID, "status", a.Snapshot())
	}
	return err
}

// frameSink returns queue typed as a send-only channel for cameras that
// enable detection, or nil otherwise, so Pipeline never starts a FrameReader
// for a camera with detection disabled (spec.md §8, boundary).
func frameSink(queue chan frame.Frame, cam config.CameraSpec) chan<- frame.Frame {
	if queue == nil || cam.DetectionInterval <= 0 {
		return nil
	}
	return queue
}

// Status implements internal/httpapi.StatusProvider, boxing Snapshot's
// concrete Status so this package stays decoupled from the httpapi package.
func (a *App) Status() any { return a.Snapshot() }

// Snapshot returns a point-in-time view of every camera pipeline plus the
// current frame-queue depth.
func (a *App) Snapshot() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := Status{RunID: a.cfg.RunID}
	if a.frameQueue != nil {
		out.QueueDepth = len(a.frameQueue)
	}
	for id, p := range a.pipelines {
		ps := PipelineStatus{CamID: id, State: p.State().String(), DropCount: p.DropCount()}
		if err := p.LastError(); err != nil {
			ps.LastError = err.Error()
		}
		for _, s := range a.sup.Status() {
			if s.Name == id {
				ps.Attempts = s.Restarts + 1
			}
		}
		out.Pipelines = append(out.Pipelines, ps)
	}
	return out
}

// LogTail returns the retained log lines for camID, or (nil, false) if no
// such camera is known (spec.md §6, the optional log-tail endpoint).
func (a *App) LogTail(camID string) ([]string, bool) {
	a.mu.RLock()
	p, ok := a.pipelines[camID]
	a.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return p.LogSnapshot(), true
}

// moverService adapts *mover.Mover's (handoffCh, done) Run to
// internal/supervisor.Service's Run(ctx) error shape.
type moverService struct {
	m         *mover.Mover
	handoffCh <-chan mover.Handoff
}

func (s *moverService) Name() string { return s.m.Name() }

func (s *moverService) Run(ctx context.Context) error {
	s.m.Run(s.handoffCh, ctx.Done())
	return nil
}
