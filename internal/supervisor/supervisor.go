// SPDX-License-Identifier: MIT

// Package supervisor hosts the camera recording supervisor's process-wide
// and per-camera workers under a github.com/thejerf/suture/v4 supervision
// tree.
//
// Grounded on the teacher repo's internal/supervisor/supervisor.go (the
// Service interface, ServiceState/ServiceStatus bookkeeping, the
// Add/Remove/Status surface), but the hand-rolled restart loop that file
// declared yet never actually wired to suture is replaced here with a real
// *suture.Supervisor: every Service is added as a suture service, and
// restart-on-failure is suture's, not ours. spec.md §9 explicitly excludes
// auto-restart from CameraPipeline's own lifecycle; that invariant holds
// here not because this package special-cases pipelines, but because
// internal/pipeline.Pipeline.Run never returns until its context is
// cancelled (see that package's doc comment) — so suture's restart path
// simply never triggers for a pipeline service, while it legitimately
// benefits FileMover, FrameConsumer, and the SpaceEnforcer ticker, which
// are safe to restart after a transient failure.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is the interface every supervised worker implements. Run should
// block until ctx is cancelled or the worker hits an unrecoverable error.
type Service interface {
	Run(ctx context.Context) error
	Name() string
}

// ServiceState mirrors a supervised service's lifecycle as observed by this
// package (distinct from internal/pipeline.State, which is the camera
// pipeline's own richer lifecycle).
type ServiceState int

const (
	ServiceStateIdle ServiceState = iota
	ServiceStateRunning
	ServiceStateStopping
	ServiceStateFailed
	ServiceStateStopped
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStateIdle:
		return "idle"
	case ServiceStateRunning:
		return "running"
	case ServiceStateStopping:
		return "stopping"
	case ServiceStateFailed:
		return "failed"
	case ServiceStateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// ServiceStatus is a point-in-time snapshot of one supervised service.
type ServiceStatus struct {
	Name      string
	State     ServiceState
	StartTime time.Time
	Uptime    time.Duration
	Restarts  int
	LastError error
}

// Config configures the supervisor and the restart policy applied to every
// service it hosts.
type Config struct {
	// Name identifies this supervisor instance to suture's own logging.
	Name string

	// ShutdownTimeout bounds how long Run waits for suture to drain all
	// services after ctx is cancelled.
	ShutdownTimeout time.Duration

	// RestartDelay is mapped onto suture.Spec's FailureBackoff: the pause
	// suture takes once the failure threshold is exceeded. With the high
	// threshold New sets, a failed service is restarted without this delay.
	RestartDelay time.Duration

	// MaxRestartDelay and RestartMultiplier describe the ceiling and growth
	// factor of an exponential backoff. suture v4's own backoff model
	// (failure rate decayed over a window, compared against a threshold)
	// does not expose a multiplicative cap directly, so these two are
	// recorded on the Config for documented parity with the teacher's
	// restart-policy knobs only: neither suture.Spec nor the per-service
	// wrapper below applies them (see DESIGN.md).
	MaxRestartDelay   time.Duration
	RestartMultiplier float64

	// Logger receives supervisor lifecycle lines. Nil disables logging.
	Logger *slog.Logger
}

// DefaultConfig returns the supervisor's default restart policy and
// shutdown bound.
func DefaultConfig() Config {
	return Config{
		ShutdownTimeout:   10 * time.Second,
		RestartDelay:      1 * time.Second,
		MaxRestartDelay:   5 * time.Minute,
		RestartMultiplier: 2.0,
	}
}

// Supervisor hosts a set of named Services under a suture supervision tree.
type Supervisor struct {
	cfg    Config
	suture *suture.Supervisor

	mu      sync.RWMutex
	entries map[string]*serviceEntry
	running bool
	cancel  context.CancelFunc
	doneCh  chan error
}

// serviceEntry tracks one hosted service's bookkeeping alongside the
// suture.ServiceToken suture handed back for it.
type serviceEntry struct {
	service   Service
	state     ServiceState
	startTime time.Time
	restarts  int
	lastError error

	added    bool
	token    suture.ServiceToken
	curDelay time.Duration
}

// New constructs a Supervisor backed by a fresh suture.Supervisor. The
// suture field is always non-nil after New returns.
func New(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = time.Second
	}
	if cfg.MaxRestartDelay <= 0 {
		cfg.MaxRestartDelay = 5 * time.Minute
	}
	if cfg.RestartMultiplier <= 0 {
		cfg.RestartMultiplier = 2.0
	}
	name := cfg.Name
	if name == "" {
		name = "camrecd"
	}

	sup := &Supervisor{
		cfg:     cfg,
		entries: make(map[string]*serviceEntry),
	}

	sup.suture = suture.New(name, suture.Spec{
		// A high threshold keeps suture from tearing down the whole tree
		// when one camera's worker is genuinely flaky; the operator reads
		// per-service Restarts/LastError from Status instead.
		FailureThreshold: 1 << 20,
		FailureDecay:     30,
		FailureBackoff:   cfg.RestartDelay,
		Timeout:          cfg.ShutdownTimeout,
	})

	return sup
}

func (s *Supervisor) logf(format string, args ...interface{}) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Info(fmt.Sprintf(format, args...))
	}
}

// Add registers svc with the supervisor under svc.Name(). If the supervisor
// is already running, the service is started immediately. Returns an error
// if a service with the same name is already registered.
func (s *Supervisor) Add(svc Service) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := svc.Name()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}

	entry := &serviceEntry{service: svc, state: ServiceStateIdle, curDelay: s.cfg.RestartDelay}
	s.entries[name] = entry
	s.logf("added service %s", name)

	if s.running {
		s.start(entry)
	}
	return nil
}

// Remove unregisters and stops svc's service, named by name. The underlying
// suture service is removed; the goroutine running it observes its
// context's cancellation on the next boundary.
func (s *Supervisor) Remove(name string) error {
	s.mu.Lock()
	entry, exists := s.entries[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("service %q not found", name)
	}
	delete(s.entries, name)
	added := entry.added
	token := entry.token
	s.mu.Unlock()

	if added {
		if err := s.suture.Remove(token); err != nil {
			return fmt.Errorf("removing service %q: %w", name, err)
		}
	}
	s.logf("removed service %s", name)
	return nil
}

// Status returns a snapshot of every hosted service.
func (s *Supervisor) Status() []ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ServiceStatus, 0, len(s.entries))
	now := time.Now()
	for name, e := range s.entries {
		var uptime time.Duration
		if !e.startTime.IsZero() && e.state == ServiceStateRunning {
			uptime = now.Sub(e.startTime)
		}
		out = append(out, ServiceStatus{
			Name:      name,
			State:     e.state,
			StartTime: e.startTime,
			Uptime:    uptime,
			Restarts:  e.restarts,
			LastError: e.lastError,
		})
	}
	return out
}

// ServiceCount returns the number of currently registered services.
func (s *Supervisor) ServiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Run starts every registered service under the suture tree and blocks
// until ctx is cancelled, then waits (up to ShutdownTimeout) for suture to
// drain everything.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	for _, entry := range s.entries {
		s.start(entry)
	}
	s.mu.Unlock()

	s.logf("supervisor %s started with %d services", s.cfg.Name, s.ServiceCount())

	errCh := make(chan error, 1)
	go func() { errCh <- s.suture.Serve(runCtx) }()

	<-runCtx.Done()
	s.logf("shutdown signal received, draining services")

	select {
	case err := <-errCh:
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-time.After(s.cfg.ShutdownTimeout):
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return errors.New("shutdown timeout exceeded")
	}
}

// start adds entry's service to the suture tree as a wrapped suture.Service
// that keeps this package's ServiceStatus bookkeeping in sync with every
// Serve invocation suture makes (including restarts after a failure).
func (s *Supervisor) start(entry *serviceEntry) {
	entry.state = ServiceStateRunning
	entry.startTime = time.Now()
	adapter := &serviceAdapter{sup: s, entry: entry}
	entry.token = s.suture.Add(adapter)
	entry.added = true
}

// serviceAdapter bridges this package's Service to suture.Service, updating
// entry bookkeeping around every Serve call.
type serviceAdapter struct {
	sup   *Supervisor
	entry *serviceEntry
}

func (a *serviceAdapter) Serve(ctx context.Context) error {
	a.sup.mu.Lock()
	a.entry.state = ServiceStateRunning
	a.entry.startTime = time.Now()
	a.sup.mu.Unlock()

	err := a.entry.service.Run(ctx)

	a.sup.mu.Lock()
	defer a.sup.mu.Unlock()
	if ctx.Err() != nil {
		a.entry.state = ServiceStateStopped
		return nil
	}
	if err != nil {
		a.entry.state = ServiceStateFailed
		a.entry.lastError = err
		a.entry.restarts++
		a.sup.logf("service %s failed (restarts=%d): %v", a.entry.service.Name(), a.entry.restarts, err)
		return err
	}
	a.entry.state = ServiceStateStopped
	return nil
}
