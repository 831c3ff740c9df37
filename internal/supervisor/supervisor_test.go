package supervisor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeWorker stands in for a process-wide worker (FileMover, FrameConsumer,
// the SpaceEnforcer ticker) or a CameraPipeline for the purposes of
// exercising the supervision tree without spawning real child processes.
type fakeWorker struct {
	name       string
	runCount   atomic.Int32
	shouldFail bool
	failErr    error
	runFor     time.Duration
	started    chan struct{}
	stopped    chan struct{}
}

func newFakeWorker(name string) *fakeWorker {
	return &fakeWorker{
		name:    name,
		started: make(chan struct{}, 16),
		stopped: make(chan struct{}, 16),
	}
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Run(ctx context.Context) error {
	w.runCount.Add(1)
	w.started <- struct{}{}
	defer func() { w.stopped <- struct{}{} }()

	if w.shouldFail {
		return w.failErr
	}
	if w.runFor > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.runFor):
			return nil
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestNew_InitializesSuture(t *testing.T) {
	configs := []Config{
		DefaultConfig(),
		{ShutdownTimeout: 5 * time.Second},
		{},
		{
			ShutdownTimeout:   10 * time.Second,
			RestartDelay:      2 * time.Second,
			MaxRestartDelay:   60 * time.Second,
			RestartMultiplier: 2.0,
		},
	}

	for i, cfg := range configs {
		sup := New(cfg)
		if sup == nil {
			t.Fatalf("config %d: New returned nil", i)
		}
		if sup.suture == nil {
			t.Errorf("config %d: suture supervisor not initialized", i)
		}
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", cfg.ShutdownTimeout)
	}
	if cfg.RestartDelay != time.Second {
		t.Errorf("RestartDelay = %v, want 1s", cfg.RestartDelay)
	}
	if cfg.MaxRestartDelay != 5*time.Minute {
		t.Errorf("MaxRestartDelay = %v, want 5m", cfg.MaxRestartDelay)
	}
	if cfg.RestartMultiplier != 2.0 {
		t.Errorf("RestartMultiplier = %v, want 2.0", cfg.RestartMultiplier)
	}
}

func TestSupervisor_AddAndDuplicateRejected(t *testing.T) {
	sup := New(DefaultConfig())

	if err := sup.Add(newFakeWorker("mover")); err != nil {
		t.Fatalf("Add mover: %v", err)
	}
	if err := sup.Add(newFakeWorker("frame-consumer")); err != nil {
		t.Fatalf("Add frame-consumer: %v", err)
	}
	if got := sup.ServiceCount(); got != 2 {
		t.Errorf("ServiceCount = %d, want 2", got)
	}

	dup := newFakeWorker("mover")
	if err := sup.Add(dup); err == nil {
		t.Error("Add duplicate name: expected error, got nil")
	}
}

func TestSupervisor_Remove(t *testing.T) {
	sup := New(DefaultConfig())

	w := newFakeWorker("space-enforcer")
	if err := sup.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sup.Remove("space-enforcer"); err != nil {
		t.Errorf("Remove: unexpected error: %v", err)
	}
	if got := sup.ServiceCount(); got != 0 {
		t.Errorf("ServiceCount = %d, want 0", got)
	}
	if err := sup.Remove("nonexistent"); err == nil {
		t.Error("Remove nonexistent: expected error, got nil")
	}
}

func TestSupervisor_RunStartsAndStopsServices(t *testing.T) {
	sup := New(Config{ShutdownTimeout: 2 * time.Second})

	w := newFakeWorker("mover")
	if err := sup.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	select {
	case <-w.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not start in time")
	}
	if got := w.runCount.Load(); got != 1 {
		t.Errorf("runCount = %d, want 1", got)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop in time")
	}

	select {
	case <-w.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop in time")
	}
}

func TestSupervisor_RunTwiceFails(t *testing.T) {
	sup := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = sup.Run(ctx)
	}()
	time.Sleep(100 * time.Millisecond)

	if err := sup.Run(ctx); err == nil {
		t.Error("second Run: expected error, got nil")
	}

	cancel()
	wg.Wait()
}

func TestSupervisor_FailedServiceRestarts(t *testing.T) {
	var buf bytes.Buffer
	sup := New(Config{
		ShutdownTimeout: 2 * time.Second,
		Logger:          slog.New(slog.NewTextHandler(&buf, nil)),
		RestartDelay:    20 * time.Millisecond,
	})

	w := newFakeWorker("flaky-pipeline")
	w.shouldFail = true
	w.failErr = errors.New("ffmpeg exited")

	if err := sup.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	restarts := 0
	timeout := time.After(5 * time.Second)
	for restarts < 3 {
		select {
		case <-w.started:
			restarts++
		case <-timeout:
			t.Fatalf("worker only started %d times, want >= 3", restarts)
		}
	}
	if got := w.runCount.Load(); got < 3 {
		t.Errorf("runCount = %d, want >= 3", got)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}

	if !strings.Contains(buf.String(), "flaky-pipeline") {
		t.Errorf("expected service name in log output, got: %s", buf.String())
	}
}

func TestSupervisor_RestartCounterAndLastError(t *testing.T) {
	sup := New(Config{
		ShutdownTimeout: 2 * time.Second,
		RestartDelay:    10 * time.Millisecond,
	})

	w := newFakeWorker("retry-counter")
	w.shouldFail = true
	w.failErr = errors.New("test error")

	if err := sup.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	for i := 0; i < 5; i++ {
		select {
		case <-w.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("restart %d did not happen", i)
		}
	}

	status := sup.Status()
	if len(status) != 1 {
		t.Fatalf("Status length = %d, want 1", len(status))
	}
	if status[0].Restarts < 4 {
		t.Errorf("Restarts = %d, want >= 4", status[0].Restarts)
	}
	if status[0].LastError == nil || status[0].LastError.Error() != "test error" {
		t.Errorf("LastError = %v, want 'test error'", status[0].LastError)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_AddWhileRunning(t *testing.T) {
	sup := New(Config{ShutdownTimeout: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	w := newFakeWorker("late-camera")
	if err := sup.Add(w); err != nil {
		t.Fatalf("Add while running: %v", err)
	}

	select {
	case <-w.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not start in time")
	}

	found := false
	for _, s := range sup.Status() {
		if s.Name == "late-camera" && s.State == ServiceStateRunning {
			found = true
		}
	}
	if !found {
		t.Error("late-camera not found or not running")
	}
}

func TestSupervisor_RemoveWhileRunning(t *testing.T) {
	sup := New(Config{ShutdownTimeout: 2 * time.Second})

	w := newFakeWorker("removeme")
	if err := sup.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sup.Run(ctx) }()

	select {
	case <-w.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not start in time")
	}

	if err := sup.Remove("removeme"); err != nil {
		t.Errorf("Remove while running: %v", err)
	}

	select {
	case <-w.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after removal")
	}
	if got := sup.ServiceCount(); got != 0 {
		t.Errorf("ServiceCount = %d, want 0", got)
	}
}

func TestSupervisor_GracefulShutdownStopsEveryService(t *testing.T) {
	sup := New(Config{ShutdownTimeout: 5 * time.Second})

	workers := make([]*fakeWorker, 3)
	names := []string{"mover", "frame-consumer", "space-enforcer"}
	for i, name := range names {
		workers[i] = newFakeWorker(name)
		if err := sup.Add(workers[i]); err != nil {
			t.Fatalf("Add %s: %v", name, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	for i, w := range workers {
		select {
		case <-w.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("worker %d did not start in time", i)
		}
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop in time")
	}

	for i, w := range workers {
		select {
		case <-w.stopped:
		case <-time.After(1 * time.Second):
			t.Errorf("worker %d did not stop", i)
		}
	}
}

func TestSupervisor_ConcurrentAddAndStatus(t *testing.T) {
	sup := New(Config{ShutdownTimeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = sup.Add(newFakeWorker(string(rune('A' + i))))
		}(i)
	}
	wg.Wait()

	if count := sup.ServiceCount(); count != 10 {
		t.Errorf("ServiceCount = %d, want 10", count)
	}

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sup.Status()
		}()
	}
	wg.Wait()

	cancel()
	select {
	case <-errCh:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestSupervisor_LongRunningServiceStopsWithinTimeout(t *testing.T) {
	sup := New(Config{ShutdownTimeout: 2 * time.Second})

	w := newFakeWorker("long-running")
	w.runFor = time.Hour

	if err := sup.Add(w); err != nil {
		t.Fatalf("Add: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- sup.Run(ctx) }()

	select {
	case <-w.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not start in time")
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run: unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop within timeout")
	}

	select {
	case <-w.stopped:
	case <-time.After(1 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestServiceState_String(t *testing.T) {
	cases := []struct {
		state ServiceState
		want  string
	}{
		{ServiceStateIdle, "idle"},
		{ServiceStateRunning, "running"},
		{ServiceStateStopping, "stopping"},
		{ServiceStateFailed, "failed"},
		{ServiceStateStopped, "stopped"},
		{ServiceState(99), "unknown(99)"},
	}
	for _, c := range cases {
		if got := c.state.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
}

func TestSupervisor_NamedSupervisor(t *testing.T) {
	sup := New(Config{Name: "camrecd-test"})
	if sup == nil || sup.suture == nil {
		t.Fatal("expected a named supervisor with suture initialized")
	}
}
