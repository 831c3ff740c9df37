package childproc

import (
	"context"
	"testing"
	"time"
)

func TestSpawnAndWait_CleanExit(t *testing.T) {
	p := New("/bin/sh", []string{"-c", "echo hello; exit 0"})
	if err := p.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if err := p.Wait(); err != nil {
		t.Fatalf("Wait() error = %v, want nil", err)
	}
}

func TestSpawnAndWait_NonZeroExit(t *testing.T) {
	p := New("/bin/sh", []string{"-c", "exit 3"})
	if err := p.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if err := p.Wait(); err == nil {
		t.Fatal("Wait() error = nil, want non-nil for exit code 3")
	}
}

func TestSpawn_InvalidBinary(t *testing.T) {
	p := New("/no/such/binary", nil)
	if err := p.Spawn(context.Background()); err == nil {
		t.Fatal("Spawn() error = nil, want ErrSpawn")
	}
}

func TestTerminate_GracefulExit(t *testing.T) {
	p := New("/bin/sh", []string{"-c", "trap 'exit 0' INT; sleep 30"}, WithGracefulTimeout(2*time.Second))
	if err := p.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	done := make(chan struct{})
	go func() {
		p.Terminate()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Terminate() did not return in time")
	}
}

func TestTerminate_ForceKillAfterTimeout(t *testing.T) {
	p := New("/bin/sh", []string{"-c", "trap '' INT; sleep 30"}, WithGracefulTimeout(200*time.Millisecond))
	if err := p.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	start := time.Now()
	p.Terminate()
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Terminate() took %v, want well under the sleep duration", elapsed)
	}
	if err := p.Wait(); err == nil {
		t.Fatal("Wait() error = nil, want non-nil after force-kill")
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	p := New("/bin/sh", []string{"-c", "exit 0"})
	if err := p.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	_ = p.Wait()
	p.Terminate()
	p.Terminate()
}
