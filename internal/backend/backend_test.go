//go:build !windows

package backend

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// stubScript writes a /bin/sh script that execs command, ignoring the
// "--mcp -m <mode> --workspace-root <root>" arguments every spawn appends.
func stubScript(t *testing.T, command string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "backend.sh")
	if err := os.WriteFile(path, []byte("exec "+command+"\n"), 0o755); err != nil {
		t.Fatalf("writing stub backend script: %v", err)
	}
	return path
}

// echoConfig spawns /bin/cat (through a stub script) as a stand-in backend:
// whatever we write to its stdin comes back unmodified on stdout, which is
// enough to exercise id translation and the pending table without a real MCP
// backend.
func echoConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Node:           "/bin/sh",
		AuggieEntry:    stubScript(t, "/bin/cat"),
		WorkspaceRoot:  t.TempDir(),
		SpawnTimeout:   2 * time.Second,
		RequestTimeout: 2 * time.Second,
	}
}

func TestSpawnTransitionsToReady(t *testing.T) {
	b := New(echoConfig(t))
	if err := b.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer b.Shutdown()

	if got := b.State(); got != Ready {
		t.Fatalf("state = %v, want Ready", got)
	}
}

func TestSendRequestRoundTrip(t *testing.T) {
	b := New(echoConfig(t))
	if err := b.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer b.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, rpcErr, err := b.SendRequest(ctx, "ping", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if rpcErr != nil {
		t.Fatalf("unexpected rpc error: %v", rpcErr)
	}
	if b.HasPending() {
		t.Fatal("pending table should be empty once the reply arrives")
	}
}

func TestSendRequestTimeout(t *testing.T) {
	cfg := echoConfig(t)
	cfg.AuggieEntry = stubScript(t, "/bin/sleep 5")
	cfg.RequestTimeout = 50 * time.Millisecond

	// /bin/sleep ignores stdin entirely, so any request we send it never
	// gets a reply: the timeout path must fire and clear the pending entry.
	b := New(cfg)
	if err := b.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer b.Shutdown()

	_, _, err := b.SendRequest(context.Background(), "ping", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if b.HasPending() {
		t.Fatal("timed-out request must be removed from the pending table")
	}
	if b.State() != Ready {
		t.Fatalf("a timeout must not change backend state, got %v", b.State())
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	b := New(echoConfig(t))
	if err := b.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := b.Shutdown(); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := b.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if b.State() != Dead {
		t.Fatalf("state = %v, want Dead", b.State())
	}
}

func TestRestartAdoptsFreshProcess(t *testing.T) {
	b := New(echoConfig(t))
	if err := b.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer b.Shutdown()

	oldPid := b.cmd.Process.Pid

	if err := b.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if b.State() != Ready {
		t.Fatalf("state after restart = %v, want Ready", b.State())
	}
	if b.cmd.Process.Pid == oldPid {
		t.Fatal("restart should have adopted a new process")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := b.SendRequest(ctx, "ping", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("SendRequest after restart: %v", err)
	}
}

// TestRestartThenSecondCrashIsDetected guards against a restart leaving
// waitLoop watching a generation that can never again observe a real exit:
// after one restart, a second crash of the *adopted* process must still
// transition the backend to Dead and fail its pending requests.
func TestRestartThenSecondCrashIsDetected(t *testing.T) {
	b := New(echoConfig(t))
	if err := b.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer b.Shutdown()

	if err := b.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if b.State() != Ready {
		t.Fatalf("state after restart = %v, want Ready", b.State())
	}

	b.mu.Lock()
	proc := b.cmd.Process
	b.mu.Unlock()
	if err := proc.Kill(); err != nil {
		t.Fatalf("killing adopted process: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if b.State() == Dead {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if b.State() != Dead {
		t.Fatalf("state after second crash = %v, want Dead", b.State())
	}
}
