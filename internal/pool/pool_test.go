//go:build !windows

package pool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/margbug01/ace-proxy/internal/backend"
)

// spawnEcho spawns /bin/cat through a /bin/sh script that ignores the
// "--mcp -m <mode> --workspace-root <root>" arguments every spawn appends.
func spawnEcho(t *testing.T, root string) (*backend.Instance, error) {
	t.Helper()
	script := filepath.Join(t.TempDir(), "backend.sh")
	if err := os.WriteFile(script, []byte("exec /bin/cat\n"), 0o755); err != nil {
		return nil, err
	}
	inst := backend.New(backend.Config{
		Node:           "/bin/sh",
		AuggieEntry:    script,
		WorkspaceRoot:  root,
		SpawnTimeout:   2 * time.Second,
		RequestTimeout: 2 * time.Second,
	})
	if err := inst.Spawn(context.Background()); err != nil {
		return nil, err
	}
	return inst, nil
}

func TestGetOrCreateReusesExisting(t *testing.T) {
	p := New(3, func(ctx context.Context, root string) (*backend.Instance, error) {
		return spawnEcho(t, root)
	})

	a, err := p.GetOrCreate(context.Background(), "/root/a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer a.Shutdown()

	b, err := p.GetOrCreate(context.Background(), "/root/a")
	if err != nil {
		t.Fatalf("GetOrCreate (second): %v", err)
	}
	if a != b {
		t.Fatal("expected the same backend instance to be reused for the same root")
	}
	if p.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", p.Len())
	}
}

func TestEvictsLRUWhenAtCapacity(t *testing.T) {
	p := New(2, func(ctx context.Context, root string) (*backend.Instance, error) {
		return spawnEcho(t, root)
	})

	a, err := p.GetOrCreate(context.Background(), "/root/a")
	if err != nil {
		t.Fatalf("GetOrCreate a: %v", err)
	}
	b, err := p.GetOrCreate(context.Background(), "/root/b")
	if err != nil {
		t.Fatalf("GetOrCreate b: %v", err)
	}
	_ = a
	_ = b

	// Neither a nor b has pending work, so adding a third root should evict
	// one of them (the LRU, "a") rather than failing.
	if _, err := p.GetOrCreate(context.Background(), "/root/c"); err != nil {
		t.Fatalf("GetOrCreate c: %v", err)
	}

	if p.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (bounded at capacity)", p.Len())
	}
}

func TestGetDoesNotSpawn(t *testing.T) {
	spawned := 0
	p := New(3, func(ctx context.Context, root string) (*backend.Instance, error) {
		spawned++
		return spawnEcho(t, root)
	})

	if _, ok := p.Get("/root/never-pooled"); ok {
		t.Fatal("Get on an unpooled root must report false")
	}
	if spawned != 0 {
		t.Fatalf("Get must never spawn a backend, spawned = %d", spawned)
	}

	a, err := p.GetOrCreate(context.Background(), "/root/a")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	defer a.Shutdown()

	got, ok := p.Get("/root/a")
	if !ok || got != a {
		t.Fatalf("Get(\"/root/a\") = %v, %v; want the pooled instance", got, ok)
	}
}

func TestShutdownAllDrainsPool(t *testing.T) {
	p := New(3, func(ctx context.Context, root string) (*backend.Instance, error) {
		return spawnEcho(t, root)
	})

	if _, err := p.GetOrCreate(context.Background(), "/root/a"); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	p.ShutdownAll()

	if p.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after ShutdownAll", p.Len())
	}
}
