package debounce

import (
	"testing"
	"time"
)

func TestAddDeduplicates(t *testing.T) {
	d := New(100 * time.Millisecond)
	d.Add("/test/file1.go")
	d.Add("/test/file2.go")
	d.Add("/test/file1.go")

	if got := d.PendingCount(); got != 2 {
		t.Fatalf("PendingCount = %d, want 2", got)
	}
}

func TestFlushImmediateWindow(t *testing.T) {
	d := New(0)
	d.Add("/test/file1.go")
	d.Add("/test/file2.go")

	if !d.ShouldFlush() {
		t.Fatal("expected ShouldFlush to be true with a zero debounce window")
	}

	paths := d.Flush()
	if len(paths) != 2 {
		t.Fatalf("len(paths) = %d, want 2", len(paths))
	}
	if d.PendingCount() != 0 {
		t.Fatal("pending set should be empty after flush")
	}
}

func TestFlushEmptyReturnsNil(t *testing.T) {
	d := New(0)
	if d.ShouldFlush() {
		t.Fatal("should not flush with nothing pending")
	}
	if paths := d.Flush(); paths != nil {
		t.Fatalf("Flush() = %v, want nil", paths)
	}
}

func TestDebounceWindowDelaysFlush(t *testing.T) {
	d := New(10 * time.Second)
	d.Add("/test/file1.go")

	if d.ShouldFlush() {
		t.Fatal("should not flush immediately inside a long debounce window")
	}
}
